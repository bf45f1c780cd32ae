package freetier

import "time"

// Model is one free-tier model's daily/hourly quota configuration.
type Model struct {
	ModelID     string `db:"model_id"`
	Enabled     bool   `db:"enabled"`
	DailyLimit  int    `db:"daily_limit"`
	HourlyLimit int    `db:"hourly_limit"`
	Meta        []byte `db:"meta"`
}

// Usage is one recorded free-tier generation.
type Usage struct {
	ID        string    `db:"id"`
	UserID    string    `db:"user_id"`
	ModelID   string    `db:"model_id"`
	JobID     *string   `db:"job_id"`
	CreatedAt time.Time `db:"created_at"`
}

// Reason is why a free-tier request was allowed or rejected.
type Reason string

const (
	ReasonOK             Reason = "ok"
	ReasonNotFree        Reason = "not_free"
	ReasonDailyExceeded  Reason = "daily_exceeded"
	ReasonHourlyExceeded Reason = "hourly_exceeded"
)

// Decision is the outcome of CheckAndReserve.
type Decision struct {
	Allowed     bool
	Reason      Reason
	DailyUsed   int
	DailyLimit  int
	HourlyUsed  int
	HourlyLimit int
}
