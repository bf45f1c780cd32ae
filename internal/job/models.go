// Package job implements the job lifecycle engine: atomic creation
// against the wallet, callback ingestion with state normalization,
// delivery hand-off, and the stale-job/stuck-payment sweepers.
package job

import (
	"encoding/json"
	"strings"
	"time"

	"mediagate/internal/catalog"

	"github.com/shopspring/decimal"
)

// Status is the job's own lifecycle state, distinct from the
// upstream-reported UpstreamStatus string.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// UpstreamState is the normalized form of whatever string the
// external API reports in a callback.
type UpstreamState string

const (
	UpstreamRunning  UpstreamState = "running"
	UpstreamQueued   UpstreamState = "queued"
	UpstreamDone     UpstreamState = "done"
	UpstreamFailed   UpstreamState = "failed"
	UpstreamCanceled UpstreamState = "canceled"
)

var upstreamAliases = map[string]UpstreamState{
	"success":    UpstreamDone,
	"completed":  UpstreamDone,
	"succeeded":  UpstreamDone,
	"done":       UpstreamDone,
	"fail":       UpstreamFailed,
	"failed":     UpstreamFailed,
	"error":      UpstreamFailed,
	"timeout":    UpstreamFailed,
	"pending":    UpstreamRunning,
	"waiting":    UpstreamRunning,
	"processing": UpstreamRunning,
	"running":    UpstreamRunning,
	"queued":     UpstreamQueued,
	"canceled":   UpstreamCanceled,
	"cancelled":  UpstreamCanceled,
}

// NormalizeUpstreamState maps an arbitrary upstream status string to
// one of the engine's five normalized states. Unknown strings are
// treated as still-running rather than silently dropped.
func NormalizeUpstreamState(raw string) UpstreamState {
	if state, ok := upstreamAliases[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return state
	}
	return UpstreamRunning
}

// ToStatus maps a normalized upstream state to the job's own Status.
func (u UpstreamState) ToStatus() Status {
	switch u {
	case UpstreamDone:
		return StatusDone
	case UpstreamFailed:
		return StatusFailed
	case UpstreamCanceled:
		return StatusCanceled
	default:
		return StatusRunning
	}
}

// Job mirrors the jobs table.
type Job struct {
	ID             string
	UserID         string
	ModelID        string
	Category       catalog.Category
	Input          json.RawMessage
	PriceRUB       decimal.Decimal
	Status         Status
	ExternalTaskID *string
	UpstreamStatus string
	Result         json.RawMessage
	ErrorText      *string
	IdempotencyKey string
	ChatID         *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	FinishedAt     *time.Time
	DeliveredAt    *time.Time
	DeliveringAt   *time.Time
}

// HoldRef is the ledger ref of this job's hold entry, "job:<id>". The
// charge on success is filed under ChargeRef ("charge:job:<id>"), not
// under "job:<id>", and the release on failure/cancellation under
// RefundRef ("job:<id>:refund").
func (j *Job) HoldRef() string {
	return "job:" + j.ID
}

func (j *Job) ChargeRef() string {
	return "charge:job:" + j.ID
}

func (j *Job) RefundRef() string {
	return "job:" + j.ID + ":refund"
}
