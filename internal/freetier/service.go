// Package freetier atomically checks and records free-model daily/hourly
// quota usage. The check and the usage insert share one transaction so
// two concurrent requests from the same user can never both slip past
// the same limit.
package freetier

import (
	"context"
	"errors"
	"fmt"

	"mediagate/internal/storage"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type Service struct {
	db *storage.DB
}

func NewService(db *storage.DB) *Service {
	return &Service{db: db}
}

// CheckAndReserve reads the free-model config, counts usages since the
// start of the current UTC day and within the current UTC hour, and —
// if both are below their limits and jobID is non-nil — records a new
// usage row (ON CONFLICT DO NOTHING on (user_id, model_id, job_id)).
func (s *Service) CheckAndReserve(ctx context.Context, userID, modelID string, jobID *string) (Decision, error) {
	var decision Decision

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var model Model
		err := tx.QueryRow(ctx,
			`SELECT model_id, enabled, daily_limit, hourly_limit FROM free_models WHERE model_id = $1`,
			modelID,
		).Scan(&model.ModelID, &model.Enabled, &model.DailyLimit, &model.HourlyLimit)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				decision = Decision{Allowed: false, Reason: ReasonNotFree}
				return nil
			}
			return fmt.Errorf("load free model config: %w", err)
		}
		if !model.Enabled {
			decision = Decision{Allowed: false, Reason: ReasonNotFree}
			return nil
		}

		var dailyUsed int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM free_usage
			 WHERE user_id = $1 AND model_id = $2 AND created_at >= date_trunc('day', now() AT TIME ZONE 'UTC')`,
			userID, modelID,
		).Scan(&dailyUsed); err != nil {
			return fmt.Errorf("count daily usage: %w", err)
		}

		var hourlyUsed int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM free_usage
			 WHERE user_id = $1 AND model_id = $2 AND created_at >= date_trunc('hour', now() AT TIME ZONE 'UTC')`,
			userID, modelID,
		).Scan(&hourlyUsed); err != nil {
			return fmt.Errorf("count hourly usage: %w", err)
		}

		decision = Decision{
			DailyUsed:   dailyUsed,
			DailyLimit:  model.DailyLimit,
			HourlyUsed:  hourlyUsed,
			HourlyLimit: model.HourlyLimit,
		}

		switch {
		case dailyUsed >= model.DailyLimit:
			decision.Allowed = false
			decision.Reason = ReasonDailyExceeded
			return nil
		case hourlyUsed >= model.HourlyLimit:
			decision.Allowed = false
			decision.Reason = ReasonHourlyExceeded
			return nil
		}

		decision.Allowed = true
		decision.Reason = ReasonOK

		if jobID != nil {
			if _, err := tx.Exec(ctx,
				`INSERT INTO free_usage (id, user_id, model_id, job_id, created_at)
				 VALUES ($1, $2, $3, $4, now())
				 ON CONFLICT (user_id, model_id, job_id) WHERE job_id IS NOT NULL DO NOTHING`,
				uuid.NewString(), userID, modelID, *jobID,
			); err != nil {
				return fmt.Errorf("record free usage: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return Decision{}, err
	}
	return decision, nil
}
