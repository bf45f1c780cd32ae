// Package ingress accepts inbound chat-platform updates, deduplicates
// them against concurrent delivery of the same update_id, and invokes
// the matched per-update-type handler with a correlation ID attached
// to the context for every downstream log line.
package ingress

import (
	"context"
	"encoding/json"
	"fmt"

	"mediagate/internal/storage"
	"mediagate/pkg/logger"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Update is the gateway's platform-agnostic view of an inbound event.
// The actual chat-platform adapter is out of scope; callers translate
// their wire format into this shape before calling Dispatch.
type Update struct {
	ID      int64
	Type    string
	ChatID  string
	Payload json.RawMessage
}

// HandlerFunc processes one deduplicated update. ctx carries the
// update's correlation ID.
type HandlerFunc func(ctx context.Context, update Update) error

// Dispatcher dedups updates against processed_updates and routes them
// to registered per-type handlers.
type Dispatcher struct {
	db       *storage.DB
	workerID string
	handlers map[string]HandlerFunc
}

func NewDispatcher(db *storage.DB, workerID string) *Dispatcher {
	return &Dispatcher{db: db, workerID: workerID, handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to an update type. Call before Dispatch is
// ever invoked; not safe for concurrent registration.
func (d *Dispatcher) Register(updateType string, fn HandlerFunc) {
	d.handlers[updateType] = fn
}

// Dispatch claims update.ID exactly once across concurrent callers,
// then invokes the matching handler. A duplicate or lock-contended
// update is skipped silently (not an error) — that's the expected
// shape of two workers racing the same webhook delivery.
func (d *Dispatcher) Dispatch(ctx context.Context, update Update) error {
	corrID := NewCorrelationID()
	ctx = WithCorrelationID(ctx, corrID)

	claimed, err := d.claim(ctx, update)
	if err != nil {
		return fmt.Errorf("claim update %d: %w", update.ID, err)
	}
	if !claimed {
		logger.Debug("ingress: update already processed or contended, skipping",
			zap.String("correlation_id", corrID), zap.Int64("update_id", update.ID))
		return nil
	}

	handler, ok := d.handlers[update.Type]
	if !ok {
		logger.Warn("ingress: no handler registered for update type",
			zap.String("correlation_id", corrID), zap.String("update_type", update.Type))
		return nil
	}

	if err := handler(ctx, update); err != nil {
		logger.Error("ingress: handler failed",
			zap.String("correlation_id", corrID), zap.String("update_type", update.Type), zap.Error(err))
		return err
	}
	return nil
}

// claim guards the processed_updates insert with a transaction-scoped
// advisory lock keyed by update_id, so two concurrent workers racing
// the same update can never both report success.
func (d *Dispatcher) claim(ctx context.Context, update Update) (bool, error) {
	var claimed bool
	err := d.db.WithTx(ctx, func(tx pgx.Tx) error {
		var locked bool
		if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, update.ID).Scan(&locked); err != nil {
			return fmt.Errorf("acquire dedup lock: %w", err)
		}
		if !locked {
			return nil
		}

		tag, err := tx.Exec(ctx,
			`INSERT INTO processed_updates (update_id, worker_id, update_type, received_at)
			 VALUES ($1, $2, $3, now())
			 ON CONFLICT (update_id) DO NOTHING`,
			update.ID, d.workerID, update.Type,
		)
		if err != nil {
			return fmt.Errorf("insert processed update: %w", err)
		}
		claimed = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}
