package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mediagate/internal/callbackparse"
	"mediagate/internal/catalog"
	"mediagate/internal/messages"
	"mediagate/internal/storage"
	"mediagate/internal/wallet"
	"mediagate/pkg/logger"
	streams "mediagate/pkg/queue"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// staleJobTimeout and staleJobBatch bound the stale-job sweeper: a
// running job with no callback in 30 minutes is failed and refunded,
// at most 100 per sweep to keep the transaction short.
const (
	staleJobTimeout      = 30 * time.Minute
	staleJobBatch        = 100
	stuckPaymentTimeout  = 24 * time.Hour
	orphanExpiryDuration = time.Hour
	deliverStream        = "deliver_job"
)

// ExternalClient is the subset of internal/kieclient.Client the job
// engine depends on. Defined here so tests can fake it.
type ExternalClient interface {
	CreateTask(ctx context.Context, correlationID, model string, input json.RawMessage, callbackURL string) (string, error)
}

// Service implements job creation, callback application, delivery
// hand-off, and the sweepers. It holds the wallet service as a
// collaborator so holds/charges/releases commit in the same
// transaction as the job row they describe.
type Service struct {
	db          *storage.DB
	wallet      *wallet.Service
	client      ExternalClient
	queue       *streams.StreamQueue
	catalog     *catalog.Catalog
	callbackURL string
}

func NewService(db *storage.DB, walletSvc *wallet.Service, client ExternalClient, queue *streams.StreamQueue, cat *catalog.Catalog, callbackURL string) *Service {
	return &Service{db: db, wallet: walletSvc, client: client, queue: queue, catalog: cat, callbackURL: callbackURL}
}

// CreateJobRequest is the atomic-creation input (spec.md §4.6.1).
type CreateJobRequest struct {
	UserID         string
	ModelID        string
	Category       catalog.Category
	Input          json.RawMessage
	PriceRUB       decimal.Decimal
	ChatID         *string
	IdempotencyKey string
}

// CreateJob performs the atomic creation transaction, then — only
// after it commits — calls the external API's CreateTask. The hold,
// if any, and the job row always commit together; the external call
// never happens inside the transaction (spec.md §4.6.1 rationale: a
// racing callback must always find a row to bind to).
func (s *Service) CreateJob(ctx context.Context, correlationID string, req CreateJobRequest) (*Job, error) {
	if len(req.Input) > maxInputBytes {
		return nil, ErrPayloadTooLarge
	}

	idempotencyKey := req.IdempotencyKey
	if idempotencyKey == "" {
		idempotencyKey = fmt.Sprintf("job:%s:%s", req.UserID, uuid.NewString())
	}

	var j *Job
	var justCreated bool
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		existing, err := s.findByIdempotencyKeyTx(ctx, tx, idempotencyKey)
		if err != nil {
			return err
		}
		if existing != nil {
			j = existing
			return nil
		}

		exists, err := s.userExistsTx(ctx, tx, req.UserID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrUserUnknown
		}

		candidate := &Job{
			ID:             uuid.NewString(),
			UserID:         req.UserID,
			ModelID:        req.ModelID,
			Category:       req.Category,
			Input:          req.Input,
			PriceRUB:       req.PriceRUB,
			Status:         StatusPending,
			IdempotencyKey: idempotencyKey,
			ChatID:         req.ChatID,
		}

		if req.PriceRUB.Sign() > 0 {
			if _, err := s.wallet.HoldTx(ctx, tx, req.UserID, req.PriceRUB, candidate.HoldRef(), map[string]any{"job_id": candidate.ID}); err != nil {
				if errors.Is(err, wallet.ErrInsufficientFunds) {
					return ErrInsufficientFunds
				}
				return err
			}
		}

		if err := s.insertJobTx(ctx, tx, candidate); err != nil {
			return err
		}

		j = candidate
		justCreated = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !justCreated {
		return j, nil
	}

	taskID, err := s.client.CreateTask(ctx, correlationID, req.ModelID, req.Input, s.callbackURL)
	if err != nil {
		logger.Warn("external create_task failed, failing job and releasing hold",
			zap.String("correlation_id", correlationID),
			zap.String("job_id", j.ID),
			zap.Error(err))
		if failErr := s.failBeforeRunning(ctx, j, err.Error()); failErr != nil {
			return nil, failErr
		}
		j.Status = StatusFailed
		return j, nil
	}

	if err := s.markRunning(ctx, j.ID, taskID); err != nil {
		return nil, err
	}
	j.Status = StatusRunning
	j.ExternalTaskID = &taskID
	return j, nil
}

// markRunning records the upstream task ID and transitions pending -> running.
func (s *Service) markRunning(ctx context.Context, jobID, taskID string) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`UPDATE jobs SET external_task_id = $2, status = 'running', updated_at = now() WHERE id = $1`,
			jobID, taskID,
		)
		if err != nil {
			return fmt.Errorf("mark job running: %w", err)
		}
		return nil
	})
}

// failBeforeRunning transitions pending -> failed when create_task
// itself errors, releasing any hold taken at creation.
func (s *Service) failBeforeRunning(ctx context.Context, j *Job, errText string) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`UPDATE jobs SET status = 'failed', error_text = $2, finished_at = now(), updated_at = now() WHERE id = $1`,
			j.ID, errText,
		)
		if err != nil {
			return fmt.Errorf("mark job failed: %w", err)
		}

		if j.PriceRUB.Sign() > 0 {
			if _, err := s.wallet.ReleaseTx(ctx, tx, j.UserID, j.PriceRUB, j.RefundRef(), map[string]any{"job_id": j.ID, "reason": "create_task_failed"}); err != nil {
				return fmt.Errorf("release hold on create_task failure: %w", err)
			}
		}
		return nil
	})
}

// GetByIdempotencyKey returns the job filed under key, or nil if no job
// has been created for it yet (the caller rejected the request before
// CreateJob ever ran — rate limit, free-tier quota, unknown model).
func (s *Service) GetByIdempotencyKey(ctx context.Context, key string) (*Job, error) {
	j, err := scanJob(s.db.Pool().QueryRow(ctx, selectJobColumns+` FROM jobs WHERE idempotency_key = $1`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup job by idempotency key: %w", err)
	}
	return j, nil
}

func (s *Service) findByIdempotencyKeyTx(ctx context.Context, tx pgx.Tx, key string) (*Job, error) {
	j, err := scanJob(tx.QueryRow(ctx, selectJobColumns+` FROM jobs WHERE idempotency_key = $1`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup job by idempotency key: %w", err)
	}
	return j, nil
}

func (s *Service) userExistsTx(ctx context.Context, tx pgx.Tx, userID string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE user_id = $1)`, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check user exists: %w", err)
	}
	return exists, nil
}

func (s *Service) insertJobTx(ctx context.Context, tx pgx.Tx, j *Job) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO jobs (id, user_id, model_id, category, input, price_rub, status, idempotency_key, chat_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())`,
		j.ID, j.UserID, j.ModelID, j.Category, j.Input, j.PriceRUB, j.Status, j.IdempotencyKey, j.ChatID,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// ApplyResult reports what ApplyCallback did: orphan means no job
// matched (the callback raced the creation response) and the payload
// was persisted for reconciliation instead. FreeTierMismatch is set
// whenever a job for a free-tier model ends failed; the failure reason
// is not inspected, so it is not limited to upstream validation
// failures. The caller surfaces this to the chat layer even though the
// refund already happened.
type ApplyResult struct {
	Job              *Job
	Orphan           bool
	FreeTierMismatch bool
}

// ApplyCallback implements spec.md §4.6.2: locate the job by external
// task ID, normalize the upstream state, update status/ledger, and
// report whether a delivery hand-off or orphan persist is needed.
func (s *Service) ApplyCallback(ctx context.Context, correlationID string, env callbackparse.Envelope) (ApplyResult, error) {
	normalized := NormalizeUpstreamState(env.RawState)
	newStatus := normalized.ToStatus()

	var result ApplyResult
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		j, err := scanJob(tx.QueryRow(ctx, selectJobColumns+` FROM jobs WHERE external_task_id = $1 FOR UPDATE`, env.TaskID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				if err := s.persistOrphanTx(ctx, tx, env); err != nil {
					return err
				}
				result.Orphan = true
				return nil
			}
			return fmt.Errorf("lock job for callback: %w", err)
		}

		if j.Status.Terminal() && j.Status != newStatus {
			logger.Info("ignoring callback for already-terminal job",
				zap.String("correlation_id", correlationID),
				zap.String("job_id", j.ID),
				zap.String("current_status", string(j.Status)),
				zap.String("reported_state", env.RawState))
			result.Job = j
			return nil
		}

		if err := s.updateJobFromCallbackTx(ctx, tx, j, env, newStatus); err != nil {
			return err
		}

		if j.PriceRUB.Sign() > 0 {
			if err := s.settleLedgerForCallbackTx(ctx, tx, j, newStatus); err != nil {
				return err
			}
		}

		if newStatus == StatusFailed && s.catalog != nil {
			if m, ok := s.catalog.Lookup(j.ModelID); ok && m.FreeTier {
				result.FreeTierMismatch = true
			}
		}

		j.Status = newStatus
		result.Job = j
		return nil
	})
	if err != nil {
		return ApplyResult{}, err
	}

	if result.Job != nil && result.Job.Status == StatusDone && result.Job.ChatID != nil {
		s.enqueueDelivery(ctx, correlationID, result.Job.ID)
	}

	return result, nil
}

func (s *Service) updateJobFromCallbackTx(ctx context.Context, tx pgx.Tx, j *Job, env callbackparse.Envelope, newStatus Status) error {
	var finishedAt any
	if newStatus.Terminal() {
		finishedAt = time.Now().UTC()
	}

	_, err := tx.Exec(ctx,
		`UPDATE jobs SET status = $2, upstream_status = $3, result = $4, error_text = $5,
		   finished_at = COALESCE($6, finished_at), updated_at = now() WHERE id = $1`,
		j.ID, newStatus, env.RawState, nullableJSON(env.ResultJSON), nullableString(env.FailMsg), finishedAt,
	)
	if err != nil {
		return fmt.Errorf("update job from callback: %w", err)
	}
	return nil
}

func (s *Service) settleLedgerForCallbackTx(ctx context.Context, tx pgx.Tx, j *Job, newStatus Status) error {
	switch newStatus {
	case StatusDone:
		if _, err := s.wallet.ChargeTx(ctx, tx, j.UserID, j.PriceRUB, j.ChargeRef(), j.HoldRef(), map[string]any{"job_id": j.ID}); err != nil {
			if errors.Is(err, wallet.ErrHoldMissing) {
				logger.Warn("charge on done callback found no matching hold", zap.String("job_id", j.ID))
				return nil
			}
			return fmt.Errorf("charge hold on done callback: %w", err)
		}
	case StatusFailed, StatusCanceled:
		if _, err := s.wallet.ReleaseTx(ctx, tx, j.UserID, j.PriceRUB, j.RefundRef(), map[string]any{"job_id": j.ID}); err != nil {
			if errors.Is(err, wallet.ErrHoldMissing) {
				logger.Warn("release on failed callback found no matching hold (already settled)", zap.String("job_id", j.ID))
				return nil
			}
			return fmt.Errorf("release hold on failed callback: %w", err)
		}
	}
	return nil
}

func (s *Service) enqueueDelivery(ctx context.Context, correlationID, jobID string) {
	if s.queue == nil {
		return
	}
	msg := &messages.DeliverJobMessage{JobID: jobID}
	payload, err := msg.ToJSON()
	if err != nil {
		logger.Error("failed to serialize delivery hand-off message", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if _, err := s.queue.Publish(ctx, deliverStream, payload); err != nil {
		logger.Error("failed to publish delivery hand-off",
			zap.String("correlation_id", correlationID),
			zap.String("job_id", jobID),
			zap.Error(err))
	}
}

func (s *Service) persistOrphanTx(ctx context.Context, tx pgx.Tx, env callbackparse.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal orphan payload: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO orphan_callbacks (external_task_id, payload, received_at, processed)
		 VALUES ($1, $2, now(), false)
		 ON CONFLICT (external_task_id) DO UPDATE SET payload = EXCLUDED.payload, received_at = now()`,
		env.TaskID, payload,
	)
	if err != nil {
		return fmt.Errorf("persist orphan callback: %w", err)
	}
	return nil
}

// ReconcileOrphans re-applies unmatched callbacks whose job has since
// appeared, and expires ones that never will (spec.md §4.8).
func (s *Service) ReconcileOrphans(ctx context.Context) error {
	rows, err := s.db.Pool().Query(ctx,
		`SELECT external_task_id, payload, received_at FROM orphan_callbacks WHERE processed = false ORDER BY received_at ASC LIMIT $1`,
		staleJobBatch,
	)
	if err != nil {
		return fmt.Errorf("select unprocessed orphans: %w", err)
	}
	defer rows.Close()

	type orphanRow struct {
		taskID     string
		payload    []byte
		receivedAt time.Time
	}
	var orphans []orphanRow
	for rows.Next() {
		var o orphanRow
		if err := rows.Scan(&o.taskID, &o.payload, &o.receivedAt); err != nil {
			return fmt.Errorf("scan orphan row: %w", err)
		}
		orphans = append(orphans, o)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate orphan rows: %w", err)
	}

	for _, o := range orphans {
		var env callbackparse.Envelope
		if err := json.Unmarshal(o.payload, &env); err != nil {
			logger.Warn("orphan payload unreadable, marking processed", zap.String("task_id", o.taskID), zap.Error(err))
			s.markOrphanProcessed(ctx, o.taskID, "unreadable payload")
			continue
		}

		var jobExists bool
		if err := s.db.Pool().QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE external_task_id = $1)`, o.taskID).Scan(&jobExists); err != nil {
			logger.Warn("orphan job lookup failed, will retry next sweep", zap.String("task_id", o.taskID), zap.Error(err))
			continue
		}
		if !jobExists {
			if time.Since(o.receivedAt) > orphanExpiryDuration {
				s.markOrphanProcessed(ctx, o.taskID, "expired: no matching job after 1h")
			}
			continue
		}

		result, err := s.ApplyCallback(ctx, "", env)
		if err != nil {
			logger.Warn("orphan reconciliation failed, will retry next sweep", zap.String("task_id", o.taskID), zap.Error(err))
			continue
		}

		if !result.Orphan {
			s.markOrphanProcessed(ctx, o.taskID, "")
			continue
		}

		if time.Since(o.receivedAt) > orphanExpiryDuration {
			s.markOrphanProcessed(ctx, o.taskID, "expired: no matching job after 1h")
		}
	}
	return nil
}

func (s *Service) markOrphanProcessed(ctx context.Context, taskID, errText string) {
	_, err := s.db.Pool().Exec(ctx,
		`UPDATE orphan_callbacks SET processed = true, processed_at = now(), error_text = $2 WHERE external_task_id = $1`,
		taskID, nullableString(errText),
	)
	if err != nil {
		logger.Error("failed to mark orphan processed", zap.String("task_id", taskID), zap.Error(err))
	}
}

// SweepStaleJobs fails and refunds running jobs that have gone silent
// for longer than staleJobTimeout (spec.md §4.6.4).
func (s *Service) SweepStaleJobs(ctx context.Context) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			selectJobColumns+` FROM jobs WHERE status = 'running' AND updated_at < now() - ($1 * interval '1 second') ORDER BY updated_at ASC LIMIT $2 FOR UPDATE`,
			staleJobTimeout.Seconds(), staleJobBatch,
		)
		if err != nil {
			return fmt.Errorf("select stale jobs: %w", err)
		}

		var stale []*Job
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan stale job: %w", err)
			}
			stale = append(stale, j)
		}
		closeErr := rows.Err()
		rows.Close()
		if closeErr != nil {
			return fmt.Errorf("iterate stale jobs: %w", closeErr)
		}

		for _, j := range stale {
			if _, err := tx.Exec(ctx,
				`UPDATE jobs SET status = 'failed', error_text = 'no callback after 30 min', finished_at = now(), updated_at = now() WHERE id = $1`,
				j.ID,
			); err != nil {
				return fmt.Errorf("fail stale job %s: %w", j.ID, err)
			}

			if j.PriceRUB.Sign() > 0 {
				before, _ := s.wallet.GetBalance(ctx, j.UserID)
				if _, err := s.wallet.ReleaseTx(ctx, tx, j.UserID, j.PriceRUB, j.RefundRef(), map[string]any{"job_id": j.ID, "reason": "stale_sweep"}); err != nil {
					if !errors.Is(err, wallet.ErrHoldMissing) {
						return fmt.Errorf("release hold for stale job %s: %w", j.ID, err)
					}
				}
				logger.Info("stale job swept", zap.String("job_id", j.ID), zap.Any("balance_before", before))
			}
		}
		return nil
	})
}

// SweepStuckPayments fails jobs that have sat pending for longer than
// stuckPaymentTimeout and releases their holds (spec.md §4.6.5). Jobs
// carry no payment-source column, so every pending job past the
// timeout is swept, not only admin-screenshot payments.
func (s *Service) SweepStuckPayments(ctx context.Context) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			selectJobColumns+` FROM jobs WHERE status = 'pending' AND created_at < now() - ($1 * interval '1 second') ORDER BY created_at ASC LIMIT $2 FOR UPDATE`,
			stuckPaymentTimeout.Seconds(), staleJobBatch,
		)
		if err != nil {
			return fmt.Errorf("select stuck payments: %w", err)
		}

		var stuck []*Job
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan stuck payment job: %w", err)
			}
			stuck = append(stuck, j)
		}
		closeErr := rows.Err()
		rows.Close()
		if closeErr != nil {
			return fmt.Errorf("iterate stuck payment jobs: %w", closeErr)
		}

		for _, j := range stuck {
			if _, err := tx.Exec(ctx,
				`UPDATE jobs SET status = 'failed', error_text = 'payment not confirmed after 24h', finished_at = now(), updated_at = now() WHERE id = $1`,
				j.ID,
			); err != nil {
				return fmt.Errorf("fail stuck payment job %s: %w", j.ID, err)
			}

			if j.PriceRUB.Sign() > 0 {
				if _, err := s.wallet.ReleaseTx(ctx, tx, j.UserID, j.PriceRUB, j.RefundRef(), map[string]any{"job_id": j.ID, "reason": "stuck_payment"}); err != nil {
					if !errors.Is(err, wallet.ErrHoldMissing) {
						return fmt.Errorf("release hold for stuck payment job %s: %w", j.ID, err)
					}
				}
			}
		}
		return nil
	})
}

const selectJobColumns = `SELECT id, user_id, model_id, category, input, price_rub, status,
	external_task_id, upstream_status, result, error_text, idempotency_key, chat_id,
	created_at, updated_at, finished_at, delivered_at, delivering_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var category string
	var result []byte
	err := row.Scan(
		&j.ID, &j.UserID, &j.ModelID, &category, &j.Input, &j.PriceRUB, &j.Status,
		&j.ExternalTaskID, &j.UpstreamStatus, &result, &j.ErrorText, &j.IdempotencyKey, &j.ChatID,
		&j.CreatedAt, &j.UpdatedAt, &j.FinishedAt, &j.DeliveredAt, &j.DeliveringAt,
	)
	if err != nil {
		return nil, err
	}
	j.Category = catalog.Category(category)
	j.Result = result
	return &j, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableJSON(s string) any {
	if s == "" {
		return nil
	}
	return []byte(s)
}
