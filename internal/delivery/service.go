// Package delivery implements exactly-once result delivery. The lock
// is a row in the jobs table, not an external mutex, so failover
// between the active and passive singleton instances can never lose
// the delivery token (spec §4.7 / original_source's
// deliver_result_atomic).
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mediagate/internal/catalog"
	"mediagate/internal/platform"
	"mediagate/internal/storage"
	"mediagate/pkg/logger"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const (
	staleLockTimeout = 5 * time.Minute
	maxSendAttempts  = 4
	retryBatch       = 50
)

// sendStep delays between successive send attempts: 2s, 4s, 6s.
var sendStep = 2 * time.Second

// Service acquires the delivery lock, dispatches the result to the
// chat platform with a category-specific fallback chain, and marks
// the job delivered or releases the lock for a later retry.
type Service struct {
	db     *storage.DB
	sender platform.Sender
}

func NewService(db *storage.DB, sender platform.Sender) *Service {
	return &Service{db: db, sender: sender}
}

type lockedJob struct {
	id       string
	chatID   string
	category catalog.Category
	result   []byte
}

// Deliver acquires the lock for jobOrTaskID (matched against either
// jobs.id or jobs.external_task_id), sends the result, and marks it
// delivered. Only the caller that wins the lock actually sends.
func (s *Service) Deliver(ctx context.Context, correlationID, jobOrTaskID string) (Outcome, error) {
	lj, acquired, err := s.acquireLock(ctx, jobOrTaskID)
	if err != nil {
		return Outcome{}, err
	}
	if !acquired {
		logger.Info("delivery lock already held or job already delivered",
			zap.String("correlation_id", correlationID), zap.String("ref", jobOrTaskID))
		return Outcome{AlreadyDelivered: true}, nil
	}

	logger.Info("delivery lock acquired",
		zap.String("correlation_id", correlationID), zap.String("job_id", lj.id), zap.String("category", string(lj.category)))

	var payload resultPayload
	_ = json.Unmarshal(lj.result, &payload)
	url := payload.firstURL()
	if url == "" {
		s.releaseFailed(ctx, lj.id, ErrNoResultURLs.Error())
		return Outcome{LockAcquired: true, Error: ErrNoResultURLs.Error()}, nil
	}

	sendErr := s.sendWithRetry(ctx, correlationID, lj, url)
	if sendErr != nil {
		logger.Error("delivery failed after retries",
			zap.String("correlation_id", correlationID), zap.String("job_id", lj.id), zap.Error(sendErr))
		s.releaseFailed(ctx, lj.id, sendErr.Error())
		return Outcome{LockAcquired: true, Error: sendErr.Error()}, nil
	}

	if err := s.markDelivered(ctx, lj.id); err != nil {
		return Outcome{}, err
	}
	logger.Info("delivery complete", zap.String("correlation_id", correlationID), zap.String("job_id", lj.id))
	return Outcome{Delivered: true, LockAcquired: true}, nil
}

func (s *Service) acquireLock(ctx context.Context, jobOrTaskID string) (*lockedJob, bool, error) {
	row := s.db.Pool().QueryRow(ctx,
		`UPDATE jobs SET delivering_at = now()
		 WHERE (external_task_id = $1 OR id = $1)
		   AND delivered_at IS NULL
		   AND (delivering_at IS NULL OR delivering_at < now() - ($2 * interval '1 second'))
		 RETURNING id, chat_id, category, result`,
		jobOrTaskID, staleLockTimeout.Seconds(),
	)

	var lj lockedJob
	var chatID *string
	var category string
	var result []byte
	err := row.Scan(&lj.id, &chatID, &category, &result)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("acquire delivery lock: %w", err)
	}
	if chatID == nil {
		return nil, false, nil
	}
	lj.chatID = *chatID
	lj.category = catalog.Category(category)
	lj.result = result
	return &lj, true, nil
}

// sendWithRetry dispatches by category and runs the whole fallback
// chain up to maxSendAttempts times (three retries after the first
// try, waiting 2s, 4s, then 6s), honoring a platform rate-limit's
// RetryAfter in place of the step when present.
func (s *Service) sendWithRetry(ctx context.Context, correlationID string, lj *lockedJob, url string) error {
	var lastErr error
	for attempt := 0; attempt < maxSendAttempts; attempt++ {
		lastErr = s.dispatch(ctx, lj, url)
		if lastErr == nil {
			return nil
		}

		if attempt == maxSendAttempts-1 {
			break
		}

		delay := time.Duration(attempt+1) * sendStep
		if rl, ok := platform.AsRateLimited(lastErr); ok {
			delay = rl.RetryAfter
		}

		logger.Warn("delivery attempt failed, retrying",
			zap.String("correlation_id", correlationID),
			zap.String("job_id", lj.id),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(lastErr))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// dispatch picks the fallback chain for lj.category and runs it once.
func (s *Service) dispatch(ctx context.Context, lj *lockedJob, url string) error {
	switch lj.category {
	case catalog.CategoryImage, catalog.CategoryUpscale:
		return s.deliverImage(ctx, lj.chatID, url)
	case catalog.CategoryVideo:
		return s.deliverWithDocumentFallback(ctx, lj.chatID, url, s.sender.SendVideo, "video")
	case catalog.CategoryAudio:
		return s.deliverWithDocumentFallback(ctx, lj.chatID, url, s.sender.SendAudio, "audio")
	default:
		return s.sender.SendDocument(ctx, lj.chatID, url, nil, "", "Result ready")
	}
}

type sendFunc func(ctx context.Context, chatID, url string, bytes []byte, filename, caption string) error

// deliverImage implements the three-level image fallback: direct URL,
// then a re-uploaded byte fetch, then document.
func (s *Service) deliverImage(ctx context.Context, chatID, url string) error {
	caption := "Generation complete"
	if err := s.sender.SendPhoto(ctx, chatID, url, nil, "", caption); err == nil {
		return nil
	}

	body, fetchErr := fetchViaHTTP(ctx, url)
	if fetchErr == nil {
		if err := s.sender.SendPhoto(ctx, chatID, "", body, "result.jpg", caption); err == nil {
			return nil
		}
	}

	return s.sender.SendDocument(ctx, chatID, url, nil, "", caption+"\n\n"+url)
}

// deliverWithDocumentFallback is the two-level chain shared by video
// and audio: direct URL, then document.
func (s *Service) deliverWithDocumentFallback(ctx context.Context, chatID, url string, send sendFunc, label string) error {
	caption := "Generation complete"
	if err := send(ctx, chatID, url, nil, "", caption); err == nil {
		return nil
	}
	return s.sender.SendDocument(ctx, chatID, url, nil, "", caption+"\n\n"+url)
}

func (s *Service) markDelivered(ctx context.Context, jobID string) error {
	_, err := s.db.Pool().Exec(ctx,
		`UPDATE jobs SET delivered_at = now(), delivering_at = NULL, status = 'done', updated_at = now() WHERE id = $1`,
		jobID,
	)
	if err != nil {
		return fmt.Errorf("mark job delivered: %w", err)
	}
	return nil
}

func (s *Service) releaseFailed(ctx context.Context, jobID, errText string) {
	_, err := s.db.Pool().Exec(ctx,
		`UPDATE jobs SET delivering_at = NULL, error_text = $2, updated_at = now() WHERE id = $1`,
		jobID, errText,
	)
	if err != nil {
		logger.Error("failed to release delivery lock after send failure", zap.String("job_id", jobID), zap.Error(err))
	}
}

// RetryUndelivered selects done jobs with no delivery yet, oldest
// first, and attempts delivery for each. Run on a periodic timer
// alongside the sweepers.
func (s *Service) RetryUndelivered(ctx context.Context, correlationID string) error {
	rows, err := s.db.Pool().Query(ctx,
		`SELECT id FROM jobs WHERE status = 'done' AND delivered_at IS NULL AND chat_id IS NOT NULL ORDER BY updated_at ASC LIMIT $1`,
		retryBatch,
	)
	if err != nil {
		return fmt.Errorf("select undelivered jobs: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan undelivered job: %w", err)
		}
		ids = append(ids, id)
	}
	closeErr := rows.Err()
	rows.Close()
	if closeErr != nil {
		return fmt.Errorf("iterate undelivered jobs: %w", closeErr)
	}

	for _, id := range ids {
		if _, err := s.Deliver(ctx, correlationID, id); err != nil {
			logger.Warn("retry delivery failed, will retry next sweep", zap.String("job_id", id), zap.Error(err))
		}
	}
	return nil
}
