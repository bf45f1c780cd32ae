//go:build integration

package delivery

import (
	"context"
	"testing"

	"mediagate/internal/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insertDoneJob(t *testing.T, db *storage.DB, category, result string, chatID *string) string {
	t.Helper()
	userID := uuid.NewString()
	_, err := db.Pool().Exec(context.Background(),
		`INSERT INTO users (user_id, role, created_at, last_seen_at) VALUES ($1, 'user', now(), now())`, userID)
	require.NoError(t, err)

	jobID := uuid.NewString()
	_, err = db.Pool().Exec(context.Background(),
		`INSERT INTO jobs (id, user_id, model_id, category, input, price_rub, status, external_task_id, result, idempotency_key, chat_id, created_at, updated_at)
		 VALUES ($1, $2, 'flux-pro', $3, '{}', 0, 'done', $4, $5, $6, $7, now(), now())`,
		jobID, userID, category, "task-"+jobID, result, "idem-"+jobID, chatID,
	)
	require.NoError(t, err)
	return jobID
}

func TestDeliver_AcquiresLockAndMarksDelivered(t *testing.T) {
	db := storage.SetupTestDB(t)
	defer db.Close()
	defer storage.CleanupTestDB(t, db)

	chatID := "chat-1"
	jobID := insertDoneJob(t, db, "image", `{"resultUrls":["http://example.com/r.png"]}`, &chatID)

	svc := NewService(db, &fakeSender{})
	outcome, err := svc.Deliver(context.Background(), "corr-1", jobID)
	require.NoError(t, err)
	assert.True(t, outcome.Delivered)

	var deliveredAt any
	var deliveringAt any
	err = db.Pool().QueryRow(context.Background(), `SELECT delivered_at, delivering_at FROM jobs WHERE id = $1`, jobID).Scan(&deliveredAt, &deliveringAt)
	require.NoError(t, err)
	assert.NotNil(t, deliveredAt)
	assert.Nil(t, deliveringAt)
}

func TestDeliver_SecondCallerLosesTheRace(t *testing.T) {
	db := storage.SetupTestDB(t)
	defer db.Close()
	defer storage.CleanupTestDB(t, db)

	chatID := "chat-1"
	jobID := insertDoneJob(t, db, "image", `{"resultUrls":["http://example.com/r.png"]}`, &chatID)

	svc := NewService(db, &fakeSender{})
	first, err := svc.Deliver(context.Background(), "corr-1", jobID)
	require.NoError(t, err)
	assert.True(t, first.Delivered)

	second, err := svc.Deliver(context.Background(), "corr-2", jobID)
	require.NoError(t, err)
	assert.True(t, second.AlreadyDelivered)
}

func TestDeliver_NoResultURLsReleasesLockWithError(t *testing.T) {
	db := storage.SetupTestDB(t)
	defer db.Close()
	defer storage.CleanupTestDB(t, db)

	chatID := "chat-1"
	jobID := insertDoneJob(t, db, "image", `{}`, &chatID)

	svc := NewService(db, &fakeSender{})
	outcome, err := svc.Deliver(context.Background(), "corr-1", jobID)
	require.NoError(t, err)
	assert.False(t, outcome.Delivered)
	assert.Equal(t, ErrNoResultURLs.Error(), outcome.Error)

	var deliveringAt any
	err = db.Pool().QueryRow(context.Background(), `SELECT delivering_at FROM jobs WHERE id = $1`, jobID).Scan(&deliveringAt)
	require.NoError(t, err)
	assert.Nil(t, deliveringAt)
}

func TestRetryUndelivered_DeliversEveryUndeliveredJob(t *testing.T) {
	db := storage.SetupTestDB(t)
	defer db.Close()
	defer storage.CleanupTestDB(t, db)

	chatID := "chat-1"
	insertDoneJob(t, db, "video", `{"resultUrls":["http://example.com/v.mp4"]}`, &chatID)
	insertDoneJob(t, db, "audio", `{"resultUrls":["http://example.com/a.mp3"]}`, &chatID)

	svc := NewService(db, &fakeSender{})
	require.NoError(t, svc.RetryUndelivered(context.Background(), "corr-1"))

	var undeliveredCount int
	err := db.Pool().QueryRow(context.Background(),
		`SELECT count(*) FROM jobs WHERE delivered_at IS NULL AND chat_id IS NOT NULL`).Scan(&undeliveredCount)
	require.NoError(t, err)
	assert.Equal(t, 0, undeliveredCount)
}
