//go:build integration

package freetier

import (
	"context"
	"testing"

	"mediagate/internal/storage"
	"mediagate/pkg/logger"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	_ = logger.Init("development")
}

func seedFreeModel(t *testing.T, db *storage.DB, modelID string, daily, hourly int) {
	t.Helper()
	_, err := db.Pool().Exec(context.Background(),
		`INSERT INTO free_models (model_id, enabled, daily_limit, hourly_limit, meta) VALUES ($1, true, $2, $3, '{}')`,
		modelID, daily, hourly)
	require.NoError(t, err)
}

func createTestUser(t *testing.T, db *storage.DB) string {
	t.Helper()
	userID := uuid.NewString()
	_, err := db.Pool().Exec(context.Background(),
		`INSERT INTO users (user_id, role, created_at, last_seen_at) VALUES ($1, 'user', now(), now())`, userID)
	require.NoError(t, err)
	return userID
}

func TestCheckAndReserve_NotFree(t *testing.T) {
	db := storage.SetupTestDB(t)
	defer db.Close()
	defer storage.CleanupTestDB(t, db)

	svc := NewService(db)
	userID := createTestUser(t, db)

	d, err := svc.CheckAndReserve(context.Background(), userID, "unknown-model", nil)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonNotFree, d.Reason)
}

func TestCheckAndReserve_DailyLimit(t *testing.T) {
	db := storage.SetupTestDB(t)
	defer db.Close()
	defer storage.CleanupTestDB(t, db)

	svc := NewService(db)
	ctx := context.Background()
	userID := createTestUser(t, db)
	seedFreeModel(t, db, "free-model", 5, 20)

	for i := 0; i < 5; i++ {
		jobID := uuid.NewString()
		d, err := svc.CheckAndReserve(ctx, userID, "free-model", &jobID)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "attempt %d should be allowed", i)
	}

	jobID := uuid.NewString()
	d, err := svc.CheckAndReserve(ctx, userID, "free-model", &jobID)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonDailyExceeded, d.Reason)

	var count int
	require.NoError(t, db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM free_usage WHERE user_id = $1 AND model_id = 'free-model'`, userID,
	).Scan(&count))
	assert.Equal(t, 5, count)
}
