//go:build integration

package singleton

import (
	"context"
	"testing"
	"time"

	"mediagate/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinator_PromotesWhenUncontested(t *testing.T) {
	db := storage.SetupTestDB(t)
	defer db.Close()
	defer storage.CleanupTestDB(t, db)

	c := New(db, "test-instance-1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.tick(ctx)
	assert.True(t, c.Active())

	var instanceName string
	err := db.Pool().QueryRow(context.Background(), `SELECT instance_name FROM singleton_heartbeat WHERE lock_id = $1`, lockID).Scan(&instanceName)
	require.NoError(t, err)
	assert.Equal(t, "test-instance-1", instanceName)

	c.releaseLocked()
	assert.False(t, c.Active())
}

func TestCoordinator_SecondInstanceStaysPassive(t *testing.T) {
	db := storage.SetupTestDB(t)
	defer db.Close()
	defer storage.CleanupTestDB(t, db)

	first := New(db, "test-instance-a")
	second := New(db, "test-instance-b")
	ctx := context.Background()

	first.tick(ctx)
	require.True(t, first.Active())

	second.tick(ctx)
	assert.False(t, second.Active())

	first.releaseLocked()
}

func TestCoordinator_LockIdleDurationAdvancesWhilePassive(t *testing.T) {
	db := storage.SetupTestDB(t)
	defer db.Close()
	defer storage.CleanupTestDB(t, db)

	c := New(db, "test-instance-idle")
	c.lastTransition = time.Now().Add(-time.Minute)

	assert.False(t, c.Active())
	assert.True(t, c.LockIdleDuration() >= time.Minute)
}
