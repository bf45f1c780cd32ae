//go:build integration

package cache

import (
	"context"
	"testing"
	"time"

	"mediagate/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	_ = logger.Init("development")
}

func setupTestCache(t *testing.T) *Cache {
	t.Helper()

	cfg := Config{
		Host:     "localhost",
		Port:     "6379",
		Password: "",
		DB:       1, // dedicated DB to avoid clobbering dev data
	}

	c, err := New(cfg)
	require.NoError(t, err, "failed to connect to test Redis")
	return c
}

func cleanupTestCache(t *testing.T, c *Cache) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, c.Client().FlushDB(ctx).Err(), "failed to flush test Redis DB")
}

func TestCache_New(t *testing.T) {
	c := setupTestCache(t)
	defer cleanupTestCache(t, c)

	assert.NotNil(t, c.Client())
	assert.NoError(t, c.Ping(context.Background()))
}

func TestCache_SetAndGet(t *testing.T) {
	c := setupTestCache(t)
	defer cleanupTestCache(t, c)

	ctx := context.Background()
	key := "test:key"
	value := "test-value"

	require.NoError(t, c.Set(ctx, key, value, 0))

	result, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, value, result)
}

func TestCache_Get_NonExistentKey(t *testing.T) {
	c := setupTestCache(t)
	defer cleanupTestCache(t, c)

	result, err := c.Get(context.Background(), "non:existent:key")
	require.NoError(t, err)
	assert.Equal(t, "", result)
}

func TestCache_SetWithExpiration(t *testing.T) {
	c := setupTestCache(t)
	defer cleanupTestCache(t, c)

	ctx := context.Background()
	key := "test:expiring:key"
	value := "will-expire"

	require.NoError(t, c.Set(ctx, key, value, 1*time.Second))

	result, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, value, result)

	time.Sleep(1100 * time.Millisecond)

	result, err = c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "", result)
}

func TestCache_Delete(t *testing.T) {
	c := setupTestCache(t)
	defer cleanupTestCache(t, c)

	ctx := context.Background()
	key1 := "test:delete:1"
	key2 := "test:delete:2"

	require.NoError(t, c.Set(ctx, key1, "value1", 0))
	require.NoError(t, c.Set(ctx, key2, "value2", 0))

	count, err := c.Delete(ctx, key1, key2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	exists, err := c.Exists(ctx, key1)
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = c.Exists(ctx, key2)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCache_Exists(t *testing.T) {
	c := setupTestCache(t)
	defer cleanupTestCache(t, c)

	ctx := context.Background()
	key := "test:exists"

	exists, err := c.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, c.Set(ctx, key, "value", 0))

	exists, err = c.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestCache_SetNX(t *testing.T) {
	c := setupTestCache(t)
	defer cleanupTestCache(t, c)

	ctx := context.Background()
	key := "test:setnx"

	set, err := c.SetNX(ctx, key, "value1", 0)
	require.NoError(t, err)
	assert.True(t, set, "first SetNX should succeed")

	set, err = c.SetNX(ctx, key, "value2", 0)
	require.NoError(t, err)
	assert.False(t, set, "second SetNX should fail")

	result, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "value1", result)
}

func TestCache_SetNX_WithExpiration(t *testing.T) {
	c := setupTestCache(t)
	defer cleanupTestCache(t, c)

	ctx := context.Background()
	key := "test:setnx:expire"

	set, err := c.SetNX(ctx, key, "value", 1*time.Second)
	require.NoError(t, err)
	assert.True(t, set)

	time.Sleep(1100 * time.Millisecond)

	set, err = c.SetNX(ctx, key, "new-value", 0)
	require.NoError(t, err)
	assert.True(t, set, "SetNX should succeed after key expired")
}

func TestCache_Incr(t *testing.T) {
	c := setupTestCache(t)
	defer cleanupTestCache(t, c)

	ctx := context.Background()
	key := "test:counter"

	count, err := c.Incr(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = c.Incr(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestCache_Expire(t *testing.T) {
	c := setupTestCache(t)
	defer cleanupTestCache(t, c)

	ctx := context.Background()
	key := "test:expire"

	require.NoError(t, c.Set(ctx, key, "value", 0))
	require.NoError(t, c.Expire(ctx, key, 1*time.Second))

	exists, err := c.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)

	time.Sleep(1100 * time.Millisecond)

	exists, err = c.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCache_Close(t *testing.T) {
	c := setupTestCache(t)

	assert.NoError(t, c.Close())
}

func TestCache_Ping(t *testing.T) {
	c := setupTestCache(t)
	defer cleanupTestCache(t, c)

	assert.NoError(t, c.Ping(context.Background()))
}
