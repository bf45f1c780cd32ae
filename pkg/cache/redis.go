package cache

import (
	"context"
	"time"

	"mediagate/pkg/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Config struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Cache wraps a Redis client for process-local caches, best-effort
// locks, and health checks. The authoritative locks (delivery,
// singleton) live in Postgres — this is an optimization layer only.
type Cache struct {
	client *redis.Client
}

// New creates a Cache and verifies connectivity.
func New(cfg Config) (*Cache, error) {
	opts := redis.Options{
		Addr:     cfg.Host + ":" + cfg.Port,
		Password: cfg.Password,
		DB:       cfg.DB,
	}

	rdb := redis.NewClient(&opts)

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Error("Failed to connect to Redis", zap.Error(err))
		return nil, err
	}

	logger.Info("Connected to Redis successfully", zap.String("host", cfg.Host))
	return &Cache{client: rdb}, nil
}

// Client exposes the underlying *redis.Client for collaborators that
// need raw access (e.g. the stream queue).
func (c *Cache) Client() *redis.Client {
	return c.client
}

func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	} else if err != nil {
		logger.Error("Failed to get key from Redis", zap.String("key", key), zap.Error(err))
		return "", err
	}
	return val, nil
}

func (c *Cache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	err := c.client.Set(ctx, key, value, expiration).Err()
	if err != nil {
		logger.Error("Failed to set key in Redis", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, keys ...string) (int64, error) {
	res, err := c.client.Del(ctx, keys...).Result()
	if err != nil {
		logger.Error("Failed to delete keys from Redis", zap.Strings("keys", keys), zap.Error(err))
		return 0, err
	}
	return res, nil
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	res, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		logger.Error("Failed to check existence of key in Redis", zap.String("key", key), zap.Error(err))
		return false, err
	}
	return res > 0, nil
}

// SetNX sets a key only if it does not already exist. Returns true if
// the key was set, false if it already existed, so it can serve as a
// best-effort distributed lock.
func (c *Cache) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	set, err := c.client.SetNX(ctx, key, value, expiration).Result()
	if err != nil {
		logger.Error("Failed to set NX key in Redis", zap.String("key", key), zap.Error(err))
		return false, err
	}
	return set, nil
}

func (c *Cache) Incr(ctx context.Context, key string) (int64, error) {
	res, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		logger.Error("Failed to increment key in Redis", zap.String("key", key), zap.Error(err))
		return 0, err
	}
	return res, nil
}

func (c *Cache) Expire(ctx context.Context, key string, expiration time.Duration) error {
	err := c.client.Expire(ctx, key, expiration).Err()
	if err != nil {
		logger.Error("Failed to set expiration on key in Redis", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

// Ping tests the Redis connection.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
