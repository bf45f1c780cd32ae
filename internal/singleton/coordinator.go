// Package singleton arbitrates which of possibly several running
// instances drives outbound side effects: external API calls,
// delivery, and the sweepers. Exactly one instance holds a Postgres
// advisory lock and is "active"; every other instance is "passive" and
// still accepts and persists callbacks (a safe, data-only operation)
// but skips anything that would duplicate work across instances.
//
// The lock is held by checking a single connection out of the pool for
// as long as this process stays active — pg_advisory_lock is scoped to
// the session that took it, so the connection must not be returned to
// the pool while the lock matters. Losing that connection (network
// blip, Postgres restart) demotes the process; it never panics or
// exits.
package singleton

import (
	"context"
	"errors"
	"sync"
	"time"

	"mediagate/internal/storage"
	"mediagate/pkg/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var errNoConnection = errors.New("singleton: no held connection")

// lockID is the fixed advisory-lock key every instance of the gateway
// contends for. It has no meaning beyond being a stable constant.
const lockID int64 = 0x6d656469 // "medi"

const (
	checkInterval    = 15 * time.Second
	heartbeatTimeout = 45 * time.Second
)

// Coordinator tracks this process's active/passive state.
type Coordinator struct {
	db           *storage.DB
	instanceName string

	mu             sync.RWMutex
	active         bool
	lastTransition time.Time
	lastHeartbeat  time.Time
	conn           *pgxpool.Conn
}

func New(db *storage.DB, instanceName string) *Coordinator {
	return &Coordinator{db: db, instanceName: instanceName, lastTransition: time.Now()}
}

// Run ticks every checkInterval, trying to promote if passive or
// refresh the lease and heartbeat if active. It blocks until ctx is
// done; call it from its own goroutine.
func (c *Coordinator) Run(ctx context.Context) {
	c.tick(ctx)

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.releaseLocked()
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Coordinator) tick(ctx context.Context) {
	if c.Active() {
		if err := c.renew(ctx); err != nil {
			logger.Warn("singleton: lease renewal failed, demoting", zap.Error(err))
			c.demote()
		}
		return
	}
	c.tryPromote(ctx)
}

func (c *Coordinator) tryPromote(ctx context.Context) {
	conn, err := c.db.Pool().Acquire(ctx)
	if err != nil {
		logger.Warn("singleton: could not acquire connection for lock attempt", zap.Error(err))
		return
	}

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, lockID).Scan(&acquired); err != nil {
		logger.Warn("singleton: advisory lock query failed", zap.Error(err))
		conn.Release()
		return
	}
	if !acquired {
		conn.Release()
		return
	}

	if err := c.upsertHeartbeat(ctx, conn); err != nil {
		logger.Warn("singleton: heartbeat upsert failed after acquiring lock, releasing", zap.Error(err))
		_, _ = conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, lockID)
		conn.Release()
		return
	}

	c.mu.Lock()
	c.active = true
	c.conn = conn
	c.lastTransition = time.Now()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()

	logger.Info("singleton: promoted to active", zap.String("instance", c.instanceName))
}

func (c *Coordinator) renew(ctx context.Context) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return errNoConnection
	}

	if err := conn.Ping(ctx); err != nil {
		return err
	}
	if err := c.upsertHeartbeat(ctx, conn); err != nil {
		return err
	}

	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) upsertHeartbeat(ctx context.Context, conn *pgxpool.Conn) error {
	_, err := conn.Exec(ctx,
		`INSERT INTO singleton_heartbeat (lock_id, instance_name, last_heartbeat)
		 VALUES ($1, $2, now())
		 ON CONFLICT (lock_id) DO UPDATE SET instance_name = EXCLUDED.instance_name, last_heartbeat = now()`,
		lockID, c.instanceName,
	)
	return err
}

// demote drops the active state without attempting to unlock — the
// connection is presumed unhealthy, so the safest thing is to close it
// and let Postgres reclaim the advisory lock when the session ends.
func (c *Coordinator) demote() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return
	}
	if c.conn != nil {
		c.conn.Conn().Close(context.Background())
		c.conn.Release()
		c.conn = nil
	}
	c.active = false
	c.lastTransition = time.Now()
	logger.Warn("singleton: demoted to passive", zap.String("instance", c.instanceName))
}

func (c *Coordinator) releaseLocked() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}
	ctx := context.Background()
	_, _ = c.conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, lockID)
	c.conn.Release()
	c.conn = nil
	c.active = false
	logger.Info("singleton: released lock on shutdown", zap.String("instance", c.instanceName))
}

// Active reports whether this process currently drives side effects.
func (c *Coordinator) Active() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// LockIdleDuration is how long it has been since this process last
// confirmed its lease (if active) or since it last became passive, at
// start-up or on demotion (if passive) — surfaced on the health
// endpoint.
func (c *Coordinator) LockIdleDuration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active {
		return time.Since(c.lastHeartbeat)
	}
	return time.Since(c.lastTransition)
}
