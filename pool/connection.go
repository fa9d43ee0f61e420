// Package pool provides the connection-pool manager for SQL Server
// targets. Each target gets its own pool with configurable min_idle,
// max_connections, health checks, and sp_reset_connection on release.
package pool

import (
	"database/sql"
	"sync"
	"time"
)

// ConnState represents the lifecycle state of a connection in the pool.
type ConnState int

const (
	ConnStateIdle   ConnState = iota // available in the pool
	ConnStateActive                  // acquired by a caller
	ConnStateClosed                  // removed from the pool
)

// PooledConn wraps a *sql.DB with pool-management metadata. It is the
// unit managed by TargetPool, and the handle a BulkBatchDriver holds
// exclusively for the duration of one copy operation.
type PooledConn struct {
	mu sync.Mutex

	db *sql.DB

	id       uint64
	targetID string

	state ConnState

	createdAt       time.Time
	lastUsedAt      time.Time
	lastHealthCheck time.Time
	useCount        uint64
}

// newPooledConn wraps db in a new PooledConn.
func newPooledConn(id uint64, targetID string, db *sql.DB) *PooledConn {
	now := time.Now()
	return &PooledConn{
		db:              db,
		id:              id,
		targetID:        targetID,
		state:           ConnStateIdle,
		createdAt:       now,
		lastUsedAt:      now,
		lastHealthCheck: now,
	}
}

// NewPooledConnForTest wraps db in a PooledConn without going through
// TargetPool's own dial-and-ping path. It is the seam that lets a package
// which only depends on the Acquirer interface (bulkcopy) drive real
// database/sql machinery in tests — typically db is sql.Open'd against a
// fake database/sql/driver.Driver registered under a test-only name — so
// that the success path (multiple batches, a failing hook, identity-insert
// on/off) is exercised against real *sql.Conn.ExecContext calls rather than
// only the pre-acquire validation path.
func NewPooledConnForTest(db *sql.DB, targetID string) *PooledConn {
	return newPooledConn(0, targetID, db)
}

// DB returns the underlying *sql.DB.
func (c *PooledConn) DB() *sql.DB {
	return c.db
}

// ID returns the connection's unique identifier within the pool.
func (c *PooledConn) ID() uint64 {
	return c.id
}

// TargetID returns the target this connection belongs to.
func (c *PooledConn) TargetID() string {
	return c.targetID
}

// State returns the connection's current lifecycle state.
func (c *PooledConn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *PooledConn) markAcquired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ConnStateActive
	c.lastUsedAt = time.Now()
	c.useCount++
}

func (c *PooledConn) markIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ConnStateIdle
	c.lastUsedAt = time.Now()
}

func (c *PooledConn) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ConnStateClosed
}

// heldDuration reports how long the connection has been in its current
// state: idle time when ConnStateIdle, hold time when ConnStateActive —
// both markAcquired and markIdle stamp lastUsedAt, so one clock serves
// both the idle-eviction sweep and the bulk-copy statement-timeout
// watchdog.
func (c *PooledConn) heldDuration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastUsedAt)
}

// Close closes the underlying database connection.
func (c *PooledConn) Close() error {
	c.markClosed()
	return c.db.Close()
}
