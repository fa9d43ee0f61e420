package pool

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/nimbusdb/tds-go/config"
)

// Manager manages connection pools for every configured target. It is
// the entry point a BulkBatchDriver uses to acquire a handle for a
// given target.
type Manager struct {
	mu    sync.RWMutex
	pools map[string]*TargetPool // keyed by target ID
	cfg   *config.Config
}

// NewManager creates a Manager and initializes a TargetPool for each
// configured target.
func NewManager(ctx context.Context, cfg *config.Config) (*Manager, error) {
	m := &Manager{
		pools: make(map[string]*TargetPool, len(cfg.Targets)),
		cfg:   cfg,
	}

	for i := range cfg.Targets {
		t := &cfg.Targets[i]
		pool, err := NewTargetPool(ctx, t)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("initializing pool for target %s: %w", t.ID, err)
		}
		m.pools[t.ID] = pool
	}

	log.Printf("[pool] manager initialized: %d target pools", len(m.pools))
	return m, nil
}

// Acquire obtains a connection from the pool for the given target ID.
func (m *Manager) Acquire(ctx context.Context, targetID string) (*PooledConn, error) {
	m.mu.RLock()
	pool, ok := m.pools[targetID]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown target: %s", targetID)
	}

	return pool.Acquire(ctx)
}

// AcquireForTarget obtains a connection from the pool for the given
// target configuration.
func (m *Manager) AcquireForTarget(ctx context.Context, t *config.Target) (*PooledConn, error) {
	return m.Acquire(ctx, t.ID)
}

// Release returns a connection to its target's pool.
func (m *Manager) Release(conn *PooledConn) {
	if conn == nil {
		return
	}

	m.mu.RLock()
	pool, ok := m.pools[conn.TargetID()]
	m.mu.RUnlock()

	if !ok {
		log.Printf("[pool] WARNING: releasing connection for unknown target %s, closing", conn.TargetID())
		conn.Close()
		return
	}

	pool.Release(conn)
}

// Discard permanently removes a connection from its target's pool.
func (m *Manager) Discard(conn *PooledConn) {
	if conn == nil {
		return
	}

	m.mu.RLock()
	pool, ok := m.pools[conn.TargetID()]
	m.mu.RUnlock()

	if !ok {
		conn.Close()
		return
	}

	pool.Discard(conn)
}

// Stats returns pool statistics for every target.
func (m *Manager) Stats() []PoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make([]PoolStats, 0, len(m.pools))
	for _, p := range m.pools {
		stats = append(stats, p.Stats())
	}
	return stats
}

// TargetsOverStatementTimeout reports, per target, how many active
// connections are currently held past their statement_timeout — targets
// with zero entries are omitted. Callers use this to surface stuck
// bulk-copy operations before the health sweep gets to them.
func (m *Manager) TargetsOverStatementTimeout() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	over := make(map[string]int)
	for id, p := range m.pools {
		if stats := p.Stats(); stats.OverStatementTimeout > 0 {
			over[id] = stats.OverStatementTimeout
		}
	}
	return over
}

// Pool returns the TargetPool for a given target ID.
func (m *Manager) Pool(targetID string) (*TargetPool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[targetID]
	return p, ok
}

// Close shuts down every target pool.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for id, p := range m.pools {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing pool %s: %w", id, err)
		}
	}
	m.pools = nil

	log.Println("[pool] manager closed")
	return firstErr
}
