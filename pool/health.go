package pool

import (
	"context"
	"log"
	"time"

	"github.com/nimbusdb/tds-go/internal/metrics"
)

// HealthCheck first sweeps active connections for ones held past the
// target's statement timeout, then runs SELECT 1 against every idle
// connection, discarding any that aren't healthy. Called periodically by
// the maintenance loop.
func (tp *TargetPool) HealthCheck() {
	tp.closeStuckActive()

	tp.mu.Lock()
	conns := make([]*PooledConn, len(tp.idle))
	copy(conns, tp.idle)
	tp.mu.Unlock()

	healthy := make([]*PooledConn, 0, len(conns))
	removed := 0

	for _, conn := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := conn.db.PingContext(ctx)
		cancel()

		if err != nil {
			log.Printf("[pool] target %s — health check failed for conn %d: %v",
				tp.target.ID, conn.id, err)
			conn.Close()
			removed++
			continue
		}

		conn.mu.Lock()
		conn.lastHealthCheck = time.Now()
		conn.mu.Unlock()

		healthy = append(healthy, conn)
	}

	if removed > 0 {
		tp.mu.Lock()
		newIdle := make([]*PooledConn, 0, len(tp.idle))
		healthySet := make(map[uint64]bool, len(healthy))
		for _, c := range healthy {
			healthySet[c.id] = true
		}
		for _, c := range tp.idle {
			if healthySet[c.id] {
				newIdle = append(newIdle, c)
			}
		}
		tp.idle = newIdle
		tp.updateMetrics()
		tp.mu.Unlock()

		log.Printf("[pool] target %s — health check: removed %d unhealthy connections",
			tp.target.ID, removed)
	}
}

// closeStuckActive force-closes active connections held longer than the
// target's statement_timeout. A bulk-copy batch is run against a single
// handle for the whole operation (BulkBatchDriver.Copy), so the pool has
// no way to observe a caller whose ExecContext is stuck short of this
// sweep — sp_reset_connection and idle eviction only ever see connections
// that already came back. This is the pool-side half of the cancellation
// policy: closing, not merely flagging, is the only safe action once a
// statement has overrun its budget.
func (tp *TargetPool) closeStuckActive() {
	if tp.target.StatementTimeout <= 0 {
		return
	}

	tp.mu.Lock()
	stuck := make([]*PooledConn, 0)
	for _, conn := range tp.active {
		if conn.heldDuration() > tp.target.StatementTimeout {
			stuck = append(stuck, conn)
		}
	}
	tp.mu.Unlock()

	for _, conn := range stuck {
		log.Printf("[pool] target %s — conn %d held %s past statement_timeout %s, closing",
			tp.target.ID, conn.ID(), conn.heldDuration(), tp.target.StatementTimeout)
		metrics.ConnectionsStuck.WithLabelValues(tp.target.ID).Inc()
		tp.Discard(conn)
	}
}
