package pool

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/microsoft/go-mssqldb"
	"github.com/nimbusdb/tds-go/config"
	"github.com/nimbusdb/tds-go/internal/metrics"
)

// TargetPool manages a pool of SQL Server connections for a single
// target. It provides acquire/release semantics with configurable
// limits, a warmed idle pool, stale-connection eviction, and health
// checking.
type TargetPool struct {
	mu sync.Mutex

	target *config.Target

	// idle holds connections available for reuse. Connections are popped
	// from the tail (LIFO): the most recently returned connection is the
	// one most likely to still have a warm TCP/TLS session on the server
	// side, so reusing it first keeps the head of the slice cold and
	// eviction-ready rather than spreading reuse evenly across all of them.
	idle []*PooledConn

	// active tracks connections currently checked out, keyed by connection id.
	active map[uint64]*PooledConn

	// nextID hands out unique connection ids; it only ever grows, so it
	// is safe to read without holding mu.
	nextID atomic.Uint64

	closed bool

	// waiters is a FIFO of callers blocked in Acquire because the pool was
	// at MaxConnections. Each entry is a one-shot channel; Release hands a
	// connection straight to the oldest waiter instead of returning it to
	// idle, so queued callers aren't starved by newer Acquire calls.
	waiters []chan *PooledConn

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewTargetPool creates a pool for the given target and eagerly opens
// min_idle connections.
func NewTargetPool(ctx context.Context, t *config.Target) (*TargetPool, error) {
	tp := &TargetPool{
		target: t,
		idle:   make([]*PooledConn, 0, t.MaxConnections),
		active: make(map[uint64]*PooledConn),
		stopCh: make(chan struct{}),
	}

	for i := 0; i < t.MinIdle; i++ {
		conn, err := tp.createConn(ctx)
		if err != nil {
			log.Printf("[pool] target %s: warm connection %d/%d failed: %v",
				t.ID, i+1, t.MinIdle, err)
			continue
		}
		tp.idle = append(tp.idle, conn)
	}

	tp.updateMetrics()
	log.Printf("[pool] target %s: pool ready with %d/%d idle connections, max=%d",
		t.ID, len(tp.idle), t.MinIdle, t.MaxConnections)

	tp.wg.Add(1)
	go tp.maintenanceLoop()

	return tp, nil
}

// Acquire obtains a connection from the pool: reuse an idle one, open a
// new one if there's headroom under MaxConnections, or block in the wait
// queue until either happens or ctx is done.
func (tp *TargetPool) Acquire(ctx context.Context) (*PooledConn, error) {
	tp.mu.Lock()
	if tp.closed {
		tp.mu.Unlock()
		return nil, fmt.Errorf("pool closed for target %s", tp.target.ID)
	}

	if conn := tp.popIdle(); conn != nil {
		tp.checkOut(conn)
		tp.mu.Unlock()
		metrics.ConnectionsTotal.WithLabelValues(tp.target.ID, "acquired").Inc()
		return conn, nil
	}

	if tp.count() < tp.target.MaxConnections {
		tp.mu.Unlock()
		return tp.acquireNew(ctx)
	}

	tp.mu.Unlock()
	return tp.acquireQueued(ctx)
}

// checkOut moves conn from nowhere-in-particular into active and stamps
// it as just acquired. Callers must already hold tp.mu.
func (tp *TargetPool) checkOut(conn *PooledConn) {
	tp.active[conn.id] = conn
	conn.markAcquired()
	tp.updateMetrics()
}

// count returns the total number of connections the pool currently owns,
// idle plus active. Callers must already hold tp.mu.
func (tp *TargetPool) count() int {
	return len(tp.idle) + len(tp.active)
}

// acquireNew dials a brand-new connection because the pool has headroom
// under MaxConnections. Called with tp.mu already released.
func (tp *TargetPool) acquireNew(ctx context.Context) (*PooledConn, error) {
	conn, err := tp.createConn(ctx)
	if err != nil {
		metrics.ConnectionErrors.WithLabelValues(tp.target.ID, "create_failed").Inc()
		return nil, fmt.Errorf("creating connection for target %s: %w", tp.target.ID, err)
	}

	tp.mu.Lock()
	tp.checkOut(conn)
	tp.mu.Unlock()

	metrics.ConnectionsTotal.WithLabelValues(tp.target.ID, "acquired").Inc()
	return conn, nil
}

// acquireQueued parks the caller on the wait queue because the pool is
// already at MaxConnections, then waits for a Release, a queue timeout, or
// ctx cancellation — whichever comes first. Called with tp.mu already
// released.
func (tp *TargetPool) acquireQueued(ctx context.Context) (*PooledConn, error) {
	start := time.Now()

	waiterCh := make(chan *PooledConn, 1)
	tp.mu.Lock()
	tp.waiters = append(tp.waiters, waiterCh)
	position := len(tp.waiters)
	metrics.QueueLength.WithLabelValues(tp.target.ID).Set(float64(position))
	tp.mu.Unlock()

	log.Printf("[pool] target %s: pool at max, queued at position %d", tp.target.ID, position)

	queueTimeout := tp.target.QueueTimeout
	if queueTimeout == 0 {
		queueTimeout = 30 * time.Second
	}
	timer := time.NewTimer(queueTimeout)
	defer timer.Stop()

	select {
	case conn := <-waiterCh:
		if conn == nil {
			metrics.ConnectionsTotal.WithLabelValues(tp.target.ID, "queue_error").Inc()
			return nil, fmt.Errorf("pool closed while waiting for target %s", tp.target.ID)
		}
		metrics.QueueWaitDuration.WithLabelValues(tp.target.ID).Observe(time.Since(start).Seconds())
		metrics.ConnectionsTotal.WithLabelValues(tp.target.ID, "acquired").Inc()
		return conn, nil

	case <-timer.C:
		tp.removeWaiter(waiterCh)
		metrics.ConnectionsTotal.WithLabelValues(tp.target.ID, "timeout").Inc()
		metrics.QueueWaitDuration.WithLabelValues(tp.target.ID).Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("queue timeout (%v) for target %s", queueTimeout, tp.target.ID)

	case <-ctx.Done():
		tp.removeWaiter(waiterCh)
		metrics.ConnectionsTotal.WithLabelValues(tp.target.ID, "cancelled").Inc()
		return nil, ctx.Err()
	}
}

// Release returns a connection to the pool, running sp_reset_connection
// to clear session state before making it available for reuse.
func (tp *TargetPool) Release(conn *PooledConn) {
	if conn == nil {
		return
	}

	tp.mu.Lock()
	if tp.closed {
		tp.mu.Unlock()
		conn.Close()
		return
	}
	delete(tp.active, conn.id)
	tp.mu.Unlock()

	if err := tp.resetConnection(conn); err != nil {
		log.Printf("[pool] target %s: sp_reset_connection failed on conn %d, closing: %v",
			tp.target.ID, conn.id, err)
		conn.Close()
		metrics.ConnectionErrors.WithLabelValues(tp.target.ID, "reset_failed").Inc()
		tp.mu.Lock()
		tp.updateMetrics()
		tp.mu.Unlock()
		return
	}

	conn.markIdle()
	tp.handOffOrPark(conn)
	metrics.ConnectionsTotal.WithLabelValues(tp.target.ID, "released").Inc()
}

// handOffOrPark gives conn directly to the longest-waiting queued caller,
// if any, or else returns it to the idle slice.
func (tp *TargetPool) handOffOrPark(conn *PooledConn) {
	tp.mu.Lock()
	if len(tp.waiters) > 0 {
		waiterCh := tp.waiters[0]
		tp.waiters = tp.waiters[1:]
		metrics.QueueLength.WithLabelValues(tp.target.ID).Set(float64(len(tp.waiters)))
		tp.checkOut(conn)
		tp.mu.Unlock()
		waiterCh <- conn
		return
	}

	tp.idle = append(tp.idle, conn)
	tp.updateMetrics()
	tp.mu.Unlock()
}

// Discard permanently removes a connection from the pool, e.g. after an
// I/O error that makes it unsafe to reuse.
func (tp *TargetPool) Discard(conn *PooledConn) {
	if conn == nil {
		return
	}
	tp.mu.Lock()
	delete(tp.active, conn.id)
	tp.updateMetrics()
	tp.mu.Unlock()
	conn.Close()
	metrics.ConnectionErrors.WithLabelValues(tp.target.ID, "discarded").Inc()
}

// Close shuts the pool down, closing every connection and releasing
// any pending waiters with an error.
func (tp *TargetPool) Close() error {
	tp.mu.Lock()
	if tp.closed {
		tp.mu.Unlock()
		return nil
	}
	tp.closed = true
	close(tp.stopCh)

	for _, w := range tp.waiters {
		close(w)
	}
	tp.waiters = nil

	for _, c := range tp.idle {
		c.Close()
	}
	tp.idle = nil

	for _, c := range tp.active {
		c.Close()
	}
	tp.active = nil

	tp.mu.Unlock()

	tp.wg.Wait()

	log.Printf("[pool] target %s: pool closed", tp.target.ID)
	return nil
}

// Stats returns the pool's current statistics.
func (tp *TargetPool) Stats() PoolStats {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	overTimeout := 0
	if tp.target.StatementTimeout > 0 {
		for _, conn := range tp.active {
			if conn.heldDuration() > tp.target.StatementTimeout {
				overTimeout++
			}
		}
	}

	return PoolStats{
		TargetID:             tp.target.ID,
		Active:               len(tp.active),
		Idle:                 len(tp.idle),
		Max:                  tp.target.MaxConnections,
		WaitQueue:            len(tp.waiters),
		OverStatementTimeout: overTimeout,
	}
}

// PoolStats holds a pool's point-in-time statistics.
type PoolStats struct {
	TargetID  string
	Active    int
	Idle      int
	Max       int
	WaitQueue int

	// OverStatementTimeout counts active connections held longer than the
	// target's statement_timeout — candidates for the next health sweep's
	// closeStuckActive pass.
	OverStatementTimeout int
}

// createConn opens and verifies a brand-new physical connection for this
// target.
func (tp *TargetPool) createConn(ctx context.Context) (*PooledConn, error) {
	id := tp.nextID.Add(1)

	db, err := sql.Open("sqlserver", tp.target.DSN())
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}

	// One PooledConn must map 1:1 to one physical SQL Server connection —
	// pinning sql.DB to a single connection here keeps go-mssqldb's own
	// pooling out of the way of ours, since TargetPool already owns
	// idle/active/lifetime bookkeeping above it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return newPooledConn(id, tp.target.ID, db), nil
}

// popIdle removes and returns the most-recently-released idle connection,
// discarding any it finds that have sat idle past max_idle_time on the
// way. Returns nil once none remain. Callers must already hold tp.mu.
func (tp *TargetPool) popIdle() *PooledConn {
	for len(tp.idle) > 0 {
		n := len(tp.idle) - 1
		conn := tp.idle[n]
		tp.idle = tp.idle[:n]

		if tp.target.MaxIdleTime > 0 && conn.heldDuration() > tp.target.MaxIdleTime {
			conn.Close()
			continue
		}
		return conn
	}
	return nil
}

// removeWaiter drops ch from the wait queue; used when a waiter gives up
// (timeout or context cancellation) before a connection reached it.
func (tp *TargetPool) removeWaiter(ch chan *PooledConn) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	for i, w := range tp.waiters {
		if w == ch {
			tp.waiters = append(tp.waiters[:i], tp.waiters[i+1:]...)
			metrics.QueueLength.WithLabelValues(tp.target.ID).Set(float64(len(tp.waiters)))
			break
		}
	}
}

// resetConnection runs sp_reset_connection so the next acquirer doesn't
// inherit session state (temp tables, SET options, open transactions) left
// behind by the previous one.
func (tp *TargetPool) resetConnection(conn *PooledConn) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := conn.db.ExecContext(ctx, "EXEC sp_reset_connection")
	return err
}

func (tp *TargetPool) updateMetrics() {
	metrics.ConnectionsActive.WithLabelValues(tp.target.ID).Set(float64(len(tp.active)))
	metrics.ConnectionsIdle.WithLabelValues(tp.target.ID).Set(float64(len(tp.idle)))
}

// maintenanceLoop runs the pool's background upkeep: an active-connection
// stuck-timeout sweep, idle-connection health checks, stale eviction, and
// min_idle replenishment, once per tick until the pool is closed.
func (tp *TargetPool) maintenanceLoop() {
	defer tp.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-tp.stopCh:
			return
		case <-ticker.C:
			tp.HealthCheck()
			tp.evictStale()
			tp.ensureMinIdle()
		}
	}
}

// evictStale closes idle connections that have sat unused past
// max_idle_time, so a quiet target doesn't hold open connections the
// server never needed.
func (tp *TargetPool) evictStale() {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if tp.target.MaxIdleTime == 0 {
		return
	}

	remaining := make([]*PooledConn, 0, len(tp.idle))
	evicted := 0
	for _, conn := range tp.idle {
		if conn.heldDuration() > tp.target.MaxIdleTime {
			conn.Close()
			evicted++
		} else {
			remaining = append(remaining, conn)
		}
	}
	tp.idle = remaining

	if evicted > 0 {
		log.Printf("[pool] target %s: evicted %d idle connections past max_idle_time", tp.target.ID, evicted)
		tp.updateMetrics()
	}
}

// ensureMinIdle tops the idle slice back up to min_idle, never exceeding
// MaxConnections in the process.
func (tp *TargetPool) ensureMinIdle() {
	tp.mu.Lock()
	deficit := tp.target.MinIdle - len(tp.idle)
	headroom := tp.target.MaxConnections - tp.count()
	if deficit > headroom {
		deficit = headroom
	}
	tp.mu.Unlock()

	if deficit <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	created := 0
	for i := 0; i < deficit; i++ {
		conn, err := tp.createConn(ctx)
		if err != nil {
			log.Printf("[pool] target %s: min_idle replenishment failed after %d/%d: %v",
				tp.target.ID, created, deficit, err)
			break
		}
		tp.mu.Lock()
		tp.idle = append(tp.idle, conn)
		tp.mu.Unlock()
		created++
	}

	if created > 0 {
		tp.mu.Lock()
		tp.updateMetrics()
		tp.mu.Unlock()
		log.Printf("[pool] target %s: replenished %d idle connections toward min_idle=%d",
			tp.target.ID, created, tp.target.MinIdle)
	}
}
