package coordinator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nimbusdb/tds-go/internal/metrics"
)

// JobLimiter bounds how many concurrent bulk-copy jobs run against a
// single target across a fleet of worker processes. It layers a
// circuit breaker (reject outright once the wait queue is already
// deep) over the distributed semaphore so a saturated target fails
// fast instead of piling up waiters indefinitely.
type JobLimiter struct {
	coordinator   *RedisCoordinator
	maxQueueDepth int

	mu         sync.Mutex
	queueDepth map[string]int
}

// NewJobLimiter creates a job limiter bound to the given coordinator.
// maxQueueDepth is the number of waiters allowed to queue per target
// before Acquire starts failing fast instead of waiting.
func NewJobLimiter(rc *RedisCoordinator, maxQueueDepth int) *JobLimiter {
	if maxQueueDepth <= 0 {
		maxQueueDepth = 500
	}
	return &JobLimiter{
		coordinator:   rc,
		maxQueueDepth: maxQueueDepth,
		queueDepth:    make(map[string]int),
	}
}

// Acquire blocks until a job slot becomes available for targetID, or
// returns immediately with an error if the circuit breaker is already
// open (too many waiters queued) or ctx/timeout expires.
func (l *JobLimiter) Acquire(ctx context.Context, targetID string, timeout time.Duration) error {
	l.mu.Lock()
	depth := l.queueDepth[targetID]
	l.mu.Unlock()
	if depth >= l.maxQueueDepth {
		metrics.ConnectionsTotal.WithLabelValues(targetID, "limiter_circuit_open").Inc()
		return fmt.Errorf("job limiter circuit open for target %s: queue depth %d/%d",
			targetID, depth, l.maxQueueDepth)
	}

	// Fast path: try immediate acquire.
	if err := l.coordinator.Acquire(ctx, targetID); err == nil {
		return nil
	}

	l.mu.Lock()
	l.queueDepth[targetID]++
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.queueDepth[targetID]--
		l.mu.Unlock()
	}()

	start := time.Now()
	log.Printf("[limiter] waiting for job slot on target %s (timeout=%s)", targetID, timeout)

	notifyCh, err := l.coordinator.Subscribe(ctx, targetID)
	if err != nil {
		return l.waitPolling(ctx, targetID, timeout)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	pollTicker := time.NewTicker(500 * time.Millisecond)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			metrics.ConnectionsTotal.WithLabelValues(targetID, "limiter_cancelled").Inc()
			return ctx.Err()

		case <-timer.C:
			metrics.ConnectionsTotal.WithLabelValues(targetID, "limiter_timeout").Inc()
			return fmt.Errorf("job limiter timeout (%v) for target %s", timeout, targetID)

		case _, ok := <-notifyCh:
			if !ok {
				return l.waitPolling(ctx, targetID, timeout-time.Since(start))
			}
			if err := l.coordinator.Acquire(ctx, targetID); err == nil {
				dur := time.Since(start)
				metrics.QueueWaitDuration.WithLabelValues(targetID).Observe(dur.Seconds())
				log.Printf("[limiter] acquired slot on target %s after %v", targetID, dur)
				return nil
			}

		case <-pollTicker.C:
			if err := l.coordinator.Acquire(ctx, targetID); err == nil {
				dur := time.Since(start)
				metrics.QueueWaitDuration.WithLabelValues(targetID).Observe(dur.Seconds())
				log.Printf("[limiter] acquired slot on target %s after %v (poll)", targetID, dur)
				return nil
			}
		}
	}
}

func (l *JobLimiter) waitPolling(ctx context.Context, targetID string, remaining time.Duration) error {
	if remaining <= 0 {
		return fmt.Errorf("job limiter timeout for target %s", targetID)
	}

	start := time.Now()
	timer := time.NewTimer(remaining)
	defer timer.Stop()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			metrics.ConnectionsTotal.WithLabelValues(targetID, "limiter_timeout").Inc()
			return fmt.Errorf("job limiter timeout (%v) for target %s", remaining, targetID)
		case <-ticker.C:
			if err := l.coordinator.Acquire(ctx, targetID); err == nil {
				dur := time.Since(start)
				metrics.QueueWaitDuration.WithLabelValues(targetID).Observe(dur.Seconds())
				return nil
			}
		}
	}
}

// TryAcquire attempts a single non-blocking acquire, bypassing the
// circuit breaker and wait loop entirely.
func (l *JobLimiter) TryAcquire(ctx context.Context, targetID string) error {
	err := l.coordinator.Acquire(ctx, targetID)
	if err != nil {
		metrics.RedisOperations.WithLabelValues("try_acquire", "rejected").Inc()
	} else {
		metrics.RedisOperations.WithLabelValues("try_acquire", "ok").Inc()
	}
	return err
}

// Release returns a job slot for targetID.
func (l *JobLimiter) Release(ctx context.Context, targetID string) error {
	return l.coordinator.Release(ctx, targetID)
}

// QueueDepth reports the number of local callers currently waiting on
// targetID.
func (l *JobLimiter) QueueDepth(targetID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queueDepth[targetID]
}
