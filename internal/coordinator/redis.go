// Package coordinator implements distributed coordination over Redis
// for bulk-copy job limiting across multiple client processes.
//
// It provides:
//   - atomic acquire/release of per-target job slots via Lua scripts
//   - per-instance connection tracking for auditability
//   - a fallback mode for when Redis is unavailable (local limits)
//   - Pub/Sub notifications to wake up queued waiters across instances
package coordinator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/nimbusdb/tds-go/config"
	"github.com/nimbusdb/tds-go/internal/metrics"
	"github.com/redis/go-redis/v9"
)

// acquireScript atomically increments a target's global job count if
// doing so would not exceed its configured max, and records the slot
// against the calling instance for later reconciliation. Returns 1 on
// success, -1 if the target is at capacity, -2 if no max is registered.
const acquireScript = `
local count_key = KEYS[1]
local max_key = KEYS[2]
local inst_key = KEYS[3]
local target_id = ARGV[1]
local instance_id = ARGV[2]

local max = tonumber(redis.call('GET', max_key))
if max == nil then
  return -2
end

local current = tonumber(redis.call('GET', count_key))
if current == nil then
  current = 0
end

if current >= max then
  return -1
end

redis.call('INCR', count_key)
redis.call('HINCRBY', inst_key, target_id, 1)
return 1
`

// releaseScript atomically decrements a target's global job count
// (floored at zero) and publishes a notification on the release
// channel so waiting instances can retry.
const releaseScript = `
local count_key = KEYS[1]
local inst_key = KEYS[2]
local target_id = ARGV[1]
local channel = ARGV[2]

local current = tonumber(redis.call('GET', count_key))
if current ~= nil and current > 0 then
  redis.call('DECR', count_key)
end
redis.call('HINCRBY', inst_key, target_id, -1)
redis.call('PUBLISH', channel, target_id)
return 1
`

// Redis key patterns.
const (
	keyTargetCount  = "tdsbulk:target:%s:count"
	keyTargetMax    = "tdsbulk:target:%s:max"
	keyInstanceConn = "tdsbulk:instance:%s:jobs"
	keyInstanceHB   = "tdsbulk:instance:%s:heartbeat"
	keyInstanceList = "tdsbulk:instances"
	channelRelease  = "tdsbulk:release:%s"
)

// RedisCoordinator manages distributed job limits over Redis.
type RedisCoordinator struct {
	client     redis.UniversalClient
	cfg        *config.Config
	instanceID string

	acquireSHA string
	releaseSHA string

	fallbackMode atomic.Bool

	fallbackMu     sync.Mutex
	fallbackCounts map[string]int

	subMu       sync.Mutex
	subscribers map[string]*redis.PubSub

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRedisCoordinator creates and initializes the distributed coordinator.
func NewRedisCoordinator(ctx context.Context, cfg *config.Config) (*RedisCoordinator, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	rc := &RedisCoordinator{
		client:         client,
		cfg:            cfg,
		instanceID:     cfg.Client.InstanceID,
		fallbackCounts: make(map[string]int),
		subscribers:    make(map[string]*redis.PubSub),
		stopCh:         make(chan struct{}),
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Redis.DialTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		if cfg.Fallback.Enabled {
			log.Printf("[coordinator] Redis unavailable (%v), starting in fallback mode", err)
			rc.fallbackMode.Store(true)
			metrics.RedisOperations.WithLabelValues("ping", "error").Inc()
			return rc, nil
		}
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	metrics.RedisOperations.WithLabelValues("ping", "ok").Inc()
	log.Printf("[coordinator] Redis connected: %s", cfg.Redis.Addr)

	if err := rc.loadScripts(ctx); err != nil {
		return nil, fmt.Errorf("loading scripts: %w", err)
	}
	if err := rc.initTargetLimits(ctx); err != nil {
		return nil, fmt.Errorf("initializing target limits: %w", err)
	}
	if err := rc.registerInstance(ctx); err != nil {
		return nil, fmt.Errorf("registering instance: %w", err)
	}

	log.Printf("[coordinator] initialized: instance=%s, %d targets registered",
		rc.instanceID, len(cfg.Targets))

	return rc, nil
}

func (rc *RedisCoordinator) loadScripts(ctx context.Context) error {
	sha, err := rc.client.ScriptLoad(ctx, acquireScript).Result()
	if err != nil {
		return fmt.Errorf("loading acquire script: %w", err)
	}
	rc.acquireSHA = sha

	sha, err = rc.client.ScriptLoad(ctx, releaseScript).Result()
	if err != nil {
		return fmt.Errorf("loading release script: %w", err)
	}
	rc.releaseSHA = sha

	log.Printf("[coordinator] scripts loaded (acquire=%s..., release=%s...)",
		rc.acquireSHA[:8], rc.releaseSHA[:8])
	return nil
}

func (rc *RedisCoordinator) initTargetLimits(ctx context.Context) error {
	pipe := rc.client.Pipeline()
	for _, t := range rc.cfg.Targets {
		maxKey := fmt.Sprintf(keyTargetMax, t.ID)
		pipe.Set(ctx, maxKey, t.MaxConnections, 0)

		countKey := fmt.Sprintf(keyTargetCount, t.ID)
		pipe.SetNX(ctx, countKey, 0, 0)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("pipeline exec: %w", err)
	}
	return nil
}

func (rc *RedisCoordinator) registerInstance(ctx context.Context) error {
	pipe := rc.client.Pipeline()
	pipe.SAdd(ctx, keyInstanceList, rc.instanceID)

	instKey := fmt.Sprintf(keyInstanceConn, rc.instanceID)
	for _, t := range rc.cfg.Targets {
		pipe.HSetNX(ctx, instKey, t.ID, 0)
	}

	_, err := pipe.Exec(ctx)
	return err
}

// Acquire atomically increments the global job count for a target.
// Returns nil if the slot was acquired, or an error if at capacity or
// Redis fails.
func (rc *RedisCoordinator) Acquire(ctx context.Context, targetID string) error {
	if rc.fallbackMode.Load() {
		return rc.acquireFallback(targetID)
	}

	countKey := fmt.Sprintf(keyTargetCount, targetID)
	maxKey := fmt.Sprintf(keyTargetMax, targetID)
	instKey := fmt.Sprintf(keyInstanceConn, rc.instanceID)

	result, err := rc.client.EvalSha(ctx, rc.acquireSHA,
		[]string{countKey, maxKey, instKey},
		targetID, rc.instanceID,
	).Int64()

	if err != nil {
		metrics.RedisOperations.WithLabelValues("acquire", "error").Inc()
		if rc.cfg.Fallback.Enabled {
			log.Printf("[coordinator] Redis acquire failed (%v), falling back to local", err)
			rc.enterFallback()
			return rc.acquireFallback(targetID)
		}
		return fmt.Errorf("redis acquire: %w", err)
	}

	metrics.RedisOperations.WithLabelValues("acquire", "ok").Inc()

	if result == -1 {
		return fmt.Errorf("target %s at max capacity", targetID)
	}
	if result == -2 {
		return fmt.Errorf("target %s max not configured in redis", targetID)
	}

	return nil
}

// Release atomically decrements the global job count for a target and
// publishes a notification to instances waiting on it.
func (rc *RedisCoordinator) Release(ctx context.Context, targetID string) error {
	if rc.fallbackMode.Load() {
		rc.releaseFallback(targetID)
		return nil
	}

	countKey := fmt.Sprintf(keyTargetCount, targetID)
	instKey := fmt.Sprintf(keyInstanceConn, rc.instanceID)
	channel := fmt.Sprintf(channelRelease, targetID)

	_, err := rc.client.EvalSha(ctx, rc.releaseSHA,
		[]string{countKey, instKey},
		targetID, channel,
	).Int64()

	if err != nil {
		metrics.RedisOperations.WithLabelValues("release", "error").Inc()
		if rc.cfg.Fallback.Enabled {
			rc.enterFallback()
			rc.releaseFallback(targetID)
			return nil
		}
		return fmt.Errorf("redis release: %w", err)
	}

	metrics.RedisOperations.WithLabelValues("release", "ok").Inc()
	return nil
}

// Subscribe opens a Pub/Sub subscription for release notifications on
// a target. The returned channel receives the target ID whenever any
// instance releases a slot for it.
func (rc *RedisCoordinator) Subscribe(ctx context.Context, targetID string) (<-chan string, error) {
	if rc.fallbackMode.Load() {
		ch := make(chan string)
		close(ch)
		return ch, nil
	}

	channel := fmt.Sprintf(channelRelease, targetID)
	sub := rc.client.Subscribe(ctx, channel)

	rc.subMu.Lock()
	rc.subscribers[targetID] = sub
	rc.subMu.Unlock()

	notifyCh := make(chan string, 16)

	rc.wg.Add(1)
	go func() {
		defer rc.wg.Done()
		defer close(notifyCh)

		ch := sub.Channel()
		for {
			select {
			case <-rc.stopCh:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case notifyCh <- msg.Payload:
				default:
					// Drop if the consumer is slow; it will poll anyway.
				}
			}
		}
	}()

	return notifyCh, nil
}

func (rc *RedisCoordinator) enterFallback() {
	if rc.fallbackMode.CompareAndSwap(false, true) {
		log.Printf("[coordinator] entering fallback mode (local limits)")
		metrics.ConnectionErrors.WithLabelValues("coordinator", "fallback_entered").Inc()
	}
}

// ExitFallback attempts to reconnect to Redis and leave fallback mode.
func (rc *RedisCoordinator) ExitFallback(ctx context.Context) error {
	if err := rc.client.Ping(ctx).Err(); err != nil {
		return err
	}

	if err := rc.loadScripts(ctx); err != nil {
		return err
	}

	if err := rc.reconcileCounts(ctx); err != nil {
		log.Printf("[coordinator] reconciliation failed: %v", err)
		return err
	}

	rc.fallbackMode.Store(false)
	log.Printf("[coordinator] exited fallback mode, Redis reconnected")
	metrics.ConnectionErrors.WithLabelValues("coordinator", "fallback_exited").Inc()
	return nil
}

// IsFallback reports whether the coordinator is in fallback mode.
func (rc *RedisCoordinator) IsFallback() bool {
	return rc.fallbackMode.Load()
}

func (rc *RedisCoordinator) acquireFallback(targetID string) error {
	rc.fallbackMu.Lock()
	defer rc.fallbackMu.Unlock()

	localMax := rc.localLimit(targetID)
	current := rc.fallbackCounts[targetID]

	if current >= localMax {
		return fmt.Errorf("target %s at local fallback limit (%d/%d)",
			targetID, current, localMax)
	}

	rc.fallbackCounts[targetID] = current + 1
	return nil
}

func (rc *RedisCoordinator) releaseFallback(targetID string) {
	rc.fallbackMu.Lock()
	defer rc.fallbackMu.Unlock()

	if rc.fallbackCounts[targetID] > 0 {
		rc.fallbackCounts[targetID]--
	}
}

func (rc *RedisCoordinator) localLimit(targetID string) int {
	for _, t := range rc.cfg.Targets {
		if t.ID == targetID {
			divisor := rc.cfg.Fallback.LocalLimitDivisor
			if divisor <= 0 {
				divisor = 3
			}
			limit := t.MaxConnections / divisor
			if limit < 1 {
				limit = 1
			}
			return limit
		}
	}
	return 1
}

func (rc *RedisCoordinator) reconcileCounts(ctx context.Context) error {
	rc.fallbackMu.Lock()
	counts := make(map[string]int, len(rc.fallbackCounts))
	for k, v := range rc.fallbackCounts {
		counts[k] = v
	}
	rc.fallbackMu.Unlock()

	pipe := rc.client.Pipeline()
	instKey := fmt.Sprintf(keyInstanceConn, rc.instanceID)

	for targetID, count := range counts {
		pipe.HSet(ctx, instKey, targetID, count)
	}

	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("reconcile pipeline: %w", err)
	}

	log.Printf("[coordinator] reconciled %d target counts to Redis", len(counts))
	return nil
}

// GlobalCount returns the current global job count for a target.
func (rc *RedisCoordinator) GlobalCount(ctx context.Context, targetID string) (int, error) {
	if rc.fallbackMode.Load() {
		rc.fallbackMu.Lock()
		defer rc.fallbackMu.Unlock()
		return rc.fallbackCounts[targetID], nil
	}

	countKey := fmt.Sprintf(keyTargetCount, targetID)
	val, err := rc.client.Get(ctx, countKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return val, err
}

// InstanceCounts returns per-target job counts for a given instance.
func (rc *RedisCoordinator) InstanceCounts(ctx context.Context, instanceID string) (map[string]int, error) {
	instKey := fmt.Sprintf(keyInstanceConn, instanceID)
	result, err := rc.client.HGetAll(ctx, instKey).Result()
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(result))
	for k, v := range result {
		var n int
		fmt.Sscanf(v, "%d", &n)
		counts[k] = n
	}
	return counts, nil
}

// ActiveInstances returns the set of currently registered instance IDs.
func (rc *RedisCoordinator) ActiveInstances(ctx context.Context) ([]string, error) {
	return rc.client.SMembers(ctx, keyInstanceList).Result()
}

// Close shuts the coordinator down, deregisters the instance, and
// closes the Redis connection.
func (rc *RedisCoordinator) Close(ctx context.Context) error {
	close(rc.stopCh)

	rc.subMu.Lock()
	for _, sub := range rc.subscribers {
		sub.Close()
	}
	rc.subscribers = nil
	rc.subMu.Unlock()

	rc.wg.Wait()

	if !rc.fallbackMode.Load() {
		rc.client.SRem(ctx, keyInstanceList, rc.instanceID)
		instKey := fmt.Sprintf(keyInstanceConn, rc.instanceID)
		rc.client.Del(ctx, instKey)
		hbKey := fmt.Sprintf(keyInstanceHB, rc.instanceID)
		rc.client.Del(ctx, hbKey)
	}

	log.Printf("[coordinator] instance %s unregistered", rc.instanceID)
	return rc.client.Close()
}

// Client returns the underlying Redis client, for the heartbeat worker.
func (rc *RedisCoordinator) Client() redis.UniversalClient {
	return rc.client
}

// InstanceID returns this coordinator's instance ID.
func (rc *RedisCoordinator) InstanceID() string {
	return rc.instanceID
}
