package gpuarbiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/yivideo/orchestrator/internal/metrics"
	"github.com/yivideo/orchestrator/internal/pkg/httpx"
	"github.com/yivideo/orchestrator/internal/workflow"
)

// defaultAcquirePollRate caps how often one RedisArbiter runs the acquire
// script, across every device and caller sharing that arbiter,
// independent of the jittered backoff between polls, so a pile-up of
// waiters in one process can never exceed this Redis round-trip rate.
const (
	defaultAcquirePollRate  = 20
	defaultAcquirePollBurst = 5
)

// acquireScript atomically checks whether a device slot is free or its
// lease has expired, and if so claims it: bumps the generation counter
// key (which never expires) and writes a TTL-keyed holder record. KEYS[1]
// is the generation counter key, KEYS[2] is the holder record key.
// ARGV[1] is holder_id, ARGV[2] is lease_ttl_ms.
//
// Returns the new generation on success, or -1 if the slot is currently
// held by someone else with time remaining.
var acquireScript = redis.NewScript(`
local holder = redis.call('GET', KEYS[2])
if holder then
	return -1
end
local gen = redis.call('INCR', KEYS[1])
redis.call('SET', KEYS[2], ARGV[1] .. ':' .. gen, 'PX', ARGV[2])
return gen
`)

// renewScript extends the holder record's TTL only if it still belongs to
// the caller's (holder_id, generation) pair.
var renewScript = redis.NewScript(`
local holder = redis.call('GET', KEYS[2])
if holder ~= ARGV[1] .. ':' .. ARGV[3] then
	return 0
end
redis.call('PEXPIRE', KEYS[2], ARGV[2])
return 1
`)

// releaseScript clears the holder record only if it still belongs to the
// caller; releasing a slot nobody holds (already expired/released) is a
// no-op success, matching the spec's idempotence requirement.
var releaseScript = redis.NewScript(`
local holder = redis.call('GET', KEYS[2])
if not holder then
	return 1
end
if holder ~= ARGV[1] .. ':' .. ARGV[2] then
	return 0
end
redis.call('DEL', KEYS[2])
return 1
`)

// RedisArbiter is the production Arbiter: one generation counter key and
// one TTL-keyed holder key per device, mutated only by the Lua scripts
// above so check-and-set is a single atomic round trip.
type RedisArbiter struct {
	client       *redis.Client
	keyPrefix    string
	acquireLimit *rate.Limiter
}

func NewRedisArbiter(client *redis.Client, keyPrefix string) *RedisArbiter {
	if keyPrefix == "" {
		keyPrefix = "orch"
	}
	return &RedisArbiter{
		client:       client,
		keyPrefix:    keyPrefix,
		acquireLimit: rate.NewLimiter(rate.Limit(defaultAcquirePollRate), defaultAcquirePollBurst),
	}
}

func (a *RedisArbiter) genKey(deviceID string) string    { return fmt.Sprintf("%s:gpu:%s:gen", a.keyPrefix, deviceID) }
func (a *RedisArbiter) holderKey(deviceID string) string { return fmt.Sprintf("%s:gpu:%s:holder", a.keyPrefix, deviceID) }

func (a *RedisArbiter) Acquire(ctx context.Context, deviceID, holderID string, leaseTTL, maxWait time.Duration) (*Lease, error) {
	deadline := time.Now().Add(maxWait)
	attempt := 0
	for {
		attempt++
		if err := a.acquireLimit.Wait(ctx); err != nil {
			return nil, classifyTimeout(deviceID)
		}
		res, err := acquireScript.Run(ctx, a.client,
			[]string{a.genKey(deviceID), a.holderKey(deviceID)},
			holderID, leaseTTL.Milliseconds(),
		).Int64()
		if err != nil {
			return nil, workflow.NewError(workflow.KindStoreUnavailable, "", "gpu arbiter: redis acquire script failed", err)
		}
		if res >= 0 {
			metrics.GPUArbiterAcquireTotal.WithLabelValues(deviceID, "acquired").Inc()
			metrics.GPUArbiterWaitQueueLength.WithLabelValues(deviceID).Set(0)
			now := time.Now().UTC()
			return &Lease{
				DeviceID:   deviceID,
				HolderID:   holderID,
				AcquiredAt: now,
				ExpiresAt:  now.Add(leaseTTL),
				Generation: res,
			}, nil
		}

		if maxWait <= 0 || time.Now().After(deadline) || ctx.Err() != nil {
			metrics.GPUArbiterAcquireTotal.WithLabelValues(deviceID, "timeout").Inc()
			metrics.GPUArbiterWaitQueueLength.WithLabelValues(deviceID).Set(0)
			return nil, classifyTimeout(deviceID)
		}

		metrics.GPUArbiterWaitQueueLength.WithLabelValues(deviceID).Inc()
		sleep := httpx.JitterSleep(backoffForAttempt(attempt))
		remaining := time.Until(deadline)
		if sleep > remaining {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return nil, classifyTimeout(deviceID)
		case <-time.After(sleep):
		}
	}
}

func (a *RedisArbiter) Renew(ctx context.Context, lease *Lease) (*Lease, error) {
	ok, err := renewScript.Run(ctx, a.client,
		[]string{a.genKey(lease.DeviceID), a.holderKey(lease.DeviceID)},
		lease.HolderID, defaultRenewTTLMillis(lease), lease.Generation,
	).Int64()
	if err != nil {
		return nil, workflow.NewError(workflow.KindStoreUnavailable, "", "gpu arbiter: redis renew script failed", err)
	}
	if ok == 0 {
		return nil, classifyLeaseLost(lease.DeviceID)
	}
	extended := *lease
	extended.ExpiresAt = time.Now().UTC().Add(time.Duration(defaultRenewTTLMillis(lease)) * time.Millisecond)
	return &extended, nil
}

func (a *RedisArbiter) Release(ctx context.Context, lease *Lease) error {
	ok, err := releaseScript.Run(ctx, a.client,
		[]string{a.genKey(lease.DeviceID), a.holderKey(lease.DeviceID)},
		lease.HolderID, lease.Generation,
	).Int64()
	if err != nil {
		return workflow.NewError(workflow.KindStoreUnavailable, "", "gpu arbiter: redis release script failed", err)
	}
	if ok == 0 {
		return classifyLeaseLost(lease.DeviceID)
	}
	return nil
}

func (a *RedisArbiter) Sweep(ctx context.Context, deviceIDs []string) error {
	// Holder keys carry their own TTL, so there is nothing to reap here;
	// this pass only resets the wait-queue gauge to zero for devices
	// whose holder key is absent (no current holder).
	for _, d := range deviceIDs {
		exists, err := a.client.Exists(ctx, a.holderKey(d)).Result()
		if err != nil {
			return workflow.NewError(workflow.KindStoreUnavailable, "", "gpu arbiter: sweep failed", err)
		}
		if exists == 0 {
			metrics.GPUArbiterWaitQueueLength.WithLabelValues(d).Set(0)
		}
	}
	return nil
}

func defaultRenewTTLMillis(lease *Lease) int64 {
	ttl := lease.ExpiresAt.Sub(lease.AcquiredAt)
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return ttl.Milliseconds()
}

func backoffForAttempt(attempt int) time.Duration {
	base := 100 * time.Millisecond
	d := base * time.Duration(1<<uint(minInt(attempt-1, 5)))
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	return d
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
