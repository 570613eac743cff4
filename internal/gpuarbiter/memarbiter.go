package gpuarbiter

import (
	"context"
	"sync"
	"time"

	"github.com/yivideo/orchestrator/internal/pkg/httpx"
)

type slot struct {
	holderID   string
	generation int64
	expiresAt  time.Time
}

// MemArbiter is an in-process Arbiter backed by a mutex-guarded map,
// implementing the same acquire/renew/release semantics as RedisArbiter
// for tests that exercise GPU contention without a live Redis.
type MemArbiter struct {
	mu    sync.Mutex
	slots map[string]*slot
}

func NewMemArbiter() *MemArbiter {
	return &MemArbiter{slots: make(map[string]*slot)}
}

func (a *MemArbiter) Acquire(ctx context.Context, deviceID, holderID string, leaseTTL, maxWait time.Duration) (*Lease, error) {
	deadline := time.Now().Add(maxWait)
	attempt := 0
	for {
		attempt++
		if lease, ok := a.tryAcquire(deviceID, holderID, leaseTTL); ok {
			return lease, nil
		}
		if maxWait <= 0 || time.Now().After(deadline) || ctx.Err() != nil {
			return nil, classifyTimeout(deviceID)
		}
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

func (a *MemArbiter) tryAcquire(deviceID, holderID string, leaseTTL time.Duration) (*Lease, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	s, exists := a.slots[deviceID]
	if exists && !s.expired(now) {
		return nil, false
	}
	gen := int64(1)
	if exists {
		gen = s.generation + 1
	}
	a.slots[deviceID] = &slot{holderID: holderID, generation: gen, expiresAt: now.Add(leaseTTL)}
	return &Lease{DeviceID: deviceID, HolderID: holderID, AcquiredAt: now.UTC(), ExpiresAt: now.Add(leaseTTL).UTC(), Generation: gen}, true
}

func (s *slot) expired(now time.Time) bool { return now.After(s.expiresAt) }

func (a *MemArbiter) Renew(ctx context.Context, lease *Lease) (*Lease, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.slots[lease.DeviceID]
	if !ok || s.holderID != lease.HolderID || s.generation != lease.Generation {
		return nil, classifyLeaseLost(lease.DeviceID)
	}
	ttl := lease.ExpiresAt.Sub(lease.AcquiredAt)
	s.expiresAt = time.Now().Add(ttl)
	extended := *lease
	extended.ExpiresAt = s.expiresAt.UTC()
	return &extended, nil
}

func (a *MemArbiter) Release(ctx context.Context, lease *Lease) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.slots[lease.DeviceID]
	if !ok || s.holderID == "" {
		return nil
	}
	if s.holderID != lease.HolderID || s.generation != lease.Generation {
		return classifyLeaseLost(lease.DeviceID)
	}
	// Keep the slot (and its generation) so the next acquire continues
	// the device's generation sequence instead of restarting at 1.
	s.holderID = ""
	s.expiresAt = time.Time{}
	return nil
}

func (a *MemArbiter) Sweep(ctx context.Context, deviceIDs []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	for _, d := range deviceIDs {
		if s, ok := a.slots[d]; ok && s.expired(now) {
			s.holderID = ""
			s.expiresAt = time.Time{}
		}
	}
	return nil
}
