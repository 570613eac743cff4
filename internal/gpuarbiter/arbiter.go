// Package gpuarbiter implements the GPU Resource Arbiter (SPEC_FULL.md
// C5): a distributed mutual-exclusion lock over a fixed set of GPU device
// slots, with lease renewal and generation-based stale-holder detection.
package gpuarbiter

import (
	"context"
	"time"

	"github.com/yivideo/orchestrator/internal/workflow"
)

// Lease is a time-bounded, renewable claim on one device slot. Generation
// increases by one every time a slot transitions FREE/EXPIRED -> LEASED,
// so a holder can detect it has been superseded even if its own clock or
// process hung past the lease deadline.
type Lease struct {
	DeviceID   string
	HolderID   string
	AcquiredAt time.Time
	ExpiresAt  time.Time
	Generation int64
}

// expired reports whether the lease deadline has passed as of now.
func (l *Lease) expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// Arbiter is the C5 contract. Implementations must guarantee the
// single-writer invariant: at any instant either a device slot is FREE or
// exactly one holder sees it as LEASED to itself.
type Arbiter interface {
	// Acquire blocks (with jittered backoff) until the device is FREE or
	// EXPIRED, or ctx's deadline/maxWait elapses, in which case it
	// returns workflow.KindTimeout.
	Acquire(ctx context.Context, deviceID, holderID string, leaseTTL, maxWait time.Duration) (*Lease, error)

	// Renew extends expires_at. Returns workflow.KindLeaseLost if the
	// lease's generation no longer matches the stored one.
	Renew(ctx context.Context, lease *Lease) (*Lease, error)

	// Release marks the slot FREE. Idempotent for an already-released
	// lease; returns workflow.KindLeaseLost if the caller does not
	// currently hold it.
	Release(ctx context.Context, lease *Lease) error

	// Sweep performs a best-effort consistency pass over known device
	// ids, useful mainly for metrics since TTL-keyed leases expire on
	// their own.
	Sweep(ctx context.Context, deviceIDs []string) error
}

// classifyTimeout is shared by every implementation so Acquire's
// context-vs-maxWait deadline handling is consistent.
func classifyTimeout(deviceID string) error {
	return workflow.NewError(workflow.KindTimeout, "", "gpu arbiter: acquire timed out for device "+deviceID, nil)
}

func classifyLeaseLost(deviceID string) error {
	return workflow.NewError(workflow.KindLeaseLost, "", "gpu arbiter: lease lost for device "+deviceID, nil)
}
