package gpuarbiter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yivideo/orchestrator/internal/workflow"
)

func TestMemArbiter_AcquireRelease(t *testing.T) {
	a := NewMemArbiter()
	ctx := context.Background()
	lease, err := a.Acquire(ctx, "gpu0", "h1", time.Second, time.Second)
	require.NoError(t, err)
	assert.EqualValues(t, 1, lease.Generation)
	require.NoError(t, a.Release(ctx, lease))
}

func TestMemArbiter_ReleaseIsIdempotent(t *testing.T) {
	a := NewMemArbiter()
	ctx := context.Background()
	lease, err := a.Acquire(ctx, "gpu0", "h1", time.Second, time.Second)
	require.NoError(t, err)
	require.NoError(t, a.Release(ctx, lease))
	require.NoError(t, a.Release(ctx, lease))
}

func TestMemArbiter_ReleaseWithoutHoldingFails(t *testing.T) {
	a := NewMemArbiter()
	ctx := context.Background()
	lease, err := a.Acquire(ctx, "gpu0", "h1", time.Second, time.Second)
	require.NoError(t, err)
	_, err2 := a.Acquire(ctx, "gpu0", "h2", time.Second, 0)
	require.Error(t, err2)

	stale := &Lease{DeviceID: "gpu0", HolderID: "h-imposter", Generation: lease.Generation}
	err = a.Release(ctx, stale)
	require.Error(t, err)
	oe, ok := workflow.AsOrchestratorError(err)
	require.True(t, ok)
	assert.Equal(t, workflow.KindLeaseLost, oe.Kind)
}

func TestMemArbiter_AcquireTimesOutOnContention(t *testing.T) {
	a := NewMemArbiter()
	ctx := context.Background()
	_, err := a.Acquire(ctx, "gpu0", "h1", time.Second, time.Second)
	require.NoError(t, err)

	start := time.Now()
	_, err = a.Acquire(ctx, "gpu0", "h2", time.Second, 50*time.Millisecond)
	elapsed := time.Since(start)
	require.Error(t, err)
	oe, ok := workflow.AsOrchestratorError(err)
	require.True(t, ok)
	assert.Equal(t, workflow.KindTimeout, oe.Kind)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestMemArbiter_ExpiredLeaseAllowsTakeoverWithHigherGeneration(t *testing.T) {
	a := NewMemArbiter()
	ctx := context.Background()
	lease1, err := a.Acquire(ctx, "gpu0", "h1", 10*time.Millisecond, time.Second)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	lease2, err := a.Acquire(ctx, "gpu0", "h2", time.Second, time.Second)
	require.NoError(t, err)
	assert.Greater(t, lease2.Generation, lease1.Generation)

	_, err = a.Renew(ctx, lease1)
	require.Error(t, err)
	oe, ok := workflow.AsOrchestratorError(err)
	require.True(t, ok)
	assert.Equal(t, workflow.KindLeaseLost, oe.Kind)
}

// TestMemArbiter_MutualExclusionUnderConcurrency exercises S4: many
// concurrent holders contend for one device and the arbiter never lets
// two of them believe they hold a valid lease simultaneously.
func TestMemArbiter_MutualExclusionUnderConcurrency(t *testing.T) {
	a := NewMemArbiter()
	var active int32
	var maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx := context.Background()
			lease, err := a.Acquire(ctx, "gpu0", "holder", 2*time.Second, 2*time.Second)
			if err != nil {
				return
			}
			n := atomic.AddInt32(&active, 1)
			for {
				old := atomic.LoadInt32(&maxActive)
				if n <= old || atomic.CompareAndSwapInt32(&maxActive, old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			_ = a.Release(ctx, lease)
		}(i)
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxActive)
}
