// Package contextstore implements the Workflow Context Store (SPEC_FULL.md
// C1): durable, cross-process, cross-restart state for one workflow run.
// All mutation goes through this package's API; nothing outside it is
// permitted to touch the underlying key-value store directly
// (SPEC_FULL.md §5, "Context: mutated only via C1's API").
package contextstore

import (
	"context"
	"time"

	"github.com/yivideo/orchestrator/internal/workflow"
)

// Store is the Context Store contract. Every method is safe for
// concurrent use by multiple worker processes; conflicting concurrent
// writers observe workflow.KindConflict rather than silently clobbering
// each other.
type Store interface {
	// Create initializes a Context with every stage PENDING. Returns
	// workflow.KindAlreadyExists if workflowID is taken.
	Create(ctx context.Context, workflowID, sharedStoragePath string, stageChain []string, inputParams map[string]any) (*workflow.Context, error)

	// Load returns a snapshot. Returns workflow.KindNotFound if absent.
	Load(ctx context.Context, workflowID string) (*workflow.Context, error)

	// UpdateStage atomically applies mutate to the stage at position
	// stageIndex and persists the result. mutate must not rewind
	// status (SUCCESS -> RUNNING is rejected by the store regardless of
	// what mutate does) and must not be used to set output/terminal
	// status directly — use RecordOutput/RecordFailure for those so the
	// idempotence and conflict rules in SPEC_FULL.md §4.1 are enforced
	// in one place.
	UpdateStage(ctx context.Context, workflowID string, stageIndex int, mutate func(*workflow.StageRecord) error) (*workflow.Context, error)

	// RecordOutput sets output, finished_at, and transitions the stage
	// to SUCCESS. A second call with an identical output is a no-op;
	// a call with a different output on an already-SUCCESS stage
	// returns workflow.KindConflict.
	RecordOutput(ctx context.Context, workflowID string, stageIndex int, output map[string]any, duration time.Duration) (*workflow.Context, error)

	// RecordFailure transitions the stage to FAILED, or back to
	// PENDING if isRetryable and the stage's attempts remain below
	// maxAttempts. If retries are exhausted and optional is true, the
	// stage transitions to SKIPPED instead of FAILED and the workflow is
	// not flipped to FAILED; it becomes SUCCESS if every stage is now
	// terminal, and otherwise stays RUNNING.
	RecordFailure(ctx context.Context, workflowID string, stageIndex int, failure *workflow.OrchestratorError, isRetryable, optional bool, maxAttempts int) (*workflow.Context, error)

	// Cancel marks a RUNNING workflow CANCELLED. It is a no-op if the
	// workflow is already terminal. Cancellation is cooperative
	// (SPEC_FULL.md §5): a running stage observes it on its next
	// lifecycle boundary rather than being interrupted mid-step.
	Cancel(ctx context.Context, workflowID string) (*workflow.Context, error)

	// FindCachedOutput looks up a previously recorded successful output by
	// its content-addressed cache key. Lookup is cross-workflow by design
	// (SPEC_FULL.md §4.2's Open Question resolution): any workflow that
	// produced output under the same node name and cache_key_fields
	// projection is a valid reuse source, including the current one.
	FindCachedOutput(ctx context.Context, cacheKey string) (map[string]any, bool, error)

	// Close releases any held resources (connections, background
	// goroutines).
	Close() error
}

// applyUpdateStage contains the status-monotonicity and mutation rules
// shared by every Store implementation, so Redis and in-memory backends
// cannot drift in their CAS semantics. It mutates rec in place and
// returns a classified error if the resulting transition is illegal.
func applyUpdateStage(rec *workflow.StageRecord, mutate func(*workflow.StageRecord) error) error {
	before := rec.Status
	if err := mutate(rec); err != nil {
		return err
	}
	if illegalRewind(before, rec.Status) {
		rec.Status = before
		return workflow.NewError(workflow.KindConflict, rec.Name, "stage status may not rewind once terminal", nil)
	}
	return nil
}

// illegalRewind reports whether transitioning from 'before' to 'after' is
// forbidden by status monotonicity (SPEC_FULL.md §8 invariant 2): no path
// returns to PENDING once SUCCESS is reached, and a SUCCESS/SKIPPED stage
// can never become RUNNING again.
func illegalRewind(before, after workflow.StageStatus) bool {
	if before == after {
		return false
	}
	if before.Terminal() && after == workflow.StageRunning {
		return true
	}
	if before.Terminal() && after == workflow.StagePending {
		return true
	}
	return false
}

// sameOutput reports whether two output maps are field-for-field equal,
// used by RecordOutput to decide whether a repeated call is the
// idempotent no-op case or a genuine conflict.
func sameOutput(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		if !valuesEqual(v, bv) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b any) bool {
	am, aok := a.(map[string]any)
	bm, bok := b.(map[string]any)
	if aok && bok {
		return sameOutput(am, bm)
	}
	as, asok := a.([]any)
	bs, bsok := b.([]any)
	if asok && bsok {
		if len(as) != len(bs) {
			return false
		}
		for i := range as {
			if !valuesEqual(as[i], bs[i]) {
				return false
			}
		}
		return true
	}
	return a == b
}
