// Package nodeexec implements the Node Executor (SPEC_FULL.md C4): the
// fixed seven-step lifecycle the Scheduler drives a single stage through.
// Every Node implementation is wrapped identically so cache reuse, output
// validation, and error classification never vary node to node.
package nodeexec

import (
	"context"
	"fmt"
	"time"

	"github.com/yivideo/orchestrator/internal/cachekey"
	"github.com/yivideo/orchestrator/internal/contextstore"
	"github.com/yivideo/orchestrator/internal/metrics"
	"github.com/yivideo/orchestrator/internal/paramref"
	"github.com/yivideo/orchestrator/internal/tracing"
	"github.com/yivideo/orchestrator/internal/workflow"
)

// Registry resolves a stage's declared node_name to its Node
// implementation. Kept as a narrow interface here so nodeexec does not
// import the concrete registry package.
type Registry interface {
	Lookup(nodeName string) (workflow.Node, bool)
}

// Executor drives the seven-step lifecycle for one stage occurrence:
//  1. claim the stage slot (PENDING -> RUNNING, bump attempts)
//  2. resolve input_template against the loaded Context
//  3. validate the resolved input
//  4. check whether a prior output may be reused instead
//  5. execute the node's core logic
//  6. validate the produced output
//  7. record the terminal result
type Executor struct {
	Store           contextstore.Store
	Registry        Registry
	DefaultDeadline time.Duration
	MaxAttempts     int
	CacheScope      string
}

// Result is what the caller (the Scheduler) needs to decide whether to
// advance, retry, or halt.
type Result struct {
	Status   workflow.StageStatus
	CacheHit bool
	Output   map[string]any
	Err      *workflow.OrchestratorError
}

// Run executes stageIndex's full lifecycle exactly once. It does not loop
// on retries itself — the Scheduler re-invokes Run for a stage the store
// has put back to PENDING, so attempt bookkeeping lives entirely in the
// Context Store and stays correct across process restarts.
func (e *Executor) Run(ctx context.Context, workflowID string, stageIndex int) Result {
	wfCtx, err := e.Store.Load(ctx, workflowID)
	if err != nil {
		return Result{Status: workflow.StageFailed, Err: asOrchErr(err, "")}
	}
	stage := wfCtx.StageAt(stageIndex)
	if stage == nil {
		oe := workflow.NewError(workflow.KindInvalidInput, "", fmt.Sprintf("stage index %d out of range", stageIndex), nil)
		return Result{Status: workflow.StageFailed, Err: oe}
	}
	stageName := stage.Name

	node, ok := e.Registry.Lookup(stage.NodeName)
	if !ok {
		oe := workflow.NewError(workflow.KindInvalidInput, stageName, fmt.Sprintf("no registered node for %q", stage.NodeName), nil)
		return e.fail(ctx, workflowID, stageIndex, oe, false, false)
	}

	// Step 1: claim the slot.
	wfCtx, err = e.Store.UpdateStage(ctx, workflowID, stageIndex, func(r *workflow.StageRecord) error {
		now := time.Now().UTC()
		r.Status = workflow.StageRunning
		r.Attempts++
		r.StartedAt = &now
		return nil
	})
	if err != nil {
		return Result{Status: workflow.StageFailed, Err: asOrchErr(err, stageName)}
	}
	stage = wfCtx.StageAt(stageIndex)

	// Step 2: resolve input.
	resolved, rerr := paramref.Resolve(node.Template(), wfCtx, wfCtx.InputParams, stageIndex+1)
	if rerr != nil {
		rerr.Stage = stageName
		return e.fail(ctx, workflowID, stageIndex, rerr, false, node.Optional())
	}

	// Step 3: validate input.
	if verr := node.Validate(ctx, resolved); verr != nil {
		oe := workflow.Wrap(workflow.KindInvalidInput, stageName, verr)
		return e.fail(ctx, workflowID, stageIndex, oe, false, node.Optional())
	}

	// Step 4: cache check. Lookup is cross-workflow (SPEC_FULL.md §4.2):
	// any prior run's recorded output under the same cache key is a valid
	// reuse source, not only stages within this workflow's own chain.
	cacheKey := cachekey.Scoped(e.CacheScope, node.Name(), resolved, node.CacheKeyFields())
	if cacheKey != "" {
		priorOutput, found, cerr := e.Store.FindCachedOutput(ctx, cacheKey)
		if cerr != nil {
			return Result{Status: workflow.StageFailed, Err: asOrchErr(cerr, stageName)}
		}
		if found && cachekey.CanReuseOutput(priorOutput, node.RequiredOutputFields()) {
			metrics.StageCacheHitsTotal.WithLabelValues(node.Name()).Inc()
			_, rerr := e.Store.UpdateStage(ctx, workflowID, stageIndex, func(r *workflow.StageRecord) error {
				r.Input = resolved
				r.CacheKey = cacheKey
				r.CacheHit = true
				return nil
			})
			if rerr != nil {
				return Result{Status: workflow.StageFailed, Err: asOrchErr(rerr, stageName)}
			}
			// RecordOutput marks the stage SUCCESS and advances the workflow
			// status, exactly as for an executed stage.
			if _, rerr := e.Store.RecordOutput(ctx, workflowID, stageIndex, cloneMap(priorOutput), 0); rerr != nil {
				return Result{Status: workflow.StageFailed, Err: asOrchErr(rerr, stageName)}
			}
			metrics.StageExecutionsTotal.WithLabelValues(node.Name(), "cache_hit").Inc()
			return Result{Status: workflow.StageSucceeded, CacheHit: true, Output: cloneMap(priorOutput)}
		}
	}

	if _, err := e.Store.UpdateStage(ctx, workflowID, stageIndex, func(r *workflow.StageRecord) error {
		r.Input = resolved
		r.CacheKey = cacheKey
		return nil
	}); err != nil {
		return Result{Status: workflow.StageFailed, Err: asOrchErr(err, stageName)}
	}

	deadline := node.StageDeadline()
	if deadline <= 0 {
		deadline = e.DefaultDeadline
	}
	execCtx := ctx
	var cancel context.CancelFunc
	if deadline > 0 {
		execCtx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	// Step 5: execute, with panic recovery funneled into the taxonomy.
	spanCtx, span := tracing.StartStageSpan(execCtx, workflowID, stageName, stage.Attempts)
	timer := prometheusTimer(node.Name())
	output, execErr := e.safeExecute(spanCtx, node, &workflow.Execution{
		WorkflowID:        workflowID,
		StageName:         stageName,
		SharedStoragePath: wfCtx.SharedStoragePath,
		Input:             resolved,
		Attempt:           stage.Attempts,
	})
	timer()
	if execErr != nil {
		span.RecordError(execErr)
	}
	span.End()

	if execErr != nil {
		kind := workflow.KindInferenceFailed
		if execCtx.Err() == context.DeadlineExceeded {
			kind = workflow.KindTimeout
		} else if execCtx.Err() == context.Canceled {
			kind = workflow.KindCancelled
		}
		oe := workflow.Wrap(kind, stageName, execErr)
		retryable := node.RetryableErrorKinds()[oe.Kind]
		if !nodeOverridesKind(node, oe.Kind) {
			retryable = workflow.DefaultRetryable(oe.Kind)
		}
		return e.fail(ctx, workflowID, stageIndex, oe, retryable, node.Optional())
	}

	// Step 6: validate output.
	for _, field := range node.RequiredOutputFields() {
		v, ok := output[field]
		if !ok || v == nil || (isEmptyString(v)) {
			oe := workflow.NewError(workflow.KindInvalidOutput, stageName, fmt.Sprintf("required output field %q missing or empty", field), nil)
			return e.fail(ctx, workflowID, stageIndex, oe, false, node.Optional())
		}
	}

	// Step 7: record.
	wfCtx, err = e.Store.RecordOutput(ctx, workflowID, stageIndex, output, timeSince(stage.StartedAt))
	if err != nil {
		return Result{Status: workflow.StageFailed, Err: asOrchErr(err, stageName)}
	}
	metrics.StageExecutionsTotal.WithLabelValues(node.Name(), "success").Inc()
	final := wfCtx.StageAt(stageIndex)
	return Result{Status: final.Status, Output: cloneMap(final.Output)}
}

func (e *Executor) fail(ctx context.Context, workflowID string, stageIndex int, oe *workflow.OrchestratorError, retryable, optional bool) Result {
	maxAttempts := e.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	wfCtx, err := e.Store.RecordFailure(ctx, workflowID, stageIndex, oe, retryable, optional, maxAttempts)
	if err != nil {
		return Result{Status: workflow.StageFailed, Err: asOrchErr(err, oe.Stage)}
	}
	final := wfCtx.StageAt(stageIndex)
	label := "failed"
	if final.Status == workflow.StagePending {
		label = "retry"
	} else if final.Status == workflow.StageSkipped {
		label = "skipped"
	}
	node, ok := e.Registry.Lookup(final.NodeName)
	if ok {
		metrics.StageExecutionsTotal.WithLabelValues(node.Name(), label).Inc()
	}
	return Result{Status: final.Status, Err: oe}
}

// safeExecute recovers a panicking Node.Execute and reclassifies it as an
// InferenceFailed error so a misbehaving node cannot take down the worker
// process running the scheduler loop.
func (e *Executor) safeExecute(ctx context.Context, node workflow.Node, exec *workflow.Execution) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("node %s panicked: %v", node.Name(), r)
		}
	}()
	return node.Execute(ctx, exec)
}

func nodeOverridesKind(node workflow.Node, kind workflow.ErrorKind) bool {
	_, ok := node.RetryableErrorKinds()[kind]
	return ok
}

func isEmptyString(v any) bool {
	s, ok := v.(string)
	return ok && s == ""
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func timeSince(t *time.Time) time.Duration {
	if t == nil {
		return 0
	}
	return time.Since(*t)
}

func asOrchErr(err error, stage string) *workflow.OrchestratorError {
	if oe, ok := workflow.AsOrchestratorError(err); ok {
		return oe
	}
	return workflow.Wrap(workflow.KindStoreUnavailable, stage, err)
}

func prometheusTimer(nodeName string) func() {
	start := time.Now()
	return func() {
		metrics.StageDurationSeconds.WithLabelValues(nodeName).Observe(time.Since(start).Seconds())
	}
}
