// Package scheduler implements the Stage Scheduler (SPEC_FULL.md C6): the
// sequential driver that walks a workflow's stage_chain to completion,
// dispatching each stage through nodeexec.Executor and halting or
// continuing based on the result. The package is broker-agnostic; see
// temporalbroker and localbroker for the two dispatch implementations.
package scheduler

import (
	"context"

	"github.com/yivideo/orchestrator/internal/contextstore"
	"github.com/yivideo/orchestrator/internal/nodeexec"
	"github.com/yivideo/orchestrator/internal/platform/ctxutil"
	"github.com/yivideo/orchestrator/internal/workflow"
)

// TickOutcome reports what happened to the one stage a single Tick call
// advanced, and whether the workflow as a whole has reached a terminal
// state.
type TickOutcome struct {
	WorkflowStatus workflow.WorkflowStatus
	AdvancedStage  string
	StageResult    *nodeexec.Result
	Done           bool
}

// Scheduler holds the dependencies Tick needs: the Context Store to
// find the next eligible stage, and the Node Executor to run it.
type Scheduler struct {
	Store    contextstore.Store
	Executor *nodeexec.Executor
}

// Tick advances one stage of workflowID by exactly one lifecycle pass
// (SPEC_FULL.md §4.6's algorithm, steps 1-5), then reports the resulting
// workflow-level status. Callers (a broker) loop Tick until Done is true.
func (s *Scheduler) Tick(ctx context.Context, workflowID string) (TickOutcome, error) {
	wfCtx, err := s.Store.Load(ctx, workflowID)
	if err != nil {
		return TickOutcome{}, err
	}

	if wfCtx.Status != workflow.WorkflowRunning {
		return TickOutcome{WorkflowStatus: wfCtx.Status, Done: true}, nil
	}

	idx := nextEligibleStage(wfCtx)
	if idx < 0 {
		// Every stage reached a terminal state; the store already
		// flipped Status to SUCCESS or FAILED as each stage completed.
		return TickOutcome{WorkflowStatus: wfCtx.Status, Done: true}, nil
	}

	stageName := wfCtx.Stages[idx].Name
	if ctxutil.GetTraceData(ctx) == nil {
		ctx = ctxutil.WithTraceData(ctx, &ctxutil.TraceData{RequestID: workflowID})
	}
	result := s.Executor.Run(ctx, workflowID, idx)

	wfCtx, err = s.Store.Load(ctx, workflowID)
	if err != nil {
		return TickOutcome{}, err
	}
	return TickOutcome{
		WorkflowStatus: wfCtx.Status,
		AdvancedStage:  stageName,
		StageResult:    &result,
		Done:           wfCtx.Status != workflow.WorkflowRunning,
	}, nil
}

// nextEligibleStage returns the index of the first stage not yet in a
// terminal state (SUCCESS or SKIPPED), or -1 if the chain is exhausted.
// A FAILED stage with no retry budget left is terminal from the store's
// perspective too (RecordFailure already flipped the workflow to FAILED),
// so it is never selected here.
func nextEligibleStage(c *workflow.Context) int {
	for i, s := range c.Stages {
		if s.Status.Terminal() {
			continue
		}
		if s.Status == workflow.StageFailed {
			continue
		}
		return i
	}
	return -1
}
