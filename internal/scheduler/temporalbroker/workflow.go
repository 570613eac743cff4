package temporalbroker

import (
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/workflow"
)

// Workflow is the Temporal workflow definition backing the Stage
// Scheduler (SPEC_FULL.md §4.6): it loops, ticking one stage per
// activity invocation, until the workflow's Context reaches a terminal
// WorkflowStatus. Directly modeled on the teacher's job_run workflow —
// same tick/sleep/continue-as-new shape, generalized from "poll one DB
// job row" to "poll one orchestrator Context."
func Workflow(ctx workflow.Context) error {
	workflowID := strings.TrimSpace(workflow.GetInfo(ctx).WorkflowExecution.ID)
	if workflowID == "" {
		return fmt.Errorf("stagechain: missing workflow_id")
	}

	const (
		pollInterval      = 2 * time.Second
		continueTickLimit = 2000
		continueHistLimit = 15000
	)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 24 * time.Hour,
		HeartbeatTimeout:    30 * time.Second,
		RetryPolicy:         nil, // stage-level retry is handled by nodeexec/contextstore, not Temporal
	})

	cancelCh := workflow.GetSignalChannel(ctx, SignalCancel)
	tickCount := 0

	for {
		tickCount++

		if cancelRequested(ctx, cancelCh) {
			var out TickStageResult
			if err := workflow.ExecuteActivity(ctx, ActivityCancel, workflowID).Get(ctx, &out); err != nil {
				return err
			}
			return nil
		}

		var out TickStageResult
		if err := workflow.ExecuteActivity(ctx, ActivityTickStage, workflowID).Get(ctx, &out); err != nil {
			return err
		}

		if out.Done {
			if out.WorkflowStatus == "FAILED" {
				return fmt.Errorf("workflow failed (last stage=%s)", out.AdvancedStage)
			}
			return nil
		}

		if err := workflow.Sleep(ctx, pollInterval); err != nil {
			return err
		}
		if shouldContinueAsNew(ctx, tickCount, continueTickLimit, continueHistLimit) {
			return workflow.NewContinueAsNewError(ctx, Workflow)
		}
	}
}

func cancelRequested(ctx workflow.Context, ch workflow.ReceiveChannel) bool {
	var received bool
	var sig any
	for ch.ReceiveAsync(&sig) {
		received = true
	}
	return received
}

func shouldContinueAsNew(ctx workflow.Context, ticks, maxTicks, maxHistory int) bool {
	if maxTicks > 0 && ticks >= maxTicks {
		return true
	}
	info := workflow.GetInfo(ctx)
	if info == nil || maxHistory <= 0 {
		return false
	}
	return info.GetCurrentHistoryLength() >= maxHistory
}
