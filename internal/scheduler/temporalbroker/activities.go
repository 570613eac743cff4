package temporalbroker

import (
	"context"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/yivideo/orchestrator/internal/scheduler"
)

// Activities wires the Temporal activity pair the Workflow function
// drives. TickStage carries out exactly one stage lifecycle pass via
// scheduler.Scheduler; Cancel marks the Context CANCELLED in response to
// the workflow-level cancel signal. Modeled on the teacher's
// jobrun.Activities, narrowed to one backing dependency since the
// Scheduler already closes over the Context Store, Node Registry, and
// Executor.
type Activities struct {
	Scheduler *scheduler.Scheduler
}

func (a *Activities) TickStage(ctx context.Context, workflowID string) (TickStageResult, error) {
	stopHB := a.startHeartbeat(ctx)
	defer stopHB()

	out, err := a.Scheduler.Tick(ctx, workflowID)
	if err != nil {
		return TickStageResult{WorkflowID: workflowID}, err
	}
	return TickStageResult{
		WorkflowID:     workflowID,
		WorkflowStatus: string(out.WorkflowStatus),
		AdvancedStage:  out.AdvancedStage,
		Done:           out.Done,
	}, nil
}

func (a *Activities) Cancel(ctx context.Context, workflowID string) (TickStageResult, error) {
	c, err := a.Scheduler.Store.Cancel(ctx, workflowID)
	if err != nil {
		return TickStageResult{WorkflowID: workflowID}, err
	}
	return TickStageResult{WorkflowID: workflowID, WorkflowStatus: string(c.Status), Done: true}, nil
}

// startHeartbeat periodically records a Temporal heartbeat while a stage
// (which may block on a subprocess or a GPU lease wait well past the
// default heartbeat timeout) is in flight.
func (a *Activities) startHeartbeat(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(10 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				activity.RecordHeartbeat(ctx)
			}
		}
	}()
	return func() { close(done) }
}
