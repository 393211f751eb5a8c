package workflow

import (
	"context"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
)

// TaskQueue is the Temporal task queue agora-server workers poll for
// workflow-tracking work. One TrackingWorkflow execution runs per running
// Agora Workflow entity; it owns no state beyond a workflowID and drives
// progress by calling back into the Coordinator through TickActivity,
// mirroring ledgerSource's pattern of a thin client.Client wrapper in front
// of a non-Temporal execution core.
const TaskQueue = "agora-workflow-coordinator"

// Activities exposes Coordinator.Tick as a registerable Temporal activity.
// A worker registers *Activities alongside TrackingWorkflow so the workflow
// function can invoke it without importing the store or reducers packages
// directly.
type Activities struct {
	Coordinator *Coordinator
}

// TickActivity drives one coordination step for the named workflow and
// reports whether it has reached a terminal state.
func (a *Activities) TickActivity(ctx context.Context, workflowID string) (bool, error) {
	if err := a.Coordinator.Tick(ctx, workflowID); err != nil {
		return false, err
	}
	return a.Coordinator.isTerminal(ctx, workflowID)
}

// Register attaches TrackingWorkflow and its activities to w.
func Register(w worker.Worker, acts *Activities) {
	w.RegisterWorkflow(TrackingWorkflow)
	w.RegisterActivity(acts)
}

// StartTracking launches a TrackingWorkflow execution for workflowID on c,
// using workflowID as the Temporal workflow ID so a duplicate start is
// rejected by Temporal itself rather than requiring a side idempotency
// check.
func StartTracking(ctx context.Context, c client.Client, workflowID string) (client.WorkflowRun, error) {
	opts := client.StartWorkflowOptions{
		ID:        "agora-workflow-" + workflowID,
		TaskQueue: TaskQueue,
	}
	return c.ExecuteWorkflow(ctx, opts, TrackingWorkflow, workflowID)
}

// TrackingWorkflow polls TickActivity on a fixed interval until the
// workflow reaches a terminal state (completed or failed), then returns.
// Retries of the activity itself are handled by Temporal's own retry
// policy; the coordination-level retry/backoff policy for individual task
// assignments lives in Coordinator.Tick.
func TrackingWorkflow(ctx workflow.Context, workflowID string) error {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    5,
		},
	}
	actx := workflow.WithActivityOptions(ctx, ao)

	var acts *Activities
	for {
		var done bool
		if err := workflow.ExecuteActivity(actx, acts.TickActivity, workflowID).Get(actx, &done); err != nil {
			return err
		}
		if done {
			return nil
		}
		if err := workflow.Sleep(ctx, 5*time.Second); err != nil {
			return err
		}
	}
}
