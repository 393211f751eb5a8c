// Package workflow implements the Workflow Coordinator (C7): capability
// matching, task-retry backoff, and workflow aggregation for running
// workflows. The coordinator reads C3 snapshots and drives state forward by
// submitting reducers through the same single-writer Store every other
// component uses; it holds no authoritative state of its own.
package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/agora-labs/marketplace-core/internal/agoraerr"
	"github.com/agora-labs/marketplace-core/internal/store"
	"github.com/agora-labs/marketplace-core/internal/store/reducers"
	"github.com/agora-labs/marketplace-core/internal/telemetry"
)

// maxRetries and retryBackoffBase are the fixed retry policy from
// spec.md §4.7: up to 3 retries, exponential backoff starting at 30s
// (30s, 60s, 120s).
const (
	maxRetries       = 3
	retryBackoffBase = 30 * time.Second
)

func retryBackoff(attempt int) time.Duration {
	d := retryBackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	return d
}

// Coordinator drives every running workflow toward a terminal state. Safe
// for concurrent use; Tick is idempotent and may be called concurrently for
// different workflow IDs.
type Coordinator struct {
	store  *store.Store
	logger telemetry.Logger
	now    func() time.Time

	pollInterval time.Duration
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger overrides the coordinator's logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithClock overrides the coordinator's clock.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithPollInterval overrides the background driving loop's poll period
// (default 5s).
func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.pollInterval = d }
}

// New constructs a Coordinator over st.
func New(st *store.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:        st,
		logger:       telemetry.NewNoopLogger(),
		now:          func() time.Time { return time.Now().UTC() },
		pollInterval: 5 * time.Second,
	}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	return c
}

// Run starts the background driving loop, polling every running workflow on
// pollInterval until ctx is cancelled or Stop is called.
func (c *Coordinator) Run(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go c.loop(loopCtx)
}

// Stop halts the background driving loop and waits for it to exit.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Coordinator) loop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.driveAll(ctx)
		}
	}
}

func (c *Coordinator) driveAll(ctx context.Context) {
	workflows, err := c.store.Backend.ListRunningWorkflows(ctx)
	if err != nil {
		c.logger.Error(ctx, "list running workflows failed", "component", "workflow-coordinator", "err", err)
		return
	}
	for _, wf := range workflows {
		if err := c.Tick(ctx, wf.WorkflowID); err != nil {
			c.logger.Warn(ctx, "workflow tick failed", "component", "workflow-coordinator", "workflow_id", wf.WorkflowID, "err", err)
		}
	}
}

// Tick drives one workflow one step forward: it retries any step whose task
// has failed and is within its retry budget and backoff window, then
// assigns every ready, unassigned step to a matching agent. TaskUpdate
// callers (the Tool Server's agora.task.update) are responsible for calling
// Advance after a task transitions so workflow aggregation stays current;
// Tick itself does not recompute aggregation.
func (c *Coordinator) Tick(ctx context.Context, workflowID string) error {
	wf, ok, err := c.store.Backend.GetWorkflow(ctx, workflowID)
	if err != nil {
		return agoraerr.Wrap(agoraerr.Internal, err, "lookup workflow")
	}
	if !ok || wf.Status != store.WorkflowRunning {
		return nil
	}
	steps, err := c.store.Backend.ListStepsByWorkflow(ctx, workflowID)
	if err != nil {
		return agoraerr.Wrap(agoraerr.Internal, err, "list steps")
	}
	stepByID := make(map[string]store.WorkflowStep, len(steps))
	for _, st := range steps {
		stepByID[st.StepID] = st
	}

	if err := c.retryFailedTasks(ctx, workflowID); err != nil {
		return err
	}
	if err := c.assignReadySteps(ctx, workflowID, steps, stepByID); err != nil {
		return err
	}
	return nil
}

// retryFailedTasks resubmits every task of workflowID that has failed, has
// retry budget remaining, and whose backoff window has elapsed. It reads
// task state directly rather than the owning step's cached status: a step
// is only synced to store.TaskFailed (via Advance) once its task's retry
// budget is exhausted, so a retryable failure never shows up as a failed
// step and never trips AdvanceWorkflow's step-failure-terminates-workflow
// rule prematurely.
func (c *Coordinator) retryFailedTasks(ctx context.Context, workflowID string) error {
	tasks, err := c.store.Backend.ListTasksByWorkflow(ctx, workflowID)
	if err != nil {
		return agoraerr.Wrap(agoraerr.Internal, err, "list tasks")
	}
	for _, task := range tasks {
		if task.Status != store.TaskFailed || task.RetryCount >= maxRetries {
			continue
		}
		if c.now().Before(task.UpdatedAt.Add(retryBackoff(task.RetryCount))) {
			continue
		}
		progress := 0
		if _, err := c.store.Submit(ctx, func(ctx context.Context) (store.Outcome, error) {
			return reducers.UpdateTask(ctx, c.deps(), reducers.UpdateTaskParams{
				TaskID: task.TaskID, Status: store.TaskPending, Progress: &progress,
			})
		}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) assignReadySteps(ctx context.Context, workflowID string, steps []store.WorkflowStep, stepByID map[string]store.WorkflowStep) error {
	for _, st := range steps {
		if st.AssignedTaskID != "" || st.Status != store.TaskPending {
			continue
		}
		if !dependenciesSatisfied(st, stepByID) {
			continue
		}
		agentID, found, err := selectAgent(ctx, c.store.Backend, st.RequiredCapability)
		if err != nil {
			return agoraerr.Wrap(agoraerr.Internal, err, "select candidate agent")
		}
		if !found {
			continue
		}
		if _, err := c.store.Submit(ctx, func(ctx context.Context) (store.Outcome, error) {
			return reducers.AssignWorkflowStep(ctx, c.deps(), reducers.AssignWorkflowStepParams{
				WorkflowID: workflowID, StepID: st.StepID, Assignee: agentID,
			})
		}); err != nil {
			return err
		}
	}
	return nil
}

// isTerminalOutcome reports whether task has reached a status that should
// be reflected in its owning step and rolled into workflow aggregation: a
// completed or cancelled task always, a failed task only once its retry
// budget is exhausted.
func isTerminalOutcome(task store.Task) bool {
	switch task.Status {
	case store.TaskCompleted, store.TaskCancelled:
		return true
	case store.TaskFailed:
		return task.RetryCount >= maxRetries
	default:
		return false
	}
}

func dependenciesSatisfied(step store.WorkflowStep, stepByID map[string]store.WorkflowStep) bool {
	for _, depID := range step.DependsOn {
		dep, ok := stepByID[depID]
		if !ok || dep.Status != store.TaskCompleted {
			return false
		}
	}
	return true
}

// Advance is called by the Tool Server (or any caller that just committed
// a task_updated transition) to sync the owning step and recompute
// workflow-level aggregation. Looking up the step from the task's
// WorkflowID/assignment avoids requiring every UpdateTask caller to know
// which step a task belongs to. Only terminal task outcomes are
// aggregable: a failed task still within its retry budget is left for
// retryFailedTasks to resubmit, and must not flip its step to failed or it
// would trip AdvanceWorkflow's any-step-failed rule before retries run out.
func (c *Coordinator) Advance(ctx context.Context, task store.Task) error {
	if task.WorkflowID == "" || !isTerminalOutcome(task) {
		return nil
	}
	steps, err := c.store.Backend.ListStepsByWorkflow(ctx, task.WorkflowID)
	if err != nil {
		return agoraerr.Wrap(agoraerr.Internal, err, "list steps")
	}
	var stepID string
	for _, st := range steps {
		if st.AssignedTaskID == task.TaskID {
			stepID = st.StepID
			break
		}
	}
	if stepID == "" {
		return nil
	}
	_, err = c.store.Submit(ctx, func(ctx context.Context) (store.Outcome, error) {
		return reducers.AdvanceWorkflow(ctx, c.deps(), reducers.AdvanceWorkflowParams{
			WorkflowID: task.WorkflowID, StepID: stepID, StepStatus: task.Status,
		})
	})
	return err
}

// isTerminal reports whether workflowID has reached a terminal status, for
// the Temporal tracking workflow to know when to stop polling.
func (c *Coordinator) isTerminal(ctx context.Context, workflowID string) (bool, error) {
	wf, ok, err := c.store.Backend.GetWorkflow(ctx, workflowID)
	if err != nil {
		return false, agoraerr.Wrap(agoraerr.Internal, err, "lookup workflow")
	}
	if !ok {
		return true, nil
	}
	return wf.Status == store.WorkflowCompleted || wf.Status == store.WorkflowFailed, nil
}

func (c *Coordinator) deps() reducers.Deps {
	return reducers.Deps{Backend: c.store.Backend, Now: c.now}
}
