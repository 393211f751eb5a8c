package workflow_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agora-labs/marketplace-core/internal/audit"
	"github.com/agora-labs/marketplace-core/internal/store"
	"github.com/agora-labs/marketplace-core/internal/store/inmem"
	"github.com/agora-labs/marketplace-core/internal/store/reducers"
	"github.com/agora-labs/marketplace-core/internal/workflow"
)

func newTestStore(t *testing.T) (*store.Store, store.Backend) {
	t.Helper()
	backend := inmem.New()
	auditLog := audit.NewLog(audit.NewInmemStore(), nil)
	st := store.New(backend, auditLog, 64)
	t.Cleanup(st.Close)
	return st, backend
}

func mustSubmit(t *testing.T, st *store.Store, reducer store.Reducer) store.Outcome {
	t.Helper()
	out, err := st.Submit(context.Background(), reducer)
	require.NoError(t, err)
	return out
}

func registerWorker(t *testing.T, st *store.Store, name, capType string, proficiency, maxConcurrent int) store.Agent {
	t.Helper()
	out := mustSubmit(t, st, func(ctx context.Context) (store.Outcome, error) {
		return reducers.RegisterAgent(ctx, reducers.Deps{Backend: st.Backend}, reducers.RegisterAgentParams{
			AgentName:        name,
			ProjectDirectory: "/tmp/" + name,
			Role:             "WORKER",
			Capabilities: []store.CapabilitySpec{
				{Type: capType, Proficiency: proficiency, MaxConcurrent: maxConcurrent},
			},
		})
	})
	return out.Result.(store.Agent)
}

func startWorkflow(t *testing.T, st *store.Store, steps []store.StepSpec) store.Workflow {
	t.Helper()
	out := mustSubmit(t, st, func(ctx context.Context) (store.Outcome, error) {
		return reducers.StartWorkflow(ctx, reducers.Deps{Backend: st.Backend}, reducers.StartWorkflowParams{
			WorkflowName:   "pipeline",
			InitiatorAgent: "initiator",
			Steps:          steps,
		})
	})
	return out.Result.(store.Workflow)
}

func TestTickAssignsReadyStepToMatchingAgent(t *testing.T) {
	st, backend := newTestStore(t)
	agent := registerWorker(t, st, "worker_one", "render", 50, 2)

	wf := startWorkflow(t, st, []store.StepSpec{{Name: "only", RequiredCapability: "render"}})

	coord := workflow.New(st)
	require.NoError(t, coord.Tick(context.Background(), wf.WorkflowID))

	steps, err := backend.ListStepsByWorkflow(context.Background(), wf.WorkflowID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.NotEmpty(t, steps[0].AssignedTaskID)

	task, ok, err := backend.GetTask(context.Background(), steps[0].AssignedTaskID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, agent.AgentID, task.Assignee)
}

func TestTickRespectsStepDependencies(t *testing.T) {
	st, backend := newTestStore(t)
	registerWorker(t, st, "worker_dep", "build", 50, 2)

	wf := startWorkflow(t, st, []store.StepSpec{
		{Name: "first", RequiredCapability: "build"},
		{Name: "second", RequiredCapability: "build", DependsOn: []string{"first"}},
	})

	coord := workflow.New(st)
	require.NoError(t, coord.Tick(context.Background(), wf.WorkflowID))

	steps, err := backend.ListStepsByWorkflow(context.Background(), wf.WorkflowID)
	require.NoError(t, err)
	var first, second store.WorkflowStep
	for _, s := range steps {
		if s.Name == "first" {
			first = s
		} else {
			second = s
		}
	}
	require.NotEmpty(t, first.AssignedTaskID)
	require.Empty(t, second.AssignedTaskID)
}

func TestCapabilityMatchingPrefersHigherProficiency(t *testing.T) {
	st, backend := newTestStore(t)
	weak := registerWorker(t, st, "worker_weak", "analyze", 20, 5)
	strong := registerWorker(t, st, "worker_strong", "analyze", 90, 5)
	_ = weak

	wf := startWorkflow(t, st, []store.StepSpec{{Name: "only", RequiredCapability: "analyze"}})

	coord := workflow.New(st)
	require.NoError(t, coord.Tick(context.Background(), wf.WorkflowID))

	steps, err := backend.ListStepsByWorkflow(context.Background(), wf.WorkflowID)
	require.NoError(t, err)
	task, ok, err := backend.GetTask(context.Background(), steps[0].AssignedTaskID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, strong.AgentID, task.Assignee)
}

func TestAdvanceCompletesWorkflowWhenAllStepsDone(t *testing.T) {
	st, backend := newTestStore(t)
	registerWorker(t, st, "worker_complete", "ship", 50, 2)

	wf := startWorkflow(t, st, []store.StepSpec{{Name: "only", RequiredCapability: "ship"}})

	coord := workflow.New(st)
	require.NoError(t, coord.Tick(context.Background(), wf.WorkflowID))

	steps, err := backend.ListStepsByWorkflow(context.Background(), wf.WorkflowID)
	require.NoError(t, err)
	taskID := steps[0].AssignedTaskID

	accepted := mustSubmit(t, st, func(ctx context.Context) (store.Outcome, error) {
		return reducers.UpdateTask(ctx, reducers.Deps{Backend: st.Backend}, reducers.UpdateTaskParams{
			TaskID: taskID, Status: store.TaskAccepted,
		})
	})
	require.NoError(t, coord.Advance(context.Background(), accepted.Result.(store.Task)))

	inProgress := mustSubmit(t, st, func(ctx context.Context) (store.Outcome, error) {
		return reducers.UpdateTask(ctx, reducers.Deps{Backend: st.Backend}, reducers.UpdateTaskParams{
			TaskID: taskID, Status: store.TaskInProgress,
		})
	})
	require.NoError(t, coord.Advance(context.Background(), inProgress.Result.(store.Task)))

	completed := mustSubmit(t, st, func(ctx context.Context) (store.Outcome, error) {
		return reducers.UpdateTask(ctx, reducers.Deps{Backend: st.Backend}, reducers.UpdateTaskParams{
			TaskID: taskID, Status: store.TaskCompleted,
		})
	})
	require.NoError(t, coord.Advance(context.Background(), completed.Result.(store.Task)))

	wfAfter, ok, err := backend.GetWorkflow(context.Background(), wf.WorkflowID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, store.WorkflowCompleted, wfAfter.Status)
}

func TestTickRetriesFailedStepAfterBackoffWindow(t *testing.T) {
	st, backend := newTestStore(t)
	registerWorker(t, st, "worker_retry", "retry_cap", 50, 2)

	wf := startWorkflow(t, st, []store.StepSpec{{Name: "only", RequiredCapability: "retry_cap"}})

	clockTime := time.Now().UTC()
	clock := func() time.Time { return clockTime }

	coord := workflow.New(st, workflow.WithClock(clock))
	require.NoError(t, coord.Tick(context.Background(), wf.WorkflowID))

	steps, err := backend.ListStepsByWorkflow(context.Background(), wf.WorkflowID)
	require.NoError(t, err)
	taskID := steps[0].AssignedTaskID

	failed := mustSubmit(t, st, func(ctx context.Context) (store.Outcome, error) {
		return reducers.UpdateTask(ctx, reducers.Deps{Backend: st.Backend, Now: clock}, reducers.UpdateTaskParams{
			TaskID: taskID, Status: store.TaskFailed,
		})
	})
	require.NoError(t, coord.Advance(context.Background(), failed.Result.(store.Task)))

	// Not yet past the backoff window: no retry.
	require.NoError(t, coord.Tick(context.Background(), wf.WorkflowID))
	task, ok, err := backend.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, store.TaskFailed, task.Status)

	// Advance the clock past the 30s backoff window.
	clockTime = clockTime.Add(31 * time.Second)
	require.NoError(t, coord.Tick(context.Background(), wf.WorkflowID))
	task, ok, err = backend.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, store.TaskPending, task.Status)
	require.Equal(t, 1, task.RetryCount)
}
