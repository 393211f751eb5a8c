package reducers_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agora-labs/marketplace-core/internal/agoraerr"
	"github.com/agora-labs/marketplace-core/internal/store"
	"github.com/agora-labs/marketplace-core/internal/store/inmem"
	"github.com/agora-labs/marketplace-core/internal/store/reducers"
)

func fixedDeps(backend store.Backend, at time.Time) reducers.Deps {
	return reducers.Deps{Backend: backend, Now: func() time.Time { return at }}
}

func TestRegisterAgentIsIdempotentOnName(t *testing.T) {
	backend := inmem.New()
	deps := fixedDeps(backend, time.Now().UTC())
	ctx := context.Background()

	out1, err := reducers.RegisterAgent(ctx, deps, reducers.RegisterAgentParams{
		AgentName: "alpha", ProjectDirectory: "/tmp/p", Role: "WORKER", Tier: store.TierBasic,
	})
	require.NoError(t, err)
	first := out1.Result.(store.Agent)

	out2, err := reducers.RegisterAgent(ctx, deps, reducers.RegisterAgentParams{
		AgentName: "alpha", ProjectDirectory: "/tmp/p", Role: "WORKER", Tier: store.TierBasic,
	})
	require.NoError(t, err)
	second := out2.Result.(store.Agent)

	require.Equal(t, first.AgentID, second.AgentID)
}

func TestRegisterAgentRejectsDifferentProjectDirectory(t *testing.T) {
	backend := inmem.New()
	deps := fixedDeps(backend, time.Now().UTC())
	ctx := context.Background()

	_, err := reducers.RegisterAgent(ctx, deps, reducers.RegisterAgentParams{
		AgentName: "alpha", ProjectDirectory: "/tmp/p", Role: "WORKER",
	})
	require.NoError(t, err)

	_, err = reducers.RegisterAgent(ctx, deps, reducers.RegisterAgentParams{
		AgentName: "alpha", ProjectDirectory: "/tmp/q", Role: "WORKER",
	})
	require.Error(t, err)
	require.True(t, agoraerr.Is(err, agoraerr.Conflict))
}

func TestAssignTaskRejectsWithoutCapability(t *testing.T) {
	backend := inmem.New()
	deps := fixedDeps(backend, time.Now().UTC())
	ctx := context.Background()

	_, err := reducers.AssignTask(ctx, deps, reducers.AssignTaskParams{
		Assignee: "agent_aaaaaaaaaaaaaaaa", TaskType: "docs",
	})
	require.Error(t, err)
	require.True(t, agoraerr.Is(err, agoraerr.NotFound))
}

func TestAssignTaskRespectsConcurrencyLimit(t *testing.T) {
	backend := inmem.New()
	deps := fixedDeps(backend, time.Now().UTC())
	ctx := context.Background()

	agentOut, err := reducers.RegisterAgent(ctx, deps, reducers.RegisterAgentParams{
		AgentName: "alpha", ProjectDirectory: "/tmp/p", Role: "WORKER",
		Capabilities: []store.CapabilitySpec{{Type: "docs", Proficiency: 80, MaxConcurrent: 1}},
	})
	require.NoError(t, err)
	agentID := agentOut.Result.(store.Agent).AgentID

	_, err = reducers.AssignTask(ctx, deps, reducers.AssignTaskParams{Assignee: agentID, TaskType: "docs"})
	require.NoError(t, err)

	_, err = reducers.AssignTask(ctx, deps, reducers.AssignTaskParams{Assignee: agentID, TaskType: "docs"})
	require.Error(t, err)
	require.True(t, agoraerr.Is(err, agoraerr.Conflict))
}

func TestAssignTaskIdempotentOnKey(t *testing.T) {
	backend := inmem.New()
	deps := fixedDeps(backend, time.Now().UTC())
	ctx := context.Background()

	agentOut, err := reducers.RegisterAgent(ctx, deps, reducers.RegisterAgentParams{
		AgentName: "alpha", ProjectDirectory: "/tmp/p", Role: "WORKER",
		Capabilities: []store.CapabilitySpec{{Type: "docs", Proficiency: 80, MaxConcurrent: 3}},
	})
	require.NoError(t, err)
	agentID := agentOut.Result.(store.Agent).AgentID

	out1, err := reducers.AssignTask(ctx, deps, reducers.AssignTaskParams{
		Assignee: agentID, TaskType: "docs", IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	out2, err := reducers.AssignTask(ctx, deps, reducers.AssignTaskParams{
		Assignee: agentID, TaskType: "docs", IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	require.Equal(t, out1.Result.(store.Task).TaskID, out2.Result.(store.Task).TaskID)
}

func TestUpdateTaskRejectsInvalidTransition(t *testing.T) {
	backend := inmem.New()
	deps := fixedDeps(backend, time.Now().UTC())
	ctx := context.Background()

	agentOut, err := reducers.RegisterAgent(ctx, deps, reducers.RegisterAgentParams{
		AgentName: "alpha", ProjectDirectory: "/tmp/p", Role: "WORKER",
		Capabilities: []store.CapabilitySpec{{Type: "docs", Proficiency: 80, MaxConcurrent: 3}},
	})
	require.NoError(t, err)
	agentID := agentOut.Result.(store.Agent).AgentID

	taskOut, err := reducers.AssignTask(ctx, deps, reducers.AssignTaskParams{Assignee: agentID, TaskType: "docs"})
	require.NoError(t, err)
	taskID := taskOut.Result.(store.Task).TaskID

	_, err = reducers.UpdateTask(ctx, deps, reducers.UpdateTaskParams{TaskID: taskID, Status: store.TaskCompleted})
	require.Error(t, err)
	require.True(t, agoraerr.Is(err, agoraerr.InvalidTransitionError))
}

func TestUpdateTaskProgressMustNotDecrease(t *testing.T) {
	backend := inmem.New()
	deps := fixedDeps(backend, time.Now().UTC())
	ctx := context.Background()

	agentOut, err := reducers.RegisterAgent(ctx, deps, reducers.RegisterAgentParams{
		AgentName: "alpha", ProjectDirectory: "/tmp/p", Role: "WORKER",
		Capabilities: []store.CapabilitySpec{{Type: "docs", Proficiency: 80, MaxConcurrent: 3}},
	})
	require.NoError(t, err)
	agentID := agentOut.Result.(store.Agent).AgentID
	taskOut, err := reducers.AssignTask(ctx, deps, reducers.AssignTaskParams{Assignee: agentID, TaskType: "docs"})
	require.NoError(t, err)
	taskID := taskOut.Result.(store.Task).TaskID

	_, err = reducers.UpdateTask(ctx, deps, reducers.UpdateTaskParams{TaskID: taskID, Status: store.TaskAccepted})
	require.NoError(t, err)
	_, err = reducers.UpdateTask(ctx, deps, reducers.UpdateTaskParams{TaskID: taskID, Status: store.TaskInProgress})
	require.NoError(t, err)

	progress := 50
	_, err = reducers.UpdateTask(ctx, deps, reducers.UpdateTaskParams{TaskID: taskID, Progress: &progress})
	require.NoError(t, err)

	regress := 10
	_, err = reducers.UpdateTask(ctx, deps, reducers.UpdateTaskParams{TaskID: taskID, Progress: &regress})
	require.Error(t, err)
	require.True(t, agoraerr.Is(err, agoraerr.InvalidTransitionError))
}

func TestStartWorkflowRejectsCyclicDependencies(t *testing.T) {
	backend := inmem.New()
	deps := fixedDeps(backend, time.Now().UTC())
	ctx := context.Background()

	_, err := reducers.StartWorkflow(ctx, deps, reducers.StartWorkflowParams{
		WorkflowName: "wf", InitiatorAgent: "agent_aaaaaaaaaaaaaaaa",
		Steps: []store.StepSpec{
			{Name: "a", DependsOn: []string{"b"}},
			{Name: "b", DependsOn: []string{"a"}},
		},
	})
	require.Error(t, err)
	require.True(t, agoraerr.Is(err, agoraerr.InvalidArgument))
}

func TestStartWorkflowIsIdempotentOnKey(t *testing.T) {
	backend := inmem.New()
	deps := fixedDeps(backend, time.Now().UTC())
	ctx := context.Background()

	out1, err := reducers.StartWorkflow(ctx, deps, reducers.StartWorkflowParams{
		WorkflowName: "wf", InitiatorAgent: "agent_aaaaaaaaaaaaaaaa",
		Steps:          []store.StepSpec{{Name: "a"}},
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	out2, err := reducers.StartWorkflow(ctx, deps, reducers.StartWorkflowParams{
		WorkflowName: "wf", InitiatorAgent: "agent_aaaaaaaaaaaaaaaa",
		Steps:          []store.StepSpec{{Name: "a"}},
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	require.Equal(t, out1.Result.(store.Workflow).WorkflowID, out2.Result.(store.Workflow).WorkflowID)
}

func TestSendMessageBroadcastExcludesSender(t *testing.T) {
	backend := inmem.New()
	deps := fixedDeps(backend, time.Now().UTC())
	ctx := context.Background()

	a1, err := reducers.RegisterAgent(ctx, deps, reducers.RegisterAgentParams{AgentName: "a1", ProjectDirectory: "/tmp/a", Role: "WORKER"})
	require.NoError(t, err)
	a2, err := reducers.RegisterAgent(ctx, deps, reducers.RegisterAgentParams{AgentName: "a2", ProjectDirectory: "/tmp/b", Role: "WORKER"})
	require.NoError(t, err)
	sender := a1.Result.(store.Agent).AgentID
	_ = a2.Result.(store.Agent).AgentID

	out, err := reducers.SendMessage(ctx, deps, reducers.SendMessageParams{
		From: sender, To: store.BroadcastTarget, MessageType: "ping",
	})
	require.NoError(t, err)
	require.Len(t, out.Events, 1)
	require.NotEqual(t, sender, out.Events[0].TargetAgent)
}

func TestUserOverrideRequiresUserAuthorityLevel(t *testing.T) {
	backend := inmem.New()
	deps := fixedDeps(backend, time.Now().UTC())
	ctx := context.Background()

	_, err := reducers.UserOverride(ctx, deps, reducers.UserOverrideParams{
		Actor: "user_aaaaaaaaaaaaaaaa", AuthorityLevel: 250, Action: "emergency_halt",
	})
	require.Error(t, err)
	require.True(t, agoraerr.Is(err, agoraerr.PermissionDenied))
}

func TestUserOverrideHaltsRunningWorkflows(t *testing.T) {
	backend := inmem.New()
	deps := fixedDeps(backend, time.Now().UTC())
	ctx := context.Background()

	wfOut, err := reducers.StartWorkflow(ctx, deps, reducers.StartWorkflowParams{
		WorkflowName: "wf", InitiatorAgent: "agent_aaaaaaaaaaaaaaaa",
		Steps: []store.StepSpec{{Name: "a"}},
	})
	require.NoError(t, err)
	workflowID := wfOut.Result.(store.Workflow).WorkflowID

	_, err = reducers.UserOverride(ctx, deps, reducers.UserOverrideParams{
		Actor: "user_aaaaaaaaaaaaaaaa", AuthorityLevel: 255, Action: "emergency_halt", Reason: "incident",
	})
	require.NoError(t, err)

	wf, ok, err := backend.GetWorkflow(ctx, workflowID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, store.WorkflowHalted, wf.Status)
}
