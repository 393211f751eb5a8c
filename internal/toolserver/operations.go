package toolserver

import (
	"context"

	"github.com/agora-labs/marketplace-core/internal/agoraerr"
	"github.com/agora-labs/marketplace-core/internal/authority"
	"github.com/agora-labs/marketplace-core/internal/store"
	"github.com/agora-labs/marketplace-core/internal/store/reducers"
)

// SendMessageResult is the structured success value of agora.messaging.send.
type SendMessageResult struct {
	MessageID string
}

// SendMessage implements agora.messaging.send.
func (s *Server) SendMessage(ctx context.Context, caller Caller, req SendMessageRequest) (SendMessageResult, error) {
	const op = "agora.messaging.send"
	rc, err := s.verify(ctx, caller)
	if err != nil {
		return SendMessageResult{}, err
	}
	result, err := s.dispatch(ctx, rc, op, req.ToAgent, authority.OpSendMessage, func() (store.Outcome, error) {
		if err := s.validate.Struct(req); err != nil {
			return store.Outcome{}, agoraerr.Wrap(agoraerr.InvalidArgument, err, "invalid send_message request")
		}
		if err := s.validatePayload(req.MessageType, req.Payload); err != nil {
			return store.Outcome{}, err
		}
		return s.store.Submit(ctx, func(ctx context.Context) (store.Outcome, error) {
			return reducers.SendMessage(ctx, s.deps(), reducers.SendMessageParams{
				From: rc.AgentID, To: req.ToAgent, MessageType: req.MessageType,
				Payload: req.Payload, Priority: req.Priority, ThreadID: req.ThreadID,
			})
		})
	})
	if err != nil {
		return SendMessageResult{}, err
	}
	msg := result.Result.(store.Message)
	return SendMessageResult{MessageID: msg.MessageID}, nil
}

// AssignTaskResult is the structured success value of agora.task.assign.
type AssignTaskResult struct {
	TaskID string
	Status string
}

// AssignTask implements agora.task.assign.
func (s *Server) AssignTask(ctx context.Context, caller Caller, req AssignTaskRequest) (AssignTaskResult, error) {
	const op = "agora.task.assign"
	rc, err := s.verify(ctx, caller)
	if err != nil {
		return AssignTaskResult{}, err
	}
	permOp := authority.OpAssignTaskSelf
	if req.Assignee != rc.AgentID {
		permOp = authority.OpAssignTaskOther
	}
	result, err := s.dispatch(ctx, rc, op, req.Assignee, permOp, func() (store.Outcome, error) {
		if err := s.validate.Struct(req); err != nil {
			return store.Outcome{}, agoraerr.Wrap(agoraerr.InvalidArgument, err, "invalid task.assign request")
		}
		if err := s.validatePayload(req.TaskType, req.Payload); err != nil {
			return store.Outcome{}, err
		}
		return s.store.Submit(ctx, func(ctx context.Context) (store.Outcome, error) {
			return reducers.AssignTask(ctx, s.deps(), reducers.AssignTaskParams{
				WorkflowID: req.WorkflowID, Assignee: req.Assignee, TaskType: req.TaskType,
				Payload: req.Payload, Priority: req.Priority, Deadline: req.Deadline,
				IdempotencyKey: req.IdempotencyKey,
			})
		})
	})
	if err != nil {
		return AssignTaskResult{}, err
	}
	task := result.Result.(store.Task)
	return AssignTaskResult{TaskID: task.TaskID, Status: string(task.Status)}, nil
}

// UpdateTaskResult is the structured success value of agora.task.update.
type UpdateTaskResult struct {
	TaskID   string
	Status   string
	Progress int
}

// UpdateTask implements agora.task.update.
func (s *Server) UpdateTask(ctx context.Context, caller Caller, req UpdateTaskRequest) (UpdateTaskResult, error) {
	const op = "agora.task.update"
	rc, err := s.verify(ctx, caller)
	if err != nil {
		return UpdateTaskResult{}, err
	}
	result, err := s.dispatch(ctx, rc, op, req.TaskID, authority.OpUpdateTask, func() (store.Outcome, error) {
		if err := s.validate.Struct(req); err != nil {
			return store.Outcome{}, agoraerr.Wrap(agoraerr.InvalidArgument, err, "invalid task.update request")
		}
		return s.store.Submit(ctx, func(ctx context.Context) (store.Outcome, error) {
			return reducers.UpdateTask(ctx, s.deps(), reducers.UpdateTaskParams{
				TaskID: req.TaskID, Status: store.TaskStatus(req.Status), Progress: req.Progress, Result: req.Result,
			})
		})
	})
	if err != nil {
		return UpdateTaskResult{}, err
	}
	task := result.Result.(store.Task)
	if s.onTaskUpdated != nil {
		s.onTaskUpdated(ctx, task)
	}
	return UpdateTaskResult{TaskID: task.TaskID, Status: string(task.Status), Progress: task.Progress}, nil
}

// RegisterAgentResult is the structured success value of agora.agent.register.
type RegisterAgentResult struct {
	AgentID   string
	AgentName string
}

// RegisterAgent implements agora.agent.register. Unlike the other six
// operations, the caller may not yet have a registered agent record; the
// permission check for OpRegisterAgent runs against RoleObserver (the
// lattice floor) so a brand-new agent can always complete its first
// registration.
func (s *Server) RegisterAgent(ctx context.Context, caller Caller, req RegisterAgentRequest) (RegisterAgentResult, error) {
	const op = "agora.agent.register"
	rc, err := s.verify(ctx, caller)
	if err != nil {
		return RegisterAgentResult{}, err
	}
	if rc.Role == "" {
		rc.Role = authority.RoleObserver
	}
	lock := rc.Lock
	result, err := s.dispatch(ctx, rc, op, lock.AgentName, authority.OpRegisterAgent, func() (store.Outcome, error) {
		if err := s.validate.Struct(req); err != nil {
			return store.Outcome{}, agoraerr.Wrap(agoraerr.InvalidArgument, err, "invalid agent.register request")
		}
		caps := make([]store.CapabilitySpec, len(req.Capabilities))
		for i, c := range req.Capabilities {
			caps[i] = store.CapabilitySpec{Type: c.Type, Proficiency: c.Proficiency, MaxConcurrent: c.MaxConcurrent}
		}
		return s.store.Submit(ctx, func(ctx context.Context) (store.Outcome, error) {
			return reducers.RegisterAgent(ctx, s.deps(), reducers.RegisterAgentParams{
				AgentName: lock.AgentName, ProjectDirectory: lock.ProjectDirectory,
				Role: req.AgentType, Capabilities: caps,
			})
		})
	})
	if err != nil {
		return RegisterAgentResult{}, err
	}
	agent := result.Result.(store.Agent)
	return RegisterAgentResult{AgentID: agent.AgentID, AgentName: agent.AgentName}, nil
}

// StartWorkflowResult is the structured success value of agora.workflow.start.
type StartWorkflowResult struct {
	WorkflowID string
	StepCount  int
}

// StartWorkflow implements agora.workflow.start.
func (s *Server) StartWorkflow(ctx context.Context, caller Caller, req StartWorkflowRequest) (StartWorkflowResult, error) {
	const op = "agora.workflow.start"
	rc, err := s.verify(ctx, caller)
	if err != nil {
		return StartWorkflowResult{}, err
	}
	result, err := s.dispatch(ctx, rc, op, req.WorkflowName, authority.OpStartWorkflow, func() (store.Outcome, error) {
		if err := s.validate.Struct(req); err != nil {
			return store.Outcome{}, agoraerr.Wrap(agoraerr.InvalidArgument, err, "invalid workflow.start request")
		}
		steps := make([]store.StepSpec, len(req.Steps))
		for i, st := range req.Steps {
			steps[i] = store.StepSpec{Name: st.Name, RequiredCapability: st.RequiredCapability, DependsOn: st.DependsOn}
		}
		return s.store.Submit(ctx, func(ctx context.Context) (store.Outcome, error) {
			return reducers.StartWorkflow(ctx, s.deps(), reducers.StartWorkflowParams{
				WorkflowName: req.WorkflowName, InitiatorAgent: rc.AgentID, Steps: steps,
				Metadata: req.Metadata, IdempotencyKey: req.IdempotencyKey,
			})
		})
	})
	if err != nil {
		return StartWorkflowResult{}, err
	}
	wf := result.Result.(store.Workflow)
	return StartWorkflowResult{WorkflowID: wf.WorkflowID, StepCount: len(wf.StepIDs)}, nil
}

// dispatch is the common contract every operation follows: resolve the
// permission check, run body (which performs request validation and
// submits to the Store), and audit the outcome regardless of success.
func (s *Server) dispatch(ctx context.Context, rc resolvedCaller, operation, subject string, permOp authority.Operation, body func() (store.Outcome, error)) (store.Outcome, error) {
	if err := s.checkPermission(ctx, rc, permOp, subject); err != nil {
		s.auditCall(ctx, rc, operation, subject, err)
		return store.Outcome{}, err
	}
	outcome, err := body()
	s.auditCall(ctx, rc, operation, subject, err)
	return outcome, err
}

func (s *Server) deps() reducers.Deps {
	return reducers.Deps{Backend: s.store.Backend, Now: s.now}
}
