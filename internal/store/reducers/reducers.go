// Package reducers implements the C3 Coordination Store reducers from
// spec.md §4.3. Each reducer reads and writes its entities through the
// Backend itself and returns its result and the events to emit; the single
// writer in internal/store runs one reducer at a time, assigns the commit
// sequence, and publishes the events. The writes are not transactional: a
// reducer that fails part-way leaves the writes it already made in place.
package reducers

import (
	"context"
	"sort"
	"time"

	"github.com/agora-labs/marketplace-core/internal/agoraerr"
	"github.com/agora-labs/marketplace-core/internal/authority"
	"github.com/agora-labs/marketplace-core/internal/id"
	"github.com/agora-labs/marketplace-core/internal/store"
)

// Deps are what a reducer needs: the Backend and a clock. The clock is
// injectable so tests can fix timestamps; identifiers come from package id
// directly and are not injected.
type Deps struct {
	Backend store.Backend
	Now     func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

// Outcome is an alias for store.Outcome: what a reducer produces, the
// entities to persist already applied to the Backend and the events to
// hand to the Event Fabric. The caller (internal/store) stamps CommitSeq on
// every event before publishing.
type Outcome = store.Outcome

// RegisterAgentParams is the input to RegisterAgent.
type RegisterAgentParams struct {
	AgentName        string
	ProjectDirectory string
	Role             string
	Tier             store.ServiceTier
	Capabilities     []store.CapabilitySpec
}

// RegisterAgent inserts or reactivates an Agent, idempotent on AgentName,
// folding in capability sub-registration.
func RegisterAgent(ctx context.Context, d Deps, p RegisterAgentParams) (Outcome, error) {
	if p.AgentName == "" {
		return Outcome{}, agoraerr.New(agoraerr.InvalidArgument, "agent_name is required")
	}
	now := d.now()

	existing, ok, err := d.Backend.GetAgentByName(ctx, p.AgentName)
	if err != nil {
		return Outcome{}, agoraerr.Wrap(agoraerr.Internal, err, "lookup agent by name")
	}

	var agent store.Agent
	if ok {
		if existing.ProjectDirectory != p.ProjectDirectory {
			return Outcome{}, agoraerr.Newf(agoraerr.Conflict,
				"agent_name %s is already locked to a different project directory", p.AgentName)
		}
		agent = existing
		agent.Role = p.Role
		agent.ServiceTier = p.Tier
		agent.Status = store.AgentActive
		agent.LastSeenAt = now
	} else {
		agentID, err := id.New(id.PrefixAgent)
		if err != nil {
			return Outcome{}, agoraerr.Wrap(agoraerr.IdGenerationError, err, "generate agent id")
		}
		agent = store.Agent{
			AgentID:          agentID,
			AgentName:        p.AgentName,
			ProjectDirectory: p.ProjectDirectory,
			Role:             p.Role,
			Status:           store.AgentActive,
			RegisteredAt:     now,
			LastSeenAt:       now,
			ServiceTier:      p.Tier,
		}
	}
	if err := d.Backend.PutAgent(ctx, agent); err != nil {
		return Outcome{}, agoraerr.Wrap(agoraerr.Internal, err, "persist agent")
	}

	for _, capSpec := range p.Capabilities {
		if _, err := registerCapability(ctx, d, agent.AgentID, capSpec); err != nil {
			return Outcome{}, err
		}
	}

	ev := store.Event{
		EventType:   "agent_registered",
		SourceAgent: agent.AgentID,
		TargetAgent: agent.AgentID,
		CreatedAt:   now,
		Priority:    3,
		Payload: map[string]any{
			"agent_id":   agent.AgentID,
			"agent_name": agent.AgentName,
			"role":       agent.Role,
		},
	}
	return Outcome{Result: agent, Events: []store.Event{ev}}, nil
}

// RegisterCapabilityParams is the input to RegisterCapability.
type RegisterCapabilityParams struct {
	AgentID        string
	CapabilityType string
	Proficiency    int
	MaxConcurrent  int
}

// RegisterCapability upserts a Capability on (agent_id, capability_type).
func RegisterCapability(ctx context.Context, d Deps, p RegisterCapabilityParams) (Outcome, error) {
	cap, err := registerCapability(ctx, d, p.AgentID, store.CapabilitySpec{
		Type: p.CapabilityType, Proficiency: p.Proficiency, MaxConcurrent: p.MaxConcurrent,
	})
	if err != nil {
		return Outcome{}, err
	}
	ev := store.Event{
		EventType:   "capability_updated",
		SourceAgent: p.AgentID,
		TargetAgent: p.AgentID,
		CreatedAt:   d.now(),
		Priority:    2,
		Payload: map[string]any{
			"agent_id":        p.AgentID,
			"capability_type": p.CapabilityType,
		},
	}
	return Outcome{Result: cap, Events: []store.Event{ev}}, nil
}

func registerCapability(ctx context.Context, d Deps, agentID string, spec store.CapabilitySpec) (store.Capability, error) {
	if spec.Type == "" {
		return store.Capability{}, agoraerr.New(agoraerr.InvalidArgument, "capability_type is required")
	}
	if spec.Proficiency < 1 || spec.Proficiency > 100 {
		return store.Capability{}, agoraerr.New(agoraerr.InvalidArgument, "proficiency_level must be in 1..100")
	}
	if spec.MaxConcurrent < 1 {
		return store.Capability{}, agoraerr.New(agoraerr.InvalidArgument, "max_concurrent_tasks must be positive")
	}
	existing, ok, err := d.Backend.GetCapability(ctx, agentID, spec.Type)
	if err != nil {
		return store.Capability{}, agoraerr.Wrap(agoraerr.Internal, err, "lookup capability")
	}
	cap := existing
	if !ok {
		capID, err := id.New(id.PrefixCapability)
		if err != nil {
			return store.Capability{}, agoraerr.Wrap(agoraerr.IdGenerationError, err, "generate capability id")
		}
		cap.CapabilityID = capID
		cap.AgentID = agentID
	}
	cap.CapabilityType = spec.Type
	cap.ProficiencyLevel = spec.Proficiency
	cap.MaxConcurrentTasks = spec.MaxConcurrent
	cap.Active = true
	if err := d.Backend.PutCapability(ctx, cap); err != nil {
		return store.Capability{}, agoraerr.Wrap(agoraerr.Internal, err, "persist capability")
	}
	return cap, nil
}

// SendMessageParams is the input to SendMessage.
type SendMessageParams struct {
	From        string
	To          string
	MessageType string
	Payload     map[string]any
	Priority    int
	ThreadID    string
}

// SendMessage inserts a Message and, for a broadcast, expands one fabric
// delivery per active non-sender agent.
func SendMessage(ctx context.Context, d Deps, p SendMessageParams) (Outcome, error) {
	if p.To == "" {
		return Outcome{}, agoraerr.New(agoraerr.InvalidArgument, "to_agent is required")
	}
	priority := p.Priority
	if priority == 0 {
		priority = 3
	}
	if priority < 1 || priority > 5 {
		return Outcome{}, agoraerr.New(agoraerr.InvalidArgument, "priority must be in 1..5")
	}
	msgID, err := id.New(id.PrefixMessage)
	if err != nil {
		return Outcome{}, agoraerr.Wrap(agoraerr.IdGenerationError, err, "generate message id")
	}
	now := d.now()
	msg := store.Message{
		MessageID:   msgID,
		FromAgent:   p.From,
		ToAgent:     p.To,
		MessageType: p.MessageType,
		Payload:     p.Payload,
		Priority:    priority,
		ThreadID:    p.ThreadID,
		CreatedAt:   now,
	}
	if err := d.Backend.PutMessage(ctx, msg); err != nil {
		return Outcome{}, agoraerr.Wrap(agoraerr.Internal, err, "persist message")
	}

	payload := map[string]any{
		"message_id":   msg.MessageID,
		"message_type": msg.MessageType,
		"from_agent":   msg.FromAgent,
		"payload":      msg.Payload,
		"thread_id":    msg.ThreadID,
	}

	var events []store.Event
	if p.To == store.BroadcastTarget {
		agents, err := d.Backend.ListActiveAgents(ctx)
		if err != nil {
			return Outcome{}, agoraerr.Wrap(agoraerr.Internal, err, "list active agents")
		}
		for _, a := range agents {
			if a.AgentID == p.From {
				continue
			}
			events = append(events, store.Event{
				EventType:   "message_sent",
				SourceAgent: p.From,
				TargetAgent: a.AgentID,
				CreatedAt:   now,
				Priority:    priority,
				Payload:     payload,
			})
		}
	} else {
		events = append(events, store.Event{
			EventType:   "message_sent",
			SourceAgent: p.From,
			TargetAgent: p.To,
			CreatedAt:   now,
			Priority:    priority,
			Payload:     payload,
		})
	}
	return Outcome{Result: msg, Events: events}, nil
}

// AssignTaskParams is the input to AssignTask.
type AssignTaskParams struct {
	WorkflowID     string
	Assignee       string
	TaskType       string
	Payload        map[string]any
	Priority       int
	Deadline       *time.Time
	IdempotencyKey string
}

// AssignTask inserts a Task in pending, validating the assignee has an
// active matching capability with an available concurrency slot. Idempotent
// on IdempotencyKey.
func AssignTask(ctx context.Context, d Deps, p AssignTaskParams) (Outcome, error) {
	task, cached, err := assignTask(ctx, d, p)
	if err != nil {
		return Outcome{}, err
	}
	if cached {
		return Outcome{Result: task}, nil
	}
	ev := store.Event{
		EventType:   "task_assigned",
		SourceAgent: p.Assignee,
		TargetAgent: p.Assignee,
		CreatedAt:   task.CreatedAt,
		Priority:    task.Priority,
		Payload: map[string]any{
			"task_id":     task.TaskID,
			"task_type":   task.TaskType,
			"workflow_id": task.WorkflowID,
		},
	}
	return Outcome{Result: task, Events: []store.Event{ev}}, nil
}

// assignTask is the shared validation-and-insertion body for AssignTask and
// AssignWorkflowStep: it resolves idempotency, checks capability/concurrency,
// and persists the new Task. cached reports whether an existing task was
// returned for a repeated idempotency key (callers must then skip emitting a
// fresh task_assigned event).
func assignTask(ctx context.Context, d Deps, p AssignTaskParams) (store.Task, bool, error) {
	if p.IdempotencyKey != "" {
		if existingID, ok, err := d.Backend.GetIdempotent(ctx, "assign_task", p.IdempotencyKey); err != nil {
			return store.Task{}, false, agoraerr.Wrap(agoraerr.Internal, err, "lookup idempotency key")
		} else if ok {
			task, ok, err := d.Backend.GetTask(ctx, existingID)
			if err != nil {
				return store.Task{}, false, agoraerr.Wrap(agoraerr.Internal, err, "reload idempotent task")
			}
			if ok {
				return task, true, nil
			}
		}
	}
	if p.Assignee == "" || p.TaskType == "" {
		return store.Task{}, false, agoraerr.New(agoraerr.InvalidArgument, "assignee and task_type are required")
	}

	cap, ok, err := d.Backend.GetCapability(ctx, p.Assignee, p.TaskType)
	if err != nil {
		return store.Task{}, false, agoraerr.Wrap(agoraerr.Internal, err, "lookup capability")
	}
	if !ok || !cap.Active {
		return store.Task{}, false, agoraerr.Newf(agoraerr.NotFound,
			"assignee %s has no active capability %s", p.Assignee, p.TaskType)
	}
	inFlight, err := d.Backend.CountInFlightTasks(ctx, p.Assignee, p.TaskType)
	if err != nil {
		return store.Task{}, false, agoraerr.Wrap(agoraerr.Internal, err, "count in-flight tasks")
	}
	if inFlight >= cap.MaxConcurrentTasks {
		return store.Task{}, false, agoraerr.Newf(agoraerr.Conflict,
			"assignee %s has no available concurrency slots for %s", p.Assignee, p.TaskType)
	}

	taskID, err := id.New(id.PrefixTask)
	if err != nil {
		return store.Task{}, false, agoraerr.Wrap(agoraerr.IdGenerationError, err, "generate task id")
	}
	now := d.now()
	priority := p.Priority
	if priority == 0 {
		priority = 3
	}
	task := store.Task{
		TaskID:         taskID,
		WorkflowID:     p.WorkflowID,
		Assignee:       p.Assignee,
		TaskType:       p.TaskType,
		Payload:        p.Payload,
		Priority:       priority,
		Deadline:       p.Deadline,
		Status:         store.TaskPending,
		Progress:       0,
		CreatedAt:      now,
		UpdatedAt:      now,
		IdempotencyKey: p.IdempotencyKey,
	}
	if err := d.Backend.PutTask(ctx, task); err != nil {
		return store.Task{}, false, agoraerr.Wrap(agoraerr.Internal, err, "persist task")
	}
	if p.IdempotencyKey != "" {
		if err := d.Backend.PutIdempotent(ctx, "assign_task", p.IdempotencyKey, taskID); err != nil {
			return store.Task{}, false, agoraerr.Wrap(agoraerr.Internal, err, "persist idempotency key")
		}
	}
	return task, false, nil
}

// taskTransitions is the fixed state machine from spec.md §4.7.
var taskTransitions = map[store.TaskStatus][]store.TaskStatus{
	store.TaskPending:    {store.TaskAccepted, store.TaskCancelled, store.TaskFailed},
	store.TaskAccepted:   {store.TaskInProgress, store.TaskCancelled, store.TaskFailed},
	store.TaskInProgress: {store.TaskCompleted, store.TaskCancelled, store.TaskFailed},
	store.TaskFailed:     {store.TaskPending}, // retry only, caller enforces the retry budget
}

// UpdateTaskParams is the input to UpdateTask.
type UpdateTaskParams struct {
	TaskID   string
	Status   store.TaskStatus
	Progress *int
	Result   map[string]any
}

// UpdateTask applies a state-machine transition, rejecting invalid ones.
func UpdateTask(ctx context.Context, d Deps, p UpdateTaskParams) (Outcome, error) {
	task, ok, err := d.Backend.GetTask(ctx, p.TaskID)
	if err != nil {
		return Outcome{}, agoraerr.Wrap(agoraerr.Internal, err, "lookup task")
	}
	if !ok {
		return Outcome{}, agoraerr.Newf(agoraerr.NotFound, "task %s not found", p.TaskID)
	}

	if p.Status != "" && p.Status != task.Status {
		if !isAllowedTransition(task.Status, p.Status) {
			return Outcome{}, agoraerr.Newf(agoraerr.InvalidTransitionError,
				"task %s cannot transition from %s to %s", p.TaskID, task.Status, p.Status)
		}
		if p.Status == store.TaskPending && task.Status == store.TaskFailed {
			task.RetryCount++
			if task.RetryCount > 3 {
				return Outcome{}, agoraerr.Newf(agoraerr.InvalidTransitionError,
					"task %s has exhausted its retry budget", p.TaskID)
			}
			task.Progress = 0
		}
		task.Status = p.Status
	}
	if p.Progress != nil {
		if *p.Progress < task.Progress && task.Status != store.TaskPending {
			return Outcome{}, agoraerr.Newf(agoraerr.InvalidTransitionError,
				"task %s progress must be non-decreasing within a run", p.TaskID)
		}
		task.Progress = *p.Progress
	}
	if p.Result != nil {
		task.Result = p.Result
	}
	task.UpdatedAt = d.now()
	if err := d.Backend.PutTask(ctx, task); err != nil {
		return Outcome{}, agoraerr.Wrap(agoraerr.Internal, err, "persist task")
	}

	ev := store.Event{
		EventType:   "task_updated",
		SourceAgent: task.Assignee,
		TargetAgent: task.Assignee,
		CreatedAt:   task.UpdatedAt,
		Priority:    task.Priority,
		Payload: map[string]any{
			"task_id":  task.TaskID,
			"status":   string(task.Status),
			"progress": task.Progress,
		},
	}
	return Outcome{Result: task, Events: []store.Event{ev}}, nil
}

func isAllowedTransition(from, to store.TaskStatus) bool {
	if to == store.TaskCancelled {
		return from != store.TaskCompleted && from != store.TaskCancelled
	}
	for _, allowed := range taskTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// StartWorkflowParams is the input to StartWorkflow.
type StartWorkflowParams struct {
	WorkflowName   string
	InitiatorAgent string
	Steps          []store.StepSpec
	Metadata       map[string]any
	IdempotencyKey string
}

// StartWorkflow inserts a Workflow and all Steps in pending, validating the
// dependency DAG has no cycles. Idempotent on IdempotencyKey.
func StartWorkflow(ctx context.Context, d Deps, p StartWorkflowParams) (Outcome, error) {
	if p.IdempotencyKey != "" {
		if existingID, ok, err := d.Backend.GetIdempotent(ctx, "start_workflow", p.IdempotencyKey); err != nil {
			return Outcome{}, agoraerr.Wrap(agoraerr.Internal, err, "lookup idempotency key")
		} else if ok {
			wf, ok, err := d.Backend.GetWorkflow(ctx, existingID)
			if err != nil {
				return Outcome{}, agoraerr.Wrap(agoraerr.Internal, err, "reload idempotent workflow")
			}
			if ok {
				return Outcome{Result: wf}, nil
			}
		}
	}
	if p.WorkflowName == "" || len(p.Steps) == 0 {
		return Outcome{}, agoraerr.New(agoraerr.InvalidArgument, "workflow_name and at least one step are required")
	}

	names := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.Name == "" {
			return Outcome{}, agoraerr.New(agoraerr.InvalidArgument, "every step requires a name")
		}
		names[s.Name] = true
	}
	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if !names[dep] {
				return Outcome{}, agoraerr.Newf(agoraerr.InvalidArgument,
					"step %s depends_on unknown step %s", s.Name, dep)
			}
		}
	}
	if err := checkAcyclic(p.Steps); err != nil {
		return Outcome{}, err
	}

	workflowID, err := id.New(id.PrefixWorkflow)
	if err != nil {
		return Outcome{}, agoraerr.Wrap(agoraerr.IdGenerationError, err, "generate workflow id")
	}
	now := d.now()

	nameToID := make(map[string]string, len(p.Steps))
	for _, s := range p.Steps {
		stepID, err := id.New(id.PrefixStep)
		if err != nil {
			return Outcome{}, agoraerr.Wrap(agoraerr.IdGenerationError, err, "generate step id")
		}
		nameToID[s.Name] = stepID
	}

	stepIDs := make([]string, 0, len(p.Steps))
	for ordinal, s := range p.Steps {
		dependsOn := make([]string, 0, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			dependsOn = append(dependsOn, nameToID[dep])
		}
		step := store.WorkflowStep{
			StepID:             nameToID[s.Name],
			WorkflowID:         workflowID,
			Ordinal:            ordinal,
			Name:               s.Name,
			RequiredCapability: s.RequiredCapability,
			Status:             store.TaskPending,
			DependsOn:          dependsOn,
		}
		if err := d.Backend.PutStep(ctx, step); err != nil {
			return Outcome{}, agoraerr.Wrap(agoraerr.Internal, err, "persist step")
		}
		stepIDs = append(stepIDs, step.StepID)
	}

	wf := store.Workflow{
		WorkflowID:     workflowID,
		WorkflowName:   p.WorkflowName,
		InitiatorAgent: p.InitiatorAgent,
		Status:         store.WorkflowRunning,
		StepIDs:        stepIDs,
		Metadata:       p.Metadata,
		CreatedAt:      now,
		IdempotencyKey: p.IdempotencyKey,
	}
	if err := d.Backend.PutWorkflow(ctx, wf); err != nil {
		return Outcome{}, agoraerr.Wrap(agoraerr.Internal, err, "persist workflow")
	}
	if p.IdempotencyKey != "" {
		if err := d.Backend.PutIdempotent(ctx, "start_workflow", p.IdempotencyKey, workflowID); err != nil {
			return Outcome{}, agoraerr.Wrap(agoraerr.Internal, err, "persist idempotency key")
		}
	}

	ev := store.Event{
		EventType:   "workflow_started",
		SourceAgent: p.InitiatorAgent,
		TargetAgent: p.InitiatorAgent,
		CreatedAt:   now,
		Priority:    3,
		Payload: map[string]any{
			"workflow_id":   wf.WorkflowID,
			"workflow_name": wf.WorkflowName,
			"step_count":    len(stepIDs),
		},
	}
	return Outcome{Result: wf, Events: []store.Event{ev}}, nil
}

// checkAcyclic runs a topological sort over the step dependency graph and
// rejects any configuration containing a cycle.
func checkAcyclic(steps []store.StepSpec) error {
	indegree := make(map[string]int, len(steps))
	adj := make(map[string][]string, len(steps))
	for _, s := range steps {
		if _, ok := indegree[s.Name]; !ok {
			indegree[s.Name] = 0
		}
		for _, dep := range s.DependsOn {
			adj[dep] = append(adj[dep], s.Name)
			indegree[s.Name]++
		}
	}
	var queue []string
	for name, deg := range indegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)
	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adj[n] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(indegree) {
		return agoraerr.New(agoraerr.InvalidArgument, "workflow step dependency graph contains a cycle")
	}
	return nil
}

// UserOverrideParams is the input to UserOverride.
type UserOverrideParams struct {
	Actor          string
	AuthorityLevel int
	Subject        string
	Action         string
	Reason         string
}

// UserOverride is accepted only when AuthorityLevel == USER (255). It acts on
// two actions: emergency_halt moves every running or pending workflow to
// halted and pauses every non-offline agent, and resume returns every paused
// agent to active. Any other action changes no entity and only emits the
// user_override event.
func UserOverride(ctx context.Context, d Deps, p UserOverrideParams) (Outcome, error) {
	if p.AuthorityLevel != int(authority.LevelUser) {
		return Outcome{}, agoraerr.New(agoraerr.PermissionDenied, "user_override requires exactly USER authority")
	}
	now := d.now()
	var events []store.Event

	switch p.Action {
	case "emergency_halt":
		workflows, err := d.Backend.ListRunningWorkflows(ctx)
		if err != nil {
			return Outcome{}, agoraerr.Wrap(agoraerr.Internal, err, "list running workflows")
		}
		for _, wf := range workflows {
			wf.Status = store.WorkflowHalted
			if err := d.Backend.PutWorkflow(ctx, wf); err != nil {
				return Outcome{}, agoraerr.Wrap(agoraerr.Internal, err, "persist halted workflow")
			}
			events = append(events, store.Event{
				EventType: "workflow_halted", SourceAgent: p.Actor, TargetAgent: wf.InitiatorAgent,
				CreatedAt: now, Priority: 5,
				Payload: map[string]any{"workflow_id": wf.WorkflowID, "reason": p.Reason},
			})
		}
		agents, err := d.Backend.ListAgents(ctx)
		if err != nil {
			return Outcome{}, agoraerr.Wrap(agoraerr.Internal, err, "list agents")
		}
		for _, a := range agents {
			if a.Status == store.AgentOffline {
				continue
			}
			a.Status = store.AgentPaused
			if err := d.Backend.PutAgent(ctx, a); err != nil {
				return Outcome{}, agoraerr.Wrap(agoraerr.Internal, err, "pause agent")
			}
		}
	case "resume":
		agents, err := d.Backend.ListAgents(ctx)
		if err != nil {
			return Outcome{}, agoraerr.Wrap(agoraerr.Internal, err, "list agents")
		}
		for _, a := range agents {
			if a.Status != store.AgentPaused {
				continue
			}
			a.Status = store.AgentActive
			if err := d.Backend.PutAgent(ctx, a); err != nil {
				return Outcome{}, agoraerr.Wrap(agoraerr.Internal, err, "resume agent")
			}
		}
	}

	ev := store.Event{
		EventType: "user_override", SourceAgent: p.Actor, TargetAgent: store.BroadcastTarget,
		CreatedAt: now, Priority: 5,
		Payload: map[string]any{"subject": p.Subject, "action": p.Action, "reason": p.Reason},
	}
	events = append(events, ev)
	return Outcome{Result: p.Action, Events: events}, nil
}

// HeartbeatParams is the input to Heartbeat.
type HeartbeatParams struct {
	AgentID string
}

// Heartbeat refreshes last_seen_at and has no other effect.
func Heartbeat(ctx context.Context, d Deps, p HeartbeatParams) (Outcome, error) {
	agent, ok, err := d.Backend.GetAgent(ctx, p.AgentID)
	if err != nil {
		return Outcome{}, agoraerr.Wrap(agoraerr.Internal, err, "lookup agent")
	}
	if !ok {
		return Outcome{}, agoraerr.Newf(agoraerr.NotFound, "agent %s not found", p.AgentID)
	}
	agent.LastSeenAt = d.now()
	if err := d.Backend.PutAgent(ctx, agent); err != nil {
		return Outcome{}, agoraerr.Wrap(agoraerr.Internal, err, "persist agent")
	}
	return Outcome{Result: agent}, nil
}

// AssignWorkflowStepParams is the input to AssignWorkflowStep.
type AssignWorkflowStepParams struct {
	WorkflowID string
	StepID     string
	Assignee   string
	Priority   int
}

// AssignWorkflowStep is the Workflow Coordinator's (C7) counterpart to
// AssignTask: it creates the task exactly as AssignTask does, then records
// the resulting task against the step so the coordinator does not try to
// match the same ready step twice.
func AssignWorkflowStep(ctx context.Context, d Deps, p AssignWorkflowStepParams) (Outcome, error) {
	step, ok, err := d.Backend.GetStep(ctx, p.StepID)
	if err != nil {
		return Outcome{}, agoraerr.Wrap(agoraerr.Internal, err, "lookup step")
	}
	if !ok {
		return Outcome{}, agoraerr.Newf(agoraerr.NotFound, "step %s not found", p.StepID)
	}
	if step.AssignedTaskID != "" {
		return Outcome{}, agoraerr.Newf(agoraerr.Conflict, "step %s is already assigned", p.StepID)
	}

	task, cached, err := assignTask(ctx, d, AssignTaskParams{
		WorkflowID: p.WorkflowID, Assignee: p.Assignee, TaskType: step.RequiredCapability, Priority: p.Priority,
	})
	if err != nil {
		return Outcome{}, err
	}
	if !cached {
		step.AssignedTaskID = task.TaskID
		if err := d.Backend.PutStep(ctx, step); err != nil {
			return Outcome{}, agoraerr.Wrap(agoraerr.Internal, err, "persist step assignment")
		}
	}

	ev := store.Event{
		EventType:   "task_assigned",
		SourceAgent: p.Assignee,
		TargetAgent: p.Assignee,
		CreatedAt:   task.CreatedAt,
		Priority:    task.Priority,
		Payload: map[string]any{
			"task_id":     task.TaskID,
			"task_type":   task.TaskType,
			"workflow_id": task.WorkflowID,
			"step_id":     step.StepID,
		},
	}
	return Outcome{Result: task, Events: []store.Event{ev}}, nil
}

// AdvanceWorkflowParams is the input to AdvanceWorkflow.
type AdvanceWorkflowParams struct {
	WorkflowID string
	// StepID and StepStatus, when set, sync one step's status from its
	// assigned task before the workflow's aggregate state is recomputed.
	StepID     string
	StepStatus store.TaskStatus
}

// progressBucket returns which 25-percentage-point bucket pct falls into,
// so AdvanceWorkflow can tell a genuine aggregate milestone from incremental
// noise between two step completions of the same workflow.
func progressBucket(pct int) int { return pct / 25 }

// AdvanceWorkflow is the Workflow Coordinator's step-completion hook: it
// syncs the named step's status, recomputes the aggregate over every step,
// and transitions the Workflow when every step is complete or any step has
// exhausted its retry budget. It emits workflow_progress whenever the
// 25%-bucket advances and always on the step completion that drives it,
// collapsing spec.md §4.7's two stated triggers into one condition: in this
// design workflow progress only ever changes at a step completion, so "at
// each step completion" and "every 25% change" describe the same event.
func AdvanceWorkflow(ctx context.Context, d Deps, p AdvanceWorkflowParams) (Outcome, error) {
	wf, ok, err := d.Backend.GetWorkflow(ctx, p.WorkflowID)
	if err != nil {
		return Outcome{}, agoraerr.Wrap(agoraerr.Internal, err, "lookup workflow")
	}
	if !ok {
		return Outcome{}, agoraerr.Newf(agoraerr.NotFound, "workflow %s not found", p.WorkflowID)
	}
	if wf.Status != store.WorkflowRunning {
		return Outcome{Result: wf}, nil
	}

	if p.StepID != "" {
		step, ok, err := d.Backend.GetStep(ctx, p.StepID)
		if err != nil {
			return Outcome{}, agoraerr.Wrap(agoraerr.Internal, err, "lookup step")
		}
		if ok && step.Status != p.StepStatus {
			step.Status = p.StepStatus
			if err := d.Backend.PutStep(ctx, step); err != nil {
				return Outcome{}, agoraerr.Wrap(agoraerr.Internal, err, "persist step status")
			}
		}
	}

	steps, err := d.Backend.ListStepsByWorkflow(ctx, p.WorkflowID)
	if err != nil {
		return Outcome{}, agoraerr.Wrap(agoraerr.Internal, err, "list steps")
	}
	now := d.now()
	completed, failed := 0, 0
	for _, st := range steps {
		switch st.Status {
		case store.TaskCompleted:
			completed++
		case store.TaskFailed:
			failed++
		}
	}

	var events []store.Event
	switch {
	case len(steps) > 0 && completed == len(steps):
		wf.Status = store.WorkflowCompleted
		wf.CompletedAt = &now
		wf.LastProgressPct = 100
		events = append(events, store.Event{
			EventType: "workflow_completed", SourceAgent: wf.InitiatorAgent, TargetAgent: wf.InitiatorAgent,
			CreatedAt: now, Priority: 3,
			Payload: map[string]any{"workflow_id": wf.WorkflowID},
		})
	case failed > 0:
		wf.Status = store.WorkflowFailed
		events = append(events, store.Event{
			EventType: "workflow_failed", SourceAgent: wf.InitiatorAgent, TargetAgent: wf.InitiatorAgent,
			CreatedAt: now, Priority: 4,
			Payload: map[string]any{"workflow_id": wf.WorkflowID, "failed_steps": failed},
		})
	default:
		pct := 0
		if len(steps) > 0 {
			pct = completed * 100 / len(steps)
		}
		if progressBucket(pct) > progressBucket(wf.LastProgressPct) || (p.StepID != "" && p.StepStatus == store.TaskCompleted) {
			wf.LastProgressPct = pct
			events = append(events, store.Event{
				EventType: "workflow_progress", SourceAgent: wf.InitiatorAgent, TargetAgent: wf.InitiatorAgent,
				CreatedAt: now, Priority: 2,
				Payload: map[string]any{"workflow_id": wf.WorkflowID, "progress_pct": pct},
			})
		}
	}

	if err := d.Backend.PutWorkflow(ctx, wf); err != nil {
		return Outcome{}, agoraerr.Wrap(agoraerr.Internal, err, "persist workflow")
	}
	return Outcome{Result: wf, Events: events}, nil
}
