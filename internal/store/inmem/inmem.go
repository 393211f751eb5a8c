// Package inmem is an in-memory store.Backend for tests and the
// single-process deployment, mirroring the shape of the Mongo-backed
// implementation in internal/store/mongo without a live database.
package inmem

import (
	"context"
	"sync"

	"github.com/agora-labs/marketplace-core/internal/store"
)

// Backend is an in-memory, mutex-guarded store.Backend.
type Backend struct {
	mu           sync.RWMutex
	agentsByID   map[string]store.Agent
	agentsByName map[string]string
	capabilities map[string]store.Capability // key: agentID+"/"+capType
	messages     map[string]store.Message
	tasks        map[string]store.Task
	workflows    map[string]store.Workflow
	steps        map[string]store.WorkflowStep
	idempotent   map[string]string // key: operation+"/"+key
	cursors      map[string]int64
}

// New constructs an empty in-memory backend.
func New() *Backend {
	return &Backend{
		agentsByID:   make(map[string]store.Agent),
		agentsByName: make(map[string]string),
		capabilities: make(map[string]store.Capability),
		messages:     make(map[string]store.Message),
		tasks:        make(map[string]store.Task),
		workflows:    make(map[string]store.Workflow),
		steps:        make(map[string]store.WorkflowStep),
		idempotent:   make(map[string]string),
		cursors:      make(map[string]int64),
	}
}

func capKey(agentID, capType string) string { return agentID + "/" + capType }
func idemKey(op, key string) string         { return op + "/" + key }

func (b *Backend) GetAgentByName(_ context.Context, name string) (store.Agent, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.agentsByName[name]
	if !ok {
		return store.Agent{}, false, nil
	}
	return b.agentsByID[id], true, nil
}

func (b *Backend) GetAgent(_ context.Context, agentID string) (store.Agent, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.agentsByID[agentID]
	return a, ok, nil
}

func (b *Backend) PutAgent(_ context.Context, agent store.Agent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.agentsByID[agent.AgentID] = agent
	b.agentsByName[agent.AgentName] = agent.AgentID
	return nil
}

func (b *Backend) ListActiveAgents(_ context.Context) ([]store.Agent, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []store.Agent
	for _, a := range b.agentsByID {
		if a.Status != store.AgentOffline {
			out = append(out, a)
		}
	}
	return out, nil
}

func (b *Backend) ListAgents(_ context.Context) ([]store.Agent, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]store.Agent, 0, len(b.agentsByID))
	for _, a := range b.agentsByID {
		out = append(out, a)
	}
	return out, nil
}

func (b *Backend) GetCapability(_ context.Context, agentID, capType string) (store.Capability, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.capabilities[capKey(agentID, capType)]
	return c, ok, nil
}

func (b *Backend) PutCapability(_ context.Context, cap store.Capability) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.capabilities[capKey(cap.AgentID, cap.CapabilityType)] = cap
	return nil
}

func (b *Backend) ListCapabilitiesByAgent(_ context.Context, agentID string) ([]store.Capability, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []store.Capability
	for _, c := range b.capabilities {
		if c.AgentID == agentID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (b *Backend) ListCapabilitiesByType(_ context.Context, capType string) ([]store.Capability, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []store.Capability
	for _, c := range b.capabilities {
		if c.CapabilityType == capType && c.Active {
			out = append(out, c)
		}
	}
	return out, nil
}

func (b *Backend) PutMessage(_ context.Context, msg store.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages[msg.MessageID] = msg
	return nil
}

func (b *Backend) IncrementDeliveredCount(_ context.Context, messageID string, by int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg, ok := b.messages[messageID]
	if !ok {
		return nil
	}
	msg.DeliveredCount += by
	b.messages[messageID] = msg
	return nil
}

func (b *Backend) GetTask(_ context.Context, taskID string) (store.Task, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tasks[taskID]
	return t, ok, nil
}

func (b *Backend) PutTask(_ context.Context, task store.Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tasks[task.TaskID] = task
	return nil
}

func (b *Backend) CountInFlightTasks(_ context.Context, agentID, taskType string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, t := range b.tasks {
		if t.Assignee != agentID || t.TaskType != taskType {
			continue
		}
		switch t.Status {
		case store.TaskPending, store.TaskAccepted, store.TaskInProgress:
			n++
		}
	}
	return n, nil
}

func (b *Backend) ListTasksByWorkflow(_ context.Context, workflowID string) ([]store.Task, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []store.Task
	for _, t := range b.tasks {
		if t.WorkflowID == workflowID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (b *Backend) GetWorkflow(_ context.Context, workflowID string) (store.Workflow, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	w, ok := b.workflows[workflowID]
	return w, ok, nil
}

func (b *Backend) PutWorkflow(_ context.Context, wf store.Workflow) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.workflows[wf.WorkflowID] = wf
	return nil
}

func (b *Backend) ListRunningWorkflows(_ context.Context) ([]store.Workflow, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []store.Workflow
	for _, w := range b.workflows {
		if w.Status == store.WorkflowRunning || w.Status == store.WorkflowPending {
			out = append(out, w)
		}
	}
	return out, nil
}

func (b *Backend) GetStep(_ context.Context, stepID string) (store.WorkflowStep, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.steps[stepID]
	return s, ok, nil
}

func (b *Backend) PutStep(_ context.Context, step store.WorkflowStep) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.steps[step.StepID] = step
	return nil
}

func (b *Backend) ListStepsByWorkflow(_ context.Context, workflowID string) ([]store.WorkflowStep, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []store.WorkflowStep
	for _, s := range b.steps {
		if s.WorkflowID == workflowID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (b *Backend) GetIdempotent(_ context.Context, operation, key string) (string, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.idempotent[idemKey(operation, key)]
	return id, ok, nil
}

func (b *Backend) PutIdempotent(_ context.Context, operation, key, resultID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.idempotent[idemKey(operation, key)] = resultID
	return nil
}

func (b *Backend) GetCursor(_ context.Context, agentID string) (int64, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	seq, ok := b.cursors[agentID]
	return seq, ok, nil
}

func (b *Backend) PutCursor(_ context.Context, agentID string, sequence int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cursors[agentID] = sequence
	return nil
}

var _ store.Backend = (*Backend)(nil)
