package store

import "context"

// Backend is the persistence abstraction the single writer and the
// concurrent readers use. The production implementation is
// internal/store/mongo; internal/store/inmem backs tests and the
// single-process deployment, mirroring the Client interface shape the
// teacher uses for its own Mongo-backed stores.
type Backend interface {
	// Agents
	GetAgentByName(ctx context.Context, name string) (Agent, bool, error)
	GetAgent(ctx context.Context, agentID string) (Agent, bool, error)
	PutAgent(ctx context.Context, agent Agent) error
	ListActiveAgents(ctx context.Context) ([]Agent, error)
	ListAgents(ctx context.Context) ([]Agent, error)

	// Capabilities
	GetCapability(ctx context.Context, agentID, capType string) (Capability, bool, error)
	PutCapability(ctx context.Context, cap Capability) error
	ListCapabilitiesByAgent(ctx context.Context, agentID string) ([]Capability, error)
	ListCapabilitiesByType(ctx context.Context, capType string) ([]Capability, error)

	// Messages
	PutMessage(ctx context.Context, msg Message) error
	IncrementDeliveredCount(ctx context.Context, messageID string, by int) error

	// Tasks
	GetTask(ctx context.Context, taskID string) (Task, bool, error)
	PutTask(ctx context.Context, task Task) error
	CountInFlightTasks(ctx context.Context, agentID, taskType string) (int, error)
	ListTasksByWorkflow(ctx context.Context, workflowID string) ([]Task, error)

	// Workflows and steps
	GetWorkflow(ctx context.Context, workflowID string) (Workflow, bool, error)
	PutWorkflow(ctx context.Context, wf Workflow) error
	ListRunningWorkflows(ctx context.Context) ([]Workflow, error)
	GetStep(ctx context.Context, stepID string) (WorkflowStep, bool, error)
	PutStep(ctx context.Context, step WorkflowStep) error
	ListStepsByWorkflow(ctx context.Context, workflowID string) ([]WorkflowStep, error)

	// Idempotency: resolves a client-supplied idempotency_key to the
	// primary identifier produced the first time it was seen for a given
	// operation, so repeated requests are no-ops.
	GetIdempotent(ctx context.Context, operation, key string) (string, bool, error)
	PutIdempotent(ctx context.Context, operation, key, resultID string) error

	// Cursors: durable per-subscriber event cursor for the Event Fabric.
	GetCursor(ctx context.Context, agentID string) (int64, bool, error)
	PutCursor(ctx context.Context, agentID string, sequence int64) error
}
