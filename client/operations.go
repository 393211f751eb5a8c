package agoraclient

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// NewIdempotencyKey returns a fresh random key suitable for the
// idempotency_key field of AssignTask and StartWorkflow: retried calls that
// reuse the same key are deduplicated server-side rather than creating a
// second task or workflow.
func NewIdempotencyKey() string {
	return uuid.NewString()
}

// SendMessageRequest is the input to agora.messaging.send.
type SendMessageRequest struct {
	ToAgent     string         `json:"to_agent"`
	MessageType string         `json:"message_type"`
	Payload     map[string]any `json:"payload,omitempty"`
	Priority    int            `json:"priority,omitempty"`
	ThreadID    string         `json:"thread_id,omitempty"`
}

// SendMessageResult is the structured success value of agora.messaging.send.
type SendMessageResult struct {
	MessageID string
}

// SendMessage invokes agora.messaging.send.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (SendMessageResult, error) {
	var result SendMessageResult
	err := c.do(ctx, "POST", "/v1/agora/messages", req, &result)
	return result, err
}

// AssignTaskRequest is the input to agora.task.assign.
type AssignTaskRequest struct {
	Assignee       string         `json:"assignee"`
	TaskType       string         `json:"task_type"`
	Payload        map[string]any `json:"payload,omitempty"`
	Priority       int            `json:"priority,omitempty"`
	Deadline       *time.Time     `json:"deadline,omitempty"`
	WorkflowID     string         `json:"workflow_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// AssignTaskResult is the structured success value of agora.task.assign.
type AssignTaskResult struct {
	TaskID string
	Status string
}

// AssignTask invokes agora.task.assign.
func (c *Client) AssignTask(ctx context.Context, req AssignTaskRequest) (AssignTaskResult, error) {
	var result AssignTaskResult
	err := c.do(ctx, "POST", "/v1/agora/tasks", req, &result)
	return result, err
}

// UpdateTaskRequest is the input to agora.task.update.
type UpdateTaskRequest struct {
	TaskID   string         `json:"task_id"`
	Status   string         `json:"status,omitempty"`
	Progress *int           `json:"progress,omitempty"`
	Result   map[string]any `json:"result,omitempty"`
}

// UpdateTaskResult is the structured success value of agora.task.update.
type UpdateTaskResult struct {
	TaskID   string
	Status   string
	Progress int
}

// UpdateTask invokes agora.task.update.
func (c *Client) UpdateTask(ctx context.Context, req UpdateTaskRequest) (UpdateTaskResult, error) {
	var result UpdateTaskResult
	err := c.do(ctx, "PATCH", "/v1/agora/tasks/"+req.TaskID, req, &result)
	return result, err
}

// CapabilityInput is one entry of RegisterAgentRequest.Capabilities.
type CapabilityInput struct {
	Type          string `json:"type"`
	Proficiency   int    `json:"proficiency_level"`
	MaxConcurrent int    `json:"max_concurrent_tasks"`
}

// RegisterAgentRequest is the input to agora.agent.register.
type RegisterAgentRequest struct {
	AgentType    string            `json:"agent_type"`
	Capabilities []CapabilityInput `json:"capabilities,omitempty"`
	Metadata     map[string]any    `json:"metadata,omitempty"`
}

// RegisterAgentResult is the structured success value of agora.agent.register.
type RegisterAgentResult struct {
	AgentID   string
	AgentName string
}

// RegisterAgent invokes agora.agent.register.
func (c *Client) RegisterAgent(ctx context.Context, req RegisterAgentRequest) (RegisterAgentResult, error) {
	var result RegisterAgentResult
	err := c.do(ctx, "POST", "/v1/agora/agents", req, &result)
	return result, err
}

// StepInput is one entry of StartWorkflowRequest.Steps.
type StepInput struct {
	Name               string   `json:"name"`
	RequiredCapability string   `json:"required_capability"`
	DependsOn          []string `json:"depends_on,omitempty"`
}

// StartWorkflowRequest is the input to agora.workflow.start.
type StartWorkflowRequest struct {
	WorkflowName   string         `json:"workflow_name"`
	Steps          []StepInput    `json:"steps"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// StartWorkflowResult is the structured success value of agora.workflow.start.
type StartWorkflowResult struct {
	WorkflowID string
	StepCount  int
}

// StartWorkflow invokes agora.workflow.start.
func (c *Client) StartWorkflow(ctx context.Context, req StartWorkflowRequest) (StartWorkflowResult, error) {
	var result StartWorkflowResult
	err := c.do(ctx, "POST", "/v1/agora/workflows", req, &result)
	return result, err
}

// QueryDataRequest is the input to agora.query.data.
type QueryDataRequest struct {
	Entity string         `json:"entity"`
	Filter map[string]any `json:"filter,omitempty"`
	Limit  int            `json:"limit,omitempty"`
	Cursor string         `json:"cursor,omitempty"`
}

// QueryDataResult is the structured success value of agora.query.data.
type QueryDataResult struct {
	Entity string
	Items  []any
}

// QueryData invokes agora.query.data.
func (c *Client) QueryData(ctx context.Context, req QueryDataRequest) (QueryDataResult, error) {
	var result QueryDataResult
	err := c.do(ctx, "POST", "/v1/agora/query", req, &result)
	return result, err
}

// SystemStatusResult is the structured success value of agora.system.status.
type SystemStatusResult struct {
	Healthy           bool
	Halted            bool
	ActiveAgentCount  int
	RunningWorkflows  int
	ReducerQueueDepth int
}

// SystemStatus invokes agora.system.status.
func (c *Client) SystemStatus(ctx context.Context) (SystemStatusResult, error) {
	var result SystemStatusResult
	err := c.do(ctx, "GET", "/v1/agora/status", nil, &result)
	return result, err
}
