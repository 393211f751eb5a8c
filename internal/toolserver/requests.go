package toolserver

import "time"

// SendMessageRequest is the input to agora.messaging.send.
type SendMessageRequest struct {
	ToAgent     string         `json:"to_agent" validate:"required"`
	MessageType string         `json:"message_type" validate:"required"`
	Payload     map[string]any `json:"payload"`
	Priority    int            `json:"priority,omitempty" validate:"omitempty,min=1,max=5"`
	ThreadID    string         `json:"thread_id,omitempty"`
}

// AssignTaskRequest is the input to agora.task.assign.
type AssignTaskRequest struct {
	Assignee       string         `json:"assignee" validate:"required"`
	TaskType       string         `json:"task_type" validate:"required"`
	Payload        map[string]any `json:"payload"`
	Priority       int            `json:"priority,omitempty" validate:"omitempty,min=1,max=5"`
	Deadline       *time.Time     `json:"deadline,omitempty"`
	WorkflowID     string         `json:"workflow_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// UpdateTaskRequest is the input to agora.task.update.
type UpdateTaskRequest struct {
	TaskID   string         `json:"task_id" validate:"required"`
	Status   string         `json:"status,omitempty" validate:"omitempty,oneof=pending accepted in_progress completed failed cancelled"`
	Progress *int           `json:"progress,omitempty" validate:"omitempty,min=0,max=100"`
	Result   map[string]any `json:"result,omitempty"`
}

// CapabilityInput is one entry of RegisterAgentRequest.Capabilities.
type CapabilityInput struct {
	Type          string `json:"type" validate:"required"`
	Proficiency   int    `json:"proficiency_level" validate:"required,min=1,max=100"`
	MaxConcurrent int    `json:"max_concurrent_tasks" validate:"required,min=1"`
}

// RegisterAgentRequest is the input to agora.agent.register.
type RegisterAgentRequest struct {
	AgentType    string            `json:"agent_type" validate:"required,oneof=OBSERVER WORKER SPECIALIST FRAMEWORK_ADMIN OVERSEER"`
	Capabilities []CapabilityInput `json:"capabilities" validate:"dive"`
	Metadata     map[string]any    `json:"metadata,omitempty"`
}

// StepInput is one entry of StartWorkflowRequest.Steps.
type StepInput struct {
	Name               string   `json:"name" validate:"required"`
	RequiredCapability string   `json:"required_capability" validate:"required"`
	DependsOn          []string `json:"depends_on,omitempty"`
}

// StartWorkflowRequest is the input to agora.workflow.start.
type StartWorkflowRequest struct {
	WorkflowName   string         `json:"workflow_name" validate:"required"`
	Steps          []StepInput    `json:"steps" validate:"required,min=1,dive"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// QueryDataRequest is the input to agora.query.data.
type QueryDataRequest struct {
	Entity string         `json:"entity" validate:"required,oneof=agent capability message task workflow step"`
	Filter map[string]any `json:"filter"`
	Limit  int            `json:"limit,omitempty" validate:"omitempty,min=1,max=1000"`
	Cursor string         `json:"cursor,omitempty"`
}

// SystemStatusRequest carries no fields; agora.system.status takes no input.
type SystemStatusRequest struct{}
