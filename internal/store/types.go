// Package store implements the Coordination Store (C3): the durable tables
// for agents, capabilities, messages, tasks, workflows, and steps, mutated
// exclusively through a single-writer reducer pipeline. Events are not kept
// in a table: the single writer stamps each committed event and hands it to
// the Publisher, and Backend stores only a per-subscriber event cursor.
package store

import "time"

// AgentStatus is the lifecycle status of an Agent.
type AgentStatus string

const (
	AgentActive    AgentStatus = "active"
	AgentPaused    AgentStatus = "paused"
	AgentSuspended AgentStatus = "suspended"
	AgentOffline   AgentStatus = "offline"
)

// ServiceTier is the Agent's service tier.
type ServiceTier string

const (
	TierBasic      ServiceTier = "basic"
	TierPremium    ServiceTier = "premium"
	TierEnterprise ServiceTier = "enterprise"
)

// Agent is the C3 Agent entity (spec.md §3).
type Agent struct {
	AgentID          string      `bson:"agent_id"`
	AgentName        string      `bson:"agent_name"`
	ProjectDirectory string      `bson:"project_directory"`
	Role             string      `bson:"role"`
	Status           AgentStatus `bson:"status"`
	RegisteredAt     time.Time   `bson:"registered_at"`
	LastSeenAt       time.Time   `bson:"last_seen_at"`
	ServiceTier      ServiceTier `bson:"service_tier"`
}

// Capability is the C3 Capability entity.
type Capability struct {
	CapabilityID       string `bson:"capability_id"`
	AgentID            string `bson:"agent_id"`
	CapabilityType     string `bson:"capability_type"`
	ProficiencyLevel   int    `bson:"proficiency_level"`
	MaxConcurrentTasks int    `bson:"max_concurrent_tasks"`
	Active             bool   `bson:"active"`
}

// BroadcastTarget is the literal `to_agent`/`target_agent` value meaning
// every active agent except the sender.
const BroadcastTarget = "*"

// Message is the C3 Message entity.
type Message struct {
	MessageID      string         `bson:"message_id"`
	FromAgent      string         `bson:"from_agent"`
	ToAgent        string         `bson:"to_agent"`
	MessageType    string         `bson:"message_type"`
	Payload        map[string]any `bson:"payload"`
	Priority       int            `bson:"priority"`
	ThreadID       string         `bson:"thread_id,omitempty"`
	CreatedAt      time.Time      `bson:"created_at"`
	DeliveredCount int            `bson:"delivered_count"`
}

// TaskStatus is the lifecycle status of a Task Assignment.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAccepted   TaskStatus = "accepted"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Task is the C3 Task Assignment entity.
type Task struct {
	TaskID         string         `bson:"task_id"`
	WorkflowID     string         `bson:"workflow_id,omitempty"`
	Assignee       string         `bson:"assignee"`
	TaskType       string         `bson:"task_type"`
	Payload        map[string]any `bson:"payload"`
	Priority       int            `bson:"priority"`
	Deadline       *time.Time     `bson:"deadline,omitempty"`
	Status         TaskStatus     `bson:"status"`
	Progress       int            `bson:"progress"`
	CreatedAt      time.Time      `bson:"created_at"`
	UpdatedAt      time.Time      `bson:"updated_at"`
	Result         map[string]any `bson:"result,omitempty"`
	RetryCount     int            `bson:"retry_count"`
	IdempotencyKey string         `bson:"idempotency_key,omitempty"`
}

// WorkflowStatus is the lifecycle status of a Workflow.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowHalted    WorkflowStatus = "halted"
)

// Workflow is the C3 Workflow entity.
type Workflow struct {
	WorkflowID      string         `bson:"workflow_id"`
	WorkflowName    string         `bson:"workflow_name"`
	InitiatorAgent  string         `bson:"initiator_agent"`
	Status          WorkflowStatus `bson:"status"`
	StepIDs         []string       `bson:"step_ids"`
	Metadata        map[string]any `bson:"metadata,omitempty"`
	CreatedAt       time.Time      `bson:"created_at"`
	CompletedAt     *time.Time     `bson:"completed_at,omitempty"`
	IdempotencyKey  string         `bson:"idempotency_key,omitempty"`
	LastProgressPct int            `bson:"last_progress_pct"`
}

// WorkflowStep is the C3 Workflow Step entity.
type WorkflowStep struct {
	StepID             string     `bson:"step_id"`
	WorkflowID         string     `bson:"workflow_id"`
	Ordinal            int        `bson:"ordinal"`
	Name               string     `bson:"name"`
	RequiredCapability string     `bson:"required_capability"`
	AssignedTaskID     string     `bson:"assigned_task_id,omitempty"`
	Status             TaskStatus `bson:"status"`
	DependsOn          []string   `bson:"depends_on,omitempty"`
}

// Event is the C3 Event entity emitted by a reducer commit and consumed by
// the Event Fabric (C5).
type Event struct {
	EventID     string         `bson:"event_id"`
	EventType   string         `bson:"event_type"`
	SourceAgent string         `bson:"source_agent"`
	TargetAgent string         `bson:"target_agent"`
	Payload     map[string]any `bson:"payload"`
	Priority    int            `bson:"priority"`
	CreatedAt   time.Time      `bson:"created_at"`
	CommitSeq   int64          `bson:"commit_sequence"`
}

// StepSpec is the input shape for one step of start_workflow.
type StepSpec struct {
	Name               string
	RequiredCapability string
	DependsOn          []string
}

// CapabilitySpec is the input shape for one capability of register_agent.
type CapabilitySpec struct {
	Type          string
	Proficiency   int
	MaxConcurrent int
}
