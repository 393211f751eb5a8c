// Package authority implements the Authority & Permission Engine (C4): the
// fixed role lattice, the per-operation permission table, user supremacy,
// and emergency halt.
package authority

import (
	"context"
	"sync/atomic"

	"github.com/agora-labs/marketplace-core/internal/agoraerr"
	"github.com/agora-labs/marketplace-core/internal/audit"
)

// Role is one of the fixed roles on the authority lattice.
type Role string

const (
	RoleObserver       Role = "OBSERVER"
	RoleWorker         Role = "WORKER"
	RoleSpecialist     Role = "SPECIALIST"
	RoleFrameworkAdmin Role = "FRAMEWORK_ADMIN"
	RoleOverseer       Role = "OVERSEER"
	RoleUser           Role = "USER"
)

// Level is the fixed integer authority level associated with a Role.
// Clients must not invent intermediate levels.
type Level int

const (
	LevelObserver       Level = 10
	LevelWorker         Level = 25
	LevelSpecialist     Level = 75
	LevelFrameworkAdmin Level = 150
	LevelOverseer       Level = 250
	LevelUser           Level = 255
)

var roleLevels = map[Role]Level{
	RoleObserver:       LevelObserver,
	RoleWorker:         LevelWorker,
	RoleSpecialist:     LevelSpecialist,
	RoleFrameworkAdmin: LevelFrameworkAdmin,
	RoleOverseer:       LevelOverseer,
	RoleUser:           LevelUser,
}

// LevelOf returns the fixed authority level for role, or 0 if role is not one
// of the known roles.
func LevelOf(role Role) Level {
	return roleLevels[role]
}

// Operation identifies a permission-checked action by name (matching the
// reducer names in spec.md §4.3, plus the audit-query operation from §4.8).
type Operation string

const (
	OpSendMessage        Operation = "send_message"
	OpAssignTaskSelf     Operation = "assign_task_self"
	OpAssignTaskOther    Operation = "assign_task_other"
	OpUpdateTask         Operation = "update_task"
	OpRegisterAgent      Operation = "register_agent"
	OpRegisterCapability Operation = "register_capability"
	OpStartWorkflow      Operation = "start_workflow"
	OpQueryData          Operation = "query_data"
	OpSystemStatus       Operation = "system_status"
	OpModifyFramework    Operation = "modify_framework_records"
	OpUserOverride       Operation = "user_override"
	OpQueryAudit         Operation = "query_audit"
)

// Verdict is the engine's decision for a permission check.
type Verdict string

const (
	VerdictGranted          Verdict = "granted"
	VerdictDenied           Verdict = "denied"
	VerdictRequiresOverride Verdict = "requires_override"
)

// minLevel is the fixed permission table from spec.md §4.4. Operations not
// present default to requiring LevelWorker;
// OpUserOverride is handled specially (exact match, not minimum).
var minLevel = map[Operation]Level{
	OpSendMessage:        LevelWorker,
	OpAssignTaskSelf:     LevelWorker,
	OpAssignTaskOther:    LevelSpecialist,
	OpUpdateTask:         LevelWorker,
	OpRegisterAgent:      LevelObserver,
	OpRegisterCapability: LevelObserver,
	OpStartWorkflow:      LevelSpecialist,
	OpQueryData:          LevelObserver,
	OpSystemStatus:       LevelObserver,
	OpModifyFramework:    LevelFrameworkAdmin,
	OpQueryAudit:         LevelFrameworkAdmin,
}

// Principal describes the caller of a permission-checked operation.
type Principal struct {
	AgentID string
	Role    Role
}

// Engine evaluates the permission table and tracks emergency-halt state.
// Safe for concurrent use.
type Engine struct {
	halted int32 // atomic bool
	audit  *audit.Log
}

// NewEngine constructs an Engine that records every decision (granted,
// denied, and halt transitions) to auditLog.
func NewEngine(auditLog *audit.Log) *Engine {
	return &Engine{audit: auditLog}
}

// Check evaluates op for principal and returns the verdict. USER principals
// always receive VerdictGranted except where the halt requires the dedicated
// Resume/Halt path. A halted marketplace denies every operation except
// OpUserOverride.
func (e *Engine) Check(ctx context.Context, principal Principal, op Operation, subject string) (Verdict, error) {
	if e.Halted() && op != OpUserOverride {
		e.record(ctx, principal, op, subject, audit.OutcomeDenied, "emergency halt in force")
		return VerdictDenied, agoraerr.New(agoraerr.Halted, "emergency halt is in force")
	}

	if op == OpUserOverride {
		if principal.Role == RoleUser && LevelOf(principal.Role) == LevelUser {
			e.record(ctx, principal, op, subject, audit.OutcomeGranted, "")
			return VerdictGranted, nil
		}
		e.record(ctx, principal, op, subject, audit.OutcomeDenied, "user_override requires exactly USER authority")
		return VerdictDenied, agoraerr.New(agoraerr.PermissionDenied, "user_override requires exactly USER authority")
	}

	required, ok := minLevel[op]
	if !ok {
		required = LevelWorker
	}
	level := LevelOf(principal.Role)
	if level >= required {
		e.record(ctx, principal, op, subject, audit.OutcomeGranted, "")
		return VerdictGranted, nil
	}
	e.record(ctx, principal, op, subject, audit.OutcomeDenied, "insufficient authority")
	return VerdictDenied, agoraerr.Newf(agoraerr.PermissionDenied,
		"operation %s requires authority level >= %d, caller has %d", op, required, level)
}

// Halt sets the emergency-halt flag. Only callable from the user_override
// reducer path (enforced by the caller, not by this method, since Check
// already requires USER authority for OpUserOverride before a caller may
// reach Halt).
func (e *Engine) Halt(ctx context.Context, actor, reason string) {
	atomic.StoreInt32(&e.halted, 1)
	e.record(ctx, Principal{AgentID: actor, Role: RoleUser}, OpUserOverride, "*", audit.OutcomeGranted, "emergency_halt: "+reason)
}

// Resume clears the emergency-halt flag.
func (e *Engine) Resume(ctx context.Context, actor, reason string) {
	atomic.StoreInt32(&e.halted, 0)
	e.record(ctx, Principal{AgentID: actor, Role: RoleUser}, OpUserOverride, "*", audit.OutcomeGranted, "resume: "+reason)
}

// Halted reports whether an emergency halt is currently in force.
func (e *Engine) Halted() bool {
	return atomic.LoadInt32(&e.halted) == 1
}

func (e *Engine) record(ctx context.Context, principal Principal, op Operation, subject string, outcome audit.Outcome, reason string) {
	if e.audit == nil {
		return
	}
	e.audit.Record(ctx, audit.Entry{
		Actor:          principal.AgentID,
		Operation:      string(op),
		Subject:        subject,
		Outcome:        outcome,
		Reason:         reason,
		AuthorityLevel: int(LevelOf(principal.Role)),
	})
}
