// Package toolserver implements the Tool Server (C6): the seven agora.*
// operations every agent invokes to act on the marketplace. Every call is
// verified against the Identity Verifier (C2), permission-checked against
// the Authority Engine (C4), dispatched to the Coordination Store (C3), and
// audited (C8) regardless of outcome.
package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agora-labs/marketplace-core/internal/agoraerr"
	"github.com/agora-labs/marketplace-core/internal/audit"
	"github.com/agora-labs/marketplace-core/internal/authority"
	"github.com/agora-labs/marketplace-core/internal/identity"
	"github.com/agora-labs/marketplace-core/internal/store"
	"github.com/agora-labs/marketplace-core/internal/store/reducers"
	"github.com/agora-labs/marketplace-core/internal/telemetry"
)

// Caller is what every operation requires to identify its invoker: the
// identity claim to verify against C2's lock file. It carries no role: the
// role used for authorization is the one the agent last registered under,
// resolved from the Coordination Store by verify, never taken from the
// caller.
type Caller struct {
	Claim identity.Claim
}

// Server dispatches the seven agora.* operations. Safe for concurrent use;
// every operation ultimately serializes through the underlying Store.
type Server struct {
	store     *store.Store
	identity  *identity.Verifier
	authority *authority.Engine
	auditLog  *audit.Log
	logger    telemetry.Logger
	validate  *validator.Validate
	now       func() time.Time

	schemas map[string]*jsonschema.Schema

	onTaskUpdated func(context.Context, store.Task)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger overrides the server's logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithClock overrides the server's clock; tests use this to control
// timestamps deterministically.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithTaskUpdateHook registers a callback invoked after every successful
// agora.task.update call. The Workflow Coordinator (C7) wires its Advance
// method here so task transitions drive workflow-step aggregation without
// the Tool Server importing the workflow package directly.
func WithTaskUpdateHook(hook func(context.Context, store.Task)) Option {
	return func(s *Server) { s.onTaskUpdated = hook }
}

// New constructs a Server wired to the given Coordination Store, Identity
// Verifier, Authority Engine, and Audit Log.
func New(st *store.Store, verifier *identity.Verifier, engine *authority.Engine, auditLog *audit.Log, opts ...Option) *Server {
	s := &Server{
		store:     st,
		identity:  verifier,
		authority: engine,
		auditLog:  auditLog,
		logger:    telemetry.NewNoopLogger(),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		now:       func() time.Time { return time.Now().UTC() },
		schemas:   make(map[string]*jsonschema.Schema),
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

// RegisterPayloadSchema compiles and attaches a JSON Schema that every
// payload submitted for the given message or task type must satisfy. This
// is optional: operations with no registered schema skip payload-shape
// validation beyond the struct-tag checks in requests.go.
func (s *Server) RegisterPayloadSchema(kind string, schemaJSON []byte) error {
	var doc any
	if err := json.Unmarshal(schemaJSON, &doc); err != nil {
		return agoraerr.Wrap(agoraerr.InvalidArgument, err, "unmarshal payload schema")
	}
	c := jsonschema.NewCompiler()
	resource := fmt.Sprintf("agora://payload-schema/%s", kind)
	if err := c.AddResource(resource, doc); err != nil {
		return agoraerr.Wrap(agoraerr.InvalidArgument, err, "add payload schema resource")
	}
	compiled, err := c.Compile(resource)
	if err != nil {
		return agoraerr.Wrap(agoraerr.InvalidArgument, err, "compile payload schema")
	}
	s.schemas[kind] = compiled
	return nil
}

func (s *Server) validatePayload(kind string, payload map[string]any) error {
	schema, ok := s.schemas[kind]
	if !ok || schema == nil {
		return nil
	}
	if err := schema.Validate(payload); err != nil {
		return agoraerr.Wrap(agoraerr.InvalidArgument, err, "payload does not satisfy registered schema")
	}
	return nil
}

// resolvedCaller is the outcome of verifying a Caller and looking up its
// current agent record: the AgentID and Role the permission check and every
// reducer call use, never the bare claim.
type resolvedCaller struct {
	AgentID string
	Role    authority.Role
	Lock    identity.Lock
}

// verify confirms the caller's identity against C2 and resolves its
// currently registered agent record. Agents invoking agora.agent.register
// for the first time have no prior record; callers of every other
// operation must already be registered.
func (s *Server) verify(ctx context.Context, caller Caller) (resolvedCaller, error) {
	lock, err := s.identity.Verify(ctx, caller.Claim)
	if err != nil {
		return resolvedCaller{}, err
	}
	agent, ok, err := s.store.Backend.GetAgentByName(ctx, lock.AgentName)
	if err != nil {
		return resolvedCaller{}, agoraerr.Wrap(agoraerr.Internal, err, "lookup caller agent record")
	}
	if !ok {
		return resolvedCaller{Lock: lock}, nil
	}
	return resolvedCaller{AgentID: agent.AgentID, Role: authority.Role(agent.Role), Lock: lock}, nil
}

// ResolveAgentID verifies caller against the Identity Verifier and returns
// its currently registered agent id. Exported for transport layers that sit
// in front of the Tool Server but need the resolved id rather than a full
// operation dispatch — the event subscription stream (internal/httpapi) is
// the sole caller: the Event Fabric keys subscriptions by agent id, not by
// the caller-asserted agent name.
func (s *Server) ResolveAgentID(ctx context.Context, caller Caller) (string, error) {
	rc, err := s.verify(ctx, caller)
	if err != nil {
		return "", err
	}
	if rc.AgentID == "" {
		return "", agoraerr.New(agoraerr.NotFound, "caller has no registered agent record")
	}
	return rc.AgentID, nil
}

// checkPermission runs the C4 authority check and turns a denial into the
// structured error the taxonomy expects.
func (s *Server) checkPermission(ctx context.Context, rc resolvedCaller, op authority.Operation, subject string) error {
	_, err := s.authority.Check(ctx, authority.Principal{AgentID: rc.AgentID, Role: rc.Role}, op, subject)
	return err
}

// auditCall appends a single audit entry recording the outcome of a
// dispatched operation, independent of the per-decision entries the
// Authority Engine itself records.
func (s *Server) auditCall(ctx context.Context, rc resolvedCaller, operation, subject string, err error) {
	outcome := audit.OutcomeGranted
	reason := ""
	if err != nil {
		outcome = audit.OutcomeError
		reason = err.Error()
	}
	s.auditLog.Record(ctx, audit.Entry{
		Actor:          rc.AgentID,
		Operation:      operation,
		Subject:        subject,
		Outcome:        outcome,
		Reason:         reason,
		AuthorityLevel: int(authority.LevelOf(rc.Role)),
	})
}
