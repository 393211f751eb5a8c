package toolserver

import (
	"context"
	"sort"

	"github.com/agora-labs/marketplace-core/internal/agoraerr"
	"github.com/agora-labs/marketplace-core/internal/authority"
	"github.com/agora-labs/marketplace-core/internal/store"
)

// QueryDataResult is the structured success value of agora.query.data.
type QueryDataResult struct {
	Entity string
	Items  []any
}

// QueryData implements agora.query.data: a read-only projection over C3.
// The Coordination Store exposes per-entity indexed lookups rather than
// full table scans (spec.md §4.1's identifier-driven access pattern), so
// the supported filters mirror those indexes directly instead of
// emulating a general-purpose query planner.
func (s *Server) QueryData(ctx context.Context, caller Caller, req QueryDataRequest) (QueryDataResult, error) {
	const op = "agora.query.data"
	rc, err := s.verify(ctx, caller)
	if err != nil {
		return QueryDataResult{}, err
	}
	var items []any
	dispatchErr := func() error {
		if err := s.checkPermission(ctx, rc, authority.OpQueryData, req.Entity); err != nil {
			return err
		}
		if err := s.validate.Struct(req); err != nil {
			return agoraerr.Wrap(agoraerr.InvalidArgument, err, "invalid query.data request")
		}
		resolved, err := s.resolveQuery(ctx, req)
		if err != nil {
			return err
		}
		items = applyLimit(resolved, req.Limit)
		return nil
	}()
	s.auditCall(ctx, rc, op, req.Entity, dispatchErr)
	if dispatchErr != nil {
		return QueryDataResult{}, dispatchErr
	}
	return QueryDataResult{Entity: req.Entity, Items: items}, nil
}

func (s *Server) resolveQuery(ctx context.Context, req QueryDataRequest) ([]any, error) {
	backend := s.store.Backend
	switch req.Entity {
	case "agent":
		if status, ok := req.Filter["status"].(string); ok && status == string(store.AgentActive) {
			agents, err := backend.ListActiveAgents(ctx)
			return toAny(agents), wrapInternal(err, "list active agents")
		}
		agents, err := backend.ListAgents(ctx)
		return toAny(agents), wrapInternal(err, "list agents")

	case "capability":
		if agentID, ok := req.Filter["agent_id"].(string); ok && agentID != "" {
			caps, err := backend.ListCapabilitiesByAgent(ctx, agentID)
			return toAny(caps), wrapInternal(err, "list capabilities by agent")
		}
		if capType, ok := req.Filter["capability_type"].(string); ok && capType != "" {
			caps, err := backend.ListCapabilitiesByType(ctx, capType)
			return toAny(caps), wrapInternal(err, "list capabilities by type")
		}
		return nil, agoraerr.New(agoraerr.InvalidArgument, "capability query requires an agent_id or capability_type filter")

	case "task":
		workflowID, _ := req.Filter["workflow_id"].(string)
		if workflowID == "" {
			return nil, agoraerr.New(agoraerr.InvalidArgument, "task query requires a workflow_id filter")
		}
		tasks, err := backend.ListTasksByWorkflow(ctx, workflowID)
		return toAny(tasks), wrapInternal(err, "list tasks by workflow")

	case "workflow":
		if workflowID, ok := req.Filter["workflow_id"].(string); ok && workflowID != "" {
			wf, found, err := backend.GetWorkflow(ctx, workflowID)
			if err != nil {
				return nil, agoraerr.Wrap(agoraerr.Internal, err, "get workflow")
			}
			if !found {
				return nil, nil
			}
			return []any{wf}, nil
		}
		workflows, err := backend.ListRunningWorkflows(ctx)
		return toAny(workflows), wrapInternal(err, "list running workflows")

	case "step":
		workflowID, _ := req.Filter["workflow_id"].(string)
		if workflowID == "" {
			return nil, agoraerr.New(agoraerr.InvalidArgument, "step query requires a workflow_id filter")
		}
		steps, err := backend.ListStepsByWorkflow(ctx, workflowID)
		sort.Slice(steps, func(i, j int) bool { return steps[i].Ordinal < steps[j].Ordinal })
		return toAny(steps), wrapInternal(err, "list steps by workflow")

	case "message":
		return nil, agoraerr.New(agoraerr.InvalidArgument, "message query requires delivery via the Event Fabric, not a direct projection")

	default:
		return nil, agoraerr.Newf(agoraerr.InvalidArgument, "unknown query entity %q", req.Entity)
	}
}

func wrapInternal(err error, msg string) error {
	if err == nil {
		return nil
	}
	return agoraerr.Wrap(agoraerr.Internal, err, msg)
}

func applyLimit(items []any, limit int) []any {
	if limit <= 0 || limit >= len(items) {
		return items
	}
	return items[:limit]
}

func toAny[T any](items []T) []any {
	out := make([]any, len(items))
	for i, it := range items {
		out[i] = it
	}
	return out
}
