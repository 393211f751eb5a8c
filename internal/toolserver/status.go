package toolserver

import (
	"context"

	"github.com/agora-labs/marketplace-core/internal/authority"
)

// SystemStatusResult is the structured success value of agora.system.status.
type SystemStatusResult struct {
	Healthy           bool
	Halted            bool
	ActiveAgentCount  int
	RunningWorkflows  int
	ReducerQueueDepth int
}

// SystemStatus implements agora.system.status: aggregate health, the
// active-agent count, and reducer queue depth.
func (s *Server) SystemStatus(ctx context.Context, caller Caller, _ SystemStatusRequest) (SystemStatusResult, error) {
	const op = "agora.system.status"
	rc, err := s.verify(ctx, caller)
	if err != nil {
		return SystemStatusResult{}, err
	}
	var result SystemStatusResult
	dispatchErr := func() error {
		if err := s.checkPermission(ctx, rc, authority.OpSystemStatus, "*"); err != nil {
			return err
		}
		agents, err := s.store.Backend.ListActiveAgents(ctx)
		if err != nil {
			return err
		}
		workflows, err := s.store.Backend.ListRunningWorkflows(ctx)
		if err != nil {
			return err
		}
		result = SystemStatusResult{
			Healthy:           !s.authority.Halted(),
			Halted:            s.authority.Halted(),
			ActiveAgentCount:  len(agents),
			RunningWorkflows:  len(workflows),
			ReducerQueueDepth: s.store.QueueDepth(),
		}
		return nil
	}()
	s.auditCall(ctx, rc, op, "*", dispatchErr)
	if dispatchErr != nil {
		return SystemStatusResult{}, dispatchErr
	}
	return result, nil
}
