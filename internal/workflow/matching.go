package workflow

import (
	"context"
	"sort"

	"github.com/agora-labs/marketplace-core/internal/store"
)

// selectAgent implements spec.md §4.7's capability-matching algorithm: among
// active capabilities matching requiredCapability with an available
// concurrency slot, pick the highest proficiency_level, then the lowest
// current in-flight count, then the oldest last_seen_at, then the
// lexicographically smallest agent_id.
func selectAgent(ctx context.Context, backend store.Backend, requiredCapability string) (string, bool, error) {
	candidates, err := backend.ListCapabilitiesByType(ctx, requiredCapability)
	if err != nil {
		return "", false, err
	}

	type scored struct {
		agent    store.Agent
		cap      store.Capability
		inFlight int
	}
	var pool []scored
	for _, cap := range candidates {
		if !cap.Active {
			continue
		}
		inFlight, err := backend.CountInFlightTasks(ctx, cap.AgentID, requiredCapability)
		if err != nil {
			return "", false, err
		}
		if inFlight >= cap.MaxConcurrentTasks {
			continue
		}
		agent, ok, err := backend.GetAgent(ctx, cap.AgentID)
		if err != nil {
			return "", false, err
		}
		if !ok || agent.Status != store.AgentActive {
			continue
		}
		pool = append(pool, scored{agent: agent, cap: cap, inFlight: inFlight})
	}
	if len(pool) == 0 {
		return "", false, nil
	}

	sort.Slice(pool, func(i, j int) bool {
		a, b := pool[i], pool[j]
		if a.cap.ProficiencyLevel != b.cap.ProficiencyLevel {
			return a.cap.ProficiencyLevel > b.cap.ProficiencyLevel
		}
		if a.inFlight != b.inFlight {
			return a.inFlight < b.inFlight
		}
		if !a.agent.LastSeenAt.Equal(b.agent.LastSeenAt) {
			return a.agent.LastSeenAt.Before(b.agent.LastSeenAt)
		}
		return a.agent.AgentID < b.agent.AgentID
	})
	return pool[0].agent.AgentID, true, nil
}
