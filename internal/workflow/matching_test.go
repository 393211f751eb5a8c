package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agora-labs/marketplace-core/internal/store"
	"github.com/agora-labs/marketplace-core/internal/store/inmem"
)

func putAgent(t *testing.T, ctx context.Context, backend store.Backend, agentID string, lastSeen time.Time) {
	t.Helper()
	require.NoError(t, backend.PutAgent(ctx, store.Agent{
		AgentID:      agentID,
		AgentName:    agentID,
		Status:       store.AgentActive,
		RegisteredAt: lastSeen,
		LastSeenAt:   lastSeen,
	}))
}

func putCapability(t *testing.T, ctx context.Context, backend store.Backend, agentID, capType string, proficiency, maxConcurrent int) {
	t.Helper()
	require.NoError(t, backend.PutCapability(ctx, store.Capability{
		CapabilityID:       agentID + "-" + capType,
		AgentID:            agentID,
		CapabilityType:     capType,
		ProficiencyLevel:   proficiency,
		MaxConcurrentTasks: maxConcurrent,
		Active:             true,
	}))
}

func TestSelectAgentPrefersHighestProficiency(t *testing.T) {
	backend := inmem.New()
	ctx := context.Background()
	now := time.Now().UTC()

	putAgent(t, ctx, backend, "weak_agent", now)
	putAgent(t, ctx, backend, "strong_agent", now)
	putCapability(t, ctx, backend, "weak_agent", "search", 30, 5)
	putCapability(t, ctx, backend, "strong_agent", "search", 90, 5)

	agentID, found, err := selectAgent(ctx, backend, "search")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "strong_agent", agentID)
}

func TestSelectAgentTieBreaksOnOlderLastSeen(t *testing.T) {
	backend := inmem.New()
	ctx := context.Background()
	older := time.Now().UTC().Add(-time.Hour)
	newer := time.Now().UTC()

	putAgent(t, ctx, backend, "agent_b_id", newer)
	putAgent(t, ctx, backend, "agent_a_id", older)
	putCapability(t, ctx, backend, "agent_b_id", "search", 70, 5)
	putCapability(t, ctx, backend, "agent_a_id", "search", 70, 5)

	agentID, found, err := selectAgent(ctx, backend, "search")
	require.NoError(t, err)
	require.True(t, found)
	// Equal proficiency and in-flight: the older last_seen_at wins.
	require.Equal(t, "agent_a_id", agentID)
}

func TestSelectAgentSkipsCapabilityAtConcurrencyLimit(t *testing.T) {
	backend := inmem.New()
	ctx := context.Background()
	now := time.Now().UTC()

	putAgent(t, ctx, backend, "full_agent", now)
	putAgent(t, ctx, backend, "open_agent", now)
	putCapability(t, ctx, backend, "full_agent", "translate", 90, 0)
	putCapability(t, ctx, backend, "open_agent", "translate", 10, 1)

	agentID, found, err := selectAgent(ctx, backend, "translate")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "open_agent", agentID)
}

func TestSelectAgentReturnsFalseWhenNoCandidates(t *testing.T) {
	backend := inmem.New()
	_, found, err := selectAgent(context.Background(), backend, "nonexistent")
	require.NoError(t, err)
	require.False(t, found)
}
