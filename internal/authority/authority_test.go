package authority_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agora-labs/marketplace-core/internal/agoraerr"
	"github.com/agora-labs/marketplace-core/internal/audit"
	"github.com/agora-labs/marketplace-core/internal/authority"
)

func TestCheckGrantsAtExactThreshold(t *testing.T) {
	engine := authority.NewEngine(audit.NewLog(audit.NewInmemStore(), nil))
	verdict, err := engine.Check(context.Background(),
		authority.Principal{AgentID: "agent_aaaaaaaaaaaaaaaa", Role: authority.RoleWorker},
		authority.OpSendMessage, "agent_bbbbbbbbbbbbbbbb")
	require.NoError(t, err)
	require.Equal(t, authority.VerdictGranted, verdict)
}

func TestCheckDeniesBelowThreshold(t *testing.T) {
	engine := authority.NewEngine(audit.NewLog(audit.NewInmemStore(), nil))
	verdict, err := engine.Check(context.Background(),
		authority.Principal{AgentID: "agent_aaaaaaaaaaaaaaaa", Role: authority.RoleObserver},
		authority.OpAssignTaskOther, "agent_bbbbbbbbbbbbbbbb")
	require.Error(t, err)
	require.Equal(t, authority.VerdictDenied, verdict)
	require.True(t, agoraerr.Is(err, agoraerr.PermissionDenied))
}

func TestUserOverrideRequiresExactUserRole(t *testing.T) {
	engine := authority.NewEngine(audit.NewLog(audit.NewInmemStore(), nil))

	_, err := engine.Check(context.Background(),
		authority.Principal{AgentID: "agent_aaaaaaaaaaaaaaaa", Role: authority.RoleOverseer},
		authority.OpUserOverride, "*")
	require.Error(t, err)

	verdict, err := engine.Check(context.Background(),
		authority.Principal{AgentID: "user_aaaaaaaaaaaaaaaa", Role: authority.RoleUser},
		authority.OpUserOverride, "*")
	require.NoError(t, err)
	require.Equal(t, authority.VerdictGranted, verdict)
}

func TestEmergencyHaltDeniesEverythingExceptOverride(t *testing.T) {
	engine := authority.NewEngine(audit.NewLog(audit.NewInmemStore(), nil))
	engine.Halt(context.Background(), "user_aaaaaaaaaaaaaaaa", "incident response")
	require.True(t, engine.Halted())

	_, err := engine.Check(context.Background(),
		authority.Principal{AgentID: "user_aaaaaaaaaaaaaaaa", Role: authority.RoleUser},
		authority.OpSendMessage, "agent_bbbbbbbbbbbbbbbb")
	require.Error(t, err)
	require.True(t, agoraerr.Is(err, agoraerr.Halted))

	verdict, err := engine.Check(context.Background(),
		authority.Principal{AgentID: "user_aaaaaaaaaaaaaaaa", Role: authority.RoleUser},
		authority.OpUserOverride, "*")
	require.NoError(t, err)
	require.Equal(t, authority.VerdictGranted, verdict)

	engine.Resume(context.Background(), "user_aaaaaaaaaaaaaaaa", "resolved")
	require.False(t, engine.Halted())
}

func TestLevelOfUnknownRoleIsZero(t *testing.T) {
	require.Equal(t, authority.Level(0), authority.LevelOf("NOT_A_ROLE"))
}
