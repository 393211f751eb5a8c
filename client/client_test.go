package agoraclient_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	agoraclient "github.com/agora-labs/marketplace-core/client"
	"github.com/agora-labs/marketplace-core/internal/audit"
	"github.com/agora-labs/marketplace-core/internal/authority"
	"github.com/agora-labs/marketplace-core/internal/eventfabric"
	"github.com/agora-labs/marketplace-core/internal/httpapi"
	"github.com/agora-labs/marketplace-core/internal/identity"
	"github.com/agora-labs/marketplace-core/internal/store"
	"github.com/agora-labs/marketplace-core/internal/store/inmem"
	"github.com/agora-labs/marketplace-core/internal/toolserver"
)

func newTestServer(t *testing.T) (*httptest.Server, *identity.Verifier) {
	t.Helper()
	backend := inmem.New()
	auditLog := audit.NewLog(audit.NewInmemStore(), nil)
	fabric := eventfabric.New(backend, auditLog)
	t.Cleanup(fabric.Close)
	st := store.New(backend, auditLog, 64, store.WithPublisher(fabric))
	t.Cleanup(st.Close)
	verifier := identity.NewVerifier(auditLog)
	engine := authority.NewEngine(auditLog)
	tools := toolserver.New(st, verifier, engine, auditLog)
	srv := httpapi.New(tools, fabric)
	ts := httptest.NewServer(srv.Mux())
	t.Cleanup(ts.Close)
	return ts, verifier
}

func newClient(t *testing.T, baseURL string, verifier *identity.Verifier, agentName string) *agoraclient.Client {
	t.Helper()
	dir := t.TempDir()
	_, err := verifier.Lock(agentName, dir)
	require.NoError(t, err)
	return agoraclient.New(agoraclient.Config{
		BaseURL: baseURL, AgentName: agentName, ProjectDirectory: dir,
	})
}

func TestClientRegisterAndAssignTask(t *testing.T) {
	ts, verifier := newTestServer(t)
	client := newClient(t, ts.URL, verifier, "client_worker")

	registered, err := client.RegisterAgent(context.Background(), agoraclient.RegisterAgentRequest{
		AgentType: "WORKER",
		Capabilities: []agoraclient.CapabilityInput{
			{Type: "render", Proficiency: 80, MaxConcurrent: 2},
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, registered.AgentID)

	task, err := client.AssignTask(context.Background(), agoraclient.AssignTaskRequest{
		Assignee: registered.AgentID, TaskType: "render", Payload: map[string]any{"frame": 1},
		IdempotencyKey: agoraclient.NewIdempotencyKey(),
	})
	require.NoError(t, err)
	require.NotEmpty(t, task.TaskID)
	require.Equal(t, "pending", task.Status)
}

func TestClientSurfacesStructuredErrorOnIdentityMismatch(t *testing.T) {
	ts, verifier := newTestServer(t)
	_, err := verifier.Lock("existing_agent", t.TempDir())
	require.NoError(t, err)

	client := agoraclient.New(agoraclient.Config{
		BaseURL: ts.URL, AgentName: "existing_agent", ProjectDirectory: "/not/the/locked/dir",
	})

	_, err = client.RegisterAgent(context.Background(), agoraclient.RegisterAgentRequest{AgentType: "WORKER"})
	require.Error(t, err)

	var apiErr *agoraclient.Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "IdentitySpoofingError", apiErr.Kind)
	require.False(t, apiErr.Retryable)
}

func TestClientSystemStatus(t *testing.T) {
	ts, verifier := newTestServer(t)
	client := newClient(t, ts.URL, verifier, "status_client")
	_, err := client.RegisterAgent(context.Background(), agoraclient.RegisterAgentRequest{AgentType: "OBSERVER"})
	require.NoError(t, err)

	status, err := client.SystemStatus(context.Background())
	require.NoError(t, err)
	require.True(t, status.Healthy)
	require.GreaterOrEqual(t, status.ActiveAgentCount, 1)
}

func TestClientSubscribeReceivesDeliveredEvent(t *testing.T) {
	ts, verifier := newTestServer(t)
	sender := newClient(t, ts.URL, verifier, "sender_agent")
	receiver := newClient(t, ts.URL, verifier, "receiver_agent")

	_, err := sender.RegisterAgent(context.Background(), agoraclient.RegisterAgentRequest{AgentType: "WORKER"})
	require.NoError(t, err)
	recv, err := receiver.RegisterAgent(context.Background(), agoraclient.RegisterAgentRequest{AgentType: "WORKER"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, errs := receiver.Subscribe(ctx, nil)

	_, err = sender.SendMessage(context.Background(), agoraclient.SendMessageRequest{
		ToAgent: recv.AgentID, MessageType: "greeting", Payload: map[string]any{"hello": "world"},
	})
	require.NoError(t, err)

	select {
	case ev := <-events:
		require.Equal(t, "message_sent", ev.Event.EventType)
	case err := <-errs:
		t.Fatalf("subscription failed: %v", err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for delivered event")
	}
}
