package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agora-labs/marketplace-core/internal/audit"
	"github.com/agora-labs/marketplace-core/internal/authority"
	"github.com/agora-labs/marketplace-core/internal/eventfabric"
	"github.com/agora-labs/marketplace-core/internal/httpapi"
	"github.com/agora-labs/marketplace-core/internal/identity"
	"github.com/agora-labs/marketplace-core/internal/store"
	"github.com/agora-labs/marketplace-core/internal/store/inmem"
	"github.com/agora-labs/marketplace-core/internal/toolserver"
)

type harness struct {
	ts       *httptest.Server
	verifier *identity.Verifier
}

func newHarness(t *testing.T) harness {
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
	return harness{ts: httptest.NewServer(srv.Mux()), verifier: verifier}
}

func (h harness) register(t *testing.T, name string, body map[string]any) (*http.Response, map[string]any, string) {
	t.Helper()
	dir := t.TempDir()
	_, err := h.verifier.Lock(name, dir)
	require.NoError(t, err)
	resp, decoded := h.doRequest(t, http.MethodPost, "/v1/agora/agents", name, dir, body)
	return resp, decoded, dir
}

func (h harness) doRequest(t *testing.T, method, path, agentName, projectDir string, body map[string]any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req, err := http.NewRequest(method, h.ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agora-Agent-Name", agentName)
	req.Header.Set("X-Agora-Project-Directory", projectDir)

	resp, err := h.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestRegisterAgentOverHTTP(t *testing.T) {
	h := newHarness(t)
	defer h.ts.Close()

	resp, decoded, _ := h.register(t, "http_worker", map[string]any{
		"agent_type": "WORKER",
		"capabilities": []map[string]any{
			{"type": "render", "proficiency_level": 70, "max_concurrent_tasks": 2},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, decoded["AgentID"])
}

func TestRegisterAgentRejectsIdentitySpoofingOverHTTP(t *testing.T) {
	h := newHarness(t)
	defer h.ts.Close()

	h.register(t, "legit_agent", map[string]any{"agent_type": "WORKER"})

	resp, decoded := h.doRequest(t, http.MethodPost, "/v1/agora/agents", "legit_agent", "/some/other/dir", map[string]any{
		"agent_type": "WORKER",
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "IdentitySpoofingError", decoded["kind"])
}

func TestSystemStatusOverHTTP(t *testing.T) {
	h := newHarness(t)
	defer h.ts.Close()

	_, _, dir := h.register(t, "status_observer", map[string]any{"agent_type": "OBSERVER"})

	req, err := http.NewRequest(http.MethodGet, h.ts.URL+"/v1/agora/status", nil)
	require.NoError(t, err)
	req.Header.Set("X-Agora-Agent-Name", "status_observer")
	req.Header.Set("X-Agora-Project-Directory", dir)
	resp, err := h.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	require.Equal(t, true, decoded["Healthy"])
}

func TestSubscribeEventsOpensEventStream(t *testing.T) {
	h := newHarness(t)
	defer h.ts.Close()

	_, _, dir := h.register(t, "subscriber_agent", map[string]any{"agent_type": "OBSERVER"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.ts.URL+"/v1/agora/events", nil)
	require.NoError(t, err)
	req.Header.Set("X-Agora-Agent-Name", "subscriber_agent")
	req.Header.Set("X-Agora-Project-Directory", dir)

	resp, err := h.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
}
