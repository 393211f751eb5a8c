package mcpadapter_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agora-labs/marketplace-core/internal/audit"
	"github.com/agora-labs/marketplace-core/internal/authority"
	"github.com/agora-labs/marketplace-core/internal/eventfabric"
	"github.com/agora-labs/marketplace-core/internal/identity"
	"github.com/agora-labs/marketplace-core/internal/mcpadapter"
	"github.com/agora-labs/marketplace-core/internal/store"
	"github.com/agora-labs/marketplace-core/internal/store/inmem"
	"github.com/agora-labs/marketplace-core/internal/toolserver"
)

type harness struct {
	ts       *httptest.Server
	verifier *identity.Verifier
}

func newHarness(t *testing.T) *harness {
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
	srv := mcpadapter.New(tools)
	ts := httptest.NewServer(srv.Mux())
	t.Cleanup(ts.Close)
	return &harness{ts: ts, verifier: verifier}
}

type rpcEnvelope struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      uint64 `json:"id"`
	Params  any    `json:"params,omitempty"`
}

type rpcReply struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	ID uint64 `json:"id"`
}

func (h *harness) call(t *testing.T, id uint64, method, agentName, projectDir string, params any) rpcReply {
	t.Helper()
	body, err := json.Marshal(rpcEnvelope{JSONRPC: "2.0", Method: method, ID: id, Params: params})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, h.ts.URL+"/mcp", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agora-Agent-Name", agentName)
	req.Header.Set("X-Agora-Project-Directory", projectDir)

	resp, err := h.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var reply rpcReply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	return reply
}

func (h *harness) register(t *testing.T, agentName, agentType string) string {
	t.Helper()
	dir := t.TempDir()
	_, err := h.verifier.Lock(agentName, dir)
	require.NoError(t, err)

	reply := h.call(t, 1, "tools/call", agentName, dir, map[string]any{
		"name":      "agora.agent.register",
		"arguments": map[string]any{"agent_type": agentType},
	})
	require.Nil(t, reply.Error)

	var result toolsCallResultTestView
	require.NoError(t, json.Unmarshal(reply.Result, &result))
	require.False(t, result.IsError, result.Content[0].Text)
	return dir
}

type toolsCallResultTestView struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

func TestInitializeAndToolsList(t *testing.T) {
	h := newHarness(t)

	init := h.call(t, 1, "initialize", "", "", nil)
	require.Nil(t, init.Error)

	list := h.call(t, 2, "tools/list", "", "", nil)
	require.Nil(t, list.Error)

	var result struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(list.Result, &result))
	require.Len(t, result.Tools, 7)
}

func TestToolsCallReregistersWithCapabilities(t *testing.T) {
	h := newHarness(t)
	dir := h.register(t, "mcp_worker", "WORKER")

	reply := h.call(t, 3, "tools/call", "mcp_worker", dir, map[string]any{
		"name": "agora.agent.register",
		"arguments": map[string]any{
			"agent_type": "WORKER",
			"capabilities": []map[string]any{
				{"type": "render", "proficiency_level": 80, "max_concurrent_tasks": 2},
			},
		},
	})
	require.Nil(t, reply.Error)
	var result toolsCallResultTestView
	require.NoError(t, json.Unmarshal(reply.Result, &result))
	require.False(t, result.IsError)
}

func TestToolsCallRejectsUnknownTool(t *testing.T) {
	h := newHarness(t)
	reply := h.call(t, 4, "tools/call", "nobody", "", map[string]any{
		"name":      "agora.not.a.real.tool",
		"arguments": map[string]any{},
	})
	require.NotNil(t, reply.Error)
}

func TestToolsCallSurfacesIdentitySpoofingAsToolError(t *testing.T) {
	h := newHarness(t)
	_, err := h.verifier.Lock("spoofed_agent", t.TempDir())
	require.NoError(t, err)

	reply := h.call(t, 5, "tools/call", "spoofed_agent", "/not/the/locked/dir", map[string]any{
		"name":      "agora.agent.register",
		"arguments": map[string]any{"agent_type": "WORKER"},
	})
	require.Nil(t, reply.Error)

	var result toolsCallResultTestView
	require.NoError(t, json.Unmarshal(reply.Result, &result))
	require.True(t, result.IsError)
	require.Contains(t, result.Content[0].Text, "IdentitySpoofingError")
}
