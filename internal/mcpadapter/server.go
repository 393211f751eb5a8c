// Package mcpadapter exposes the seven agora.* operations (internal/toolserver)
// as MCP tools over JSON-RPC 2.0, so an external planner or OVERSEER client
// speaking the Model Context Protocol can reach the same marketplace surface
// internal/httpapi serves as plain REST. It adds no entity or reducer of its
// own; every call it handles is a thin decode/dispatch/encode wrapper around
// one toolserver.Server method, identical in spirit to how the teacher's own
// generated MCP adapters wrap a goa service method — just hand-written,
// since that codegen path is not available here.
package mcpadapter

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/agora-labs/marketplace-core/internal/identity"
	"github.com/agora-labs/marketplace-core/internal/telemetry"
	"github.com/agora-labs/marketplace-core/internal/toolserver"
)

// ProtocolVersion is the MCP protocol version this adapter speaks, matching
// the teacher's runtime.DefaultProtocolVersion.
const ProtocolVersion = "2024-11-05"

const (
	serverName    = "agora-marketplace-core"
	serverVersion = "1.0"
)

// Server answers MCP JSON-RPC requests by dispatching to a toolserver.Server.
type Server struct {
	tools  *toolserver.Server
	logger telemetry.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger overrides the adapter's logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New constructs a Server wrapping tools.
func New(tools *toolserver.Server, opts ...Option) *Server {
	s := &Server{tools: tools, logger: telemetry.NewNoopLogger()}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

// Mux returns the single-endpoint handler MCP clients POST JSON-RPC
// envelopes to, mirroring the teacher's HTTPCaller's fixed "/rpc"-style
// endpoint convention.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /mcp", s.handleRPC)
	return mux
}

// ListenAndServe runs the adapter's HTTP endpoint until ctx is cancelled,
// then shuts it down gracefully — the same lifecycle shape as
// internal/httpapi.Server.ListenAndServe, so cmd/agora-server drives both
// transports identically.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Mux(), ReadHeaderTimeout: 60 * time.Second}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "mcp server listening", "component", "mcpadapter", "addr", addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	s.logger.Info(ctx, "shutting down mcp server", "component", "mcpadapter", "addr", addr)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		writeRPCError(w, 0, parseErrorCode, "invalid JSON-RPC request: "+err.Error())
		return
	}

	caller := toolserver.Caller{Claim: identity.Claim{
		AgentName:        r.Header.Get("X-Agora-Agent-Name"),
		ProjectDirectory: r.Header.Get("X-Agora-Project-Directory"),
	}}

	result, rpcErr := s.dispatch(r.Context(), caller, req.Method, req.Params)
	if rpcErr != nil {
		writeRPCError(w, req.ID, rpcErr.Code, rpcErr.Message)
		return
	}
	writeRPCResult(w, req.ID, result)
}

func (s *Server) dispatch(ctx context.Context, caller toolserver.Caller, method string, params json.RawMessage) (any, *rpcError) {
	switch method {
	case "initialize":
		return initializeResult{
			ProtocolVersion: ProtocolVersion,
			ServerInfo:      serverInfo{Name: serverName, Version: serverVersion},
			Capabilities:    capabilities{Tools: &struct{}{}},
		}, nil
	case "ping":
		return map[string]any{}, nil
	case "tools/list":
		return toolsListResult{Tools: toolDefinitions}, nil
	case "tools/call":
		return s.callTool(ctx, caller, params)
	default:
		return nil, &rpcError{Code: methodNotFoundCode, Message: "unknown method " + method}
	}
}

type initializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	ServerInfo      serverInfo   `json:"serverInfo"`
	Capabilities    capabilities `json:"capabilities"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type capabilities struct {
	Tools *struct{} `json:"tools,omitempty"`
}

type toolsListResult struct {
	Tools []toolDefinition `json:"tools"`
}

type toolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}
