// Package httpapi exposes the Tool Server's seven agora.* operations and the
// Event Fabric's subscription stream over HTTP, so out-of-process agents
// (the C9 client library, or any other HTTP-capable caller) can reach C6 and
// C5 without linking against the core module. It is a pure transport layer:
// every request is decoded into the same request/response types
// internal/toolserver already validates and dispatches, and every response
// is the corresponding result type re-encoded as JSON.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agora-labs/marketplace-core/internal/eventfabric"
	"github.com/agora-labs/marketplace-core/internal/identity"
	"github.com/agora-labs/marketplace-core/internal/telemetry"
	"github.com/agora-labs/marketplace-core/internal/toolserver"
)

// Server mounts the agora.* HTTP surface. Safe for concurrent use; every
// handler delegates to the underlying toolserver.Server, which already
// serializes through the Coordination Store's single writer.
type Server struct {
	tools  *toolserver.Server
	fabric *eventfabric.Fabric
	logger telemetry.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger overrides the server's logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New constructs a Server dispatching to tools and streaming subscriptions
// from fabric.
func New(tools *toolserver.Server, fabric *eventfabric.Fabric, opts ...Option) *Server {
	s := &Server{tools: tools, fabric: fabric, logger: telemetry.NewNoopLogger()}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

// Mux builds the request multiplexer mounting every agora.* operation plus
// the event subscription stream, using the Go 1.22 method-and-path pattern
// matching built into net/http.ServeMux so no external router dependency is
// needed for a handful of fixed routes.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/agora/agents", s.handleRegisterAgent)
	mux.HandleFunc("POST /v1/agora/messages", s.handleSendMessage)
	mux.HandleFunc("POST /v1/agora/tasks", s.handleAssignTask)
	mux.HandleFunc("PATCH /v1/agora/tasks/{task_id}", s.handleUpdateTask)
	mux.HandleFunc("POST /v1/agora/workflows", s.handleStartWorkflow)
	mux.HandleFunc("POST /v1/agora/query", s.handleQueryData)
	mux.HandleFunc("GET /v1/agora/status", s.handleSystemStatus)
	mux.HandleFunc("GET /v1/agora/events", s.handleSubscribeEvents)
	return mux
}

// ListenAndServe runs an http.Server on addr until ctx is cancelled, then
// shuts it down gracefully. The listener runs in a background goroutine that
// reports on an error channel; the call itself blocks until that goroutine
// fails or ctx is cancelled, so cmd/agora-server can run this listener and
// the MCP adapter's side by side.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Mux(),
		ReadHeaderTimeout: 60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "http server listening", "component", "httpapi", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.logger.Info(ctx, "shutting down http server", "component", "httpapi", "addr", addr)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// callerFromHeaders resolves a toolserver.Caller from the identity headers
// every request must carry. The Identity Verifier (C2), not this transport
// layer, is the source of truth on whether the claim is honest.
func callerFromHeaders(r *http.Request) toolserver.Caller {
	return toolserver.Caller{
		Claim: identity.Claim{
			AgentName:        r.Header.Get("X-Agora-Agent-Name"),
			ProjectDirectory: r.Header.Get("X-Agora-Project-Directory"),
		},
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// jsonOrFallback marshals v for an SSE data line; a marshal failure (which
// should not happen for the fixed event/error shapes this package streams)
// falls back to a quoted error string rather than breaking the stream.
func jsonOrFallback(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%q", err.Error())
	}
	return string(b)
}
