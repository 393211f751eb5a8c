package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/agora-labs/marketplace-core/internal/agoraerr"
)

// handleSubscribeEvents streams DeliveredEvents for the calling agent as
// server-sent events until the client disconnects or a fatal subscription
// error occurs. The Event Fabric (C5) resumes automatically from the
// agent's durably persisted cursor on every (re)subscribe, so a dropped
// connection only costs the client a reconnect, never a gap or a replay of
// already-delivered events — the C9 client library's responsibility is
// simply to reconnect with backoff using the same agent identity.
func (s *Server) handleSubscribeEvents(w http.ResponseWriter, r *http.Request) {
	agentID, err := s.tools.ResolveAgentID(r.Context(), callerFromHeaders(r))
	if err != nil {
		writeError(w, err)
		return
	}

	var eventTypes []string
	if raw := r.URL.Query().Get("types"); raw != "" {
		eventTypes = strings.Split(raw, ",")
	}

	events, errs, cancel, err := s.fabric.Subscribe(r.Context(), agentID, eventTypes)
	if err != nil {
		writeError(w, err)
		return
	}
	defer cancel()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, agoraerr.New(agoraerr.Internal, "response writer does not support streaming"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", jsonOrFallback(errorBody{
				Kind: string(agoraerr.KindOf(err)), Message: err.Error(),
			}))
			flusher.Flush()
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Sequence, ev.Event.EventType, jsonOrFallback(ev))
			flusher.Flush()
		}
	}
}
