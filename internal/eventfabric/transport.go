package eventfabric

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agora-labs/marketplace-core/internal/store"
)

// envelope is the wire shape mirrored into Redis for durability, analogous
// to the session-stream envelope the rest of this module's stack uses for
// Pulse-backed transports.
type envelope struct {
	EventID     string         `json:"event_id"`
	EventType   string         `json:"event_type"`
	SourceAgent string         `json:"source_agent"`
	TargetAgent string         `json:"target_agent"`
	Priority    int            `json:"priority"`
	CommitSeq   int64          `json:"commit_sequence"`
	CreatedAt   time.Time      `json:"created_at"`
	Payload     map[string]any `json:"payload,omitempty"`
}

func marshalEnvelope(ev store.Event) ([]byte, error) {
	return json.Marshal(envelope{
		EventID:     ev.EventID,
		EventType:   ev.EventType,
		SourceAgent: ev.SourceAgent,
		TargetAgent: ev.TargetAgent,
		Priority:    ev.Priority,
		CommitSeq:   ev.CommitSeq,
		CreatedAt:   ev.CreatedAt,
		Payload:     ev.Payload,
	})
}

func unmarshalEnvelope(payload []byte) (store.Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return store.Event{}, err
	}
	return store.Event{
		EventID:     env.EventID,
		EventType:   env.EventType,
		SourceAgent: env.SourceAgent,
		TargetAgent: env.TargetAgent,
		Priority:    env.Priority,
		CommitSeq:   env.CommitSeq,
		CreatedAt:   env.CreatedAt,
		Payload:     env.Payload,
	}, nil
}

// Transport is a durable Redis Streams mirror for committed events,
// grounded on the Pulse stream sink/subscriber shape: one stream per
// target agent (or the literal "broadcast" stream for events addressed to
// store.BroadcastTarget), so a process restart can replay recent history
// for a reconnecting subscriber instead of relying solely on the in-memory
// queue.
type Transport struct {
	client       Client
	streamPrefix string
	replayGroup  string
	replayWindow time.Duration
}

// TransportOptions configures a Transport.
type TransportOptions struct {
	Client Client
	// StreamPrefix namespaces streams, defaulting to "agora.events".
	StreamPrefix string
	// ReplayGroup names the consumer group used for bulk replay reads,
	// defaulting to "agora_replay".
	ReplayGroup string
	// ReplayWindow bounds how long Replay waits for buffered entries
	// before returning what it has collected so far. Defaults to 200ms.
	ReplayWindow time.Duration
}

// NewTransport constructs a Transport over an already-built Pulse Client.
func NewTransport(opts TransportOptions) (*Transport, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("eventfabric: pulse client is required")
	}
	prefix := opts.StreamPrefix
	if prefix == "" {
		prefix = "agora.events"
	}
	group := opts.ReplayGroup
	if group == "" {
		group = "agora_replay"
	}
	window := opts.ReplayWindow
	if window <= 0 {
		window = 200 * time.Millisecond
	}
	return &Transport{client: opts.Client, streamPrefix: prefix, replayGroup: group, replayWindow: window}, nil
}

func (t *Transport) streamName(agentID string) string {
	if agentID == store.BroadcastTarget {
		return fmt.Sprintf("%s.broadcast", t.streamPrefix)
	}
	return fmt.Sprintf("%s.%s", t.streamPrefix, agentID)
}

// Mirror publishes ev to its durable stream. Events addressed to
// store.BroadcastTarget are written once to the shared broadcast stream
// rather than fanned out, since replay consumers resolve their own target
// from the decoded envelope.
func (t *Transport) Mirror(ctx context.Context, ev store.Event) error {
	payload, err := marshalEnvelope(ev)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}
	stream, err := t.client.Stream(t.streamName(ev.TargetAgent))
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	if _, err := stream.Add(ctx, ev.EventType, payload); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Replay drains whatever is currently buffered on agentID's durable stream
// through a short-lived consumer group, decoding and acknowledging each
// entry, and returns the decoded events. Fabric does not call it:
// Fabric.Subscribe serves delivery from the in-memory queue only.
func (t *Transport) Replay(ctx context.Context, agentID string) ([]store.Event, error) {
	stream, err := t.client.Stream(t.streamName(agentID))
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	sink, err := stream.NewSink(ctx, t.replayGroup)
	if err != nil {
		return nil, fmt.Errorf("open replay sink: %w", err)
	}
	defer sink.Close(ctx)

	var events []store.Event
	timeout := time.NewTimer(t.replayWindow)
	defer timeout.Stop()
	ch := sink.Subscribe()
	for {
		select {
		case raw, ok := <-ch:
			if !ok {
				return events, nil
			}
			ev, err := unmarshalEnvelope(raw.Payload)
			if err != nil {
				return events, fmt.Errorf("decode replayed event: %w", err)
			}
			events = append(events, ev)
			_ = sink.Ack(ctx, raw)
		case <-timeout.C:
			return events, nil
		case <-ctx.Done():
			return events, ctx.Err()
		}
	}
}
