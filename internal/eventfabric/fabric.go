package eventfabric

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agora-labs/marketplace-core/internal/agoraerr"
	"github.com/agora-labs/marketplace-core/internal/audit"
	"github.com/agora-labs/marketplace-core/internal/store"
	"github.com/agora-labs/marketplace-core/internal/telemetry"
)

// DeliveredEvent pairs a committed Event with the per-target sequence the
// fabric assigned it, per spec.md §4.4: "per-target sequence is assigned
// when C5 enqueues the event for delivery."
type DeliveredEvent struct {
	Event    store.Event
	Sequence int64
}

type queuedEvent struct {
	DeliveredEvent
	enqueuedAt time.Time
}

// historyEntry records that a sequence was assigned to an agent at a given
// time, independent of whether the event was ever delivered, dropped, or
// the subscription that received it has since disconnected. The retention
// sweep consults this to decide whether a reconnecting subscriber's cursor
// still falls inside the retention window, since the live delivery queue is
// drained (and its bookkeeping lost) the moment a subscriber disconnects.
type historyEntry struct {
	sequence int64
	at       time.Time
}

// subscription is one agent's ordered, bounded delivery queue.
type subscription struct {
	agentID    string
	eventTypes map[string]struct{} // nil/empty means "all types"
	maxSize    int

	mu     sync.Mutex
	queue  []queuedEvent
	notify chan struct{}
	closed bool
}

func newSubscription(agentID string, eventTypes []string, maxSize int) *subscription {
	var set map[string]struct{}
	if len(eventTypes) > 0 {
		set = make(map[string]struct{}, len(eventTypes))
		for _, t := range eventTypes {
			set[t] = struct{}{}
		}
	}
	return &subscription{
		agentID:    agentID,
		eventTypes: set,
		maxSize:    maxSize,
		notify:     make(chan struct{}, 1),
	}
}

func (s *subscription) wants(eventType string) bool {
	if len(s.eventTypes) == 0 {
		return true
	}
	_, ok := s.eventTypes[eventType]
	return ok
}

func (s *subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Fabric is the Event Fabric (C5): per-subscriber ordered delivery with a
// bounded, priority-aware queue, a durable cursor persisted through the
// Coordination Store backend, and a retention sweep that expires stale
// cursors. It implements store.Publisher.
type Fabric struct {
	backend   store.Backend
	auditLog  *audit.Log
	logger    telemetry.Logger
	queueSize int
	retention time.Duration
	now       func() time.Time
	transport *Transport // optional Redis-backed durability mirror; nil is valid

	mu        sync.Mutex
	subs      map[string]*subscription
	seq       map[string]int64          // last sequence assigned per target agent
	history   map[string][]historyEntry // sequence/time ledger per agent, for retention bookkeeping
	prunedSeq map[string]int64          // highest sequence the retention sweep discarded, per agent

	sweepDone chan struct{}
	cancel    context.CancelFunc
}

// Option configures a Fabric.
type Option func(*Fabric)

// WithQueueSize overrides the default per-subscriber bounded queue size
// (spec.md §4.4 default 1024).
func WithQueueSize(n int) Option {
	return func(f *Fabric) {
		if n > 0 {
			f.queueSize = n
		}
	}
}

// WithRetention overrides the default 72h retention window.
func WithRetention(d time.Duration) Option {
	return func(f *Fabric) {
		if d > 0 {
			f.retention = d
		}
	}
}

// WithLogger overrides the fabric's logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(f *Fabric) { f.logger = logger }
}

// WithTransport attaches a durable Redis Streams mirror. Published events
// are also written to the transport so a fresh process can replay recent
// history; subscriber delivery itself is always served from the in-memory
// queue.
func WithTransport(t *Transport) Option {
	return func(f *Fabric) { f.transport = t }
}

// WithClock overrides the fabric's clock; used by tests to control the
// retention sweep deterministically.
func WithClock(now func() time.Time) Option {
	return func(f *Fabric) {
		if now != nil {
			f.now = now
		}
	}
}

// New constructs a Fabric and starts its background retention sweeper.
func New(backend store.Backend, auditLog *audit.Log, opts ...Option) *Fabric {
	f := &Fabric{
		backend:   backend,
		auditLog:  auditLog,
		logger:    telemetry.NewNoopLogger(),
		queueSize: 1024,
		retention: 72 * time.Hour,
		now:       func() time.Time { return time.Now().UTC() },
		subs:      make(map[string]*subscription),
		seq:       make(map[string]int64),
		history:   make(map[string][]historyEntry),
		prunedSeq: make(map[string]int64),
		sweepDone: make(chan struct{}),
	}
	for _, o := range opts {
		if o != nil {
			o(f)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go f.sweepLoop(ctx)
	return f
}

// Close stops the retention sweeper.
func (f *Fabric) Close() {
	f.cancel()
	<-f.sweepDone
}

// Publish implements store.Publisher: it assigns a per-target sequence to
// each event and enqueues it on every matching, currently-registered
// subscription, expanding store.BroadcastTarget to every subscriber.
func (f *Fabric) Publish(ctx context.Context, events []store.Event) {
	for _, ev := range events {
		if f.transport != nil {
			if err := f.transport.Mirror(ctx, ev); err != nil {
				f.logger.Warn(ctx, "event fabric transport mirror failed", "component", "event-fabric", "event_type", ev.EventType, "err", err)
			}
		}
		if ev.TargetAgent == store.BroadcastTarget {
			f.deliverBroadcast(ctx, ev)
			continue
		}
		f.deliverTo(ctx, ev.TargetAgent, ev)
	}
}

func (f *Fabric) deliverBroadcast(ctx context.Context, ev store.Event) {
	f.mu.Lock()
	targets := make([]string, 0, len(f.subs))
	for agentID := range f.subs {
		targets = append(targets, agentID)
	}
	f.mu.Unlock()
	sort.Strings(targets)
	for _, agentID := range targets {
		f.deliverTo(ctx, agentID, ev)
	}
}

func (f *Fabric) deliverTo(ctx context.Context, agentID string, ev store.Event) {
	f.mu.Lock()
	sub, ok := f.subs[agentID]
	if !ok {
		f.mu.Unlock()
		return
	}
	f.seq[agentID]++
	sequence := f.seq[agentID]
	f.history[agentID] = append(f.history[agentID], historyEntry{sequence: sequence, at: f.now()})
	f.mu.Unlock()

	dropped, droppedEvent := sub.enqueue(queuedEvent{
		DeliveredEvent: DeliveredEvent{Event: ev, Sequence: sequence},
		enqueuedAt:     f.now(),
	})
	if dropped {
		f.auditLog.Record(ctx, audit.Entry{
			Actor:     "event-fabric",
			Operation: "event_dropped",
			Subject:   agentID,
			Outcome:   audit.OutcomeError,
			Reason:    "subscriber queue overflow",
			At:        f.now(),
		})
		f.logger.Warn(ctx, "subscriber queue overflow dropped event", "component", "event-fabric",
			"agent_id", agentID, "event_type", droppedEvent.Event.EventType, "priority", droppedEvent.Event.Priority)
	}
}

// enqueue appends event to the subscription's bounded queue. If the queue is
// at capacity it drops the lowest-priority entry that is not priority 5
// (never dropped); if every entry (including the incoming one) is priority
// 5, the incoming event itself is dropped instead. Returns whether
// something was dropped and, if so, which event.
func (s *subscription) enqueue(ev queuedEvent) (dropped bool, droppedEvent queuedEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.wants(ev.Event.EventType) {
		return false, queuedEvent{}
	}
	if s.maxSize <= 0 || len(s.queue) < s.maxSize {
		s.queue = append(s.queue, ev)
		s.signal()
		return false, queuedEvent{}
	}

	victim := -1
	for i, q := range s.queue {
		if q.Event.Priority == 5 {
			continue
		}
		if victim == -1 || q.Event.Priority < s.queue[victim].Event.Priority {
			victim = i
		}
	}
	if victim == -1 {
		// Every queued entry is priority 5; drop the incoming event instead.
		return true, ev
	}
	dropped, droppedEvent = true, s.queue[victim]
	s.queue = append(s.queue[:victim], s.queue[victim+1:]...)
	s.queue = append(s.queue, ev)
	s.signal()
	return dropped, droppedEvent
}

// dequeue pops the oldest entry, blocking until one is available, ctx is
// canceled, or the subscription is closed.
func (s *subscription) dequeue(ctx context.Context) (queuedEvent, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			next := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return next, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return queuedEvent{}, false
		}
		select {
		case <-s.notify:
		case <-ctx.Done():
			return queuedEvent{}, false
		}
	}
}

// prune drops undelivered entries older than horizon so a permanently
// stalled subscriber's queue does not pin arbitrarily old events in memory.
// Retention's effect on cursor validity is tracked separately in Fabric's
// per-agent history ledger, which survives subscriber disconnects.
func (s *subscription) prune(horizon time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := 0
	for ; i < len(s.queue); i++ {
		if s.queue[i].enqueuedAt.After(horizon) {
			break
		}
	}
	removed := i
	s.queue = s.queue[i:]
	return removed
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.signal()
}

// Subscribe registers agentID for delivery of eventTypes (empty means
// every type) and resumes from its durable cursor, if any. It returns an
// event channel, an error channel, and a cancel func that unregisters the
// subscription and closes both channels — mirroring the
// events/errs/cancel shape the rest of this module's consumers use. If the
// persisted cursor predates the retention horizon the subscription is
// rejected with CursorExpired and the caller must resynchronize via a full
// read of current state before resubscribing.
func (f *Fabric) Subscribe(ctx context.Context, agentID string, eventTypes []string) (<-chan DeliveredEvent, <-chan error, context.CancelFunc, error) {
	if agentID == "" {
		return nil, nil, nil, agoraerr.New(agoraerr.InvalidArgument, "agent_id is required")
	}
	cursor, ok, err := f.backend.GetCursor(ctx, agentID)
	if err != nil {
		return nil, nil, nil, agoraerr.Wrap(agoraerr.Internal, err, "load subscriber cursor")
	}
	if !ok {
		cursor = 0
	}

	f.mu.Lock()
	if prior, exists := f.subs[agentID]; exists {
		prior.close()
		delete(f.subs, agentID)
	}
	if cursor > 0 && cursor <= f.prunedSeqFor(agentID) {
		f.mu.Unlock()
		return nil, nil, nil, agoraerr.Newf(agoraerr.CursorExpired,
			"cursor %d for agent %s predates the retention horizon", cursor, agentID)
	}
	sub := newSubscription(agentID, eventTypes, f.queueSize)
	f.subs[agentID] = sub
	if f.seq[agentID] < cursor {
		f.seq[agentID] = cursor
	}
	f.mu.Unlock()

	out := make(chan DeliveredEvent, f.queueSize)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go f.consume(runCtx, sub, out, errs)
	cancelFunc := func() {
		cancel()
		sub.close()
		f.mu.Lock()
		if f.subs[agentID] == sub {
			delete(f.subs, agentID)
		}
		f.mu.Unlock()
	}
	return out, errs, cancelFunc, nil
}

// prunedSeqFor reports the highest sequence the retention sweep has
// discarded for agentID, across subscriptions that have come and gone.
// Callers must hold f.mu.
func (f *Fabric) prunedSeqFor(agentID string) int64 {
	return f.prunedSeq[agentID]
}

// consume drains sub's queue onto out, persisting the cursor after each
// successful delivery. This resolves spec.md's open acknowledgment-protocol
// question in favor of a per-event cursor commit: the coarsest-grained
// alternative (commit only on an explicit batch ack) would let a crashed
// subscriber silently skip events it never actually saw.
func (f *Fabric) consume(ctx context.Context, sub *subscription, out chan<- DeliveredEvent, errs chan<- error) {
	defer close(out)
	defer close(errs)
	for {
		ev, ok := sub.dequeue(ctx)
		if !ok {
			return
		}
		select {
		case out <- ev.DeliveredEvent:
		case <-ctx.Done():
			return
		}
		if err := f.backend.PutCursor(ctx, sub.agentID, ev.Sequence); err != nil {
			errs <- agoraerr.Wrap(agoraerr.Internal, err, "persist subscriber cursor")
			return
		}
	}
}

// sweepLoop runs the retention sweep until ctx is canceled.
func (f *Fabric) sweepLoop(ctx context.Context) {
	defer close(f.sweepDone)
	ticker := time.NewTicker(f.sweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.Sweep()
		}
	}
}

func (f *Fabric) sweepInterval() time.Duration {
	interval := f.retention / 100
	if interval < time.Minute {
		interval = time.Minute
	}
	if interval > time.Hour {
		interval = time.Hour
	}
	return interval
}

// Sweep runs one retention pass immediately: it prunes every live
// subscription's undelivered queue of entries older than the retention
// window, and independently advances each agent's prunedSeq high-water mark
// from the sequence/time ledger, which survives subscriber disconnects. The
// background sweepLoop calls this on its own schedule; tests call it
// directly to observe retention without waiting on the ticker.
func (f *Fabric) Sweep() {
	horizon := f.now().Add(-f.retention)

	f.mu.Lock()
	subs := make([]*subscription, 0, len(f.subs))
	for _, sub := range f.subs {
		subs = append(subs, sub)
	}
	f.mu.Unlock()
	for _, sub := range subs {
		sub.prune(horizon)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for agentID, entries := range f.history {
		i := 0
		for ; i < len(entries); i++ {
			if entries[i].at.After(horizon) {
				break
			}
			if entries[i].sequence > f.prunedSeq[agentID] {
				f.prunedSeq[agentID] = entries[i].sequence
			}
		}
		f.history[agentID] = entries[i:]
	}
}
