package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agora-labs/marketplace-core/internal/agoraerr"
	"github.com/agora-labs/marketplace-core/internal/audit"
	"github.com/agora-labs/marketplace-core/internal/id"
	"github.com/agora-labs/marketplace-core/internal/telemetry"
)

// Publisher hands committed events to the Event Fabric (C5). Implemented by
// internal/eventfabric.Fabric; a nil Publisher is valid for tests that do
// not exercise delivery.
type Publisher interface {
	Publish(ctx context.Context, events []Event)
}

// Reducer is what the single writer runs: callers wrap a function from
// internal/store/reducers, together with its params, in a closure that takes
// a context and returns the outcome or an error.
type Reducer func(ctx context.Context) (Outcome, error)

// Outcome is what a reducer returns: its result value and the events to
// publish. It is defined here because internal/store/reducers imports this
// package for Backend and the entity types; reducers.Outcome is an alias of
// this type, so no conversion is needed.
type Outcome struct {
	Result any
	Events []Event
}

type request struct {
	reducer Reducer
	resultC chan<- submitResult
}

type submitResult struct {
	outcome Outcome
	err     error
}

// Store is the C3 single-writer engine: one goroutine serializes every
// reducer invocation over a bounded channel; readers call Backend directly
// and see a snapshot at or after the last committed reducer.
type Store struct {
	Backend Backend
	audit   *audit.Log
	logger  telemetry.Logger
	publish Publisher

	queue     chan request
	commitSeq int64

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Option configures a Store.
type Option func(*Store)

// WithPublisher attaches the Event Fabric publisher events are handed to
// after each commit.
func WithPublisher(p Publisher) Option {
	return func(s *Store) { s.publish = p }
}

// WithLogger overrides the store's logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New constructs a Store with the given backend and starts its single
// writer goroutine. queueDepth bounds the reducer submission channel
// (spec.md §6 reducer_queue_depth); a full queue yields Overloaded.
func New(backend Backend, auditLog *audit.Log, queueDepth int, opts ...Option) *Store {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		Backend: backend,
		audit:   auditLog,
		logger:  telemetry.NewNoopLogger(),
		queue:   make(chan request, queueDepth),
		cancel:  cancel,
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	s.wg.Add(1)
	go s.run(ctx)
	return s
}

// Close stops the single writer goroutine. Queued requests in flight are
// still drained before the goroutine exits.
func (s *Store) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Store) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			// Close was called: keep serving until the queue is empty.
			if len(s.queue) == 0 {
				return
			}
		case req := <-s.queue:
			outcome, err := req.reducer(ctx)
			if err == nil {
				seq := atomic.AddInt64(&s.commitSeq, 1)
				for i := range outcome.Events {
					outcome.Events[i].CommitSeq = seq
					if outcome.Events[i].EventID == "" {
						evID, genErr := id.New(id.PrefixEvent)
						if genErr == nil {
							outcome.Events[i].EventID = evID
						}
					}
				}
				if s.publish != nil && len(outcome.Events) > 0 {
					s.publish.Publish(ctx, outcome.Events)
				}
			}
			req.resultC <- submitResult{outcome: outcome, err: err}
		}
	}
}

// Submit enqueues reducer for serialized execution and blocks for its
// result, honoring ctx cancellation. Returns Overloaded if the reducer
// queue is at capacity.
func (s *Store) Submit(ctx context.Context, reducer Reducer) (Outcome, error) {
	resultC := make(chan submitResult, 1)
	select {
	case s.queue <- request{reducer: reducer, resultC: resultC}:
	case <-ctx.Done():
		return Outcome{}, agoraerr.Wrap(agoraerr.DeadlineExceeded, ctx.Err(), "enqueue reducer")
	default:
		return Outcome{}, agoraerr.New(agoraerr.Overloaded, "reducer queue is at capacity")
	}
	select {
	case res := <-resultC:
		return res.outcome, res.err
	case <-ctx.Done():
		return Outcome{}, agoraerr.Wrap(agoraerr.DeadlineExceeded, ctx.Err(), "await reducer result")
	}
}

// CommitSequence returns the most recently assigned commit sequence.
func (s *Store) CommitSequence() int64 {
	return atomic.LoadInt64(&s.commitSeq)
}

// QueueDepth reports how many reducer submissions are currently buffered
// ahead of the single writer, for agora.system.status reporting.
func (s *Store) QueueDepth() int {
	return len(s.queue)
}

// Now returns the store's clock. Production callers pass this to
// reducers.Deps.Now; tests inject their own fixed clock instead.
func Now() time.Time { return time.Now().UTC() }
