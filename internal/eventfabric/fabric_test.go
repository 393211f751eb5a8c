package eventfabric_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agora-labs/marketplace-core/internal/agoraerr"
	"github.com/agora-labs/marketplace-core/internal/audit"
	"github.com/agora-labs/marketplace-core/internal/eventfabric"
	"github.com/agora-labs/marketplace-core/internal/store"
	"github.com/agora-labs/marketplace-core/internal/store/inmem"
)

func newFabric(t *testing.T, opts ...eventfabric.Option) (*eventfabric.Fabric, store.Backend) {
	t.Helper()
	backend := inmem.New()
	f := eventfabric.New(backend, audit.NewLog(audit.NewInmemStore(), nil), opts...)
	t.Cleanup(f.Close)
	return f, backend
}

func TestSubscribeDeliversEventsInOrder(t *testing.T) {
	f, _ := newFabric(t)
	ctx := context.Background()

	events, errs, cancel, err := f.Subscribe(ctx, "agent_aaaaaaaaaaaaaaaa", nil)
	require.NoError(t, err)
	defer cancel()

	f.Publish(ctx, []store.Event{
		{EventType: "task_assigned", TargetAgent: "agent_aaaaaaaaaaaaaaaa", Priority: 3},
		{EventType: "task_updated", TargetAgent: "agent_aaaaaaaaaaaaaaaa", Priority: 3},
		{EventType: "task_updated", TargetAgent: "agent_aaaaaaaaaaaaaaaa", Priority: 3},
	})

	var got []eventfabric.DeliveredEvent
	for i := 0; i < 3; i++ {
		select {
		case ev := <-events:
			got = append(got, ev)
		case err := <-errs:
			t.Fatalf("unexpected error: %v", err)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}
	require.Equal(t, "task_assigned", got[0].Event.EventType)
	require.Equal(t, "task_updated", got[1].Event.EventType)
	require.Equal(t, "task_updated", got[2].Event.EventType)
	require.Less(t, got[0].Sequence, got[1].Sequence)
	require.Less(t, got[1].Sequence, got[2].Sequence)
}

func TestBroadcastDeliversToEverySubscriber(t *testing.T) {
	f, _ := newFabric(t)
	ctx := context.Background()

	e1, _, c1, err := f.Subscribe(ctx, "agent_aaaaaaaaaaaaaaaa", nil)
	require.NoError(t, err)
	defer c1()
	e2, _, c2, err := f.Subscribe(ctx, "agent_bbbbbbbbbbbbbbbb", nil)
	require.NoError(t, err)
	defer c2()

	f.Publish(ctx, []store.Event{
		{EventType: "user_override", TargetAgent: store.BroadcastTarget, Priority: 5},
	})

	for _, ch := range []<-chan eventfabric.DeliveredEvent{e1, e2} {
		select {
		case ev := <-ch:
			require.Equal(t, "user_override", ev.Event.EventType)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for broadcast delivery")
		}
	}
}

func TestSubscriberQueueOverflowNeverDropsPriorityFive(t *testing.T) {
	f, _ := newFabric(t, eventfabric.WithQueueSize(2))
	ctx := context.Background()

	events, _, cancel, err := f.Subscribe(ctx, "agent_aaaaaaaaaaaaaaaa", nil)
	require.NoError(t, err)
	defer cancel()

	// Publish well beyond capacity, with no reader draining in between, so
	// both the subscription's bounded queue and the delivery channel
	// buffer saturate; the trailing priority-5 event must still survive.
	for i := 0; i < 6; i++ {
		f.Publish(ctx, []store.Event{
			{EventType: "filler", TargetAgent: "agent_aaaaaaaaaaaaaaaa", Priority: 1},
		})
	}
	f.Publish(ctx, []store.Event{
		{EventType: "emergency", TargetAgent: "agent_aaaaaaaaaaaaaaaa", Priority: 5},
	})

	var seen []string
	draining := true
	for draining {
		select {
		case ev, ok := <-events:
			if !ok {
				draining = false
				break
			}
			seen = append(seen, ev.Event.EventType)
		case <-time.After(200 * time.Millisecond):
			draining = false
		}
	}
	require.Contains(t, seen, "emergency")
}

func TestSubscribeResumesFromPersistedCursor(t *testing.T) {
	f, backend := newFabric(t)
	ctx := context.Background()

	require.NoError(t, backend.PutCursor(ctx, "agent_aaaaaaaaaaaaaaaa", 7))

	events, _, cancel, err := f.Subscribe(ctx, "agent_aaaaaaaaaaaaaaaa", nil)
	require.NoError(t, err)
	defer cancel()

	f.Publish(ctx, []store.Event{
		{EventType: "task_updated", TargetAgent: "agent_aaaaaaaaaaaaaaaa", Priority: 3},
	})

	select {
	case ev := <-events:
		require.Greater(t, ev.Sequence, int64(7))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestCursorPastRetentionHorizonIsRejected(t *testing.T) {
	clock := time.Now().UTC()
	f, backend := newFabric(t,
		eventfabric.WithRetention(time.Hour),
		eventfabric.WithClock(func() time.Time { return clock }),
	)
	ctx := context.Background()

	events, _, cancel, err := f.Subscribe(ctx, "agent_aaaaaaaaaaaaaaaa", nil)
	require.NoError(t, err)
	f.Publish(ctx, []store.Event{
		{EventType: "task_updated", TargetAgent: "agent_aaaaaaaaaaaaaaaa", Priority: 3},
	})
	select {
	case <-events:
	case <-time.After(time.Second):
		t.Fatal("timed out draining seed event")
	}
	cancel()

	// Advance the clock well past the retention window and sweep, which
	// discards the now-empty subscription's aged bookkeeping window.
	clock = clock.Add(2 * time.Hour)
	f.Sweep()

	require.NoError(t, backend.PutCursor(ctx, "agent_aaaaaaaaaaaaaaaa", 1))
	_, _, _, err = f.Subscribe(ctx, "agent_aaaaaaaaaaaaaaaa", nil)
	require.Error(t, err)
	require.True(t, agoraerr.Is(err, agoraerr.CursorExpired))
}

func TestSubscribeFiltersByEventType(t *testing.T) {
	f, _ := newFabric(t)
	ctx := context.Background()

	events, _, cancel, err := f.Subscribe(ctx, "agent_aaaaaaaaaaaaaaaa", []string{"task_updated"})
	require.NoError(t, err)
	defer cancel()

	f.Publish(ctx, []store.Event{
		{EventType: "task_assigned", TargetAgent: "agent_aaaaaaaaaaaaaaaa", Priority: 3},
		{EventType: "task_updated", TargetAgent: "agent_aaaaaaaaaaaaaaaa", Priority: 3},
	})

	select {
	case ev := <-events:
		require.Equal(t, "task_updated", ev.Event.EventType)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}
