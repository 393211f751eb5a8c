package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agora-labs/marketplace-core/internal/audit"
	"github.com/agora-labs/marketplace-core/internal/store"
	"github.com/agora-labs/marketplace-core/internal/store/inmem"
)

func TestSubmitAssignsStrictlyIncreasingCommitSequences(t *testing.T) {
	s := store.New(inmem.New(), audit.NewLog(audit.NewInmemStore(), nil), 8)
	defer s.Close()

	var lastSeq int64
	for i := 0; i < 5; i++ {
		out, err := s.Submit(context.Background(), func(ctx context.Context) (store.Outcome, error) {
			return store.Outcome{Events: []store.Event{{EventType: "noop"}}}, nil
		})
		require.NoError(t, err)
		require.Len(t, out.Events, 1)
		require.Greater(t, out.Events[0].CommitSeq, lastSeq)
		lastSeq = out.Events[0].CommitSeq
	}
}

func TestSubmitPropagatesReducerError(t *testing.T) {
	s := store.New(inmem.New(), audit.NewLog(audit.NewInmemStore(), nil), 8)
	defer s.Close()

	_, err := s.Submit(context.Background(), func(ctx context.Context) (store.Outcome, error) {
		return store.Outcome{}, context.Canceled
	})
	require.Error(t, err)
}

func TestSubmitOverloadsWhenQueueIsFull(t *testing.T) {
	s := store.New(inmem.New(), audit.NewLog(audit.NewInmemStore(), nil), 1)
	defer s.Close()

	started := make(chan struct{})
	block := make(chan struct{})
	blockerDone := make(chan struct{})
	go func() {
		_, _ = s.Submit(context.Background(), func(ctx context.Context) (store.Outcome, error) {
			close(started)
			<-block
			return store.Outcome{}, nil
		})
		close(blockerDone)
	}()
	<-started // the writer goroutine is now occupied; the queue (depth 1) is empty behind it

	fillerDone := make(chan struct{})
	go func() {
		_, _ = s.Submit(context.Background(), func(ctx context.Context) (store.Outcome, error) {
			return store.Outcome{}, nil
		})
		close(fillerDone)
	}()

	// Give the filler a moment to occupy the one queue slot, then a third
	// submission must see a full queue and return Overloaded immediately.
	require.Eventually(t, func() bool {
		_, err := s.Submit(context.Background(), func(ctx context.Context) (store.Outcome, error) {
			return store.Outcome{}, nil
		})
		return err != nil
	}, time.Second, 10*time.Millisecond)

	close(block)
	<-blockerDone
	<-fillerDone
}
