package mailbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quarkrt/quark/internal/envelope"
	"github.com/quarkrt/quark/internal/quarkerr"
	"github.com/stretchr/testify/require"
)

func newTestEnvelope() envelope.Envelope {
	return envelope.NewRequest("CounterActor", "a1", "Increment", []byte("1"))
}

func TestMailboxProcessesMessagesInFIFOOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string

	mb := New(Config{
		ActorID: "a1",
		Handler: func(_ context.Context, req envelope.Envelope) (envelope.Envelope, error) {
			mu.Lock()
			order = append(order, string(req.Payload))
			mu.Unlock()

			return req.Reply(nil), nil
		},
	})
	mb.Start(context.Background())
	defer mb.Stop()

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		env := newTestEnvelope()
		env.Payload = []byte{byte(i)}
		ok, err := mb.Post(ctx, env)
		require.NoError(t, err)
		require.True(t, ok)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 20
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		require.Equal(t, byte(i), v[0])
	}
}

func TestIsProcessingTracksInFlightMessageOnly(t *testing.T) {
	release := make(chan struct{})
	mb := New(Config{
		ActorID: "a1",
		Handler: func(_ context.Context, req envelope.Envelope) (envelope.Envelope, error) {
			<-release
			return req.Reply(nil), nil
		},
	})
	mb.Start(context.Background())
	defer mb.Stop()

	require.False(t, mb.IsProcessing(), "an idle mailbox is not processing")

	_, err := mb.Post(context.Background(), newTestEnvelope())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return mb.IsProcessing()
	}, time.Second, time.Millisecond)

	close(release)

	require.Eventually(t, func() bool {
		return !mb.IsProcessing()
	}, time.Second, time.Millisecond)
}

func TestMailboxRejectsPostAfterStop(t *testing.T) {
	mb := New(Config{
		ActorID: "a1",
		Handler: func(_ context.Context, req envelope.Envelope) (envelope.Envelope, error) {
			return req.Reply(nil), nil
		},
	})
	mb.Start(context.Background())
	mb.Stop()

	_, err := mb.Post(context.Background(), newTestEnvelope())
	require.True(t, errors.Is(err, quarkerr.ErrMailboxClosed))
}

func TestMailboxDrainStopsAcceptingButKeepsProcessing(t *testing.T) {
	var processed int
	var mu sync.Mutex

	mb := New(Config{
		ActorID: "a1",
		Handler: func(_ context.Context, req envelope.Envelope) (envelope.Envelope, error) {
			mu.Lock()
			processed++
			mu.Unlock()

			return req.Reply(nil), nil
		},
	})
	mb.Start(context.Background())
	defer mb.Stop()

	ctx := context.Background()
	_, err := mb.Post(ctx, newTestEnvelope())
	require.NoError(t, err)

	mb.BeginDrain()
	require.True(t, mb.IsDraining())

	_, err = mb.Post(ctx, newTestEnvelope())
	require.True(t, errors.Is(err, quarkerr.ErrMailboxClosed))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return processed == 1
	}, time.Second, time.Millisecond)
}

func TestMailboxRateLimitDropsOverLimit(t *testing.T) {
	mb := New(Config{
		ActorID: "a1",
		Handler: func(_ context.Context, req envelope.Envelope) (envelope.Envelope, error) {
			return req.Reply(nil), nil
		},
		RateLimit: RateLimitConfig{
			MaxMessagesPerWindow: 5,
			TimeWindow:           time.Second,
			Action:               RateLimitDrop,
		},
	})
	mb.Start(context.Background())
	defer mb.Stop()

	ctx := context.Background()
	var accepted, dropped int
	for i := 0; i < 10; i++ {
		ok, err := mb.Post(ctx, newTestEnvelope())
		require.NoError(t, err)
		if ok {
			accepted++
		} else {
			dropped++
		}
	}

	require.Equal(t, 5, accepted)
	require.Equal(t, 5, dropped)
}

func TestMailboxRateLimitRejectsOverLimit(t *testing.T) {
	mb := New(Config{
		ActorID: "a1",
		Handler: func(_ context.Context, req envelope.Envelope) (envelope.Envelope, error) {
			return req.Reply(nil), nil
		},
		RateLimit: RateLimitConfig{
			MaxMessagesPerWindow: 1,
			TimeWindow:           time.Minute,
			Action:               RateLimitReject,
		},
	})
	mb.Start(context.Background())
	defer mb.Stop()

	ctx := context.Background()
	_, err := mb.Post(ctx, newTestEnvelope())
	require.NoError(t, err)

	_, err = mb.Post(ctx, newTestEnvelope())
	require.True(t, errors.Is(err, quarkerr.ErrRateLimited))
}

func TestMailboxDeadLetterQueueCapturesFailuresAndReplays(t *testing.T) {
	var attempt int
	var mu sync.Mutex

	mb := New(Config{
		ActorID: "a1",
		Handler: func(_ context.Context, req envelope.Envelope) (envelope.Envelope, error) {
			mu.Lock()
			attempt++
			n := attempt
			mu.Unlock()

			if n == 1 {
				return envelope.Envelope{}, errors.New("boom")
			}

			return req.Reply(nil), nil
		},
		DeadLetterMaxMessages: 10,
	})
	mb.Start(context.Background())
	defer mb.Stop()

	ctx := context.Background()
	env := newTestEnvelope()
	_, err := mb.Post(ctx, env)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return mb.DeadLetters().Len() == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, mb.Replay(ctx, env.MessageID))

	require.Eventually(t, func() bool {
		return mb.DeadLetters().Len() == 0
	}, time.Second, time.Millisecond)
}

func TestDeadLetterQueueEvictsOldestWhenFull(t *testing.T) {
	q := NewDeadLetterQueue(2)

	q.Add(DeadLetter{Message: envelope.Envelope{MessageID: "1"}, Timestamp: time.Now()})
	q.Add(DeadLetter{Message: envelope.Envelope{MessageID: "2"}, Timestamp: time.Now()})
	q.Add(DeadLetter{Message: envelope.Envelope{MessageID: "3"}, Timestamp: time.Now()})

	require.Equal(t, 2, q.Len())
	_, ok := q.Get("1")
	require.False(t, ok)

	_, ok = q.Get("2")
	require.True(t, ok)
	_, ok = q.Get("3")
	require.True(t, ok)
}

func TestCircuitBreakerOpensAfterFailureThresholdAndHalfOpenProbes(t *testing.T) {
	cb := newCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		SamplingWindow:   time.Minute,
		Timeout:          10 * time.Millisecond,
		SuccessThreshold: 1,
	})

	require.True(t, cb.Allow())
	cb.RecordFailure()
	require.True(t, cb.Allow())
	cb.RecordFailure()

	require.False(t, cb.Allow())

	require.Eventually(t, func() bool {
		return cb.Allow()
	}, time.Second, time.Millisecond)

	require.Equal(t, "half_open", cb.State())

	require.False(t, cb.Allow(), "a second concurrent probe must not be admitted")

	cb.RecordSuccess()
	require.Equal(t, "closed", cb.State())
}
