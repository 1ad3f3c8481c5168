package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetStreamReturnsSameHandleForSameKey(t *testing.T) {
	reg := NewRegistry()

	h1 := GetStream[int](reg, "counters", "a1")
	h2 := GetStream[int](reg, "counters", "a1")
	h3 := GetStream[int](reg, "counters", "a2")

	require.Same(t, h1, h2)
	require.NotSame(t, h1, h3)
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	reg := NewRegistry()
	h := GetStream[int](reg, "counters", "a1")

	sub := h.Subscribe(DefaultBackpressureConfig())
	h.Publish(context.Background(), 42)

	select {
	case msg := <-sub.C():
		require.Equal(t, 42, msg.Value)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}

	require.EqualValues(t, 1, sub.Metrics().MessagesPublished)
}

func TestDropOldestBackpressureEvictsOldestOnFullBuffer(t *testing.T) {
	reg := NewRegistry()
	h := GetStream[int](reg, "counters", "a1")

	sub := h.Subscribe(BackpressureConfig{Mode: BackpressureDropOldest, BufferSize: 2})

	ctx := context.Background()
	h.Publish(ctx, 1)
	h.Publish(ctx, 2)
	h.Publish(ctx, 3) // should evict 1

	first := <-sub.C()
	second := <-sub.C()

	require.Equal(t, 2, first.Value)
	require.Equal(t, 3, second.Value)
	require.EqualValues(t, 1, sub.Metrics().MessagesDropped)
}

func TestDropNewestBackpressureDiscardsIncoming(t *testing.T) {
	reg := NewRegistry()
	h := GetStream[int](reg, "counters", "a1")

	sub := h.Subscribe(BackpressureConfig{Mode: BackpressureDropNewest, BufferSize: 1})

	ctx := context.Background()
	h.Publish(ctx, 1)
	h.Publish(ctx, 2) // dropped

	msg := <-sub.C()
	require.Equal(t, 1, msg.Value)
	require.EqualValues(t, 1, sub.Metrics().MessagesDropped)
}

func TestConfigureBackpressureSetsNamespaceDefaults(t *testing.T) {
	reg := NewRegistry()
	reg.ConfigureBackpressure("metrics", BackpressureConfig{
		Mode:       BackpressureDropNewest,
		BufferSize: 1,
	})

	h := GetStream[int](reg, "metrics", "a1")
	sub := h.SubscribeDefault()

	ctx := context.Background()
	h.Publish(ctx, 1)
	h.Publish(ctx, 2) // dropped by the namespace default policy

	msg := <-sub.C()
	require.Equal(t, 1, msg.Value)
	require.EqualValues(t, 1, sub.Metrics().MessagesDropped)

	// Namespaces without a configured policy get the package default.
	other := GetStream[int](reg, "events", "a1")
	require.Equal(t, DefaultBackpressureConfig(), other.Defaults())
}

func TestBackpressureNoneDispatchesDirectly(t *testing.T) {
	reg := NewRegistry()
	h := GetStream[int](reg, "counters", "a1")

	sub := h.Subscribe(BackpressureConfig{Mode: BackpressureNone})

	received := make(chan int, 1)
	go func() {
		msg := <-sub.C()
		received <- msg.Value
	}()

	// Publish blocks until the subscriber takes the message, so its
	// return implies delivery.
	h.Publish(context.Background(), 7)

	select {
	case v := <-received:
		require.Equal(t, 7, v)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for direct-dispatch delivery")
	}

	require.EqualValues(t, 0, sub.Metrics().MessagesDropped)
}

func TestUnsubscribeClosesChannelAndRemovesSubscriber(t *testing.T) {
	reg := NewRegistry()
	h := GetStream[int](reg, "counters", "a1")

	sub := h.Subscribe(DefaultBackpressureConfig())
	require.Equal(t, 1, h.SubscriberCount())

	h.Unsubscribe(sub)
	require.Equal(t, 0, h.SubscriberCount())

	_, ok := <-sub.C()
	require.False(t, ok)
}

func TestWindowByCountGroupsFixedSizeBatches(t *testing.T) {
	now := time.Now()
	messages := []Message[int]{
		{Value: 1, At: now}, {Value: 2, At: now}, {Value: 3, At: now}, {Value: 4, At: now}, {Value: 5, At: now},
	}

	windows := WindowByCount(messages, 2)
	require.Len(t, windows, 3)
	require.Len(t, windows[0].Messages, 2)
	require.Len(t, windows[2].Messages, 1)
}

func TestWindowByTimeGroupsByDuration(t *testing.T) {
	base := time.Unix(0, 0)
	messages := []Message[int]{
		{Value: 1, At: base},
		{Value: 2, At: base.Add(5 * time.Millisecond)},
		{Value: 3, At: base.Add(20 * time.Millisecond)},
	}

	windows := WindowByTime(messages, 10*time.Millisecond)
	require.Len(t, windows, 2)
	require.Len(t, windows[0].Messages, 2)
	require.Len(t, windows[1].Messages, 1)
}

func TestSlidingWindowOverlaps(t *testing.T) {
	now := time.Now()
	messages := []Message[int]{
		{Value: 1, At: now}, {Value: 2, At: now}, {Value: 3, At: now}, {Value: 4, At: now},
	}

	windows := SlidingWindow(messages, 2, 1)
	require.Len(t, windows, 3)
	require.Equal(t, []int{1, 2}, valuesOf(windows[0]))
	require.Equal(t, []int{2, 3}, valuesOf(windows[1]))
	require.Equal(t, []int{3, 4}, valuesOf(windows[2]))
}

func TestSessionWindowSplitsOnGap(t *testing.T) {
	base := time.Unix(0, 0)
	messages := []Message[int]{
		{Value: 1, At: base},
		{Value: 2, At: base.Add(time.Millisecond)},
		{Value: 3, At: base.Add(time.Hour)},
	}

	windows := SessionWindow(messages, 10*time.Millisecond)
	require.Len(t, windows, 2)
	require.Equal(t, []int{1, 2}, valuesOf(windows[0]))
	require.Equal(t, []int{3}, valuesOf(windows[1]))
}

func valuesOf(w Window[int]) []int {
	out := make([]int, len(w.Messages))
	for i, m := range w.Messages {
		out[i] = m.Value
	}

	return out
}
