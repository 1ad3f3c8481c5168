package activitytracker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnqueueStrictlyIncreasesActivityScore(t *testing.T) {
	tr := New()
	tr.RecordMessageEnqueued("CounterActor", "a1")

	before, ok := tr.GetActivityMetrics("CounterActor", "a1")
	require.True(t, ok)

	tr.RecordMessageEnqueued("CounterActor", "a1")
	after, ok := tr.GetActivityMetrics("CounterActor", "a1")
	require.True(t, ok)

	require.Greater(t, after.ActivityScore, before.ActivityScore)
	require.Equal(t, before.QueueDepth+1, after.QueueDepth)
}

func TestDequeueStrictlyDecreasesActivityScore(t *testing.T) {
	tr := New()
	tr.RecordMessageEnqueued("CounterActor", "a1")
	tr.RecordMessageEnqueued("CounterActor", "a1")
	tr.RecordMessageEnqueued("CounterActor", "a1")

	before, _ := tr.GetActivityMetrics("CounterActor", "a1")

	tr.RecordMessageDequeued("CounterActor", "a1")
	after, _ := tr.GetActivityMetrics("CounterActor", "a1")

	require.Less(t, after.ActivityScore, before.ActivityScore)
}

func TestQueueDepthNeverGoesNegative(t *testing.T) {
	tr := New()
	tr.RecordMessageDequeued("CounterActor", "a1")

	m, ok := tr.GetActivityMetrics("CounterActor", "a1")
	require.True(t, ok)
	require.Zero(t, m.QueueDepth)
}

func TestActiveCallAndStreamsMarkActorHot(t *testing.T) {
	tr := New()
	tr.RecordCallStarted("CounterActor", "a1")

	m, _ := tr.GetActivityMetrics("CounterActor", "a1")
	require.True(t, m.IsHot)
	require.False(t, m.IsCold)

	tr.RecordCallCompleted("CounterActor", "a1")
	tr.RecordStreamActivity("CounterActor", "a1", true)

	m, _ = tr.GetActivityMetrics("CounterActor", "a1")
	require.True(t, m.IsHot)
}

func TestMigrationPriorityListIsColdFirst(t *testing.T) {
	tr := New()
	tr.RecordMessageEnqueued("CounterActor", "hot")
	tr.RecordCallStarted("CounterActor", "hot")
	tr.RecordMessageEnqueued("CounterActor", "cold")
	tr.RecordMessageDequeued("CounterActor", "cold")

	list := tr.GetMigrationPriorityList()
	require.Len(t, list, 2)
	require.Equal(t, "cold", list[0].ActorID)
	require.Equal(t, "hot", list[1].ActorID)
}

func TestRemoveDropsTrackedActor(t *testing.T) {
	tr := New()
	tr.RecordMessageEnqueued("CounterActor", "a1")
	tr.Remove("CounterActor", "a1")

	_, ok := tr.GetActivityMetrics("CounterActor", "a1")
	require.False(t, ok)
}
