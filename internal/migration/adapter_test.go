package migration

import (
	"context"
	"testing"
	"time"

	"github.com/quarkrt/quark/internal/activitytracker"
	"github.com/quarkrt/quark/internal/directory"
	"github.com/quarkrt/quark/internal/dispatch"
	"github.com/quarkrt/quark/internal/envelope"
	"github.com/quarkrt/quark/internal/persistence"
	"github.com/quarkrt/quark/internal/silo"
	"github.com/quarkrt/quark/internal/transport/localtransport"
	"github.com/stretchr/testify/require"
)

type echoDispatcher struct{}

func (echoDispatcher) NewInstance(actorID string) (dispatch.ActorInstance, error) {
	return struct{}{}, nil
}

func (echoDispatcher) Invoke(_ context.Context, _ dispatch.ActorInstance, _ string, payload []byte) ([]byte, error) {
	return payload, nil
}

func newLiveSilo(t *testing.T, bus *localtransport.Bus, id string) (*silo.Silo, *activitytracker.Tracker, silo.Transport) {
	t.Helper()

	reg := dispatch.NewRegistry()
	reg.Register("Echo", echoDispatcher{})

	tracker := activitytracker.New()
	tr := localtransport.New(bus, id)

	s := silo.New(silo.Config{
		SiloID:    id,
		Dispatch:  reg,
		Activity:  tracker,
		Transport: tr,
	})

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() {
		require.NoError(t, s.Stop(ctx))
	})

	return s, tracker, tr
}

func TestSiloControllerMigratesLiveActivation(t *testing.T) {
	bus := localtransport.NewBus()
	s1, tracker1, tr1 := newLiveSilo(t, bus, "s1")
	s2, _, _ := newLiveSilo(t, bus, "s2")

	ctx := context.Background()
	states := persistence.NewMemoryStateStore()
	require.NoError(t, states.Save(ctx, "a1", StateName, []byte("snapshot")))

	// Activate a1 on s1 by routing a real call through the transport.
	resp, err := tr1.Send(ctx, "s1", envelope.NewRequest("Echo", "a1", "Ping", []byte("hi")))
	require.NoError(t, err)
	require.False(t, resp.IsError)
	require.True(t, s1.HasActivation("Echo", "a1"))

	ctrl := &SiloController{
		Silo:      s1,
		Activity:  tracker1,
		States:    states,
		Transport: tr1,
	}
	dir := directory.New(persistence.NewMemoryClusterStore())

	c := New(Config{
		SourceSiloID:      "s1",
		Activation:        ctrl,
		Directory:         dir,
		Reminders:         persistence.NewMemoryReminderTable(),
		DrainPollInterval: time.Millisecond,
	})

	rec, err := c.MigrateActor(ctx, "Echo", "a1", "s2")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, rec.Status)

	require.False(t, s1.HasActivation("Echo", "a1"))
	require.True(t, s2.HasActivation("Echo", "a1"))

	loc, ok, err := dir.Lookup(ctx, "Echo", "a1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "s2", loc.SiloID)

	state, ok, err := states.Load(ctx, "a1", StateName)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("snapshot"), state)

	require.Zero(t, c.ActiveMigrationCount())
}
