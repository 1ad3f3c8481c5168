package rebalance

import (
	"context"
	"testing"
	"time"

	"github.com/quarkrt/quark/internal/activitytracker"
	"github.com/quarkrt/quark/internal/membership"
	"github.com/quarkrt/quark/internal/migration"
	"github.com/stretchr/testify/require"
)

type fakeMembership struct {
	silos  []membership.SiloInfo
	scores map[string]float64
}

func (f fakeMembership) GetActiveSilos() []membership.SiloInfo { return f.silos }

func (f fakeMembership) HealthScore(siloID string) (float64, bool) {
	s, ok := f.scores[siloID]
	return s, ok
}

type fakeMigrator struct {
	calls []Plan
	fail  map[string]bool
}

func (f *fakeMigrator) MigrateActor(_ context.Context, actorType, actorID, targetSiloID string) (migration.Record, error) {
	f.calls = append(f.calls, Plan{ActorType: actorType, ActorID: actorID, TargetSiloID: targetSiloID})
	if f.fail[actorID] {
		return migration.Record{Status: migration.StatusFailed, Error: "boom"}, nil
	}
	return migration.Record{Status: migration.StatusCompleted}, nil
}

func silos(ids ...string) []membership.SiloInfo {
	out := make([]membership.SiloInfo, len(ids))
	for i, id := range ids {
		out[i] = membership.SiloInfo{SiloID: id, Status: membership.StatusActive}
	}
	return out
}

func TestComputePlansNoOpBelowThreshold(t *testing.T) {
	tr := activitytracker.New()
	tr.RecordMessageEnqueued("CounterActor", "a1")

	r := New(Config{
		LocalSiloID: "s1",
		Membership: fakeMembership{
			silos:  silos("s1", "s2"),
			scores: map[string]float64{"s1": 50, "s2": 48},
		},
		Tracker:  tr,
		Migrator: &fakeMigrator{},
	})

	require.Nil(t, r.ComputePlans())
}

func TestComputePlansNoOpWithFewerThanTwoSilos(t *testing.T) {
	r := New(Config{
		LocalSiloID: "s1",
		Membership:  fakeMembership{silos: silos("s1")},
		Tracker:     activitytracker.New(),
		Migrator:    &fakeMigrator{},
	})

	require.Nil(t, r.ComputePlans())
}

func TestComputePlansOnlyOverloadedSiloInitiatesShedding(t *testing.T) {
	tr := activitytracker.New()
	tr.RecordMessageEnqueued("CounterActor", "cold-1")

	// s2 is the most loaded silo; this Rebalancer instance represents s1,
	// so it must not propose any migrations even though the imbalance is
	// well over threshold.
	r := New(Config{
		LocalSiloID: "s1",
		Membership: fakeMembership{
			silos:  silos("s1", "s2"),
			scores: map[string]float64{"s1": 10, "s2": 90},
		},
		Tracker:  tr,
		Migrator: &fakeMigrator{},
	})

	require.Nil(t, r.ComputePlans())
}

func TestComputePlansMigratesColdestActorsOffOverloadedLocalSilo(t *testing.T) {
	tr := activitytracker.New()
	tr.RecordMessageEnqueued("CounterActor", "hot-1")
	tr.RecordCallStarted("CounterActor", "hot-1")
	tr.RecordMessageEnqueued("CounterActor", "cold-1")
	tr.RecordMessageDequeued("CounterActor", "cold-1")
	tr.RecordMessageEnqueued("CounterActor", "cold-2")
	tr.RecordMessageDequeued("CounterActor", "cold-2")

	r := New(Config{
		LocalSiloID: "s1",
		Membership: fakeMembership{
			silos:  silos("s1", "s2", "s3"),
			scores: map[string]float64{"s1": 90, "s2": 10, "s3": 50},
		},
		Tracker:  tr,
		Migrator: &fakeMigrator{},
		Options:  Options{ImbalanceThreshold: 0.2, MaxMigrationsPerCycle: 2},
	})

	plans := r.ComputePlans()
	require.Len(t, plans, 2)
	for _, p := range plans {
		require.Equal(t, "s1", p.SourceSiloID)
		require.Equal(t, "s2", p.TargetSiloID, "must target the least-loaded silo")
		require.NotEqual(t, "hot-1", p.ActorID, "the hottest actor should not be the first candidate shed")
	}
}

func TestRunCycleExecutesPlansAndToleratesFailures(t *testing.T) {
	tr := activitytracker.New()
	tr.RecordMessageEnqueued("CounterActor", "cold-1")
	tr.RecordMessageDequeued("CounterActor", "cold-1")
	tr.RecordMessageEnqueued("CounterActor", "cold-2")
	tr.RecordMessageDequeued("CounterActor", "cold-2")

	mig := &fakeMigrator{fail: map[string]bool{"cold-1": true}}

	r := New(Config{
		LocalSiloID: "s1",
		Membership: fakeMembership{
			silos:  silos("s1", "s2"),
			scores: map[string]float64{"s1": 90, "s2": 10},
		},
		Tracker:  tr,
		Migrator: mig,
		Options:  Options{ImbalanceThreshold: 0.1, MaxMigrationsPerCycle: 5},
	})

	n := r.RunCycle(context.Background())
	require.Equal(t, 2, n)
	require.Len(t, mig.calls, 2, "a failed migration must not abort the rest of the cycle")
}

func TestStartStopDoesNotPanic(t *testing.T) {
	r := New(Config{
		LocalSiloID: "s1",
		Membership:  fakeMembership{silos: silos("s1")},
		Tracker:     activitytracker.New(),
		Migrator:    &fakeMigrator{},
		Options:     Options{CheckInterval: 5 * time.Millisecond},
	})

	r.Start(context.Background())
	time.Sleep(15 * time.Millisecond)
	r.Stop()
}
