package membership

import (
	"context"
	"testing"
	"time"

	"github.com/quarkrt/quark/internal/hashring"
	"github.com/quarkrt/quark/internal/persistence"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.EvictionCheckInterval = 10 * time.Millisecond
	cfg.EvictionThreshold = 30 * time.Millisecond
	cfg.HeartbeatTTL = time.Minute

	return cfg
}

func TestRegisterSiloAddsToRing(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryClusterStore()
	ring := hashring.NewHierarchical()

	reg := NewRegistry(store, ring, testConfig(), SiloInfo{
		SiloID: "silo-a", Address: "127.0.0.1", Port: 11111,
	})

	require.NoError(t, reg.RegisterSilo(ctx))
	require.Equal(t, 1, ring.NodeCount())

	silos := reg.GetActiveSilos()
	require.Len(t, silos, 1)
	require.Equal(t, "silo-a", silos[0].SiloID)
}

func TestUnregisterSiloRemovesFromRing(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryClusterStore()
	ring := hashring.NewHierarchical()

	reg := NewRegistry(store, ring, testConfig(), SiloInfo{SiloID: "silo-a"})
	require.NoError(t, reg.RegisterSilo(ctx))
	require.NoError(t, reg.UnregisterSilo(ctx))

	require.Equal(t, 0, ring.NodeCount())
	require.Empty(t, reg.GetActiveSilos())

	val, found, err := store.Get(ctx, siloKey("silo-a"))
	require.NoError(t, err)
	require.False(t, found)
	require.Nil(t, val)
}

func TestReconciliationDiscoversPeerSilo(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := persistence.NewMemoryClusterStore()
	ringA := hashring.NewHierarchical()
	ringB := hashring.NewHierarchical()

	regA := NewRegistry(store, ringA, testConfig(), SiloInfo{SiloID: "silo-a"})
	regB := NewRegistry(store, ringB, testConfig(), SiloInfo{SiloID: "silo-b"})

	var joined []Event
	regB.Subscribe(func(ev Event) { joined = append(joined, ev) })

	require.NoError(t, regA.RegisterSilo(ctx))

	regB.Start(ctx)
	defer regB.Stop()

	require.Eventually(t, func() bool {
		return ringB.NodeCount() == 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		for _, ev := range joined {
			if ev.Kind == EventSiloJoined && ev.Silo.SiloID == "silo-a" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestEvictionRemovesStaleSilo(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := persistence.NewMemoryClusterStore()
	ring := hashring.NewHierarchical()

	reg := NewRegistry(store, ring, testConfig(), SiloInfo{SiloID: "self"})
	require.NoError(t, reg.RegisterSilo(ctx))

	// Inject a peer silo with a stale heartbeat directly, bypassing the
	// normal heartbeat loop.
	reg.mu.Lock()
	reg.silos["stale-peer"] = SiloInfo{
		SiloID:        "stale-peer",
		Status:        StatusActive,
		LastHeartbeat: time.Now().Add(-time.Hour),
	}
	reg.mu.Unlock()
	ring.AddNode(hashring.Node{SiloID: "stale-peer"})

	var left []Event
	reg.Subscribe(func(ev Event) { left = append(left, ev) })

	reg.Start(ctx)
	defer reg.Stop()

	require.Eventually(t, func() bool {
		_, ok := reg.GetSilo("stale-peer")
		return !ok
	}, time.Second, 5*time.Millisecond)

	found := false
	for _, ev := range left {
		if ev.Kind == EventSiloLeft && ev.Silo.SiloID == "stale-peer" {
			found = true
		}
	}
	require.True(t, found, "expected a SiloLeft event for the evicted peer")
}

func TestHealthScoreWeightedAverage(t *testing.T) {
	store := persistence.NewMemoryClusterStore()
	ring := hashring.NewHierarchical()
	cfg := testConfig()
	cfg.HealthWeights = [3]float64{1, 0, 0}
	cfg.HealthHistorySize = 2

	reg := NewRegistry(store, ring, cfg, SiloInfo{SiloID: "silo-a"})

	reg.RecordHealthSample("silo-a", HealthSample{CPUPercent: 10})
	reg.RecordHealthSample("silo-a", HealthSample{CPUPercent: 20})
	reg.RecordHealthSample("silo-a", HealthSample{CPUPercent: 30}) // evicts the 10 sample

	score, ok := reg.HealthScore("silo-a")
	require.True(t, ok)
	require.InDelta(t, 25.0, score, 0.001)
}

func TestGetActorSiloUsesRing(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryClusterStore()
	ring := hashring.NewHierarchical()

	reg := NewRegistry(store, ring, testConfig(), SiloInfo{SiloID: "silo-a"})
	require.NoError(t, reg.RegisterSilo(ctx))

	owner, ok := reg.GetActorSilo("Counter", "actor-1")
	require.True(t, ok)
	require.Equal(t, "silo-a", owner)
}
