package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quarkrt/quark/internal/quarkerr"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestMemoryClusterStorePutGetDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryClusterStore()

	_, found, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, store.Put(ctx, "cluster/silo/a", []byte("payload"), 0))

	val, found, err := store.Get(ctx, "cluster/silo/a")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("payload"), val)

	require.NoError(t, store.Delete(ctx, "cluster/silo/a"))
	_, found, err = store.Get(ctx, "cluster/silo/a")
	require.NoError(t, err)
	require.False(t, found)
}

func TestMemoryClusterStoreTTLExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryClusterStore()

	require.NoError(t, store.Put(ctx, "k", []byte("v"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, found, "expired record should not be returned")
}

func TestMemoryClusterStoreScanPrefix(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryClusterStore()

	require.NoError(t, store.Put(ctx, "cluster/silo/a", []byte("a"), 0))
	require.NoError(t, store.Put(ctx, "cluster/silo/b", []byte("b"), 0))
	require.NoError(t, store.Put(ctx, "cluster/actor/x", []byte("x"), 0))

	kvs, err := store.ScanPrefix(ctx, "cluster/silo/")
	require.NoError(t, err)
	require.Len(t, kvs, 2)
}

func TestMemoryStateStoreVersioning(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStateStore()

	v1, err := store.SaveWithVersion(ctx, "actor-1", "balance", []byte("10"), nil)
	require.NoError(t, err)
	require.Equal(t, uint64(1), v1)

	// Wrong expected version is rejected with a concurrency conflict.
	_, err = store.SaveWithVersion(ctx, "actor-1", "balance", []byte("20"), nil)
	var conflict *quarkerr.ConcurrencyConflict
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, uint64(0), conflict.Expected)
	require.Equal(t, uint64(1), conflict.Actual)

	v2, err := store.SaveWithVersion(ctx, "actor-1", "balance", []byte("20"), &v1)
	require.NoError(t, err)
	require.Equal(t, uint64(2), v2)

	rec, ok, err := store.LoadWithVersion(ctx, "actor-1", "balance")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("20"), rec.State)
	require.Equal(t, uint64(2), rec.Version)
}

func TestMemoryStateStoreUnversionedSave(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStateStore()

	require.NoError(t, store.Save(ctx, "actor-1", "counter", []byte("1")))
	require.NoError(t, store.Save(ctx, "actor-1", "counter", []byte("2")))

	val, ok, err := store.Load(ctx, "actor-1", "counter")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("2"), val)

	require.NoError(t, store.Delete(ctx, "actor-1", "counter"))
	_, ok, err = store.Load(ctx, "actor-1", "counter")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryReminderTableLifecycle(t *testing.T) {
	ctx := context.Background()
	table := NewMemoryReminderTable()

	now := time.Now()
	require.NoError(t, table.Register(ctx, Reminder{
		ActorID: "actor-1", ActorType: "Counter", Name: "daily",
		NextFireTime: now.Add(-time.Minute), Period: 24 * time.Hour,
	}))
	require.NoError(t, table.Register(ctx, Reminder{
		ActorID: "actor-1", ActorType: "Counter", Name: "future",
		NextFireTime: now.Add(time.Hour),
	}))

	all, err := table.GetReminders(ctx, "actor-1")
	require.NoError(t, err)
	require.Len(t, all, 2)

	due, err := table.GetDueRemindersForSilo(ctx, now, nil)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "daily", due[0].Name)

	nextFire := now.Add(24 * time.Hour)
	require.NoError(t, table.UpdateFireTime(ctx, "actor-1", "daily", now, nextFire))

	due, err = table.GetDueRemindersForSilo(ctx, now, nil)
	require.NoError(t, err)
	require.Empty(t, due, "reminder should have advanced past due")

	require.NoError(t, table.Unregister(ctx, "actor-1", "future"))
	all, err = table.GetReminders(ctx, "actor-1")
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestMemoryReminderTableOwnerFilter(t *testing.T) {
	ctx := context.Background()
	table := NewMemoryReminderTable()
	now := time.Now()

	require.NoError(t, table.Register(ctx, Reminder{
		ActorID: "a", ActorType: "T", Name: "r", NextFireTime: now.Add(-time.Second),
	}))
	require.NoError(t, table.Register(ctx, Reminder{
		ActorID: "b", ActorType: "T", Name: "r", NextFireTime: now.Add(-time.Second),
	}))

	owned := func(_, actorID string) bool { return actorID == "a" }

	due, err := table.GetDueRemindersForSilo(ctx, now, owned)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "a", due[0].ActorID)
}

// TestStateStoreVersionMonotonicity verifies that, across an arbitrary
// sequence of successful versioned saves, the version returned always
// increases by exactly one and matches what LoadWithVersion reports.
func TestStateStoreVersionMonotonicity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		store := NewMemoryStateStore()

		numSaves := rapid.IntRange(1, 20).Draw(t, "numSaves")

		var expected uint64
		for i := 0; i < numSaves; i++ {
			var expectedPtr *uint64
			if expected > 0 {
				expectedPtr = &expected
			}

			payload := rapid.String().Draw(t, "payload")
			newVersion, err := store.SaveWithVersion(ctx, "actor-1", "state",
				[]byte(payload), expectedPtr)
			if err != nil {
				t.Fatalf("unexpected conflict on attempt %d: %v", i, err)
			}

			if newVersion != expected+1 {
				t.Fatalf("expected version %d, got %d", expected+1, newVersion)
			}
			expected = newVersion
		}

		rec, ok, err := store.LoadWithVersion(ctx, "actor-1", "state")
		if err != nil || !ok {
			t.Fatalf("expected a stored record, ok=%v err=%v", ok, err)
		}
		if rec.Version != expected {
			t.Fatalf("final version mismatch: store has %d, expected %d", rec.Version, expected)
		}
	})
}
