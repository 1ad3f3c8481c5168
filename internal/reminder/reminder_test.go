package reminder

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/quarkrt/quark/internal/persistence"
	"github.com/stretchr/testify/require"
)

func TestTickFiresDueRemindersAndAdvancesPeriod(t *testing.T) {
	table := persistence.NewMemoryReminderTable()
	ctx := context.Background()

	require.NoError(t, table.Register(ctx, persistence.Reminder{
		ActorID: "a1", ActorType: "CounterActor", Name: "poll",
		NextFireTime: time.Now().Add(-time.Second),
		Period:       50 * time.Millisecond,
	}))

	var mu sync.Mutex
	var fired []string

	m := New(Config{
		Table: table,
		Fire: func(_ context.Context, r persistence.Reminder) error {
			mu.Lock()
			fired = append(fired, r.Name)
			mu.Unlock()

			return nil
		},
	})

	m.Tick(ctx)

	mu.Lock()
	require.Equal(t, []string{"poll"}, fired)
	mu.Unlock()

	reminders, err := table.GetReminders(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, reminders, 1)
	require.True(t, reminders[0].NextFireTime.After(time.Now()))
}

func TestTickUnregistersOneShotReminderAfterFiring(t *testing.T) {
	table := persistence.NewMemoryReminderTable()
	ctx := context.Background()

	require.NoError(t, table.Register(ctx, persistence.Reminder{
		ActorID: "a1", ActorType: "CounterActor", Name: "once",
		NextFireTime: time.Now().Add(-time.Second),
	}))

	fireCount := 0
	m := New(Config{
		Table: table,
		Fire: func(context.Context, persistence.Reminder) error {
			fireCount++
			return nil
		},
	})

	m.Tick(ctx)
	require.Equal(t, 1, fireCount)

	reminders, err := table.GetReminders(ctx, "a1")
	require.NoError(t, err)
	require.Empty(t, reminders)
}

func TestTickAdvancesScheduleEvenWhenDeliveryFails(t *testing.T) {
	table := persistence.NewMemoryReminderTable()
	ctx := context.Background()

	require.NoError(t, table.Register(ctx, persistence.Reminder{
		ActorID: "a1", ActorType: "CounterActor", Name: "poll",
		NextFireTime: time.Now().Add(-time.Second),
		Period:       time.Minute,
	}))

	m := New(Config{
		Table: table,
		Fire: func(context.Context, persistence.Reminder) error {
			return context.DeadlineExceeded
		},
	})

	m.Tick(ctx)

	reminders, err := table.GetReminders(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, reminders, 1)
	require.True(t, reminders[0].NextFireTime.After(time.Now()),
		"schedule must advance regardless of delivery failure")
}

func TestTickSkipsRemindersNotOwnedByThisSilo(t *testing.T) {
	table := persistence.NewMemoryReminderTable()
	ctx := context.Background()

	require.NoError(t, table.Register(ctx, persistence.Reminder{
		ActorID: "a1", ActorType: "CounterActor", Name: "poll",
		NextFireTime: time.Now().Add(-time.Second),
	}))

	fireCount := 0
	m := New(Config{
		Table:       table,
		OwnerFilter: func(string, string) bool { return false },
		Fire: func(context.Context, persistence.Reminder) error {
			fireCount++
			return nil
		},
	})

	m.Tick(ctx)
	require.Zero(t, fireCount)
}
