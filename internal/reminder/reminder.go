// Package reminder implements the reminder tick manager: a fixed-interval
// loop that polls the reminder table for entries due and owned by this
// silo, fires them as messages into the target activation, and advances
// or removes each reminder's schedule. The ticker goroutine never stops
// on a single iteration's error, only logs and continues.
package reminder

import (
	"context"
	"sync"
	"time"

	quarklog "github.com/quarkrt/quark/internal/log"
	"github.com/quarkrt/quark/internal/persistence"
)

var log = quarklog.NewSubLogger("RMDR")

// DefaultTickInterval is the coarse polling cadence reminders fire at;
// sub-second precision is not a goal of the reminder mechanism.
const DefaultTickInterval = 5 * time.Second

// FireFunc delivers a due reminder to its target actor, activating it on
// demand if needed. Implemented by the silo: it routes the reminder as a
// message the same way any other envelope is routed.
//
// Failure semantics: a delivery failure is logged and the reminder's
// schedule still advances regardless. At most one fire per tick, no
// pile-up, no guaranteed delivery.
type FireFunc func(ctx context.Context, r persistence.Reminder) error

// Config bundles a Manager's collaborators.
type Config struct {
	Table        persistence.ReminderTable
	OwnerFilter  persistence.OwnerFilter // nil means "owns everything" (tests)
	Fire         FireFunc
	TickInterval time.Duration
}

// Manager runs the single per-silo reminder tick loop.
type Manager struct {
	cfg Config

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Manager. It does nothing until Start is called.
func New(cfg Config) *Manager {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}

	return &Manager{cfg: cfg}
}

// Start begins the tick loop.
func (m *Manager) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.cfg.TickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				m.Tick(runCtx)
			}
		}
	}()
}

// Stop halts the tick loop.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Tick runs a single poll-and-fire pass. It is exported so tests can
// drive deterministic ticks without waiting on the interval.
func (m *Manager) Tick(ctx context.Context) {
	due, err := m.cfg.Table.GetDueRemindersForSilo(ctx, time.Now(), m.cfg.OwnerFilter)
	if err != nil {
		log.WarnS(ctx, "Failed to query due reminders", err)
		return
	}

	for _, r := range due {
		m.fireOne(ctx, r)
	}
}

func (m *Manager) fireOne(ctx context.Context, r persistence.Reminder) {
	now := time.Now()

	if err := m.cfg.Fire(ctx, r); err != nil {
		log.WarnS(ctx, "Reminder delivery failed, advancing schedule regardless", err,
			"actor_id", r.ActorID, "name", r.Name)
	}

	if r.Period > 0 {
		next := now.Add(r.Period)
		if err := m.cfg.Table.UpdateFireTime(ctx, r.ActorID, r.Name, now, next); err != nil {
			log.WarnS(ctx, "Failed to advance reminder schedule", err,
				"actor_id", r.ActorID, "name", r.Name)
		}

		return
	}

	if err := m.cfg.Table.Unregister(ctx, r.ActorID, r.Name); err != nil {
		log.WarnS(ctx, "Failed to unregister one-shot reminder", err,
			"actor_id", r.ActorID, "name", r.Name)
	}
}
