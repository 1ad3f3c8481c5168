// Package timer implements the per-activation timer manager: named,
// in-process periodic callbacks scoped to the lifetime of one actor
// activation.
//
// Each registered timer is driven by a time.Timer/time.Ticker goroutine
// that stops cleanly via context cancellation, rather than invoking
// callbacks directly from the timer goroutine (avoiding concurrent
// callback execution would otherwise violate the owning actor's
// single-threaded guarantee).
package timer

import (
	"context"
	"sync"
	"time"

	quarklog "github.com/quarkrt/quark/internal/log"
	"github.com/quarkrt/quark/internal/quarkerr"
)

var log = quarklog.NewSubLogger("TMER")

// Callback is invoked when a timer fires. Deliver, not the timer
// goroutine's own context, determines cancellation; Manager posts
// callback invocations onto the owning mailbox via Deliver so they run
// serialized with the rest of the actor's calls.
type Callback func(ctx context.Context, name string)

// Deliver posts a timer-fired callback invocation so it executes serially
// with the owning activation's other calls, typically the activation's
// mailbox handler, wrapping Callback in an envelope-shaped message.
type Deliver func(ctx context.Context, cb Callback, name string)

type entry struct {
	name     string
	period   time.Duration
	callback Callback
	timer    *time.Timer
	stopCh   chan struct{}
}

// Manager owns every timer registered for one activation. Names must be
// unique within a Manager.
type Manager struct {
	actorID string
	deliver Deliver

	mu       sync.Mutex
	timers   map[string]*entry
	disposed bool

	wg sync.WaitGroup
}

// New constructs a Manager for one activation. deliver is how a fired
// timer's callback gets serialized onto that activation (see Deliver).
func New(actorID string, deliver Deliver) *Manager {
	return &Manager{
		actorID: actorID,
		deliver: deliver,
		timers:  make(map[string]*entry),
	}
}

// Register schedules a named timer. dueTime is the delay until the first
// fire; a zero period means one-shot. Duplicate names raise
// quarkerr.ErrDuplicateTimer.
func (m *Manager) Register(ctx context.Context, name string, dueTime, period time.Duration, cb Callback) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disposed {
		return quarkerr.ErrTimerManagerDisposed
	}
	if _, exists := m.timers[name]; exists {
		return quarkerr.ErrDuplicateTimer
	}

	e := &entry{name: name, period: period, callback: cb, stopCh: make(chan struct{})}
	m.timers[name] = e

	m.wg.Add(1)
	go m.run(ctx, e, dueTime)

	return nil
}

func (m *Manager) run(ctx context.Context, e *entry, dueTime time.Duration) {
	defer m.wg.Done()

	e.timer = time.NewTimer(dueTime)
	defer e.timer.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-e.timer.C:
			m.deliver(ctx, e.callback, e.name)

			if e.period <= 0 {
				m.mu.Lock()
				delete(m.timers, e.name)
				m.mu.Unlock()

				return
			}

			e.timer.Reset(e.period)
		}
	}
}

// Unregister stops and removes a named timer. A no-op if the name is
// unknown.
func (m *Manager) Unregister(name string) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return quarkerr.ErrTimerManagerDisposed
	}

	e, ok := m.timers[name]
	if ok {
		delete(m.timers, name)
	}
	m.mu.Unlock()

	if ok {
		close(e.stopCh)
	}

	return nil
}

// Names returns the currently registered timer names.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.timers))
	for n := range m.timers {
		out = append(out, n)
	}

	return out
}

// Dispose stops every timer and marks the manager unusable; every
// subsequent call raises quarkerr.ErrTimerManagerDisposed.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true

	entries := make([]*entry, 0, len(m.timers))
	for _, e := range m.timers {
		entries = append(entries, e)
	}
	m.timers = make(map[string]*entry)
	m.mu.Unlock()

	for _, e := range entries {
		close(e.stopCh)
	}

	m.wg.Wait()

	log.DebugS(context.Background(), "Timer manager disposed", "actor_id", m.actorID)
}
