// Package supervision implements parent/child supervision: restart
// directives, exponential backoff, restart-rate escalation, and the
// OneForOne/AllForOne/RestForOne restart strategies.
//
// A Supervisor is any type implementing OnChildFailure; the behavior is a
// strategy interface the runtime calls into. Restart execution itself
// is driven by plain goroutines and time.Timer rather than baselib/actor's
// sealed Message/ActorRef machinery, which is built for typed request/reply
// traffic and has no natural fit for a restart directive with no payload.
package supervision

import (
	"sync"
	"time"
)

// Directive is what a supervisor decides to do about a failed child.
type Directive int

const (
	DirectiveResume Directive = iota
	DirectiveRestart
	DirectiveStop
	DirectiveEscalate
)

func (d Directive) String() string {
	switch d {
	case DirectiveResume:
		return "resume"
	case DirectiveStop:
		return "stop"
	case DirectiveEscalate:
		return "escalate"
	default:
		return "restart"
	}
}

// ChildFailureContext carries what a supervisor needs to decide a
// directive.
type ChildFailureContext struct {
	Child     string
	Exception error
}

// Supervisor resolves a Directive for a failed child. The default
// implementation (DefaultSupervisor) always restarts.
type Supervisor interface {
	OnChildFailure(ctx ChildFailureContext) Directive
}

// DefaultSupervisor always restarts a failed child.
type DefaultSupervisor struct{}

// OnChildFailure implements Supervisor.
func (DefaultSupervisor) OnChildFailure(ChildFailureContext) Directive {
	return DirectiveRestart
}

// BackoffOptions configures CalculateBackoff and the restart-rate
// escalation check.
type BackoffOptions struct {
	InitialBackoff     time.Duration
	BackoffMultiplier  float64
	MaxBackoff         time.Duration
	MaxRestarts        int
	RestartWindow      time.Duration
	EscalateOnExceeded bool
}

// DefaultBackoffOptions returns MaxBackoff=30s and MaxRestarts=3 within
// a 60s window.
func DefaultBackoffOptions() BackoffOptions {
	return BackoffOptions{
		InitialBackoff:     100 * time.Millisecond,
		BackoffMultiplier:  2.0,
		MaxBackoff:         30 * time.Second,
		MaxRestarts:        3,
		RestartWindow:      60 * time.Second,
		EscalateOnExceeded: true,
	}
}

// RestartHistory records a child's restart timestamps, the raw material
// CalculateBackoff and GetRestartsInWindow both consult.
type RestartHistory struct {
	mu         sync.Mutex
	timestamps []time.Time
}

// RecordRestart appends a restart timestamp.
func (h *RestartHistory) RecordRestart(at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.timestamps = append(h.timestamps, at)
}

// Reset clears the history; the next backoff reverts to InitialBackoff.
func (h *RestartHistory) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.timestamps = nil
}

// Count returns the total number of recorded restarts.
func (h *RestartHistory) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.timestamps)
}

// GetRestartsInWindow counts restarts within window of now.
func (h *RestartHistory) GetRestartsInWindow(now time.Time, window time.Duration) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	count := 0
	cutoff := now.Add(-window)
	for _, t := range h.timestamps {
		if t.After(cutoff) {
			count++
		}
	}

	return count
}

// CalculateBackoff computes the proposed backoff after the k-th restart
// (k = current restart count after recording the latest one), clamped to
// MaxBackoff: InitialBackoff * BackoffMultiplier^(k-1).
func (h *RestartHistory) CalculateBackoff(opts BackoffOptions) time.Duration {
	k := h.Count()
	if k <= 0 {
		return opts.InitialBackoff
	}

	backoff := float64(opts.InitialBackoff)
	for i := 1; i < k; i++ {
		backoff *= opts.BackoffMultiplier
	}

	d := time.Duration(backoff)
	if opts.MaxBackoff > 0 && d > opts.MaxBackoff {
		d = opts.MaxBackoff
	}

	return d
}

// ResolveDirective applies the restart-rate escalation rule on top of a
// supervisor's own directive: if the child has restarted more than
// MaxRestarts times within RestartWindow and EscalateOnExceeded is set,
// the directive becomes Escalate regardless of what the supervisor or
// policy would otherwise choose.
func ResolveDirective(base Directive, history *RestartHistory, opts BackoffOptions, now time.Time) Directive {
	if opts.EscalateOnExceeded && history.GetRestartsInWindow(now, opts.RestartWindow) > opts.MaxRestarts {
		return DirectiveEscalate
	}

	return base
}

// Strategy selects which siblings restart alongside a failing child.
type Strategy int

const (
	// OneForOne restarts only the failing child.
	OneForOne Strategy = iota

	// AllForOne restarts every child.
	AllForOne

	// RestForOne restarts the failing child and every sibling started
	// after it (by spawn order).
	RestForOne
)

// ChildRegistry tracks a supervisor's children in spawn order and their
// per-child restart history.
type ChildRegistry struct {
	mu      sync.Mutex
	order   []string
	history map[string]*RestartHistory
}

// NewChildRegistry creates an empty registry.
func NewChildRegistry() *ChildRegistry {
	return &ChildRegistry{history: make(map[string]*RestartHistory)}
}

// Spawn records a child's insertion order. Re-spawning an existing child
// ID is a no-op on ordering (its position is preserved).
func (r *ChildRegistry) Spawn(childID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.history[childID]; ok {
		return
	}

	r.order = append(r.order, childID)
	r.history[childID] = &RestartHistory{}
}

// Remove deletes a child from the registry entirely (e.g. on Stop
// directive).
func (r *ChildRegistry) Remove(childID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.history, childID)
	for i, id := range r.order {
		if id == childID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// History returns the RestartHistory for childID, creating one if it
// isn't already tracked (e.g. a child spawned outside Spawn).
func (r *ChildRegistry) History(childID string) *RestartHistory {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.history[childID]
	if !ok {
		h = &RestartHistory{}
		r.history[childID] = h
		r.order = append(r.order, childID)
	}

	return h
}

// ChildrenToRestart returns the children that strategy says should
// restart given failingChild restarted, in spawn order.
func (r *ChildRegistry) ChildrenToRestart(strategy Strategy, failingChild string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch strategy {
	case AllForOne:
		out := make([]string, len(r.order))
		copy(out, r.order)

		return out

	case RestForOne:
		idx := indexOf(r.order, failingChild)
		if idx < 0 {
			return []string{failingChild}
		}
		out := make([]string, len(r.order)-idx)
		copy(out, r.order[idx:])

		return out

	default: // OneForOne
		return []string{failingChild}
	}
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}

	return -1
}

// Children returns every tracked child ID in spawn order.
func (r *ChildRegistry) Children() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, len(r.order))
	copy(out, r.order)

	return out
}
