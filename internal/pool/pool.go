// Package pool provides bounded object pools with rent/return semantics
// for envelopes and a monotonic, process-wide ID counter, so the hot
// request path doesn't allocate a fresh Envelope (and its
// transitively-owned byte slices) per call.
package pool

import (
	"sync"
	"sync/atomic"

	"github.com/quarkrt/quark/internal/envelope"
)

// DefaultMaxPooled bounds a pool's idle entries when the caller doesn't
// choose a limit.
const DefaultMaxPooled = 1024

// IDGenerator produces a monotonically increasing, process-wide-unique
// counter value. It is a narrower, purely numeric alternative to
// envelope.NewMessageID's UUIDs, useful for callers (e.g.
// request-completion correlation) that want a cheap, comparable, strictly
// ordered key instead of a UUID's uniqueness guarantee.
type IDGenerator struct {
	counter atomic.Uint64
}

// Next returns the next value in the sequence, starting at 1.
func (g *IDGenerator) Next() uint64 {
	return g.counter.Add(1)
}

// EnvelopePool is a bounded free-list of *envelope.Envelope. Rent returns
// a zeroed envelope (reusing backing memory where possible); Return
// clears it and pushes it back onto the pool, dropping it instead of
// growing the pool past maxIdle.
//
// The underlying sync.Pool is unbounded and GC-swept on its own schedule;
// this wraps it with an explicit counting semaphore so the pool never
// holds more than maxIdle idle envelopes at once, rather than relying
// on the garbage collector's pacing.
type EnvelopePool struct {
	pool    sync.Pool
	maxIdle int
	idle    atomic.Int64
}

// NewEnvelopePool constructs a pool bounded to maxIdle idle entries. A
// non-positive maxIdle uses DefaultMaxPooled.
func NewEnvelopePool(maxIdle int) *EnvelopePool {
	if maxIdle <= 0 {
		maxIdle = DefaultMaxPooled
	}

	p := &EnvelopePool{maxIdle: maxIdle}
	p.pool.New = func() any { return &envelope.Envelope{} }

	return p
}

// Rent returns a zeroed *envelope.Envelope, either reused from the pool
// or freshly allocated.
func (p *EnvelopePool) Rent() *envelope.Envelope {
	if p.idle.Load() > 0 {
		p.idle.Add(-1)
	}

	e, _ := p.pool.Get().(*envelope.Envelope)
	*e = envelope.Envelope{}

	return e
}

// Return clears e and releases it back to the pool. If the pool already
// holds maxIdle idle entries, e is dropped instead (left for the
// garbage collector), keeping the pool's steady-state footprint bounded.
func (p *EnvelopePool) Return(e *envelope.Envelope) {
	if e == nil {
		return
	}

	if p.idle.Load() >= int64(p.maxIdle) {
		return
	}

	*e = envelope.Envelope{}
	p.idle.Add(1)
	p.pool.Put(e)
}
