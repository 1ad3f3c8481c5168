// Package dispatch implements the dispatcher registry: the static,
// bootstrap-time mapping from an actor type name to the Dispatcher that
// knows how to instantiate that actor and invoke its methods against
// opaque envelope payloads.
//
// This package also owns the reentrancy CallChain: an immutable linked
// context value, never thread-local or global mutable state, threaded
// through dispatcher invocations via context.Context.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/quarkrt/quark/internal/quarkerr"
)

// Codec is the pluggable encode/decode boundary: the core sees only
// payload bytes, never concrete argument/return types. Binary and JSON
// codecs are interchangeable implementations of this interface (see
// internal/codec).
type Codec interface {
	// Encode serializes a value into wire bytes.
	Encode(value any) ([]byte, error)

	// Decode deserializes wire bytes into out, a pointer to the
	// destination type.
	Decode(data []byte, out any) error
}

// ActorInstance is the opaque handle a Dispatcher hands back from
// NewInstance; only the owning Dispatcher interprets it. The dispatch
// package itself never type-asserts into it.
type ActorInstance any

// Dispatcher binds one actor type to its instantiation and method-
// invocation logic.
type Dispatcher interface {
	// NewInstance creates a fresh actor instance for actorID.
	NewInstance(actorID string) (ActorInstance, error)

	// Invoke decodes payload via the configured codec, calls methodName
	// on instance, and encodes the return value. An error here becomes a
	// *quarkerr.DispatcherException on the response envelope.
	Invoke(ctx context.Context, instance ActorInstance, methodName string, payload []byte) ([]byte, error)
}

// Registry is the static (type name) -> Dispatcher mapping built at
// bootstrap time, before any silo starts serving requests.
//
// The dispatcher is keyed by the actor's interface full name so that
// clients reference an interface while silos host a concrete
// implementation. Register additionally accepts aliases, most usefully
// the concrete implementation's type name, so a caller that still
// addresses an actor by its implementation name resolves to the same
// Dispatcher.
type Registry struct {
	mu          sync.RWMutex
	dispatchers map[string]Dispatcher
}

// NewRegistry creates an empty dispatcher registry.
func NewRegistry() *Registry {
	return &Registry{
		dispatchers: make(map[string]Dispatcher),
	}
}

// Register binds actorType (and any aliases, e.g. the concrete
// implementation's type name) to d. Re-registering the same name replaces
// the prior binding.
func (r *Registry) Register(actorType string, d Dispatcher, aliases ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.dispatchers[actorType] = d
	for _, a := range aliases {
		r.dispatchers[a] = d
	}
}

// Resolve returns the Dispatcher registered for actorType, or
// quarkerr.ErrNoDispatcher if none is registered.
func (r *Registry) Resolve(actorType string) (Dispatcher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.dispatchers[actorType]
	if !ok {
		return nil, fmt.Errorf("%s: %w", actorType, quarkerr.ErrNoDispatcher)
	}

	return d, nil
}

// Has reports whether actorType has a registered Dispatcher, without
// returning the no-dispatcher error, used by components (e.g. the
// router) that want a boolean check.
func (r *Registry) Has(actorType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.dispatchers[actorType]

	return ok
}

// callChainKey is the private context key under which the reentrancy
// CallChain is threaded; it is never exported, so only this package can
// read or write it, keeping the chain's construction centralized.
type callChainKey struct{}

// CallChain is an immutable linked list of actor identities already on the
// current call's stack, used to detect reentrancy. Each call
// into a dispatcher pushes a new, distinct *CallChain node onto the
// context rather than mutating shared state, so concurrent calls never
// interfere with one another's chains.
type CallChain struct {
	actorType string
	actorID   string
	parent    *CallChain
}

// WithCallChain returns a new context whose CallChain has (actorType,
// actorID) pushed onto the chain carried by ctx (nil if ctx carries none
// yet).
func WithCallChain(ctx context.Context, actorType, actorID string) context.Context {
	parent, _ := ctx.Value(callChainKey{}).(*CallChain)

	next := &CallChain{
		actorType: actorType,
		actorID:   actorID,
		parent:    parent,
	}

	return context.WithValue(ctx, callChainKey{}, next)
}

// ChainFromContext returns the CallChain carried by ctx, or nil if none.
func ChainFromContext(ctx context.Context) *CallChain {
	chain, _ := ctx.Value(callChainKey{}).(*CallChain)

	return chain
}

// Contains reports whether (actorType, actorID) already appears anywhere
// on the chain, walking parent links.
func (c *CallChain) Contains(actorType, actorID string) bool {
	for n := c; n != nil; n = n.parent {
		if n.actorType == actorType && n.actorID == actorID {
			return true
		}
	}

	return false
}

// CheckReentrancy pushes (actorType, actorID) onto ctx's call chain,
// returning the extended context, or quarkerr.ErrReentrancy if the actor
// is already on the chain and nonReentrant is true. Non-reentrant actors
// are the common case for single-threaded-per-identity actors that must
// not be re-entered from within their own call stack (e.g. via a
// synchronous self-call through the router).
func CheckReentrancy(ctx context.Context, actorType, actorID string, nonReentrant bool) (context.Context, error) {
	chain := ChainFromContext(ctx)

	if nonReentrant && chain != nil && chain.Contains(actorType, actorID) {
		return ctx, fmt.Errorf(
			"%s/%s: %w", actorType, actorID, quarkerr.ErrReentrancy,
		)
	}

	return WithCallChain(ctx, actorType, actorID), nil
}
