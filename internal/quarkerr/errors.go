// Package quarkerr defines the error kinds propagated through the envelope
// path and raised locally across silo components. Every error
// here is a plain Go error: sentinels for conditions callers check with
// errors.Is, and small structs for conditions that carry data the caller
// needs (ConcurrencyConflict's expected/actual versions).
package quarkerr

import (
	"errors"
	"fmt"
)

var (
	// ErrNoDispatcher indicates the target silo has no dispatcher
	// registered for the envelope's ActorType. The router invalidates
	// its decision cache and may retry once against the directory.
	ErrNoDispatcher = errors.New("no dispatcher registered for actor type")

	// ErrTimeout indicates a request-level deadline was exceeded. The
	// receiver may still complete the call after the caller has given
	// up (fire-and-forget afterward).
	ErrTimeout = errors.New("request timed out")

	// ErrRateLimited indicates a mailbox rejected a message under its
	// rate limiter (Reject mode) or while its circuit breaker is open.
	ErrRateLimited = errors.New("rate limited")

	// ErrReentrancy indicates a call chain would re-enter an actor
	// identity already on the stack, and that actor is marked
	// non-reentrant.
	ErrReentrancy = errors.New("reentrant call into non-reentrant actor")

	// ErrMigrationInProgress indicates a second migration request was
	// made for an actor that already has one in flight.
	ErrMigrationInProgress = errors.New("actor is already being migrated")

	// ErrActorTerminated indicates an operation targeted an activation
	// or mailbox that has already stopped.
	ErrActorTerminated = errors.New("actor terminated")

	// ErrMailboxClosed indicates a post was attempted against a mailbox
	// that is draining or has stopped accepting new messages.
	ErrMailboxClosed = errors.New("mailbox closed")

	// ErrDuplicateTimer indicates TimerManager.Register was called with
	// a name already registered on that manager.
	ErrDuplicateTimer = errors.New("timer with this name already registered")

	// ErrTimerManagerDisposed indicates an operation was attempted on a
	// TimerManager after Dispose.
	ErrTimerManagerDisposed = errors.New("timer manager disposed")
)

// ConcurrencyConflict is raised when a versioned state save's expected
// version doesn't match the store's actual current version.
type ConcurrencyConflict struct {
	Expected uint64
	Actual   uint64
}

func (e *ConcurrencyConflict) Error() string {
	return fmt.Sprintf(
		"concurrency conflict: expected version %d, actual %d",
		e.Expected, e.Actual,
	)
}

// DispatcherException wraps the error a dispatcher invocation raised. The
// message is surfaced to the caller via the response envelope's
// ErrorMessage, and the original message is routed to the dead-letter queue
// if one is configured.
type DispatcherException struct {
	ActorType  string
	MethodName string
	Err        error
}

func (e *DispatcherException) Error() string {
	return fmt.Sprintf(
		"%s.%s: %v", e.ActorType, e.MethodName, e.Err,
	)
}

func (e *DispatcherException) Unwrap() error {
	return e.Err
}

// TransportFailure indicates the connection to a peer silo was lost or
// could not be established. Routers may retry per a configured
// MaxRetries/RetryDelay policy.
type TransportFailure struct {
	TargetSiloID string
	Err          error
}

func (e *TransportFailure) Error() string {
	return fmt.Sprintf("transport failure to silo %q: %v", e.TargetSiloID, e.Err)
}

func (e *TransportFailure) Unwrap() error {
	return e.Err
}

// InvocationFailure is what a client-side proxy surfaces when a response
// envelope comes back with IsError set. It carries the server's
// ErrorMessage as-is so callers can pattern-match against it.
type InvocationFailure struct {
	ActorType  string
	ActorID    string
	MethodName string
	Message    string
}

func (e *InvocationFailure) Error() string {
	return fmt.Sprintf(
		"%s(%s).%s failed: %s",
		e.ActorType, e.ActorID, e.MethodName, e.Message,
	)
}
