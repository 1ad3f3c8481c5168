// Package silo implements the request pump: the per-silo envelope loop
// that resolves a dispatcher, finds-or-creates an activation's mailbox,
// posts the incoming call onto it, and ships the dispatcher's response
// back over the transport with the same MessageID.
package silo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quarkrt/quark/internal/activitytracker"
	"github.com/quarkrt/quark/internal/dispatch"
	"github.com/quarkrt/quark/internal/envelope"
	quarklog "github.com/quarkrt/quark/internal/log"
	"github.com/quarkrt/quark/internal/mailbox"
	"github.com/quarkrt/quark/internal/quarkerr"
)

var log = quarklog.NewSubLogger("SILO")

// ActivateMethod is the reserved method name the migration machinery sends
// to force an activation on a target silo without invoking any dispatcher
// method; the request pump replies success once the activation exists.
const ActivateMethod = "__activate"

// Activation is the in-memory instance of an actor on this silo: an
// identity, the mailbox that serializes calls into it, and the
// dispatcher-owned instance handle the mailbox's handler closes over.
type Activation struct {
	Identity envelope.Identity
	Mailbox  *mailbox.Mailbox
	Instance dispatch.ActorInstance

	activatedAt int64 // unix nano, set at creation
}

// ActivatedAt returns when this activation was created.
func (a *Activation) ActivatedAt() time.Time {
	return time.Unix(0, a.activatedAt)
}

// Deactivatable is implemented by actor instances that want a lifecycle
// callback as their activation is torn down. It runs after the mailbox
// has stopped (so no call is in flight) and before the activation is
// forgotten; a returned error is logged, never fatal.
type Deactivatable interface {
	OnDeactivate(ctx context.Context) error
}

// MailboxOptions lets callers (tests, the cluster bootstrap) customize the
// mailbox every new activation gets, beyond the Handler/Sender silo.go
// wires in itself.
type MailboxOptions struct {
	Adaptive       mailbox.AdaptiveConfig
	RateLimit      mailbox.RateLimitConfig
	CircuitBreaker mailbox.CircuitBreakerConfig
	DeadLetterMax  int
}

// Config bundles a Silo's collaborators.
type Config struct {
	SiloID     string
	Dispatch   *dispatch.Registry
	Activity   *activitytracker.Tracker
	Transport  Transport
	MailboxOpt MailboxOptions

	// OnActivate/OnDeactivate, if set, are invoked as each activation is
	// created/destroyed, used by the directory (register/unregister
	// location) and the idle deactivation service without this package
	// importing either.
	OnActivate   func(ctx context.Context, id envelope.Identity)
	OnDeactivate func(ctx context.Context, id envelope.Identity)
}

// Silo hosts actor activations and pumps inbound envelopes into their
// mailboxes.
type Silo struct {
	cfg Config

	mu          sync.RWMutex
	activations map[string]*Activation

	// pendingFrom maps an in-flight request's MessageID to the silo that
	// sent it. The mailbox's single-consumer loop processes requests on
	// its own background context rather than the context Post was called
	// with, so the "reply to whom" fact has to survive that handoff out
	// of band; MessageID is already unique per request, so it doubles as
	// the correlation key here.
	pendingFrom sync.Map // messageID -> siloID (string)

	wg sync.WaitGroup
}

// New constructs a Silo and wires its transport's envelope-received
// callback to the request pump.
func New(cfg Config) *Silo {
	s := &Silo{
		cfg:         cfg,
		activations: make(map[string]*Activation),
	}

	if cfg.Transport != nil {
		cfg.Transport.OnEnvelopeReceived(s.handleInbound)
	}

	return s
}

// Start begins accepting inbound envelopes.
func (s *Silo) Start(ctx context.Context) error {
	if s.cfg.Transport == nil {
		return nil
	}

	return s.cfg.Transport.Start(ctx)
}

// Stop deactivates every activation and stops the transport.
func (s *Silo) Stop(ctx context.Context) error {
	s.mu.Lock()
	activations := make([]*Activation, 0, len(s.activations))
	for _, a := range s.activations {
		activations = append(activations, a)
	}
	s.mu.Unlock()

	for _, a := range activations {
		s.Deactivate(ctx, a.Identity.ActorType, a.Identity.ActorID)
	}

	s.wg.Wait()

	if s.cfg.Transport == nil {
		return nil
	}

	return s.cfg.Transport.Stop()
}

// GetActiveActors returns the identities of every activation currently
// live on this silo, consumed by the idle deactivation scan and the
// migration coordinator's priority list.
func (s *Silo) GetActiveActors() []envelope.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]envelope.Identity, 0, len(s.activations))
	for _, a := range s.activations {
		out = append(out, a.Identity)
	}

	return out
}

// HasActivation reports whether (actorType, actorID) is already active on
// this silo, the fast path the router's SameProcess check uses.
func (s *Silo) HasActivation(actorType, actorID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.activations[envelope.CompositeKey(actorType, actorID)]

	return ok
}

// GetActivation returns the live activation for (actorType, actorID), if
// any.
func (s *Silo) GetActivation(actorType, actorID string) (*Activation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.activations[envelope.CompositeKey(actorType, actorID)]

	return a, ok
}

// getOrActivate resolves the dispatcher for actorType, then finds or
// creates the activation for (actorType, actorID).
func (s *Silo) getOrActivate(ctx context.Context, actorType, actorID string) (*Activation, error) {
	key := envelope.CompositeKey(actorType, actorID)

	s.mu.RLock()
	a, ok := s.activations[key]
	s.mu.RUnlock()
	if ok {
		return a, nil
	}

	d, err := s.cfg.Dispatch.Resolve(actorType)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.activations[key]; ok {
		return a, nil
	}

	instance, err := d.NewInstance(actorID)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate actor %s: %w", key, err)
	}

	identity := envelope.Identity{ActorType: actorType, ActorID: actorID}

	a = &Activation{
		Identity:    identity,
		Instance:    instance,
		activatedAt: time.Now().UnixNano(),
	}
	a.Mailbox = mailbox.New(mailbox.Config{
		ActorID:               actorID,
		ActorType:             actorType,
		Handler:               s.makeHandler(d, a),
		Adaptive:              s.cfg.MailboxOpt.Adaptive,
		RateLimit:             s.cfg.MailboxOpt.RateLimit,
		CircuitBreaker:        s.cfg.MailboxOpt.CircuitBreaker,
		DeadLetterMaxMessages: s.cfg.MailboxOpt.DeadLetterMax,
		Sender:                s.sendResponse,
	})
	a.Mailbox.Start(ctx)

	s.activations[key] = a

	if s.cfg.OnActivate != nil {
		s.cfg.OnActivate(ctx, identity)
	}

	log.InfoS(ctx, "Actor activated", "actor_type", actorType, "actor_id", actorID)

	return a, nil
}

// makeHandler builds the mailbox handler that invokes the dispatcher for
// every posted envelope.
func (s *Silo) makeHandler(d dispatch.Dispatcher, a *Activation) mailbox.Handler {
	return func(ctx context.Context, req envelope.Envelope) (envelope.Envelope, error) {
		if s.cfg.Activity != nil {
			s.cfg.Activity.RecordMessageDequeued(req.ActorType, req.ActorID)
			s.cfg.Activity.RecordCallStarted(req.ActorType, req.ActorID)
			defer s.cfg.Activity.RecordCallCompleted(req.ActorType, req.ActorID)
		}

		// The reserved activation method exists only to force the
		// activation path; by the time this handler runs, getOrActivate
		// has already instantiated the actor.
		if req.MethodName == ActivateMethod {
			return req.Reply(nil), nil
		}

		respPayload, err := d.Invoke(ctx, a.Instance, req.MethodName, req.Payload)
		if err != nil {
			dispErr := &quarkerr.DispatcherException{
				ActorType:  req.ActorType,
				MethodName: req.MethodName,
				Err:        err,
			}

			return req.ReplyError(dispErr.Error()), dispErr
		}

		return req.Reply(respPayload), nil
	}
}

// sendResponse ships a processed response envelope, carrying the same
// MessageID as its request, back to whichever silo originated it. It is
// also the hook tests substitute to observe responses without a real
// transport.
func (s *Silo) sendResponse(ctx context.Context, resp envelope.Envelope) {
	from, _ := s.pendingFrom.LoadAndDelete(resp.MessageID)

	if s.cfg.Transport == nil {
		return
	}

	fromID, _ := from.(string)

	if err := s.cfg.Transport.Reply(ctx, fromID, resp); err != nil {
		log.WarnS(ctx, "Failed to send response envelope", err,
			"message_id", resp.MessageID)
	}
}

// handleInbound is the transport's envelope-received callback: the full
// resolve/activate/post/respond request pump.
func (s *Silo) handleInbound(ctx context.Context, from string, env envelope.Envelope) {
	s.pendingFrom.Store(env.MessageID, from)

	if !s.cfg.Dispatch.Has(env.ActorType) {
		s.sendResponse(ctx, env.ReplyError(quarkerr.ErrNoDispatcher.Error()))
		return
	}

	a, err := s.getOrActivate(ctx, env.ActorType, env.ActorID)
	if err != nil {
		s.sendResponse(ctx, env.ReplyError(err.Error()))
		return
	}

	if s.cfg.Activity != nil {
		s.cfg.Activity.RecordMessageEnqueued(env.ActorType, env.ActorID)
	}

	posted, err := a.Mailbox.Post(ctx, env)
	if err != nil {
		s.sendResponse(ctx, env.ReplyError(err.Error()))
		return
	}
	if !posted {
		s.sendResponse(ctx, env.ReplyError(quarkerr.ErrMailboxClosed.Error()))
	}
}

// Deactivate stops and removes the activation for (actorType, actorID), on
// idle eviction or as the final step of a migration handoff.
func (s *Silo) Deactivate(ctx context.Context, actorType, actorID string) {
	key := envelope.CompositeKey(actorType, actorID)

	s.mu.Lock()
	a, ok := s.activations[key]
	if ok {
		delete(s.activations, key)
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	a.Mailbox.Stop()

	if d, ok := a.Instance.(Deactivatable); ok {
		if err := d.OnDeactivate(ctx); err != nil {
			log.WarnS(ctx, "Actor OnDeactivate hook failed", err,
				"actor_type", actorType, "actor_id", actorID)
		}
	}

	if s.cfg.Activity != nil {
		s.cfg.Activity.Remove(actorType, actorID)
	}
	if s.cfg.OnDeactivate != nil {
		s.cfg.OnDeactivate(ctx, a.Identity)
	}

	log.InfoS(ctx, "Actor deactivated", "actor_type", actorType, "actor_id", actorID)
}
