// Package client implements the caller-side proxy surface: a typed Invoke
// call that encodes arguments through the configured codec, routes the
// request to the owning silo, awaits the correlated response envelope,
// and translates a response with IsError set into an
// *quarkerr.InvocationFailure carrying the server's error message.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quarkrt/quark/internal/dispatch"
	"github.com/quarkrt/quark/internal/envelope"
	quarklog "github.com/quarkrt/quark/internal/log"
	"github.com/quarkrt/quark/internal/quarkerr"
	"github.com/quarkrt/quark/internal/router"
	"github.com/quarkrt/quark/internal/silo"
)

var log = quarklog.NewSubLogger("CLNT")

// Config bundles a Proxy's collaborators.
type Config struct {
	// Router resolves which silo owns each actor identity.
	Router *router.Router

	// Transport carries request envelopes to the owning silo. In a
	// co-hosted process this is the same transport instance the local
	// silo serves on, so SameProcess calls still take one envelope hop
	// but never leave memory.
	Transport silo.Transport

	// Codec encodes method arguments and decodes return values. Must
	// match the codec the target silo's dispatchers were registered
	// with.
	Codec dispatch.Codec

	// MaxRetries bounds retries after a transport failure or a
	// NoDispatcher response (the latter retried against a fresh
	// directory lookup). Zero means no retries.
	MaxRetries int

	// RetryDelay is the pause before each retry, whichever failure
	// triggered it.
	RetryDelay time.Duration
}

// Proxy is the client-side invocation surface. A single Proxy is safe for
// concurrent use by any number of goroutines.
type Proxy struct {
	cfg Config
}

// New constructs a Proxy.
func New(cfg Config) *Proxy {
	return &Proxy{cfg: cfg}
}

// Invoke calls methodName on the actor (actorType, actorID), encoding args
// via the configured codec and decoding the response payload into result.
// A nil args sends an empty payload; a nil result discards the response
// payload. A response with IsError set surfaces as an
// *quarkerr.InvocationFailure whose Message is the server's ErrorMessage.
func (p *Proxy) Invoke(ctx context.Context, actorType, actorID, methodName string, args, result any) error {
	var payload []byte
	if args != nil {
		var err error
		payload, err = p.cfg.Codec.Encode(args)
		if err != nil {
			return fmt.Errorf("failed to encode arguments for %s.%s: %w",
				actorType, methodName, err)
		}
	}

	resp, err := p.send(ctx, actorType, actorID, methodName, payload)
	if err != nil {
		return err
	}

	if resp.IsError {
		return &quarkerr.InvocationFailure{
			ActorType:  actorType,
			ActorID:    actorID,
			MethodName: methodName,
			Message:    resp.ErrorMessage,
		}
	}

	if result != nil && len(resp.ResponsePayload) > 0 {
		if err := p.cfg.Codec.Decode(resp.ResponsePayload, result); err != nil {
			return fmt.Errorf("failed to decode response for %s.%s: %w",
				actorType, methodName, err)
		}
	}

	return nil
}

// send routes and transmits one request, retrying per the configured
// policy: transport failures back off RetryDelay between attempts, and a
// NoDispatcher response invalidates the routing cache so the retry
// resolves against a fresh directory lookup.
func (p *Proxy) send(ctx context.Context, actorType, actorID, methodName string, payload []byte) (envelope.Envelope, error) {
	var lastErr error

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 && p.cfg.RetryDelay > 0 {
			select {
			case <-time.After(p.cfg.RetryDelay):
			case <-ctx.Done():
				return envelope.Envelope{}, ctx.Err()
			}
		}

		res, err := p.cfg.Router.Route(ctx, actorType, actorID)
		if err != nil {
			return envelope.Envelope{}, err
		}
		if res.SiloID == "" {
			return envelope.Envelope{}, fmt.Errorf(
				"no silo available for %s",
				envelope.CompositeKey(actorType, actorID),
			)
		}

		env := envelope.NewRequest(actorType, actorID, methodName, payload)

		resp, err := p.cfg.Transport.Send(ctx, res.SiloID, env)
		if err != nil {
			var tf *quarkerr.TransportFailure
			if errors.As(err, &tf) || !errors.Is(err, quarkerr.ErrTimeout) {
				log.WarnS(ctx, "Transport send failed, will retry", err,
					"target_silo", res.SiloID, "attempt", attempt)
				p.cfg.Router.InvalidateCache(actorType, actorID)
				lastErr = err
				continue
			}

			return envelope.Envelope{}, err
		}

		// A NoDispatcher response means the routing decision was stale:
		// the target silo cannot host this actor type. Invalidate and
		// retry so the next attempt resolves fresh.
		if resp.IsError && strings.Contains(resp.ErrorMessage, quarkerr.ErrNoDispatcher.Error()) {
			p.cfg.Router.InvalidateCache(actorType, actorID)
			lastErr = &quarkerr.InvocationFailure{
				ActorType:  actorType,
				ActorID:    actorID,
				MethodName: methodName,
				Message:    resp.ErrorMessage,
			}
			continue
		}

		return resp, nil
	}

	return envelope.Envelope{}, lastErr
}
