package silo

import (
	"context"

	"github.com/quarkrt/quark/internal/envelope"
)

// Transport is a bi-directional envelope channel to every peer silo and
// to external clients. The core depends only on this interface; concrete
// implementations (internal/transport/grpctransport,
// internal/transport/localtransport) are peripheral.
type Transport interface {
	// Start begins accepting inbound connections/envelopes.
	Start(ctx context.Context) error

	// Stop shuts the transport down.
	Stop() error

	// LocalSiloID returns the silo ID this transport answers for.
	LocalSiloID() string

	// LocalEndpoint returns the address/port this transport listens on.
	LocalEndpoint() string

	// Send delivers env to targetSiloID and awaits the correlated
	// response envelope (same MessageID), or a request-level timeout
	// error if cancel is done first.
	Send(ctx context.Context, targetSiloID string, env envelope.Envelope) (envelope.Envelope, error)

	// Reply sends a response envelope back to toSiloID, correlated by
	// env.MessageID with whatever Send call on the other end is awaiting
	// it. Used by the silo's request pump once a mailbox finishes
	// processing a request that arrived from toSiloID.
	Reply(ctx context.Context, toSiloID string, env envelope.Envelope) error

	// OnEnvelopeReceived registers the callback invoked once per inbound
	// envelope. Implementations must never block the receive loop inside
	// this callback's invocation; handlers that need to do real work hand
	// off to a goroutine or, as the request pump does, to a mailbox.
	OnEnvelopeReceived(handler func(ctx context.Context, from string, env envelope.Envelope))
}
