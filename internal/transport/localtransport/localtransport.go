// Package localtransport implements silo.Transport entirely in process
// memory: a shared Bus plays the role of the network, letting tests spin
// up several silos in one process (internal/client's end-to-end tests,
// internal/migration's adapter test) without a real listener. A registry of
// named endpoints exchanges values over channels, guarded by a mutex
// rather than a real socket.
package localtransport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quarkrt/quark/internal/envelope"
	quarklog "github.com/quarkrt/quark/internal/log"
	"github.com/quarkrt/quark/internal/quarkerr"
)

var log = quarklog.NewSubLogger("LTRN")

// Bus is the shared in-process registry of every silo's local transport,
// standing in for a network. Tests construct one Bus and hand it to every
// Transport they create.
type Bus struct {
	mu    sync.RWMutex
	silos map[string]*Transport
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{silos: make(map[string]*Transport)}
}

func (b *Bus) register(t *Transport) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.silos[t.siloID] = t
}

func (b *Bus) unregister(siloID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.silos, siloID)
}

func (b *Bus) lookup(siloID string) (*Transport, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t, ok := b.silos[siloID]

	return t, ok
}

// Transport is an in-process silo.Transport backed by a shared Bus.
type Transport struct {
	siloID string
	bus    *Bus

	mu      sync.RWMutex
	handler func(ctx context.Context, from string, env envelope.Envelope)

	pending sync.Map // messageID -> chan envelope.Envelope

	started bool
}

// New constructs a local transport for siloID, registered on bus once
// Start is called.
func New(bus *Bus, siloID string) *Transport {
	return &Transport{siloID: siloID, bus: bus}
}

// Start registers this silo on the bus.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	t.started = true
	t.mu.Unlock()

	t.bus.register(t)
	log.InfoS(ctx, "Local transport started", "silo_id", t.siloID)

	return nil
}

// Stop deregisters this silo from the bus.
func (t *Transport) Stop() error {
	t.bus.unregister(t.siloID)

	t.mu.Lock()
	t.started = false
	t.mu.Unlock()

	return nil
}

// LocalSiloID implements silo.Transport.
func (t *Transport) LocalSiloID() string { return t.siloID }

// LocalEndpoint implements silo.Transport. In-process transports have no
// real address; the silo ID doubles as the endpoint for logging.
func (t *Transport) LocalEndpoint() string { return "local://" + t.siloID }

// OnEnvelopeReceived implements silo.Transport.
func (t *Transport) OnEnvelopeReceived(handler func(ctx context.Context, from string, env envelope.Envelope)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handler = handler
}

// Send implements silo.Transport by handing env directly to the target
// silo's registered handler and awaiting the correlated reply.
func (t *Transport) Send(ctx context.Context, targetSiloID string, env envelope.Envelope) (envelope.Envelope, error) {
	target, ok := t.bus.lookup(targetSiloID)
	if !ok {
		return envelope.Envelope{}, fmt.Errorf("localtransport: unknown silo %q", targetSiloID)
	}

	target.mu.RLock()
	h := target.handler
	target.mu.RUnlock()

	if h == nil {
		return envelope.Envelope{}, fmt.Errorf("localtransport: silo %q has no handler registered", targetSiloID)
	}

	replyCh := make(chan envelope.Envelope, 1)
	t.pending.Store(env.MessageID, replyCh)
	defer t.pending.Delete(env.MessageID)

	go h(ctx, t.siloID, env)

	select {
	case resp := <-replyCh:
		return resp, nil
	case <-ctx.Done():
		return envelope.Envelope{}, fmt.Errorf("%s: %w", env.MessageID, quarkerr.ErrTimeout)
	}
}

// Reply implements silo.Transport by delivering env to whichever Send
// call on toSiloID is awaiting this MessageID.
func (t *Transport) Reply(ctx context.Context, toSiloID string, env envelope.Envelope) error {
	source, ok := t.bus.lookup(toSiloID)
	if !ok {
		return fmt.Errorf("localtransport: unknown silo %q", toSiloID)
	}

	v, ok := source.pending.Load(env.MessageID)
	if !ok {
		return fmt.Errorf("localtransport: no pending request %s on silo %q", env.MessageID, toSiloID)
	}
	ch := v.(chan envelope.Envelope)

	select {
	case ch <- env:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("localtransport: reply delivery timed out for %s", env.MessageID)
	case <-ctx.Done():
		return ctx.Err()
	}
}
