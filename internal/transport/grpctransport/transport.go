// Package grpctransport implements silo.Transport over a bidirectional
// streaming gRPC connection per peer silo, the cross-process analogue of
// internal/transport/localtransport.
//
// The whole surface is one bidirectional streaming method. Message
// framing skips protobuf entirely via a custom "raw" content-subtype
// codec (see
// codec.go): a frame is exactly the bytes envelope.Envelope was already
// gob-encoded into, so this package never needs generated .pb.go stubs.
package grpctransport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"

	quarkcodec "github.com/quarkrt/quark/internal/codec"
	"github.com/quarkrt/quark/internal/envelope"
	quarklog "github.com/quarkrt/quark/internal/log"
	"github.com/quarkrt/quark/internal/quarkerr"
)

var log = quarklog.NewSubLogger("GTRN")

const siloIDMetadataKey = "x-quark-silo-id"

var envelopeCodec quarkcodec.BinaryCodec

// serviceName and the Exchange method name are the stand-ins for what a
// .proto file would otherwise declare; the raw codec means no message
// types need generating.
const (
	serviceName = "quark.Transport"
	methodName  = "Exchange"
	fullMethod  = "/" + serviceName + "/" + methodName
)

// PeerResolver maps a silo ID to its dialable gRPC address.
type PeerResolver func(siloID string) (addr string, ok bool)

// Config configures a Transport.
type Config struct {
	SiloID     string
	ListenAddr string
	Peers      PeerResolver

	ServerPingTime               time.Duration
	ServerPingTimeout            time.Duration
	ClientPingMinWait            time.Duration
	ClientAllowPingWithoutStream bool

	// DialTimeout defaults to 5s when unset. Send's setup of a new peer
	// connection (dial and stream open) does not apply it, so that setup
	// has no deadline of its own.
	DialTimeout time.Duration
}

// DefaultConfig returns the standard keepalive parameters.
func DefaultConfig(siloID, listenAddr string, peers PeerResolver) Config {
	return Config{
		SiloID:                       siloID,
		ListenAddr:                   listenAddr,
		Peers:                        peers,
		ServerPingTime:               5 * time.Minute,
		ServerPingTimeout:            1 * time.Minute,
		ClientPingMinWait:            5 * time.Second,
		ClientAllowPingWithoutStream: true,
		DialTimeout:                  5 * time.Second,
	}
}

// clientConn is one outbound stream this silo keeps open to a peer,
// used by Send and to receive that peer's replies.
type clientConn struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream

	mu      sync.Mutex
	pending map[string]chan envelope.Envelope
}

// Transport is a silo.Transport backed by gRPC bidirectional streams, one
// per peer pair and direction.
type Transport struct {
	cfg Config

	grpcServer *grpc.Server
	listener   net.Listener

	mu      sync.RWMutex
	handler func(ctx context.Context, from string, env envelope.Envelope)

	clientMu sync.Mutex
	clients  map[string]*clientConn

	serverMu      sync.Mutex
	serverStreams map[string]grpc.ServerStream

	wg sync.WaitGroup
}

// New constructs a gRPC transport from cfg. Call Start to begin
// listening.
func New(cfg Config) *Transport {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	return &Transport{
		cfg:           cfg,
		clients:       make(map[string]*clientConn),
		serverStreams: make(map[string]grpc.ServerStream),
	}
}

// LocalSiloID implements silo.Transport.
func (t *Transport) LocalSiloID() string { return t.cfg.SiloID }

// LocalEndpoint implements silo.Transport.
func (t *Transport) LocalEndpoint() string {
	if t.listener != nil {
		return t.listener.Addr().String()
	}

	return t.cfg.ListenAddr
}

// OnEnvelopeReceived implements silo.Transport.
func (t *Transport) OnEnvelopeReceived(handler func(ctx context.Context, from string, env envelope.Envelope)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handler = handler
}

// Start begins listening for peer connections: build keepalive server
// options, register the service, serve in a background goroutine.
func (t *Transport) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", t.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("grpctransport: listen on %s: %w", t.cfg.ListenAddr, err)
	}
	t.listener = lis

	serverKeepalive := keepalive.ServerParameters{
		Time:    t.cfg.ServerPingTime,
		Timeout: t.cfg.ServerPingTimeout,
	}
	clientKeepalive := keepalive.EnforcementPolicy{
		MinTime:             t.cfg.ClientPingMinWait,
		PermitWithoutStream: t.cfg.ClientAllowPingWithoutStream,
	}

	t.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(serverKeepalive),
		grpc.KeepaliveEnforcementPolicy(clientKeepalive),
	)

	desc := &grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{
			{
				StreamName:    methodName,
				Handler:       t.exchangeHandler,
				ServerStreams: true,
				ClientStreams: true,
			},
		},
	}
	t.grpcServer.RegisterService(desc, nil)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		if err := t.grpcServer.Serve(lis); err != nil {
			log.DebugS(ctx, "gRPC transport stopped serving", "error", err)
		}
	}()

	log.InfoS(ctx, "gRPC transport listening", "silo_id", t.cfg.SiloID, "addr", t.LocalEndpoint())

	return nil
}

// Stop gracefully shuts the transport down.
func (t *Transport) Stop() error {
	if t.grpcServer != nil {
		t.grpcServer.GracefulStop()
	}

	t.clientMu.Lock()
	for _, c := range t.clients {
		_ = c.conn.Close()
	}
	t.clients = make(map[string]*clientConn)
	t.clientMu.Unlock()

	t.wg.Wait()

	return nil
}

// exchangeHandler is the server-side implementation of the Exchange
// stream: it registers itself under the connecting peer's silo ID (sent
// via metadata) and forwards every inbound frame to the registered
// handler, replying back down the same stream as Reply is called.
func (t *Transport) exchangeHandler(_ any, stream grpc.ServerStream) error {
	ctx := stream.Context()

	fromSiloID := peerSiloIDFromContext(ctx)
	if fromSiloID == "" {
		return fmt.Errorf("grpctransport: peer did not send %s metadata", siloIDMetadataKey)
	}

	t.serverMu.Lock()
	t.serverStreams[fromSiloID] = stream
	t.serverMu.Unlock()

	defer func() {
		t.serverMu.Lock()
		delete(t.serverStreams, fromSiloID)
		t.serverMu.Unlock()
	}()

	for {
		var frame rawFrame
		if err := stream.RecvMsg(&frame); err != nil {
			return err
		}

		var env envelope.Envelope
		if err := envelopeCodec.Decode(frame, &env); err != nil {
			log.WarnS(ctx, "Failed to decode inbound frame", err, "from", fromSiloID)
			continue
		}

		t.mu.RLock()
		h := t.handler
		t.mu.RUnlock()

		if h != nil {
			go h(ctx, fromSiloID, env)
		}
	}
}

func peerSiloIDFromContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get(siloIDMetadataKey)
	if len(vals) == 0 {
		return ""
	}

	return vals[0]
}

// getOrDialClient returns the open client stream to targetSiloID, dialing
// and establishing it on first use.
func (t *Transport) getOrDialClient(ctx context.Context, targetSiloID string) (*clientConn, error) {
	t.clientMu.Lock()
	defer t.clientMu.Unlock()

	if c, ok := t.clients[targetSiloID]; ok {
		return c, nil
	}

	addr, ok := t.cfg.Peers(targetSiloID)
	if !ok {
		return nil, fmt.Errorf("grpctransport: no known address for silo %q", targetSiloID)
	}

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                t.cfg.ClientPingMinWait * 2,
			Timeout:             t.cfg.ServerPingTimeout,
			PermitWithoutStream: t.cfg.ClientAllowPingWithoutStream,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("grpctransport: dial %s: %w", addr, err)
	}

	outCtx := metadata.AppendToOutgoingContext(context.Background(), siloIDMetadataKey, t.cfg.SiloID)
	stream, err := conn.NewStream(outCtx, &grpc.StreamDesc{
		StreamName:    methodName,
		ServerStreams: true,
		ClientStreams: true,
	}, fullMethod)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("grpctransport: open stream to %s: %w", addr, err)
	}

	c := &clientConn{conn: conn, stream: stream, pending: make(map[string]chan envelope.Envelope)}
	t.clients[targetSiloID] = c

	t.wg.Add(1)
	go t.readReplies(targetSiloID, c)

	return c, nil
}

func (t *Transport) readReplies(siloID string, c *clientConn) {
	defer t.wg.Done()

	for {
		var frame rawFrame
		if err := c.stream.RecvMsg(&frame); err != nil {
			log.DebugS(context.Background(), "Client stream closed", "silo_id", siloID, "error", err)
			return
		}

		var env envelope.Envelope
		if err := envelopeCodec.Decode(frame, &env); err != nil {
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[env.MessageID]
		if ok {
			delete(c.pending, env.MessageID)
		}
		c.mu.Unlock()

		if ok {
			ch <- env
		}
	}
}

// Send implements silo.Transport: opens (or reuses) the outbound stream
// to targetSiloID, writes env as a raw frame, and awaits the correlated
// reply.
func (t *Transport) Send(ctx context.Context, targetSiloID string, env envelope.Envelope) (envelope.Envelope, error) {
	c, err := t.getOrDialClient(ctx, targetSiloID)
	if err != nil {
		return envelope.Envelope{}, err
	}

	data, err := envelopeCodec.Encode(env)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("grpctransport: encode envelope: %w", err)
	}

	replyCh := make(chan envelope.Envelope, 1)
	c.mu.Lock()
	c.pending[env.MessageID] = replyCh
	c.mu.Unlock()

	if err := c.stream.SendMsg(rawFrame(data)); err != nil {
		c.mu.Lock()
		delete(c.pending, env.MessageID)
		c.mu.Unlock()

		return envelope.Envelope{}, fmt.Errorf("grpctransport: send frame: %w", err)
	}

	select {
	case resp := <-replyCh:
		return resp, nil
	case <-ctx.Done():
		return envelope.Envelope{}, fmt.Errorf("%s: %w", env.MessageID, quarkerr.ErrTimeout)
	}
}

// Reply implements silo.Transport: writes env back down the inbound
// stream that toSiloID's request arrived on.
func (t *Transport) Reply(ctx context.Context, toSiloID string, env envelope.Envelope) error {
	t.serverMu.Lock()
	stream, ok := t.serverStreams[toSiloID]
	t.serverMu.Unlock()

	if !ok {
		return fmt.Errorf("grpctransport: no inbound stream from silo %q", toSiloID)
	}

	data, err := envelopeCodec.Encode(env)
	if err != nil {
		return fmt.Errorf("grpctransport: encode envelope: %w", err)
	}

	if err := stream.SendMsg(rawFrame(data)); err != nil {
		return fmt.Errorf("grpctransport: reply send: %w", err)
	}

	return nil
}
