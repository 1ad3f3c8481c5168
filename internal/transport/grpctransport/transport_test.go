package grpctransport

import (
	"context"
	"testing"
	"time"

	"github.com/quarkrt/quark/internal/envelope"
	"github.com/stretchr/testify/require"
)

func TestSendAndReplyRoundTripOverLoopback(t *testing.T) {
	ctx := context.Background()

	serverA := New(DefaultConfig("silo-a", "127.0.0.1:0", nil))
	require.NoError(t, serverA.Start(ctx))
	defer serverA.Stop()

	peers := func(siloID string) (string, bool) {
		if siloID == "silo-a" {
			return serverA.LocalEndpoint(), true
		}

		return "", false
	}

	serverB := New(DefaultConfig("silo-b", "127.0.0.1:0", peers))
	require.NoError(t, serverB.Start(ctx))
	defer serverB.Stop()

	serverA.OnEnvelopeReceived(func(ctx context.Context, from string, env envelope.Envelope) {
		require.Equal(t, "silo-b", from)

		resp := env.Reply([]byte("pong"))
		require.NoError(t, serverA.Reply(ctx, from, resp))
	})

	sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req := envelope.NewRequest("CounterActor", "a1", "Increment", []byte("ping"))

	resp, err := serverB.Send(sendCtx, "silo-a", req)
	require.NoError(t, err)
	require.False(t, resp.IsError)
	require.Equal(t, []byte("pong"), resp.ResponsePayload)
	require.Equal(t, req.MessageID, resp.MessageID)
}

func TestSendToUnknownPeerFails(t *testing.T) {
	ctx := context.Background()

	srv := New(DefaultConfig("silo-a", "127.0.0.1:0", func(string) (string, bool) { return "", false }))
	require.NoError(t, srv.Start(ctx))
	defer srv.Stop()

	_, err := srv.Send(ctx, "silo-ghost", envelope.NewRequest("T", "a1", "M", nil))
	require.Error(t, err)
}
