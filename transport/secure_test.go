package transport

import (
	"context"
	"testing"

	"github.com/opd-ai/kademlia-core/id"
	"github.com/opd-ai/kademlia-core/routing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecurePingRoundTripsThroughNoiseHandshake(t *testing.T) {
	net := NewSecureNetwork()
	a, err := net.NewTransport(Endpoint("a"))
	require.NoError(t, err)
	b, err := net.NewTransport(Endpoint("b"))
	require.NoError(t, err)

	bID, err := id.Generate()
	require.NoError(t, err)
	b.ReceivePing(func(ctx context.Context, from routing.Endpoint, payload PingPayload) (PingResult, error) {
		return PingResult{RemoteID: bID}, nil
	})

	aID, err := id.Generate()
	require.NoError(t, err)
	result, err := a.Ping(context.Background(), Endpoint("b"), PingPayload{ID: aID})
	require.NoError(t, err)
	assert.Equal(t, bID, result.RemoteID)
}

func TestSecureHandshakeSessionIsCachedAcrossCalls(t *testing.T) {
	net := NewSecureNetwork()
	a, err := net.NewTransport(Endpoint("a"))
	require.NoError(t, err)
	b, err := net.NewTransport(Endpoint("b"))
	require.NoError(t, err)

	b.ReceivePing(func(ctx context.Context, from routing.Endpoint, payload PingPayload) (PingResult, error) {
		return PingResult{}, nil
	})

	_, err = a.Ping(context.Background(), Endpoint("b"), PingPayload{})
	require.NoError(t, err)
	first := a.sessions[b.self.String()]

	_, err = a.Ping(context.Background(), Endpoint("b"), PingPayload{})
	require.NoError(t, err)
	second := a.sessions[b.self.String()]

	assert.Same(t, first, second, "second call reuses the cached session rather than re-handshaking")
}
