package dht

import (
	"context"
	"sync"
	"testing"

	"github.com/opd-ai/kademlia-core/id"
	"github.com/opd-ai/kademlia-core/routing"
	"github.com/opd-ai/kademlia-core/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTwoNodeStoreThenGet reproduces spec.md §8 scenario 2: B bootstraps
// from A, B.Set propagates to A over the in-memory transport, and
// A.Get subsequently observes it.
func TestTwoNodeStoreThenGet(t *testing.T) {
	net := transport.NewNetwork()
	rpcA := net.NewTransport(transport.Endpoint("A"))
	rpcB := net.NewTransport(transport.Endpoint("B"))

	a, err := Spawn(context.Background(), rpcA, transport.Endpoint("A"), nil, Options{})
	require.NoError(t, err)
	defer a.Close()

	seedA := routing.NewContact(a.LocalID(), transport.Endpoint("A"))
	b, err := Spawn(context.Background(), rpcB, transport.Endpoint("B"), []routing.Contact{seedA}, Options{})
	require.NoError(t, err)
	defer b.Close()

	key := KeyFromString("hello")
	require.NoError(t, b.Set(context.Background(), key, []byte("world")))

	got, ok, err := a.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("world"), got)
}

// TestFindValueClosestCacheRule reproduces spec.md §8 scenario 5: A
// holds the value, B is closer to the key than A but never held it,
// and C's lookup must both return A's value and backfill B.
func TestFindValueClosestCacheRule(t *testing.T) {
	net := transport.NewNetwork()

	keyID := id.FromKey("secret")
	aID := flipLastByte(keyID, 0x02)
	bID := flipLastByte(keyID, 0x01) // smaller XOR delta than A: B is closer to keyID.

	rpcA := net.NewTransport(transport.Endpoint("A"))
	a, err := NewNode(aID, transport.Endpoint("A"), rpcA, Options{}, nil)
	require.NoError(t, err)
	defer a.Close()

	rpcB := net.NewTransport(transport.Endpoint("B"))
	b, err := NewNode(bID, transport.Endpoint("B"), rpcB, Options{}, nil)
	require.NoError(t, err)
	defer b.Close()

	cID, err := id.Generate()
	require.NoError(t, err)
	rpcC := net.NewTransport(transport.Endpoint("C"))
	c, err := NewNode(cID, transport.Endpoint("C"), rpcC, Options{}, nil)
	require.NoError(t, err)
	defer c.Close()

	a.cache.Store(keyID.String(), "secret", []byte("treasure"), nil, a.time.Now())

	_, err = c.table.Store(routing.NewContact(aID, transport.Endpoint("A")))
	require.NoError(t, err)
	_, err = c.table.Store(routing.NewContact(bID, transport.Endpoint("B")))
	require.NoError(t, err)

	var mu sync.Mutex
	var bStoreReceived bool
	originalOnStore := b.OnStore
	rpcB.ReceiveStore(func(ctx context.Context, from routing.Endpoint, payload transport.StorePayload) error {
		mu.Lock()
		bStoreReceived = true
		mu.Unlock()
		return originalOnStore(ctx, from, payload)
	})

	got, ok, err := c.MultiGet(context.Background(), KeyFromID(keyID), SingleSubkey("secret"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("treasure"), got)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, bStoreReceived, "B must receive a subsequent store RPC despite never holding the value")
}
