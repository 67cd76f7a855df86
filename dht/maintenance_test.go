package dht

import (
	"context"
	"testing"
	"time"

	"github.com/opd-ai/kademlia-core/id"
	"github.com/opd-ai/kademlia-core/routing"
	"github.com/opd-ai/kademlia-core/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunReplicationRedistributesDueEntriesAndMarksReplicated(t *testing.T) {
	net := transport.NewNetwork()
	localRPC := net.NewTransport(transport.Endpoint("local"))
	clock := newFakeTime(time.Unix(1000, 0))
	localID, err := id.Generate()
	require.NoError(t, err)
	n, err := NewNode(localID, transport.Endpoint("local"), localRPC, Options{
		BucketSize:    20,
		ReplicateTime: time.Hour,
		RepublishTime: 24 * time.Hour,
	}, clock)
	require.NoError(t, err)
	defer n.Close()

	peerID, err := id.Generate()
	require.NoError(t, err)
	peerRPC := net.NewTransport(transport.Endpoint("peer"))
	peerRPC.ReceiveFindNode(func(ctx context.Context, from routing.Endpoint, payload transport.FindNodePayload) (transport.FindNodeResult, error) {
		return transport.FindNodeResult{}, nil
	})
	var stored bool
	peerRPC.ReceiveStore(func(ctx context.Context, from routing.Endpoint, payload transport.StorePayload) error {
		stored = true
		return nil
	})

	_, err = n.table.Store(routing.NewContact(peerID, transport.Endpoint("peer")))
	require.NoError(t, err)

	keyID := id.FromKey("hello")
	n.cache.Store(keyID.String(), "hello", []byte("world"), nil, clock.Now())

	clock.Advance(25 * time.Hour)
	n.runReplication()

	assert.True(t, stored, "replication must redistribute a due entry to the shortlist")

	entry, ok := n.cache.Get(keyID.String(), "hello")
	require.True(t, ok)
	assert.Equal(t, clock.Now(), entry.Refresh, "entry refresh time must advance after replication")
}

func TestRunReplicationMarksUnresponsiveContactDead(t *testing.T) {
	net := transport.NewNetwork()
	localRPC := net.NewTransport(transport.Endpoint("local"))
	clock := newFakeTime(time.Unix(1000, 0))
	localID, err := id.Generate()
	require.NoError(t, err)
	n, err := NewNode(localID, transport.Endpoint("local"), localRPC, Options{
		BucketSize:    20,
		ReplicateTime: time.Hour,
		RepublishTime: 24 * time.Hour,
	}, clock)
	require.NoError(t, err)
	defer n.Close()

	peerID, err := id.Generate()
	require.NoError(t, err)
	// No transport registered at "peer": every RPC to it fails unreachable.
	_, err = n.table.Store(routing.NewContact(peerID, transport.Endpoint("peer")))
	require.NoError(t, err)

	keyID := id.FromKey("hello")
	n.cache.Store(keyID.String(), "hello", []byte("world"), nil, clock.Now())

	clock.Advance(25 * time.Hour)
	n.runReplication()

	alive, dead := n.table.CountByLiveness()
	assert.Equal(t, 0, alive)
	assert.Equal(t, 1, dead)
}

func TestPruneLoopWiringRemovesContactPastThreshold(t *testing.T) {
	net := transport.NewNetwork()
	rpc := net.NewTransport(transport.Endpoint("local"))
	localID, err := id.Generate()
	require.NoError(t, err)
	n, err := NewNode(localID, transport.Endpoint("local"), rpc, Options{BucketSize: 20, DeadThreshold: 2}, nil)
	require.NoError(t, err)
	defer n.Close()

	peerID, err := id.Generate()
	require.NoError(t, err)
	_, err = n.table.Store(routing.NewContact(peerID, transport.Endpoint("peer")))
	require.NoError(t, err)

	n.table.MarkDead(peerID)
	n.table.MarkDead(peerID)

	removed := n.table.Prune(n.opts.DeadThreshold)
	assert.Equal(t, 1, removed)

	found := n.table.Find(peerID, 1)
	assert.Empty(t, found)
}

func TestWaitUntilClampsToNonNegativeAndCeiling(t *testing.T) {
	now := time.Unix(1000, 0)

	assert.Equal(t, time.Hour, waitUntil(now, now.Add(2*time.Hour), time.Hour))
	assert.Equal(t, 30*time.Minute, waitUntil(now, now.Add(30*time.Minute), time.Hour))
	assert.Equal(t, time.Nanosecond, waitUntil(now, now.Add(-time.Minute), time.Hour))
}
