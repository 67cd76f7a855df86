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

func TestSeedHealthTrackerSkipsWithinBackoffWindow(t *testing.T) {
	tr := newSeedHealthTracker()
	endpoint := transport.Endpoint("seed")
	now := time.Unix(1000, 0)

	assert.False(t, tr.shouldSkip(endpoint, now, time.Hour), "a never-seen seed must not be skipped")

	tr.recordFailure(endpoint, now)
	assert.True(t, tr.shouldSkip(endpoint, now.Add(time.Minute), time.Hour), "a recent failure must be within its backoff window")
	assert.False(t, tr.shouldSkip(endpoint, now.Add(2*time.Hour), time.Hour), "the backoff window must eventually elapse")

	tr.recordSuccess(endpoint, now.Add(time.Minute))
	assert.False(t, tr.shouldSkip(endpoint, now.Add(2*time.Minute), time.Hour), "a later success clears the failure backoff")
}

func TestSeedHealthTrackerSnapshotReflectsRecordedOutcomes(t *testing.T) {
	tr := newSeedHealthTracker()
	a := transport.Endpoint("a")
	b := transport.Endpoint("b")
	now := time.Unix(1000, 0)

	tr.recordSuccess(a, now)
	tr.recordFailure(b, now)

	snap := tr.Snapshot()
	assert.Equal(t, now, snap["a"].LastSuccess)
	assert.True(t, snap["a"].LastSuccess.Equal(now))
	assert.True(t, snap["b"].LastFailure.Equal(now))
	assert.True(t, snap["b"].failing())
	assert.False(t, snap["a"].failing())
}

func TestNodeSeedHealthReflectsBootstrapFailure(t *testing.T) {
	net := transport.NewNetwork()
	rpc := net.NewTransport(transport.Endpoint("local"))
	clock := newFakeTime(time.Unix(1000, 0))

	localID, err := id.Generate()
	require.NoError(t, err)
	n, err := NewNode(localID, transport.Endpoint("local"), rpc, Options{}, clock)
	require.NoError(t, err)
	defer n.Close()

	unreachableID, err := id.Generate()
	require.NoError(t, err)
	seed := routing.NewContact(unreachableID, transport.Endpoint("nowhere"))

	require.NoError(t, n.Bootstrap(context.Background(), []routing.Contact{seed}))

	snap := n.SeedHealth()
	got, ok := snap["nowhere"]
	require.True(t, ok, "expected a recorded health entry for the unreachable seed")
	assert.True(t, got.failing())
	assert.True(t, got.LastFailure.Equal(clock.Now()))
}
