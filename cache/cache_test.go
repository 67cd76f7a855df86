package cache

import (
	"testing"
	"time"

	"github.com/opd-ai/kademlia-core/id"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreThenGetRoundTrips(t *testing.T) {
	c := New()
	now := time.Unix(1000, 0)
	c.Store("abc", "sub", []byte("hello"), nil, now)

	got, ok := c.Get("abc", "sub")
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), got.Value)
	assert.Nil(t, got.Expire)
}

func TestCountAcrossKeysAndSubkeys(t *testing.T) {
	c := New()
	now := time.Unix(1000, 0)
	assert.Equal(t, 0, c.Count())

	c.Store("abc", "sub1", []byte("v"), nil, now)
	c.Store("abc", "sub2", []byte("v"), nil, now)
	c.Store("def", "sub1", []byte("v"), nil, now)
	assert.Equal(t, 3, c.Count())

	c.Delete("abc", "sub1")
	assert.Equal(t, 2, c.Count())
}

func TestNilExpireNeverExpires(t *testing.T) {
	c := New()
	now := time.Unix(1000, 0)
	c.Store("abc", "sub", []byte("hello"), nil, now)

	removed := c.Expire(now.Add(1000*time.Hour), 20, func(id.Id) int { return 0 })
	assert.Equal(t, 0, removed)

	_, ok := c.Get("abc", "sub")
	assert.True(t, ok)
}

func TestExpireRemovesPastDeadline(t *testing.T) {
	c := New()
	now := time.Unix(1000, 0)
	expireAt := now.Add(time.Minute)

	nodeID, err := id.Generate()
	require.NoError(t, err)
	c.Store(nodeID.String(), "sub", []byte("v"), &expireAt, now)

	removed := c.Expire(now.Add(2*time.Minute), 20, func(id.Id) int { return 0 })
	assert.Equal(t, 1, removed)

	_, ok := c.Get(nodeID.String(), "sub")
	assert.False(t, ok)
}

func TestExpireScalesRemainingLifetimeWhenManyCloserNodes(t *testing.T) {
	c := New()
	now := time.Unix(1000, 0)
	expireAt := now.Add(time.Second) // unscaled TTL is 1s from refresh

	nodeID, err := id.Generate()
	require.NoError(t, err)
	c.Store(nodeID.String(), "sub", []byte("v"), &expireAt, now)

	// n=100 > k=20: exp(20/100) ~= 1.2214, so the scaled deadline sits
	// at ~1.2214s after refresh — unscaled would already be expired at
	// the 1.1s check point below, scaled is not.
	removed := c.Expire(now.Add(1100*time.Millisecond), 20, func(id.Id) int { return 100 })
	assert.Equal(t, 0, removed, "scaled TTL should not have expired yet")

	_, ok := c.Get(nodeID.String(), "sub")
	assert.True(t, ok)
}

func TestExpireAfterEffectiveScaledDeadlineRemoves(t *testing.T) {
	c := New()
	now := time.Unix(1000, 0)
	expireAt := now.Add(time.Second)

	nodeID, err := id.Generate()
	require.NoError(t, err)
	c.Store(nodeID.String(), "sub", []byte("v"), &expireAt, now)

	removed := c.Expire(now.Add(time.Hour), 20, func(id.Id) int { return 100 })
	assert.Equal(t, 1, removed)
}

func TestDueForReplicationAndMarkReplicated(t *testing.T) {
	c := New()
	now := time.Unix(1000, 0)
	expireAt := now.Add(24 * time.Hour)
	c.Store("abc", "sub", []byte("v"), &expireAt, now)

	due := c.DueForReplication(now.Add(2*time.Hour), time.Hour, 24*time.Hour)
	require.Len(t, due, 1)
	assert.Equal(t, Key{IDHex: "abc", Subkey: "sub"}, due[0])

	c.MarkReplicated("abc", "sub", now.Add(2*time.Hour))
	due = c.DueForReplication(now.Add(2*time.Hour+time.Nanosecond), time.Hour, 24*time.Hour)
	assert.Empty(t, due)
}

func TestDueForReplicationUsesRepublishIntervalForAuthoritativeEntries(t *testing.T) {
	c := New()
	now := time.Unix(1000, 0)
	c.Store("abc", "sub", []byte("v"), nil, now)

	due := c.DueForReplication(now.Add(2*time.Hour), time.Hour, 24*time.Hour)
	assert.Empty(t, due, "expire==nil entry follows republishInterval, not replicateInterval")

	due = c.DueForReplication(now.Add(25*time.Hour), time.Hour, 24*time.Hour)
	require.Len(t, due, 1)
}

func TestNextWakeupCapsAtReplicateInterval(t *testing.T) {
	c := New()
	now := time.Unix(1000, 0)

	next := c.NextWakeup(now, time.Hour, 24*time.Hour)
	assert.Equal(t, now.Add(time.Hour), next, "empty cache caps at now+interval")

	expireAt := now.Add(24 * time.Hour)
	c.Store("abc", "sub", []byte("v"), &expireAt, now)
	next = c.NextWakeup(now, time.Hour, 24*time.Hour)
	assert.Equal(t, now.Add(time.Hour), next)
}

func TestNextWakeupIgnoresAuthoritativeEntryBeyondCeiling(t *testing.T) {
	c := New()
	now := time.Unix(1000, 0)
	c.Store("abc", "sub", []byte("v"), nil, now)

	next := c.NextWakeup(now, time.Hour, 24*time.Hour)
	assert.Equal(t, now.Add(time.Hour), next, "republish deadline is past the replicate ceiling")
}
