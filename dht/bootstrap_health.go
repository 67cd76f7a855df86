package dht

import (
	"sync"
	"time"

	"github.com/opd-ai/kademlia-core/routing"
)

// SeedHealth tracks the last success/failure seen for one bootstrap
// seed endpoint, grounded on the teacher's BootstrapManager per-node
// LastUsed/Success bookkeeping (dht/bootstrap.go).
type SeedHealth struct {
	LastSuccess time.Time
	LastFailure time.Time
}

// failing reports whether the most recent outcome was a failure.
func (h SeedHealth) failing() bool {
	return h.LastFailure.After(h.LastSuccess)
}

type seedHealthTracker struct {
	mu    sync.Mutex
	byKey map[string]SeedHealth
}

func newSeedHealthTracker() *seedHealthTracker {
	return &seedHealthTracker{byKey: make(map[string]SeedHealth)}
}

func (t *seedHealthTracker) recordSuccess(endpoint routing.Endpoint, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.byKey[endpoint.String()]
	h.LastSuccess = now
	t.byKey[endpoint.String()] = h
}

func (t *seedHealthTracker) recordFailure(endpoint routing.Endpoint, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.byKey[endpoint.String()]
	h.LastFailure = now
	t.byKey[endpoint.String()] = h
}

// shouldSkip reports whether endpoint failed more recently than it
// succeeded and is still within its backoff window, so a later
// Bootstrap call does not keep re-dialing a seed that just failed.
func (t *seedHealthTracker) shouldSkip(endpoint routing.Endpoint, now time.Time, backoff time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.byKey[endpoint.String()]
	if !ok || !h.failing() {
		return false
	}
	return now.Sub(h.LastFailure) < backoff
}

// Snapshot returns a copy of every tracked seed's health, keyed by the
// endpoint's canonical string form.
func (t *seedHealthTracker) Snapshot() map[string]SeedHealth {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]SeedHealth, len(t.byKey))
	for k, v := range t.byKey {
		out[k] = v
	}
	return out
}

// SeedHealth returns a snapshot of every bootstrap seed's last known
// success/failure, for operator introspection.
func (n *Node) SeedHealth() map[string]SeedHealth {
	return n.seedHealth.Snapshot()
}
