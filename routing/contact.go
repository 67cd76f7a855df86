// Package routing implements the Kademlia routing table: capacity-bounded
// buckets arranged in a binary prefix tree rooted at the local id, with
// endpoint-rebinding detection and k-closest lookups.
package routing

import (
	"github.com/opd-ai/kademlia-core/id"
)

// Endpoint is the opaque network address of a Contact. The routing
// table never interprets it beyond equality of its canonical String()
// form and passing it through to the RPC transport (spec.md §3).
type Endpoint interface {
	String() string
}

// Contact pairs an Id with its opaque endpoint and a liveness counter.
// A Contact is alive iff DeadCount == 0. Mutate liveness only through
// SetAlive so the invariant stays obvious at call sites.
type Contact struct {
	ID        id.Id
	Endpoint  Endpoint
	DeadCount uint32
}

// NewContact constructs a freshly observed, alive contact.
func NewContact(nodeID id.Id, endpoint Endpoint) Contact {
	return Contact{ID: nodeID, Endpoint: endpoint}
}

// IsAlive reports whether the contact has no recorded failures since
// its last successful response.
func (c Contact) IsAlive() bool {
	return c.DeadCount == 0
}

// SetAlive resets the dead counter on success, or increments it on
// failure.
func (c *Contact) SetAlive(alive bool) {
	if alive {
		c.DeadCount = 0
		return
	}
	c.DeadCount++
}
