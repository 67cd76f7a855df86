package dht

import (
	"context"
	"time"

	"github.com/opd-ai/kademlia-core/id"
	"github.com/opd-ai/kademlia-core/routing"
	"github.com/opd-ai/kademlia-core/transport"
	"github.com/sirupsen/logrus"
)

// registerHandlers wires this node's RPC handlers into its transport
// (spec.md §4.8), mirroring the teacher's packet-type dispatch table
// but keyed by the four abstract DHT operations instead of a byte.
func (n *Node) registerHandlers() {
	n.rpc.ReceivePing(n.OnPing)
	n.rpc.ReceiveStore(n.OnStore)
	n.rpc.ReceiveFindNode(n.OnFindNode)
	n.rpc.ReceiveFindValue(n.OnFindValue)
}

// OnPing answers a ping RPC, discovering the caller along the way.
func (n *Node) OnPing(ctx context.Context, from routing.Endpoint, payload transport.PingPayload) (transport.PingResult, error) {
	n.discovered(ctx, payload.ID, from)
	return transport.PingResult{RemoteID: n.localID}, nil
}

// OnStore answers a store RPC: discover the caller, then write the
// value to the local cache under the sender's expiration (or this
// node's default if the sender omitted one).
func (n *Node) OnStore(ctx context.Context, from routing.Endpoint, payload transport.StorePayload) error {
	n.discovered(ctx, payload.ID, from)

	expireAt := payload.ExpireAt
	if expireAt == nil {
		d := n.time.Now().Add(n.opts.ExpireTime)
		expireAt = &d
	}
	n.cache.Store(payload.IDKeyHex, payload.Subkey, payload.Value, expireAt, n.time.Now())
	return nil
}

// OnFindNode answers a find-node RPC with the k closest known
// contacts to the requested target, excluding the requestor itself.
func (n *Node) OnFindNode(ctx context.Context, from routing.Endpoint, payload transport.FindNodePayload) (transport.FindNodeResult, error) {
	n.discovered(ctx, payload.ID, from)
	closest := n.table.Find(payload.TargetID, n.opts.BucketSize)
	return transport.FindNodeResult{Contacts: excludeRequestor(closest, payload.ID)}, nil
}

// OnFindValue answers a find-value RPC: a cache hit for the requested
// subkey (or every subkey, if none was named) short-circuits with the
// value(s); otherwise it falls back to the find-node answer.
func (n *Node) OnFindValue(ctx context.Context, from routing.Endpoint, payload transport.FindValuePayload) (transport.FindValueResult, error) {
	n.discovered(ctx, payload.ID, from)

	if payload.Subkey != nil {
		if entry, ok := n.cache.Get(payload.IDKeyHex, *payload.Subkey); ok {
			return transport.FindValueResult{HasValue: true, Value: entry.Value, ExpireAt: entry.Expire}, nil
		}
	} else {
		all := n.cache.GetAll(payload.IDKeyHex)
		if len(all) > 0 {
			values := make(map[string][]byte, len(all))
			expires := make(map[string]*time.Time, len(all))
			for subkey, entry := range all {
				values[subkey] = entry.Value
				expires[subkey] = entry.Expire
			}
			return transport.FindValueResult{HasValues: true, Values: values, Expires: expires}, nil
		}
	}

	closest := n.table.Find(payload.TargetID, n.opts.BucketSize)
	return transport.FindValueResult{Contacts: excludeRequestor(closest, payload.ID)}, nil
}

func excludeRequestor(contacts []routing.Contact, requestor id.Id) []routing.Contact {
	out := make([]routing.Contact, 0, len(contacts))
	for _, c := range contacts {
		if c.ID != requestor {
			out = append(out, c)
		}
	}
	return out
}

// discovered folds a freshly observed (id, endpoint) pair into the
// routing table (spec.md §4.8). A resulting eviction candidate is
// validated by ping-and-replace, guarded so at most one validation
// probe is outstanding at a time (spec.md §5's _pendingContact rule).
func (n *Node) discovered(ctx context.Context, from id.Id, endpoint routing.Endpoint) {
	if from == n.localID {
		return
	}

	candidate, err := n.table.Store(routing.NewContact(from, endpoint))
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Node.discovered",
			"id":       from.String(),
			"error":    err.Error(),
		}).Debug("routing table rejected contact")
		return
	}
	if candidate == nil {
		return
	}

	n.mu.Lock()
	if n.validationInFlight {
		n.mu.Unlock()
		return
	}
	n.validationInFlight = true
	n.mu.Unlock()

	n.wg.Add(1)
	go n.validateEviction(*candidate)
}

// validateEviction pings the bucket's oldest contact: if it answers
// with its own id intact, it is kept and the new contact is dropped;
// otherwise the oldest is evicted and the new contact takes its place.
func (n *Node) validateEviction(candidate routing.EvictionCandidate) {
	defer n.wg.Done()
	defer func() {
		n.mu.Lock()
		n.validationInFlight = false
		n.mu.Unlock()
	}()

	resp, err := n.rpc.Ping(n.ctx, candidate.Oldest.Endpoint, transport.PingPayload{ID: n.localID})
	if err == nil && resp.RemoteID == candidate.Oldest.ID {
		n.table.MarkAlive(candidate.Oldest.ID)
		logrus.WithFields(logrus.Fields{
			"function": "Node.validateEviction",
			"oldest":   candidate.Oldest.ID.String(),
		}).Debug("oldest contact still alive, keeping it over the new candidate")
		return
	}

	n.table.MarkDead(candidate.Oldest.ID)
	if err := n.table.ReplaceCandidate(candidate); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Node.validateEviction",
			"oldest":   candidate.Oldest.ID.String(),
			"pending":  candidate.Pending.ID.String(),
			"error":    err.Error(),
		}).Warn("failed to replace dead oldest contact with new candidate")
	}
}
