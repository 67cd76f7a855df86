package dht

import (
	"context"
	"time"

	"github.com/opd-ai/kademlia-core/id"
	"github.com/opd-ai/kademlia-core/lookup"
	"github.com/opd-ai/kademlia-core/routing"
	"github.com/opd-ai/kademlia-core/transport"
	"github.com/sirupsen/logrus"
)

// Set stores value under key, using key itself as the subkey
// (spec.md §4.6: set(key, value) = multiset(key, key, value)).
func (n *Node) Set(ctx context.Context, key Key, value []byte) error {
	return n.MultiSet(ctx, key, key.DefaultSubkey(), value)
}

// MultiSet resolves key to an Id, locates its k closest known
// contacts via an iterative find-node, and stores value at each of
// them. The local node also seeds an authoritative, non-expiring copy
// so the replication loop republishes it on RepublishTime cadence
// (spec.md §4.7).
func (n *Node) MultiSet(ctx context.Context, key Key, subkey string, value []byte) error {
	keyID := key.ID()
	result, err := n.iterativeFindNode(ctx, keyID)
	if err != nil {
		return err
	}

	n.cache.Store(keyID.String(), subkey, value, nil, n.time.Now())

	for _, contact := range result.Shortlist {
		if err := n.rpc.Store(ctx, contact.Endpoint, transport.StorePayload{
			ID:       n.localID,
			IDKeyHex: keyID.String(),
			Subkey:   subkey,
			Value:    value,
		}); err != nil {
			n.table.MarkDead(contact.ID)
			logrus.WithFields(logrus.Fields{
				"function": "Node.MultiSet",
				"contact":  contact.ID.String(),
				"error":    err.Error(),
			}).Debug("store rpc failed, best-effort")
		}
	}
	return nil
}

// Get reads back value (local cache if present, else the network)
// under key's default subkey (spec.md §4.6: get(key) = multiget(key, key)).
func (n *Node) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	return n.MultiGet(ctx, key, SingleSubkey(key.DefaultSubkey()))
}

// GetAll reads back every subkey held under key (spec.md §4.6:
// get_all(key) = multiget(key, null)).
func (n *Node) GetAll(ctx context.Context, key Key) (map[string][]byte, error) {
	return n.multiGetAll(ctx, key)
}

// MultiGet reads back one named subkey under key. A cache hit is
// returned without touching the network; a miss drives a
// single-subkey find-value lookup and, on success, caches the value
// at the closest contact that did not already hold it. Given
// AllSubkeys, it runs the all-subkey lookup, which never serves from
// cache (spec.md §4.6), and returns only the value under key's default
// subkey; GetAll returns every subkey.
func (n *Node) MultiGet(ctx context.Context, key Key, subkey Subkey) ([]byte, bool, error) {
	if subkey.IsAll() {
		values, err := n.multiGetAll(ctx, key)
		if err != nil {
			return nil, false, err
		}
		v, ok := values[key.DefaultSubkey()]
		return v, ok, nil
	}

	keyID := key.ID()
	name := subkey.Name()
	if entry, ok := n.cache.Get(keyID.String(), name); ok {
		return entry.Value, true, nil
	}

	result := n.iterativeFindValue(ctx, keyID, keyID.String(), lookup.ModeFindValueSingle, name)
	if result.Value == nil {
		return nil, false, nil
	}

	n.cacheAtClosestMiss(ctx, keyID, name, result)
	return result.Value.Value, true, nil
}

func (n *Node) multiGetAll(ctx context.Context, key Key) (map[string][]byte, error) {
	keyID := key.ID()
	result := n.iterativeFindValue(ctx, keyID, keyID.String(), lookup.ModeFindValueAll, "")

	out := make(map[string][]byte, len(result.Values))
	for subkey, value := range result.Values {
		out[subkey] = value.Value
	}

	for subkey, value := range result.Values {
		source := result.Sources[subkey]
		n.storeAtContactsMissing(ctx, keyID, subkey, value, result.Shortlist, source)
	}
	return out, nil
}

// cacheAtClosestMiss implements spec.md §4.7's post-find-value caching
// rule for the single-subkey path: the value is stored at the closest
// shortlist contact that did not itself return it.
func (n *Node) cacheAtClosestMiss(ctx context.Context, keyID id.Id, subkey string, result lookup.Result) {
	for _, contact := range result.Shortlist {
		if result.Source != nil && contact.ID == result.Source.ID {
			continue
		}
		if err := n.rpc.Store(ctx, contact.Endpoint, transport.StorePayload{
			ID:       n.localID,
			IDKeyHex: keyID.String(),
			Subkey:   subkey,
			Value:    result.Value.Value,
			ExpireAt: expireAtPtr(result.Value),
		}); err != nil {
			n.table.MarkDead(contact.ID)
			logrus.WithFields(logrus.Fields{
				"function": "Node.cacheAtClosestMiss",
				"contact":  contact.ID.String(),
				"error":    err.Error(),
			}).Debug("post-find-value cache store failed, best-effort")
		}
		return
	}
}

// storeAtContactsMissing implements the all-subkey variant: restrict
// the store to shortlist contacts other than the subkey's own source.
func (n *Node) storeAtContactsMissing(ctx context.Context, keyID id.Id, subkey string, value lookup.SubkeyValue, shortlist []routing.Contact, source routing.Contact) {
	for _, contact := range shortlist {
		if contact.ID == source.ID {
			continue
		}
		if err := n.rpc.Store(ctx, contact.Endpoint, transport.StorePayload{
			ID:       n.localID,
			IDKeyHex: keyID.String(),
			Subkey:   subkey,
			Value:    value.Value,
			ExpireAt: expireAtPtr(&value),
		}); err != nil {
			n.table.MarkDead(contact.ID)
			logrus.WithFields(logrus.Fields{
				"function": "Node.storeAtContactsMissing",
				"contact":  contact.ID.String(),
				"error":    err.Error(),
			}).Debug("post-find-value cache store failed, best-effort")
		}
	}
}

func expireAtPtr(v *lookup.SubkeyValue) *time.Time {
	if v == nil || !v.HasExpire {
		return nil
	}
	t := v.Expire
	return &t
}

// Peek synchronously reads the local cache for key/subkey after
// running expiration. A false/zero-value result does not imply the
// value is absent from the network (spec.md §4.6).
func (n *Node) Peek(key Key, subkey string) ([]byte, bool) {
	n.runExpiration()
	entry, ok := n.cache.Get(key.ID().String(), subkey)
	if !ok {
		return nil, false
	}
	return entry.Value, true
}

// PeekAll synchronously reads every cached subkey under key after
// running expiration.
func (n *Node) PeekAll(key Key) map[string][]byte {
	n.runExpiration()
	all := n.cache.GetAll(key.ID().String())
	out := make(map[string][]byte, len(all))
	for subkey, entry := range all {
		out[subkey] = entry.Value
	}
	return out
}

func (n *Node) runExpiration() {
	n.cache.Expire(n.time.Now(), n.opts.BucketSize, n.table.CountClosestNodes)
}
