// Package dht is the composition root: it owns the routing table and
// cache, wires an RPC capability's handlers, and implements the
// node's public surface (spec.md §4.6) and background maintenance
// (spec.md §4.7) on top of the routing, lookup, and cache packages.
package dht

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/kademlia-core/cache"
	"github.com/opd-ai/kademlia-core/id"
	"github.com/opd-ai/kademlia-core/lookup"
	"github.com/opd-ai/kademlia-core/routing"
	"github.com/opd-ai/kademlia-core/transport"
	"github.com/sirupsen/logrus"
)

// TimeProvider abstracts wall-clock access so cache TTLs and each
// refresh/replicate pass read a clock that tests can control,
// following the teacher's dht.TimeProvider/DefaultTimeProvider split.
// It supplies only the current time: the background loops' wake-ups
// come from real time.Timer/time.Ticker values, not from it.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the standard library clock.
type DefaultTimeProvider struct{}

// Now returns the current wall-clock time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Node is one Kademlia DHT participant: routing table, local cache,
// and the RPC plumbing spec.md §4.8 describes, plus the background
// loops of §4.7.
type Node struct {
	localID  id.Id
	endpoint routing.Endpoint
	rpc      transport.RPC
	opts     Options
	time     TimeProvider

	table *routing.RoutingTable
	cache *cache.Cache

	seedHealth *seedHealthTracker

	mu                 sync.Mutex
	validationInFlight bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewNode constructs a Node and registers its RPC handlers on rpc, but
// does not start its background loops; Bootstrap (called by Spawn)
// starts them.
func NewNode(localID id.Id, endpoint routing.Endpoint, rpc transport.RPC, opts Options, tp TimeProvider) (*Node, error) {
	opts = opts.withDefaults()
	if tp == nil {
		tp = DefaultTimeProvider{}
	}
	table, err := routing.NewRoutingTable(localID, opts.BucketSize)
	if err != nil {
		return nil, fmt.Errorf("dht: new routing table: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		localID:    localID,
		endpoint:   endpoint,
		rpc:        rpc,
		opts:       opts,
		time:       tp,
		table:      table,
		cache:      cache.New(),
		seedHealth: newSeedHealthTracker(),
		ctx:        ctx,
		cancel:     cancel,
	}
	n.registerHandlers()
	return n, nil
}

// Spawn generates a fresh random local id, constructs a Node, and
// bootstraps it from seeds (spec.md §4.6 spawn).
func Spawn(ctx context.Context, rpc transport.RPC, endpoint routing.Endpoint, seeds []routing.Contact, opts Options) (*Node, error) {
	localID, err := id.Generate()
	if err != nil {
		return nil, fmt.Errorf("dht: spawn: generate local id: %w", err)
	}
	n, err := NewNode(localID, endpoint, rpc, opts, nil)
	if err != nil {
		return nil, err
	}
	if err := n.Bootstrap(ctx, seeds); err != nil {
		return nil, fmt.Errorf("dht: spawn: bootstrap: %w", err)
	}
	return n, nil
}

// LocalID returns this node's own identifier.
func (n *Node) LocalID() id.Id { return n.localID }

// Close stops the background maintenance loops and releases resources.
func (n *Node) Close() {
	n.cancel()
	n.wg.Wait()
}

// Bootstrap pings every seed in parallel, records each live
// responder as a contact, runs an iterative find-node on the local
// id to populate buckets, and starts the background maintenance loops
// (spec.md §4.6 bootstrap). An empty seed list completes immediately
// but still starts maintenance. A seed that failed more recently than
// it last succeeded is skipped until RefreshTime has passed, so a
// later Bootstrap call does not keep re-dialing a seed that just
// failed (grounded on the teacher's BootstrapManager retry/backoff).
func (n *Node) Bootstrap(ctx context.Context, seeds []routing.Contact) error {
	if len(seeds) > 0 {
		var wg sync.WaitGroup
		for _, seed := range seeds {
			if n.seedHealth.shouldSkip(seed.Endpoint, n.time.Now(), n.opts.RefreshTime) {
				logrus.WithFields(logrus.Fields{
					"function": "Node.Bootstrap",
					"endpoint": seed.Endpoint.String(),
				}).Debug("skipping seed still in its failure backoff window")
				continue
			}
			wg.Add(1)
			go func(seed routing.Contact) {
				defer wg.Done()
				resp, err := n.rpc.Ping(ctx, seed.Endpoint, transport.PingPayload{ID: n.localID})
				if err != nil {
					n.seedHealth.recordFailure(seed.Endpoint, n.time.Now())
					logrus.WithFields(logrus.Fields{
						"function": "Node.Bootstrap",
						"endpoint": seed.Endpoint.String(),
						"error":    err.Error(),
					}).Debug("seed did not respond to ping")
					return
				}
				n.seedHealth.recordSuccess(seed.Endpoint, n.time.Now())
				n.discovered(ctx, resp.RemoteID, seed.Endpoint)
			}(seed)
		}
		wg.Wait()

		if _, err := n.iterativeFindNode(ctx, n.localID); err != nil {
			return err
		}
	}

	n.startMaintenance()
	return nil
}

func (n *Node) startMaintenance() {
	n.once.Do(func() {
		n.wg.Add(4)
		go n.refreshLoop()
		go n.replicateLoop()
		go n.expireLoop()
		go n.pruneLoop()
	})
}

// iterativeFindNode drives a pure node-discovery lookup for target,
// seeded from the locally known k-closest contacts.
func (n *Node) iterativeFindNode(ctx context.Context, target id.Id) (lookup.Result, error) {
	seeds := n.table.Find(target, n.opts.BucketSize)
	engine := lookup.NewEngine()
	result := engine.Run(ctx, lookup.Params{
		Target: target,
		Mode:   lookup.ModeFindNode,
		Alpha:  n.opts.Concurrency,
		K:      n.opts.BucketSize,
		Seeds:  seeds,
	}, n.queryFindNode)
	return result, nil
}

// iterativeFindValue drives a find-value lookup for idKeyHex/subkey
// under the given mode (single vs all subkeys).
func (n *Node) iterativeFindValue(ctx context.Context, target id.Id, idKeyHex string, mode lookup.Mode, subkey string) lookup.Result {
	seeds := n.table.Find(target, n.opts.BucketSize)
	engine := lookup.NewEngine()
	return engine.Run(ctx, lookup.Params{
		Target:   target,
		Mode:     mode,
		IDKeyHex: idKeyHex,
		Subkey:   subkey,
		Alpha:    n.opts.Concurrency,
		K:        n.opts.BucketSize,
		Seeds:    seeds,
	}, n.queryFindValue)
}

func (n *Node) queryFindNode(ctx context.Context, contact routing.Contact, target id.Id, mode lookup.Mode, idKeyHex, subkey string) (lookup.Response, error) {
	resp, err := n.rpc.FindNode(ctx, contact.Endpoint, transport.FindNodePayload{ID: n.localID, TargetID: target})
	if err != nil {
		n.table.MarkDead(contact.ID)
		return lookup.Response{}, err
	}
	n.table.MarkAlive(contact.ID)
	return lookup.Response{Contacts: resp.Contacts}, nil
}

func (n *Node) queryFindValue(ctx context.Context, contact routing.Contact, target id.Id, mode lookup.Mode, idKeyHex, subkey string) (lookup.Response, error) {
	var subkeyPtr *string
	if mode == lookup.ModeFindValueSingle {
		subkeyPtr = &subkey
	}
	resp, err := n.rpc.FindValue(ctx, contact.Endpoint, transport.FindValuePayload{
		ID:       n.localID,
		TargetID: target,
		IDKeyHex: idKeyHex,
		Subkey:   subkeyPtr,
	})
	if err != nil {
		n.table.MarkDead(contact.ID)
		return lookup.Response{}, err
	}
	n.table.MarkAlive(contact.ID)

	out := lookup.Response{Contacts: resp.Contacts}
	if mode == lookup.ModeFindValueSingle && resp.HasValue {
		out.Value = &lookup.SubkeyValue{Value: resp.Value, HasExpire: resp.ExpireAt != nil}
		if resp.ExpireAt != nil {
			out.Value.Expire = *resp.ExpireAt
		}
	}
	if mode == lookup.ModeFindValueAll && resp.HasValues {
		out.Values = make(map[string]lookup.SubkeyValue, len(resp.Values))
		for subkeyName, value := range resp.Values {
			sv := lookup.SubkeyValue{Value: value}
			if expireAt := resp.Expires[subkeyName]; expireAt != nil {
				sv.HasExpire = true
				sv.Expire = *expireAt
			}
			out.Values[subkeyName] = sv
		}
	}
	return out, nil
}
