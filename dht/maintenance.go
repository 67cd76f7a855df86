package dht

import (
	"time"

	"github.com/opd-ai/kademlia-core/id"
	"github.com/opd-ai/kademlia-core/transport"
	"github.com/sirupsen/logrus"
)

// refreshLoop drives spec.md §4.3's bucket refresh: each firing probes
// every bucket whose next_refresh_time is due, then rearms to the
// earliest future deadline across all buckets, following the
// teacher's Maintainer (ticker goroutine + ctx.Done select) but with
// a self-rearming timer instead of a fixed-period ticker since the
// next wake-up is data-dependent.
func (n *Node) refreshLoop() {
	defer n.wg.Done()

	timer := time.NewTimer(n.opts.RefreshTime)
	defer timer.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-timer.C:
			next := n.table.Refresh(n.time.Now(), n.opts.RefreshTime, n.refreshBucket)
			timer.Reset(waitUntil(n.time.Now(), next, n.opts.RefreshTime))
		}
	}
}

func (n *Node) refreshBucket(target id.Id) error {
	_, err := n.iterativeFindNode(n.ctx, target)
	return err
}

// replicateLoop drives spec.md §4.7's replication/republication pass:
// any entry due (fast cadence for held replicas, slow RepublishTime
// cadence for the locally authoritative copy) is redistributed to its
// current k-closest contacts, then the entry's refresh time advances.
func (n *Node) replicateLoop() {
	defer n.wg.Done()

	timer := time.NewTimer(n.opts.ReplicateTime)
	defer timer.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-timer.C:
			n.runReplication()
			next := n.cache.NextWakeup(n.time.Now(), n.opts.ReplicateTime, n.opts.RepublishTime)
			timer.Reset(waitUntil(n.time.Now(), next, n.opts.ReplicateTime))
		}
	}
}

func (n *Node) runReplication() {
	now := n.time.Now()
	due := n.cache.DueForReplication(now, n.opts.ReplicateTime, n.opts.RepublishTime)
	for _, key := range due {
		keyID, err := id.FromHex(key.IDHex)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Node.runReplication",
				"idHex":    key.IDHex,
				"error":    err.Error(),
			}).Warn("cache key is not a valid id, skipping replication")
			continue
		}
		entry, ok := n.cache.Get(key.IDHex, key.Subkey)
		if !ok {
			continue
		}

		result, err := n.iterativeFindNode(n.ctx, keyID)
		if err != nil {
			continue
		}
		for _, contact := range result.Shortlist {
			if err := n.rpc.Store(n.ctx, contact.Endpoint, transport.StorePayload{
				ID:       n.localID,
				IDKeyHex: key.IDHex,
				Subkey:   key.Subkey,
				Value:    entry.Value,
				ExpireAt: entry.Expire,
			}); err != nil {
				n.table.MarkDead(contact.ID)
				logrus.WithFields(logrus.Fields{
					"function": "Node.runReplication",
					"contact":  contact.ID.String(),
					"error":    err.Error(),
				}).Debug("replication store failed, best-effort")
			}
		}
		n.cache.MarkReplicated(key.IDHex, key.Subkey, now)
	}
}

// pruneLoop periodically sweeps every bucket for contacts whose
// dead-counter reached DeadThreshold, following the teacher's
// Maintainer.pruneRoutine but scoped narrowly: it only removes
// contacts already marked dead by an RPC failure (a failed lookup
// probe, store, or eviction-validation ping), never second-guessing
// Store's own
// eviction-candidate ping-and-replace protocol. Runs on the replicate
// cadence, reusing the same ticker period as expireLoop.
func (n *Node) pruneLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.opts.ReplicateTime)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			removed := n.table.Prune(n.opts.DeadThreshold)
			if removed > 0 {
				logrus.WithFields(logrus.Fields{
					"function": "Node.pruneLoop",
					"removed":  removed,
				}).Debug("pruned stale contacts")
			}
		}
	}
}

// expireLoop periodically evicts cache entries past their scaled
// effective expiration (spec.md §4.7). It runs on the replicate
// cadence; there is no separate timer to keep in sync.
func (n *Node) expireLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.opts.ReplicateTime)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			removed := n.cache.Expire(n.time.Now(), n.opts.BucketSize, n.table.CountClosestNodes)
			if removed > 0 {
				logrus.WithFields(logrus.Fields{
					"function": "Node.expireLoop",
					"removed":  removed,
				}).Debug("expired cache entries")
			}
		}
	}
}

// waitUntil returns the non-negative duration from now until next,
// capped at ceiling so a clock anomaly never produces an excessive or
// negative timer duration.
func waitUntil(now, next time.Time, ceiling time.Duration) time.Duration {
	d := next.Sub(now)
	if d <= 0 {
		return time.Nanosecond
	}
	if d > ceiling {
		return ceiling
	}
	return d
}
