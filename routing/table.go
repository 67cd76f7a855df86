package routing

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opd-ai/kademlia-core/id"
	"github.com/sirupsen/logrus"
)

// ErrLocalID is returned by Store when asked to store the local node's
// own id (invariant I3).
var ErrLocalID = errors.New("routing: refusing to store local id as a contact")

// treeNode is either a leaf (bucket != nil) or a branch (left/right !=
// nil), matching spec.md §9's tagged-union guidance for the prefix
// tree: Node = Leaf(Bucket) | Branch{left, right}.
type treeNode struct {
	bucket      *Bucket
	left, right *treeNode
}

func (n *treeNode) isLeaf() bool { return n.bucket != nil }

// EvictionCandidate is returned by Store when a bucket is full and not
// splittable: the caller decides whether to ping-and-replace the
// oldest contact.
type EvictionCandidate struct {
	Bucket  *Bucket
	Oldest  Contact
	Pending Contact
}

// RoutingTable is a binary prefix tree of Buckets rooted at the local
// id, with an endpoint→id side map used to detect endpoint rebinding.
type RoutingTable struct {
	mu         sync.RWMutex
	localID    id.Id
	bucketSize int
	root       *treeNode
	endpoints  map[string]id.Id
}

// NewRoutingTable creates a table for localID with bucketSize (k)
// capacity per bucket.
func NewRoutingTable(localID id.Id, bucketSize int) (*RoutingTable, error) {
	root, err := NewBucket(bucketSize, nil)
	if err != nil {
		return nil, err
	}
	return &RoutingTable{
		localID:    localID,
		bucketSize: bucketSize,
		root:       &treeNode{bucket: root},
		endpoints:  make(map[string]id.Id),
	}, nil
}

// findBucket walks the tree from the root, descending into the right
// child iff target.At(depth) is set, accumulating allowSplit as the
// running AND of target.At(depth) == localID.At(depth). Returns the
// leaf holding target along with its depth and whether the path
// remains on the local id's own prefix.
func (rt *RoutingTable) findBucket(target id.Id) (leaf *treeNode, depth int, allowSplit bool) {
	n := rt.root
	allowSplit = true
	for !n.isLeaf() {
		bit := target.At(depth)
		allowSplit = allowSplit && (bit == rt.localID.At(depth))
		if bit {
			n = n.right
		} else {
			n = n.left
		}
		depth++
	}
	return n, depth, allowSplit
}

// Store inserts contact into the appropriate bucket, splitting buckets
// along the local id's prefix as needed. If the covering bucket is
// full and cannot be split (it is off the local prefix, or the tree
// has reached maximum depth), it returns an EvictionCandidate holding
// the bucket's oldest entry for the caller to ping-and-replace.
func (rt *RoutingTable) Store(c Contact) (*EvictionCandidate, error) {
	if c.ID == rt.localID {
		return nil, ErrLocalID
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	for attempt := 0; attempt < id.Bits+1; attempt++ {
		leaf, depth, allowSplit := rt.findBucket(c.ID)

		if err := leaf.bucket.Store(c); err == nil {
			rt.registerEndpointLocked(c)
			return nil, nil
		}

		if !allowSplit || depth >= id.Bits-1 {
			oldest, ok := leaf.bucket.Oldest()
			if !ok {
				return nil, fmt.Errorf("routing: full bucket reports no oldest contact")
			}
			return &EvictionCandidate{Bucket: leaf.bucket, Oldest: oldest, Pending: c}, nil
		}

		if err := rt.splitLeafLocked(leaf, depth); err != nil {
			return nil, err
		}
		// Loop again: the tree changed shape, re-descend from root.
	}
	return nil, fmt.Errorf("routing: store exceeded maximum tree depth")
}

func (rt *RoutingTable) splitLeafLocked(leaf *treeNode, depth int) error {
	parentPrefix := leaf.bucket.Prefix()

	leftPrefix := append(append([]byte{}, parentPrefix...), 0)
	rightPrefix := append(append([]byte{}, parentPrefix...), 1)

	left, err := NewBucket(rt.bucketSize, leftPrefix)
	if err != nil {
		return err
	}
	right, err := NewBucket(rt.bucketSize, rightPrefix)
	if err != nil {
		return err
	}

	if err := leaf.bucket.Split(depth, left, right); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "splitLeafLocked",
		"depth":    depth,
	}).Debug("split routing table bucket")

	leaf.bucket = nil
	leaf.left = &treeNode{bucket: left}
	leaf.right = &treeNode{bucket: right}
	return nil
}

// registerEndpointLocked records that endpoint now belongs to c.ID,
// evicting any prior, different claimant (endpoints rebind to the
// freshest claimant — spec.md §4.3).
func (rt *RoutingTable) registerEndpointLocked(c Contact) {
	key := c.Endpoint.String()
	if prior, ok := rt.endpoints[key]; ok && prior != c.ID {
		rt.removeByIDLocked(prior)
		logrus.WithFields(logrus.Fields{
			"function": "registerEndpointLocked",
			"endpoint": key,
			"prior":    prior.String(),
			"new":      c.ID.String(),
		}).Debug("endpoint rebound to a new id")
	}
	rt.endpoints[key] = c.ID
}

func (rt *RoutingTable) removeByIDLocked(target id.Id) {
	leaf, _, _ := rt.findBucket(target)
	_, _ = leaf.bucket.Remove(target)
}

// Remove deletes target from whichever bucket currently covers it.
func (rt *RoutingTable) Remove(target id.Id) (Contact, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	leaf, _, _ := rt.findBucket(target)
	return leaf.bucket.Remove(target)
}

// ReplaceCandidate evicts candidate.Oldest from its bucket and seats
// candidate.Pending in its place, re-registering the replacement's
// endpoint so the endpoint→id side map never points at an evicted id
// (invariant I4). Callers obtain candidate from Store.
func (rt *RoutingTable) ReplaceCandidate(candidate EvictionCandidate) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if _, err := candidate.Bucket.Remove(candidate.Oldest.ID); err != nil {
		return err
	}
	if err := candidate.Bucket.Store(candidate.Pending); err != nil {
		return err
	}
	rt.registerEndpointLocked(candidate.Pending)
	return nil
}

// MarkAlive resets the dead-counter on the contact with the given id,
// if still present (spec.md §3: mutated only via set_alive).
func (rt *RoutingTable) MarkAlive(target id.Id) {
	rt.mu.RLock()
	leaf, _, _ := rt.findBucket(target)
	rt.mu.RUnlock()
	leaf.bucket.UpdateLiveness(target, true)
}

// MarkDead increments the dead-counter on the contact with the given
// id, if still present. It does not itself remove the contact; Prune
// does that once the counter crosses a threshold.
func (rt *RoutingTable) MarkDead(target id.Id) {
	rt.mu.RLock()
	leaf, _, _ := rt.findBucket(target)
	rt.mu.RUnlock()
	leaf.bucket.UpdateLiveness(target, false)
}

// Prune walks every bucket and removes contacts whose dead-counter has
// reached threshold, also clearing their endpoint registration. It
// returns the number of contacts removed (spec.md §4.8's stale-contact
// sweep, distinct from the ping-and-replace path Store triggers).
func (rt *RoutingTable) Prune(threshold uint32) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	var leaves []*Bucket
	rt.collectLeaves(rt.root, &leaves)

	removed := 0
	for _, b := range leaves {
		for _, c := range b.PruneDead(threshold) {
			if prior, ok := rt.endpoints[c.Endpoint.String()]; ok && prior == c.ID {
				delete(rt.endpoints, c.Endpoint.String())
			}
			removed++
		}
	}
	return removed
}

// CountByLiveness reports the total alive/dead contact counts across
// every bucket, for introspection (Node.Stats).
func (rt *RoutingTable) CountByLiveness() (alive, dead int) {
	rt.mu.RLock()
	var leaves []*Bucket
	rt.collectLeaves(rt.root, &leaves)
	rt.mu.RUnlock()

	for _, b := range leaves {
		a, d := b.CountByLiveness()
		alive += a
		dead += d
	}
	return alive, dead
}

// Find returns up to n contacts closest to target, drawn from the
// whole table, sorted ascending by distance to target. It descends
// first into the child matching target's bit at each level and, if
// still short of n, also descends into the sibling.
func (rt *RoutingTable) Find(target id.Id, n int) []Contact {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var collected []Contact
	rt.collect(rt.root, 0, target, n, &collected)

	sort.Slice(collected, func(i, j int) bool {
		return target.Less(collected[i].ID, collected[j].ID)
	})
	if len(collected) > n {
		collected = collected[:n]
	}
	return collected
}

func (rt *RoutingTable) collect(n *treeNode, depth int, target id.Id, want int, out *[]Contact) {
	if n.isLeaf() {
		*out = append(*out, n.bucket.Obtain(-1)...)
		return
	}

	first, second := n.left, n.right
	if target.At(depth) {
		first, second = n.right, n.left
	}
	rt.collect(first, depth+1, target, want, out)
	if len(*out) < want {
		rt.collect(second, depth+1, target, want, out)
	}
}

// Refresh walks all leaf buckets; for each whose next scheduled
// refresh has elapsed (or was never set), it invokes refresh with a
// weakly random id covered by that bucket and marks the bucket
// refreshed at now. It returns the earliest future refresh deadline
// across all buckets.
func (rt *RoutingTable) Refresh(now time.Time, refreshInterval time.Duration, refresh func(target id.Id) error) time.Time {
	rt.mu.RLock()
	var leaves []*Bucket
	rt.collectLeaves(rt.root, &leaves)
	rt.mu.RUnlock()

	earliest := now.Add(refreshInterval)
	for _, b := range leaves {
		due, ok := b.NextRefreshTime(refreshInterval, now)
		if !ok {
			if err := refresh(b.RandomID()); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Refresh",
					"error":    err.Error(),
				}).Warn("bucket refresh probe failed")
			}
			b.MarkRefreshed(now)
			due = now.Add(refreshInterval)
		}
		if due.Before(earliest) {
			earliest = due
		}
	}
	return earliest
}

func (rt *RoutingTable) collectLeaves(n *treeNode, out *[]*Bucket) {
	if n.isLeaf() {
		*out = append(*out, n.bucket)
		return
	}
	rt.collectLeaves(n.left, out)
	rt.collectLeaves(n.right, out)
}

// MarkRefreshed updates the refreshed-at timestamp on the bucket that
// currently covers target.
func (rt *RoutingTable) MarkRefreshed(target id.Id, now time.Time) {
	rt.mu.RLock()
	leaf, _, _ := rt.findBucket(target)
	rt.mu.RUnlock()
	leaf.bucket.MarkRefreshed(now)
}

// CountClosestNodes counts locally known contacts closer to the local
// id than target is — used by the cache TTL scaling factor
// (spec.md §4.7).
func (rt *RoutingTable) CountClosestNodes(target id.Id) int {
	rt.mu.RLock()
	var leaves []*Bucket
	rt.collectLeaves(rt.root, &leaves)
	rt.mu.RUnlock()

	count := 0
	for _, b := range leaves {
		for _, c := range b.Obtain(-1) {
			if rt.localID.CompareDistance(target, c.ID) > 0 {
				count++
			}
		}
	}
	return count
}
