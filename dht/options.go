package dht

import "time"

// Options configures a Node's bucket sizing, lookup concurrency, and
// the four background-loop cadences, matching the defaults table in
// spec.md §6.
type Options struct {
	// BucketSize (k) bounds contacts per bucket and the shortlist size
	// for lookups.
	BucketSize int
	// Concurrency (alpha) bounds parallel in-flight RPCs per lookup.
	Concurrency int
	// ExpireTime is the default TTL applied when a store payload omits
	// an explicit expiration.
	ExpireTime time.Duration
	// RefreshTime is the bucket refresh cadence.
	RefreshTime time.Duration
	// ReplicateTime is the cache replication cadence.
	ReplicateTime time.Duration
	// RepublishTime is the publisher's own republish cadence for
	// entries it authored (Expire == nil in the cache).
	RepublishTime time.Duration
	// DeadThreshold is the number of consecutive RPC failures a
	// contact accumulates (via set_alive(false)) before the prune pass
	// removes it from the routing table.
	DeadThreshold uint32
}

// DefaultOptions returns spec.md §6's default configuration.
func DefaultOptions() Options {
	return Options{
		BucketSize:    20,
		Concurrency:   3,
		ExpireTime:    24*time.Hour + 10*time.Second,
		RefreshTime:   time.Hour,
		ReplicateTime: time.Hour,
		RepublishTime: 24 * time.Hour,
		DeadThreshold: 3,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BucketSize <= 0 {
		o.BucketSize = d.BucketSize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = d.Concurrency
	}
	if o.ExpireTime <= 0 {
		o.ExpireTime = d.ExpireTime
	}
	if o.RefreshTime <= 0 {
		o.RefreshTime = d.RefreshTime
	}
	if o.ReplicateTime <= 0 {
		o.ReplicateTime = d.ReplicateTime
	}
	if o.RepublishTime <= 0 {
		o.RepublishTime = d.RepublishTime
	}
	if o.DeadThreshold == 0 {
		o.DeadThreshold = d.DeadThreshold
	}
	return o
}
