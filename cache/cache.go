// Package cache implements the local key/value store: a two-level
// (id → subkey → entry) map with per-entry TTL, and the scheduling
// helpers the replication/republication loop needs.
package cache

import (
	"math"
	"sync"
	"time"

	"github.com/opd-ai/kademlia-core/id"
	"github.com/sirupsen/logrus"
)

// Entry is one stored (key, subkey) value. Expire == nil marks a
// locally-seeded, authoritative entry with no TTL (spec.md §3).
type Entry struct {
	Value   []byte
	Expire  *time.Time
	Refresh time.Time
}

// Key addresses one cache entry.
type Key struct {
	IDHex  string
	Subkey string
}

// Cache is the node's local key/value store, keyed by the hex id of
// the main key and then by subkey.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]map[string]Entry
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[string]map[string]Entry)}
}

// Count returns the total number of (id, subkey) entries held, across
// every key, for introspection (Node.Stats).
func (c *Cache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := 0
	for _, bucket := range c.entries {
		total += len(bucket)
	}
	return total
}

// Store writes value under (idHex, subkey), recording now as the
// entry's refresh time.
func (c *Cache) Store(idHex, subkey string, value []byte, expire *time.Time, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket, ok := c.entries[idHex]
	if !ok {
		bucket = make(map[string]Entry)
		c.entries[idHex] = bucket
	}
	bucket[subkey] = Entry{Value: value, Expire: expire, Refresh: now}
}

// Get reads back one entry.
func (c *Cache) Get(idHex, subkey string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	bucket, ok := c.entries[idHex]
	if !ok {
		return Entry{}, false
	}
	e, ok := bucket[subkey]
	return e, ok
}

// GetAll returns every subkey entry stored under idHex.
func (c *Cache) GetAll(idHex string) map[string]Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	bucket, ok := c.entries[idHex]
	if !ok {
		return nil
	}
	out := make(map[string]Entry, len(bucket))
	for k, v := range bucket {
		out[k] = v
	}
	return out
}

// Delete removes one entry, if present.
func (c *Cache) Delete(idHex, subkey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bucket, ok := c.entries[idHex]
	if !ok {
		return
	}
	delete(bucket, subkey)
	if len(bucket) == 0 {
		delete(c.entries, idHex)
	}
}

// Expire removes every entry whose scaled effective expiration has
// passed. For an entry with a non-nil Expire, the TTL measured from
// the entry's last refresh (Expire - Refresh) is scaled by exp(bucketSize/n), where
// n = countClosest(entryID), whenever n > bucketSize, and the
// effective expiration becomes Refresh + scaledTTL (spec.md §4.7,
// resolved per spec.md §9/SPEC_FULL.md §13: new_remaining = remaining
// * exp(k/n), applied multiplicatively to the residual lifetime, never
// mixed additively). It returns the number of entries removed.
func (c *Cache) Expire(now time.Time, bucketSize int, countClosest func(id.Id) int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for idHex, bucket := range c.entries {
		for subkey, entry := range bucket {
			if entry.Expire == nil {
				continue
			}

			effectiveExpire := *entry.Expire
			baseTTL := entry.Expire.Sub(entry.Refresh)

			nodeID, err := id.FromHex(idHex)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Cache.Expire",
					"idHex":    idHex,
					"error":    err.Error(),
				}).Warn("cache key is not a valid id, skipping TTL scaling")
			} else if n := countClosest(nodeID); n > bucketSize {
				factor := math.Exp(float64(bucketSize) / float64(n))
				scaledTTL := time.Duration(float64(baseTTL) * factor)
				effectiveExpire = entry.Refresh.Add(scaledTTL)
			}

			if !effectiveExpire.After(now) {
				delete(bucket, subkey)
				removed++
			}
		}
		if len(bucket) == 0 {
			delete(c.entries, idHex)
		}
	}
	return removed
}

// DueForReplication returns every (idHex, subkey) whose scheduled
// redistribution has elapsed. An entry with Expire == nil is locally
// authoritative (this node is the original publisher) and is scheduled
// on republishInterval instead of replicateInterval, folding spec.md
// §4.7's republication loop into the same pass rather than running a
// second ticker.
func (c *Cache) DueForReplication(now time.Time, replicateInterval, republishInterval time.Duration) []Key {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var due []Key
	for idHex, bucket := range c.entries {
		for subkey, entry := range bucket {
			interval := replicateInterval
			if entry.Expire == nil {
				interval = republishInterval
			}
			if !entry.Refresh.Add(interval).After(now) {
				due = append(due, Key{IDHex: idHex, Subkey: subkey})
			}
		}
	}
	return due
}

// MarkReplicated records now as the entry's last-replicated time.
func (c *Cache) MarkReplicated(idHex, subkey string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bucket, ok := c.entries[idHex]
	if !ok {
		return
	}
	entry, ok := bucket[subkey]
	if !ok {
		return
	}
	entry.Refresh = now
	bucket[subkey] = entry
}

// NextWakeup returns the earliest upcoming redistribution deadline
// across every entry, capped at now+replicateInterval so the
// replication driver always rearms even on an empty cache (spec.md
// §4.7: "ceiling of now + replicate_interval").
func (c *Cache) NextWakeup(now time.Time, replicateInterval, republishInterval time.Duration) time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	earliest := now.Add(replicateInterval)
	for _, bucket := range c.entries {
		for _, entry := range bucket {
			interval := replicateInterval
			if entry.Expire == nil {
				interval = republishInterval
			}
			at := entry.Refresh.Add(interval)
			if at.Before(earliest) {
				earliest = at
			}
		}
	}
	return earliest
}
