package routing

import (
	"errors"
	"sync"
	"time"

	"github.com/opd-ai/kademlia-core/id"
)

// ErrBucketFull is returned by Bucket.Store when the bucket has no
// room for a new, not-already-present contact.
var ErrBucketFull = errors.New("routing: bucket is full")

// ErrContactNotFound is returned by Bucket.Remove when no contact with
// the given id is stored.
var ErrContactNotFound = errors.New("routing: contact not found")

// ErrInvalidCapacity is returned by NewBucket for a non-positive
// capacity.
var ErrInvalidCapacity = errors.New("routing: bucket capacity must be positive")

// Bucket is an ordered, capacity-bounded sequence of contacts covering
// one binary-prefix region of the id space. Contacts are stored
// oldest-first; Store moves an already-present contact to the tail.
type Bucket struct {
	mu          sync.RWMutex
	capacity    int
	prefix      []byte // 0/1 per bit, MSB first
	contacts    []Contact
	refreshedAt *time.Time
}

// NewBucket creates an empty bucket for the given prefix with the
// given capacity (k).
func NewBucket(capacity int, prefix []byte) (*Bucket, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	p := make([]byte, len(prefix))
	copy(p, prefix)
	return &Bucket{
		capacity: capacity,
		prefix:   p,
		contacts: make([]Contact, 0, capacity),
	}, nil
}

// Prefix returns a copy of the bucket's covering prefix.
func (b *Bucket) Prefix() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]byte, len(b.prefix))
	copy(out, b.prefix)
	return out
}

// Len returns the number of contacts currently stored.
func (b *Bucket) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.contacts)
}

// Store inserts contact, moving it to the tail if already present.
// Returns ErrBucketFull if the bucket has no room for a new entry.
func (b *Bucket) Store(c Contact) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, existing := range b.contacts {
		if existing.ID == c.ID {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			b.contacts = append(b.contacts, c)
			return nil
		}
	}

	if len(b.contacts) >= b.capacity {
		return ErrBucketFull
	}

	b.contacts = append(b.contacts, c)
	return nil
}

// Remove deletes the contact with the given id, if present.
func (b *Bucket) Remove(target id.Id) (Contact, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, existing := range b.contacts {
		if existing.ID == target {
			removed := existing
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			return removed, nil
		}
	}
	return Contact{}, ErrContactNotFound
}

// Obtain returns up to the first n contacts in oldest-first order. A
// negative n (or one exceeding the stored count) returns the complete
// list.
func (b *Bucket) Obtain(n int) []Contact {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n < 0 || n > len(b.contacts) {
		n = len(b.contacts)
	}
	out := make([]Contact, n)
	copy(out, b.contacts[:n])
	return out
}

// UpdateLiveness mutates the dead-counter of the contact with the
// given id via Contact.SetAlive, if present. Reports whether the
// contact was found.
func (b *Bucket) UpdateLiveness(target id.Id, alive bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.contacts {
		if existing.ID == target {
			b.contacts[i].SetAlive(alive)
			return true
		}
	}
	return false
}

// PruneDead removes and returns every contact whose DeadCount has
// reached threshold, in oldest-first order.
func (b *Bucket) PruneDead(threshold uint32) []Contact {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.contacts[:0:0]
	var removed []Contact
	for _, c := range b.contacts {
		if c.DeadCount >= threshold {
			removed = append(removed, c)
			continue
		}
		kept = append(kept, c)
	}
	b.contacts = kept
	return removed
}

// CountByLiveness returns the number of alive and dead contacts
// currently stored.
func (b *Bucket) CountByLiveness() (alive, dead int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, c := range b.contacts {
		if c.IsAlive() {
			alive++
		} else {
			dead++
		}
	}
	return alive, dead
}

// Oldest returns the longest-resident contact, if any.
func (b *Bucket) Oldest() (Contact, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.contacts) == 0 {
		return Contact{}, false
	}
	return b.contacts[0], true
}

// Split partitions this bucket's contacts into left/right children by
// the value of their nth bit, preserving relative order within each
// side. left receives contacts with bit 0, right receives bit 1.
func (b *Bucket) Split(nth int, left, right *Bucket) error {
	b.mu.RLock()
	contacts := make([]Contact, len(b.contacts))
	copy(contacts, b.contacts)
	b.mu.RUnlock()

	for _, c := range contacts {
		if c.ID.At(nth) {
			if err := right.Store(c); err != nil {
				return err
			}
		} else {
			if err := left.Store(c); err != nil {
				return err
			}
		}
	}
	return nil
}

// RandomID produces a weakly random Id whose first len(prefix) bits
// equal this bucket's prefix, suitable as a refresh probe target.
func (b *Bucket) RandomID() id.Id {
	b.mu.RLock()
	prefix := make([]byte, len(b.prefix))
	copy(prefix, b.prefix)
	b.mu.RUnlock()

	random := id.GenerateWeak()
	for i := range prefix {
		byteIdx := i / 8
		bitIdx := 7 - uint(i%8)
		if prefix[i] == 1 {
			random[byteIdx] |= 1 << bitIdx
		} else {
			random[byteIdx] &^= 1 << bitIdx
		}
	}
	return random
}

// NextRefreshTime reports whether this bucket's refresh is still
// pending a future wake-up. It returns (zero, false) if the bucket has
// never been refreshed or its scheduled refresh has already elapsed;
// otherwise it returns the scheduled refresh time and true.
func (b *Bucket) NextRefreshTime(refreshInterval time.Duration, now time.Time) (time.Time, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.refreshedAt == nil {
		return time.Time{}, false
	}
	due := b.refreshedAt.Add(refreshInterval)
	if !due.After(now) {
		return time.Time{}, false
	}
	return due, true
}

// MarkRefreshed records now as this bucket's last refresh time.
func (b *Bucket) MarkRefreshed(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := now
	b.refreshedAt = &t
}
