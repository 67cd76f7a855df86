// Package lookup implements the bounded distance-sorted shortlist and
// the iterative parallel FIND_NODE/FIND_VALUE lookup engine built on
// top of it.
package lookup

import (
	"sync"

	"github.com/opd-ai/kademlia-core/id"
	"github.com/opd-ai/kademlia-core/routing"
)

// entry is one shortlist slot: a candidate contact plus whether it has
// already been queried during this lookup.
type entry struct {
	contact routing.Contact
	queried bool
}

// List is a bounded, distance-sorted shortlist of candidate contacts
// for a fixed target id. At most k entries are kept; insertion
// maintains ascending order by XOR distance to the target and drops
// the farthest entry when a closer one would overflow capacity.
type List struct {
	mu       sync.Mutex
	target   id.Id
	capacity int
	entries  []entry
}

// NewList creates an empty shortlist bounded to capacity entries,
// ordered by distance to target.
func NewList(target id.Id, capacity int) *List {
	return &List{
		target:   target,
		capacity: capacity,
		entries:  make([]entry, 0, capacity),
	}
}

// Insert adds contact at the position preserving ascending distance
// order. Re-inserting an already-present id is a no-op. If the list
// would exceed capacity, the farthest entry is dropped.
func (l *List) Insert(c routing.Contact) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.insertLocked(c)
}

func (l *List) insertLocked(c routing.Contact) {
	for _, e := range l.entries {
		if e.contact.ID == c.ID {
			return
		}
	}

	pos := len(l.entries)
	for i, e := range l.entries {
		if l.target.Less(c.ID, e.contact.ID) {
			pos = i
			break
		}
	}

	l.entries = append(l.entries, entry{})
	copy(l.entries[pos+1:], l.entries[pos:])
	l.entries[pos] = entry{contact: c}

	if len(l.entries) > l.capacity {
		l.entries = l.entries[:l.capacity]
	}
}

// InsertMany applies Insert to every contact in contacts.
func (l *List) InsertMany(contacts []routing.Contact) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range contacts {
		l.insertLocked(c)
	}
}

// Next returns the closest not-yet-queried contact, marking it
// queried, or false if every entry has already been queried.
func (l *List) Next() (routing.Contact, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		if !l.entries[i].queried {
			l.entries[i].queried = true
			return l.entries[i].contact, true
		}
	}
	return routing.Contact{}, false
}

// Remove deletes the entry for the given contact's id, if present.
func (l *List) Remove(c routing.Contact) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.contact.ID == c.ID {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return
		}
	}
}

// GetContacts returns all entries in ascending distance order.
func (l *List) GetContacts() []routing.Contact {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]routing.Contact, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.contact
	}
	return out
}

// Len returns the number of entries currently held.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// HasPending reports whether any entry has not yet been queried.
func (l *List) HasPending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if !e.queried {
			return true
		}
	}
	return false
}
