package dht

import "github.com/opd-ai/kademlia-core/id"

// Key resolves spec.md §9's "key instanceof Id vs string" polymorphism
// into an explicit tagged value at the API boundary: raw is whatever
// the caller originally passed (used as the default subkey), and
// resolved is the Id it hashes or already is.
type Key struct {
	raw      string
	resolved id.Id
}

// KeyFromString derives a Key by hashing s (spec.md §4.1 from_key).
func KeyFromString(s string) Key {
	return Key{raw: s, resolved: id.FromKey(s)}
}

// KeyFromID wraps an already-known Id as a Key; its default subkey is
// the Id's hex rendering.
func KeyFromID(v id.Id) Key {
	return Key{raw: v.String(), resolved: v}
}

// ID returns the Id this key resolves to.
func (k Key) ID() id.Id { return k.resolved }

// DefaultSubkey returns the value set/get uses when the caller did
// not name one explicitly: the key itself, pre-hash.
func (k Key) DefaultSubkey() string { return k.raw }

// Subkey selects which subkeys a get/find-value operation targets:
// either exactly one (Single) or every subkey the key holds (All).
// This is spec.md §9's three-variant enum, minus the unused Many
// variant — no public operation in spec.md §4.6 threads a
// caller-supplied subkey list, only "one" or "all".
type Subkey struct {
	name *string
}

// SingleSubkey targets one named subkey.
func SingleSubkey(name string) Subkey {
	return Subkey{name: &name}
}

// AllSubkeys targets every subkey held under a key.
func AllSubkeys() Subkey {
	return Subkey{}
}

// IsAll reports whether this selector targets every subkey.
func (s Subkey) IsAll() bool { return s.name == nil }

// Name returns the targeted subkey name; only valid when !IsAll().
func (s Subkey) Name() string {
	if s.name == nil {
		return ""
	}
	return *s.name
}
