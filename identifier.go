package vtil

import "fmt"

// UniqueIdentifier is an opaque handle for a symbolic variable leaf,
// grounded on spec.md §3's "Unique identifier": it carries a stable hash
// and a printable name, and equality is identifier equality.
type UniqueIdentifier struct {
	name string
	key  uint64
}

// NewUniqueIdentifier returns an identifier with the given display name,
// hashed from name and an arbitrary disambiguator (e.g. a register's
// normalized descriptor bits, or a monotonic counter for synthesized
// variables).
func NewUniqueIdentifier(name string, disambiguator uint64) UniqueIdentifier {
	return UniqueIdentifier{name: name, key: fnv64(name) ^ disambiguator*0x9e3779b97f4a7c15}
}

// Name returns the identifier's printable name.
func (u UniqueIdentifier) Name() string { return u.name }

// Hash returns the identifier's stable hash.
func (u UniqueIdentifier) Hash() uint64 { return u.key }

// Equal reports identifier equality: same hash and same name.
func (u UniqueIdentifier) Equal(o UniqueIdentifier) bool {
	return u.key == o.key && u.name == o.name
}

func (u UniqueIdentifier) String() string { return fmt.Sprintf("%s", u.name) }

func fnv64(s string) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}
