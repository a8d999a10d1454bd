// Package resourceid maps a (dataset path, function constraint) pair
// to a resource identifier, a base cache filename, and the collision
// probing sequence spec.md §4.3 requires.
package resourceid

import (
	"strconv"

	"github.com/spaolacci/murmur3"
)

// MaxCacheableLength is the longest resource identifier, in bytes, that
// may be cached. Longer identifiers bypass the cache entirely.
const MaxCacheableLength = 4096

// MaxCollisions is the largest suffix the collision-probing loop will
// try before giving up and reporting a catastrophic hash failure.
const MaxCollisions = 50

// ID is a resource identifier: the exact string
// "<dataset-path>#<constraint>" that keys the cache. Equality is exact;
// whitespace and quoting in the constraint are preserved verbatim.
type ID string

// New builds the resource identifier for a dataset path and constraint.
func New(datasetPath, constraint string) ID {
	return ID(datasetPath + "#" + constraint)
}

// Cacheable reports whether id is short enough to be cached.
func (id ID) Cacheable() bool {
	return len(id) <= MaxCacheableLength
}

// String returns the identifier as a string.
func (id ID) String() string { return string(id) }

// hash is murmur3's 64-bit hash, chosen for being fixed, non-cryptographic,
// and independent of host endianness or compiler ABI — the property
// spec.md §9's open question about hash stability asks for.
func hash(id ID) uint64 {
	return murmur3.Sum64([]byte(string(id)))
}

// BaseName returns the prefix-qualified base filename for id, before
// the "_<suffix>" collision-resolution component is appended.
func BaseName(prefix string, id ID) string {
	return prefix + strconv.FormatUint(hash(id), 10)
}

// CandidateName returns the full candidate filename for the given
// collision-resolution suffix, starting at 0.
func CandidateName(baseName string, suffix int) string {
	return baseName + "_" + strconv.Itoa(suffix)
}
