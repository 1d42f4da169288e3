// Package continuum implements the ketama consistent-hashing ring described
// in spec.md §3–§4.3: a sorted list of (hash, group) entries, 160 points per
// group weighted by group weight, binary search with wraparound for key
// lookup. Adapted from the teacher's pkg/hash/consistent.go, generalized
// from hashing server addresses to hashing group names (the spec's
// keyspace is over groups, not servers) and from a single SHA-256-based
// hash to ketama's two-hash-function design: SHA-1 for ring points, CRC-32
// for key lookups.
package continuum

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"sort"
)

// PointsPerGroupBase is "160" in spec.md §3 — the libmemcached-compatible
// points-per-weight constant. Preserved verbatim for interoperability with
// other ketama clients addressing the same logical set of groups.
const PointsPerGroupBase = 160

// Entry is a single point on the ring.
type Entry struct {
	Group     string
	HashValue uint32
}

// Continuum is the sorted ring of entries. It is immutable after Build, so
// concurrent reads need no synchronization (spec.md §5).
type Continuum struct {
	entries []Entry
}

// GroupWeight names a group and its replication weight, the input to Build.
type GroupWeight struct {
	Name   string
	Weight int
}

// Build constructs the ring for the given groups. Per spec.md §3 invariant
// (a), the continuum is only meaningful with >= 2 groups; Build still
// constructs a (degenerate) ring for fewer, but callers with exactly one
// group should bypass it per spec.md §4.6.
func Build(groups []GroupWeight) *Continuum {
	totalGroups := len(groups)
	totalWeight := 0
	for _, g := range groups {
		totalWeight += g.Weight
	}
	if totalWeight == 0 {
		return &Continuum{}
	}

	var entries []Entry
	for _, g := range groups {
		points := (totalGroups * PointsPerGroupBase * g.Weight) / totalWeight
		for i := 0; i < points; i++ {
			entries = append(entries, Entry{
				Group:     g.Name,
				HashValue: ketamaPoint(g.Name, i),
			})
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].HashValue < entries[j].HashValue
	})

	return &Continuum{entries: entries}
}

// ketamaPoint hashes "<group_name>:<index>" with SHA-1 and takes the first
// 4 bytes of the hex digest as a big-endian uint32, per spec.md §3.
func ketamaPoint(groupName string, index int) uint32 {
	sum := sha1.Sum([]byte(fmt.Sprintf("%s:%d", groupName, index)))
	hexDigest := hex.EncodeToString(sum[:])
	var v uint32
	for i := 0; i < 8; i++ {
		v <<= 4
		v |= uint32(hexDigitValue(hexDigest[i]))
	}
	return v
}

func hexDigitValue(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

// KeyHash is the CRC-32 (zlib/IEEE polynomial) of an already-namespaced
// key, used for ring lookups per spec.md §4.3.
func KeyHash(key string) uint32 {
	return crc32.ChecksumIEEE([]byte(key))
}

// Len reports the number of entries on the ring.
func (c *Continuum) Len() int { return len(c.entries) }

// search performs the binary search described in spec.md §4.3: it returns
// the index of the largest entry with value <= keyHash, wrapping to the
// last index when keyHash is smaller than every entry's value. This is the
// "upper after a failed binary search, with upper underflowed below lower"
// behavior — essential for the ring's circular semantics.
func (c *Continuum) search(keyHash uint32) int {
	lower, upper := 0, len(c.entries)-1
	for lower <= upper {
		mid := lower + (upper-lower)/2
		if c.entries[mid].HashValue <= keyHash {
			lower = mid + 1
		} else {
			upper = mid - 1
		}
	}
	if upper < 0 {
		return len(c.entries) - 1
	}
	return upper
}

// GroupFor returns the group name owning keyHash, or "" if the ring is
// empty.
func (c *Continuum) GroupFor(keyHash uint32) string {
	if len(c.entries) == 0 {
		return ""
	}
	return c.entries[c.search(keyHash)].Group
}
