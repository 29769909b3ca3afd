// Package integrity implements the Integrity Synchronizer: a periodic
// anti-entropy round that compares a bounded key range's digest against a
// peer and recurses into narrower ranges wherever the digests disagree,
// converging without transferring the whole table every round.
package integrity

import (
	"crypto/sha1"
	"sort"

	"github.com/cuemby/enrolld/pkg/types"
)

// Digest combines a set of entity records into a single fingerprint. The
// records need not be sorted on input; Digest sorts by key so the result
// is independent of storage iteration order.
func Digest(records []*types.EntityRecord) [20]byte {
	sorted := make([]*types.EntityRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	h := sha1.New()
	for _, r := range sorted {
		h.Write([]byte(r.Key))
		h.Write(r.Value)
	}
	var out [20]byte
	copy(out[:], h.Sum(nil))
	return out
}

// entityDigest fingerprints a single record's value, stored alongside it
// in EntityRecord.Digest. Digest does not use it: a range digest always
// rehashes every key and value.
func entityDigest(value []byte) [20]byte {
	return sha1.Sum(value)
}

// WithDigest stamps r.Digest from r.Value. Callers that build an
// EntityRecord directly (rather than loading one back from storage)
// should call this before handing it to the store.
func WithDigest(r *types.EntityRecord) *types.EntityRecord {
	r.Digest = entityDigest(r.Value)
	return r
}
