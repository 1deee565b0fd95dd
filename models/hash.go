package models

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"time"
)

// ============================================================================
// Hash Engine
//
// Computes a deterministic content digest per entity version, used for cheap
// equality checks between client and server without transferring payloads.
// Both sides must produce byte-identical digests from the same entity state,
// so everything is canonicalized before hashing: keys sorted, timestamps
// rendered in a fixed UTC millisecond format, booleans as true/false,
// integers in plain decimal.
//
// Server-only bookkeeping (arrival time, history rows, sync markers) is
// excluded so that semantically identical entities always hash equal.
// ============================================================================

// canonicalTimeFormat renders timestamps at millisecond precision in UTC.
// Millisecond precision matches what the store round-trips; finer precision
// would make hashes diverge between a client's in-memory time and the
// server's persisted copy.
const canonicalTimeFormat = "2006-01-02T15:04:05.000Z"

// canonicalTime formats a timestamp for hashing and wire transport.
func canonicalTime(t time.Time) string {
	return t.UTC().Truncate(time.Millisecond).Format(canonicalTimeFormat)
}

// normalizeTimestamp clamps a timestamp to the precision the hash engine
// uses. All updated_at values are normalized before persisting so the
// stored value and the hashed value never disagree.
func normalizeTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// canonicalBool renders a boolean for hashing.
func canonicalBool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// canonicalInt renders an integer for hashing.
func canonicalInt(n int64) string {
	return strconv.FormatInt(n, 10)
}

// canonicalIDList renders a set of ids as a sorted comma-joined list, so
// assignment ordering differences never change the hash.
func canonicalIDList(ids []int64) string {
	sorted := make([]int64, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	out := ""
	for i, id := range sorted {
		if i > 0 {
			out += ","
		}
		out += strconv.FormatInt(id, 10)
	}
	return out
}

// HashFields produces the canonical digest for a set of semantic fields.
// Field values must already be in canonical form (see helpers above).
func HashFields(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(fields[k]))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
