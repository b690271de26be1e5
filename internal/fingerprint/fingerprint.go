// Package fingerprint derives a stable identity for a query and its
// attached bill references. Two submissions that differ only in
// whitespace, letter case, or attachment order produce the same
// fingerprint and therefore share cache entries and in-flight calls.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
)

// ErrEmptyText is returned when the query text is empty after normalization.
var ErrEmptyText = errors.New("query text is empty after normalization")

// Fingerprint is the derived identity of a query.
type Fingerprint struct {
	Digest         string   // hex SHA-256
	NormalizedText string   // lower-cased, whitespace-collapsed
	ContextRefs    []string // sorted, deduplicated copy of the input refs
}

// Normalize lower-cases text and collapses all whitespace runs
// (including leading and trailing) to single spaces.
func Normalize(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// Build computes the fingerprint for a raw query text and its context refs.
// Pure: no I/O, deterministic for equal (normalized text, ref set).
func Build(rawText string, contextRefs []string) (Fingerprint, error) {
	normalized := Normalize(rawText)
	if normalized == "" {
		return Fingerprint{}, ErrEmptyText
	}

	refs := make([]string, len(contextRefs))
	copy(refs, contextRefs)
	sort.Strings(refs)
	refs = dedupe(refs)

	h := sha256.New()
	h.Write([]byte(normalized))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(refs, "\x00")))

	return Fingerprint{
		Digest:         hex.EncodeToString(h.Sum(nil)),
		NormalizedText: normalized,
		ContextRefs:    refs,
	}, nil
}

// dedupe removes adjacent duplicates from a sorted slice in place.
func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}
