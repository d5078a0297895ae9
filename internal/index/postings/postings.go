// Package postings stores the four posting families behind the search
// engine: exact, prefix, trigram, and phonetic. Every key is scoped to a
// single field ("field:value"), and every posting maps a key to the set of
// document ids whose field produced it.
package postings

import (
	"strings"

	"github.com/quarrylabs/quarry/internal/index/analysis"
)

// DocID is the stable identifier assigned to a record when it is indexed.
// Postings reference documents by id, never by array position, so deleting
// a record does not invalidate the postings of its successors.
type DocID uint64

// Family identifies one of the four posting maps.
type Family uint8

const (
	FamilyExact Family = iota
	FamilyPrefix
	FamilyTrigram
	FamilyPhonetic
	familyCount
)

func (f Family) String() string {
	switch f {
	case FamilyExact:
		return "exact"
	case FamilyPrefix:
		return "prefix"
	case FamilyTrigram:
		return "trigram"
	case FamilyPhonetic:
		return "phonetic"
	default:
		return "unknown"
	}
}

// keyRef records one key a document contributed to, so removal never has to
// sweep whole posting maps.
type keyRef struct {
	family Family
	key    string
}

// perEntryOverhead approximates the bookkeeping cost of one posting entry
// (map cell, set cell, hash buckets) for the memory estimate.
const perEntryOverhead = 64

// Store holds the four posting maps plus the per-document key registry and
// running size counters.
type Store struct {
	families [familyCount]map[string]map[DocID]struct{}
	docKeys  map[DocID][]keyRef

	entries  int
	keyBytes int64
}

// NewStore creates an empty Store.
func NewStore() *Store {
	s := &Store{}
	s.Clear()
	return s
}

// Clear discards all postings and counters.
func (s *Store) Clear() {
	for f := range s.families {
		s.families[f] = make(map[string]map[DocID]struct{})
	}
	s.docKeys = make(map[DocID][]keyRef)
	s.entries = 0
	s.keyBytes = 0
}

// Index inserts the document into all four families for one normalised
// (field, value) pair.
func (s *Store) Index(field, value string, id DocID) {
	s.add(FamilyExact, Key(field, value), id)
	for _, prefix := range analysis.Prefixes(value) {
		s.add(FamilyPrefix, Key(field, prefix), id)
	}
	for _, gram := range analysis.Trigrams(value) {
		s.add(FamilyTrigram, Key(field, gram), id)
	}
	if code := analysis.Soundex(value); code != "" {
		s.add(FamilyPhonetic, Key(field, code), id)
	}
}

// Remove deletes every posting the document contributed, across all
// families, and forgets its key registry entry.
func (s *Store) Remove(id DocID) {
	for _, ref := range s.docKeys[id] {
		family := s.families[ref.family]
		set, ok := family[ref.key]
		if !ok {
			continue
		}
		if _, ok := set[id]; !ok {
			continue
		}
		delete(set, id)
		s.entries--
		if len(set) == 0 {
			delete(family, ref.key)
			s.keyBytes -= int64(len(ref.key))
		}
	}
	delete(s.docKeys, id)
}

// Exact returns the document set for an exact-match key.
func (s *Store) Exact(field, value string) map[DocID]struct{} {
	return s.families[FamilyExact][Key(field, value)]
}

// ScanPrefixes walks every prefix key belonging to field whose indexed
// prefix starts with query and collects the union of their document sets.
// The scan is linear in the field's prefix-key count.
func (s *Store) ScanPrefixes(field, query string) map[DocID]struct{} {
	scope := field + ":"
	matched := make(map[DocID]struct{})
	for key, set := range s.families[FamilyPrefix] {
		if !strings.HasPrefix(key, scope) {
			continue
		}
		if !strings.HasPrefix(key[len(scope):], query) {
			continue
		}
		for id := range set {
			matched[id] = struct{}{}
		}
	}
	return matched
}

// TrigramCounts returns, per document, how many of the given grams are
// present in the field's trigram postings.
func (s *Store) TrigramCounts(field string, grams []string) map[DocID]int {
	counts := make(map[DocID]int)
	for _, gram := range grams {
		set, ok := s.families[FamilyTrigram][Key(field, gram)]
		if !ok {
			continue
		}
		for id := range set {
			counts[id]++
		}
	}
	return counts
}

// Phonetic returns the document set for a Soundex code key.
func (s *Store) Phonetic(field, code string) map[DocID]struct{} {
	return s.families[FamilyPhonetic][Key(field, code)]
}

// Entries returns the total posting entries across all families.
func (s *Store) Entries() int {
	return s.entries
}

// UniqueKeys returns the number of distinct keys across all families.
func (s *Store) UniqueKeys() int {
	total := 0
	for f := range s.families {
		total += len(s.families[f])
	}
	return total
}

// AvgKeyLength returns the mean key length across all families, in bytes.
func (s *Store) AvgKeyLength() float64 {
	keys := s.UniqueKeys()
	if keys == 0 {
		return 0
	}
	return float64(s.keyBytes) / float64(keys)
}

// EstimateMemory returns a rough byte estimate of the postings: key bytes
// plus a fixed overhead per entry and per key. It exists for capacity
// planning, not accounting.
func (s *Store) EstimateMemory() int64 {
	return s.keyBytes + int64(s.entries+s.UniqueKeys())*perEntryOverhead
}

// Key builds a field-scoped posting key. Scoping every key to one field
// means values from different fields can never collide.
func Key(field, value string) string {
	return field + ":" + value
}

func (s *Store) add(family Family, key string, id DocID) {
	set, ok := s.families[family][key]
	if !ok {
		set = make(map[DocID]struct{})
		s.families[family][key] = set
		s.keyBytes += int64(len(key))
	}
	if _, dup := set[id]; dup {
		return
	}
	set[id] = struct{}{}
	s.entries++
	s.docKeys[id] = append(s.docKeys[id], keyRef{family: family, key: key})
}
