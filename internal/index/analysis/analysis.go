// Package analysis provides the value normalisation and key-generation
// primitives behind the search index: dotted-path field extraction over
// nested records, lowercased stringification, prefix and trigram expansion,
// and Soundex phonetic coding.
package analysis

import (
	"fmt"
	"strconv"
	"strings"
)

// maxPrefixLength caps how many leading characters of a value are indexed
// for prefix matching.
const maxPrefixLength = 10

// trigramSize is the n-gram window used for partial matching.
const trigramSize = 3

// FieldValue resolves a dotted path (e.g. "user.profile.bio") against a
// nested record. Numeric path segments index into slices. It returns false
// when any segment is missing, a slice index is out of range, or the
// resolved value is nil.
func FieldValue(record map[string]any, path string) (any, bool) {
	var current any = record
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			value, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = value
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	if current == nil {
		return nil, false
	}
	return current, true
}

// Normalize stringifies a field value and lowercases it. Index keys are
// always built from normalised values; case-sensitive queries simply skip
// the query-side lowercasing.
func Normalize(value any) string {
	return strings.ToLower(Stringify(value))
}

// Stringify renders a field value the way it is indexed. Strings pass
// through unchanged; everything else uses the default Go formatting.
func Stringify(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", value)
}

// Prefixes returns the leading substrings of value with lengths 1 through
// maxPrefixLength, in rune units.
func Prefixes(value string) []string {
	runes := []rune(value)
	n := len(runes)
	if n > maxPrefixLength {
		n = maxPrefixLength
	}
	prefixes := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		prefixes = append(prefixes, string(runes[:i]))
	}
	return prefixes
}

// Trigrams returns every overlapping 3-rune substring of value. Values
// shorter than the window produce a single gram holding the whole value.
func Trigrams(value string) []string {
	runes := []rune(value)
	if len(runes) == 0 {
		return nil
	}
	if len(runes) < trigramSize {
		return []string{string(runes)}
	}
	grams := make([]string, 0, len(runes)-trigramSize+1)
	for i := 0; i+trigramSize <= len(runes); i++ {
		grams = append(grams, string(runes[i:i+trigramSize]))
	}
	return grams
}
