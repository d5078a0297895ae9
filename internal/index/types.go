package index

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/quarrylabs/quarry/pkg/errors"
)

// Record is an opaque structured value owned by the caller. The engine only
// reads named fields out of it by dotted path.
type Record = map[string]any

// MatchMode selects the posting family a query runs against.
type MatchMode string

const (
	MatchExact   MatchMode = "exact"
	MatchPrefix  MatchMode = "prefix"
	MatchPartial MatchMode = "partial"
	MatchFuzzy   MatchMode = "fuzzy"
)

// ParseMatchMode validates a match-mode string. The empty string defaults
// to exact matching.
func ParseMatchMode(s string) (MatchMode, error) {
	switch MatchMode(strings.ToLower(s)) {
	case "", MatchExact:
		return MatchExact, nil
	case MatchPrefix:
		return MatchPrefix, nil
	case MatchPartial:
		return MatchPartial, nil
	case MatchFuzzy:
		return MatchFuzzy, nil
	default:
		return "", apperrors.Newf(apperrors.ErrUnknownMode, 400, "match mode %q", s)
	}
}

// SearchOptions controls a single query execution.
type SearchOptions struct {
	Mode          MatchMode `json:"mode"`
	CaseSensitive bool      `json:"case_sensitive"`
	Fields        []string  `json:"fields,omitempty"`
	MaxResults    int       `json:"max_results,omitempty"`
	MinScore      float64   `json:"min_score,omitempty"`
}

// SearchMeta annotates every result with how it was produced.
type SearchMeta struct {
	UsedIndex  bool          `json:"used_index"`
	SearchTime time.Duration `json:"search_time"`
	CacheHit   bool          `json:"cache_hit"`
}

// ScoredResult is one ranked hit. Position refers to the record's current
// slot in the engine's record array and is only stable until the next
// mutating call.
type ScoredResult struct {
	Position      int        `json:"position"`
	Record        Record     `json:"record"`
	Score         float64    `json:"score"`
	MatchedFields []string   `json:"matched_fields"`
	Meta          SearchMeta `json:"meta"`
}

// Op names an incremental change operation.
type Op string

const (
	OpAdd    Op = "add"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Change is one incremental mutation against a built index.
type Change struct {
	Op       Op     `json:"op"`
	Position int    `json:"position,omitempty"`
	Record   Record `json:"record,omitempty"`
}

func (c Change) String() string {
	switch c.Op {
	case OpAdd:
		return "add"
	default:
		return fmt.Sprintf("%s@%d", c.Op, c.Position)
	}
}

// IndexStats describes the current shape and cost of the index.
type IndexStats struct {
	TotalEntries   int           `json:"total_entries"`
	UniqueKeys     int           `json:"unique_keys"`
	AvgKeyLength   float64       `json:"avg_key_length"`
	MemoryBytes    int64         `json:"memory_bytes"`
	RecordCount    int           `json:"record_count"`
	PendingChanges int           `json:"pending_changes"`
	LastRebuild    time.Time     `json:"last_rebuild"`
	BuildDuration  time.Duration `json:"build_duration"`
}
