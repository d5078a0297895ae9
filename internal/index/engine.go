// Package index implements the in-memory multi-strategy search engine: four
// parallel posting families (exact, prefix, trigram, phonetic) built over a
// mutable record collection, with scored queries and incremental updates.
//
// The engine is single-owner and fully synchronous. It performs no locking
// of its own; a caller that mixes readers and writers must serialise access
// externally (the Registry hands out a per-dataset RWMutex for exactly
// that).
package index

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/quarrylabs/quarry/internal/index/analysis"
	"github.com/quarrylabs/quarry/internal/index/postings"
	"github.com/quarrylabs/quarry/pkg/config"
	apperrors "github.com/quarrylabs/quarry/pkg/errors"
	"github.com/quarrylabs/quarry/pkg/logger"
)

// Match-mode base scores. Partial matches score their trigram overlap ratio
// (0..1) instead of a constant.
const (
	scoreExact  = 10.0
	scorePrefix = 5.0
	scoreFuzzy  = 2.0
)

// deleteChangeWeight makes deletions advance the rebuild counter faster
// than adds and updates, so delete-heavy workloads rebuild sooner.
const deleteChangeWeight = 3

// Engine indexes one dataset. All operations run to completion on the
// caller's goroutine.
type Engine struct {
	cfg    config.IndexConfig
	logger *slog.Logger

	records []Record
	fields  []string
	ids     []postings.DocID
	posByID map[postings.DocID]int
	nextID  postings.DocID
	store   *postings.Store

	ready       bool
	changeCount int

	lastRebuild   time.Time
	buildDuration time.Duration
}

// NewEngine creates an engine in the "not built" state.
func NewEngine(cfg config.IndexConfig) *Engine {
	return &Engine{
		cfg:     cfg,
		logger:  logger.WithComponent("index-engine"),
		posByID: make(map[postings.DocID]int),
		store:   postings.NewStore(),
	}
}

// Build snapshots the record collection and constructs all four posting
// families from scratch. Empty input is legal and yields an empty, ready
// index. When indexing is disabled by configuration, Build is a no-op.
func (e *Engine) Build(records []Record, fields []string) {
	if !e.cfg.EnableIndexing {
		return
	}
	start := time.Now()

	e.records = append(make([]Record, 0, len(records)), records...)
	e.fields = append(make([]string, 0, len(fields)), fields...)
	e.rebuildPostings()

	e.ready = true
	e.changeCount = 0
	e.lastRebuild = time.Now()
	e.buildDuration = time.Since(start)

	e.logger.Info("index built",
		"records", len(e.records),
		"fields", len(e.fields),
		"entries", e.store.Entries(),
		"unique_keys", e.store.UniqueKeys(),
		"duration", e.buildDuration,
	)
}

// Update applies incremental changes in order. It fails fast on the first
// invalid position, leaving earlier changes applied. Once the accumulated
// change weight reaches the configured rebuild threshold, all postings are
// reconstructed from the current record array and the counter resets.
func (e *Engine) Update(changes []Change) error {
	if !e.cfg.EnableIndexing {
		return nil
	}
	if !e.ready {
		return fmt.Errorf("updating index: %w", apperrors.ErrIndexNotReady)
	}

	for _, change := range changes {
		switch change.Op {
		case OpAdd:
			e.appendRecord(change.Record)
			e.changeCount++
		case OpUpdate:
			if err := e.checkPosition(change.Position); err != nil {
				return err
			}
			e.replaceRecord(change.Position, change.Record)
			e.changeCount++
		case OpDelete:
			if err := e.checkPosition(change.Position); err != nil {
				return err
			}
			e.deleteRecord(change.Position)
			e.changeCount += deleteChangeWeight
		default:
			return apperrors.Newf(apperrors.ErrInvalidInput, 400, "unknown change op %q", change.Op)
		}
	}

	if e.cfg.RebuildThreshold > 0 && e.changeCount >= e.cfg.RebuildThreshold {
		e.logger.Info("rebuild threshold reached",
			"change_count", e.changeCount,
			"threshold", e.cfg.RebuildThreshold,
		)
		e.Build(e.records, e.fields)
	}
	return nil
}

// Search executes a query with the selected match mode over the requested
// fields (all indexed fields by default), merging per-field hits into
// per-record scores. Queries that match nothing return an empty slice, not
// an error.
func (e *Engine) Search(query string, opts SearchOptions) ([]ScoredResult, error) {
	start := time.Now()
	if !e.cfg.EnableIndexing || !e.ready {
		return nil, fmt.Errorf("searching: %w", apperrors.ErrIndexNotReady)
	}
	mode, err := ParseMatchMode(string(opts.Mode))
	if err != nil {
		return nil, err
	}

	q := query
	if !opts.CaseSensitive {
		q = strings.ToLower(q)
	}
	fields := opts.Fields
	if len(fields) == 0 {
		fields = e.fields
	}

	merged := make(map[postings.DocID]*ScoredResult)
	for _, field := range fields {
		for id, score := range e.fieldHits(field, q, mode) {
			hit, ok := merged[id]
			if !ok {
				pos, live := e.posByID[id]
				if !live {
					continue
				}
				hit = &ScoredResult{
					Position: pos,
					Record:   e.records[pos],
				}
				merged[id] = hit
			}
			hit.Score += score
			hit.MatchedFields = appendField(hit.MatchedFields, field)
		}
	}

	results := make([]ScoredResult, 0, len(merged))
	for _, hit := range merged {
		results = append(results, *hit)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Position < results[j].Position
	})

	if opts.MinScore > 0 {
		kept := results[:0]
		for _, r := range results {
			if r.Score >= opts.MinScore {
				kept = append(kept, r)
			}
		}
		results = kept
	}
	if opts.MaxResults > 0 && len(results) > opts.MaxResults {
		results = results[:opts.MaxResults]
	}

	meta := SearchMeta{
		UsedIndex:  true,
		SearchTime: time.Since(start),
		CacheHit:   false,
	}
	for i := range results {
		results[i].Meta = meta
	}
	return results, nil
}

// Stats reports the current shape of the index.
func (e *Engine) Stats() IndexStats {
	return IndexStats{
		TotalEntries:   e.store.Entries(),
		UniqueKeys:     e.store.UniqueKeys(),
		AvgKeyLength:   e.store.AvgKeyLength(),
		MemoryBytes:    e.MemoryUsage(),
		RecordCount:    len(e.records),
		PendingChanges: e.changeCount,
		LastRebuild:    e.lastRebuild,
		BuildDuration:  e.buildDuration,
	}
}

// IsReady reports whether the index has been built and can serve searches.
func (e *Engine) IsReady() bool {
	return e.ready
}

// MemoryUsage returns the rough posting-memory estimate in bytes.
func (e *Engine) MemoryUsage() int64 {
	return e.store.EstimateMemory()
}

// Clear resets the engine to the "not built" state.
func (e *Engine) Clear() {
	e.records = nil
	e.fields = nil
	e.ids = nil
	e.posByID = make(map[postings.DocID]int)
	e.store.Clear()
	e.ready = false
	e.changeCount = 0
	e.lastRebuild = time.Time{}
	e.buildDuration = 0
}

// Fields returns the configured field list.
func (e *Engine) Fields() []string {
	return e.fields
}

// rebuildPostings reconstructs ids, the position table, and all four
// posting maps from the current record array.
func (e *Engine) rebuildPostings() {
	e.store.Clear()
	e.ids = make([]postings.DocID, len(e.records))
	e.posByID = make(map[postings.DocID]int, len(e.records))
	for pos, record := range e.records {
		id := e.assignID(pos)
		e.indexRecord(id, record)
	}
}

func (e *Engine) assignID(pos int) postings.DocID {
	e.nextID++
	id := e.nextID
	if pos == len(e.ids) {
		e.ids = append(e.ids, id)
	} else {
		e.ids[pos] = id
	}
	e.posByID[id] = pos
	return id
}

// indexRecord inserts one record's field values into every posting family.
// Absent and null field values are skipped.
func (e *Engine) indexRecord(id postings.DocID, record Record) {
	for _, field := range e.fields {
		value, ok := analysis.FieldValue(record, field)
		if !ok {
			continue
		}
		e.store.Index(field, analysis.Normalize(value), id)
	}
}

func (e *Engine) appendRecord(record Record) {
	pos := len(e.records)
	e.records = append(e.records, record)
	id := e.assignID(pos)
	e.indexRecord(id, record)
}

func (e *Engine) replaceRecord(pos int, record Record) {
	old := e.ids[pos]
	e.store.Remove(old)
	delete(e.posByID, old)
	e.records[pos] = record
	e.ids[pos] = 0
	id := e.assignID(pos)
	e.indexRecord(id, record)
}

// deleteRecord removes the record's postings and splices the record array.
// Because postings are keyed by document id, only the position table needs
// shifting; no trailing record is reindexed.
func (e *Engine) deleteRecord(pos int) {
	id := e.ids[pos]
	e.store.Remove(id)
	delete(e.posByID, id)
	e.records = append(e.records[:pos], e.records[pos+1:]...)
	e.ids = append(e.ids[:pos], e.ids[pos+1:]...)
	for i := pos; i < len(e.ids); i++ {
		e.posByID[e.ids[i]] = i
	}
}

func (e *Engine) checkPosition(pos int) error {
	if pos < 0 || pos >= len(e.records) {
		return apperrors.Newf(apperrors.ErrInvalidPosition, 400,
			"position %d out of range [0,%d)", pos, len(e.records))
	}
	return nil
}

// fieldHits runs one match strategy against one field and returns scores
// keyed by document id.
func (e *Engine) fieldHits(field, query string, mode MatchMode) map[postings.DocID]float64 {
	hits := make(map[postings.DocID]float64)
	switch mode {
	case MatchExact:
		for id := range e.store.Exact(field, query) {
			hits[id] = scoreExact
		}
	case MatchPrefix:
		for id := range e.store.ScanPrefixes(field, query) {
			hits[id] = scorePrefix
		}
	case MatchPartial:
		grams := analysis.Trigrams(query)
		if len(grams) == 0 {
			return hits
		}
		for id, matched := range e.store.TrigramCounts(field, grams) {
			hits[id] = float64(matched) / float64(len(grams))
		}
	case MatchFuzzy:
		code := analysis.Soundex(query)
		if code == "" {
			return hits
		}
		for id := range e.store.Phonetic(field, code) {
			hits[id] = scoreFuzzy
		}
	}
	return hits
}

func appendField(fields []string, field string) []string {
	for _, f := range fields {
		if f == field {
			return fields
		}
	}
	return append(fields, field)
}
