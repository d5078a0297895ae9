package index

import (
	"errors"
	"testing"
	"time"

	"github.com/quarrylabs/quarry/pkg/config"
	apperrors "github.com/quarrylabs/quarry/pkg/errors"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	e := NewEngine(config.IndexConfig{EnableIndexing: true, RebuildThreshold: 100})
	e.Build(fruitRecords(), []string{"name", "description"})
	return e
}

func fruitRecords() []Record {
	return []Record{
		{"name": "Apple", "description": "A sweet red fruit"},
		{"name": "Apricot", "description": "An orange stone fruit"},
		{"name": "Banana", "description": "A long yellow fruit"},
	}
}

func positions(results []ScoredResult) []int {
	out := make([]int, len(results))
	for i, r := range results {
		out[i] = r.Position
	}
	return out
}

func TestBuildMakesEngineReady(t *testing.T) {
	e := NewEngine(config.IndexConfig{EnableIndexing: true})
	if e.IsReady() {
		t.Fatal("fresh engine reports ready")
	}
	if _, err := e.Search("apple", SearchOptions{}); !errors.Is(err, apperrors.ErrIndexNotReady) {
		t.Fatalf("search before build: err = %v, want ErrIndexNotReady", err)
	}

	e.Build(fruitRecords(), []string{"name"})
	if !e.IsReady() {
		t.Fatal("engine not ready after build")
	}

	e.Clear()
	if e.IsReady() {
		t.Fatal("engine still ready after clear")
	}
	if _, err := e.Search("apple", SearchOptions{}); !errors.Is(err, apperrors.ErrIndexNotReady) {
		t.Fatalf("search after clear: err = %v, want ErrIndexNotReady", err)
	}
}

func TestBuildEmptyCollection(t *testing.T) {
	e := NewEngine(config.IndexConfig{EnableIndexing: true})
	e.Build(nil, []string{"name"})
	if !e.IsReady() {
		t.Fatal("engine not ready after empty build")
	}
	results, err := e.Search("anything", SearchOptions{})
	if err != nil {
		t.Fatalf("search on empty index: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results from empty index, want 0", len(results))
	}
}

func TestExactMatch(t *testing.T) {
	e := testEngine(t)
	results, err := e.Search("Banana", SearchOptions{Mode: MatchExact})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	r := results[0]
	if r.Position != 2 {
		t.Errorf("position = %d, want 2", r.Position)
	}
	if r.Score != 10 {
		t.Errorf("score = %f, want 10", r.Score)
	}
	if len(r.MatchedFields) != 1 || r.MatchedFields[0] != "name" {
		t.Errorf("matched fields = %v, want [name]", r.MatchedFields)
	}
	if !r.Meta.UsedIndex {
		t.Error("result not marked as served from the index")
	}
}

func TestExactMatchIsCaseInsensitiveByDefault(t *testing.T) {
	e := testEngine(t)
	results, err := e.Search("bAnAnA", SearchOptions{Mode: MatchExact})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
}

func TestExactMatchCaseSensitive(t *testing.T) {
	e := testEngine(t)
	// Index keys are normalised to lower case, so a case-sensitive query
	// only hits when the caller supplies the normalised form.
	results, err := e.Search("Banana", SearchOptions{Mode: MatchExact, CaseSensitive: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Fatalf("got %d results for case-sensitive query, want 0", len(results))
	}
	results, err = e.Search("banana", SearchOptions{Mode: MatchExact, CaseSensitive: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
}

func TestPrefixMatch(t *testing.T) {
	e := testEngine(t)
	results, err := e.Search("ap", SearchOptions{Mode: MatchPrefix, Fields: []string{"name"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, r := range results {
		if r.Score != 5 {
			t.Errorf("position %d score = %f, want 5", r.Position, r.Score)
		}
		if r.Position == 2 {
			t.Error("Banana matched prefix ap")
		}
	}
}

func TestPartialMatchScoresTrigramOverlap(t *testing.T) {
	e := testEngine(t)
	results, err := e.Search("ppl", SearchOptions{Mode: MatchPartial, Fields: []string{"name"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	r := results[0]
	if r.Position != 0 {
		t.Errorf("position = %d, want 0", r.Position)
	}
	if r.Score <= 0 || r.Score > 1 {
		t.Errorf("partial score = %f, want in (0,1]", r.Score)
	}
}

func TestFuzzyMatchGroupsPhoneticNeighbours(t *testing.T) {
	e := NewEngine(config.IndexConfig{EnableIndexing: true})
	e.Build([]Record{
		{"name": "Robert"},
		{"name": "Rupert"},
		{"name": "Miranda"},
	}, []string{"name"})

	results, err := e.Search("Robert", SearchOptions{Mode: MatchFuzzy})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	got := positions(results)
	if got[0] != 0 || got[1] != 1 {
		t.Errorf("positions = %v, want [0 1]", got)
	}
	for _, r := range results {
		if r.Score != 2 {
			t.Errorf("fuzzy score = %f, want 2", r.Score)
		}
	}
}

func TestMultiFieldScoresSum(t *testing.T) {
	e := NewEngine(config.IndexConfig{EnableIndexing: true})
	e.Build([]Record{
		{"name": "fruit", "description": "fruit"},
		{"name": "fruit", "description": "vegetable"},
	}, []string{"name", "description"})

	results, err := e.Search("fruit", SearchOptions{Mode: MatchExact})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	// Both fields hit on record 0, so it scores double and ranks first.
	if results[0].Position != 0 || results[0].Score != 20 {
		t.Errorf("top result = pos %d score %f, want pos 0 score 20", results[0].Position, results[0].Score)
	}
	if len(results[0].MatchedFields) != 2 {
		t.Errorf("matched fields = %v, want both fields", results[0].MatchedFields)
	}
	if results[1].Position != 1 || results[1].Score != 10 {
		t.Errorf("second result = pos %d score %f, want pos 1 score 10", results[1].Position, results[1].Score)
	}
}

func TestSearchIsIdempotent(t *testing.T) {
	e := testEngine(t)
	opts := SearchOptions{Mode: MatchPrefix, Fields: []string{"name"}}

	first, err := e.Search("ap", opts)
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.Search("ap", opts)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != len(second) {
		t.Fatalf("result counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Position != second[i].Position || first[i].Score != second[i].Score {
			t.Errorf("result %d differs: (%d,%f) vs (%d,%f)",
				i, first[i].Position, first[i].Score, second[i].Position, second[i].Score)
		}
	}
}

func TestSearchUnknownMode(t *testing.T) {
	e := testEngine(t)
	if _, err := e.Search("apple", SearchOptions{Mode: "regex"}); !errors.Is(err, apperrors.ErrUnknownMode) {
		t.Fatalf("err = %v, want ErrUnknownMode", err)
	}
}

func TestSearchDefaultsToExactMode(t *testing.T) {
	e := testEngine(t)
	results, err := e.Search("banana", SearchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Score != 10 {
		t.Fatalf("empty mode did not behave as exact: %v", results)
	}
}

func TestMinScoreAndMaxResults(t *testing.T) {
	e := NewEngine(config.IndexConfig{EnableIndexing: true})
	e.Build([]Record{
		{"name": "match", "description": "match"},
		{"name": "match", "description": "other"},
		{"name": "match", "description": "another"},
	}, []string{"name", "description"})

	results, err := e.Search("match", SearchOptions{Mode: MatchExact, MinScore: 15})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Position != 0 {
		t.Fatalf("min score filter kept %v, want only position 0", positions(results))
	}

	results, err = e.Search("match", SearchOptions{Mode: MatchExact, MaxResults: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results with max 2, want 2", len(results))
	}
	// Truncation keeps the best-scoring hits.
	if results[0].Position != 0 {
		t.Errorf("top result position = %d, want 0", results[0].Position)
	}
}

func TestUpdateAdd(t *testing.T) {
	e := testEngine(t)
	err := e.Update([]Change{
		{Op: OpAdd, Record: Record{"name": "Cherry", "description": "A small red fruit"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	results, err := e.Search("cherry", SearchOptions{Mode: MatchExact})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Position != 3 {
		t.Fatalf("added record results = %v, want one hit at position 3", positions(results))
	}
	if got := e.Stats().RecordCount; got != 4 {
		t.Errorf("record count = %d, want 4", got)
	}
}

func TestUpdateReplace(t *testing.T) {
	e := testEngine(t)
	err := e.Update([]Change{
		{Op: OpUpdate, Position: 2, Record: Record{"name": "Blueberry", "description": "A small blue fruit"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	results, err := e.Search("banana", SearchOptions{Mode: MatchExact})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Error("replaced record still matches its old value")
	}
	results, err = e.Search("blueberry", SearchOptions{Mode: MatchExact})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Position != 2 {
		t.Fatalf("replacement results = %v, want one hit at position 2", positions(results))
	}
}

func TestUpdateDeleteShiftsPositions(t *testing.T) {
	e := testEngine(t)
	err := e.Update([]Change{{Op: OpDelete, Position: 0}})
	if err != nil {
		t.Fatal(err)
	}

	// Apricot slides from position 1 to 0 and its postings stay live.
	results, err := e.Search("apricot", SearchOptions{Mode: MatchExact})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Position != 0 {
		t.Fatalf("results = %v, want apricot at position 0", positions(results))
	}
	results, err = e.Search("banana", SearchOptions{Mode: MatchExact})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Position != 1 {
		t.Fatalf("results = %v, want banana at position 1", positions(results))
	}
	results, err = e.Search("apple", SearchOptions{Mode: MatchExact})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Error("deleted record still searchable")
	}
}

func TestUpdateInvalidPositionFailsFast(t *testing.T) {
	e := testEngine(t)
	err := e.Update([]Change{
		{Op: OpAdd, Record: Record{"name": "Cherry"}},
		{Op: OpDelete, Position: 99},
	})
	if !errors.Is(err, apperrors.ErrInvalidPosition) {
		t.Fatalf("err = %v, want ErrInvalidPosition", err)
	}
	// Changes before the failing one stay applied.
	if got := e.Stats().RecordCount; got != 4 {
		t.Errorf("record count = %d, want 4 (add before failure applied)", got)
	}

	if err := e.Update([]Change{{Op: OpUpdate, Position: -1, Record: Record{}}}); !errors.Is(err, apperrors.ErrInvalidPosition) {
		t.Fatalf("negative position: err = %v, want ErrInvalidPosition", err)
	}
}

func TestUpdateUnknownOp(t *testing.T) {
	e := testEngine(t)
	if err := e.Update([]Change{{Op: "upsert"}}); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestUpdateBeforeBuild(t *testing.T) {
	e := NewEngine(config.IndexConfig{EnableIndexing: true})
	err := e.Update([]Change{{Op: OpAdd, Record: Record{"name": "x"}}})
	if !errors.Is(err, apperrors.ErrIndexNotReady) {
		t.Fatalf("err = %v, want ErrIndexNotReady", err)
	}
}

func TestRebuildThreshold(t *testing.T) {
	e := NewEngine(config.IndexConfig{EnableIndexing: true, RebuildThreshold: 3})
	e.Build(fruitRecords(), []string{"name"})
	built := e.Stats().LastRebuild

	time.Sleep(2 * time.Millisecond)
	err := e.Update([]Change{
		{Op: OpAdd, Record: Record{"name": "Cherry"}},
		{Op: OpAdd, Record: Record{"name": "Damson"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := e.Stats().PendingChanges; got != 2 {
		t.Fatalf("pending changes = %d, want 2", got)
	}
	if e.Stats().LastRebuild.After(built) {
		t.Fatal("rebuild happened below threshold")
	}

	if err := e.Update([]Change{{Op: OpAdd, Record: Record{"name": "Elderberry"}}}); err != nil {
		t.Fatal(err)
	}
	stats := e.Stats()
	if stats.PendingChanges != 0 {
		t.Errorf("pending changes after rebuild = %d, want 0", stats.PendingChanges)
	}
	if !stats.LastRebuild.After(built) {
		t.Error("last rebuild timestamp did not advance")
	}
	if stats.RecordCount != 6 {
		t.Errorf("record count = %d, want 6", stats.RecordCount)
	}

	// Records added since the initial build survive the rebuild.
	results, err := e.Search("elderberry", SearchOptions{Mode: MatchExact})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results after rebuild, want 1", len(results))
	}
}

func TestDeleteAdvancesRebuildCounterFaster(t *testing.T) {
	e := NewEngine(config.IndexConfig{EnableIndexing: true, RebuildThreshold: 3})
	e.Build(fruitRecords(), []string{"name"})

	if err := e.Update([]Change{{Op: OpDelete, Position: 0}}); err != nil {
		t.Fatal(err)
	}
	// One delete weighs three ordinary changes, so it crosses the threshold
	// on its own.
	if got := e.Stats().PendingChanges; got != 0 {
		t.Errorf("pending changes = %d, want 0 after rebuild", got)
	}
}

func TestIndexingDisabled(t *testing.T) {
	e := NewEngine(config.IndexConfig{EnableIndexing: false})
	e.Build(fruitRecords(), []string{"name"})
	if e.IsReady() {
		t.Fatal("engine ready with indexing disabled")
	}
	if err := e.Update([]Change{{Op: OpAdd, Record: Record{"name": "x"}}}); err != nil {
		t.Fatalf("update with indexing disabled: %v", err)
	}
	if _, err := e.Search("apple", SearchOptions{}); !errors.Is(err, apperrors.ErrIndexNotReady) {
		t.Fatalf("err = %v, want ErrIndexNotReady", err)
	}
}

func TestMissingFieldsAreSkipped(t *testing.T) {
	e := NewEngine(config.IndexConfig{EnableIndexing: true})
	e.Build([]Record{
		{"name": "Apple"},
		{"description": "no name here"},
		{"name": nil},
	}, []string{"name"})

	results, err := e.Search("apple", SearchOptions{Mode: MatchExact})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Position != 0 {
		t.Fatalf("results = %v, want only position 0", positions(results))
	}
}

func TestNestedFieldIndexing(t *testing.T) {
	e := NewEngine(config.IndexConfig{EnableIndexing: true})
	e.Build([]Record{
		{"user": map[string]any{"name": "Robert"}},
		{"user": map[string]any{"name": "Alice"}},
	}, []string{"user.name"})

	results, err := e.Search("robert", SearchOptions{Mode: MatchExact})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Position != 0 {
		t.Fatalf("results = %v, want only position 0", positions(results))
	}
	if len(results[0].MatchedFields) != 1 || results[0].MatchedFields[0] != "user.name" {
		t.Errorf("matched fields = %v, want [user.name]", results[0].MatchedFields)
	}
}

func TestNumericValuesAreStringified(t *testing.T) {
	e := NewEngine(config.IndexConfig{EnableIndexing: true})
	e.Build([]Record{
		{"name": "Apple", "stock": 42},
		{"name": "Banana", "stock": 7},
	}, []string{"name", "stock"})

	results, err := e.Search("42", SearchOptions{Mode: MatchExact, Fields: []string{"stock"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Position != 0 {
		t.Fatalf("results = %v, want only position 0", positions(results))
	}
}

func TestStatsReflectIndexShape(t *testing.T) {
	e := testEngine(t)
	stats := e.Stats()
	if stats.RecordCount != 3 {
		t.Errorf("record count = %d, want 3", stats.RecordCount)
	}
	if stats.TotalEntries == 0 || stats.UniqueKeys == 0 {
		t.Errorf("entries=%d keys=%d, want both > 0", stats.TotalEntries, stats.UniqueKeys)
	}
	if stats.AvgKeyLength <= 0 {
		t.Errorf("avg key length = %f, want > 0", stats.AvgKeyLength)
	}
	if stats.MemoryBytes <= 0 {
		t.Errorf("memory bytes = %d, want > 0", stats.MemoryBytes)
	}
	if stats.LastRebuild.IsZero() {
		t.Error("last rebuild timestamp is zero after build")
	}

	e.Clear()
	stats = e.Stats()
	if stats.TotalEntries != 0 || stats.RecordCount != 0 || stats.MemoryBytes != 0 {
		t.Errorf("stats not reset by clear: %+v", stats)
	}
}
