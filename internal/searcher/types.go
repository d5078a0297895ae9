// Package searcher serves read queries against the in-memory engines: it
// resolves datasets through the registry, takes the per-dataset read lock,
// and annotates results with timing and cache provenance.
package searcher

import "github.com/quarrylabs/quarry/internal/index"

// SearchResult is the JSON payload returned for one query.
type SearchResult struct {
	Dataset   string               `json:"dataset"`
	Query     string               `json:"query"`
	Mode      string               `json:"mode"`
	TotalHits int                  `json:"total_hits"`
	Results   []index.ScoredResult `json:"results"`
	TookMs    int64                `json:"took_ms"`
	CacheHit  bool                 `json:"cache_hit"`
}

// DatasetStats pairs a dataset key with its engine statistics.
type DatasetStats struct {
	Dataset string           `json:"dataset"`
	Ready   bool             `json:"ready"`
	Stats   index.IndexStats `json:"stats"`
}
