package searcher

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/quarrylabs/quarry/internal/index"
	apperrors "github.com/quarrylabs/quarry/pkg/errors"
	"github.com/quarrylabs/quarry/pkg/logger"
	"github.com/quarrylabs/quarry/pkg/metrics"
	"github.com/quarrylabs/quarry/pkg/tracing"
)

// Service executes queries against registry-managed engines.
type Service struct {
	registry *index.Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewService creates a Service over the given registry. metrics may be nil.
func NewService(registry *index.Registry, m *metrics.Metrics) *Service {
	return &Service{
		registry: registry,
		metrics:  m,
		logger:   logger.WithComponent("search-service"),
	}
}

// Search runs one query under the dataset's read lock.
func (s *Service) Search(ctx context.Context, dataset, query string, opts index.SearchOptions) (*SearchResult, error) {
	start := time.Now()
	_, span := tracing.StartChildSpan(ctx, "engine-search")
	defer span.End()
	span.SetAttr("dataset", dataset)

	mode, err := index.ParseMatchMode(string(opts.Mode))
	if err != nil {
		s.countQuery(string(opts.Mode), "error")
		return nil, err
	}
	opts.Mode = mode
	span.SetAttr("mode", string(mode))

	engine, ok := s.registry.Lookup(dataset)
	if !ok {
		s.countQuery(string(mode), "error")
		return nil, apperrors.Newf(apperrors.ErrDatasetNotFound, 404, "dataset %q", dataset)
	}

	guard := s.registry.Guard(dataset)
	guard.RLock()
	results, err := engine.Search(query, opts)
	guard.RUnlock()
	if err != nil {
		s.countQuery(string(mode), "error")
		return nil, err
	}

	outcome := "hit"
	if len(results) == 0 {
		outcome = "zero_result"
	}
	s.countQuery(string(mode), outcome)
	if s.metrics != nil {
		s.metrics.SearchResultsCount.WithLabelValues().Observe(float64(len(results)))
	}
	span.SetAttr("results", len(results))

	return &SearchResult{
		Dataset:   dataset,
		Query:     query,
		Mode:      string(mode),
		TotalHits: len(results),
		Results:   results,
		TookMs:    time.Since(start).Milliseconds(),
	}, nil
}

// Stats returns the engine statistics for one dataset.
func (s *Service) Stats(dataset string) (*DatasetStats, error) {
	engine, ok := s.registry.Lookup(dataset)
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrDatasetNotFound, 404, "dataset %q", dataset)
	}
	guard := s.registry.Guard(dataset)
	guard.RLock()
	defer guard.RUnlock()
	return &DatasetStats{
		Dataset: dataset,
		Ready:   engine.IsReady(),
		Stats:   engine.Stats(),
	}, nil
}

// Datasets returns stats for every registered dataset, sorted by key.
func (s *Service) Datasets() []DatasetStats {
	keys := s.registry.Keys()
	sort.Strings(keys)
	out := make([]DatasetStats, 0, len(keys))
	for _, key := range keys {
		if stats, err := s.Stats(key); err == nil {
			out = append(out, *stats)
		}
	}
	return out
}

// TotalMemoryUsage returns the summed memory estimate across datasets.
func (s *Service) TotalMemoryUsage() int64 {
	return s.registry.TotalMemoryUsage()
}

func (s *Service) countQuery(mode, outcome string) {
	if s.metrics == nil {
		return
	}
	if mode == "" {
		mode = string(index.MatchExact)
	}
	s.metrics.SearchQueriesTotal.WithLabelValues(mode, outcome).Inc()
}
