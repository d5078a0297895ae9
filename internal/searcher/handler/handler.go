// Package handler exposes the search service over HTTP: query execution,
// per-dataset statistics, and cache administration.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/quarrylabs/quarry/internal/analytics"
	"github.com/quarrylabs/quarry/internal/index"
	"github.com/quarrylabs/quarry/internal/searcher"
	"github.com/quarrylabs/quarry/internal/searcher/cache"
	"github.com/quarrylabs/quarry/pkg/config"
	apperrors "github.com/quarrylabs/quarry/pkg/errors"
	"github.com/quarrylabs/quarry/pkg/logger"
	"github.com/quarrylabs/quarry/pkg/metrics"
	"github.com/quarrylabs/quarry/pkg/middleware"
)

// SearchBackend executes one query. *searcher.Service is the production
// implementation.
type SearchBackend interface {
	Search(ctx context.Context, dataset, query string, opts index.SearchOptions) (*searcher.SearchResult, error)
	Stats(dataset string) (*searcher.DatasetStats, error)
	Datasets() []searcher.DatasetStats
	TotalMemoryUsage() int64
}

type Handler struct {
	backend        SearchBackend
	cache          *cache.QueryCache
	collector      *analytics.Collector
	metrics        *metrics.Metrics
	defaultDataset string
	defaultLimit   int
	maxResults     int
	logger         *slog.Logger
}

func New(backend SearchBackend, queryCache *cache.QueryCache, collector *analytics.Collector,
	m *metrics.Metrics, defaultDataset string, searchCfg config.SearchConfig) *Handler {
	return &Handler{
		backend:        backend,
		cache:          queryCache,
		collector:      collector,
		metrics:        m,
		defaultDataset: defaultDataset,
		defaultLimit:   searchCfg.DefaultLimit,
		maxResults:     searchCfg.MaxResults,
		logger:         logger.WithComponent("search-handler"),
	}
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	log := logger.FromContext(ctx)

	query := r.URL.Query().Get("q")
	if query == "" {
		h.writeError(w, http.StatusBadRequest, "query parameter 'q' is required")
		return
	}
	dataset := r.URL.Query().Get("dataset")
	if dataset == "" {
		dataset = h.defaultDataset
	}
	opts, err := h.parseOptions(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var result *searcher.SearchResult
	cacheHit := false
	if h.cache != nil {
		result, cacheHit, err = h.cache.GetOrCompute(ctx, dataset, query, opts, func() (*searcher.SearchResult, error) {
			return h.backend.Search(ctx, dataset, query, opts)
		})
	} else {
		result, err = h.backend.Search(ctx, dataset, query, opts)
	}
	if err != nil {
		statusCode := apperrors.HTTPStatusCode(err)
		log.Error("search failed",
			"dataset", dataset,
			"query", query,
			"status_code", statusCode,
			"error", err,
		)
		h.writeError(w, statusCode, "search failed")
		return
	}

	latencyMs := time.Since(start).Milliseconds()
	h.observe(time.Since(start), cacheHit)
	log.Info("search completed",
		"dataset", dataset,
		"query", query,
		"mode", result.Mode,
		"total_hits", result.TotalHits,
		"cache_hit", cacheHit,
		"latency_ms", latencyMs,
	)
	h.track(ctx, result, cacheHit, latencyMs)
	h.writeJSON(w, http.StatusOK, result)
}

// parseOptions maps query parameters onto engine search options. The match
// mode is validated downstream so unknown modes share one error path.
func (h *Handler) parseOptions(r *http.Request) (index.SearchOptions, error) {
	q := r.URL.Query()
	opts := index.SearchOptions{
		Mode:       index.MatchMode(q.Get("mode")),
		MaxResults: h.defaultLimit,
	}
	if fields := q.Get("fields"); fields != "" {
		opts.Fields = strings.Split(fields, ",")
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			return opts, fmt.Errorf("limit must be a positive integer")
		}
		if limit > h.maxResults {
			limit = h.maxResults
		}
		opts.MaxResults = limit
	}
	if minStr := q.Get("min_score"); minStr != "" {
		min, err := strconv.ParseFloat(minStr, 64)
		if err != nil || min < 0 {
			return opts, fmt.Errorf("min_score must be a non-negative number")
		}
		opts.MinScore = min
	}
	if csStr := q.Get("case_sensitive"); csStr != "" {
		cs, err := strconv.ParseBool(csStr)
		if err != nil {
			return opts, fmt.Errorf("case_sensitive must be a boolean")
		}
		opts.CaseSensitive = cs
	}
	return opts, nil
}

// observe records latency by cache status and the cache hit/miss counters.
func (h *Handler) observe(took time.Duration, cacheHit bool) {
	if h.metrics == nil {
		return
	}
	status := "no_cache"
	if h.cache != nil {
		if cacheHit {
			status = "hit"
			h.metrics.CacheHitsTotal.Inc()
		} else {
			status = "miss"
			h.metrics.CacheMissesTotal.Inc()
		}
	}
	h.metrics.SearchLatency.WithLabelValues(status).Observe(took.Seconds())
}

func (h *Handler) track(ctx context.Context, result *searcher.SearchResult, cacheHit bool, latencyMs int64) {
	if h.collector == nil {
		return
	}
	eventType := analytics.EventCacheMiss
	if cacheHit {
		eventType = analytics.EventCacheHit
	}
	h.collector.Track(analytics.SearchEvent{
		Type:      eventType,
		Dataset:   result.Dataset,
		Query:     result.Query,
		Mode:      result.Mode,
		TotalHits: result.TotalHits,
		Returned:  len(result.Results),
		LatencyMs: latencyMs,
		CacheHit:  cacheHit,
		Timestamp: time.Now().UTC(),
		RequestID: middleware.GetRequestID(ctx),
	})
}

// Stats serves one dataset's engine statistics.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	dataset := r.URL.Query().Get("dataset")
	if dataset == "" {
		dataset = h.defaultDataset
	}
	stats, err := h.backend.Stats(dataset)
	if err != nil {
		h.writeError(w, apperrors.HTTPStatusCode(err), "stats unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// Datasets lists every registered dataset with its statistics and the
// summed memory estimate.
func (h *Handler) Datasets(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"datasets":           h.backend.Datasets(),
		"total_memory_bytes": h.backend.TotalMemoryUsage(),
	})
}

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}
	hits, misses := h.cache.Stats()
	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"hits":     hits,
		"misses":   misses,
		"total":    total,
		"hit_rate": fmt.Sprintf("%.1f%%", hitRate),
	})
}

func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeError(w, http.StatusServiceUnavailable, "caching is disabled")
		return
	}
	var err error
	if dataset := r.URL.Query().Get("dataset"); dataset != "" {
		err = h.cache.Invalidate(r.Context(), dataset)
	} else {
		err = h.cache.InvalidateAll(r.Context())
	}
	if err != nil {
		h.logger.Error("cache invalidation failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "cache invalidation failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
