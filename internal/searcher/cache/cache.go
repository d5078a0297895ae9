// Package cache is the Redis-backed query cache for the searcher. Keys hash
// the dataset, query, and the full option set; identical concurrent misses
// are collapsed through singleflight, and a circuit breaker degrades the
// service to cacheless operation when Redis misbehaves.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/quarrylabs/quarry/internal/index"
	"github.com/quarrylabs/quarry/internal/searcher"
	"github.com/quarrylabs/quarry/pkg/config"
	"github.com/quarrylabs/quarry/pkg/logger"
	pkgredis "github.com/quarrylabs/quarry/pkg/redis"
	"github.com/quarrylabs/quarry/pkg/resilience"
	"golang.org/x/sync/singleflight"
)

const keyPrefix = "search:"

type QueryCache struct {
	client  *pkgredis.Client
	cfg     config.RedisConfig
	group   singleflight.Group
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
	hits    atomic.Int64
	misses  atomic.Int64
}

func New(client *pkgredis.Client, cfg config.RedisConfig) *QueryCache {
	return &QueryCache{
		client:  client,
		cfg:     cfg,
		breaker: resilience.NewCircuitBreaker("query-cache", resilience.CircuitBreakerConfig{}),
		logger:  logger.WithComponent("query-cache"),
	}
}

func (c *QueryCache) Get(ctx context.Context, dataset, query string, opts index.SearchOptions) (*searcher.SearchResult, bool) {
	key := c.buildKey(dataset, query, opts)
	var data string
	err := c.breaker.Execute(func() error {
		var err error
		data, err = c.client.Get(ctx, key)
		if pkgredis.IsNilError(err) {
			// A miss is a healthy outcome, not a Redis failure.
			data = ""
			return nil
		}
		return err
	})
	if err != nil || data == "" {
		if err != nil {
			c.logger.Error("cache get failed", "key", key, "error", err)
		}
		c.misses.Add(1)
		return nil, false
	}
	var result searcher.SearchResult
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	c.logger.Debug("cache hit", "dataset", dataset, "query", query, "key", key)
	markCached(&result)
	return &result, true
}

func (c *QueryCache) Set(ctx context.Context, dataset, query string, opts index.SearchOptions, result *searcher.SearchResult) {
	key := c.buildKey(dataset, query, opts)
	data, err := json.Marshal(result)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	err = c.breaker.Execute(func() error {
		return c.client.Set(ctx, key, data, c.cfg.CacheTTL)
	})
	if err != nil {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

// GetOrCompute returns the cached result for the key, or computes and
// caches it, collapsing concurrent identical misses into one computation.
// The boolean reports whether the result came from the cache.
func (c *QueryCache) GetOrCompute(
	ctx context.Context,
	dataset, query string,
	opts index.SearchOptions,
	computeFn func() (*searcher.SearchResult, error),
) (*searcher.SearchResult, bool, error) {
	if result, ok := c.Get(ctx, dataset, query, opts); ok {
		return result, true, nil
	}
	key := c.buildKey(dataset, query, opts)
	val, err, _ := c.group.Do(key, func() (interface{}, error) {
		if result, ok := c.Get(ctx, dataset, query, opts); ok {
			return result, nil
		}
		result, err := computeFn()
		if err != nil {
			return nil, err
		}
		c.Set(ctx, dataset, query, opts, result)
		return result, nil
	})
	if err != nil {
		return nil, false, err
	}
	result := val.(*searcher.SearchResult)
	return result, result.CacheHit, nil
}

// Invalidate drops every cached result for one dataset.
func (c *QueryCache) Invalidate(ctx context.Context, dataset string) error {
	pattern := keyPrefix + dataset + ":*"
	deleted, err := c.client.FlushByPattern(ctx, pattern)
	if err != nil {
		return fmt.Errorf("invalidating cache for %s: %w", dataset, err)
	}
	c.logger.Info("cache invalidated", "dataset", dataset, "keys_deleted", deleted)
	return nil
}

// InvalidateAll drops every cached result across datasets.
func (c *QueryCache) InvalidateAll(ctx context.Context) error {
	deleted, err := c.client.FlushByPattern(ctx, keyPrefix+"*")
	if err != nil {
		return fmt.Errorf("invalidating cache: %w", err)
	}
	c.logger.Info("cache invalidated", "keys_deleted", deleted)
	return nil
}

func (c *QueryCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// buildKey hashes the dataset, the effective query, and every option that
// changes the result set. The dataset stays in clear text so invalidation
// can target one dataset's keys.
func (c *QueryCache) buildKey(dataset, query string, opts index.SearchOptions) string {
	q := query
	if !opts.CaseSensitive {
		q = strings.ToLower(q)
	}
	mode := string(opts.Mode)
	if mode == "" {
		mode = string(index.MatchExact)
	}
	raw := fmt.Sprintf("%s|%s|cs=%t|fields=%s|max=%d|min=%g",
		q, mode, opts.CaseSensitive, strings.Join(opts.Fields, ","), opts.MaxResults, opts.MinScore)
	hash := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%s%s:%x", keyPrefix, dataset, hash[:16])
}

// markCached flips the cache flags a stored result carries, since it was
// serialised on the miss path.
func markCached(result *searcher.SearchResult) {
	result.CacheHit = true
	for i := range result.Results {
		result.Results[i].Meta.CacheHit = true
	}
}
