package cache

import (
	"strings"
	"testing"

	"github.com/quarrylabs/quarry/internal/index"
	"github.com/quarrylabs/quarry/internal/searcher"
	"github.com/quarrylabs/quarry/pkg/config"
)

func testCache() *QueryCache {
	return New(nil, config.RedisConfig{})
}

func TestBuildKeyIsDeterministic(t *testing.T) {
	c := testCache()
	opts := index.SearchOptions{Mode: index.MatchPrefix, Fields: []string{"name"}, MaxResults: 10}
	a := c.buildKey("products", "ap", opts)
	b := c.buildKey("products", "ap", opts)
	if a != b {
		t.Fatalf("same inputs produced different keys: %q vs %q", a, b)
	}
}

func TestBuildKeyCaseFolding(t *testing.T) {
	c := testCache()
	opts := index.SearchOptions{Mode: index.MatchExact}
	if c.buildKey("products", "Apple", opts) != c.buildKey("products", "apple", opts) {
		t.Error("case-insensitive queries should share a key")
	}
	opts.CaseSensitive = true
	if c.buildKey("products", "Apple", opts) == c.buildKey("products", "apple", opts) {
		t.Error("case-sensitive queries must not share a key")
	}
}

func TestBuildKeySeparatesOptionSets(t *testing.T) {
	c := testCache()
	base := index.SearchOptions{Mode: index.MatchExact}
	variants := []index.SearchOptions{
		{Mode: index.MatchPrefix},
		{Mode: index.MatchExact, Fields: []string{"name"}},
		{Mode: index.MatchExact, MaxResults: 5},
		{Mode: index.MatchExact, MinScore: 2},
	}
	baseKey := c.buildKey("products", "apple", base)
	for i, opts := range variants {
		if c.buildKey("products", "apple", opts) == baseKey {
			t.Errorf("variant %d collides with the base option set", i)
		}
	}
}

func TestBuildKeyEmptyModeEqualsExact(t *testing.T) {
	c := testCache()
	if c.buildKey("products", "apple", index.SearchOptions{}) !=
		c.buildKey("products", "apple", index.SearchOptions{Mode: index.MatchExact}) {
		t.Error("empty mode should hash like exact")
	}
}

func TestBuildKeyScopesDataset(t *testing.T) {
	c := testCache()
	opts := index.SearchOptions{}
	a := c.buildKey("products", "apple", opts)
	b := c.buildKey("users", "apple", opts)
	if a == b {
		t.Fatal("different datasets share a key")
	}
	if !strings.HasPrefix(a, keyPrefix+"products:") {
		t.Errorf("key %q does not carry its dataset prefix", a)
	}
}

func TestMarkCached(t *testing.T) {
	result := &searcher.SearchResult{
		Results: []index.ScoredResult{{Position: 0}, {Position: 1}},
	}
	markCached(result)
	if !result.CacheHit {
		t.Error("result not marked as cache hit")
	}
	for i, r := range result.Results {
		if !r.Meta.CacheHit {
			t.Errorf("result %d meta not marked as cache hit", i)
		}
	}
}
