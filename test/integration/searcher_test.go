// Package integration contains tests that verify the interaction between
// multiple service components. The search-path tests wire the real handler,
// service, registry, and engine with no external dependencies; record store
// tests require a reachable PostgreSQL and skip otherwise.
//
// Run with:
//
//	go test -v ./test/integration/...
package integration

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/quarrylabs/quarry/internal/index"
	"github.com/quarrylabs/quarry/internal/records"
	"github.com/quarrylabs/quarry/internal/searcher"
	searchhandler "github.com/quarrylabs/quarry/internal/searcher/handler"
	"github.com/quarrylabs/quarry/pkg/config"
	"github.com/quarrylabs/quarry/pkg/middleware"
	"github.com/quarrylabs/quarry/pkg/postgres"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// newSearchServer builds a search service over an in-memory registry with a
// pre-built "products" dataset and serves it through the real handler chain.
func newSearchServer(t *testing.T) *httptest.Server {
	t.Helper()

	registry := index.NewRegistry()
	engine := registry.Get("products", config.IndexConfig{
		EnableIndexing:   true,
		RebuildThreshold: 100,
	})
	engine.Build([]index.Record{
		{"name": "apple", "description": "a sweet red fruit"},
		{"name": "apricot", "description": "an orange stone fruit"},
		{"name": "banana", "description": "a long yellow fruit"},
	}, []string{"name", "description"})

	svc := searcher.NewService(registry, nil)
	h := searchhandler.New(svc, nil, nil, nil, "products", config.SearchConfig{
		MaxResults:   100,
		DefaultLimit: 10,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/search", h.Search)
	mux.HandleFunc("GET /api/v1/stats", h.Stats)
	mux.HandleFunc("GET /api/v1/datasets", h.Datasets)

	srv := httptest.NewServer(middleware.RequestID(mux))
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding response from %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

// ---------------------------------------------------------------------------
// Search path
// ---------------------------------------------------------------------------

func TestSearchEndToEnd(t *testing.T) {
	srv := newSearchServer(t)

	var result searcher.SearchResult
	status := getJSON(t, srv.URL+"/api/v1/search?q=banana", &result)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if result.Dataset != "products" {
		t.Errorf("expected default dataset products, got %q", result.Dataset)
	}
	if result.Mode != "exact" {
		t.Errorf("expected default mode exact, got %q", result.Mode)
	}
	if result.TotalHits != 1 {
		t.Fatalf("expected 1 hit, got %d", result.TotalHits)
	}
	if result.Results[0].Score != 10 {
		t.Errorf("expected exact score 10, got %v", result.Results[0].Score)
	}
}

func TestSearchModesOverHTTP(t *testing.T) {
	srv := newSearchServer(t)

	cases := []struct {
		query string
		mode  string
		hits  int
	}{
		{"ap", "prefix", 2},
		{"ppl", "partial", 1},
		{"bananna", "fuzzy", 1},
		{"cherry", "exact", 0},
	}

	for _, tc := range cases {
		url := fmt.Sprintf("%s/api/v1/search?q=%s&mode=%s", srv.URL, tc.query, tc.mode)
		var result searcher.SearchResult
		status := getJSON(t, url, &result)
		if status != http.StatusOK {
			t.Errorf("%s %s: expected 200, got %d", tc.mode, tc.query, status)
			continue
		}
		if result.TotalHits != tc.hits {
			t.Errorf("%s %s: expected %d hits, got %d", tc.mode, tc.query, tc.hits, result.TotalHits)
		}
	}
}

func TestSearchRejectsBadRequests(t *testing.T) {
	srv := newSearchServer(t)

	cases := []struct {
		name string
		url  string
		want int
	}{
		{"missing query", "/api/v1/search", http.StatusBadRequest},
		{"unknown mode", "/api/v1/search?q=apple&mode=regex", http.StatusBadRequest},
		{"bad limit", "/api/v1/search?q=apple&limit=zero", http.StatusBadRequest},
		{"negative min score", "/api/v1/search?q=apple&min_score=-1", http.StatusBadRequest},
		{"unknown dataset", "/api/v1/search?q=apple&dataset=missing", http.StatusNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if status := getJSON(t, srv.URL+tc.url, nil); status != tc.want {
				t.Errorf("expected %d, got %d", tc.want, status)
			}
		})
	}
}

func TestStatsAndDatasets(t *testing.T) {
	srv := newSearchServer(t)

	var stats searcher.DatasetStats
	if status := getJSON(t, srv.URL+"/api/v1/stats?dataset=products", &stats); status != http.StatusOK {
		t.Fatalf("stats: expected 200, got %d", status)
	}
	if !stats.Ready {
		t.Error("expected dataset to be ready")
	}
	if stats.Stats.RecordCount != 3 {
		t.Errorf("expected 3 records, got %d", stats.Stats.RecordCount)
	}

	var datasets struct {
		Datasets         []searcher.DatasetStats `json:"datasets"`
		TotalMemoryBytes int64                   `json:"total_memory_bytes"`
	}
	if status := getJSON(t, srv.URL+"/api/v1/datasets", &datasets); status != http.StatusOK {
		t.Fatalf("datasets: expected 200, got %d", status)
	}
	if len(datasets.Datasets) != 1 || datasets.Datasets[0].Dataset != "products" {
		t.Errorf("expected one products dataset, got %v", datasets.Datasets)
	}
	if datasets.TotalMemoryBytes <= 0 {
		t.Errorf("expected positive total memory estimate, got %d", datasets.TotalMemoryBytes)
	}
}

// ---------------------------------------------------------------------------
// Record store (requires PostgreSQL)
// ---------------------------------------------------------------------------

// skipIfNoPostgres skips the test when PostgreSQL is unavailable.
func skipIfNoPostgres(t *testing.T) *postgres.Client {
	t.Helper()
	cfg := config.PostgresConfig{
		Host:            envOrDefault("TEST_POSTGRES_HOST", "localhost"),
		Port:            envOrDefaultInt("TEST_POSTGRES_PORT", 5432),
		Database:        envOrDefault("TEST_POSTGRES_DB", "quarry_test"),
		User:            envOrDefault("TEST_POSTGRES_USER", "quarry"),
		Password:        envOrDefault("TEST_POSTGRES_PASSWORD", "localdev"),
		SSLMode:         "disable",
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
	}
	db, err := postgres.New(cfg)
	if err != nil {
		t.Skipf("skipping integration test: postgres unavailable: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordStoreRoundTrip(t *testing.T) {
	db := skipIfNoPostgres(t)
	store := records.NewStore(db)
	ctx := t.Context()

	dataset := fmt.Sprintf("it-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		db.DB.Exec("DELETE FROM records WHERE dataset = $1", dataset)
	})

	for _, name := range []string{"apple", "banana", "cherry"} {
		if err := store.Append(ctx, dataset, index.Record{"name": name}); err != nil {
			t.Fatalf("appending %s: %v", name, err)
		}
	}

	loaded, err := store.Load(ctx, dataset)
	if err != nil {
		t.Fatalf("loading records: %v", err)
	}
	if len(loaded) != 3 {
		t.Fatalf("expected 3 records, got %d", len(loaded))
	}
	if loaded[1]["name"] != "banana" {
		t.Errorf("expected banana at position 1, got %v", loaded[1]["name"])
	}

	if err := store.Replace(ctx, dataset, 1, index.Record{"name": "blueberry"}); err != nil {
		t.Fatalf("replacing record: %v", err)
	}
	if err := store.Delete(ctx, dataset, 0); err != nil {
		t.Fatalf("deleting record: %v", err)
	}

	loaded, err = store.Load(ctx, dataset)
	if err != nil {
		t.Fatalf("reloading records: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 records after delete, got %d", len(loaded))
	}
	if loaded[0]["name"] != "blueberry" {
		t.Errorf("expected blueberry shifted to position 0, got %v", loaded[0]["name"])
	}

	count, err := store.Count(ctx, dataset)
	if err != nil {
		t.Fatalf("counting records: %v", err)
	}
	if count != 2 {
		t.Errorf("expected count 2, got %d", count)
	}
}

// ---------------------------------------------------------------------------
// Env helpers
// ---------------------------------------------------------------------------

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
