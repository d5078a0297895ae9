package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/quarrylabs/quarry/internal/index"
	"github.com/quarrylabs/quarry/internal/searcher"
	"github.com/quarrylabs/quarry/pkg/config"
	apperrors "github.com/quarrylabs/quarry/pkg/errors"
)

type fakeBackend struct {
	lastDataset string
	lastQuery   string
	lastOpts    index.SearchOptions
	result      *searcher.SearchResult
	err         error
}

func (f *fakeBackend) Search(ctx context.Context, dataset, query string, opts index.SearchOptions) (*searcher.SearchResult, error) {
	f.lastDataset = dataset
	f.lastQuery = query
	f.lastOpts = opts
	return f.result, f.err
}

func (f *fakeBackend) Stats(dataset string) (*searcher.DatasetStats, error) {
	if dataset != "products" {
		return nil, apperrors.Newf(apperrors.ErrDatasetNotFound, 404, "dataset %q", dataset)
	}
	return &searcher.DatasetStats{Dataset: dataset, Ready: true}, nil
}

func (f *fakeBackend) Datasets() []searcher.DatasetStats {
	return []searcher.DatasetStats{{Dataset: "products", Ready: true}}
}

func (f *fakeBackend) TotalMemoryUsage() int64 { return 4096 }

func searchCfg() config.SearchConfig {
	return config.SearchConfig{MaxResults: 100, DefaultLimit: 10}
}

func get(t *testing.T, h http.HandlerFunc, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

func TestSearchParsesOptions(t *testing.T) {
	fake := &fakeBackend{result: &searcher.SearchResult{Dataset: "products", Query: "ap", Mode: "prefix", TotalHits: 2}}
	h := New(fake, nil, nil, nil, "default", searchCfg())

	w := get(t, h.Search, "/v1/search?q=ap&dataset=products&mode=prefix&fields=name,description&limit=5&min_score=1.5&case_sensitive=true")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	if fake.lastDataset != "products" || fake.lastQuery != "ap" {
		t.Errorf("backend saw %q/%q", fake.lastDataset, fake.lastQuery)
	}
	opts := fake.lastOpts
	if opts.Mode != index.MatchPrefix || !opts.CaseSensitive || opts.MaxResults != 5 || opts.MinScore != 1.5 {
		t.Errorf("options = %+v", opts)
	}
	if len(opts.Fields) != 2 || opts.Fields[0] != "name" {
		t.Errorf("fields = %v", opts.Fields)
	}
}

func TestSearchDefaults(t *testing.T) {
	fake := &fakeBackend{result: &searcher.SearchResult{Dataset: "default", Query: "apple", Mode: "exact"}}
	h := New(fake, nil, nil, nil, "default", searchCfg())

	w := get(t, h.Search, "/v1/search?q=apple")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if fake.lastDataset != "default" {
		t.Errorf("dataset = %q, want configured default", fake.lastDataset)
	}
	if fake.lastOpts.MaxResults != 10 {
		t.Errorf("limit = %d, want default 10", fake.lastOpts.MaxResults)
	}
	if fake.lastOpts.Fields != nil {
		t.Errorf("fields = %v, want nil (all indexed fields)", fake.lastOpts.Fields)
	}
}

func TestSearchRequiresQuery(t *testing.T) {
	h := New(&fakeBackend{}, nil, nil, nil, "default", searchCfg())
	if w := get(t, h.Search, "/v1/search"); w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestSearchRejectsBadParams(t *testing.T) {
	h := New(&fakeBackend{}, nil, nil, nil, "default", searchCfg())
	for _, target := range []string{
		"/v1/search?q=a&limit=0",
		"/v1/search?q=a&limit=nope",
		"/v1/search?q=a&min_score=-1",
		"/v1/search?q=a&case_sensitive=maybe",
	} {
		if w := get(t, h.Search, target); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, w.Code)
		}
	}
}

func TestSearchCapsLimit(t *testing.T) {
	fake := &fakeBackend{result: &searcher.SearchResult{}}
	h := New(fake, nil, nil, nil, "default", searchCfg())
	get(t, h.Search, "/v1/search?q=a&limit=5000")
	if fake.lastOpts.MaxResults != 100 {
		t.Errorf("limit = %d, want capped at 100", fake.lastOpts.MaxResults)
	}
}

func TestSearchMapsBackendErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperrors.Newf(apperrors.ErrDatasetNotFound, 404, "dataset"), http.StatusNotFound},
		{apperrors.Newf(apperrors.ErrUnknownMode, 400, "mode"), http.StatusBadRequest},
		{apperrors.New(apperrors.ErrIndexNotReady, 503, "not ready"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		h := New(&fakeBackend{err: tt.err}, nil, nil, nil, "default", searchCfg())
		if w := get(t, h.Search, "/v1/search?q=a"); w.Code != tt.want {
			t.Errorf("err %v: status = %d, want %d", tt.err, w.Code, tt.want)
		}
	}
}

func TestStatsEndpoint(t *testing.T) {
	h := New(&fakeBackend{}, nil, nil, nil, "products", searchCfg())
	w := get(t, h.Stats, "/v1/stats?dataset=products")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var stats searcher.DatasetStats
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.Dataset != "products" || !stats.Ready {
		t.Errorf("stats = %+v", stats)
	}
	if w := get(t, h.Stats, "/v1/stats?dataset=ghost"); w.Code != http.StatusNotFound {
		t.Errorf("unknown dataset status = %d, want 404", w.Code)
	}
}

func TestDatasetsEndpoint(t *testing.T) {
	h := New(&fakeBackend{}, nil, nil, nil, "products", searchCfg())
	w := get(t, h.Datasets, "/v1/datasets")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["total_memory_bytes"].(float64) != 4096 {
		t.Errorf("body = %v", body)
	}
}

func TestCacheEndpointsWithoutCache(t *testing.T) {
	h := New(&fakeBackend{}, nil, nil, nil, "default", searchCfg())
	if w := get(t, h.CacheStats, "/v1/cache/stats"); w.Code != http.StatusOK {
		t.Errorf("cache stats status = %d", w.Code)
	}
	if w := get(t, h.CacheInvalidate, "/v1/cache/invalidate"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("cache invalidate status = %d, want 503", w.Code)
	}
}
