// Package benchmark contains Go benchmarks for the index engine, posting
// store, and text analysis helpers, measuring throughput and allocation
// behaviour.
package benchmark

import (
	"fmt"
	"testing"

	"github.com/quarrylabs/quarry/internal/index"
	"github.com/quarrylabs/quarry/internal/index/postings"
	"github.com/quarrylabs/quarry/pkg/config"
)

var benchFields = []string{"name", "description"}

func benchRecords(n int) []index.Record {
	names := []string{"apple", "banana", "cherry", "dragonfruit", "elderberry", "fig", "grape", "honeydew"}
	records := make([]index.Record, n)
	for i := range records {
		records[i] = index.Record{
			"name":        fmt.Sprintf("%s-%d", names[i%len(names)], i),
			"description": fmt.Sprintf("fresh %s from batch %d, hand picked and sorted", names[i%len(names)], i/len(names)),
		}
	}
	return records
}

// BenchmarkEngineBuild measures full index construction at various corpus
// sizes.
func BenchmarkEngineBuild(b *testing.B) {
	sizes := []int{100, 1000, 10000}
	for _, size := range sizes {
		b.Run(fmt.Sprintf("records_%d", size), func(b *testing.B) {
			records := benchRecords(size)
			cfg := config.IndexConfig{EnableIndexing: true, RebuildThreshold: 100}

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				engine := index.NewEngine(cfg)
				engine.Build(records, benchFields)
			}
		})
	}
}

// BenchmarkEngineSearch measures query latency per match mode over 10 000
// records.
func BenchmarkEngineSearch(b *testing.B) {
	engine := index.NewEngine(config.IndexConfig{EnableIndexing: true, RebuildThreshold: 100})
	engine.Build(benchRecords(10000), benchFields)

	modes := []struct {
		mode  index.MatchMode
		query string
	}{
		{index.MatchExact, "apple-42"},
		{index.MatchPrefix, "ban"},
		{index.MatchPartial, "erry"},
		{index.MatchFuzzy, "chery"},
	}

	for _, m := range modes {
		b.Run(string(m.mode), func(b *testing.B) {
			opts := index.SearchOptions{Mode: m.mode, MaxResults: 10}
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				results, err := engine.Search(m.query, opts)
				if err != nil {
					b.Fatal(err)
				}
				_ = results
			}
		})
	}
}

// BenchmarkEngineSearchParallel measures concurrent read throughput under
// a shared registry guard.
func BenchmarkEngineSearchParallel(b *testing.B) {
	registry := index.NewRegistry()
	cfg := config.IndexConfig{EnableIndexing: true, RebuildThreshold: 100}
	engine := registry.Get("bench", cfg)
	engine.Build(benchRecords(10000), benchFields)
	guard := registry.Guard("bench")

	opts := index.SearchOptions{Mode: index.MatchPrefix, MaxResults: 10}
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			guard.RLock()
			results, err := engine.Search("app", opts)
			guard.RUnlock()
			if err != nil {
				b.Fatal(err)
			}
			_ = results
		}
	})
}

// BenchmarkEngineUpdate measures incremental append throughput against a
// pre-built index. The rebuild threshold is kept high so the benchmark
// measures the incremental path, not full rebuilds.
func BenchmarkEngineUpdate(b *testing.B) {
	engine := index.NewEngine(config.IndexConfig{EnableIndexing: true, RebuildThreshold: 1 << 30})
	engine.Build(benchRecords(1000), benchFields)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		err := engine.Update([]index.Change{{
			Op: index.OpAdd,
			Record: index.Record{
				"name":        fmt.Sprintf("bench-%d", i),
				"description": "incremental benchmark record",
			},
		}})
		if err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkPostingsIndex measures raw posting-store insert throughput.
func BenchmarkPostingsIndex(b *testing.B) {
	store := postings.NewStore()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		store.Index("name", fmt.Sprintf("record value %d", i), postings.DocID(i))
	}
}

// BenchmarkPostingsRemove measures single-document removal cost in a store
// holding 10 000 documents.
func BenchmarkPostingsRemove(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		store := postings.NewStore()
		for d := 0; d < 10000; d++ {
			store.Index("name", fmt.Sprintf("value %d", d), postings.DocID(d))
		}
		b.StartTimer()
		store.Remove(postings.DocID(i % 10000))
	}
}
