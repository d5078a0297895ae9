package index

import (
	"log/slog"
	"sync"

	"github.com/quarrylabs/quarry/pkg/config"
	"github.com/quarrylabs/quarry/pkg/logger"
)

// Registry maps dataset keys to engine instances, one engine per dataset.
// Engines themselves are unsynchronised; the Registry hands out a
// per-dataset RWMutex so a host that mixes readers and writers can
// serialise access without baking locking into the engine.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
	logger  *slog.Logger
}

type registryEntry struct {
	engine *Engine
	guard  sync.RWMutex
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*registryEntry),
		logger:  logger.WithComponent("index-registry"),
	}
}

// Get returns the engine for key, creating one with cfg if absent.
func (r *Registry) Get(key string, cfg config.IndexConfig) *Engine {
	r.mu.RLock()
	entry, ok := r.entries[key]
	r.mu.RUnlock()
	if ok {
		return entry.engine
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[key]; ok {
		return entry.engine
	}
	entry = &registryEntry{engine: NewEngine(cfg)}
	r.entries[key] = entry
	r.logger.Info("engine created",
		"dataset", key,
		"rebuild_threshold", cfg.RebuildThreshold,
		"indexing_enabled", cfg.EnableIndexing,
	)
	return entry.engine
}

// Lookup returns the engine for key without creating one.
func (r *Registry) Lookup(key string) (*Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	return entry.engine, true
}

// Guard returns the per-dataset lock for key, or nil if the dataset does
// not exist. Readers take RLock, mutators take Lock.
func (r *Registry) Guard(key string) *sync.RWMutex {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[key]
	if !ok {
		return nil
	}
	return &entry.guard
}

// Clear resets the engine for key and removes it from the registry.
func (r *Registry) Clear(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[key]
	if !ok {
		return
	}
	entry.guard.Lock()
	entry.engine.Clear()
	entry.guard.Unlock()
	delete(r.entries, key)
	r.logger.Info("engine cleared", "dataset", key)
}

// ClearAll resets and removes every engine.
func (r *Registry) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, entry := range r.entries {
		entry.guard.Lock()
		entry.engine.Clear()
		entry.guard.Unlock()
		delete(r.entries, key)
	}
	r.logger.Info("all engines cleared")
}

// Keys returns the registered dataset keys.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.entries))
	for key := range r.entries {
		keys = append(keys, key)
	}
	return keys
}

// TotalMemoryUsage sums the memory estimates of all engines.
func (r *Registry) TotalMemoryUsage() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total int64
	for _, entry := range r.entries {
		total += entry.engine.MemoryUsage()
	}
	return total
}
