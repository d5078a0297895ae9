// Package analytics collects query and change telemetry: the searcher emits
// events to Kafka, and the aggregator consumes them into rolling usage
// statistics exposed over HTTP.
package analytics

import "time"

type EventType string

const (
	EventSearch        EventType = "search"
	EventCacheHit      EventType = "cache_hit"
	EventCacheMiss     EventType = "cache_miss"
	EventZeroResult    EventType = "zero_result"
	EventChangeApplied EventType = "change_applied"
)

type SearchEvent struct {
	Type      EventType `json:"type"`
	Dataset   string    `json:"dataset"`
	Query     string    `json:"query"`
	Mode      string    `json:"mode"`
	TotalHits int       `json:"total_hits"`
	Returned  int       `json:"returned"`
	LatencyMs int64     `json:"latency_ms"`
	CacheHit  bool      `json:"cache_hit"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
}

type ChangeAppliedEvent struct {
	Type      EventType `json:"type"`
	Dataset   string    `json:"dataset"`
	Op        string    `json:"op"`
	LatencyMs int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
}
