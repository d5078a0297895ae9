// Package ingestion defines the request/response types and Kafka event
// schemas used by the record change pipeline.
package ingestion

import "time"

// ChangeRequest is the JSON body accepted by the change HTTP endpoint. It
// describes one mutation against a dataset's record collection.
type ChangeRequest struct {
	Dataset        string         `json:"dataset"`
	Op             string         `json:"op"`
	Position       int            `json:"position"`
	Record         map[string]any `json:"record,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// ChangeResponse is returned to the caller after a change is accepted.
type ChangeResponse struct {
	ChangeID string `json:"change_id"`
	Dataset  string `json:"dataset"`
	Status   string `json:"status"`
}

// ChangeEvent is the Kafka message payload produced after a change is
// persisted. Events are keyed by dataset so one partition carries all of a
// dataset's changes in submission order.
type ChangeEvent struct {
	ChangeID    string         `json:"change_id"`
	Dataset     string         `json:"dataset"`
	Op          string         `json:"op"`
	Position    int            `json:"position"`
	Record      map[string]any `json:"record,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
}
