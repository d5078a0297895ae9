// Package publisher persists record changes to PostgreSQL and publishes
// change events to Kafka for the index consumers. Writes are idempotent per
// caller-supplied key.
package publisher

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/quarrylabs/quarry/internal/ingestion"
	apperrors "github.com/quarrylabs/quarry/pkg/errors"
	"github.com/quarrylabs/quarry/pkg/kafka"
	"github.com/quarrylabs/quarry/pkg/logger"
	"github.com/quarrylabs/quarry/pkg/metrics"
	"github.com/quarrylabs/quarry/pkg/postgres"
)

// Publisher coordinates change persistence and Kafka event production.
type Publisher struct {
	db       *postgres.Client
	producer *kafka.Producer
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a Publisher with the given database and Kafka producer.
func New(db *postgres.Client, producer *kafka.Producer, m *metrics.Metrics) *Publisher {
	return &Publisher{
		db:       db,
		producer: producer,
		metrics:  m,
		logger:   logger.WithComponent("change-publisher"),
	}
}

// Submit persists the change in PostgreSQL and publishes a ChangeEvent to
// Kafka, keyed by dataset so each dataset's changes stay ordered. Duplicate
// idempotency keys return the previously accepted change without
// re-insertion.
func (p *Publisher) Submit(ctx context.Context, req *ingestion.ChangeRequest) (*ingestion.ChangeResponse, error) {
	if req.IdempotencyKey != "" {
		existing, err := p.findByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("checking idempotency key: %w", err)
		}
		if existing != nil {
			p.logger.Info("duplicate change detected",
				"idempotency_key", req.IdempotencyKey,
				"existing_id", existing.ChangeID,
			)
			return existing, nil
		}
	}

	payload, err := encodeRecord(req.Record)
	if err != nil {
		return nil, err
	}

	var changeID string
	err = p.db.InTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`INSERT INTO record_changes (dataset, op, position, payload, idempotency_key, status)
		VALUES ($1, $2, $3, $4, $5, 'PENDING')
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id`, req.Dataset, req.Op, req.Position, payload, nullableString(req.IdempotencyKey)).Scan(&changeID)
		if err == sql.ErrNoRows {
			return apperrors.New(apperrors.ErrInvalidInput, 409, "idempotency key already in use")
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("inserting change: %w", err)
	}

	event := kafka.Event{
		Key: req.Dataset,
		Value: ingestion.ChangeEvent{
			ChangeID:    changeID,
			Dataset:     req.Dataset,
			Op:          req.Op,
			Position:    req.Position,
			Record:      req.Record,
			SubmittedAt: time.Now().UTC(),
		},
	}
	if err := p.producer.Publish(ctx, event); err != nil {
		p.logger.Error("failed to publish to kafka, change stuck in PENDING",
			"change_id", changeID,
			"dataset", req.Dataset,
			"error", err,
		)
	}

	if p.metrics != nil {
		p.metrics.ChangesAcceptedTotal.WithLabelValues(req.Dataset, req.Op).Inc()
	}
	return &ingestion.ChangeResponse{
		ChangeID: changeID,
		Dataset:  req.Dataset,
		Status:   "PENDING",
	}, nil
}

// findByIdempotencyKey checks if a change with the given idempotency key
// already exists and returns its status.
func (p *Publisher) findByIdempotencyKey(ctx context.Context, key string) (*ingestion.ChangeResponse, error) {
	var resp ingestion.ChangeResponse
	err := p.db.DB.QueryRowContext(ctx,
		`SELECT id, dataset, status FROM record_changes WHERE idempotency_key=$1`, key).
		Scan(&resp.ChangeID, &resp.Dataset, &resp.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying by idempotency key: %w", err)
	}
	return &resp, nil
}

// encodeRecord serialises the record payload for the JSONB column. Deletes
// carry no record and store NULL.
func encodeRecord(record map[string]any) (any, error) {
	if record == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encoding record payload: %w", err)
	}
	return encoded, nil
}

// nullableString converts a Go string to a sql.NullString, treating the
// empty string as NULL.
func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
