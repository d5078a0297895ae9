// Package consumer reads change events from Kafka and applies them to the
// in-memory engines through the registry, keeping the PostgreSQL record
// snapshots in step so a restarted engine rebuilds to the same state.
package consumer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quarrylabs/quarry/internal/analytics"
	"github.com/quarrylabs/quarry/internal/index"
	"github.com/quarrylabs/quarry/internal/ingestion"
	"github.com/quarrylabs/quarry/pkg/config"
	apperrors "github.com/quarrylabs/quarry/pkg/errors"
	"github.com/quarrylabs/quarry/pkg/kafka"
	"github.com/quarrylabs/quarry/pkg/logger"
	"github.com/quarrylabs/quarry/pkg/metrics"
	"github.com/quarrylabs/quarry/pkg/resilience"
	"github.com/quarrylabs/quarry/pkg/tracing"
)

// snapshotLoadTimeout bounds the initial record load for a dataset so a
// stalled database cannot wedge the consumer loop.
const snapshotLoadTimeout = 30 * time.Second

// SnapshotLoader supplies the durable record collection an engine is built
// from. *records.Store is the production implementation.
type SnapshotLoader interface {
	Load(ctx context.Context, dataset string) ([]index.Record, error)
}

// ChangeConsumer wraps a Kafka consumer to drive the change-apply pipeline.
type ChangeConsumer struct {
	consumer *kafka.Consumer
	logger   *slog.Logger
}

// New creates a ChangeConsumer backed by the given Kafka consumer.
func New(kafkaConsumer *kafka.Consumer) *ChangeConsumer {
	return &ChangeConsumer{
		consumer: kafkaConsumer,
		logger:   logger.WithComponent("change-consumer"),
	}
}

// Start begins consuming Kafka messages. It blocks until ctx is cancelled.
func (cc *ChangeConsumer) Start(ctx context.Context) error {
	cc.logger.Info("change consumer starting")
	return cc.consumer.Start(ctx)
}

// Mutator persists one applied change to the durable snapshot. *records.Store
// is the production implementation; a nil Mutator skips persistence.
type Mutator interface {
	Append(ctx context.Context, dataset string, record index.Record) error
	Replace(ctx context.Context, dataset string, position int, record index.Record) error
	Delete(ctx context.Context, dataset string, position int) error
}

// HandleMessage returns a Kafka MessageHandler that applies each change
// event to its dataset's engine. Engines are built lazily from the snapshot
// loader on the first event for a dataset. If db is non-nil, the change
// status is updated from PENDING to APPLIED (or FAILED) in PostgreSQL.
//
// Malformed events, unknown datasets, and changes the engine rejects as
// invalid are logged and skipped; they would fail identically on redelivery.
func HandleMessage(reg *index.Registry, loader SnapshotLoader, mutator Mutator,
	cfg config.IndexConfig, datasets map[string][]string, db *sql.DB,
	m *metrics.Metrics, collector *analytics.Collector) kafka.MessageHandler {
	log := logger.WithComponent("change-consumer")
	return func(ctx context.Context, key []byte, value []byte) error {
		start := time.Now()
		event, err := kafka.DecodeJSON[ingestion.ChangeEvent](value)
		if err != nil {
			log.Error("failed to decode change event",
				"error", err,
				"key", string(key),
			)
			return nil
		}

		ctx, span := tracing.StartSpan(ctx, "apply-change", event.ChangeID)
		defer func() {
			span.End()
			span.Log()
		}()
		span.SetAttr("dataset", event.Dataset)
		span.SetAttr("op", event.Op)

		fields, ok := datasets[event.Dataset]
		if !ok {
			log.Error("change for unknown dataset", "dataset", event.Dataset, "change_id", event.ChangeID)
			updateChangeStatus(ctx, db, event.ChangeID, "FAILED", log)
			return nil
		}

		engine := reg.Get(event.Dataset, cfg)
		guard := reg.Guard(event.Dataset)
		guard.Lock()
		defer guard.Unlock()

		if cfg.EnableIndexing && !engine.IsReady() {
			if err := buildFromSnapshot(ctx, engine, loader, event.Dataset, fields, m); err != nil {
				return err
			}
		}

		change, err := toChange(event)
		if err != nil {
			log.Error("change event carries unknown op", "op", event.Op, "change_id", event.ChangeID)
			updateChangeStatus(ctx, db, event.ChangeID, "FAILED", log)
			return nil
		}

		log.Debug("applying change",
			"change_id", event.ChangeID,
			"dataset", event.Dataset,
			"op", event.Op,
		)

		if err := engine.Update([]index.Change{change}); err != nil {
			updateChangeStatus(ctx, db, event.ChangeID, "FAILED", log)
			if errors.Is(err, apperrors.ErrInvalidPosition) || errors.Is(err, apperrors.ErrInvalidInput) {
				log.Error("change rejected by engine",
					"change_id", event.ChangeID,
					"dataset", event.Dataset,
					"error", err,
				)
				return nil
			}
			return fmt.Errorf("applying change %s to %s: %w", event.ChangeID, event.Dataset, err)
		}

		if mutator != nil {
			if err := persistChange(ctx, mutator, event); err != nil {
				return fmt.Errorf("persisting change %s: %w", event.ChangeID, err)
			}
		}
		updateChangeStatus(ctx, db, event.ChangeID, "APPLIED", log)

		if m != nil {
			m.ChangesAppliedTotal.WithLabelValues(string(change.Op)).Inc()
			stats := engine.Stats()
			m.PostingEntries.WithLabelValues(event.Dataset).Set(float64(stats.TotalEntries))
			m.IndexMemoryBytes.WithLabelValues(event.Dataset).Set(float64(stats.MemoryBytes))
		}

		if collector != nil {
			collector.Track(analytics.ChangeAppliedEvent{
				Type:      analytics.EventChangeApplied,
				Dataset:   event.Dataset,
				Op:        event.Op,
				LatencyMs: time.Since(start).Milliseconds(),
				Timestamp: time.Now().UTC(),
			})
		}

		log.Info("change applied",
			"change_id", event.ChangeID,
			"dataset", event.Dataset,
			"op", event.Op,
		)
		return nil
	}
}

// buildFromSnapshot performs the initial build for a dataset's engine.
func buildFromSnapshot(ctx context.Context, engine *index.Engine, loader SnapshotLoader,
	dataset string, fields []string, m *metrics.Metrics) error {
	ctx, span := tracing.StartChildSpan(ctx, "build-from-snapshot")
	defer span.End()

	var recs []index.Record
	if loader != nil {
		err := resilience.WithTimeout(ctx, snapshotLoadTimeout, "snapshot-load", func(ctx context.Context) error {
			loaded, err := loader.Load(ctx, dataset)
			if err != nil {
				return err
			}
			recs = loaded
			return nil
		})
		if err != nil {
			return fmt.Errorf("loading snapshot for %s: %w", dataset, err)
		}
	}
	engine.Build(recs, fields)
	if m != nil {
		m.IndexBuildsTotal.WithLabelValues("initial").Inc()
		m.IndexBuildDuration.Observe(engine.Stats().BuildDuration.Seconds())
		m.ActiveDatasets.Inc()
	}
	return nil
}

func toChange(event ingestion.ChangeEvent) (index.Change, error) {
	var op index.Op
	switch event.Op {
	case string(index.OpAdd):
		op = index.OpAdd
	case string(index.OpUpdate):
		op = index.OpUpdate
	case string(index.OpDelete):
		op = index.OpDelete
	default:
		return index.Change{}, fmt.Errorf("unknown op %q", event.Op)
	}
	return index.Change{Op: op, Position: event.Position, Record: event.Record}, nil
}

func persistChange(ctx context.Context, mutator Mutator, event ingestion.ChangeEvent) error {
	switch event.Op {
	case string(index.OpAdd):
		return mutator.Append(ctx, event.Dataset, event.Record)
	case string(index.OpUpdate):
		return mutator.Replace(ctx, event.Dataset, event.Position, event.Record)
	case string(index.OpDelete):
		return mutator.Delete(ctx, event.Dataset, event.Position)
	default:
		return nil
	}
}

// updateChangeStatus updates the change's status and applied_at timestamp
// in PostgreSQL. If db is nil, the update is silently skipped.
func updateChangeStatus(ctx context.Context, db *sql.DB, changeID, status string, log *slog.Logger) {
	if db == nil {
		return
	}
	_, err := db.ExecContext(ctx,
		`UPDATE record_changes SET status = $1, applied_at = NOW() WHERE id = $2`,
		status, changeID,
	)
	if err != nil {
		log.Error("failed to update change status",
			"change_id", changeID,
			"status", status,
			"error", err,
		)
	}
}
