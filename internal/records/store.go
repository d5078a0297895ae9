// Package records persists each dataset's record collection in PostgreSQL.
// The table is the durable source the in-memory engines are built from;
// rows are addressed by (dataset, position) and payloads are stored as
// JSONB.
package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/quarrylabs/quarry/internal/index"
	"github.com/quarrylabs/quarry/pkg/logger"
	"github.com/quarrylabs/quarry/pkg/postgres"
	"github.com/quarrylabs/quarry/pkg/resilience"
)

// Store reads and mutates dataset snapshots.
type Store struct {
	db     *postgres.Client
	logger *slog.Logger
}

// NewStore creates a Store over the given database client.
func NewStore(db *postgres.Client) *Store {
	return &Store{
		db:     db,
		logger: logger.WithComponent("record-store"),
	}
}

// Load fetches a dataset's records ordered by position. Transient query
// failures are retried with backoff.
func (s *Store) Load(ctx context.Context, dataset string) ([]index.Record, error) {
	var records []index.Record
	err := resilience.Retry(ctx, "load-records", resilience.RetryConfig{}, func(ctx context.Context) error {
		loaded, err := s.load(ctx, dataset)
		if err != nil {
			return err
		}
		records = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("records loaded", "dataset", dataset, "count", len(records))
	return records, nil
}

func (s *Store) load(ctx context.Context, dataset string) ([]index.Record, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT payload FROM records WHERE dataset = $1 ORDER BY position`, dataset)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close()

	var records []index.Record
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning record payload: %w", err)
		}
		var record index.Record
		if err := json.Unmarshal(payload, &record); err != nil {
			return nil, fmt.Errorf("decoding record payload: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating records: %w", err)
	}
	return records, nil
}

// Count returns the number of records in a dataset.
func (s *Store) Count(ctx context.Context, dataset string) (int, error) {
	var count int
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE dataset = $1`, dataset).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting records: %w", err)
	}
	return count, nil
}

// Append inserts a record at the end of the dataset.
func (s *Store) Append(ctx context.Context, dataset string, record index.Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding record payload: %w", err)
	}
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO records (dataset, position, payload)
		SELECT $1, COALESCE(MAX(position) + 1, 0), $2 FROM records WHERE dataset = $1`,
			dataset, payload)
		return err
	})
}

// Replace overwrites the record at a position.
func (s *Store) Replace(ctx context.Context, dataset string, position int, record index.Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding record payload: %w", err)
	}
	result, err := s.db.DB.ExecContext(ctx,
		`UPDATE records SET payload = $3 WHERE dataset = $1 AND position = $2`,
		dataset, position, payload)
	if err != nil {
		return fmt.Errorf("replacing record: %w", err)
	}
	return requireOneRow(result, dataset, position)
}

// Delete removes the record at a position and closes the gap by shifting
// every following record down by one, mirroring the in-memory splice.
func (s *Store) Delete(ctx context.Context, dataset string, position int) error {
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`DELETE FROM records WHERE dataset = $1 AND position = $2`, dataset, position)
		if err != nil {
			return fmt.Errorf("deleting record: %w", err)
		}
		if err := requireOneRow(result, dataset, position); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE records SET position = position - 1 WHERE dataset = $1 AND position > $2`,
			dataset, position)
		if err != nil {
			return fmt.Errorf("shifting record positions: %w", err)
		}
		return nil
	})
}

func requireOneRow(result sql.Result, dataset string, position int) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("no record at %s[%d]", dataset, position)
	}
	return nil
}
