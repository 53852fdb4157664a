package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var errProcessedArgs = errors.New("eventing postgres: event id and consumer required")

// ProcessedStore remembers which consumer handled which event.
type ProcessedStore struct {
	db *sql.DB
}

// NewProcessedStore constructs a processed store.
func NewProcessedStore(db *sql.DB) *ProcessedStore {
	return &ProcessedStore{db: db}
}

// HasProcessed reports whether consumerName already handled eventID.
func (s *ProcessedStore) HasProcessed(ctx context.Context, eventID, consumerName string) (bool, error) {
	if s == nil || s.db == nil {
		return false, errNilDB
	}
	if eventID == "" || consumerName == "" {
		return false, errProcessedArgs
	}
	var exists bool
	err := s.db.QueryRowContext(ctx, `
SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1 AND consumer_name = $2)`,
		eventID, consumerName).Scan(&exists)
	return exists, err
}

// MarkProcessed records that consumerName handled eventID. Repeats are no-ops.
func (s *ProcessedStore) MarkProcessed(ctx context.Context, eventID, consumerName string) error {
	if s == nil || s.db == nil {
		return errNilDB
	}
	if eventID == "" || consumerName == "" {
		return errProcessedArgs
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO processed_events (event_id, consumer_name, processed_at)
VALUES ($1, $2, $3)
ON CONFLICT (event_id, consumer_name) DO NOTHING`, eventID, consumerName, time.Now().UTC())
	return err
}

// PruneBefore forgets markers recorded before the cutoff.
func (s *ProcessedStore) PruneBefore(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errNilDB
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM processed_events WHERE processed_at < $1`, before.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
