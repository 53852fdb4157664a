package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"droidfleet-cloud/internal/eventing"
)

const defaultListLimit = 50

var errNilDB = errors.New("eventing postgres: nil db")

// OutboxStore persists envelopes in event_outbox until the dispatcher relays them.
type OutboxStore struct {
	db *sql.DB
}

// NewOutboxStore constructs an outbox store.
func NewOutboxStore(db *sql.DB) *OutboxStore {
	return &OutboxStore{db: db}
}

// Insert records env as pending and returns the outbox row id.
func (s *OutboxStore) Insert(ctx context.Context, env eventing.Envelope) (string, error) {
	if s == nil || s.db == nil {
		return "", errNilDB
	}
	return insertOutbox(ctx, s.db, env, time.Now().UTC())
}

// ListPending returns pending records in insertion order.
func (s *OutboxStore) ListPending(ctx context.Context, limit int) ([]eventing.OutboxRecord, error) {
	if s == nil || s.db == nil {
		return nil, errNilDB
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, attempts, payload
FROM event_outbox
WHERE status = 'pending'
ORDER BY created_at, id
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []eventing.OutboxRecord
	for rows.Next() {
		var (
			record  eventing.OutboxRecord
			payload []byte
		)
		if err := rows.Scan(&record.ID, &record.Attempts, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &record.Envelope); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// MarkSent flags a pending record as relayed.
func (s *OutboxStore) MarkSent(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return errNilDB
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE event_outbox
SET status = 'sent', sent_at = $1
WHERE id = $2 AND status = 'pending'`, time.Now().UTC(), id)
	return err
}

// MarkFailed counts a failed relay. The record leaves the pending set once
// attempts reaches maxAttempts.
func (s *OutboxStore) MarkFailed(ctx context.Context, id string, maxAttempts int) error {
	if s == nil || s.db == nil {
		return errNilDB
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE event_outbox
SET attempts = attempts + 1,
	status = CASE WHEN attempts + 1 >= $1 THEN 'failed' ELSE 'pending' END
WHERE id = $2 AND status = 'pending'`, maxAttempts, id)
	return err
}

// PruneSent deletes relayed records older than before.
func (s *OutboxStore) PruneSent(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errNilDB
	}
	result, err := s.db.ExecContext(ctx, `
DELETE FROM event_outbox
WHERE status = 'sent' AND sent_at < $1`, before.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertOutbox(ctx context.Context, db execer, env eventing.Envelope, now time.Time) (string, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	id := eventing.NewEventID()
	_, err = db.ExecContext(ctx, `
INSERT INTO event_outbox (id, event_id, event_type, device_id, payload, status, attempts, created_at)
VALUES ($1, $2, $3, $4, $5, 'pending', 0, $6)`,
		id, env.EventID, env.EventType, env.DeviceID, payload, now)
	if err != nil {
		return "", err
	}
	return id, nil
}
