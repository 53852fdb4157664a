package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"droidfleet-cloud/internal/eventing"
)

// ErrDeadLetterNotFound is returned when replaying an unknown event.
var ErrDeadLetterNotFound = errors.New("eventing postgres: dead letter not found")

// DeadLetter is an event the dispatcher gave up on.
type DeadLetter struct {
	EventID     string
	EventType   string
	Error       string
	Attempts    int
	FirstSeenAt time.Time
	LastSeenAt  time.Time
	Envelope    eventing.Envelope
}

// DLQStore keeps events that exhausted their relay attempts.
type DLQStore struct {
	db *sql.DB
}

// NewDLQStore constructs a DLQ store.
func NewDLQStore(db *sql.DB) *DLQStore {
	return &DLQStore{db: db}
}

// RecordFailure inserts env or bumps the existing row for the same event.
func (s *DLQStore) RecordFailure(ctx context.Context, env eventing.Envelope, cause error) error {
	if s == nil || s.db == nil {
		return errNilDB
	}
	if env.EventID == "" {
		return errors.New("eventing postgres: dead letter without event id")
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO dead_letter_events (event_id, event_type, payload, error, first_seen_at, last_seen_at, attempts)
VALUES ($1, $2, $3, $4, $5, $5, 1)
ON CONFLICT (event_id) DO UPDATE SET
	payload = EXCLUDED.payload,
	error = EXCLUDED.error,
	last_seen_at = EXCLUDED.last_seen_at,
	attempts = dead_letter_events.attempts + 1`,
		env.EventID, env.EventType, payload, message, time.Now().UTC())
	return err
}

// List returns dead letters, most recent failure first.
func (s *DLQStore) List(ctx context.Context, limit int) ([]DeadLetter, error) {
	if s == nil || s.db == nil {
		return nil, errNilDB
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT event_id, event_type, error, attempts, first_seen_at, last_seen_at, payload
FROM dead_letter_events
ORDER BY last_seen_at DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var letters []DeadLetter
	for rows.Next() {
		var (
			letter  DeadLetter
			payload []byte
		)
		if err := rows.Scan(&letter.EventID, &letter.EventType, &letter.Error, &letter.Attempts,
			&letter.FirstSeenAt, &letter.LastSeenAt, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &letter.Envelope); err != nil {
			return nil, err
		}
		letters = append(letters, letter)
	}
	return letters, rows.Err()
}

// Replay moves a dead letter back into the outbox as a fresh pending record.
func (s *DLQStore) Replay(ctx context.Context, eventID string) (string, error) {
	if s == nil || s.db == nil {
		return "", errNilDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var payload []byte
	err = tx.QueryRowContext(ctx, `
DELETE FROM dead_letter_events WHERE event_id = $1 RETURNING payload`, eventID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrDeadLetterNotFound
	}
	if err != nil {
		return "", err
	}
	var env eventing.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", err
	}
	id, err := insertOutbox(ctx, tx, env, time.Now().UTC())
	if err != nil {
		return "", err
	}
	return id, tx.Commit()
}
