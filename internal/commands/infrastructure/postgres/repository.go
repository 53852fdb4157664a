package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	commands "droidfleet-cloud/internal/commands/domain"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	defaultCommandsTable = "commands"

	uniqueViolation = "23505"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// CommandRepository is a Postgres implementation for commands.
type CommandRepository struct {
	db    *sql.DB
	table string
}

// Option configures the repository.
type Option func(*CommandRepository)

// WithTable overrides the default table name.
func WithTable(table string) Option {
	return func(r *CommandRepository) {
		if table != "" {
			r.table = table
		}
	}
}

// NewCommandRepository constructs a repository.
func NewCommandRepository(db *sql.DB, opts ...Option) *CommandRepository {
	repo := &CommandRepository{db: db, table: defaultCommandsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

const commandColumns = `id, seq, device_id, command_type, params, priority, status, requires_ack,
	execute_at, ttl_seconds, expires_at, claimed_at, completed_at, result, metadata,
	created_at, updated_at`

// Insert writes a new pending command.
func (r *CommandRepository) Insert(ctx context.Context, cmd *commands.Command) error {
	if r == nil || r.db == nil {
		return errors.New("command repo: nil db")
	}
	return r.insert(ctx, r.db, cmd)
}

func (r *CommandRepository) insert(ctx context.Context, q DBTX, cmd *commands.Command) error {
	if cmd == nil {
		return errors.New("command repo: nil command")
	}
	params := cmd.Params
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id, device_id, command_type, params, priority, priority_rank, status, requires_ack,
	execute_at, ttl_seconds, expires_at, metadata, created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
)
RETURNING seq`, r.table)

	err := q.QueryRowContext(ctx, query,
		cmd.ID,
		cmd.DeviceID,
		string(cmd.CommandType),
		string(params),
		string(cmd.Priority),
		cmd.Priority.Rank(),
		string(cmd.Status),
		cmd.RequiresAck,
		cmd.ExecuteAt,
		cmd.TTLSeconds(),
		cmd.ExpiresAt,
		string(cmd.Metadata.JSON()),
		cmd.CreatedAt,
		cmd.UpdatedAt,
	).Scan(&cmd.Seq)
	if isUniqueViolation(err) {
		return commands.ErrDuplicateID
	}
	return err
}

// GetByID fetches a command by id. It returns nil when absent.
func (r *CommandRepository) GetByID(ctx context.Context, id string) (*commands.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	return r.get(ctx, r.db, id)
}

func (r *CommandRepository) get(ctx context.Context, q DBTX, id string) (*commands.Command, error) {
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE id = $1
LIMIT 1`, commandColumns, r.table)
	return scanCommand(q.QueryRowContext(ctx, query, id))
}

// ListEligible returns claimable commands for a device: pending or queued, visible
// at now, not past their deadline, highest priority first, oldest first within a band.
func (r *CommandRepository) ListEligible(ctx context.Context, deviceID string, now time.Time, limit int) ([]commands.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	return r.listEligible(ctx, r.db, deviceID, now, limit, false)
}

func (r *CommandRepository) listEligible(ctx context.Context, q DBTX, deviceID string, now time.Time, limit int, lock bool) ([]commands.Command, error) {
	if limit <= 0 {
		limit = 1
	}
	guard, args := statusGuard(commands.SourceStatuses(commands.EventClaim), 4)
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE device_id = $1 AND execute_at <= $2 AND expires_at > $2 AND status IN (%s)
ORDER BY priority_rank DESC, created_at ASC, seq ASC
LIMIT $3`, commandColumns, r.table, guard)
	if lock {
		query += "\nFOR UPDATE SKIP LOCKED"
	}
	rows, err := q.QueryContext(ctx, query, append([]any{deviceID, now, limit}, args...)...)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// Claim selects eligible rows under SKIP LOCKED and flips each to in_progress with a
// status-guarded update. A row whose update affects nothing was taken by a racing
// poller and is skipped.
func (r *CommandRepository) Claim(ctx context.Context, deviceID string, now time.Time, limit int) ([]commands.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	candidates, err := r.listEligible(ctx, tx, deviceID, now, limit, true)
	if err != nil {
		return nil, err
	}

	guard, guardArgs := statusGuard(commands.SourceStatuses(commands.EventClaim), 4)
	query := fmt.Sprintf(`
UPDATE %s
SET status = $1, claimed_at = $2, updated_at = $2
WHERE id = $3 AND status IN (%s)`, r.table, guard)

	claimed := make([]commands.Command, 0, len(candidates))
	for i := range candidates {
		cmd := candidates[i]
		args := append([]any{string(commands.StatusInProgress), now, cmd.ID}, guardArgs...)
		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		if n, _ := result.RowsAffected(); n != 1 {
			continue
		}
		if err := commands.Apply(&cmd, commands.EventClaim, commands.Change{At: now}); err != nil {
			continue
		}
		claimed = append(claimed, cmd)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

// Transition applies event with a conditional update guarded on the event's source
// statuses. When nothing matches the row is re-read to tell a missing command from a
// rejected transition.
func (r *CommandRepository) Transition(ctx context.Context, id string, event commands.Event, change commands.Change) (*commands.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	return r.transition(ctx, r.db, id, event, change)
}

func (r *CommandRepository) transition(ctx context.Context, q DBTX, id string, event commands.Event, change commands.Change) (*commands.Command, error) {
	sources := commands.SourceStatuses(event)
	if len(sources) == 0 {
		return nil, &commands.InvalidTransitionError{CommandID: id, Event: event}
	}
	at := change.At.UTC()
	sets := []string{"status = $1", "updated_at = $2", "metadata = metadata || $3::jsonb"}
	if commands.StampsClaimedAt(event) {
		sets = append(sets, "claimed_at = COALESCE(claimed_at, $2)")
	}
	if commands.StampsCompletedAt(event) {
		sets = append(sets, "completed_at = COALESCE(completed_at, $2)")
	}
	sets = append(sets, "result = COALESCE($4::jsonb, result)")

	guard, guardArgs := statusGuard(sources, 6)
	query := fmt.Sprintf(`
UPDATE %s
SET %s
WHERE id = $5 AND status IN (%s)
RETURNING %s`, r.table, strings.Join(sets, ", "), guard, commandColumns)

	args := append([]any{
		string(commands.Target(event)),
		at,
		string(change.Metadata.JSON()),
		nullableJSON(change.Result),
		id,
	}, guardArgs...)
	cmd, err := scanCommand(q.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, err
	}
	if cmd != nil {
		return cmd, nil
	}

	current, err := r.get(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, commands.ErrNotFound
	}
	return nil, &commands.InvalidTransitionError{CommandID: id, From: current.Status, Event: event}
}

// ExpireDue expires up to limit non-terminal commands whose deadline is at or before now.
func (r *CommandRepository) ExpireDue(ctx context.Context, now time.Time, limit int) ([]commands.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	if limit <= 0 {
		limit = 100
	}
	guard, guardArgs := statusGuard(commands.SourceStatuses(commands.EventExpire), 4)
	query := fmt.Sprintf(`
UPDATE %[1]s
SET status = $1, completed_at = COALESCE(completed_at, $2), updated_at = $2
WHERE id IN (
	SELECT id FROM %[1]s
	WHERE expires_at <= $2 AND status IN (%[2]s)
	ORDER BY expires_at ASC, seq ASC
	LIMIT $3
	FOR UPDATE SKIP LOCKED
) AND status IN (%[2]s)
RETURNING %[3]s`, r.table, guard, commandColumns)

	args := append([]any{string(commands.StatusExpired), now, limit}, guardArgs...)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// Retry marks id retried and inserts successor in one transaction. If either step
// fails nothing is written and the original keeps its failed record.
func (r *CommandRepository) Retry(ctx context.Context, id string, successor *commands.Command, now time.Time) (*commands.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	if successor == nil {
		return nil, errors.New("command repo: nil successor")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := r.transition(ctx, tx, id, commands.EventRetry, commands.Change{
		At:       now,
		Metadata: commands.Metadata{RetriedAs: successor.ID},
	}); err != nil {
		return nil, err
	}
	if err := r.insert(ctx, tx, successor); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return successor, nil
}

// ListByDevice lists commands newest first.
func (r *CommandRepository) ListByDevice(ctx context.Context, filter commands.ListFilter) ([]commands.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	if filter.DeviceID == "" {
		return nil, errors.New("command repo: device id required")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	where := "device_id = $1"
	args := []any{filter.DeviceID, limit}
	if len(filter.Statuses) > 0 {
		guard, guardArgs := statusGuard(filter.Statuses, 3)
		where += fmt.Sprintf(" AND status IN (%s)", guard)
		args = append(args, guardArgs...)
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE %s
ORDER BY seq DESC
LIMIT $2`, commandColumns, r.table, where)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// statusGuard renders "$n, $n+1, ..." placeholders for statuses.
func statusGuard(statuses []commands.Status, start int) (string, []any) {
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", start+i)
		args[i] = string(status)
	}
	return strings.Join(placeholders, ", "), args
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func collect(rows *sql.Rows) ([]commands.Command, error) {
	defer rows.Close()
	var result []commands.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*commands.Command, error) {
	var cmd commands.Command
	var commandType, priority, status string
	var params, metadata []byte
	var result []byte
	var ttlSeconds int64
	var claimedAt, completedAt sql.NullTime
	if err := row.Scan(
		&cmd.ID,
		&cmd.Seq,
		&cmd.DeviceID,
		&commandType,
		&params,
		&priority,
		&status,
		&cmd.RequiresAck,
		&cmd.ExecuteAt,
		&ttlSeconds,
		&cmd.ExpiresAt,
		&claimedAt,
		&completedAt,
		&result,
		&metadata,
		&cmd.CreatedAt,
		&cmd.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	cmd.CommandType = commands.CommandType(commandType)
	cmd.Priority = commands.Priority(priority)
	cmd.Status = commands.Status(status)
	cmd.Params = params
	cmd.TTL = time.Duration(ttlSeconds) * time.Second
	if len(result) > 0 {
		cmd.Result = result
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &cmd.Metadata); err != nil {
			return nil, fmt.Errorf("command repo: decode metadata: %w", err)
		}
	}
	if claimedAt.Valid {
		t := claimedAt.Time.UTC()
		cmd.ClaimedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		cmd.CompletedAt = &t
	}
	cmd.ExecuteAt = cmd.ExecuteAt.UTC()
	cmd.ExpiresAt = cmd.ExpiresAt.UTC()
	cmd.CreatedAt = cmd.CreatedAt.UTC()
	cmd.UpdatedAt = cmd.UpdatedAt.UTC()
	return &cmd, nil
}
