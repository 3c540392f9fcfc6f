package jobqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"formsight/internal/config"
	"formsight/internal/services"
)

// Store manages job persistence backed by SQLite. It also provides the
// durable key-value layer used for processor resume state.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the queue database. A damaged queue
// file is discarded and recreated empty rather than blocking startup.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := filepath.Join(cfg.Paths.DataDir, "queue.db")
	store, err := openAt(dbPath)
	if err == nil {
		return store, nil
	}
	if !isCorruptDatabase(err) {
		return nil, err
	}
	fmt.Fprintf(os.Stderr, "warn: queue database unreadable, recreating: %v\n", err)
	for _, stale := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
		if rmErr := os.Remove(stale); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, fmt.Errorf("remove corrupt queue db: %w", rmErr)
		}
	}
	return openAt(dbPath)
}

func openAt(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := store.ResetStuckProcessing(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// isCorruptDatabase reports whether an open failure means the file on disk
// is not a usable SQLite database, as opposed to an IO or locking problem.
func isCorruptDatabase(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "not a database") ||
		strings.Contains(msg, "database disk image is malformed") ||
		strings.Contains(msg, "unsupported file format")
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Enqueue persists a new pending job and returns its id. A job that
// already carries the id of a stored job is a no-op.
func (s *Store) Enqueue(ctx context.Context, job *Job) (string, error) {
	if job == nil {
		return "", services.Wrap(services.ErrValidation, "jobqueue", "enqueue", "nil job", nil)
	}
	if err := job.Payload.Validate(); err != nil {
		return "", err
	}
	if !job.Priority.Valid() {
		return "", services.Wrap(services.ErrValidation, "jobqueue", "enqueue",
			fmt.Sprintf("priority %d out of range", job.Priority), nil)
	}
	if job.Condition == "" {
		job.Condition = ConditionAny
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	payload, err := job.Payload.marshal()
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO jobs (
            id, payload, priority, state, condition, retries,
            created_at, updated_at, next_attempt_at
        ) VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		job.ID, payload, int(job.Priority), StatePending, string(job.Condition),
		timestamp, timestamp, timestamp,
	)
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		job.State = StatePending
		job.CreatedAt = now
		job.UpdatedAt = now
		job.NextAttemptAt = now
	}
	return job.ID, nil
}

// GetByID fetches a job, returning a not-found error when absent.
func (s *Store) GetByID(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, selectJobSQL+" WHERE id = ?", id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrNotFound, "jobqueue", "get",
			fmt.Sprintf("job %s not found", id), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// PendingDue lists pending jobs whose backoff window has elapsed, ordered
// by priority then insertion time.
func (s *Store) PendingDue(ctx context.Context, now time.Time) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		selectJobSQL+" WHERE state = ? AND next_attempt_at <= ? ORDER BY priority ASC, created_at ASC, id ASC",
		StatePending, now.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// MarkProcessing transitions a pending job to processing. It reports false
// when the job was claimed or mutated by someone else first.
func (s *Store) MarkProcessing(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET state = ?, updated_at = ?, last_heartbeat = ? WHERE id = ? AND state = ?",
		StateProcessing, now, now, id, StatePending,
	)
	if err != nil {
		return false, fmt.Errorf("mark processing %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark processing %s: %w", id, err)
	}
	return affected > 0, nil
}

// CompleteJob marks a processing job completed.
func (s *Store) CompleteJob(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET state = ?, error_message = NULL, updated_at = ? WHERE id = ?",
		StateCompleted, now, id,
	)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return nil
}

// FailAttempt records a failed attempt. When final is true the job freezes
// in the failed state; otherwise it returns to pending with the retry
// counter advanced and the next attempt deferred to nextAttempt.
func (s *Store) FailAttempt(ctx context.Context, id, message string, retries int, nextAttempt time.Time, final bool) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	state := StatePending
	if final {
		state = StateFailed
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET state = ?, retries = ?, error_message = ?, next_attempt_at = ?, updated_at = ? WHERE id = ?",
		state, retries, nullableString(message), nextAttempt.UTC().Format(time.RFC3339Nano), now, id,
	)
	if err != nil {
		return fmt.Errorf("fail attempt %s: %w", id, err)
	}
	return nil
}

// CancelJob marks a job cancelled, or deletes it when remove is true.
// Cancelling an unknown or already-cancelled job is a no-op.
func (s *Store) CancelJob(ctx context.Context, id string, remove bool) error {
	if remove {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id); err != nil {
			return fmt.Errorf("remove job %s: %w", id, err)
		}
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET state = ?, updated_at = ? WHERE id = ? AND state NOT IN (?, ?)",
		StateCancelled, now, id, StateCompleted, StateCancelled,
	)
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", id, err)
	}
	return nil
}

// List returns jobs filtered by state; with no states it returns everything
// in dispatch order.
func (s *Store) List(ctx context.Context, states ...State) ([]*Job, error) {
	query := selectJobSQL
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		placeholders := makePlaceholders(len(states))
		query += " WHERE state IN (" + placeholders + ")"
		for _, st := range states {
			args = append(args, string(st))
		}
	}
	query += " ORDER BY priority ASC, created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// Stats counts jobs per state.
func (s *Store) Stats(ctx context.Context) (map[State]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT state, COUNT(1) FROM jobs GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[State]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats[State(state)] = count
	}
	return stats, rows.Err()
}

// ClearStates deletes every job in the given states and reports how many
// were removed.
func (s *Store) ClearStates(ctx context.Context, states ...State) (int64, error) {
	if len(states) == 0 {
		return 0, nil
	}
	placeholders := makePlaceholders(len(states))
	args := make([]any, 0, len(states))
	for _, st := range states {
		args = append(args, string(st))
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM jobs WHERE state IN ("+placeholders+")", args...)
	if err != nil {
		return 0, fmt.Errorf("clear jobs: %w", err)
	}
	return res.RowsAffected()
}

// ClearAll deletes every job.
func (s *Store) ClearAll(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM jobs")
	if err != nil {
		return 0, fmt.Errorf("clear all jobs: %w", err)
	}
	return res.RowsAffected()
}

// RetryFailed returns failed jobs to pending with retry counters reset.
// Without ids it retries every failed job.
func (s *Store) RetryFailed(ctx context.Context, ids ...string) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	query := "UPDATE jobs SET state = ?, retries = 0, error_message = NULL, next_attempt_at = ?, updated_at = ? WHERE state = ?"
	args := []any{StatePending, now, now, StateFailed}
	if len(ids) > 0 {
		query += " AND id IN (" + makePlaceholders(len(ids)) + ")"
		for _, id := range ids {
			args = append(args, id)
		}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("retry failed jobs: %w", err)
	}
	return res.RowsAffected()
}

// ResetStuckProcessing rewinds jobs abandoned mid-flight by a previous
// process back to pending.
func (s *Store) ResetStuckProcessing(ctx context.Context) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET state = ?, updated_at = ?, next_attempt_at = ? WHERE state = ?",
		StatePending, now, now, StateProcessing,
	)
	if err != nil {
		return 0, fmt.Errorf("reset stuck jobs: %w", err)
	}
	return res.RowsAffected()
}

// UpdateHeartbeat refreshes the liveness stamp for an in-flight job.
func (s *Store) UpdateHeartbeat(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET last_heartbeat = ? WHERE id = ? AND state = ?",
		now, id, StateProcessing,
	)
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", id, err)
	}
	return nil
}

// Get reads a value from the durable key-value layer.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv_state WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kv get %s: %w", key, err)
	}
	return value, true, nil
}

// Set writes a value to the durable key-value layer.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_state (key, value, updated_at) VALUES (?, ?, ?)
         ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now,
	)
	if err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

// Delete removes a key from the durable key-value layer.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv_state WHERE key = ?", key); err != nil {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

const selectJobSQL = `SELECT id, payload, priority, state, condition, retries,
    error_message, created_at, updated_at, next_attempt_at, last_heartbeat
    FROM jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job           Job
		payload       string
		priority      int
		state         string
		condition     string
		errorMessage  sql.NullString
		createdAt     string
		updatedAt     string
		nextAttemptAt string
		lastHeartbeat sql.NullString
	)
	if err := row.Scan(&job.ID, &payload, &priority, &state, &condition, &job.Retries,
		&errorMessage, &createdAt, &updatedAt, &nextAttemptAt, &lastHeartbeat); err != nil {
		return nil, err
	}
	decoded, err := unmarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	job.Payload = decoded
	job.Priority = Priority(priority)
	job.State = State(state)
	job.Condition = Condition(condition)
	job.ErrorMessage = errorMessage.String
	job.CreatedAt = parseTimestamp(createdAt)
	job.UpdatedAt = parseTimestamp(updatedAt)
	job.NextAttemptAt = parseTimestamp(nextAttemptAt)
	if lastHeartbeat.Valid {
		job.LastHeartbeat = parseTimestamp(lastHeartbeat.String)
	}
	return &job, nil
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func parseTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}

func nullableString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func makePlaceholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
