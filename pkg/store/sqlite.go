package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"bugfixd/pkg/logx"
	"bugfixd/pkg/task"
)

// SQLiteStore is the SQLite-backed TaskStore implementation.
type SQLiteStore struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open opens (or creates) the task database at the given path.
func Open(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	logger := logx.NewLogger("store")
	logger.Info("Task database initialized: %s", dbPath)

	return &SQLiteStore{db: db, logger: logger}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Create persists a newly submitted task in PENDING.
func (s *SQLiteStore) Create(ctx context.Context, t *task.Task) error {
	if t.Status != task.StatusPending {
		return fmt.Errorf("%w: new tasks must be pending, got %s", ErrInvalidTransition, t.Status)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, repository_url, branch, issue_description, test_command,
			language, status, failure_tag, result_summary, cancel_requested,
			max_attempts, created_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.RepositoryURL, t.Branch, t.IssueDescription, t.TestCommand,
		t.Language, string(t.Status), string(t.FailureTag), t.ResultSummary,
		boolToInt(t.CancelRequested), t.MaxAttempts, t.CreatedAt, t.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create task %s: %w", t.ID, err)
	}
	return nil
}

// Get returns the full task record including its attempts in index order.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, repository_url, branch, issue_description, test_command,
		       language, status, failure_tag, result_summary, cancel_requested,
		       max_attempts, created_at, completed_at
		FROM tasks WHERE id = ?`, id)

	t, err := scanTask(row)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, plan, patch_json, review_json, review_rejections,
		       test_json, retry_json, calls_json, tokens_used, cost_usd
		FROM attempts WHERE task_id = ? ORDER BY idx`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts for task %s: %w", id, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		t.Attempts = append(t.Attempts, *attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate attempts for task %s: %w", id, err)
	}

	return t, nil
}

// CompareAndSet persists the new task state only if the stored status still
// equals expected. The latest attempt row (if any) is written in the same
// transaction so a phase's outputs and its transition commit together.
func (s *SQLiteStore) CompareAndSet(ctx context.Context, id string, expected task.Status, t *task.Task) error {
	if expected.IsTerminal() {
		// Terminal statuses never change; repeated claims observe a conflict.
		return ErrConflict
	}
	if t.Status != expected && !task.CanTransition(expected, t.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, t.Status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := casTaskRow(ctx, tx, id, expected, t); err != nil {
		return err
	}
	if attempt := t.CurrentAttempt(); attempt != nil {
		if err := upsertAttempt(ctx, tx, id, attempt); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit compare-and-set for task %s: %w", id, err)
	}
	return nil
}

// AppendAttempt atomically appends an attempt and applies the status
// transition that introduces it.
func (s *SQLiteStore) AppendAttempt(ctx context.Context, id string, expected task.Status, newStatus task.Status, attempt task.Attempt) error {
	if !task.CanTransition(expected, newStatus) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, newStatus)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count, maxAttempts int
	err = tx.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM attempts WHERE task_id = ?), max_attempts
		FROM tasks WHERE id = ?`, id, id).Scan(&count, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to count attempts for task %s: %w", id, err)
	}
	if count >= maxAttempts {
		return ErrAttemptLimit
	}
	if attempt.Index != count {
		return fmt.Errorf("attempt index %d does not match attempt count %d for task %s", attempt.Index, count, id)
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE tasks SET status = ? WHERE id = ? AND status = ?",
		string(newStatus), id, string(expected))
	if err != nil {
		return fmt.Errorf("failed to transition task %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrConflict
	}

	if err := upsertAttempt(ctx, tx, id, &attempt); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit attempt append for task %s: %w", id, err)
	}
	return nil
}

// RequestCancel marks the task cancellation-requested. Idempotent, and a
// no-op for tasks that already reached a terminal status.
func (s *SQLiteStore) RequestCancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET cancel_requested = 1
		WHERE id = ? AND status NOT IN (?, ?, ?)`,
		id, string(task.StatusSuccess), string(task.StatusFailed), string(task.StatusCancelled))
	if err != nil {
		return fmt.Errorf("failed to request cancel for task %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		// Either unknown or already terminal; distinguish for NotFound.
		var exists int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks WHERE id = ?", id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check task %s: %w", id, err)
		}
		if exists == 0 {
			return ErrNotFound
		}
	}
	return nil
}

// List returns task summaries matching the filter, newest first.
func (s *SQLiteStore) List(ctx context.Context, filter task.Filter) ([]task.Summary, error) {
	query := `
		SELECT t.id, t.status, t.failure_tag, t.created_at, t.completed_at,
		       (SELECT COUNT(*) FROM attempts a WHERE a.task_id = t.id)
		FROM tasks t`
	var conds []string
	var args []any

	if filter.Status != nil {
		conds = append(conds, "t.status = ?")
		args = append(args, string(*filter.Status))
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, fmt.Sprintf("t.status IN (%s)", strings.Join(placeholders, ", ")))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY t.created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var summaries []task.Summary
	for rows.Next() {
		var sum task.Summary
		var status, tag string
		var completedAt sql.NullTime
		if err := rows.Scan(&sum.ID, &status, &tag, &sum.CreatedAt, &completedAt, &sum.AttemptCount); err != nil {
			return nil, fmt.Errorf("failed to scan task summary: %w", err)
		}
		sum.Status = task.Status(status)
		sum.FailureTag = task.FailureTag(tag)
		if completedAt.Valid {
			t := completedAt.Time
			sum.CompletedAt = &t
		}
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate task summaries: %w", err)
	}
	return summaries, nil
}

func casTaskRow(ctx context.Context, tx *sql.Tx, id string, expected task.Status, t *task.Task) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET
			status = ?,
			failure_tag = ?,
			result_summary = ?,
			completed_at = ?
		WHERE id = ? AND status = ?`,
		string(t.Status), string(t.FailureTag), t.ResultSummary, t.CompletedAt,
		id, string(expected))
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks WHERE id = ?", id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check task %s: %w", id, err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func upsertAttempt(ctx context.Context, tx *sql.Tx, taskID string, attempt *task.Attempt) error {
	patchJSON, err := marshalNullable(attempt.Patch)
	if err != nil {
		return fmt.Errorf("failed to marshal patch: %w", err)
	}
	reviewJSON, err := marshalNullable(attempt.Review)
	if err != nil {
		return fmt.Errorf("failed to marshal review: %w", err)
	}
	testJSON, err := marshalNullable(attempt.TestResult)
	if err != nil {
		return fmt.Errorf("failed to marshal test result: %w", err)
	}
	retryJSON, err := marshalNullable(attempt.Retry)
	if err != nil {
		return fmt.Errorf("failed to marshal retry context: %w", err)
	}
	var callsJSON sql.NullString
	if len(attempt.GenerationCalls) > 0 {
		data, err := json.Marshal(attempt.GenerationCalls)
		if err != nil {
			return fmt.Errorf("failed to marshal generation calls: %w", err)
		}
		callsJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO attempts (
			task_id, idx, plan, patch_json, review_json, review_rejections,
			test_json, retry_json, calls_json, tokens_used, cost_usd
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id, idx) DO UPDATE SET
			plan = excluded.plan,
			patch_json = excluded.patch_json,
			review_json = excluded.review_json,
			review_rejections = excluded.review_rejections,
			test_json = excluded.test_json,
			retry_json = excluded.retry_json,
			calls_json = excluded.calls_json,
			tokens_used = excluded.tokens_used,
			cost_usd = excluded.cost_usd`,
		taskID, attempt.Index, attempt.Plan, patchJSON, reviewJSON,
		attempt.ReviewRejections, testJSON, retryJSON, callsJSON,
		attempt.TokensUsed, attempt.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert attempt %d for task %s: %w", attempt.Index, taskID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var t task.Task
	var status, tag string
	var cancelRequested int
	var completedAt sql.NullTime
	err := row.Scan(
		&t.ID, &t.RepositoryURL, &t.Branch, &t.IssueDescription, &t.TestCommand,
		&t.Language, &status, &tag, &t.ResultSummary, &cancelRequested,
		&t.MaxAttempts, &t.CreatedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	t.Status = task.Status(status)
	t.FailureTag = task.FailureTag(tag)
	t.CancelRequested = cancelRequested != 0
	if completedAt.Valid {
		ts := completedAt.Time
		t.CompletedAt = &ts
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

func scanAttempt(row rowScanner) (*task.Attempt, error) {
	var a task.Attempt
	var patchJSON, reviewJSON, testJSON, retryJSON, callsJSON sql.NullString
	err := row.Scan(
		&a.Index, &a.Plan, &patchJSON, &reviewJSON, &a.ReviewRejections,
		&testJSON, &retryJSON, &callsJSON, &a.TokensUsed, &a.CostUSD,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan attempt: %w", err)
	}
	if err := unmarshalNullable(patchJSON, &a.Patch); err != nil {
		return nil, fmt.Errorf("failed to unmarshal patch: %w", err)
	}
	if err := unmarshalNullable(reviewJSON, &a.Review); err != nil {
		return nil, fmt.Errorf("failed to unmarshal review: %w", err)
	}
	if err := unmarshalNullable(testJSON, &a.TestResult); err != nil {
		return nil, fmt.Errorf("failed to unmarshal test result: %w", err)
	}
	if err := unmarshalNullable(retryJSON, &a.Retry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal retry context: %w", err)
	}
	if callsJSON.Valid {
		if err := json.Unmarshal([]byte(callsJSON.String), &a.GenerationCalls); err != nil {
			return nil, fmt.Errorf("failed to unmarshal generation calls: %w", err)
		}
	}
	return &a, nil
}

func marshalNullable[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalNullable[T any](src sql.NullString, dest **T) error {
	if !src.Valid {
		return nil
	}
	var v T
	if err := json.Unmarshal([]byte(src.String), &v); err != nil {
		return err
	}
	*dest = &v
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SetCompletedNow stamps the completion time; helper used when a task
// reaches a terminal status.
func SetCompletedNow(t *task.Task) {
	now := time.Now().UTC()
	t.CompletedAt = &now
}
