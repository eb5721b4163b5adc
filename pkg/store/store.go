// Package store provides durable task storage with a compare-and-set
// discipline: every mutation is a single atomic read-modify-write guarded
// by the status the caller last observed.
package store

import (
	"context"
	"errors"

	"bugfixd/pkg/task"
)

var (
	// ErrNotFound is returned when the task id is unknown.
	ErrNotFound = errors.New("task not found")
	// ErrConflict is returned when a compare-and-set guard does not match
	// the stored status. The caller lost a claim race and must stop
	// advancing the task; this is not surfaced to users.
	ErrConflict = errors.New("task status conflict")
	// ErrInvalidTransition is returned when the requested status change is
	// not in the transition table.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrAttemptLimit is returned when appending an attempt would exceed
	// the task's max_attempts budget.
	ErrAttemptLimit = errors.New("attempt limit exceeded")
)

// TaskStore is the durable task-record contract consumed by the
// orchestrator and the service layer.
type TaskStore interface {
	// Create persists a newly submitted task in PENDING.
	Create(ctx context.Context, t *task.Task) error

	// Get returns the full task record, attempts included.
	Get(ctx context.Context, id string) (*task.Task, error)

	// CompareAndSet persists the new task state only if the stored status
	// still equals expected. The latest attempt's fields are written in
	// the same transaction. Returns ErrConflict on a guard mismatch.
	CompareAndSet(ctx context.Context, id string, expected task.Status, t *task.Task) error

	// AppendAttempt atomically appends an attempt and applies the status
	// transition that introduces it, guarded by expected. The attempt
	// counter can never be double-incremented because the append and the
	// transition commit together.
	AppendAttempt(ctx context.Context, id string, expected task.Status, newStatus task.Status, attempt task.Attempt) error

	// RequestCancel marks the task cancellation-requested. Idempotent;
	// a no-op when the task is already terminal.
	RequestCancel(ctx context.Context, id string) error

	// List returns task summaries matching the filter.
	List(ctx context.Context, filter task.Filter) ([]task.Summary, error)

	// Close releases the underlying storage.
	Close() error
}
