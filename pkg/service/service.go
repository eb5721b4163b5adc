// Package service is the submission and query surface over the store and
// the queue. It owns input validation and task creation; everything after
// Enqueue belongs to the worker pool.
package service

import (
	"context"
	"errors"
	"fmt"

	"bugfixd/pkg/logx"
	"bugfixd/pkg/metrics"
	"bugfixd/pkg/queue"
	"bugfixd/pkg/store"
	"bugfixd/pkg/task"
)

// ErrUsageUnavailable is returned by Usage when no Prometheus endpoint
// is configured.
var ErrUsageUnavailable = errors.New("usage queries not configured")

// Service accepts task submissions and answers status queries.
type Service struct {
	store  store.TaskStore
	queue  *queue.Queue
	usage  *metrics.QueryService
	logger *logx.Logger
}

// New creates a service over the given store and queue. usage may be nil
// when no Prometheus endpoint is configured.
func New(taskStore store.TaskStore, q *queue.Queue, usage *metrics.QueryService) *Service {
	return &Service{
		store:  taskStore,
		queue:  q,
		usage:  usage,
		logger: logx.NewLogger("service"),
	}
}

// Submit validates the request, persists a new PENDING task, and makes it
// available to the workers. The returned task carries the assigned id.
func (s *Service) Submit(ctx context.Context, req task.SubmitRequest) (*task.Task, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	t := task.New(req)
	if err := s.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("persisting task: %w", err)
	}
	if err := s.queue.Enqueue(t.ID); err != nil {
		// The task record survives; startup reconciliation or a retried
		// submission path will pick it up.
		s.logger.Error("Task %s persisted but not enqueued: %v", t.ID, err)
		return nil, fmt.Errorf("enqueueing task %s: %w", t.ID, err)
	}

	s.logger.Info("Task %s submitted (%s, %s)", t.ID, t.Language, t.RepositoryURL)
	return t, nil
}

// Get returns the full task record, attempt history included.
func (s *Service) Get(ctx context.Context, id string) (*task.Task, error) {
	return s.store.Get(ctx, id)
}

// Cancel requests cancellation of a task. Idempotent: cancelling an
// already-terminal or already-cancel-requested task is a no-op. The
// running worker observes the flag at its next phase boundary or
// sandbox poll.
func (s *Service) Cancel(ctx context.Context, id string) error {
	if err := s.store.RequestCancel(ctx, id); err != nil {
		return err
	}
	s.logger.Info("Cancellation requested for task %s", id)
	return nil
}

// List returns task summaries matching the filter.
func (s *Service) List(ctx context.Context, filter task.Filter) ([]task.Summary, error) {
	return s.store.List(ctx, filter)
}

// Usage returns aggregated generation token and cost usage for one task,
// read back from Prometheus. The task must exist; usage for a task with
// no recorded generation calls is all zeroes.
func (s *Service) Usage(ctx context.Context, id string) (*metrics.TaskUsage, error) {
	if s.usage == nil {
		return nil, ErrUsageUnavailable
	}
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.usage.GetTaskUsage(ctx, id)
}
