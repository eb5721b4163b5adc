// Package worker runs the fixed-size pool that drains the task queue.
// Each worker leases one delivery at a time and drives it through the
// orchestrator; the store's compare-and-set guards make duplicate
// deliveries harmless, so the pool only has to guarantee at-least-once
// processing.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bugfixd/pkg/logx"
	"bugfixd/pkg/queue"
	"bugfixd/pkg/store"
	"bugfixd/pkg/task"
)

// DefaultConcurrency is the pool size used when none is configured.
const DefaultConcurrency = 4

// Runner advances one task to a terminal state or yields. Satisfied by
// the orchestrator.
type Runner interface {
	Run(ctx context.Context, taskID string) error
}

// Reconciler sweeps external state left over from a previous process,
// such as sandbox containers whose worker died.
type Reconciler interface {
	ReconcileStale(ctx context.Context) error
}

// ReconcilerFunc adapts a plain sweep function to Reconciler.
type ReconcilerFunc func(ctx context.Context) error

// ReconcileStale implements Reconciler.
func (f ReconcilerFunc) ReconcileStale(ctx context.Context) error { return f(ctx) }

// Pool drains the queue with a fixed number of workers.
type Pool struct {
	store       store.TaskStore
	queue       *queue.Queue
	runner      Runner
	reconciler  Reconciler
	logger      *logx.Logger
	concurrency int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a pool. reconciler may be nil when there is no external
// state to sweep.
func New(taskStore store.TaskStore, q *queue.Queue, runner Runner, reconciler Reconciler, concurrency int) *Pool {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Pool{
		store:       taskStore,
		queue:       q,
		runner:      runner,
		reconciler:  reconciler,
		logger:      logx.NewLogger("worker-pool"),
		concurrency: concurrency,
	}
}

// Start reconciles leftover state from a previous run, re-enqueues
// interrupted tasks, and launches the workers.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("pool already started")
	}
	p.running = true
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	if err := p.reconcile(runCtx); err != nil {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		cancel()
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	p.logger.Info("Starting %d workers", p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.workerLoop(runCtx, i)
	}
	return nil
}

// Stop cancels the workers and waits for in-flight tasks to reach their
// next persisted state, bounded by ctx.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	p.logger.Info("Stopping worker pool")
	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("Worker pool stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool shutdown: %w", ctx.Err())
	}
}

// reconcile sweeps stale sandbox containers and re-enqueues every task a
// previous process left non-terminal. Redundant enqueues are safe: a
// worker that finds the task already terminal acks and moves on.
func (p *Pool) reconcile(ctx context.Context) error {
	if p.reconciler != nil {
		if err := p.reconciler.ReconcileStale(ctx); err != nil {
			p.logger.Warn("Stale sandbox sweep failed, continuing: %v", err)
		}
	}

	summaries, err := p.store.List(ctx, task.Filter{
		Statuses: []task.Status{
			task.StatusPending,
			task.StatusPlanning,
			task.StatusCoding,
			task.StatusReviewing,
			task.StatusTesting,
		},
	})
	if err != nil {
		return fmt.Errorf("listing interrupted tasks: %w", err)
	}

	for _, s := range summaries {
		if err := p.queue.Enqueue(s.ID); err != nil {
			return fmt.Errorf("re-enqueue task %s: %w", s.ID, err)
		}
	}
	if len(summaries) > 0 {
		p.logger.Info("Re-enqueued %d interrupted task(s)", len(summaries))
	}
	return nil
}

func (p *Pool) workerLoop(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := logx.NewLogger(fmt.Sprintf("worker-%d", id))

	for {
		delivery, err := p.queue.Receive(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return
			}
			logger.Error("Receive failed: %v", err)
			return
		}

		p.process(ctx, logger, delivery)
	}
}

// process runs one delivery to completion. A clean run (terminal task or
// yielded claim race) acks; a shutdown mid-task leaves the delivery to
// the visibility timeout so another instance picks it up; any other
// failure nacks for prompt redelivery.
func (p *Pool) process(ctx context.Context, logger *logx.Logger, delivery queue.Delivery) {
	start := time.Now()
	err := p.runner.Run(ctx, delivery.TaskID)
	switch {
	case err == nil:
		if ackErr := p.queue.Ack(delivery.Receipt); ackErr != nil && !errors.Is(ackErr, queue.ErrUnknownReceipt) {
			logger.Warn("Ack for task %s failed: %v", delivery.TaskID, ackErr)
		}
		logger.Debug("Task %s done in %s", delivery.TaskID, time.Since(start).Round(time.Millisecond))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Shutting down mid-task. The task's persisted state is intact;
		// leave the lease to expire for redelivery elsewhere.
		logger.Info("Task %s interrupted by shutdown, leaving for redelivery", delivery.TaskID)
	case errors.Is(err, store.ErrNotFound):
		// A delivery can outlive its task record only through operator
		// intervention; drop it.
		logger.Warn("Task %s no longer exists, dropping delivery", delivery.TaskID)
		_ = p.queue.Ack(delivery.Receipt)
	default:
		logger.Error("Task %s failed transiently, requeueing: %v", delivery.TaskID, err)
		if nackErr := p.queue.Nack(delivery.Receipt); nackErr != nil && !errors.Is(nackErr, queue.ErrUnknownReceipt) {
			logger.Warn("Nack for task %s failed: %v", delivery.TaskID, nackErr)
		}
	}
}
