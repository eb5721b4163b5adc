// Package queue provides the at-least-once work queue feeding the worker
// pool. Deliveries that are not acknowledged within the visibility timeout
// are redelivered; duplicate delivery is resolved downstream by the store's
// compare-and-set guards.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"bugfixd/pkg/logx"
)

var (
	// ErrClosed is returned after Close; no further work can be enqueued
	// or received.
	ErrClosed = errors.New("queue closed")
	// ErrUnknownReceipt is returned when acknowledging a receipt that is
	// not in flight, typically because its visibility expired and the
	// task was redelivered.
	ErrUnknownReceipt = errors.New("unknown delivery receipt")
)

// DefaultVisibilityTimeout bounds how long a delivery may stay
// unacknowledged before it is offered again.
const DefaultVisibilityTimeout = 10 * time.Minute

// Delivery is one leased unit of work. The receipt is only valid until
// the visibility timeout expires.
type Delivery struct {
	TaskID  string
	Receipt string
}

type inflightEntry struct {
	taskID   string
	deadline time.Time
}

// Queue is an in-process at-least-once task queue.
type Queue struct {
	mu         sync.Mutex
	cond       *sync.Cond
	ready      []string
	inflight   map[string]inflightEntry // receipt -> entry
	visibility time.Duration
	closed     bool
	done       chan struct{}
	logger     *logx.Logger
}

// New creates a queue with the given visibility timeout. A zero or
// negative timeout uses DefaultVisibilityTimeout.
func New(visibility time.Duration) *Queue {
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	q := &Queue{
		inflight:   make(map[string]inflightEntry),
		visibility: visibility,
		done:       make(chan struct{}),
		logger:     logx.NewLogger("queue"),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.reapLoop()
	return q
}

// Enqueue makes a task available for delivery.
func (q *Queue) Enqueue(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.ready = append(q.ready, taskID)
	q.cond.Signal()
	return nil
}

// Receive blocks until a task is available, the context is cancelled, or
// the queue is closed. The returned delivery must be acknowledged via Ack
// before its visibility timeout, otherwise the task is redelivered.
func (q *Queue) Receive(ctx context.Context) (Delivery, error) {
	// Wake the cond wait when the caller's context ends.
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return Delivery{}, err
		}
		if q.closed {
			return Delivery{}, ErrClosed
		}
		if len(q.ready) > 0 {
			taskID := q.ready[0]
			q.ready = q.ready[1:]
			receipt := uuid.New().String()
			q.inflight[receipt] = inflightEntry{
				taskID:   taskID,
				deadline: time.Now().Add(q.visibility),
			}
			return Delivery{TaskID: taskID, Receipt: receipt}, nil
		}
		q.cond.Wait()
	}
}

// Ack removes an in-flight delivery so it will not be redelivered.
func (q *Queue) Ack(receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[receipt]; !ok {
		return ErrUnknownReceipt
	}
	delete(q.inflight, receipt)
	return nil
}

// Nack returns an in-flight delivery to the ready list immediately,
// without waiting for its visibility timeout.
func (q *Queue) Nack(receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.inflight[receipt]
	if !ok {
		return ErrUnknownReceipt
	}
	delete(q.inflight, receipt)
	if !q.closed {
		q.ready = append(q.ready, entry.taskID)
		q.cond.Signal()
	}
	return nil
}

// Depth returns the count of ready and in-flight tasks.
func (q *Queue) Depth() (ready, inflight int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready), len(q.inflight)
}

// Close stops the queue. Blocked receivers return ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
	q.cond.Broadcast()
}

// reapLoop redelivers tasks whose visibility timeout has expired.
func (q *Queue) reapLoop() {
	interval := q.visibility / 10
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-q.done:
			return
		case <-ticker.C:
			q.reapExpired()
		}
	}
}

func (q *Queue) reapExpired() {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	for receipt, entry := range q.inflight {
		if now.After(entry.deadline) {
			q.logger.Warn("Delivery for task %s expired, redelivering", entry.taskID)
			delete(q.inflight, receipt)
			q.ready = append(q.ready, entry.taskID)
			q.cond.Signal()
		}
	}
}
