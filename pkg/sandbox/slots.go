package sandbox

import (
	"context"
	"time"

	"bugfixd/pkg/logx"
)

// SlotPool bounds how many sandboxes run concurrently across the process.
// Acquisition is FIFO in practice because waiters park on the same channel.
type SlotPool struct {
	slots   chan struct{}
	logger  *logx.Logger
	timeout time.Duration
}

// NewSlotPool creates a pool of size slots. Acquire gives up after the
// given timeout; a zero timeout waits for the caller's context only.
func NewSlotPool(size int, timeout time.Duration) *SlotPool {
	if size < 1 {
		size = 1
	}
	return &SlotPool{
		slots:   make(chan struct{}, size),
		timeout: timeout,
		logger:  logx.NewLogger("sandbox-slots"),
	}
}

// Acquire blocks until a slot is free. Returns ErrSlotTimeout when the
// acquire window elapses first; the caller treats that as an
// infrastructure failure, not a verdict on the patch.
func (p *SlotPool) Acquire(ctx context.Context) error {
	acquireCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	select {
	case p.slots <- struct{}{}:
		return nil
	case <-acquireCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Warn("No sandbox slot freed within %s", p.timeout)
		return ErrSlotTimeout
	}
}

// Release frees a slot acquired earlier.
func (p *SlotPool) Release() {
	select {
	case <-p.slots:
	default:
		// Release without a matching acquire is a programming error;
		// swallowing it beats corrupting the pool size.
		p.logger.Error("Slot released without a matching acquire")
	}
}

// InUse returns the number of occupied slots.
func (p *SlotPool) InUse() int {
	return len(p.slots)
}

// Capacity returns the pool size.
func (p *SlotPool) Capacity() int {
	return cap(p.slots)
}
