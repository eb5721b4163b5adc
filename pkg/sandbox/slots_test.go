package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotPoolAcquireRelease(t *testing.T) {
	p := NewSlotPool(2, time.Second)
	ctx := context.Background()

	require.NoError(t, p.Acquire(ctx))
	require.NoError(t, p.Acquire(ctx))
	assert.Equal(t, 2, p.InUse())
	assert.Equal(t, 2, p.Capacity())

	p.Release()
	assert.Equal(t, 1, p.InUse())
}

func TestSlotPoolAcquireTimesOut(t *testing.T) {
	p := NewSlotPool(1, 50*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, p.Acquire(ctx))

	err := p.Acquire(ctx)
	assert.ErrorIs(t, err, ErrSlotTimeout)
}

func TestSlotPoolAcquireCancelled(t *testing.T) {
	p := NewSlotPool(1, time.Minute)
	require.NoError(t, p.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSlotPoolFreedSlotUnblocksWaiter(t *testing.T) {
	p := NewSlotPool(1, time.Second)
	require.NoError(t, p.Acquire(context.Background()))

	done := make(chan error, 1)
	go func() {
		done <- p.Acquire(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	p.Release()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not unblocked by release")
	}
}
