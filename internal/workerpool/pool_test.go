package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunsEveryTask(t *testing.T) {
	p := New(context.Background(), 3, 2)
	var count atomic.Int32
	for i := 0; i < 20; i++ {
		require.NoError(t, p.Submit(func(context.Context) error {
			count.Add(1)
			return nil
		}))
	}
	require.NoError(t, p.Wait())
	assert.Equal(t, int32(20), count.Load())
}

func TestCollectsErrors(t *testing.T) {
	errA := errors.New("a failed")
	errB := errors.New("b failed")
	p := New(context.Background(), 2, 4)
	require.NoError(t, p.Submit(func(context.Context) error { return errA }))
	require.NoError(t, p.Submit(func(context.Context) error { return nil }))
	require.NoError(t, p.Submit(func(context.Context) error { return errB }))

	err := p.Wait()
	require.ErrorIs(t, err, errA)
	require.ErrorIs(t, err, errB)
}

func TestSubmitAfterWait(t *testing.T) {
	p := New(context.Background(), 1, 1)
	require.NoError(t, p.Wait())
	assert.ErrorIs(t, p.Submit(func(context.Context) error { return nil }), ErrClosed)
	require.NoError(t, p.Wait())
}

func TestSubmitBlocksUntilSpace(t *testing.T) {
	p := New(context.Background(), 1, 1)
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started
	require.NoError(t, p.Submit(func(context.Context) error { return nil }))

	submitted := make(chan error, 1)
	go func() {
		submitted <- p.Submit(func(context.Context) error { return nil })
	}()

	select {
	case <-submitted:
		t.Fatal("submit returned while the queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-submitted)
	require.NoError(t, p.Wait())
}

func TestSubmitHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := New(ctx, 1, 1)
	release := make(chan struct{})
	require.NoError(t, p.Submit(func(context.Context) error {
		<-release
		return nil
	}))
	require.NoError(t, p.Submit(func(context.Context) error { return nil }))

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := p.Submit(func(context.Context) error { return nil })
	require.ErrorIs(t, err, context.Canceled)

	close(release)
	require.NoError(t, p.Wait())
}

func TestTaskSeesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := New(ctx, 1, 1)
	require.NoError(t, p.Submit(func(ctx context.Context) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}))
	require.ErrorIs(t, p.Wait(), context.Canceled)
}

func TestPanicBecomesError(t *testing.T) {
	p := New(context.Background(), 1, 2)
	var after atomic.Bool
	require.NoError(t, p.Submit(func(context.Context) error { panic("boom") }))
	require.NoError(t, p.Submit(func(context.Context) error {
		after.Store(true)
		return nil
	}))

	err := p.Wait()
	require.ErrorIs(t, err, ErrTaskPanicked)
	assert.Contains(t, err.Error(), "boom")
	assert.True(t, after.Load())
}
