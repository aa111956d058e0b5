package wmi

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_Execute(t *testing.T) {
	pool := NewWorkerPool(2, -1)
	boom := errors.New("boom")

	err := pool.Execute(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	var ran atomic.Bool
	require.NoError(t, pool.Execute(context.Background(), func(context.Context) error {
		ran.Store(true)
		return nil
	}))
	assert.True(t, ran.Load())
	pool.Wait()
}

func TestWorkerPool_QueueFull(t *testing.T) {
	pool := NewWorkerPool(1, 0)
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_ = pool.Execute(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := pool.Execute(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrQueueFull)

	close(release)
	pool.Wait()
	active, queued, size := pool.Stats()
	assert.Equal(t, 0, active)
	assert.Equal(t, 0, queued)
	assert.Equal(t, 1, size)
}

func TestWorkerPool_CancelWhileQueued(t *testing.T) {
	pool := NewWorkerPool(1, 1)
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = pool.Execute(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Execute(ctx, func(context.Context) error {
		t.Error("queued call must not run after cancellation")
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	pool.Wait()
}

func TestWorkerPool_CancelWhileRunning(t *testing.T) {
	pool := NewWorkerPool(1, -1)
	release := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := pool.Execute(ctx, func(context.Context) error {
		<-release
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	// The call keeps its worker until it returns.
	active, _, _ := pool.Stats()
	assert.Equal(t, 1, active)
	close(release)
	pool.Wait()
	active, _, _ = pool.Stats()
	assert.Equal(t, 0, active)
}

func TestDefaultExecutor(t *testing.T) {
	t.Cleanup(func() { SetDefaultExecutor(nil) })
	assert.IsType(t, InlineExecutor{}, DefaultExecutor())

	pool := NewWorkerPool(4, -1)
	SetDefaultExecutor(pool)
	assert.Same(t, pool, DefaultExecutor())

	f := newFixture(t)
	conn := f.connect(t)
	assert.Same(t, pool, conn.exec)

	SetDefaultExecutor(nil)
	assert.IsType(t, InlineExecutor{}, DefaultExecutor())
}
