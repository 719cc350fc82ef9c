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

func TestNew_RequiresWorkerFunc(t *testing.T) {
	_, err := New(DefaultConfig(), nil, nil)
	assert.Error(t, err)
}

func TestPool_ProcessesTasks(t *testing.T) {
	var calls int64
	p, err := New(Config{Workers: 2, QueueSize: 10}, func(ctx context.Context, task *Task) *Result {
		atomic.AddInt64(&calls, 1)
		return &Result{Success: true, Data: task.Payload}
	}, nil)
	require.NoError(t, err)
	p.Start()

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(&Task{ID: "t", Payload: i}))
	}
	for i := 0; i < 5; i++ {
		select {
		case r := <-p.Results():
			assert.True(t, r.Success)
			assert.Equal(t, 1, r.Attempts)
			assert.NotNil(t, r.Task)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for results")
		}
	}

	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, int64(5), atomic.LoadInt64(&calls))
	assert.Equal(t, int64(5), p.Stats().TasksCompleted)
}

func TestPool_SubmitRejectsWhenFull(t *testing.T) {
	release := make(chan struct{})
	p, err := New(Config{Workers: 1, QueueSize: 1}, func(ctx context.Context, task *Task) *Result {
		<-release
		return &Result{Success: true}
	}, nil)
	require.NoError(t, err)

	// Not started: the single slot fills and the next submit is refused.
	require.NoError(t, p.Submit(&Task{ID: "a"}))
	assert.ErrorIs(t, p.Submit(&Task{ID: "b"}), ErrQueueFull)
	assert.Equal(t, int64(1), p.Stats().TasksRejected)

	p.Start()
	close(release)
	require.NoError(t, p.Stop(context.Background()))
	assert.ErrorIs(t, p.Submit(&Task{ID: "c"}), ErrStopped)
}

func TestPool_RetriesOnlyRetryableErrors(t *testing.T) {
	permanent := errors.New("permanent")
	var calls int64
	p, err := New(Config{
		Workers:    1,
		QueueSize:  4,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
		Retryable:  func(err error) bool { return !errors.Is(err, permanent) },
	}, func(ctx context.Context, task *Task) *Result {
		n := atomic.AddInt64(&calls, 1)
		if task.ID == "flaky" && n < 3 {
			return &Result{Error: errors.New("temporary")}
		}
		if task.ID == "broken" {
			return &Result{Error: permanent}
		}
		return &Result{Success: true}
	}, nil)
	require.NoError(t, err)
	p.Start()

	require.NoError(t, p.Submit(&Task{ID: "flaky"}))
	r := <-p.Results()
	assert.True(t, r.Success)
	assert.Equal(t, 3, r.Attempts)

	require.NoError(t, p.Submit(&Task{ID: "broken"}))
	r = <-p.Results()
	assert.False(t, r.Success)
	assert.Equal(t, 1, r.Attempts)
	assert.ErrorIs(t, r.Error, permanent)

	require.NoError(t, p.Stop(context.Background()))
}

func TestPool_RecoversFromPanics(t *testing.T) {
	p, err := New(Config{Workers: 1, QueueSize: 2}, func(ctx context.Context, task *Task) *Result {
		panic("boom")
	}, nil)
	require.NoError(t, err)
	p.Start()

	require.NoError(t, p.Submit(&Task{ID: "p"}))
	r := <-p.Results()
	assert.False(t, r.Success)
	assert.Contains(t, r.Error.Error(), "panicked")

	require.NoError(t, p.Stop(context.Background()))
}

func TestPool_StopCancelsSlowTasksAfterDeadline(t *testing.T) {
	p, err := New(Config{Workers: 1, QueueSize: 1}, func(ctx context.Context, task *Task) *Result {
		<-ctx.Done()
		return &Result{Error: ctx.Err()}
	}, nil)
	require.NoError(t, err)
	p.Start()

	require.NoError(t, p.Submit(&Task{ID: "slow", Context: context.WithoutCancel(context.Background())}))
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Stop(ctx), context.DeadlineExceeded)
}
