package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRun_AllTasksComplete(t *testing.T) {
	tasks := make([]*Task, 20)
	for i := range tasks {
		tasks[i] = &Task{ID: fmt.Sprintf("t-%02d", i), Payload: i}
	}

	results, err := Run(context.Background(), Config{Workers: 3}, tasks, func(ctx context.Context, task *Task) *Result {
		return &Result{Success: true, Data: task.Payload.(int) * 2}
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Len(t, results, 20)

	sort.Slice(results, func(i, j int) bool { return results[i].TaskID < results[j].TaskID })
	for i, r := range results {
		assert.Equal(t, fmt.Sprintf("t-%02d", i), r.TaskID)
		assert.True(t, r.Success)
		assert.Equal(t, i*2, r.Data)
	}
}

func TestRun_RetriesThenFails(t *testing.T) {
	var calls atomic.Int32
	boom := errors.New("boom")

	results, err := Run(context.Background(), Config{Workers: 1, MaxRetries: 2, RetryDelay: time.Millisecond},
		[]*Task{{ID: "only"}},
		func(ctx context.Context, task *Task) *Result {
			calls.Add(1)
			return &Result{Error: boom}
		}, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.False(t, results[0].Success)
	assert.ErrorIs(t, results[0].Error, boom)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRun_RetrySucceeds(t *testing.T) {
	var calls atomic.Int32
	results, err := Run(context.Background(), Config{Workers: 2, MaxRetries: 3, RetryDelay: time.Millisecond},
		[]*Task{{ID: "flaky"}},
		func(ctx context.Context, task *Task) *Result {
			if calls.Add(1) < 2 {
				return &Result{Error: errors.New("transient")}
			}
			return &Result{Success: true}
		}, nil)
	require.NoError(t, err)
	assert.True(t, results[0].Success)
	assert.Equal(t, "flaky", results[0].TaskID)
}

func TestRun_PanicFailsOnlyThatTask(t *testing.T) {
	tasks := []*Task{{ID: "bad"}, {ID: "good"}}
	results, err := Run(context.Background(), Config{Workers: 2}, tasks,
		func(ctx context.Context, task *Task) *Result {
			if task.ID == "bad" {
				panic("corrupt medicine")
			}
			return &Result{Success: true}
		}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Len(t, results, 2)

	sort.Slice(results, func(i, j int) bool { return results[i].TaskID < results[j].TaskID })
	assert.False(t, results[0].Success)
	assert.ErrorContains(t, results[0].Error, "worker panic: corrupt medicine")
	assert.True(t, results[1].Success)
}

func TestRun_Empty(t *testing.T) {
	results, err := Run(context.Background(), DefaultConfig(), nil, func(ctx context.Context, task *Task) *Result {
		return &Result{Success: true}
	}, nil)
	assert.NoError(t, err)
	assert.Empty(t, results)
}

func TestPool_SubmitAfterStop(t *testing.T) {
	pool, err := New(DefaultConfig(), func(ctx context.Context, task *Task) *Result {
		return &Result{Success: true}
	}, nil)
	require.NoError(t, err)
	pool.Start()
	require.NoError(t, pool.Stop())

	assert.ErrorIs(t, pool.Submit(context.Background(), &Task{ID: "late"}), ErrPoolStopped)

	_, open := <-pool.Results()
	assert.False(t, open)
}

func TestNew_RequiresFunc(t *testing.T) {
	_, err := New(DefaultConfig(), nil, nil)
	assert.Error(t, err)
}
