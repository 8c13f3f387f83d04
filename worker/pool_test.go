package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/runner"
	"github.com/goliatone/go-durable/scheduler"
)

type sinkRecorder struct {
	mu          sync.Mutex
	completions []durable.Completion
	failFirst   int
}

func (s *sinkRecorder) Complete(_ context.Context, c durable.Completion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFirst > 0 {
		s.failFirst--
		return durable.NewError(durable.ErrConcurrencyConflict, "", nil, nil)
	}
	s.completions = append(s.completions, c)
	return nil
}

func (s *sinkRecorder) byTask(taskID int64) (durable.Completion, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.completions {
		if c.TaskID == taskID {
			return c, true
		}
	}
	return durable.Completion{}, false
}

func (s *sinkRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completions)
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry(nil)
	require.NoError(t, Register(reg, "say_hello", func(_ context.Context, city string) (string, error) {
		return "Hello " + city, nil
	}))
	require.NoError(t, Register(reg, "fail", func(_ context.Context, _ string) (string, error) {
		return "", errors.New("downstream unavailable")
	}))
	require.NoError(t, reg.Register("panic", func(context.Context, []byte) ([]byte, error) {
		panic("boom")
	}))
	require.NoError(t, reg.Register("block", func(ctx context.Context, _ []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	require.NoError(t, reg.Register("info", func(ctx context.Context, _ []byte) ([]byte, error) {
		info, ok := InfoFromContext(ctx)
		if !ok {
			return nil, errors.New("missing info")
		}
		return []byte(`"` + info.InstanceID + `"`), nil
	}))
	return reg
}

func startPool(t *testing.T, pool *Pool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func item(taskID int64, name, input string) scheduler.WorkItem {
	return scheduler.WorkItem{InstanceID: "inst", TaskID: taskID, Kind: durable.CommandScheduleActivity, Name: name, Input: []byte(input), Attempt: 1}
}

func TestPoolRunsActivitiesAndReportsCompletions(t *testing.T) {
	sink := &sinkRecorder{}
	pool := NewPool(newTestRegistry(t), sink, WithConcurrency(2), WithLogger(durable.NopLogger{}))
	startPool(t, pool)

	require.NoError(t, pool.Enqueue(context.Background(), item(1, "say_hello", `"Tokyo"`)))
	require.NoError(t, pool.Enqueue(context.Background(), item(2, "fail", `"x"`)))
	require.NoError(t, pool.Enqueue(context.Background(), item(3, "panic", `null`)))
	require.NoError(t, pool.Enqueue(context.Background(), item(4, "missing", `null`)))
	require.NoError(t, pool.Enqueue(context.Background(), item(5, "info", `null`)))

	require.Eventually(t, func() bool { return sink.count() == 5 }, 2*time.Second, 5*time.Millisecond)

	ok, _ := sink.byTask(1)
	assert.True(t, ok.Succeeded())
	assert.JSONEq(t, `"Hello Tokyo"`, string(ok.Output))

	failed, _ := sink.byTask(2)
	require.NotNil(t, failed.Failure)
	assert.Equal(t, "downstream unavailable", failed.Failure.Message)
	assert.True(t, failed.Failure.Retryable())

	panicked, _ := sink.byTask(3)
	require.NotNil(t, panicked.Failure)
	assert.Equal(t, durable.FailureKindPanic, panicked.Failure.Kind)
	assert.False(t, panicked.Failure.Retryable())

	missing, _ := sink.byTask(4)
	require.NotNil(t, missing.Failure)
	assert.Equal(t, durable.CodeActivityNotRegistered, missing.Failure.Code)
	assert.True(t, missing.Failure.NonRetryable)

	info, _ := sink.byTask(5)
	assert.JSONEq(t, `"inst"`, string(info.Output))

	stats := pool.Stats()
	assert.Equal(t, int64(2), stats.Succeeded)
	assert.Equal(t, int64(3), stats.Failed)
}

func TestPoolEnqueueFailsWhenFull(t *testing.T) {
	pool := NewPool(newTestRegistry(t), &sinkRecorder{}, WithQueueSize(1))
	require.NoError(t, pool.Enqueue(context.Background(), item(1, "say_hello", `"a"`)))
	err := pool.Enqueue(context.Background(), item(2, "say_hello", `"b"`))
	require.Error(t, err)
	assert.True(t, durable.HasCode(err, durable.CodeDispatchFailure))

	child := item(3, "child", `null`)
	child.Kind = durable.CommandScheduleSubOrchestration
	assert.True(t, durable.HasCode(pool.Enqueue(context.Background(), child), durable.CodeDispatchFailure))
}

func TestPoolActivityTimeout(t *testing.T) {
	sink := &sinkRecorder{}
	pool := NewPool(newTestRegistry(t), sink, WithActivityTimeout(20*time.Millisecond), WithLogger(durable.NopLogger{}))
	startPool(t, pool)

	require.NoError(t, pool.Enqueue(context.Background(), item(1, "block", `null`)))
	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	c, _ := sink.byTask(1)
	require.NotNil(t, c.Failure)
	assert.Equal(t, durable.FailureKindTimeout, c.Failure.Kind)
}

func TestPoolCancelInstanceStopsRunningActivity(t *testing.T) {
	sink := &sinkRecorder{}
	pool := NewPool(newTestRegistry(t), sink, WithActivityTimeout(0), WithLogger(durable.NopLogger{}))
	startPool(t, pool)

	require.NoError(t, pool.Enqueue(context.Background(), item(1, "block", `null`)))
	require.Eventually(t, func() bool { return pool.Stats().Running == 1 }, time.Second, 5*time.Millisecond)

	pool.CancelInstance("inst")
	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	c, _ := sink.byTask(1)
	require.NotNil(t, c.Failure)
	assert.Equal(t, durable.FailureKindCanceled, c.Failure.Kind)
}

func TestPoolCancelInstanceSkipsQueuedItems(t *testing.T) {
	sink := &sinkRecorder{}
	pool := NewPool(newTestRegistry(t), sink, WithLogger(durable.NopLogger{}))
	require.NoError(t, pool.Enqueue(context.Background(), item(1, "say_hello", `"a"`)))
	pool.CancelInstance("inst")
	startPool(t, pool)

	require.Eventually(t, func() bool { return pool.Stats().Queued == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Enqueue(context.Background(), item(2, "say_hello", `"b"`)))
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	_, found := sink.byTask(1)
	assert.False(t, found)
}

func TestPoolRetriesCompletionDelivery(t *testing.T) {
	sink := &sinkRecorder{failFirst: 2}
	pool := NewPool(newTestRegistry(t), sink,
		WithLogger(durable.NopLogger{}),
		WithCompletionRetry(3, runner.NoDelayStrategy{}),
	)
	startPool(t, pool)

	require.NoError(t, pool.Enqueue(context.Background(), item(1, "say_hello", `"Seattle"`)))
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestPoolReportsDroppedCompletions(t *testing.T) {
	sink := &sinkRecorder{failFirst: 10}
	dropped := make(chan scheduler.WorkItem, 1)
	pool := NewPool(newTestRegistry(t), sink,
		WithLogger(durable.NopLogger{}),
		WithCompletionRetry(2, runner.NoDelayStrategy{}),
		OnCompletionDropped(func(_ context.Context, item scheduler.WorkItem, err error) {
			assert.Error(t, err)
			dropped <- item
		}),
	)
	startPool(t, pool)

	require.NoError(t, pool.Enqueue(context.Background(), item(4, "say_hello", `"Lima"`)))
	select {
	case got := <-dropped:
		assert.Equal(t, int64(4), got.TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("dropped completion not reported")
	}
	assert.Zero(t, sink.count())
}

func TestPoolSkipsRedeliveryOfRunningActivity(t *testing.T) {
	sink := &sinkRecorder{}
	pool := NewPool(newTestRegistry(t), sink, WithActivityTimeout(0), WithLogger(durable.NopLogger{}))
	startPool(t, pool)

	require.NoError(t, pool.Enqueue(context.Background(), item(1, "block", `null`)))
	require.Eventually(t, func() bool { return pool.Stats().Running == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Enqueue(context.Background(), item(1, "block", `null`)))
	require.Eventually(t, func() bool { return pool.Stats().Queued == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, pool.Stats().Running)

	pool.CancelInstance("inst")
	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestPoolPauseHoldsWork(t *testing.T) {
	sink := &sinkRecorder{}
	pool := NewPool(newTestRegistry(t), sink, WithLogger(durable.NopLogger{}))
	pool.Pause()
	startPool(t, pool)

	require.NoError(t, pool.Enqueue(context.Background(), item(1, "say_hello", `"London"`)))
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, sink.count())

	pool.Resume()
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRegistryRejectsDuplicatesAndUnknown(t *testing.T) {
	reg := newTestRegistry(t)
	err := Register(reg, "say_hello", func(context.Context, string) (string, error) { return "", nil })
	assert.True(t, durable.HasCode(err, durable.CodeInvalidInput))

	_, err = reg.Lookup("nope")
	assert.True(t, durable.HasCode(err, durable.CodeActivityNotRegistered))
	assert.Contains(t, reg.Names(), "say_hello")
}
