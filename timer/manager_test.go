package timer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	durable "github.com/goliatone/go-durable"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type firedLog struct {
	mu    sync.Mutex
	fired []Timer
	fail  int
}

func (f *firedLog) fire(_ context.Context, t Timer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return errors.New("store unavailable")
	}
	f.fired = append(f.fired, t)
	return nil
}

func (f *firedLog) snapshot() []Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Timer(nil), f.fired...)
}

func TestManagerFiresDueTimersInOrder(t *testing.T) {
	c := &clock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	log := &firedLog{}
	m := NewManager(log.fire, WithClock(c.Now), WithLogger(durable.NopLogger{}))

	assert.True(t, m.Schedule(Timer{InstanceID: "a", Generation: 1, TaskID: 2, FireAt: c.Now().Add(2 * time.Minute)}))
	assert.True(t, m.Schedule(Timer{InstanceID: "a", Generation: 1, TaskID: 1, FireAt: c.Now().Add(time.Minute)}))
	assert.True(t, m.Schedule(Timer{InstanceID: "b", Generation: 1, TaskID: 1, FireAt: c.Now().Add(time.Hour)}))
	assert.False(t, m.Schedule(Timer{InstanceID: "a", Generation: 1, TaskID: 1, FireAt: c.Now().Add(time.Minute)}))

	next, ok := m.Next()
	require.True(t, ok)
	assert.Equal(t, c.Now().Add(time.Minute), next)

	n, err := m.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	c.Advance(2 * time.Minute)
	n, err = m.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	fired := log.snapshot()
	require.Len(t, fired, 2)
	assert.Equal(t, int64(1), fired[0].TaskID)
	assert.Equal(t, int64(2), fired[1].TaskID)
	assert.Len(t, m.Pending(), 1)
}

func TestManagerRetriesFailedFireOnNextTick(t *testing.T) {
	c := &clock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	log := &firedLog{fail: 1}
	m := NewManager(log.fire, WithClock(c.Now), WithLogger(durable.NopLogger{}))
	m.Schedule(Timer{InstanceID: "a", Generation: 1, TaskID: 1, FireAt: c.Now()})

	n, err := m.Tick(context.Background())
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Len(t, m.Pending(), 1)

	n, err = m.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, m.Pending())
}

func TestManagerCancelDropsInstanceTimers(t *testing.T) {
	m := NewManager(func(context.Context, Timer) error { return nil })
	now := time.Now()
	m.Schedule(Timer{InstanceID: "a", Generation: 1, TaskID: 1, FireAt: now.Add(time.Hour)})
	m.Schedule(Timer{InstanceID: "a", Generation: 2, TaskID: 1, FireAt: now.Add(2 * time.Hour)})
	m.Schedule(Timer{InstanceID: "b", Generation: 1, TaskID: 1, FireAt: now.Add(30 * time.Minute)})

	assert.Equal(t, 2, m.Cancel("a"))
	pending := m.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "b", pending[0].InstanceID)
}

func TestManagerStartDrivesTicks(t *testing.T) {
	log := &firedLog{}
	m := NewManager(log.fire, WithLogger(durable.NopLogger{}), WithSweep("@every 1s"))
	m.Schedule(Timer{InstanceID: "a", Generation: 1, TaskID: 1, FireAt: time.Now().Add(-time.Second)})

	require.NoError(t, m.Start(context.Background()))
	require.Error(t, m.Start(context.Background()))
	defer m.Stop(context.Background())

	require.Eventually(t, func() bool { return len(log.snapshot()) == 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestManagerTickRequiresFireFunc(t *testing.T) {
	m := NewManager(nil)
	_, err := m.Tick(context.Background())
	assert.True(t, durable.HasCode(err, durable.CodeInvalidInput))
}
