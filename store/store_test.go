package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	durable "github.com/goliatone/go-durable"
)

func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			db, err := OpenSQL(DialectSQLite, filepath.Join(t.TempDir(), "durable.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.Close() })
			s := NewSQLStore(db, DialectSQLite, WithSQLTablePrefix("test"))
			require.NoError(t, s.Migrate(context.Background()))
			return s
		},
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return NewRedisStore(client, WithRedisKeyPrefix("test"))
		},
	}
}

func newTestInstance(id string) *durable.Instance {
	return &durable.Instance{
		ID:        id,
		Name:      "chaining",
		Input:     []byte(`"Tokyo"`),
		CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func startedEvent() durable.Event {
	return durable.NewExecutionStarted("chaining", []byte(`"Tokyo"`), nil, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
}

func TestStoreConformance(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("create and read", func(t *testing.T) {
				testCreateAndRead(t, factory(t))
			})
			t.Run("append with expected version", func(t *testing.T) {
				testAppendVersioning(t, factory(t))
			})
			t.Run("reset starts new generation", func(t *testing.T) {
				testResetGeneration(t, factory(t))
			})
			t.Run("list filters", func(t *testing.T) {
				testListFilters(t, factory(t))
			})
			t.Run("concurrent appends conflict", func(t *testing.T) {
				testConcurrentAppends(t, factory(t))
			})
		})
	}
}

func testCreateAndRead(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newTestInstance("i-1"), []durable.Event{startedEvent()}))

	err := s.Create(ctx, newTestInstance("i-1"), []durable.Event{startedEvent()})
	require.Error(t, err)
	assert.True(t, durable.HasCode(err, durable.CodeInstanceExists))

	inst, err := s.Load(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, durable.StatusPending, inst.Status)
	assert.Equal(t, int64(1), inst.Version)
	assert.Equal(t, 1, inst.Generation)

	history, err := s.Read(ctx, "i-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, durable.EventExecutionStarted, history[0].Kind)
	assert.Equal(t, int64(1), history[0].Sequence)

	_, err = s.Load(ctx, "missing")
	assert.True(t, durable.HasCode(err, durable.CodeInstanceNotFound))
}

func testAppendVersioning(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newTestInstance("i-2"), []durable.Event{startedEvent()}))

	version, err := s.Append(ctx, AppendRequest{
		InstanceID:      "i-2",
		ExpectedVersion: 1,
		Status:          durable.StatusRunning,
		Events: []durable.Event{
			durable.NewOrchestratorStarted(time.Now()),
			{Kind: durable.EventActivityScheduled, TaskID: 1, Name: "say_hello", Payload: []byte(`"Tokyo"`)},
		},
		CustomStatus: []byte(`"step-1"`),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), version)

	_, err = s.Append(ctx, AppendRequest{
		InstanceID:      "i-2",
		ExpectedVersion: 1,
		Status:          durable.StatusRunning,
		Events:          []durable.Event{{Kind: durable.EventActivityCompleted, TaskID: 1}},
	})
	require.Error(t, err)
	assert.True(t, durable.HasCode(err, durable.CodeConcurrencyConflict))

	inst, err := s.Load(ctx, "i-2")
	require.NoError(t, err)
	assert.Equal(t, durable.StatusRunning, inst.Status)
	assert.Equal(t, int64(3), inst.Version)
	assert.JSONEq(t, `"step-1"`, string(inst.CustomStatus))

	history, err := s.Read(ctx, "i-2")
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, evt := range history {
		assert.Equal(t, int64(i+1), evt.Sequence)
	}
	assert.Equal(t, "say_hello", history[2].Name)
	assert.Equal(t, []byte(`"Tokyo"`), history[2].Payload)

	_, err = s.Append(ctx, AppendRequest{InstanceID: "nope", Status: durable.StatusRunning})
	assert.True(t, durable.HasCode(err, durable.CodeInstanceNotFound))
}

func testResetGeneration(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newTestInstance("i-3"), []durable.Event{startedEvent()}))

	version, err := s.Append(ctx, AppendRequest{
		InstanceID:      "i-3",
		ExpectedVersion: 1,
		Status:          durable.StatusContinuedAsNew,
		Reset:           true,
		Input:           []byte(`2`),
		Events: []durable.Event{
			durable.NewExecutionStarted("chaining", []byte(`2`), nil, time.Now()),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	inst, err := s.Load(ctx, "i-3")
	require.NoError(t, err)
	assert.Equal(t, 2, inst.Generation)
	assert.Equal(t, []byte(`2`), inst.Input)

	history, err := s.Read(ctx, "i-3")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, int64(2), history[0].Sequence)

	archived, err := s.ReadGeneration(ctx, "i-3", 1)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, int64(1), archived[0].Sequence)

	_, err = s.Append(ctx, AppendRequest{InstanceID: "i-3", ExpectedVersion: 2, Status: durable.StatusRunning, Reset: true})
	assert.True(t, durable.HasCode(err, durable.CodeInvalidInput))
}

func testListFilters(t *testing.T, s Store) {
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		inst := newTestInstance(id)
		inst.CreatedAt = inst.CreatedAt.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.Create(ctx, inst, []durable.Event{startedEvent()}))
	}
	_, err := s.Append(ctx, AppendRequest{
		InstanceID:      "b",
		ExpectedVersion: 1,
		Status:          durable.StatusCompleted,
		Events:          []durable.Event{{Kind: durable.EventExecutionCompleted}},
	})
	require.NoError(t, err)

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, "c", all[2].ID)

	open, err := s.List(ctx, NonTerminal())
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "a", open[0].ID)
	assert.Equal(t, "c", open[1].ID)

	limited, err := s.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func testConcurrentAppends(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newTestInstance("race"), []durable.Event{startedEvent()}))

	const writers = 8
	var wg sync.WaitGroup
	results := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Append(ctx, AppendRequest{
				InstanceID:      "race",
				ExpectedVersion: 1,
				Status:          durable.StatusRunning,
				Events:          []durable.Event{durable.NewOrchestratorStarted(time.Now())},
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, durable.HasCode(err, durable.CodeConcurrencyConflict), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, succeeded)

	history, err := s.Read(ctx, "race")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}
