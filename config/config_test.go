package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/orchestrator"
	"github.com/goliatone/go-durable/store"
)

func TestParseYAMLOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
store:
  driver: SQLite
  dsn: file:durable.db
codec: msgpack
orchestrator:
  activation_workers: 8
  backoff_base: 250ms
  backoff_max: 10s
scheduler:
  max_attempts: 3
  poll_interval: 50ms
  rate_limit: 20
  burst: 5
worker:
  activity_timeout: 30s
log:
  level: DEBUG
`))
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "durable", cfg.Store.TablePrefix)
	assert.Equal(t, "msgpack", cfg.Codec)
	assert.Equal(t, 8, cfg.Orchestrator.ActivationWorkers)
	assert.Equal(t, 5, cfg.Orchestrator.ConflictRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Orchestrator.BackoffBase)
	assert.Equal(t, 10*time.Second, cfg.Orchestrator.BackoffMax)
	assert.Equal(t, orchestrator.DefaultRecoverySweep, cfg.Orchestrator.RecoverySweep)
	assert.Equal(t, 3, cfg.Scheduler.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Scheduler.PollInterval)
	assert.Equal(t, 20.0, cfg.Scheduler.RateLimit)
	assert.Equal(t, 30*time.Second, cfg.Worker.ActivityTimeout)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Store.ShouldMigrate())
}

func TestParseJSON(t *testing.T) {
	cfg, err := Parse([]byte(`{"store":{"driver":"redis","redis":{"addr":"localhost:6379","prefix":"wf"}},"timer":{"sweep":"@every 5s"}}`))
	require.NoError(t, err)
	assert.Equal(t, DriverRedis, cfg.Store.Driver)
	assert.Equal(t, "wf", cfg.Store.Redis.Prefix)
	assert.Equal(t, "@every 5s", cfg.Timer.Sweep)
	assert.Equal(t, "json", cfg.Codec)
}

func TestParseRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"unknown driver":   "store:\n  driver: cassandra\n",
		"missing dsn":      "store:\n  driver: postgres\n",
		"missing redis":    "store:\n  driver: redis\n",
		"unknown codec":    "codec: xml\n",
		"negative workers": "orchestrator:\n  activation_workers: -1\n",
		"backoff bounds":   "orchestrator:\n  backoff_base: 2m\n  backoff_max: 1m\n",
		"log format":       "log:\n  format: xml\n",
		"bad duration":     "worker:\n  activity_timeout: soon\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestSchedulerRetryPolicy(t *testing.T) {
	cfg, err := Parse([]byte("scheduler:\n  max_attempts: 4\n  retry_delay: 2s\n  backoff_coefficient: 3\n  lease: 90s\n"))
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Scheduler.Lease)

	policy := cfg.Scheduler.RetryPolicy()
	require.NoError(t, policy.Validate())
	assert.Equal(t, 4, policy.MaxAttempts)
	assert.Equal(t, 2*time.Second, policy.Delay(1))
	assert.Equal(t, 6*time.Second, policy.Delay(2))
	assert.Equal(t, 30*time.Second, policy.MaxRetryInterval)

	defaults := SchedulerConfig{}.RetryPolicy()
	assert.Equal(t, 5, defaults.MaxAttempts)
	assert.Equal(t, time.Second, defaults.FirstRetryInterval)
	assert.Equal(t, 2.0, defaults.BackoffCoefficient)

	_, err = Parse([]byte("scheduler:\n  backoff_coefficient: 0.5\n"))
	assert.Error(t, err)
	_, err = Parse([]byte("scheduler:\n  lease: -1s\n"))
	assert.Error(t, err)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "durable.yaml")
	require.NoError(t, os.WriteFile(path, []byte("codec: msgpack\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "msgpack", cfg.Codec)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRuntimeOptionsBuildsWorkingRuntime(t *testing.T) {
	cfg := Default()
	cfg.Codec = "msgpack"
	cfg.Scheduler.RateLimit = 100
	cfg.Worker.ActivityTimeout = time.Second

	opts, err := cfg.RuntimeOptions(durable.NopLogger{})
	require.NoError(t, err)
	assert.NotEmpty(t, opts.Orchestrator)
	assert.NotEmpty(t, opts.Dispatcher)
	assert.NotEmpty(t, opts.Worker)
	assert.NotEmpty(t, opts.Timer)

	o := orchestrator.New(store.NewMemoryStore(), nil, opts.Orchestrator...)
	assert.Equal(t, "msgpack", o.Codec().Name())
}

func TestOpenStoreMemory(t *testing.T) {
	st, closeFn, err := OpenStore(context.Background(), StoreConfig{Driver: DriverMemory})
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &store.MemoryStore{}, st)
}

func TestOpenStoreSQLite(t *testing.T) {
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "durable.db")
	st, closeFn, err := OpenStore(ctx, StoreConfig{Driver: DriverSQLite, DSN: dsn, TablePrefix: "wf"})
	require.NoError(t, err)
	defer closeFn()

	inst := &durable.Instance{ID: "cfg-1", Name: "hello", CreatedAt: time.Now().UTC()}
	started := durable.NewExecutionStarted("hello", nil, nil, inst.CreatedAt)
	require.NoError(t, st.Create(ctx, inst, []durable.Event{started}))
	loaded, err := st.Load(ctx, "cfg-1")
	require.NoError(t, err)
	assert.Equal(t, "hello", loaded.Name)
}

func TestOpenStoreRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	st, closeFn, err := OpenStore(ctx, StoreConfig{Driver: DriverRedis, Redis: RedisConfig{Addr: mr.Addr(), Prefix: "cfg"}})
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &store.RedisStore{}, st)

	_, closeFn2, err := OpenStore(ctx, StoreConfig{Driver: DriverRedis, DSN: "redis://" + mr.Addr() + "/0"})
	require.NoError(t, err)
	defer closeFn2()
}

func TestOpenStoreRejectsInvalidConfig(t *testing.T) {
	_, closeFn, err := OpenStore(context.Background(), StoreConfig{Driver: DriverPostgres})
	require.Error(t, err)
	require.NotNil(t, closeFn)
	assert.NoError(t, closeFn())
}
