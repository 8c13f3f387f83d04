package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/orchestrator"
	"github.com/goliatone/go-durable/runner"
	"github.com/goliatone/go-durable/scheduler"
	"github.com/goliatone/go-durable/timer"
	"github.com/goliatone/go-durable/worker"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config is the runtime configuration of a durable deployment.
type Config struct {
	Store        StoreConfig        `json:"store" yaml:"store"`
	Codec        string             `json:"codec,omitempty" yaml:"codec,omitempty"`
	Orchestrator OrchestratorConfig `json:"orchestrator" yaml:"orchestrator"`
	Scheduler    SchedulerConfig    `json:"scheduler" yaml:"scheduler"`
	Worker       WorkerConfig       `json:"worker" yaml:"worker"`
	Timer        TimerConfig        `json:"timer" yaml:"timer"`
	Log          LogConfig          `json:"log" yaml:"log"`
}

// StoreConfig selects the event log backend.
type StoreConfig struct {
	Driver      string      `json:"driver" yaml:"driver"`
	DSN         string      `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	TablePrefix string      `json:"table_prefix,omitempty" yaml:"table_prefix,omitempty"`
	Migrate     *bool       `json:"migrate,omitempty" yaml:"migrate,omitempty"`
	Redis       RedisConfig `json:"redis,omitempty" yaml:"redis,omitempty"`
}

// RedisConfig holds connection settings for the redis driver.
type RedisConfig struct {
	Addr     string `json:"addr,omitempty" yaml:"addr,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
}

// OrchestratorConfig tunes activation processing.
type OrchestratorConfig struct {
	ActivationWorkers int           `json:"activation_workers,omitempty" yaml:"activation_workers,omitempty"`
	ConflictRetries   int           `json:"conflict_retries,omitempty" yaml:"conflict_retries,omitempty"`
	BackoffBase       time.Duration `json:"backoff_base,omitempty" yaml:"backoff_base,omitempty"`
	BackoffMax        time.Duration `json:"backoff_max,omitempty" yaml:"backoff_max,omitempty"`
	RecoverySweep     string        `json:"recovery_sweep,omitempty" yaml:"recovery_sweep,omitempty"`
}

// SchedulerConfig tunes work item dispatch.
type SchedulerConfig struct {
	MaxAttempts   int           `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	RetryDelay    time.Duration `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`
	MaxRetryDelay time.Duration `json:"max_retry_delay,omitempty" yaml:"max_retry_delay,omitempty"`
	// BackoffCoefficient multiplies the retry delay after each failed hand-off.
	BackoffCoefficient float64       `json:"backoff_coefficient,omitempty" yaml:"backoff_coefficient,omitempty"`
	PollInterval       time.Duration `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
	// Lease is how long handed-off work may stay unacknowledged before it is
	// handed off again.
	Lease      time.Duration `json:"lease,omitempty" yaml:"lease,omitempty"`
	BatchLimit int           `json:"batch_limit,omitempty" yaml:"batch_limit,omitempty"`
	RateLimit  float64       `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	Burst      int           `json:"burst,omitempty" yaml:"burst,omitempty"`
}

// RetryPolicy is the hand-off retry schedule, with defaults for unset fields.
func (s SchedulerConfig) RetryPolicy() durable.RetryPolicy {
	defaults := Default().Scheduler
	policy := durable.RetryPolicy{
		MaxAttempts:        s.MaxAttempts,
		FirstRetryInterval: s.RetryDelay,
		BackoffCoefficient: s.BackoffCoefficient,
		MaxRetryInterval:   s.MaxRetryDelay,
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = defaults.MaxAttempts
	}
	if policy.FirstRetryInterval <= 0 {
		policy.FirstRetryInterval = defaults.RetryDelay
	}
	if policy.BackoffCoefficient < 1 {
		policy.BackoffCoefficient = defaults.BackoffCoefficient
	}
	return policy
}

// WorkerConfig tunes the activity worker pool.
type WorkerConfig struct {
	Concurrency       int           `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	QueueSize         int           `json:"queue_size,omitempty" yaml:"queue_size,omitempty"`
	ActivityTimeout   time.Duration `json:"activity_timeout,omitempty" yaml:"activity_timeout,omitempty"`
	CompletionRetries int           `json:"completion_retries,omitempty" yaml:"completion_retries,omitempty"`
}

// TimerConfig tunes the durable timer manager.
type TimerConfig struct {
	Sweep string `json:"sweep,omitempty" yaml:"sweep,omitempty"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// Default returns a configuration suitable for a single in-memory process.
func Default() Config {
	return Config{
		Store: StoreConfig{Driver: DriverMemory, TablePrefix: "durable"},
		Codec: "json",
		Orchestrator: OrchestratorConfig{
			ActivationWorkers: 4,
			ConflictRetries:   5,
			BackoffBase:       500 * time.Millisecond,
			BackoffMax:        time.Minute,
			RecoverySweep:     orchestrator.DefaultRecoverySweep,
		},
		Scheduler: SchedulerConfig{
			MaxAttempts:   5,
			RetryDelay:    time.Second,
			MaxRetryDelay:      30 * time.Second,
			BackoffCoefficient: 2,
			PollInterval:       100 * time.Millisecond,
			Lease:              5 * time.Minute,
		},
		Worker: WorkerConfig{
			Concurrency:       4,
			QueueSize:         64,
			CompletionRetries: 3,
		},
		Timer: TimerConfig{Sweep: "@every 1s"},
		Log:   LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads path and parses it with Parse.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes JSON or YAML on top of Default and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	// yaml handles JSON too
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	cfg.normalize()
	return cfg, cfg.Validate()
}

func (c *Config) normalize() {
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	c.Codec = strings.ToLower(strings.TrimSpace(c.Codec))
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
}

// Validate checks that the configuration can be turned into a runtime.
func (c Config) Validate() error {
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if _, err := durable.CodecFor(c.Codec); err != nil {
		return fmt.Errorf("codec: %w", err)
	}
	if c.Orchestrator.ActivationWorkers < 0 {
		return fmt.Errorf("orchestrator: activation_workers must be >= 0")
	}
	if c.Orchestrator.ConflictRetries < 0 {
		return fmt.Errorf("orchestrator: conflict_retries must be >= 0")
	}
	if c.Orchestrator.BackoffMax > 0 && c.Orchestrator.BackoffBase > c.Orchestrator.BackoffMax {
		return fmt.Errorf("orchestrator: backoff_base exceeds backoff_max")
	}
	if c.Scheduler.MaxAttempts < 0 {
		return fmt.Errorf("scheduler: max_attempts must be >= 0")
	}
	if c.Scheduler.BackoffCoefficient != 0 && c.Scheduler.BackoffCoefficient < 1 {
		return fmt.Errorf("scheduler: backoff_coefficient must be >= 1")
	}
	if c.Scheduler.Lease < 0 {
		return fmt.Errorf("scheduler: lease must be >= 0")
	}
	if c.Scheduler.RateLimit < 0 || c.Scheduler.Burst < 0 {
		return fmt.Errorf("scheduler: rate_limit and burst must be >= 0")
	}
	if c.Worker.Concurrency < 0 || c.Worker.QueueSize < 0 {
		return fmt.Errorf("worker: concurrency and queue_size must be >= 0")
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("log: unknown format %q", c.Log.Format)
	}
	return nil
}

// Validate checks driver specific settings.
func (s StoreConfig) Validate() error {
	switch strings.ToLower(strings.TrimSpace(s.Driver)) {
	case "", DriverMemory:
	case DriverSQLite, DriverPostgres:
		if strings.TrimSpace(s.DSN) == "" {
			return fmt.Errorf("%s driver requires dsn", s.Driver)
		}
	case DriverRedis:
		if strings.TrimSpace(s.Redis.Addr) == "" && strings.TrimSpace(s.DSN) == "" {
			return fmt.Errorf("redis driver requires redis.addr or dsn")
		}
	default:
		return fmt.Errorf("unknown driver %q", s.Driver)
	}
	return nil
}

// ShouldMigrate reports whether SQL tables are created on open. Defaults to true.
func (s StoreConfig) ShouldMigrate() bool {
	return s.Migrate == nil || *s.Migrate
}

// RuntimeOptions converts the tuning sections into component options.
func (c Config) RuntimeOptions(logger durable.Logger) (orchestrator.RuntimeOptions, error) {
	codec, err := durable.CodecFor(c.Codec)
	if err != nil {
		return orchestrator.RuntimeOptions{}, err
	}

	orch := []orchestrator.Option{
		orchestrator.WithCodec(codec),
		orchestrator.WithLogger(logger),
		orchestrator.WithRecoverySweep(c.Orchestrator.RecoverySweep),
	}
	if c.Orchestrator.ActivationWorkers > 0 {
		orch = append(orch, orchestrator.WithActivationWorkers(c.Orchestrator.ActivationWorkers))
	}
	if c.Orchestrator.ConflictRetries > 0 {
		orch = append(orch, orchestrator.WithConflictRetries(c.Orchestrator.ConflictRetries, nil))
	}
	if c.Orchestrator.BackoffBase > 0 {
		orch = append(orch, orchestrator.WithBackoff(runner.ExponentialBackoffStrategy{
			Base:   c.Orchestrator.BackoffBase,
			Factor: 2,
			Max:    c.Orchestrator.BackoffMax,
		}))
	}

	sched := []scheduler.Option{
		scheduler.WithLogger(logger),
		scheduler.WithRetryPolicy(c.Scheduler.RetryPolicy()),
		scheduler.WithLeaseDuration(c.Scheduler.Lease),
	}
	if c.Scheduler.PollInterval > 0 {
		sched = append(sched, scheduler.WithRunInterval(c.Scheduler.PollInterval))
	}
	if c.Scheduler.BatchLimit > 0 {
		sched = append(sched, scheduler.WithLimit(c.Scheduler.BatchLimit))
	}
	if c.Scheduler.RateLimit > 0 {
		sched = append(sched, scheduler.WithRateLimit(c.Scheduler.RateLimit, c.Scheduler.Burst))
	}

	work := []worker.Option{worker.WithLogger(logger)}
	if c.Worker.Concurrency > 0 {
		work = append(work, worker.WithConcurrency(c.Worker.Concurrency))
	}
	if c.Worker.QueueSize > 0 {
		work = append(work, worker.WithQueueSize(c.Worker.QueueSize))
	}
	if c.Worker.ActivityTimeout > 0 {
		work = append(work, worker.WithActivityTimeout(c.Worker.ActivityTimeout))
	}
	if c.Worker.CompletionRetries > 0 {
		work = append(work, worker.WithCompletionRetry(c.Worker.CompletionRetries, runner.ExponentialBackoffStrategy{
			Base:   100 * time.Millisecond,
			Factor: 2,
			Max:    5 * time.Second,
		}))
	}

	timers := []timer.Option{timer.WithLogger(logger)}
	if c.Timer.Sweep != "" {
		timers = append(timers, timer.WithSweep(c.Timer.Sweep))
	}

	return orchestrator.RuntimeOptions{
		Orchestrator: orch,
		Dispatcher:   sched,
		Worker:       work,
		Timer:        timers,
	}, nil
}
