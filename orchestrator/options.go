package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/runner"
)

// DefaultRecoverySweep is the cron spec of the crash-resume sweep.
const DefaultRecoverySweep = "@every 30s"

// Metrics captures observability events of activations.
type Metrics interface {
	RecordActivation(ctx context.Context, workflow string, status durable.Status, duration time.Duration, err error)
	RecordConflict(ctx context.Context)
	RecordNonDeterminism(ctx context.Context, workflow string)
}

type noopMetrics struct{}

func (noopMetrics) RecordActivation(context.Context, string, durable.Status, time.Duration, error) {}
func (noopMetrics) RecordConflict(context.Context)                                                {}
func (noopMetrics) RecordNonDeterminism(context.Context, string)                                  {}

// Option customizes Orchestrator.
type Option func(*Orchestrator)

// WithCodec sets the payload codec for inputs, outputs and events.
func WithCodec(codec durable.Codec) Option {
	return func(o *Orchestrator) {
		o.codec = durable.NormalizeCodec(codec)
	}
}

// WithLogger configures orchestrator logging.
func WithLogger(logger durable.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = durable.NormalizeLogger(logger)
	}
}

// WithClock overrides the time source used for episode timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithActivationWorkers sets how many instances Run activates in parallel.
func WithActivationWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithConflictRetries bounds reloads after a concurrency conflict.
func WithConflictRetries(n int, strategy runner.RetryStrategy) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.conflictRetries = n
		}
		if strategy != nil {
			o.conflictStrategy = runner.CodeStrategy{
				Codes: []string{durable.CodeConcurrencyConflict},
				Next:  strategy,
			}
		}
	}
}

// WithBackoff sets the delay strategy for activations that failed on
// infrastructure errors.
func WithBackoff(strategy runner.RetryStrategy) Option {
	return func(o *Orchestrator) {
		if strategy != nil {
			o.backoff = strategy
		}
	}
}

// WithRecoverySweep sets the cron spec of the recovery sweep. An empty spec
// disables it.
func WithRecoverySweep(spec string) Option {
	return func(o *Orchestrator) {
		o.recoverySpec = spec
	}
}

// WithTracer sets the tracer used for activation spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithMetrics sets the activation metrics sink.
func WithMetrics(metrics Metrics) Option {
	return func(o *Orchestrator) {
		if metrics != nil {
			o.metrics = metrics
		}
	}
}

// WithDispatcher sets where scheduled tasks are handed off.
func WithDispatcher(d WorkDispatcher) Option {
	return func(o *Orchestrator) {
		o.dispatcher = d
	}
}

// WithTimers sets where durable timers are armed.
func WithTimers(t TimerService) Option {
	return func(o *Orchestrator) {
		o.timers = t
	}
}
