// Package telemetry records orchestrator and dispatcher metrics with
// OpenTelemetry instruments.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/scheduler"
)

// meterName is the instrumentation scope name for durable metrics.
const meterName = "github.com/goliatone/go-durable"

// Metrics implements orchestrator.Metrics and scheduler.Metrics.
//
// Instruments:
//   - durable.activation.duration (Float64Histogram, seconds): workflow, status, result
//   - durable.activations (Int64Counter): workflow, status, result
//   - durable.concurrency_conflicts (Int64Counter)
//   - durable.non_determinism (Int64Counter): workflow
//   - durable.dispatch.lag (Float64Histogram, seconds)
//   - durable.dispatch.outcomes (Int64Counter): outcome
//   - durable.dispatch.retries (Int64Counter): attempt
type Metrics struct {
	activationDuration metric.Float64Histogram
	activations        metric.Int64Counter
	conflicts          metric.Int64Counter
	nonDeterminism     metric.Int64Counter
	dispatchLag        metric.Float64Histogram
	dispatchOutcomes   metric.Int64Counter
	dispatchRetries    metric.Int64Counter
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	m := &Metrics{}
	var err error
	if m.activationDuration, err = meter.Float64Histogram(
		"durable.activation.duration",
		metric.WithDescription("Duration of one replay activation in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.activations, err = meter.Int64Counter(
		"durable.activations",
		metric.WithDescription("Total number of activations"),
		metric.WithUnit("{activation}"),
	); err != nil {
		return nil, err
	}
	if m.conflicts, err = meter.Int64Counter(
		"durable.concurrency_conflicts",
		metric.WithDescription("Appends rejected by optimistic concurrency"),
		metric.WithUnit("{conflict}"),
	); err != nil {
		return nil, err
	}
	if m.nonDeterminism, err = meter.Int64Counter(
		"durable.non_determinism",
		metric.WithDescription("Instances failed by non-deterministic replay"),
		metric.WithUnit("{instance}"),
	); err != nil {
		return nil, err
	}
	if m.dispatchLag, err = meter.Float64Histogram(
		"durable.dispatch.lag",
		metric.WithDescription("Age of the oldest item claimed by a dispatch cycle in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.dispatchOutcomes, err = meter.Int64Counter(
		"durable.dispatch.outcomes",
		metric.WithDescription("Dispatch hand-off results"),
		metric.WithUnit("{item}"),
	); err != nil {
		return nil, err
	}
	if m.dispatchRetries, err = meter.Int64Counter(
		"durable.dispatch.retries",
		metric.WithDescription("Dispatch hand-offs scheduled for retry"),
		metric.WithUnit("{retry}"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// Global returns metrics on the global MeterProvider.
func Global() (*Metrics, error) {
	return NewMetrics(otel.Meter(meterName))
}

func (m *Metrics) RecordActivation(ctx context.Context, workflow string, status durable.Status, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("workflow", workflow),
		attribute.String("status", string(status)),
		attribute.String("result", result),
	)
	m.activationDuration.Record(ctx, duration.Seconds(), attrs)
	m.activations.Add(ctx, 1, attrs)
}

func (m *Metrics) RecordConflict(ctx context.Context) {
	m.conflicts.Add(ctx, 1)
}

func (m *Metrics) RecordNonDeterminism(ctx context.Context, workflow string) {
	m.nonDeterminism.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", workflow)))
}

func (m *Metrics) RecordDispatchLag(duration time.Duration) {
	m.dispatchLag.Record(context.Background(), duration.Seconds())
}

func (m *Metrics) RecordDispatchOutcome(outcome scheduler.DispatchOutcome) {
	m.dispatchOutcomes.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
}

func (m *Metrics) RecordRetryAttempt(attempt int) {
	m.dispatchRetries.Add(context.Background(), 1, metric.WithAttributes(attribute.Int("attempt", attempt)))
}
