package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for durable tracing.
const tracerName = "github.com/goliatone/go-durable"

// Tracer returns the durable tracer of the global TracerProvider. Without a
// configured provider the noop tracer is used.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// TracerFrom returns the durable tracer of provider.
func TracerFrom(provider trace.TracerProvider) trace.Tracer {
	if provider == nil {
		return Tracer()
	}
	return provider.Tracer(tracerName)
}
