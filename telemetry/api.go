// Package telemetry provides simple metrics and span helpers over the
// OpenTelemetry globals. The API is intentionally small: Counter and
// Histogram cover nearly all call sites, Duration is sugar for latencies,
// and AddSpanEvent annotates whatever span is active in the context.
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/apiweaver/apiweaver/telemetry"

var (
	mu         sync.Mutex
	counters   = map[string]metric.Float64Counter{}
	histograms = map[string]metric.Float64Histogram{}
)

// Counter increments a counter metric by 1.
// Labels are provided as key-value pairs.
// Example: Counter("chat.requests", "project", "12")
func Counter(name string, labels ...string) {
	c, err := counterFor(name)
	if err != nil {
		return
	}
	c.Add(context.Background(), 1, metric.WithAttributes(toAttributes(labels)...))
}

// Histogram records a value in a distribution.
// Example: Histogram("executor.step_latency_ms", 125.3, "endpoint", "GET /pets")
func Histogram(name string, value float64, labels ...string) {
	h, err := histogramFor(name)
	if err != nil {
		return
	}
	h.Record(context.Background(), value, metric.WithAttributes(toAttributes(labels)...))
}

// Duration records elapsed time since startTime in milliseconds.
// Example:
//
//	start := time.Now()
//	defer telemetry.Duration("planner.duration_ms", start)
func Duration(name string, startTime time.Time, labels ...string) {
	Histogram(name, float64(time.Since(startTime).Milliseconds()), labels...)
}

// AddSpanEvent adds an event to the span active in ctx, if any.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// StartSpan starts a span from the global tracer.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name)
}

func counterFor(name string) (metric.Float64Counter, error) {
	mu.Lock()
	defer mu.Unlock()
	if c, ok := counters[name]; ok {
		return c, nil
	}
	c, err := otel.Meter(instrumentationName).Float64Counter(name)
	if err != nil {
		return nil, err
	}
	counters[name] = c
	return c, nil
}

func histogramFor(name string) (metric.Float64Histogram, error) {
	mu.Lock()
	defer mu.Unlock()
	if h, ok := histograms[name]; ok {
		return h, nil
	}
	h, err := otel.Meter(instrumentationName).Float64Histogram(name)
	if err != nil {
		return nil, err
	}
	histograms[name] = h
	return h, nil
}

func toAttributes(labels []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}
