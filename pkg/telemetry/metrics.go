package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/conveyorci/conveyor/pkg/domain"
)

var (
	metricsOnce        sync.Once
	metricsInitErr     error
	operationCounter   metric.Int64Counter
	cacheHitCounter    metric.Int64Counter
	violationCounter   metric.Int64Counter
	degradationCounter metric.Int64Counter
	latencyHistogram   metric.Float64Histogram
)

// OperationMetrics captures the fields needed to record a DSL compile or
// execute operation against the process meter.
type OperationMetrics struct {
	EngineID  string
	Operation string
	Outcome   string
	CacheHit  bool
	Degraded  bool
	Duration  time.Duration
}

// RecordOperation emits counters and histograms that describe compile and
// execute behaviour partitioned by engine and outcome.
func RecordOperation(ctx context.Context, m OperationMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("engine.id", m.EngineID),
		attribute.String("dsl.operation", m.Operation),
		attribute.String("dsl.outcome", m.Outcome),
	}

	operationCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if m.CacheHit {
		cacheHitCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.Degraded {
		degradationCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.Duration > 0 {
		latencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}
}

// RecordViolation counts a sandbox resource violation partitioned by kind and
// policy group.
func RecordViolation(ctx context.Context, engineID string, v domain.Violation) {
	if err := ensureMetrics(); err != nil {
		return
	}

	violationCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("engine.id", engineID),
		attribute.String("violation.kind", string(v.Kind)),
		attribute.String("policy.group", v.PolicyGroup),
	))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("conveyor.engine")

		operationCounter, metricsInitErr = meter.Int64Counter(
			"conveyor.dsl.operations_total",
			metric.WithDescription("DSL compile and execute operations partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		cacheHitCounter, metricsInitErr = meter.Int64Counter(
			"conveyor.dsl.cache_hits_total",
			metric.WithDescription("Compilations served from the compiled script cache"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		violationCounter, metricsInitErr = meter.Int64Counter(
			"conveyor.sandbox.violations_total",
			metric.WithDescription("Resource limit violations detected during sandboxed runs"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		degradationCounter, metricsInitErr = meter.Int64Counter(
			"conveyor.dsl.degraded_total",
			metric.WithDescription("Operations that fell back to direct compilation after a cache failure"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		latencyHistogram, metricsInitErr = meter.Float64Histogram(
			"conveyor.dsl.duration_ms",
			metric.WithDescription("Observed DSL operation latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// RecordViolationEvent attaches a coarse-grained violation event to the provided
// span without leaking script contents.
func RecordViolationEvent(span trace.Span, v domain.Violation) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("violation.kind", string(v.Kind)),
		attribute.Int64("violation.observed", v.Observed),
		attribute.Int64("violation.limit", v.Limit),
	}

	if v.PolicyGroup != "" {
		attrs = append(attrs, attribute.String("policy.group", v.PolicyGroup))
	}

	span.AddEvent("sandbox.violation", trace.WithAttributes(attrs...))
}
