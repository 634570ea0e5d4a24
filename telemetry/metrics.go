package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// EngineMetrics bundles the engine's instruments. All instruments come
// from the global meter provider, so without a configured provider they
// are no-ops.
type EngineMetrics struct {
	scheduled metric.Int64Counter
	completed metric.Int64Counter
	failed    metric.Int64Counter
	retried   metric.Int64Counter
	cancelled metric.Int64Counter
	timedOut  metric.Int64Counter
	cacheHits metric.Int64Counter
	duration  metric.Float64Histogram
	running   metric.Int64UpDownCounter
}

// NewEngineMetrics creates the engine instrument set.
func NewEngineMetrics() *EngineMetrics {
	meter := otel.Meter(tracerName)

	m := &EngineMetrics{}
	m.scheduled, _ = meter.Int64Counter("taskforge.executions.scheduled",
		metric.WithDescription("Executions accepted for scheduling"))
	m.completed, _ = meter.Int64Counter("taskforge.executions.completed",
		metric.WithDescription("Executions that finished successfully"))
	m.failed, _ = meter.Int64Counter("taskforge.executions.failed",
		metric.WithDescription("Executions that ended failed"))
	m.retried, _ = meter.Int64Counter("taskforge.executions.retried",
		metric.WithDescription("Retry attempts scheduled"))
	m.cancelled, _ = meter.Int64Counter("taskforge.executions.cancelled",
		metric.WithDescription("Executions cancelled"))
	m.timedOut, _ = meter.Int64Counter("taskforge.executions.timeout",
		metric.WithDescription("Executions that hit their timeout"))
	m.cacheHits, _ = meter.Int64Counter("taskforge.cache.hits",
		metric.WithDescription("Workflow cache hits"))
	m.duration, _ = meter.Float64Histogram("taskforge.execution.duration",
		metric.WithDescription("Wall time of execution attempts"),
		metric.WithUnit("s"))
	m.running, _ = meter.Int64UpDownCounter("taskforge.executions.running",
		metric.WithDescription("Executions currently held by workers"))
	return m
}

func (m *EngineMetrics) RecordScheduled(ctx context.Context, priority string) {
	m.scheduled.Add(ctx, 1, metric.WithAttributes(attribute.String("priority", priority)))
}

func (m *EngineMetrics) RecordCompleted(ctx context.Context, seconds float64) {
	m.completed.Add(ctx, 1)
	m.duration.Record(ctx, seconds)
}

func (m *EngineMetrics) RecordFailed(ctx context.Context, reason string) {
	m.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *EngineMetrics) RecordRetried(ctx context.Context, strategy string) {
	m.retried.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", strategy)))
}

func (m *EngineMetrics) RecordCancelled(ctx context.Context) {
	m.cancelled.Add(ctx, 1)
}

func (m *EngineMetrics) RecordTimeout(ctx context.Context) {
	m.timedOut.Add(ctx, 1)
}

func (m *EngineMetrics) RecordCacheHit(ctx context.Context) {
	m.cacheHits.Add(ctx, 1)
}

func (m *EngineMetrics) WorkerStarted(ctx context.Context) {
	m.running.Add(ctx, 1)
}

func (m *EngineMetrics) WorkerFinished(ctx context.Context) {
	m.running.Add(ctx, -1)
}
