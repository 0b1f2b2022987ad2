package logging

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type storeMetrics struct {
	ops      metric.Int64Counter
	duration metric.Int64Histogram
}

func newStoreMetrics(logger pslog.Logger) *storeMetrics {
	meter := otel.Meter("pkt.systems/tpcd/actionlog")
	m := &storeMetrics{}
	var err error

	m.ops, err = meter.Int64Counter(
		"tpcd.actionlog.ops",
		metric.WithDescription("Action log operations by result"),
	)
	logMetricInitError(logger, "tpcd.actionlog.ops", err)

	m.duration, err = meter.Int64Histogram(
		"tpcd.actionlog.duration_ms",
		metric.WithDescription("Action log operation latency"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "tpcd.actionlog.duration_ms", err)

	return m
}

func (m *storeMetrics) record(ctx context.Context, backend, op, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	attrs := metric.WithAttributes(
		attribute.String("tpcd.actionlog.backend", backend),
		attribute.String("tpcd.actionlog.operation", op),
		attribute.String("tpcd.actionlog.result", result),
	)
	if m.ops != nil {
		m.ops.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Milliseconds(), attrs)
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
