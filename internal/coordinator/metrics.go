package coordinator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"

	"pkt.systems/tpcd/internal/actionlog"
	"pkt.systems/tpcd/internal/registry"
)

type coordinatorMetrics struct {
	active           metric.Int64UpDownCounter
	transitions      metric.Int64Counter
	votes            metric.Int64Counter
	resumed          metric.Int64Counter
	deliveries       metric.Int64Counter
	deliveryDuration metric.Int64Histogram
}

func newCoordinatorMetrics(logger pslog.Logger) *coordinatorMetrics {
	meter := otel.Meter("pkt.systems/tpcd/coordinator")
	m := &coordinatorMetrics{}
	var err error

	m.active, err = meter.Int64UpDownCounter(
		"tpcd.coordinator.instances.active",
		metric.WithDescription("Instances that have not been archived yet"),
	)
	logMetricInitError(logger, "tpcd.coordinator.instances.active", err)

	m.transitions, err = meter.Int64Counter(
		"tpcd.coordinator.transitions",
		metric.WithDescription("Phase transitions by target phase"),
	)
	logMetricInitError(logger, "tpcd.coordinator.transitions", err)

	m.votes, err = meter.Int64Counter(
		"tpcd.coordinator.votes",
		metric.WithDescription("Votes recorded by value"),
	)
	logMetricInitError(logger, "tpcd.coordinator.votes", err)

	m.resumed, err = meter.Int64Counter(
		"tpcd.coordinator.resumed",
		metric.WithDescription("Instances resumed from the action log"),
	)
	logMetricInitError(logger, "tpcd.coordinator.resumed", err)

	m.deliveries, err = meter.Int64Counter(
		"tpcd.coordinator.deliveries",
		metric.WithDescription("Delivery attempts by action kind and result"),
	)
	logMetricInitError(logger, "tpcd.coordinator.deliveries", err)

	m.deliveryDuration, err = meter.Int64Histogram(
		"tpcd.coordinator.delivery.duration_ms",
		metric.WithDescription("Time spent delivering one action to a participant"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "tpcd.coordinator.delivery.duration_ms", err)

	return m
}

func (m *coordinatorMetrics) recordActive(ctx context.Context, delta int64) {
	if m == nil || m.active == nil {
		return
	}
	m.active.Add(metricContext(ctx), delta)
}

func (m *coordinatorMetrics) recordTransition(ctx context.Context, phase Phase) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("tpcd.phase", string(phase))))
}

func (m *coordinatorMetrics) recordVote(ctx context.Context, vote registry.Vote) {
	if m == nil || m.votes == nil {
		return
	}
	m.votes.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("tpcd.vote", string(vote))))
}

func (m *coordinatorMetrics) recordResume(ctx context.Context, phase Phase) {
	if m == nil || m.resumed == nil {
		return
	}
	m.resumed.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("tpcd.phase", string(phase))))
}

func (m *coordinatorMetrics) recordDelivery(ctx context.Context, kind actionlog.Kind, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	result := "ok"
	if err != nil {
		result = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("tpcd.action.kind", string(kind)),
		attribute.String("tpcd.delivery.result", result),
	)
	if m.deliveries != nil {
		m.deliveries.Add(ctx, 1, attrs)
	}
	if m.deliveryDuration != nil {
		m.deliveryDuration.Record(ctx, elapsed.Milliseconds(), attrs)
	}
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
