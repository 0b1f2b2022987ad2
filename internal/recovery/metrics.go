package recovery

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"

	"pkt.systems/tpcd/internal/coordinator"
)

type recoveryMetrics struct {
	instances    metric.Int64Counter
	scanDuration metric.Int64Histogram
}

func newRecoveryMetrics(logger pslog.Logger) *recoveryMetrics {
	meter := otel.Meter("pkt.systems/tpcd/recovery")
	m := &recoveryMetrics{}
	var err error

	m.instances, err = meter.Int64Counter(
		"tpcd.recovery.instances",
		metric.WithDescription("Instances found in the action log at startup by result"),
	)
	logMetricInitError(logger, "tpcd.recovery.instances", err)

	m.scanDuration, err = meter.Int64Histogram(
		"tpcd.recovery.scan.duration_ms",
		metric.WithDescription("Time spent replaying the action log"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "tpcd.recovery.scan.duration_ms", err)
	return m
}

func (m *recoveryMetrics) recordInstance(ctx context.Context, result string, phase coordinator.Phase) {
	if m == nil || m.instances == nil {
		return
	}
	label := string(phase)
	if label == "" {
		label = "unknown"
	}
	m.instances.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tpcd.recovery.result", result),
		attribute.String("tpcd.phase", label),
	))
}

func (m *recoveryMetrics) recordScan(ctx context.Context, elapsed time.Duration) {
	if m == nil || m.scanDuration == nil {
		return
	}
	m.scanDuration.Record(ctx, elapsed.Milliseconds())
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
