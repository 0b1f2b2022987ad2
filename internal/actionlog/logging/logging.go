// Package logging decorates an actionlog.Store with trace spans, debug logs
// and per-operation metrics.
package logging

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/tpcd/internal/actionlog"
	"pkt.systems/tpcd/internal/correlation"
	"pkt.systems/tpcd/internal/svcfields"
)

type store struct {
	inner   actionlog.Store
	logger  pslog.Logger
	tracer  trace.Tracer
	metrics *storeMetrics
	backend string
}

// Wrap decorates inner. backend names the underlying implementation in
// spans, logs and metrics (mem, disk, leveldb).
func Wrap(inner actionlog.Store, logger pslog.Logger, backend string) actionlog.Store {
	if inner == nil {
		return nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &store{
		inner:   inner,
		logger:  logger,
		tracer:  otel.Tracer("pkt.systems/tpcd/actionlog"),
		metrics: newStoreMetrics(logger),
		backend: backend,
	}
}

func (s *store) start(ctx context.Context, op, instanceID string) (context.Context, pslog.Logger, func(error)) {
	begin := time.Now()
	ctx, span := s.tracer.Start(ctx, "tpcd.actionlog."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("tpcd.actionlog.operation", op),
		attribute.String("tpcd.actionlog.backend", s.backend),
	)
	if instanceID != "" {
		span.SetAttributes(attribute.String("tpcd.instance_id", instanceID))
	}
	logger := s.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	if corr := correlation.ID(ctx); corr != "" {
		logger = logger.With("cid", corr)
		span.SetAttributes(attribute.String("tpcd.correlation_id", corr))
	}
	logger = svcfields.WithInstance(logger, instanceID)
	return ctx, logger, func(err error) {
		elapsed := time.Since(begin)
		result := resultLabel(err)
		if err != nil && result == "error" {
			span.RecordError(err)
			span.SetStatus(codes.Error, "actionlog_error")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
		s.metrics.record(ctx, s.backend, op, result, elapsed)
	}
}

// resultLabel classifies err; benign sentinels are not failures.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, actionlog.ErrAlreadyExecuted):
		return "already_executed"
	case errors.Is(err, actionlog.ErrNotFound):
		return "not_found"
	case errors.Is(err, actionlog.ErrPendingActions):
		return "pending"
	default:
		return "error"
	}
}

func (s *store) Append(ctx context.Context, instanceID string, entry actionlog.Entry) (uint64, error) {
	ctx, logger, finish := s.start(ctx, "append", instanceID)
	logger.Trace("actionlog.append.begin", "kind", entry.Kind, "participant", entry.Participant, "payload_bytes", len(entry.Payload))
	seq, err := s.inner.Append(ctx, instanceID, entry)
	finish(err)
	if err != nil {
		logger.Debug("actionlog.append.error", "kind", entry.Kind, "participant", entry.Participant, "error", err)
		return 0, err
	}
	logger.Debug("actionlog.append", "sequence", seq, "kind", entry.Kind, "participant", entry.Participant)
	return seq, nil
}

func (s *store) MarkExecuted(ctx context.Context, instanceID string, sequence uint64, executedAtUnix int64) error {
	ctx, logger, finish := s.start(ctx, "mark_executed", instanceID)
	err := s.inner.MarkExecuted(ctx, instanceID, sequence, executedAtUnix)
	finish(err)
	if err != nil {
		logger.Debug("actionlog.mark_executed.error", "sequence", sequence, "error", err)
		return err
	}
	logger.Debug("actionlog.mark_executed", "sequence", sequence, "executed_at", executedAtUnix)
	return nil
}

func (s *store) ListPending(ctx context.Context, instanceID string) ([]actionlog.Action, error) {
	ctx, logger, finish := s.start(ctx, "list_pending", instanceID)
	out, err := s.inner.ListPending(ctx, instanceID)
	finish(err)
	if err != nil {
		logger.Debug("actionlog.list_pending.error", "error", err)
		return nil, err
	}
	logger.Trace("actionlog.list_pending", "count", len(out))
	return out, nil
}

func (s *store) ListAllPending(ctx context.Context) ([]actionlog.Action, error) {
	ctx, logger, finish := s.start(ctx, "list_all_pending", "")
	out, err := s.inner.ListAllPending(ctx)
	finish(err)
	if err != nil {
		logger.Debug("actionlog.list_all_pending.error", "error", err)
		return nil, err
	}
	logger.Trace("actionlog.list_all_pending", "count", len(out))
	return out, nil
}

func (s *store) List(ctx context.Context, instanceID string) ([]actionlog.Action, error) {
	ctx, logger, finish := s.start(ctx, "list", instanceID)
	out, err := s.inner.List(ctx, instanceID)
	finish(err)
	if err != nil {
		logger.Debug("actionlog.list.error", "error", err)
		return nil, err
	}
	logger.Trace("actionlog.list", "count", len(out))
	return out, nil
}

func (s *store) Instances(ctx context.Context) ([]string, error) {
	ctx, logger, finish := s.start(ctx, "instances", "")
	out, err := s.inner.Instances(ctx)
	finish(err)
	if err != nil {
		logger.Debug("actionlog.instances.error", "error", err)
		return nil, err
	}
	logger.Trace("actionlog.instances", "count", len(out))
	return out, nil
}

func (s *store) Purge(ctx context.Context, instanceID string) error {
	ctx, logger, finish := s.start(ctx, "purge", instanceID)
	err := s.inner.Purge(ctx, instanceID)
	finish(err)
	if err != nil {
		logger.Debug("actionlog.purge.error", "error", err)
		return err
	}
	logger.Debug("actionlog.purge")
	return nil
}

func (s *store) Close() error {
	err := s.inner.Close()
	if err != nil {
		s.logger.Warn("actionlog.close.error", "backend", s.backend, "error", err)
	}
	return err
}
