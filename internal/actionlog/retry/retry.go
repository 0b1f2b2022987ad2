// Package retry decorates an actionlog.Store so transient storage faults are
// retried with bounded exponential backoff before reaching the coordinator.
package retry

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/tpcd/internal/actionlog"
	"pkt.systems/tpcd/internal/clock"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a store that retries transient faults according to cfg.
func Wrap(inner actionlog.Store, logger pslog.Logger, clk clock.Clock, cfg Config) actionlog.Store {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &store{
		inner:  inner,
		logger: logger,
		clock:  clock.Ensure(clk),
		cfg:    cfg,
	}
}

type store struct {
	inner  actionlog.Store
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (s *store) Append(ctx context.Context, instanceID string, entry actionlog.Entry) (uint64, error) {
	var seq uint64
	err := s.withRetry(ctx, "append", instanceID, func(ctx context.Context) error {
		var err error
		seq, err = s.inner.Append(ctx, instanceID, entry)
		return err
	})
	return seq, err
}

func (s *store) MarkExecuted(ctx context.Context, instanceID string, sequence uint64, executedAtUnix int64) error {
	return s.withRetry(ctx, "mark_executed", instanceID, func(ctx context.Context) error {
		return s.inner.MarkExecuted(ctx, instanceID, sequence, executedAtUnix)
	})
}

func (s *store) ListPending(ctx context.Context, instanceID string) ([]actionlog.Action, error) {
	var out []actionlog.Action
	err := s.withRetry(ctx, "list_pending", instanceID, func(ctx context.Context) error {
		var err error
		out, err = s.inner.ListPending(ctx, instanceID)
		return err
	})
	return out, err
}

func (s *store) ListAllPending(ctx context.Context) ([]actionlog.Action, error) {
	var out []actionlog.Action
	err := s.withRetry(ctx, "list_all_pending", "", func(ctx context.Context) error {
		var err error
		out, err = s.inner.ListAllPending(ctx)
		return err
	})
	return out, err
}

func (s *store) List(ctx context.Context, instanceID string) ([]actionlog.Action, error) {
	var out []actionlog.Action
	err := s.withRetry(ctx, "list", instanceID, func(ctx context.Context) error {
		var err error
		out, err = s.inner.List(ctx, instanceID)
		return err
	})
	return out, err
}

func (s *store) Instances(ctx context.Context) ([]string, error) {
	var out []string
	err := s.withRetry(ctx, "instances", "", func(ctx context.Context) error {
		var err error
		out, err = s.inner.Instances(ctx)
		return err
	})
	return out, err
}

func (s *store) Purge(ctx context.Context, instanceID string) error {
	return s.withRetry(ctx, "purge", instanceID, func(ctx context.Context) error {
		return s.inner.Purge(ctx, instanceID)
	})
}

func (s *store) Close() error {
	return s.inner.Close()
}

func (s *store) withRetry(ctx context.Context, op, instanceID string, fn func(context.Context) error) error {
	attempts := s.cfg.MaxAttempts
	delay := s.cfg.BaseDelay
	if attempts <= 1 {
		return fn(ctx)
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !actionlog.IsTransient(err) || attempt == attempts {
			return err
		}
		s.logger.Warn("actionlog.transient_error",
			"operation", op,
			"instance_id", instanceID,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(delay):
		}
		next := time.Duration(float64(delay) * s.cfg.Multiplier)
		if s.cfg.MaxDelay > 0 && next > s.cfg.MaxDelay {
			next = s.cfg.MaxDelay
		}
		delay = next
	}
	return lastErr
}
