package logging_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"pkt.systems/pslog"

	"pkt.systems/tpcd/internal/actionlog"
	"pkt.systems/tpcd/internal/actionlog/logging"
	"pkt.systems/tpcd/internal/actionlog/memory"
	"pkt.systems/tpcd/internal/actionlog/storetest"
	"pkt.systems/tpcd/internal/clock"
)

func TestLoggingStoreConformance(t *testing.T) {
	storetest.Run(t, func(t testing.TB, dir string, clk clock.Clock) actionlog.Store {
		return logging.Wrap(memory.NewWithConfig(memory.Config{Clock: clk}), nil, "mem")
	}, storetest.Options{})
}

func TestLoggingStoreWritesDebugEvents(t *testing.T) {
	var buf bytes.Buffer
	logger := pslog.NewWithOptions(context.Background(), &buf, pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.DebugLevel})
	store := logging.Wrap(memory.New(), logger, "mem")
	ctx := context.Background()

	seq, err := store.Append(ctx, "inst-log", actionlog.Entry{Kind: actionlog.KindCommit, Participant: "alpha"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.MarkExecuted(ctx, "inst-log", seq, 1); err != nil {
		t.Fatalf("mark executed: %v", err)
	}
	if err := store.MarkExecuted(ctx, "inst-log", seq, 1); !errors.Is(err, actionlog.ErrAlreadyExecuted) {
		t.Fatalf("expected ErrAlreadyExecuted through wrapper, got %v", err)
	}

	out := buf.String()
	for _, want := range []string{"actionlog.append", "actionlog.mark_executed", "actionlog.mark_executed.error", "inst-log", "alpha"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected log output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestWrapNil(t *testing.T) {
	if logging.Wrap(nil, nil, "mem") != nil {
		t.Fatal("expected nil store when inner is nil")
	}
}
