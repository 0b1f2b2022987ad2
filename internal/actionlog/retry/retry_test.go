package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/tpcd/internal/actionlog"
	"pkt.systems/tpcd/internal/actionlog/memory"
	"pkt.systems/tpcd/internal/actionlog/retry"
)

type fakeClock struct {
	sleeps []time.Duration
	now    time.Time
}

func (f *fakeClock) Now() time.Time {
	if f.now.IsZero() {
		f.now = time.Unix(1_700_000_000, 0)
	}
	return f.now
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.sleeps = append(f.sleeps, d)
	f.now = f.Now().Add(d)
	ch <- f.now
	return ch
}

func (f *fakeClock) Sleep(d time.Duration) {
	<-f.After(d)
}

// flakyStore fails the first appendErrs calls to Append.
type flakyStore struct {
	actionlog.Store
	appendErrs  []error
	appendCalls int
}

func (f *flakyStore) Append(ctx context.Context, instanceID string, entry actionlog.Entry) (uint64, error) {
	f.appendCalls++
	if idx := f.appendCalls - 1; idx < len(f.appendErrs) && f.appendErrs[idx] != nil {
		return 0, f.appendErrs[idx]
	}
	return f.Store.Append(ctx, instanceID, entry)
}

func TestWrapReturnsNilOnNilInner(t *testing.T) {
	t.Parallel()

	if retry.Wrap(nil, pslog.NoopLogger(), &fakeClock{}, retry.Config{}) != nil {
		t.Fatal("expected nil store when inner is nil")
	}
}

func TestAppendRetriesTransientFaults(t *testing.T) {
	t.Parallel()

	inner := &flakyStore{
		Store: memory.New(),
		appendErrs: []error{
			actionlog.TransientFault("append", "inst", errors.New("disk full")),
			actionlog.TransientFault("append", "inst", errors.New("disk full")),
		},
	}
	fc := &fakeClock{}
	wrapped := retry.Wrap(inner, pslog.NoopLogger(), fc, retry.Config{
		MaxAttempts: 4,
		BaseDelay:   10 * time.Millisecond,
		Multiplier:  3,
		MaxDelay:    20 * time.Millisecond,
	})
	seq, err := wrapped.Append(context.Background(), "inst", actionlog.Entry{Kind: actionlog.KindVoteRequest})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if seq != 1 {
		t.Fatalf("expected sequence 1, got %d", seq)
	}
	if inner.appendCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", inner.appendCalls)
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}
	if len(fc.sleeps) != len(want) {
		t.Fatalf("expected %d sleeps, got %v", len(want), fc.sleeps)
	}
	for i := range want {
		if fc.sleeps[i] != want[i] {
			t.Fatalf("sleep %d: expected %s, got %s", i, want[i], fc.sleeps[i])
		}
	}
}

func TestAppendStopsOnPermanentFault(t *testing.T) {
	t.Parallel()

	permanent := actionlog.Fault("append", "inst", errors.New("read-only filesystem"))
	inner := &flakyStore{Store: memory.New(), appendErrs: []error{permanent}}
	fc := &fakeClock{}
	wrapped := retry.Wrap(inner, pslog.NoopLogger(), fc, retry.Config{MaxAttempts: 5})
	if _, err := wrapped.Append(context.Background(), "inst", actionlog.Entry{Kind: actionlog.KindCommit}); !actionlog.IsStorageFault(err) {
		t.Fatalf("expected storage fault, got %v", err)
	}
	if inner.appendCalls != 1 || len(fc.sleeps) != 0 {
		t.Fatalf("permanent fault must not be retried: calls=%d sleeps=%v", inner.appendCalls, fc.sleeps)
	}
}

func TestAppendGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	transient := actionlog.TransientFault("append", "inst", errors.New("busy"))
	inner := &flakyStore{Store: memory.New(), appendErrs: []error{transient, transient, transient}}
	wrapped := retry.Wrap(inner, pslog.NoopLogger(), &fakeClock{}, retry.Config{MaxAttempts: 2})
	_, err := wrapped.Append(context.Background(), "inst", actionlog.Entry{Kind: actionlog.KindCommit})
	if !actionlog.IsTransient(err) {
		t.Fatalf("expected transient fault after exhausting attempts, got %v", err)
	}
	if inner.appendCalls != 2 {
		t.Fatalf("expected 2 attempts, got %d", inner.appendCalls)
	}
}

func TestMarkExecutedSentinelsPassThrough(t *testing.T) {
	t.Parallel()

	wrapped := retry.Wrap(memory.New(), nil, &fakeClock{}, retry.Config{MaxAttempts: 3})
	if err := wrapped.MarkExecuted(context.Background(), "inst", 1, 1); !errors.Is(err, actionlog.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
