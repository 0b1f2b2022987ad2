// Package storetest holds the conformance suite every actionlog.Store backend
// must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"pkt.systems/tpcd/internal/actionlog"
	"pkt.systems/tpcd/internal/clock"
)

// Factory opens a store. Durable backends reuse dir across calls so the
// suite can reopen the same log.
type Factory func(t testing.TB, dir string, clk clock.Clock) actionlog.Store

// Options tunes the suite.
type Options struct {
	// Durable enables the reopen checks.
	Durable bool
}

// Start is the manual clock origin used by the suite.
var Start = time.Unix(1_700_000_000, 0).UTC()

// Run executes the conformance suite against factory.
func Run(t *testing.T, factory Factory, opts Options) {
	t.Run("AppendAssignsSequencesPerInstance", func(t *testing.T) { testAppendSequences(t, factory) })
	t.Run("AppendRejectsUnknownKind", func(t *testing.T) { testAppendRejectsUnknownKind(t, factory) })
	t.Run("AppendKeepsCallerCreatedAt", func(t *testing.T) { testAppendCallerCreatedAt(t, factory) })
	t.Run("MarkExecutedIsIdempotentInEffect", func(t *testing.T) { testMarkExecutedTwice(t, factory) })
	t.Run("MarkExecutedUnknownRow", func(t *testing.T) { testMarkExecutedNotFound(t, factory) })
	t.Run("ExecutedAtNeverPrecedesCreation", func(t *testing.T) { testExecutedAtClamp(t, factory) })
	t.Run("ListPendingOrdering", func(t *testing.T) { testListPending(t, factory) })
	t.Run("ListAllPendingGroupsByInstance", func(t *testing.T) { testListAllPending(t, factory) })
	t.Run("PurgeRequiresExecutedRows", func(t *testing.T) { testPurge(t, factory) })
	t.Run("ConcurrentAppendsAcrossInstances", func(t *testing.T) { testConcurrentAppends(t, factory) })
	if opts.Durable {
		t.Run("ReopenPreservesRows", func(t *testing.T) { testReopen(t, factory) })
	}
}

func open(t *testing.T, factory Factory) (actionlog.Store, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(Start)
	store := factory(t, t.TempDir(), clk)
	t.Cleanup(func() { _ = store.Close() })
	return store, clk
}

func mustAppend(t testing.TB, store actionlog.Store, instanceID string, kind actionlog.Kind, participant string) uint64 {
	t.Helper()
	seq, err := store.Append(context.Background(), instanceID, actionlog.Entry{
		Kind:        kind,
		Participant: participant,
		Payload:     []byte(fmt.Sprintf(`{"participant":%q}`, participant)),
	})
	if err != nil {
		t.Fatalf("append %s/%s: %v", instanceID, kind, err)
	}
	return seq
}

func testAppendSequences(t *testing.T, factory Factory) {
	store, _ := open(t, factory)
	for i := 1; i <= 3; i++ {
		if seq := mustAppend(t, store, "inst-a", actionlog.KindVoteRequest, fmt.Sprintf("p%d", i)); seq != uint64(i) {
			t.Fatalf("expected sequence %d, got %d", i, seq)
		}
	}
	if seq := mustAppend(t, store, "inst-b", actionlog.KindVoteRequest, "p1"); seq != 1 {
		t.Fatalf("expected independent sequence for inst-b, got %d", seq)
	}
	rows, err := store.List(context.Background(), "inst-a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	for _, row := range rows {
		if row.Status != actionlog.StatusPending || row.ExecutedAtUnix != 0 {
			t.Fatalf("expected pending row with null executed_at, got %+v", row)
		}
		if row.CreatedAtUnix != Start.Unix() {
			t.Fatalf("expected created_at %d, got %d", Start.Unix(), row.CreatedAtUnix)
		}
	}
	if string(rows[1].Payload) != `{"participant":"p2"}` || rows[1].Participant != "p2" {
		t.Fatalf("unexpected payload round-trip: %+v", rows[1])
	}
}

func testAppendCallerCreatedAt(t *testing.T, factory Factory) {
	store, clk := open(t, factory)
	stamped := Start.Add(-time.Hour).Unix()
	clk.Advance(5 * time.Second)
	seq, err := store.Append(context.Background(), "inst", actionlog.Entry{
		Kind:          actionlog.KindCommit,
		Participant:   "p1",
		CreatedAtUnix: stamped,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	mustAppend(t, store, "inst", actionlog.KindCommit, "p2")
	rows, err := store.List(context.Background(), "inst")
	if err != nil || len(rows) != 2 {
		t.Fatalf("list: %d rows, %v", len(rows), err)
	}
	if rows[0].Sequence != seq || rows[0].CreatedAtUnix != stamped {
		t.Fatalf("caller stamp lost: %+v", rows[0])
	}
	if rows[1].CreatedAtUnix != Start.Add(5*time.Second).Unix() {
		t.Fatalf("store stamp = %d", rows[1].CreatedAtUnix)
	}
	if _, err := store.Append(context.Background(), "inst", actionlog.Entry{Kind: actionlog.KindAbort, Participant: "p1", CreatedAtUnix: -1}); err == nil {
		t.Fatal("expected negative created_at to be rejected")
	}
}

func testAppendRejectsUnknownKind(t *testing.T, factory Factory) {
	store, _ := open(t, factory)
	if _, err := store.Append(context.Background(), "inst", actionlog.Entry{Kind: "COMMIT"}); err == nil {
		t.Fatal("expected unknown kind to be rejected")
	}
	if _, err := store.Append(context.Background(), "", actionlog.Entry{Kind: actionlog.KindCommit}); err == nil {
		t.Fatal("expected empty instance id to be rejected")
	}
}

func testMarkExecutedTwice(t *testing.T, factory Factory) {
	store, clk := open(t, factory)
	ctx := context.Background()
	seq := mustAppend(t, store, "inst", actionlog.KindCommit, "p1")
	first := clk.Advance(5 * time.Second).Unix()
	if err := store.MarkExecuted(ctx, "inst", seq, first); err != nil {
		t.Fatalf("mark executed: %v", err)
	}
	second := clk.Advance(time.Minute).Unix()
	if err := store.MarkExecuted(ctx, "inst", seq, second); !errors.Is(err, actionlog.ErrAlreadyExecuted) {
		t.Fatalf("expected ErrAlreadyExecuted, got %v", err)
	}
	rows, err := store.List(ctx, "inst")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if rows[0].Status != actionlog.StatusExecuted || rows[0].ExecutedAtUnix != first {
		t.Fatalf("expected executed row with executed_at %d, got %+v", first, rows[0])
	}
}

func testMarkExecutedNotFound(t *testing.T, factory Factory) {
	store, clk := open(t, factory)
	ctx := context.Background()
	if err := store.MarkExecuted(ctx, "missing", 1, clk.Now().Unix()); !errors.Is(err, actionlog.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown instance, got %v", err)
	}
	mustAppend(t, store, "inst", actionlog.KindVoteRequest, "p1")
	if err := store.MarkExecuted(ctx, "inst", 9, clk.Now().Unix()); !errors.Is(err, actionlog.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown sequence, got %v", err)
	}
}

func testExecutedAtClamp(t *testing.T, factory Factory) {
	store, _ := open(t, factory)
	ctx := context.Background()
	seq := mustAppend(t, store, "inst", actionlog.KindAbort, "p1")
	if err := store.MarkExecuted(ctx, "inst", seq, Start.Unix()-30); err != nil {
		t.Fatalf("mark executed: %v", err)
	}
	rows, err := store.List(ctx, "inst")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if rows[0].ExecutedAtUnix < rows[0].CreatedAtUnix {
		t.Fatalf("executed_at %d precedes created_at %d", rows[0].ExecutedAtUnix, rows[0].CreatedAtUnix)
	}
	if err := store.MarkExecuted(ctx, "inst", seq, 0); err == nil {
		t.Fatal("expected zero executed_at to be rejected")
	}
}

func testListPending(t *testing.T, factory Factory) {
	store, clk := open(t, factory)
	ctx := context.Background()
	for _, p := range []string{"p1", "p2", "p3", "p4"} {
		mustAppend(t, store, "inst", actionlog.KindVoteRequest, p)
	}
	if err := store.MarkExecuted(ctx, "inst", 2, clk.Now().Unix()); err != nil {
		t.Fatalf("mark executed: %v", err)
	}
	pending, err := store.ListPending(ctx, "inst")
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	want := []uint64{1, 3, 4}
	if len(pending) != len(want) {
		t.Fatalf("expected %d pending, got %d", len(want), len(pending))
	}
	for i, a := range pending {
		if a.Sequence != want[i] {
			t.Fatalf("pending[%d]: expected sequence %d, got %d", i, want[i], a.Sequence)
		}
	}
	empty, err := store.ListPending(ctx, "other")
	if err != nil {
		t.Fatalf("list pending unknown: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no pending rows for unknown instance, got %d", len(empty))
	}
}

func testListAllPending(t *testing.T, factory Factory) {
	store, clk := open(t, factory)
	ctx := context.Background()
	mustAppend(t, store, "inst-b", actionlog.KindVoteRequest, "p1")
	mustAppend(t, store, "inst-a", actionlog.KindVoteRequest, "p1")
	mustAppend(t, store, "inst-b", actionlog.KindVoteRequest, "p2")
	mustAppend(t, store, "inst-a", actionlog.KindVoteRequest, "p2")
	mustAppend(t, store, "inst-c", actionlog.KindCommit, "p1")
	if err := store.MarkExecuted(ctx, "inst-c", 1, clk.Now().Unix()); err != nil {
		t.Fatalf("mark executed: %v", err)
	}
	all, err := store.ListAllPending(ctx)
	if err != nil {
		t.Fatalf("list all pending: %v", err)
	}
	type key struct {
		id  string
		seq uint64
	}
	want := []key{{"inst-a", 1}, {"inst-a", 2}, {"inst-b", 1}, {"inst-b", 2}}
	if len(all) != len(want) {
		t.Fatalf("expected %d rows, got %d", len(want), len(all))
	}
	for i, a := range all {
		if a.InstanceID != want[i].id || a.Sequence != want[i].seq {
			t.Fatalf("row %d: expected %s/%d, got %s/%d", i, want[i].id, want[i].seq, a.InstanceID, a.Sequence)
		}
	}
}

func testPurge(t *testing.T, factory Factory) {
	store, clk := open(t, factory)
	ctx := context.Background()
	seq := mustAppend(t, store, "inst", actionlog.KindCommit, "p1")
	if err := store.Purge(ctx, "inst"); !errors.Is(err, actionlog.ErrPendingActions) {
		t.Fatalf("expected ErrPendingActions, got %v", err)
	}
	if err := store.MarkExecuted(ctx, "inst", seq, clk.Now().Unix()); err != nil {
		t.Fatalf("mark executed: %v", err)
	}
	if err := store.Purge(ctx, "inst"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	ids, err := store.Instances(ctx)
	if err != nil {
		t.Fatalf("instances: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no instances after purge, got %v", ids)
	}
	if err := store.Purge(ctx, "inst"); err != nil {
		t.Fatalf("purge of absent instance should be a no-op, got %v", err)
	}
}

func testConcurrentAppends(t *testing.T, factory Factory) {
	store, _ := open(t, factory)
	const instances = 4
	const perInstance = 25
	var wg sync.WaitGroup
	errs := make(chan error, instances*perInstance)
	for i := 0; i < instances; i++ {
		id := fmt.Sprintf("inst-%d", i)
		for j := 0; j < perInstance; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := store.Append(context.Background(), id, actionlog.Entry{Kind: actionlog.KindVoteRequest}); err != nil {
					errs <- err
				}
			}()
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent append: %v", err)
	}
	for i := 0; i < instances; i++ {
		rows, err := store.List(context.Background(), fmt.Sprintf("inst-%d", i))
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(rows) != perInstance {
			t.Fatalf("expected %d rows, got %d", perInstance, len(rows))
		}
		for idx, row := range rows {
			if row.Sequence != uint64(idx+1) {
				t.Fatalf("expected dense sequences, row %d has %d", idx, row.Sequence)
			}
		}
	}
}

func testReopen(t *testing.T, factory Factory) {
	dir := t.TempDir()
	clk := clock.NewManual(Start)
	ctx := context.Background()
	store := factory(t, dir, clk)
	mustAppend(t, store, "inst", actionlog.KindVoteRequest, "p1")
	mustAppend(t, store, "inst", actionlog.KindVoteRequest, "p2")
	executedAt := clk.Advance(3 * time.Second).Unix()
	if err := store.MarkExecuted(ctx, "inst", 1, executedAt); err != nil {
		t.Fatalf("mark executed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := factory(t, dir, clk)
	t.Cleanup(func() { _ = reopened.Close() })
	rows, err := reopened.List(ctx, "inst")
	if err != nil {
		t.Fatalf("list after reopen: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows after reopen, got %d", len(rows))
	}
	if rows[0].Status != actionlog.StatusExecuted || rows[0].ExecutedAtUnix != executedAt {
		t.Fatalf("executed row not preserved: %+v", rows[0])
	}
	if rows[1].Status != actionlog.StatusPending {
		t.Fatalf("pending row not preserved: %+v", rows[1])
	}
	seq, err := reopened.Append(ctx, "inst", actionlog.Entry{Kind: actionlog.KindAbort, Participant: "p1"})
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if seq != 3 {
		t.Fatalf("expected sequence 3 after reopen, got %d", seq)
	}
}
