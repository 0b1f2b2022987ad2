package recovery

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"pkt.systems/tpcd/internal/actionlog"
	"pkt.systems/tpcd/internal/actionlog/memory"
	"pkt.systems/tpcd/internal/archive"
	"pkt.systems/tpcd/internal/coordinator"
	"pkt.systems/tpcd/internal/registry"
	"pkt.systems/tpcd/internal/transport"
)

type row struct {
	kind        actionlog.Kind
	participant string
	executed    bool
}

func rows(id string, defs ...row) []actionlog.Action {
	out := make([]actionlog.Action, len(defs))
	for i, r := range defs {
		a := actionlog.Action{
			InstanceID:    id,
			Sequence:      uint64(i + 1),
			Kind:          r.kind,
			Participant:   r.participant,
			CreatedAtUnix: 100,
			Status:        actionlog.StatusPending,
		}
		if r.executed {
			a.Status = actionlog.StatusExecuted
			a.ExecutedAtUnix = 101
		}
		out[i] = a
	}
	return out
}

var (
	vr = actionlog.KindVoteRequest
	cm = actionlog.KindCommit
	ab = actionlog.KindAbort
)

func TestDerive(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		rows []actionlog.Action
		want coordinator.Phase
	}{
		{"pending vote request", rows("i", row{vr, "a", true}, row{vr, "b", false}), coordinator.PhaseVoting},
		{"all vote requests executed", rows("i", row{vr, "a", true}, row{vr, "b", true}), coordinator.PhaseVoting},
		{"pending commit", rows("i", row{vr, "a", true}, row{vr, "b", true}, row{cm, "a", true}, row{cm, "b", false}), coordinator.PhaseCommitting},
		{"commit missing for participant", rows("i", row{vr, "a", true}, row{vr, "b", true}, row{cm, "a", true}), coordinator.PhaseCommitting},
		{"all commits executed", rows("i", row{vr, "a", true}, row{vr, "b", true}, row{cm, "a", true}, row{cm, "b", true}), coordinator.PhaseCommitted},
		{"pending abort", rows("i", row{vr, "a", true}, row{vr, "b", true}, row{ab, "a", false}), coordinator.PhaseAborting},
		{"abort with pending vote request", rows("i", row{vr, "a", true}, row{vr, "b", false}, row{ab, "a", true}), coordinator.PhaseAborting},
		{"abort missing for participant", rows("i", row{vr, "a", true}, row{vr, "b", true}, row{ab, "a", true}), coordinator.PhaseAborting},
		{"aborts executed", rows("i", row{vr, "a", true}, row{vr, "b", true}, row{ab, "a", true}, row{ab, "b", true}), coordinator.PhaseAborted},
	}
	for _, tc := range cases {
		got, err := Derive("i", tc.rows)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}

func TestDeriveCorruptLog(t *testing.T) {
	t.Parallel()
	_, err := Derive("i", rows("i", row{vr, "a", true}, row{vr, "b", true}, row{cm, "a", false}, row{ab, "b", false}))
	if !errors.Is(err, ErrCorruptLog) {
		t.Fatalf("expected ErrCorruptLog, got %v", err)
	}
	var corrupt *CorruptLogError
	if !errors.As(err, &corrupt) {
		t.Fatalf("expected *CorruptLogError, got %T", err)
	}
	if corrupt.InstanceID != "i" || !slices.Equal(corrupt.Sequences, []uint64{3, 4}) {
		t.Fatalf("unexpected corrupt error %+v", corrupt)
	}

	unordered := rows("i", row{vr, "a", true}, row{vr, "b", true})
	unordered[1].Sequence = 1
	if _, err := Derive("i", unordered); !errors.Is(err, ErrCorruptLog) {
		t.Fatalf("expected unordered rows to be corrupt, got %v", err)
	}
	if _, err := Derive("i", nil); err == nil {
		t.Fatalf("expected error for empty rows")
	}
}

type fakeResumer struct {
	mu          sync.Mutex
	resumed     map[string]coordinator.Recovered
	quarantined map[string]error
	fail        map[string]error
}

func newFakeResumer() *fakeResumer {
	return &fakeResumer{
		resumed:     make(map[string]coordinator.Recovered),
		quarantined: make(map[string]error),
		fail:        make(map[string]error),
	}
}

func (f *fakeResumer) Resume(_ context.Context, r coordinator.Recovered) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[r.InstanceID]; err != nil {
		return err
	}
	f.resumed[r.InstanceID] = r
	return nil
}

func (f *fakeResumer) Quarantine(id string, cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quarantined[id] = cause
}

func seed(t *testing.T, store actionlog.Store, id string, entries []actionlog.Entry, executed ...uint64) {
	t.Helper()
	ctx := context.Background()
	for _, e := range entries {
		if _, err := store.Append(ctx, id, e); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}
	for _, seq := range executed {
		if err := store.MarkExecuted(ctx, id, seq, time.Now().Unix()); err != nil {
			t.Fatalf("mark %s/%d: %v", id, seq, err)
		}
	}
}

func TestScanResumesAndQuarantines(t *testing.T) {
	t.Parallel()
	store := memory.New()
	seed(t, store, "voting", []actionlog.Entry{
		{Kind: vr, Participant: "a"},
		{Kind: vr, Participant: "b"},
	}, 1)
	seed(t, store, "committing", []actionlog.Entry{
		{Kind: vr, Participant: "a"},
		{Kind: cm, Participant: "a"},
	}, 1)
	seed(t, store, "broken", []actionlog.Entry{
		{Kind: vr, Participant: "a"},
		{Kind: vr, Participant: "b"},
		{Kind: cm, Participant: "a"},
		{Kind: ab, Participant: "b"},
	}, 1, 2)
	seed(t, store, "refused", []actionlog.Entry{
		{Kind: vr, Participant: "a"},
	})

	resumer := newFakeResumer()
	resumer.fail["refused"] = errors.New("no room")
	scanner, err := New(Config{Store: store, Coordinator: resumer})
	if err != nil {
		t.Fatalf("new scanner: %v", err)
	}
	report, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if report.Instances != 4 {
		t.Fatalf("instances = %d", report.Instances)
	}
	if report.Pending != 5 {
		t.Fatalf("pending = %d, want 5", report.Pending)
	}
	if report.Resumed[coordinator.PhaseVoting] != 1 || report.Resumed[coordinator.PhaseCommitting] != 1 {
		t.Fatalf("resumed = %v", report.Resumed)
	}
	if len(report.Corrupt) != 1 || report.Corrupt[0].InstanceID != "broken" {
		t.Fatalf("corrupt = %+v", report.Corrupt)
	}
	if _, ok := report.Failed["refused"]; !ok {
		t.Fatalf("expected refused instance in failures, got %v", report.Failed)
	}
	if !errors.Is(report.Err(), ErrCorruptLog) {
		t.Fatalf("expected joined error to match ErrCorruptLog")
	}
	if _, ok := resumer.quarantined["broken"]; !ok {
		t.Fatalf("broken instance not quarantined")
	}
	if _, ok := resumer.quarantined["refused"]; !ok {
		t.Fatalf("refused instance not quarantined")
	}
	if got := len(resumer.resumed["voting"].Actions); got != 2 {
		t.Fatalf("voting instance resumed with %d actions", got)
	}
	rows, err := store.List(context.Background(), "broken")
	if err != nil || len(rows) != 4 {
		t.Fatalf("corrupt rows must stay in the log: %d %v", len(rows), err)
	}
}

func TestScanEmptyStore(t *testing.T) {
	t.Parallel()
	scanner, err := New(Config{Store: memory.New(), Coordinator: newFakeResumer()})
	if err != nil {
		t.Fatalf("new scanner: %v", err)
	}
	report, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if report.Instances != 0 || report.Err() != nil {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestScanRestartsPendingVoteRequestOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	seed(t, store, "inst-1", []actionlog.Entry{
		{Kind: vr, Participant: "a"},
		{Kind: vr, Participant: "b"},
		{Kind: vr, Participant: "c"},
	}, 1, 2)

	var (
		mu   sync.Mutex
		sent []transport.Message
	)
	deliverer := transport.DelivererFunc(func(_ context.Context, msg transport.Message) (transport.Reply, error) {
		mu.Lock()
		sent = append(sent, msg)
		mu.Unlock()
		return transport.Reply{}, nil
	})
	coord, err := coordinator.New(coordinator.Config{Store: store, Deliverer: deliverer})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	t.Cleanup(func() { _ = coord.Close() })
	scanner, err := New(Config{Store: store, Coordinator: coord})
	if err != nil {
		t.Fatalf("scanner: %v", err)
	}
	report, err := scanner.Scan(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if report.Resumed[coordinator.PhaseVoting] != 1 {
		t.Fatalf("resumed = %v", report.Resumed)
	}
	coord.Start(ctx)
	coord.MarkReady()

	deadline := time.Now().Add(5 * time.Second)
	for {
		rows, err := store.List(ctx, "inst-1")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(rows) == 3 && !rows[2].Pending() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pending vote request was not delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(sent) != 1 || sent[0].Participant != "c" || sent[0].Sequence != 3 {
		t.Fatalf("unexpected deliveries %+v", sent)
	}
	st, err := coord.GetStatus(ctx, "inst-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Phase != coordinator.PhaseVoting || len(st.Participants) != 3 {
		t.Fatalf("unexpected status %+v", st)
	}
	for _, p := range st.Participants {
		if p.Vote != registry.VoteUnknown {
			t.Fatalf("vote for %s survived restart: %s", p.PeerID, p.Vote)
		}
	}
}

type failingArchive struct{}

func (failingArchive) Put(context.Context, archive.Snapshot) error {
	return errors.New("archive unavailable")
}

func (failingArchive) Get(_ context.Context, id string) (archive.Snapshot, error) {
	return archive.Snapshot{}, fmt.Errorf("%w: %s", archive.ErrNotFound, id)
}

func TestScanKeepsAbortWhenNoVoteRequestWasDelivered(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	deliverer := transport.DelivererFunc(func(_ context.Context, msg transport.Message) (transport.Reply, error) {
		if msg.Kind == actionlog.KindVoteRequest {
			return transport.Reply{}, errors.New("dial tcp: connection refused")
		}
		return transport.Reply{}, nil
	})
	newCoordinator := func() *coordinator.Coordinator {
		coord, err := coordinator.New(coordinator.Config{
			Store:             store,
			Deliverer:         deliverer,
			Archive:           failingArchive{},
			DeliveryAttempts:  2,
			DeliveryBaseDelay: time.Millisecond,
			DeliveryMaxDelay:  2 * time.Millisecond,
		})
		if err != nil {
			t.Fatalf("coordinator: %v", err)
		}
		t.Cleanup(func() { _ = coord.Close() })
		return coord
	}
	waitPhase := func(coord *coordinator.Coordinator, want coordinator.Phase) {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for {
			st, err := coord.GetStatus(ctx, "inst-dark")
			if err == nil && st.Phase == want {
				return
			}
			if time.Now().After(deadline) {
				t.Fatalf("phase never reached %s (last %+v, %v)", want, st, err)
			}
			time.Sleep(2 * time.Millisecond)
		}
	}

	first := newCoordinator()
	first.Start(ctx)
	first.MarkReady()
	if _, err := first.BeginInstance(ctx, "inst-dark", []string{"a", "b"}, nil); err != nil {
		t.Fatalf("begin: %v", err)
	}
	waitPhase(first, coordinator.PhaseAborted)
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	logged, err := store.List(ctx, "inst-dark")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	aborts := map[string]bool{}
	for _, a := range logged {
		if a.Kind == actionlog.KindAbort {
			aborts[a.Participant] = true
		}
	}
	if !aborts["a"] || !aborts["b"] {
		t.Fatalf("abort decision not logged for every participant: %+v", logged)
	}
	if phase, err := Derive("inst-dark", logged); err != nil || phase != coordinator.PhaseAborted {
		t.Fatalf("derive = %s, %v", phase, err)
	}

	second := newCoordinator()
	scanner, err := New(Config{Store: store, Coordinator: second})
	if err != nil {
		t.Fatalf("scanner: %v", err)
	}
	report, err := scanner.Scan(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if report.Resumed[coordinator.PhaseAborted] != 1 || report.Resumed[coordinator.PhaseVoting] != 0 {
		t.Fatalf("resumed = %v", report.Resumed)
	}
	second.Start(ctx)
	second.MarkReady()
	for _, peer := range []string{"a", "b"} {
		res, err := second.RecordVote(ctx, "inst-dark", peer, registry.VoteYes)
		if err != nil {
			t.Fatalf("vote %s: %v", peer, err)
		}
		if res.Applied || res.Phase != coordinator.PhaseAborted {
			t.Fatalf("late vote from %s changed the instance: %+v", peer, res)
		}
	}
	waitPhase(second, coordinator.PhaseAborted)
	after, err := store.List(ctx, "inst-dark")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(after) != len(logged) {
		t.Fatalf("rows appended after the instance was aborted: %d -> %d", len(logged), len(after))
	}
}
