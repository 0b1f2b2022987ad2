// Package archivetest holds a shared test suite for archive sinks.
package archivetest

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/tpcd/internal/actionlog"
	"pkt.systems/tpcd/internal/archive"
	"pkt.systems/tpcd/internal/registry"
)

// Sample returns a committed snapshot for instanceID.
func Sample(instanceID string) archive.Snapshot {
	return archive.Snapshot{
		InstanceID: instanceID,
		Phase:      "COMMITTED",
		CreatedAt:  1_700_000_000,
		UpdatedAt:  1_700_000_003,
		ArchivedAt: 1_700_000_004,
		Participants: []registry.Participant{
			{PeerID: "alpha", Vote: registry.VoteYes},
			{PeerID: "beta", Vote: registry.VoteYes},
		},
		Actions: []actionlog.Action{
			{InstanceID: instanceID, Sequence: 1, Kind: actionlog.KindVoteRequest, Participant: "alpha", Payload: []byte(`{"op":"x"}`), CreatedAtUnix: 1_700_000_000, ExecutedAtUnix: 1_700_000_001, Status: actionlog.StatusExecuted},
			{InstanceID: instanceID, Sequence: 2, Kind: actionlog.KindCommit, Participant: "alpha", CreatedAtUnix: 1_700_000_002, ExecutedAtUnix: 1_700_000_003, Status: actionlog.StatusExecuted},
		},
	}
}

// Run exercises Put/Get semantics against sink.
func Run(t *testing.T, sink archive.Sink) {
	t.Helper()
	ctx := context.Background()

	if _, err := sink.Get(ctx, "missing"); !errors.Is(err, archive.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	snap := Sample("inst-1")
	if err := sink.Put(ctx, snap); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := sink.Get(ctx, "inst-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Phase != "COMMITTED" || len(got.Participants) != 2 || len(got.Actions) != 2 {
		t.Fatalf("unexpected snapshot %+v", got)
	}
	if string(got.Actions[0].Payload) != `{"op":"x"}` || got.Actions[1].ExecutedAtUnix != 1_700_000_003 {
		t.Fatalf("actions not preserved: %+v", got.Actions)
	}
	snap.Phase = "ABORTED"
	if err := sink.Put(ctx, snap); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err = sink.Get(ctx, "inst-1")
	if err != nil {
		t.Fatalf("get after overwrite: %v", err)
	}
	if got.Phase != "ABORTED" {
		t.Fatalf("expected overwrite to win, got %s", got.Phase)
	}
}
