package disk

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/tpcd/internal/actionlog"
	"pkt.systems/tpcd/internal/actionlog/storetest"
	"pkt.systems/tpcd/internal/clock"
)

func openStore(t testing.TB, dir string, clk clock.Clock) *Store {
	t.Helper()
	store, err := Open(Config{Dir: dir, Clock: clk})
	if err != nil {
		t.Fatalf("open disk store: %v", err)
	}
	return store
}

func TestDiskStoreConformance(t *testing.T) {
	storetest.Run(t, func(t testing.TB, dir string, clk clock.Clock) actionlog.Store {
		return openStore(t, dir, clk)
	}, storetest.Options{Durable: true})
}

func TestDiskStoreDropsTornTail(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	store := openStore(t, dir, clock.NewManual(storetest.Start))
	if _, err := store.Append(ctx, "inst", actionlog.Entry{Kind: actionlog.KindVoteRequest, Participant: "p1"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	path := filepath.Join(dir, logFileName)
	intact, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	torn := encodeRecord(record{recType: recordAppend, instanceID: "inst", sequence: 2, kind: actionlog.KindCommit, createdAt: 1})
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	if _, err := f.Write(torn[:len(torn)-3]); err != nil {
		t.Fatalf("write torn record: %v", err)
	}
	f.Close()

	reopened := openStore(t, dir, clock.NewManual(storetest.Start))
	defer reopened.Close()
	rows, err := reopened.List(ctx, "inst")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected torn record to be dropped, got %d rows", len(rows))
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != intact.Size() {
		t.Fatalf("expected log truncated to %d bytes, got %d", intact.Size(), info.Size())
	}
	seq, err := reopened.Append(ctx, "inst", actionlog.Entry{Kind: actionlog.KindCommit, Participant: "p1"})
	if err != nil {
		t.Fatalf("append after truncate: %v", err)
	}
	if seq != 2 {
		t.Fatalf("expected sequence 2, got %d", seq)
	}
}

func TestDiskStoreRejectsMidFileCorruption(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	store := openStore(t, dir, clock.NewManual(storetest.Start))
	for i := 0; i < 3; i++ {
		if _, err := store.Append(ctx, "inst", actionlog.Entry{Kind: actionlog.KindVoteRequest, Payload: []byte("payload")}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	path := filepath.Join(dir, logFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	data[headerSize+2] ^= 0xff
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write log: %v", err)
	}
	if _, err := Open(Config{Dir: dir}); err == nil || !strings.Contains(err.Error(), "checksum") {
		t.Fatalf("expected checksum corruption error, got %v", err)
	}
}

func TestDiskStoreCompactsAfterPurge(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	clk := clock.NewManual(storetest.Start)
	store, err := Open(Config{Dir: dir, Clock: clk, CompactThreshold: 3})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, id := range []string{"done", "live"} {
		if _, err := store.Append(ctx, id, actionlog.Entry{Kind: actionlog.KindCommit, Participant: "p1"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := store.MarkExecuted(ctx, "done", 1, clk.Now().Unix()); err != nil {
		t.Fatalf("mark executed: %v", err)
	}
	before := store.size
	if err := store.Purge(ctx, "done"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if store.dead != 0 {
		t.Fatalf("expected compaction to reset dead records, got %d", store.dead)
	}
	if store.size >= before {
		t.Fatalf("expected compacted log smaller than %d, got %d", before, store.size)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := openStore(t, dir, clk)
	defer reopened.Close()
	ids, err := reopened.Instances(ctx)
	if err != nil {
		t.Fatalf("instances: %v", err)
	}
	if len(ids) != 1 || ids[0] != "live" {
		t.Fatalf("expected only live instance after compaction, got %v", ids)
	}
	if _, err := os.Stat(filepath.Join(dir, logFileName+".tmp")); !os.IsNotExist(err) {
		t.Fatalf("expected compaction temp file to be gone, got %v", err)
	}
}

func TestRecordCodecSkipsUnknownFields(t *testing.T) {
	rec := record{recType: recordAppend, instanceID: "inst", sequence: 7, kind: actionlog.KindAbort, participant: "p", payload: []byte{1, 2}, createdAt: 42}
	payload := marshalRecord(rec)
	payload = append(payload, 0x78, 0x01) // field 15, varint 1
	got, err := unmarshalRecord(recordAppend, payload)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.instanceID != "inst" || got.sequence != 7 || got.kind != actionlog.KindAbort || got.createdAt != 42 || string(got.payload) != "\x01\x02" {
		t.Fatalf("unexpected record %+v", got)
	}
	if _, err := unmarshalRecord(recordExecuted, marshalRecord(record{recType: recordPurge, instanceID: "inst"})); err == nil {
		t.Fatal("expected executed record without sequence to fail")
	}
}
