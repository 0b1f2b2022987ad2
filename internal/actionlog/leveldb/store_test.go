package leveldb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/syndtr/goleveldb/leveldb"

	"pkt.systems/tpcd/internal/actionlog"
	"pkt.systems/tpcd/internal/actionlog/storetest"
	"pkt.systems/tpcd/internal/clock"
	"pkt.systems/tpcd/internal/epoch"
	"pkt.systems/tpcd/internal/schema"
)

func TestLevelDBStoreConformance(t *testing.T) {
	storetest.Run(t, func(t testing.TB, dir string, clk clock.Clock) actionlog.Store {
		store, err := Open(context.Background(), Config{Path: dir, Clock: clk})
		if err != nil {
			t.Fatalf("open leveldb store: %v", err)
		}
		return store
	}, storetest.Options{Durable: true})
}

func TestLevelDBInMemoryStampsLatestVersion(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, Config{InMemory: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	version, err := store.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if version != VersionEpochSeconds {
		t.Fatalf("expected fresh store at version %d, got %d", VersionEpochSeconds, version)
	}
	journal, err := store.Journal(ctx)
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	if len(journal) != 0 {
		t.Fatalf("fresh store should have no journal, got %+v", journal)
	}
}

type legacyRow struct {
	InstanceID  string  `json:"instance_id"`
	Sequence    uint64  `json:"sequence"`
	ActionType  string  `json:"action_type"`
	EventID     string  `json:"event_id"`
	Participant string  `json:"participant,omitempty"`
	Payload     []byte  `json:"payload,omitempty"`
	CreatedAt   string  `json:"created_at"`
	ExecutedAt  *string `json:"executed_at"`
	Status      string  `json:"status"`
}

var legacyBase = time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)

func seedLegacy(t *testing.T, dir string, rows []legacyRow) {
	t.Helper()
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	defer db.Close()
	enum, _ := json.Marshal([]string{"VOTE_REQUEST", "COMMIT", "ABORT"})
	if err := db.Put(enumKey, enum, nil); err != nil {
		t.Fatalf("seed enum: %v", err)
	}
	for _, r := range rows {
		raw, err := json.Marshal(r)
		if err != nil {
			t.Fatalf("encode legacy row: %v", err)
		}
		if err := db.Put(rowKey(r.InstanceID, r.Sequence), raw, nil); err != nil {
			t.Fatalf("seed row: %v", err)
		}
	}
}

func legacyFixture() []legacyRow {
	executed := epoch.FormatTimestamp(legacyBase.Add(2*time.Second + 250*time.Millisecond))
	return []legacyRow{
		{InstanceID: "inst-1", Sequence: 1, ActionType: "VOTE_REQUEST", EventID: "evt-1", Participant: "alpha", CreatedAt: epoch.FormatTimestamp(legacyBase.Add(400 * time.Millisecond)), ExecutedAt: &executed, Status: "EXECUTED"},
		{InstanceID: "inst-1", Sequence: 2, ActionType: "VOTE_REQUEST", EventID: "evt-2", Participant: "beta", CreatedAt: epoch.FormatTimestamp(legacyBase), Status: "PENDING"},
		{InstanceID: "inst-1", Sequence: 3, ActionType: "VOTE_REQUEST", EventID: "evt-3", Participant: "gamma", CreatedAt: epoch.FormatTimestamp(legacyBase), Status: "PENDING"},
		{InstanceID: "inst-2", Sequence: 1, ActionType: "COMMIT", EventID: "evt-4", Participant: "alpha", Payload: []byte(`{"x":1}`), CreatedAt: epoch.FormatTimestamp(legacyBase), Status: "PENDING"},
	}
}

func TestLegacyStoreRequiresMigration(t *testing.T) {
	dir := t.TempDir()
	seedLegacy(t, dir, legacyFixture())
	if _, err := Open(context.Background(), Config{Path: dir}); !errors.Is(err, ErrSchemaOutdated) {
		t.Fatalf("expected ErrSchemaOutdated, got %v", err)
	}
}

func TestMigrateDryRunLeavesLegacyRows(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	seedLegacy(t, dir, legacyFixture())
	report, err := Migrate(ctx, Config{Path: dir}, true)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if !report.DryRun || report.From != VersionLegacy || report.To != VersionEpochSeconds || len(report.Applied) != 3 {
		t.Fatalf("unexpected dry run report %+v", report)
	}
	if _, err := Open(ctx, Config{Path: dir}); !errors.Is(err, ErrSchemaOutdated) {
		t.Fatalf("dry run must not migrate, got %v", err)
	}
}

func TestMigrateLegacyPreservesPendingOrder(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	seedLegacy(t, dir, legacyFixture())

	report, err := Migrate(ctx, Config{Path: dir}, false)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if report.To != VersionEpochSeconds || len(report.Applied) != 3 {
		t.Fatalf("unexpected report %+v", report)
	}
	epochStep := report.Applied[2]
	if epochStep.Details["fractional_seconds_dropped"] != 2 {
		t.Fatalf("expected two lossy timestamps recorded, got %+v", epochStep.Details)
	}
	if epochStep.Details["executed_at_null"] != 3 {
		t.Fatalf("expected three null executed_at values, got %+v", epochStep.Details)
	}

	store, err := Open(ctx, Config{Path: dir})
	if err != nil {
		t.Fatalf("open migrated store: %v", err)
	}
	defer store.Close()

	pending, err := store.ListAllPending(ctx)
	if err != nil {
		t.Fatalf("list all pending: %v", err)
	}
	want := []string{"inst-1/2/beta/vote-request", "inst-1/3/gamma/vote-request", "inst-2/1/alpha/commit"}
	if len(pending) != len(want) {
		t.Fatalf("expected %d pending rows, got %d", len(want), len(pending))
	}
	for i, a := range pending {
		got := fmt.Sprintf("%s/%d/%s/%s", a.InstanceID, a.Sequence, a.Participant, a.Kind)
		if got != want[i] {
			t.Fatalf("pending[%d]: expected %s, got %s", i, want[i], got)
		}
	}
	if string(pending[2].Payload) != `{"x":1}` {
		t.Fatalf("payload not preserved: %q", pending[2].Payload)
	}

	rows, err := store.List(ctx, "inst-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if rows[0].CreatedAtUnix != legacyBase.Unix() || rows[0].ExecutedAtUnix != legacyBase.Unix()+2 {
		t.Fatalf("unexpected converted timestamps: created %d executed %d", rows[0].CreatedAtUnix, rows[0].ExecutedAtUnix)
	}
	if !epoch.ToTime(rows[0].ExecutedAtUnix).Equal(legacyBase.Add(2 * time.Second)) {
		t.Fatalf("executed_at does not round-trip at second granularity")
	}

	raw, err := store.db.Get(rowKey("inst-1", 2), nil)
	if err != nil {
		t.Fatalf("raw get: %v", err)
	}
	if strings.Contains(string(raw), "action_type") || strings.Contains(string(raw), "event_id") {
		t.Fatalf("legacy columns still present: %s", raw)
	}
	if _, err := store.db.Get(enumKey, nil); !errors.Is(err, leveldb.ErrNotFound) {
		t.Fatalf("expected enum type to be dropped, got %v", err)
	}

	seq, err := store.Append(ctx, "inst-1", actionlog.Entry{Kind: actionlog.KindAbort, Participant: "alpha"})
	if err != nil {
		t.Fatalf("append after migration: %v", err)
	}
	if seq != 4 {
		t.Fatalf("expected sequence 4 after migration, got %d", seq)
	}

	journal, err := store.Journal(ctx)
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	if len(journal) != 3 || journal[0].Name != "backfill_kind" || journal[0].Rows != 4 {
		t.Fatalf("unexpected journal %+v", journal)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	seedLegacy(t, dir, legacyFixture())
	if _, err := Migrate(ctx, Config{Path: dir}, false); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	again, err := Migrate(ctx, Config{Path: dir}, false)
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if len(again.Applied) != 0 || again.From != VersionEpochSeconds {
		t.Fatalf("expected no-op, got %+v", again)
	}
}

func TestMigrateRejectsUnknownActionType(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	rows := legacyFixture()
	rows[1].ActionType = "PREPARE"
	seedLegacy(t, dir, rows)
	if _, err := Migrate(ctx, Config{Path: dir}, false); err == nil || !strings.Contains(err.Error(), "PREPARE") {
		t.Fatalf("expected unknown enum value error, got %v", err)
	}
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	defer db.Close()
	if _, err := db.Get(versionKey, nil); !errors.Is(err, leveldb.ErrNotFound) {
		t.Fatalf("failed backfill must not record a version, got %v", err)
	}
}

func TestOpenRefusesNewerSchema(t *testing.T) {
	dir := t.TempDir()
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	if err := db.Put(versionKey, []byte("99"), nil); err != nil {
		t.Fatalf("seed version: %v", err)
	}
	db.Close()
	if _, err := Open(context.Background(), Config{Path: dir, AutoMigrate: true}); !errors.Is(err, schema.ErrNewerVersion) {
		t.Fatalf("expected ErrNewerVersion, got %v", err)
	}
}
