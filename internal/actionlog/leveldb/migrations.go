package leveldb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"pkt.systems/pslog"

	"pkt.systems/tpcd/internal/actionlog"
	"pkt.systems/tpcd/internal/clock"
	"pkt.systems/tpcd/internal/epoch"
	"pkt.systems/tpcd/internal/schema"
)

// Schema versions. Version 1 is the legacy row shape that carried an
// action_type enum, an event_id column and textual timestamps.
const (
	VersionLegacy         = 1
	VersionBackfillKind   = 2
	VersionDropActionType = 3
	VersionEpochSeconds   = 4
)

// legacyActionTypes maps the retired action_type enum onto kinds.
var legacyActionTypes = map[string]actionlog.Kind{
	"VOTE_REQUEST": actionlog.KindVoteRequest,
	"COMMIT":       actionlog.KindCommit,
	"ABORT":        actionlog.KindAbort,
}

func steps(logger pslog.Logger) []schema.Step {
	return []schema.Step{
		{Version: VersionBackfillKind, Name: "backfill_kind", Apply: backfillKind},
		{Version: VersionDropActionType, Name: "drop_action_type_event_id", Apply: dropActionType},
		{Version: VersionEpochSeconds, Name: "executed_at_epoch_seconds", Apply: func(ctx context.Context, tx schema.Tx) (schema.Result, error) {
			return epochSeconds(ctx, tx, logger)
		}},
	}
}

func newRunner(db *leveldb.DB, clk clock.Clock, logger pslog.Logger) (*schema.Runner, error) {
	return schema.NewRunner(schema.Config{
		Backend:       dbBackend{db: db},
		Steps:         steps(logger),
		Baseline:      VersionLegacy,
		VersionKey:    versionKey,
		JournalPrefix: journalPrefix,
		Clock:         clk,
		Logger:        logger,
	})
}

// rawRow keeps unknown columns intact across read-then-write steps.
type rawRow map[string]json.RawMessage

func (r rawRow) str(field string) (string, bool, error) {
	raw, ok := r[field]
	if !ok || string(raw) == "null" {
		return "", false, nil
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false, fmt.Errorf("column %s: %w", field, err)
	}
	return v, true, nil
}

func (r rawRow) set(field string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	r[field] = raw
	return nil
}

func eachRow(tx schema.Tx, fn func(key []byte, r rawRow) (bool, error)) (int, error) {
	rows := 0
	err := tx.Scan(rowPrefix, func(key, value []byte) error {
		r := rawRow{}
		if err := json.Unmarshal(value, &r); err != nil {
			return fmt.Errorf("row %q: %w", key, err)
		}
		changed, err := fn(key, r)
		if err != nil {
			return fmt.Errorf("row %q: %w", key, err)
		}
		if !changed {
			return nil
		}
		encoded, err := json.Marshal(r)
		if err != nil {
			return err
		}
		rows++
		return tx.Put(key, encoded)
	})
	return rows, err
}

func loadEnum(tx schema.Tx) (map[string]actionlog.Kind, error) {
	raw, err := tx.Get(enumKey)
	if errors.Is(err, schema.ErrNotFound) {
		return legacyActionTypes, nil
	}
	if err != nil {
		return nil, err
	}
	var values []string
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("enum action_type: %w", err)
	}
	out := make(map[string]actionlog.Kind, len(values))
	for _, v := range values {
		kind, ok := legacyActionTypes[v]
		if !ok {
			return nil, fmt.Errorf("enum action_type has unmapped value %q", v)
		}
		out[v] = kind
	}
	return out, nil
}

// backfillKind sets kind from action_type on every row that lacks it.
func backfillKind(ctx context.Context, tx schema.Tx) (schema.Result, error) {
	enum, err := loadEnum(tx)
	if err != nil {
		return schema.Result{}, err
	}
	rows, err := eachRow(tx, func(_ []byte, r rawRow) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if kind, ok, err := r.str("kind"); err != nil {
			return false, err
		} else if ok {
			if _, err := actionlog.ParseKind(kind); err != nil {
				return false, err
			}
			return false, nil
		}
		legacy, ok, err := r.str("action_type")
		if err != nil {
			return false, err
		}
		if !ok {
			return false, fmt.Errorf("neither kind nor action_type set")
		}
		kind, known := enum[legacy]
		if !known {
			return false, fmt.Errorf("action_type %q is not a registered enum value", legacy)
		}
		return true, r.set("kind", kind)
	})
	return schema.Result{Rows: rows}, err
}

// dropActionType removes action_type, event_id and the enum type once every
// row carries a valid kind.
func dropActionType(ctx context.Context, tx schema.Tx) (schema.Result, error) {
	var droppedEventIDs int64
	rows, err := eachRow(tx, func(_ []byte, r rawRow) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		kind, ok, err := r.str("kind")
		if err != nil {
			return false, err
		}
		if !ok {
			return false, fmt.Errorf("kind not backfilled; refusing to drop action_type")
		}
		if _, err := actionlog.ParseKind(kind); err != nil {
			return false, err
		}
		_, hasType := r["action_type"]
		_, hasEvent := r["event_id"]
		if hasEvent {
			droppedEventIDs++
		}
		delete(r, "action_type")
		delete(r, "event_id")
		return hasType || hasEvent, nil
	})
	if err != nil {
		return schema.Result{}, err
	}
	if err := tx.Delete(enumKey); err != nil {
		return schema.Result{}, err
	}
	return schema.Result{Rows: rows, Details: map[string]int64{"event_ids_dropped": droppedEventIDs}}, nil
}

// epochSeconds converts created_at and executed_at from textual timestamps
// to integer epoch seconds. Sub-second precision is dropped and counted.
func epochSeconds(ctx context.Context, tx schema.Tx, logger pslog.Logger) (schema.Result, error) {
	var lossy, nullExecuted int64
	rows, err := eachRow(tx, func(key []byte, r rawRow) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		changed := false
		for _, field := range []string{"created_at", "executed_at"} {
			raw, present := r[field]
			if !present || string(raw) == "null" {
				if field == "executed_at" {
					nullExecuted++
				}
				continue
			}
			var text string
			if err := json.Unmarshal(raw, &text); err != nil {
				// Already numeric.
				var secs int64
				if nerr := json.Unmarshal(raw, &secs); nerr != nil {
					return false, fmt.Errorf("column %s: neither timestamp nor epoch seconds", field)
				}
				continue
			}
			secs, dropped, err := epoch.Convert(text)
			if err != nil {
				return false, fmt.Errorf("column %s: %w", field, err)
			}
			if dropped > 0 {
				lossy++
				logger.Debug("schema.epoch.precision_dropped", "key", string(key), "column", field, "value", text, "dropped", dropped.String())
			}
			if err := r.set(field, secs); err != nil {
				return false, err
			}
			changed = true
		}
		return changed, nil
	})
	if err != nil {
		return schema.Result{}, err
	}
	if lossy > 0 {
		logger.Warn("schema.epoch.precision_dropped.total", "values", lossy)
	}
	return schema.Result{Rows: rows, Details: map[string]int64{
		"fractional_seconds_dropped": lossy,
		"executed_at_null":           nullExecuted,
	}}, nil
}

// dbBackend adapts goleveldb transactions to schema.Backend.
type dbBackend struct {
	db *leveldb.DB
}

func (b dbBackend) Begin(ctx context.Context) (schema.Txn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tr, err := b.db.OpenTransaction()
	if err != nil {
		return nil, err
	}
	return dbTxn{tr: tr}, nil
}

type dbTxn struct {
	tr *leveldb.Transaction
}

func (t dbTxn) Get(key []byte) ([]byte, error) {
	v, err := t.tr.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, schema.ErrNotFound
	}
	return v, err
}

func (t dbTxn) Put(key, value []byte) error { return t.tr.Put(key, value, nil) }

func (t dbTxn) Delete(key []byte) error { return t.tr.Delete(key, nil) }

func (t dbTxn) Scan(prefix []byte, fn func(key, value []byte) error) error {
	type pair struct{ key, value []byte }
	iter := t.tr.NewIterator(util.BytesPrefix(prefix), nil)
	var pairs []pair
	for iter.Next() {
		pairs = append(pairs, pair{
			key:   append([]byte(nil), iter.Key()...),
			value: append([]byte(nil), iter.Value()...),
		})
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}
	for _, p := range pairs {
		if err := fn(p.key, p.value); err != nil {
			return err
		}
	}
	return nil
}

func (t dbTxn) Commit() error { return t.tr.Commit() }

func (t dbTxn) Discard() { t.tr.Discard() }
