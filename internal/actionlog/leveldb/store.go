// Package leveldb stores the action log as a table of JSON rows in goleveldb,
// one key per (instance_id, sequence). The row shape is versioned and evolved
// by the migration steps in migrations.go.
package leveldb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"pkt.systems/pslog"

	"pkt.systems/tpcd/internal/actionlog"
	"pkt.systems/tpcd/internal/clock"
	"pkt.systems/tpcd/internal/schema"
	"pkt.systems/tpcd/internal/svcfields"
)

var (
	rowPrefix     = []byte("a/")
	versionKey    = []byte("m/schema_version")
	journalPrefix = []byte("m/migrations/")
	enumKey       = []byte("m/enum/action_type")

	// ErrSchemaOutdated indicates the store needs `tpcd migrate` before use.
	ErrSchemaOutdated = errors.New("leveldb: schema version is outdated")
)

const keySep = 0x00

// Config configures the leveldb store.
type Config struct {
	// Path is the database directory. Empty with InMemory set opens a
	// throwaway in-memory database.
	Path     string
	InMemory bool
	// AutoMigrate applies pending schema steps on open.
	AutoMigrate bool
	Clock       clock.Clock
	Logger      pslog.Logger
}

// Store implements actionlog.Store on goleveldb.
type Store struct {
	db     *leveldb.DB
	clock  clock.Clock
	logger pslog.Logger
	runner *schema.Runner

	mu     sync.Mutex
	next   map[string]uint64
	closed atomic.Bool
}

var syncWrite = &opt.WriteOptions{Sync: true}

func openDB(cfg Config) (*leveldb.DB, error) {
	if cfg.InMemory {
		return leveldb.Open(storage.NewMemStorage(), nil)
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("leveldb: path required")
	}
	db, err := leveldb.OpenFile(cfg.Path, nil)
	if lerrors.IsCorrupted(err) {
		return nil, fmt.Errorf("leveldb: %s is corrupted (run a manual recover): %w", cfg.Path, err)
	}
	return db, err
}

// Open opens the store, stamping fresh databases with the latest schema and
// migrating older ones when cfg.AutoMigrate is set.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	s, err := newStore(db, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := s.prepare(ctx, cfg.AutoMigrate); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func newStore(db *leveldb.DB, cfg Config) (*Store, error) {
	logger := svcfields.EnsureLogger(cfg.Logger)
	clk := clock.Ensure(cfg.Clock)
	runner, err := newRunner(db, clk, logger)
	if err != nil {
		return nil, err
	}
	return &Store{
		db:     db,
		clock:  clk,
		logger: logger,
		runner: runner,
		next:   make(map[string]uint64),
	}, nil
}

func (s *Store) prepare(ctx context.Context, migrate bool) error {
	fresh, err := s.fresh()
	if err != nil {
		return err
	}
	if fresh {
		return s.runner.Stamp(ctx, s.runner.Latest())
	}
	if migrate {
		report, err := s.runner.Migrate(ctx, false)
		if err != nil {
			return err
		}
		if len(report.Applied) > 0 {
			s.logger.Info("actionlog.leveldb.migrated", "from", report.From, "to", report.To, "steps", len(report.Applied))
		}
	}
	current, err := s.runner.Current(ctx)
	if err != nil {
		return err
	}
	if current != s.runner.Latest() {
		if current > s.runner.Latest() {
			return fmt.Errorf("%w: %d > %d", schema.ErrNewerVersion, current, s.runner.Latest())
		}
		return fmt.Errorf("%w: at %d, need %d", ErrSchemaOutdated, current, s.runner.Latest())
	}
	return nil
}

// fresh reports whether the database has neither a version nor any rows.
func (s *Store) fresh() (bool, error) {
	if _, err := s.db.Get(versionKey, nil); err == nil {
		return false, nil
	} else if !errors.Is(err, leveldb.ErrNotFound) {
		return false, err
	}
	iter := s.db.NewIterator(util.BytesPrefix(rowPrefix), nil)
	defer iter.Release()
	if iter.First() {
		return false, nil
	}
	return true, iter.Error()
}

// Migrate opens the database at cfg, applies (or with dryRun, simulates) the
// pending schema steps and closes it again.
func Migrate(ctx context.Context, cfg Config, dryRun bool) (schema.Report, error) {
	db, err := openDB(cfg)
	if err != nil {
		return schema.Report{}, err
	}
	defer db.Close()
	s, err := newStore(db, cfg)
	if err != nil {
		return schema.Report{}, err
	}
	fresh, err := s.fresh()
	if err != nil {
		return schema.Report{}, err
	}
	if fresh && !dryRun {
		latest := s.runner.Latest()
		return schema.Report{From: latest, To: latest}, s.runner.Stamp(ctx, latest)
	}
	return s.runner.Migrate(ctx, dryRun)
}

// SchemaVersion returns the stored schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	return s.runner.Current(ctx)
}

// Journal returns the applied migration steps.
func (s *Store) Journal(ctx context.Context) ([]schema.JournalEntry, error) {
	return s.runner.Journal(ctx)
}

func instancePrefix(instanceID string) []byte {
	key := make([]byte, 0, len(rowPrefix)+len(instanceID)+1)
	key = append(key, rowPrefix...)
	key = append(key, instanceID...)
	return append(key, keySep)
}

func rowKey(instanceID string, sequence uint64) []byte {
	return append(instancePrefix(instanceID), []byte(fmt.Sprintf("%020d", sequence))...)
}

func parseRowKey(key []byte) (string, uint64, error) {
	rest := bytes.TrimPrefix(key, rowPrefix)
	idx := bytes.IndexByte(rest, keySep)
	if idx < 0 {
		return "", 0, fmt.Errorf("leveldb: malformed row key %q", key)
	}
	seq, err := strconv.ParseUint(string(rest[idx+1:]), 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("leveldb: malformed row key %q: %w", key, err)
	}
	return string(rest[:idx]), seq, nil
}

// row is the current (v4) row shape.
type row struct {
	InstanceID  string `json:"instance_id"`
	Sequence    uint64 `json:"sequence"`
	Kind        string `json:"kind"`
	Participant string `json:"participant,omitempty"`
	Payload     []byte `json:"payload,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	ExecutedAt  *int64 `json:"executed_at"`
	Status      string `json:"status"`
}

func encodeRow(a actionlog.Action) ([]byte, error) {
	r := row{
		InstanceID:  a.InstanceID,
		Sequence:    a.Sequence,
		Kind:        string(a.Kind),
		Participant: a.Participant,
		Payload:     a.Payload,
		CreatedAt:   a.CreatedAtUnix,
		Status:      string(a.Status),
	}
	if a.ExecutedAtUnix != 0 {
		at := a.ExecutedAtUnix
		r.ExecutedAt = &at
	}
	return json.Marshal(r)
}

func decodeRow(raw []byte) (actionlog.Action, error) {
	var r row
	if err := json.Unmarshal(raw, &r); err != nil {
		return actionlog.Action{}, err
	}
	kind, err := actionlog.ParseKind(r.Kind)
	if err != nil {
		return actionlog.Action{}, err
	}
	status, err := actionlog.ParseStatus(r.Status)
	if err != nil {
		return actionlog.Action{}, err
	}
	a := actionlog.Action{
		InstanceID:    r.InstanceID,
		Sequence:      r.Sequence,
		Kind:          kind,
		Participant:   r.Participant,
		Payload:       r.Payload,
		CreatedAtUnix: r.CreatedAt,
		Status:        status,
	}
	if r.ExecutedAt != nil {
		a.ExecutedAtUnix = *r.ExecutedAt
	}
	if a.Status == actionlog.StatusExecuted && a.ExecutedAtUnix == 0 {
		return actionlog.Action{}, fmt.Errorf("executed row %s/%d has null executed_at", r.InstanceID, r.Sequence)
	}
	return a, nil
}

func (s *Store) fault(op, instanceID string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, leveldb.ErrClosed):
		return actionlog.ErrClosed
	case lerrors.IsCorrupted(err):
		return actionlog.Fault(op, instanceID, err)
	default:
		return actionlog.TransientFault(op, instanceID, err)
	}
}

func (s *Store) checkOpen(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return actionlog.ErrClosed
	}
	return nil
}

func (s *Store) lastSequence(instanceID string) (uint64, error) {
	if next, ok := s.next[instanceID]; ok {
		return next, nil
	}
	iter := s.db.NewIterator(util.BytesPrefix(instancePrefix(instanceID)), nil)
	defer iter.Release()
	var last uint64
	if iter.Last() {
		_, seq, err := parseRowKey(iter.Key())
		if err != nil {
			return 0, err
		}
		last = seq
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}
	s.next[instanceID] = last
	return last, nil
}

// Append records a pending action.
func (s *Store) Append(ctx context.Context, instanceID string, entry actionlog.Entry) (uint64, error) {
	if err := actionlog.ValidateEntry(instanceID, entry); err != nil {
		return 0, err
	}
	if strings.IndexByte(instanceID, keySep) >= 0 {
		return 0, fmt.Errorf("leveldb: instance id must not contain NUL")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(ctx); err != nil {
		return 0, err
	}
	last, err := s.lastSequence(instanceID)
	if err != nil {
		return 0, s.fault("append", instanceID, err)
	}
	action := actionlog.Action{
		InstanceID:    instanceID,
		Sequence:      last + 1,
		Kind:          entry.Kind,
		Participant:   entry.Participant,
		CreatedAtUnix: entry.CreatedAt(clock.NowUnix(s.clock)),
		Status:        actionlog.StatusPending,
	}
	if len(entry.Payload) > 0 {
		action.Payload = append([]byte(nil), entry.Payload...)
	}
	raw, err := encodeRow(action)
	if err != nil {
		return 0, err
	}
	if err := s.db.Put(rowKey(instanceID, action.Sequence), raw, syncWrite); err != nil {
		return 0, s.fault("append", instanceID, err)
	}
	s.next[instanceID] = action.Sequence
	return action.Sequence, nil
}

// MarkExecuted flips a pending action to executed.
func (s *Store) MarkExecuted(ctx context.Context, instanceID string, sequence uint64, executedAtUnix int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	key := rowKey(instanceID, sequence)
	raw, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return actionlog.ErrNotFound
	}
	if err != nil {
		return s.fault("mark_executed", instanceID, err)
	}
	action, err := decodeRow(raw)
	if err != nil {
		return actionlog.Fault("mark_executed", instanceID, err)
	}
	if !action.Pending() {
		return actionlog.ErrAlreadyExecuted
	}
	at, err := actionlog.ExecutionTime(action.CreatedAtUnix, executedAtUnix)
	if err != nil {
		return err
	}
	action.ExecutedAtUnix = at
	action.Status = actionlog.StatusExecuted
	updated, err := encodeRow(action)
	if err != nil {
		return err
	}
	return s.fault("mark_executed", instanceID, s.db.Put(key, updated, syncWrite))
}

func (s *Store) scan(prefix []byte, pendingOnly bool) ([]actionlog.Action, error) {
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	var out []actionlog.Action
	for iter.Next() {
		action, err := decodeRow(iter.Value())
		if err != nil {
			return nil, actionlog.Fault("decode", "", fmt.Errorf("row %q: %w", iter.Key(), err))
		}
		if pendingOnly && !action.Pending() {
			continue
		}
		out = append(out, action)
	}
	if err := iter.Error(); err != nil {
		return nil, s.fault("scan", "", err)
	}
	return out, nil
}

// ListPending returns the pending actions of one instance.
func (s *Store) ListPending(ctx context.Context, instanceID string) ([]actionlog.Action, error) {
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}
	return s.scan(instancePrefix(instanceID), true)
}

// List returns every action of one instance.
func (s *Store) List(ctx context.Context, instanceID string) ([]actionlog.Action, error) {
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}
	return s.scan(instancePrefix(instanceID), false)
}

// ListAllPending returns pending actions across instances. Key order groups
// rows by instance id and then by sequence.
func (s *Store) ListAllPending(ctx context.Context) ([]actionlog.Action, error) {
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}
	return s.scan(rowPrefix, true)
}

// Instances lists instance ids in ascending order.
func (s *Store) Instances(ctx context.Context) ([]string, error) {
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}
	iter := s.db.NewIterator(util.BytesPrefix(rowPrefix), nil)
	defer iter.Release()
	var ids []string
	for iter.Next() {
		id, _, err := parseRowKey(iter.Key())
		if err != nil {
			return nil, actionlog.Fault("instances", "", err)
		}
		if len(ids) == 0 || ids[len(ids)-1] != id {
			ids = append(ids, id)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, s.fault("instances", "", err)
	}
	return ids, nil
}

// Purge removes a fully executed instance.
func (s *Store) Purge(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	iter := s.db.NewIterator(util.BytesPrefix(instancePrefix(instanceID)), nil)
	batch := new(leveldb.Batch)
	for iter.Next() {
		action, err := decodeRow(iter.Value())
		if err != nil {
			iter.Release()
			return actionlog.Fault("purge", instanceID, err)
		}
		if action.Pending() {
			iter.Release()
			return actionlog.ErrPendingActions
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return s.fault("purge", instanceID, err)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := s.db.Write(batch, syncWrite); err != nil {
		return s.fault("purge", instanceID, err)
	}
	delete(s.next, instanceID)
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
