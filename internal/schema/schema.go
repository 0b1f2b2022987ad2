// Package schema applies versioned migration steps to a key/value backed
// table. Every step runs in one transaction together with the version bump,
// is skipped once the stored version has reached it, and leaves a journal
// entry describing what it changed.
package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"pkt.systems/pslog"

	"pkt.systems/tpcd/internal/clock"
	"pkt.systems/tpcd/internal/svcfields"
)

var (
	// ErrNotFound is returned by Tx.Get for a missing key.
	ErrNotFound = errors.New("schema: key not found")
	// ErrNewerVersion indicates the store was written by a newer binary.
	ErrNewerVersion = errors.New("schema: store version is newer than supported")
)

// Tx is the view of the store a step operates on.
type Tx interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	// Scan calls fn for every key with prefix in ascending key order. The
	// pairs are read before fn runs, so fn may write through the same Tx.
	Scan(prefix []byte, fn func(key, value []byte) error) error
}

// Txn is a Tx that can be committed or discarded.
type Txn interface {
	Tx
	Commit() error
	Discard()
}

// Backend opens migration transactions.
type Backend interface {
	Begin(ctx context.Context) (Txn, error)
}

// Result describes what a step changed.
type Result struct {
	Rows    int              `json:"rows"`
	Details map[string]int64 `json:"details,omitempty"`
}

// Step is one migration. Apply must be safe to run against data that already
// has the step's shape.
type Step struct {
	Version int
	Name    string
	Apply   func(ctx context.Context, tx Tx) (Result, error)
}

// JournalEntry is persisted for every applied step.
type JournalEntry struct {
	Version   int              `json:"version"`
	Name      string           `json:"name"`
	AppliedAt int64            `json:"applied_at"`
	Rows      int              `json:"rows"`
	Details   map[string]int64 `json:"details,omitempty"`
}

// Config configures a Runner.
type Config struct {
	Backend Backend
	Steps   []Step
	// Baseline is the version assumed when no version key exists.
	Baseline int
	// VersionKey stores the current version as a decimal string.
	VersionKey []byte
	// JournalPrefix prefixes journal entry keys.
	JournalPrefix []byte
	Clock         clock.Clock
	Logger        pslog.Logger
}

// Runner applies steps in order.
type Runner struct {
	backend       Backend
	steps         []Step
	baseline      int
	versionKey    []byte
	journalPrefix []byte
	clock         clock.Clock
	logger        pslog.Logger
}

// Report summarises a Migrate call.
type Report struct {
	From    int
	To      int
	DryRun  bool
	Applied []JournalEntry
}

// NewRunner validates cfg and returns a Runner.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("schema: backend required")
	}
	if len(cfg.VersionKey) == 0 {
		return nil, fmt.Errorf("schema: version key required")
	}
	prev := cfg.Baseline
	for _, step := range cfg.Steps {
		if step.Version != prev+1 {
			return nil, fmt.Errorf("schema: step %q has version %d, expected %d", step.Name, step.Version, prev+1)
		}
		if step.Apply == nil {
			return nil, fmt.Errorf("schema: step %q has no apply func", step.Name)
		}
		prev = step.Version
	}
	return &Runner{
		backend:       cfg.Backend,
		steps:         append([]Step(nil), cfg.Steps...),
		baseline:      cfg.Baseline,
		versionKey:    append([]byte(nil), cfg.VersionKey...),
		journalPrefix: append([]byte(nil), cfg.JournalPrefix...),
		clock:         clock.Ensure(cfg.Clock),
		logger:        svcfields.EnsureLogger(cfg.Logger),
	}, nil
}

// Latest returns the highest version the runner knows.
func (r *Runner) Latest() int {
	if len(r.steps) == 0 {
		return r.baseline
	}
	return r.steps[len(r.steps)-1].Version
}

// Current returns the stored version.
func (r *Runner) Current(ctx context.Context) (int, error) {
	txn, err := r.backend.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer txn.Discard()
	return r.readVersion(txn)
}

// Pending returns the steps that still need to run.
func (r *Runner) Pending(ctx context.Context) ([]Step, error) {
	current, err := r.Current(ctx)
	if err != nil {
		return nil, err
	}
	if current > r.Latest() {
		return nil, fmt.Errorf("%w: %d > %d", ErrNewerVersion, current, r.Latest())
	}
	var out []Step
	for _, step := range r.steps {
		if step.Version > current {
			out = append(out, step)
		}
	}
	return out, nil
}

// Stamp records version without running any step. It is used for freshly
// created stores that already have the latest shape.
func (r *Runner) Stamp(ctx context.Context, version int) error {
	txn, err := r.backend.Begin(ctx)
	if err != nil {
		return err
	}
	defer txn.Discard()
	if err := r.writeVersion(txn, version); err != nil {
		return err
	}
	return txn.Commit()
}

// Migrate applies every pending step. With dryRun set all pending steps run
// inside one transaction that is discarded afterwards.
func (r *Runner) Migrate(ctx context.Context, dryRun bool) (Report, error) {
	current, err := r.Current(ctx)
	if err != nil {
		return Report{}, err
	}
	if current > r.Latest() {
		return Report{}, fmt.Errorf("%w: %d > %d", ErrNewerVersion, current, r.Latest())
	}
	report := Report{From: current, To: current, DryRun: dryRun}
	if dryRun {
		return r.dryRun(ctx, report)
	}
	for _, step := range r.steps {
		if step.Version <= current {
			continue
		}
		entry, applied, err := r.applyStep(ctx, step)
		if err != nil {
			return report, err
		}
		if applied {
			report.Applied = append(report.Applied, entry)
		}
		report.To = step.Version
	}
	return report, nil
}

func (r *Runner) applyStep(ctx context.Context, step Step) (JournalEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return JournalEntry{}, false, err
	}
	txn, err := r.backend.Begin(ctx)
	if err != nil {
		return JournalEntry{}, false, err
	}
	defer txn.Discard()
	// Re-read under the transaction so a concurrent runner cannot apply twice.
	version, err := r.readVersion(txn)
	if err != nil {
		return JournalEntry{}, false, err
	}
	if version >= step.Version {
		return JournalEntry{}, false, nil
	}
	entry, err := r.runStep(ctx, txn, step)
	if err != nil {
		return JournalEntry{}, false, err
	}
	if err := txn.Commit(); err != nil {
		return JournalEntry{}, false, fmt.Errorf("schema: commit step %d %s: %w", step.Version, step.Name, err)
	}
	r.logger.Info("schema.migrate.step", "version", step.Version, "name", step.Name, "rows", entry.Rows, "details", entry.Details)
	return entry, true, nil
}

func (r *Runner) dryRun(ctx context.Context, report Report) (Report, error) {
	txn, err := r.backend.Begin(ctx)
	if err != nil {
		return report, err
	}
	defer txn.Discard()
	for _, step := range r.steps {
		if step.Version <= report.From {
			continue
		}
		entry, err := r.runStep(ctx, txn, step)
		if err != nil {
			return report, err
		}
		report.Applied = append(report.Applied, entry)
		report.To = step.Version
	}
	return report, nil
}

func (r *Runner) runStep(ctx context.Context, txn Txn, step Step) (JournalEntry, error) {
	result, err := step.Apply(ctx, txn)
	if err != nil {
		return JournalEntry{}, fmt.Errorf("schema: step %d %s: %w", step.Version, step.Name, err)
	}
	entry := JournalEntry{
		Version:   step.Version,
		Name:      step.Name,
		AppliedAt: clock.NowUnix(r.clock),
		Rows:      result.Rows,
		Details:   result.Details,
	}
	if len(r.journalPrefix) > 0 {
		raw, err := json.Marshal(entry)
		if err != nil {
			return JournalEntry{}, fmt.Errorf("schema: encode journal: %w", err)
		}
		if err := txn.Put(r.JournalKey(step.Version), raw); err != nil {
			return JournalEntry{}, fmt.Errorf("schema: write journal: %w", err)
		}
	}
	if err := r.writeVersion(txn, step.Version); err != nil {
		return JournalEntry{}, err
	}
	return entry, nil
}

// JournalKey returns the key of the journal entry for version.
func (r *Runner) JournalKey(version int) []byte {
	return append(append([]byte(nil), r.journalPrefix...), []byte(fmt.Sprintf("%06d", version))...)
}

// Journal returns every journal entry in version order.
func (r *Runner) Journal(ctx context.Context) ([]JournalEntry, error) {
	if len(r.journalPrefix) == 0 {
		return nil, nil
	}
	txn, err := r.backend.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Discard()
	var out []JournalEntry
	err = txn.Scan(r.journalPrefix, func(_, value []byte) error {
		var entry JournalEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			return fmt.Errorf("schema: decode journal: %w", err)
		}
		out = append(out, entry)
		return nil
	})
	return out, err
}

func (r *Runner) readVersion(tx Tx) (int, error) {
	raw, err := tx.Get(r.versionKey)
	if errors.Is(err, ErrNotFound) {
		return r.baseline, nil
	}
	if err != nil {
		return 0, fmt.Errorf("schema: read version: %w", err)
	}
	v, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, fmt.Errorf("schema: invalid stored version %q", raw)
	}
	return v, nil
}

func (r *Runner) writeVersion(tx Tx, version int) error {
	if err := tx.Put(r.versionKey, []byte(strconv.Itoa(version))); err != nil {
		return fmt.Errorf("schema: write version: %w", err)
	}
	return nil
}
