// Package recovery rebuilds in-flight instances from the action log at
// startup and hands them back to the coordinator.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/tpcd/internal/actionlog"
	"pkt.systems/tpcd/internal/coordinator"
	"pkt.systems/tpcd/internal/svcfields"
)

// ErrCorruptLog marks an instance whose rows violate the protocol.
var ErrCorruptLog = errors.New("recovery: corrupt action log")

// CorruptLogError names the instance and the rows that conflict.
type CorruptLogError struct {
	InstanceID string
	Sequences  []uint64
	Reason     string
}

func (e *CorruptLogError) Error() string {
	seqs := make([]string, len(e.Sequences))
	for i, s := range e.Sequences {
		seqs[i] = fmt.Sprint(s)
	}
	return fmt.Sprintf("recovery: corrupt action log for %s: %s (sequences %s)", e.InstanceID, e.Reason, strings.Join(seqs, ","))
}

// Is lets errors.Is match ErrCorruptLog.
func (e *CorruptLogError) Is(target error) bool {
	return target == ErrCorruptLog
}

// Resumer receives the instances found in the log.
type Resumer interface {
	Resume(ctx context.Context, r coordinator.Recovered) error
	Quarantine(instanceID string, cause error)
}

// Config wires a Scanner.
type Config struct {
	Store       actionlog.Store
	Coordinator Resumer
	Logger      pslog.Logger
}

// Scanner replays the action log into a coordinator.
type Scanner struct {
	store   actionlog.Store
	coord   Resumer
	logger  pslog.Logger
	metrics *recoveryMetrics
}

// Report summarises one scan.
type Report struct {
	Instances int
	Pending   int
	Resumed   map[coordinator.Phase]int
	// Corrupt holds instances that were quarantined instead of resumed.
	Corrupt []*CorruptLogError
	// Failed holds instances the coordinator refused to resume.
	Failed map[string]error
	Elapsed time.Duration
}

// Err joins every per-instance failure of the scan.
func (r Report) Err() error {
	errs := make([]error, 0, len(r.Corrupt)+len(r.Failed))
	for _, c := range r.Corrupt {
		errs = append(errs, c)
	}
	ids := make([]string, 0, len(r.Failed))
	for id := range r.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		errs = append(errs, fmt.Errorf("recovery: resume %s: %w", id, r.Failed[id]))
	}
	return errors.Join(errs...)
}

// New returns a Scanner.
func New(cfg Config) (*Scanner, error) {
	if cfg.Store == nil {
		return nil, errors.New("recovery: store required")
	}
	if cfg.Coordinator == nil {
		return nil, errors.New("recovery: coordinator required")
	}
	logger := svcfields.WithSubsystem(svcfields.EnsureLogger(cfg.Logger), "recovery.scanner")
	return &Scanner{
		store:   cfg.Store,
		coord:   cfg.Coordinator,
		logger:  logger,
		metrics: newRecoveryMetrics(logger),
	}, nil
}

// Scan resumes every instance that still has rows in the log. A store
// failure aborts the scan; a corrupt or unresumable instance is quarantined
// and reported in the Report.
func (s *Scanner) Scan(ctx context.Context) (Report, error) {
	start := time.Now()
	report := Report{
		Resumed: make(map[coordinator.Phase]int),
		Failed:  make(map[string]error),
	}
	ids, err := s.store.Instances(ctx)
	if err != nil {
		return report, fmt.Errorf("recovery: list instances: %w", err)
	}
	s.logger.Info("recovery.scan.start", "instances", len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		rows, err := s.store.List(ctx, id)
		if err != nil {
			return report, fmt.Errorf("recovery: list %s: %w", id, err)
		}
		if len(rows) == 0 {
			continue
		}
		report.Instances++
		for _, a := range rows {
			if a.Pending() {
				report.Pending++
			}
		}
		phase, err := Derive(id, rows)
		if err != nil {
			var corrupt *CorruptLogError
			if !errors.As(err, &corrupt) {
				corrupt = &CorruptLogError{InstanceID: id, Reason: err.Error()}
			}
			report.Corrupt = append(report.Corrupt, corrupt)
			s.coord.Quarantine(id, corrupt)
			s.metrics.recordInstance(ctx, "corrupt", "")
			continue
		}
		if err := s.coord.Resume(ctx, coordinator.Recovered{InstanceID: id, Phase: phase, Actions: rows}); err != nil {
			report.Failed[id] = err
			s.coord.Quarantine(id, err)
			s.logger.Error("recovery.instance.resume_failed", "instance_id", id, "phase", phase, "error", err)
			s.metrics.recordInstance(ctx, "failed", phase)
			continue
		}
		report.Resumed[phase]++
		s.metrics.recordInstance(ctx, "resumed", phase)
	}
	report.Elapsed = time.Since(start)
	s.metrics.recordScan(ctx, report.Elapsed)
	s.logger.Info("recovery.scan.complete",
		"instances", report.Instances,
		"pending", report.Pending,
		"corrupt", len(report.Corrupt),
		"failed", len(report.Failed),
		"elapsed", report.Elapsed,
	)
	return report, nil
}

// Derive re-derives the phase of an instance from its rows.
//
// Rows of both decision kinds make the log corrupt. Otherwise a decision row
// means COMMITTING or ABORTING until nothing is pending and every
// participant has an executed row of that kind. An instance with only vote
// requests is still VOTING: the coordinator writes decision rows before it
// closes outstanding vote requests.
func Derive(instanceID string, rows []actionlog.Action) (coordinator.Phase, error) {
	if len(rows) == 0 {
		return "", fmt.Errorf("recovery: %s has no actions", instanceID)
	}
	var commits, aborts, pendingDecisions, unordered, badRow []uint64
	var lastSeq uint64
	pendingCount := 0
	participants := make(map[string]struct{})
	committed := make(map[string]struct{})
	aborted := make(map[string]struct{})
	for _, a := range rows {
		if a.Sequence <= lastSeq {
			unordered = append(unordered, a.Sequence)
		}
		lastSeq = a.Sequence
		if !a.Kind.Valid() || a.Participant == "" {
			badRow = append(badRow, a.Sequence)
			continue
		}
		if a.Status == actionlog.StatusExecuted && a.ExecutedAtUnix < a.CreatedAtUnix {
			badRow = append(badRow, a.Sequence)
		}
		participants[a.Participant] = struct{}{}
		if a.Pending() {
			pendingCount++
		}
		switch a.Kind {
		case actionlog.KindCommit:
			commits = append(commits, a.Sequence)
			if a.Pending() {
				pendingDecisions = append(pendingDecisions, a.Sequence)
			} else {
				committed[a.Participant] = struct{}{}
			}
		case actionlog.KindAbort:
			aborts = append(aborts, a.Sequence)
			if a.Pending() {
				pendingDecisions = append(pendingDecisions, a.Sequence)
			} else {
				aborted[a.Participant] = struct{}{}
			}
		}
	}
	switch {
	case len(unordered) > 0:
		return "", &CorruptLogError{InstanceID: instanceID, Sequences: unordered, Reason: "sequences out of order"}
	case len(badRow) > 0:
		return "", &CorruptLogError{InstanceID: instanceID, Sequences: badRow, Reason: "malformed rows"}
	case len(commits) > 0 && len(aborts) > 0:
		reason := "commit and abort rows"
		seqs := append(append([]uint64(nil), commits...), aborts...)
		if len(pendingDecisions) > 0 {
			reason = "pending commit and abort rows"
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		return "", &CorruptLogError{InstanceID: instanceID, Sequences: seqs, Reason: reason}
	case len(commits) > 0:
		if pendingCount > 0 || len(committed) < len(participants) {
			return coordinator.PhaseCommitting, nil
		}
		return coordinator.PhaseCommitted, nil
	case len(aborts) > 0:
		if pendingCount > 0 || len(aborted) < len(participants) {
			return coordinator.PhaseAborting, nil
		}
		return coordinator.PhaseAborted, nil
	default:
		return coordinator.PhaseVoting, nil
	}
}
