// Package disk implements actionlog.Store as a single append-only file of
// checksummed records. The file is replayed into an in-memory index on open
// and rewritten once enough purged rows accumulate.
package disk

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/tpcd/internal/actionlog"
	"pkt.systems/tpcd/internal/clock"
	"pkt.systems/tpcd/internal/svcfields"
)

const (
	logFileName  = "actions.log"
	lockFileName = "LOCK"

	// DefaultCompactThreshold is the number of dead records that triggers a rewrite.
	DefaultCompactThreshold = 4096
)

// Config configures the disk store.
type Config struct {
	Dir              string
	Clock            clock.Clock
	Logger           pslog.Logger
	CompactThreshold int
}

// Store is a file backed action log.
type Store struct {
	mu               sync.Mutex
	dir              string
	clock            clock.Clock
	logger           pslog.Logger
	compactThreshold int

	lock   *os.File
	file   *os.File
	size   int64
	dead   int
	broken error
	closed bool

	instances map[string]*instanceLog
}

type instanceLog struct {
	next    uint64
	actions []actionlog.Action
}

// Open opens or creates the log in cfg.Dir.
func Open(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("disk: directory required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("disk: create %s: %w", cfg.Dir, err)
	}
	lock, err := os.OpenFile(filepath.Join(cfg.Dir, lockFileName), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("disk: open lock file: %w", err)
	}
	if err := lockFile(lock); err != nil {
		lock.Close()
		return nil, err
	}
	threshold := cfg.CompactThreshold
	if threshold <= 0 {
		threshold = DefaultCompactThreshold
	}
	s := &Store{
		dir:              cfg.Dir,
		clock:            clock.Ensure(cfg.Clock),
		logger:           svcfields.EnsureLogger(cfg.Logger),
		compactThreshold: threshold,
		lock:             lock,
		instances:        make(map[string]*instanceLog),
	}
	if err := s.openLog(); err != nil {
		_ = unlockFile(lock)
		lock.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) logPath() string {
	return filepath.Join(s.dir, logFileName)
}

func (s *Store) openLog() error {
	file, err := os.OpenFile(s.logPath(), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("disk: open log: %w", err)
	}
	good, err := s.replay(file)
	if err != nil {
		file.Close()
		return err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("disk: stat log: %w", err)
	}
	if info.Size() > good {
		s.logger.Warn("actionlog.disk.truncate_tail", "path", s.logPath(), "size", info.Size(), "valid", good)
		if err := file.Truncate(good); err != nil {
			file.Close()
			return fmt.Errorf("disk: truncate torn tail: %w", err)
		}
		if err := syncFile(file); err != nil {
			file.Close()
			return fmt.Errorf("disk: sync log: %w", err)
		}
	}
	if _, err := file.Seek(good, io.SeekStart); err != nil {
		file.Close()
		return fmt.Errorf("disk: seek log: %w", err)
	}
	s.file = file
	s.size = good
	return nil
}

// replay rebuilds the index and returns the offset of the last intact record.
// A damaged final record is a torn write and is dropped; damage followed by
// further records is reported as corruption.
func (s *Store) replay(file *os.File) (int64, error) {
	info, err := file.Stat()
	if err != nil {
		return 0, fmt.Errorf("disk: stat log: %w", err)
	}
	total := info.Size()
	reader := bufio.NewReader(file)
	var offset int64
	headerBuf := make([]byte, headerSize)
	for {
		if _, err := io.ReadFull(reader, headerBuf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return offset, nil
			}
			return 0, fmt.Errorf("disk: read header: %w", err)
		}
		hdr, err := decodeHeader(headerBuf)
		if err != nil {
			return 0, fmt.Errorf("disk: corrupt record at offset %d: %w", offset, err)
		}
		end := offset + headerSize + int64(hdr.payloadLen)
		if end > total {
			return offset, nil
		}
		payload := make([]byte, hdr.payloadLen)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return offset, nil
		}
		if crc32.ChecksumIEEE(payload) != hdr.payloadCRC {
			if end == total {
				return offset, nil
			}
			return 0, fmt.Errorf("disk: corrupt record at offset %d: checksum mismatch", offset)
		}
		rec, err := unmarshalRecord(hdr.recType, payload)
		if err != nil {
			return 0, fmt.Errorf("disk: decode %s record at offset %d: %w", hdr.recType, offset, err)
		}
		if err := s.apply(rec); err != nil {
			return 0, fmt.Errorf("disk: replay record at offset %d: %w", offset, err)
		}
		offset = end
	}
}

func (s *Store) apply(rec record) error {
	switch rec.recType {
	case recordAppend:
		log := s.instances[rec.instanceID]
		if log == nil {
			log = &instanceLog{}
			s.instances[rec.instanceID] = log
		}
		if rec.sequence != log.next+1 {
			return fmt.Errorf("instance %s: sequence %d follows %d", rec.instanceID, rec.sequence, log.next)
		}
		log.next = rec.sequence
		log.actions = append(log.actions, actionlog.Action{
			InstanceID:    rec.instanceID,
			Sequence:      rec.sequence,
			Kind:          rec.kind,
			Participant:   rec.participant,
			Payload:       rec.payload,
			CreatedAtUnix: rec.createdAt,
			Status:        actionlog.StatusPending,
		})
	case recordExecuted:
		action := s.find(rec.instanceID, rec.sequence)
		if action == nil {
			return fmt.Errorf("instance %s: executed record for unknown sequence %d", rec.instanceID, rec.sequence)
		}
		if !action.Pending() {
			return nil
		}
		action.ExecutedAtUnix = rec.executedAt
		action.Status = actionlog.StatusExecuted
	case recordPurge:
		if log := s.instances[rec.instanceID]; log != nil {
			s.dead += 2*len(log.actions) + 1
			delete(s.instances, rec.instanceID)
		}
	}
	return nil
}

func (s *Store) find(instanceID string, sequence uint64) *actionlog.Action {
	log := s.instances[instanceID]
	if log == nil {
		return nil
	}
	idx := sort.Search(len(log.actions), func(i int) bool { return log.actions[i].Sequence >= sequence })
	if idx >= len(log.actions) || log.actions[idx].Sequence != sequence {
		return nil
	}
	return &log.actions[idx]
}

// write appends rec and syncs it. A failed write is rolled back to the last
// good offset; if that also fails the store refuses further writes.
func (s *Store) write(op string, rec record) error {
	if s.broken != nil {
		return actionlog.Fault(op, rec.instanceID, s.broken)
	}
	buf := encodeRecord(rec)
	if _, err := s.file.WriteAt(buf, s.size); err != nil {
		return s.rollback(op, rec.instanceID, err)
	}
	if err := syncFile(s.file); err != nil {
		return s.rollback(op, rec.instanceID, err)
	}
	s.size += int64(len(buf))
	return nil
}

func (s *Store) rollback(op, instanceID string, cause error) error {
	if err := s.file.Truncate(s.size); err != nil {
		s.broken = fmt.Errorf("log unusable after failed %s: %w", op, errors.Join(cause, err))
		s.logger.Error("actionlog.disk.broken", "path", s.logPath(), "error", s.broken)
		return actionlog.Fault(op, instanceID, s.broken)
	}
	if isTransientIOError(cause) {
		return actionlog.TransientFault(op, instanceID, cause)
	}
	return actionlog.Fault(op, instanceID, cause)
}

// Append records a pending action.
func (s *Store) Append(ctx context.Context, instanceID string, entry actionlog.Entry) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := actionlog.ValidateEntry(instanceID, entry); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, actionlog.ErrClosed
	}
	var next uint64 = 1
	if log := s.instances[instanceID]; log != nil {
		next = log.next + 1
	}
	rec := record{
		recType:     recordAppend,
		instanceID:  instanceID,
		sequence:    next,
		kind:        entry.Kind,
		participant: entry.Participant,
		createdAt:   entry.CreatedAt(clock.NowUnix(s.clock)),
	}
	if len(entry.Payload) > 0 {
		rec.payload = append([]byte(nil), entry.Payload...)
	}
	if err := s.write("append", rec); err != nil {
		return 0, err
	}
	if err := s.apply(rec); err != nil {
		return 0, actionlog.Fault("append", instanceID, err)
	}
	return next, nil
}

// MarkExecuted flips a pending action to executed.
func (s *Store) MarkExecuted(ctx context.Context, instanceID string, sequence uint64, executedAtUnix int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return actionlog.ErrClosed
	}
	action := s.find(instanceID, sequence)
	if action == nil {
		return actionlog.ErrNotFound
	}
	if !action.Pending() {
		return actionlog.ErrAlreadyExecuted
	}
	at, err := actionlog.ExecutionTime(action.CreatedAtUnix, executedAtUnix)
	if err != nil {
		return err
	}
	rec := record{recType: recordExecuted, instanceID: instanceID, sequence: sequence, executedAt: at}
	if err := s.write("mark_executed", rec); err != nil {
		return err
	}
	action.ExecutedAtUnix = at
	action.Status = actionlog.StatusExecuted
	return nil
}

// ListPending returns the pending actions of one instance.
func (s *Store) ListPending(ctx context.Context, instanceID string) ([]actionlog.Action, error) {
	return s.collect(ctx, instanceID, true)
}

// List returns every action of one instance.
func (s *Store) List(ctx context.Context, instanceID string) ([]actionlog.Action, error) {
	return s.collect(ctx, instanceID, false)
}

func (s *Store) collect(ctx context.Context, instanceID string, pendingOnly bool) ([]actionlog.Action, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, actionlog.ErrClosed
	}
	return s.collectLocked(instanceID, pendingOnly), nil
}

func (s *Store) collectLocked(instanceID string, pendingOnly bool) []actionlog.Action {
	log := s.instances[instanceID]
	if log == nil {
		return nil
	}
	out := make([]actionlog.Action, 0, len(log.actions))
	for _, a := range log.actions {
		if pendingOnly && !a.Pending() {
			continue
		}
		out = append(out, a.Clone())
	}
	return out
}

// ListAllPending returns pending actions across instances.
func (s *Store) ListAllPending(ctx context.Context) ([]actionlog.Action, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, actionlog.ErrClosed
	}
	var out []actionlog.Action
	for _, id := range s.instanceIDsLocked() {
		out = append(out, s.collectLocked(id, true)...)
	}
	return out, nil
}

// Instances lists instance ids in ascending order.
func (s *Store) Instances(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, actionlog.ErrClosed
	}
	return s.instanceIDsLocked(), nil
}

func (s *Store) instanceIDsLocked() []string {
	ids := make([]string, 0, len(s.instances))
	for id := range s.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Purge removes a fully executed instance and compacts the file when enough
// dead records have accumulated.
func (s *Store) Purge(ctx context.Context, instanceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return actionlog.ErrClosed
	}
	log := s.instances[instanceID]
	if log == nil {
		return nil
	}
	for _, a := range log.actions {
		if a.Pending() {
			return actionlog.ErrPendingActions
		}
	}
	rec := record{recType: recordPurge, instanceID: instanceID}
	if err := s.write("purge", rec); err != nil {
		return err
	}
	if err := s.apply(rec); err != nil {
		return actionlog.Fault("purge", instanceID, err)
	}
	if s.dead >= s.compactThreshold {
		if err := s.compactLocked(); err != nil {
			// The purge itself is durable; a failed rewrite is retried on the next purge.
			s.logger.Warn("actionlog.disk.compact.error", "path", s.logPath(), "error", err)
		}
	}
	return nil
}

// Compact rewrites the log keeping only live rows.
func (s *Store) Compact(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return actionlog.ErrClosed
	}
	return s.compactLocked()
}

func (s *Store) compactLocked() error {
	tmpPath := s.logPath() + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("disk: create compaction file: %w", err)
	}
	cleanup := func(cause error) error {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return cause
	}
	writer := bufio.NewWriter(tmp)
	var size int64
	for _, id := range s.instanceIDsLocked() {
		for _, a := range s.instances[id].actions {
			recs := []record{{
				recType:     recordAppend,
				instanceID:  a.InstanceID,
				sequence:    a.Sequence,
				kind:        a.Kind,
				participant: a.Participant,
				payload:     a.Payload,
				createdAt:   a.CreatedAtUnix,
			}}
			if !a.Pending() {
				recs = append(recs, record{recType: recordExecuted, instanceID: a.InstanceID, sequence: a.Sequence, executedAt: a.ExecutedAtUnix})
			}
			for _, rec := range recs {
				n, err := writer.Write(encodeRecord(rec))
				if err != nil {
					return cleanup(fmt.Errorf("disk: write compaction file: %w", err))
				}
				size += int64(n)
			}
		}
	}
	if err := writer.Flush(); err != nil {
		return cleanup(fmt.Errorf("disk: flush compaction file: %w", err))
	}
	if err := syncFile(tmp); err != nil {
		return cleanup(fmt.Errorf("disk: sync compaction file: %w", err))
	}
	if err := os.Rename(tmpPath, s.logPath()); err != nil {
		return cleanup(fmt.Errorf("disk: install compaction file: %w", err))
	}
	if err := syncDir(s.dir); err != nil {
		s.logger.Warn("actionlog.disk.sync_dir.error", "dir", s.dir, "error", err)
	}
	s.file.Close()
	s.file = tmp
	s.size = size
	s.dead = 0
	s.logger.Debug("actionlog.disk.compacted", "path", s.logPath(), "size", size)
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Close flushes and releases the log and its lock.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	if s.file != nil {
		if err := syncFile(s.file); err != nil && s.broken == nil {
			errs = append(errs, err)
		}
		errs = append(errs, s.file.Close())
	}
	if s.lock != nil {
		errs = append(errs, unlockFile(s.lock), s.lock.Close())
	}
	return errors.Join(errs...)
}
