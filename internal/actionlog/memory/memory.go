// Package memory provides an in-process action log used by tests and the
// mem:// store URL. Nothing survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"

	"pkt.systems/tpcd/internal/actionlog"
	"pkt.systems/tpcd/internal/clock"
)

// Config tunes the memory store.
type Config struct {
	Clock clock.Clock
}

// Store implements actionlog.Store in memory.
type Store struct {
	mu        sync.RWMutex
	clock     clock.Clock
	instances map[string]*instanceLog
	closed    bool
}

type instanceLog struct {
	next    uint64
	actions []actionlog.Action
}

// New returns an empty store using the real clock.
func New() *Store {
	return NewWithConfig(Config{})
}

// NewWithConfig returns an empty store configured by cfg.
func NewWithConfig(cfg Config) *Store {
	return &Store{
		clock:     clock.Ensure(cfg.Clock),
		instances: make(map[string]*instanceLog),
	}
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
	log := s.instances[instanceID]
	if log == nil {
		log = &instanceLog{}
		s.instances[instanceID] = log
	}
	log.next++
	action := actionlog.Action{
		InstanceID:    instanceID,
		Sequence:      log.next,
		Kind:          entry.Kind,
		Participant:   entry.Participant,
		CreatedAtUnix: entry.CreatedAt(clock.NowUnix(s.clock)),
		Status:        actionlog.StatusPending,
	}
	if len(entry.Payload) > 0 {
		action.Payload = append([]byte(nil), entry.Payload...)
	}
	log.actions = append(log.actions, action)
	return action.Sequence, nil
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
	log := s.instances[instanceID]
	if log == nil {
		return actionlog.ErrNotFound
	}
	idx := sort.Search(len(log.actions), func(i int) bool { return log.actions[i].Sequence >= sequence })
	if idx >= len(log.actions) || log.actions[idx].Sequence != sequence {
		return actionlog.ErrNotFound
	}
	action := &log.actions[idx]
	if !action.Pending() {
		return actionlog.ErrAlreadyExecuted
	}
	at, err := actionlog.ExecutionTime(action.CreatedAtUnix, executedAtUnix)
	if err != nil {
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
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, actionlog.ErrClosed
	}
	log := s.instances[instanceID]
	if log == nil {
		return nil, nil
	}
	out := make([]actionlog.Action, 0, len(log.actions))
	for _, a := range log.actions {
		if pendingOnly && !a.Pending() {
			continue
		}
		out = append(out, a.Clone())
	}
	return out, nil
}

// ListAllPending returns pending actions across instances.
func (s *Store) ListAllPending(ctx context.Context) ([]actionlog.Action, error) {
	ids, err := s.Instances(ctx)
	if err != nil {
		return nil, err
	}
	var out []actionlog.Action
	for _, id := range ids {
		pending, err := s.ListPending(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, pending...)
	}
	return out, nil
}

// Instances lists instance ids in ascending order.
func (s *Store) Instances(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, actionlog.ErrClosed
	}
	ids := make([]string, 0, len(s.instances))
	for id := range s.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Purge removes a fully executed instance.
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
	delete(s.instances, instanceID)
	return nil
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
