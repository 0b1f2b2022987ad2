// Package actionlog defines the durable, append-only action log a two-phase
// commit coordinator writes before it talks to any participant.
package actionlog

import (
	"context"
	"fmt"
	"strings"
)

// Kind is the closed set of actions a coordinator may log for an instance.
type Kind string

const (
	// KindVoteRequest asks a participant to prepare and vote.
	KindVoteRequest Kind = "vote-request"
	// KindCommit instructs a participant to commit.
	KindCommit Kind = "commit"
	// KindAbort instructs a participant to abort.
	KindAbort Kind = "abort"
)

// Kinds returns every valid action kind in protocol order.
func Kinds() []Kind {
	return []Kind{KindVoteRequest, KindCommit, KindAbort}
}

// ParseKind validates raw and returns the matching Kind.
func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindVoteRequest:
		return KindVoteRequest, nil
	case KindCommit:
		return KindCommit, nil
	case KindAbort:
		return KindAbort, nil
	default:
		return "", fmt.Errorf("actionlog: unknown action kind %q", raw)
	}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindVoteRequest, KindCommit, KindAbort:
		return true
	default:
		return false
	}
}

// Status captures whether an action has been executed.
type Status string

const (
	// StatusPending marks an action that still needs delivery.
	StatusPending Status = "PENDING"
	// StatusExecuted marks an action confirmed delivered or applied.
	StatusExecuted Status = "EXECUTED"
)

// ParseStatus validates raw and returns the matching Status.
func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToUpper(strings.TrimSpace(raw))) {
	case StatusPending:
		return StatusPending, nil
	case StatusExecuted:
		return StatusExecuted, nil
	default:
		return "", fmt.Errorf("actionlog: unknown action status %q", raw)
	}
}

// Action is one durable row of the log. ExecutedAtUnix is zero while the
// action is pending and is set exactly once when it is executed.
type Action struct {
	InstanceID     string `json:"instance_id"`
	Sequence       uint64 `json:"sequence"`
	Kind           Kind   `json:"kind"`
	Participant    string `json:"participant,omitempty"`
	Payload        []byte `json:"payload,omitempty"`
	CreatedAtUnix  int64  `json:"created_at"`
	ExecutedAtUnix int64  `json:"executed_at,omitempty"`
	Status         Status `json:"status"`
}

// Pending reports whether the action still awaits execution.
func (a Action) Pending() bool {
	return a.Status != StatusExecuted
}

// Clone returns a deep copy of a.
func (a Action) Clone() Action {
	if a.Payload != nil {
		a.Payload = append([]byte(nil), a.Payload...)
	}
	return a
}

// Entry describes a row to append. The store assigns the sequence and, when
// CreatedAtUnix is zero, the creation time.
type Entry struct {
	Kind        Kind
	Participant string
	Payload     []byte
	// CreatedAtUnix lets the caller stamp the row so its own copy matches
	// the stored one.
	CreatedAtUnix int64
}

// CreatedAt returns the creation time to store for the entry.
func (e Entry) CreatedAt(now int64) int64 {
	if e.CreatedAtUnix > 0 {
		return e.CreatedAtUnix
	}
	return now
}

// Store is the durable action log. Implementations must make Append durable
// before returning and must serialise concurrent calls touching the same
// instance and sequence.
type Store interface {
	// Append durably records a pending action and returns its sequence.
	// Sequences start at 1 and are strictly increasing per instance.
	Append(ctx context.Context, instanceID string, entry Entry) (uint64, error)
	// MarkExecuted flips a pending action to executed. It returns ErrNotFound
	// for unknown rows and ErrAlreadyExecuted when called twice; the stored
	// executed_at is never changed by a repeated call.
	MarkExecuted(ctx context.Context, instanceID string, sequence uint64, executedAtUnix int64) error
	// ListPending returns the pending actions of one instance in ascending
	// sequence order.
	ListPending(ctx context.Context, instanceID string) ([]Action, error)
	// ListAllPending returns every pending action grouped by instance, with
	// instances in ascending id order and actions in ascending sequence order.
	ListAllPending(ctx context.Context) ([]Action, error)
	// List returns every action of one instance in ascending sequence order.
	List(ctx context.Context, instanceID string) ([]Action, error)
	// Instances lists the ids of instances that still have rows.
	Instances(ctx context.Context) ([]string, error)
	// Purge removes all rows of an instance. It fails with ErrPendingActions
	// while any row is pending.
	Purge(ctx context.Context, instanceID string) error
	// Close releases backend resources.
	Close() error
}

// ValidateEntry checks an entry before it reaches a backend.
func ValidateEntry(instanceID string, entry Entry) error {
	if strings.TrimSpace(instanceID) == "" {
		return fmt.Errorf("actionlog: instance id required")
	}
	if !entry.Kind.Valid() {
		return fmt.Errorf("actionlog: unknown action kind %q", entry.Kind)
	}
	if entry.CreatedAtUnix < 0 {
		return fmt.Errorf("actionlog: negative created_at %d", entry.CreatedAtUnix)
	}
	return nil
}

// GroupByInstance splits a flat list into per-instance slices, preserving order.
func GroupByInstance(actions []Action) map[string][]Action {
	out := make(map[string][]Action)
	for _, a := range actions {
		out[a.InstanceID] = append(out[a.InstanceID], a)
	}
	return out
}

// ExecutionTime returns the executed_at value to persist for a row created at
// createdAtUnix. The result never precedes the creation time.
func ExecutionTime(createdAtUnix, executedAtUnix int64) (int64, error) {
	if executedAtUnix <= 0 {
		return 0, fmt.Errorf("actionlog: executed_at must be a positive epoch second, got %d", executedAtUnix)
	}
	if executedAtUnix < createdAtUnix {
		return createdAtUnix, nil
	}
	return executedAtUnix, nil
}
