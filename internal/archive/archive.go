// Package archive stores snapshots of decided instances once they leave the
// action log.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"pkt.systems/tpcd/internal/actionlog"
	"pkt.systems/tpcd/internal/registry"
)

// ErrNotFound indicates no snapshot exists for the instance.
var ErrNotFound = errors.New("archive: not found")

// ContentType is the media type of encoded snapshots.
const ContentType = "application/json"

// Snapshot is the final state of a decided instance.
type Snapshot struct {
	InstanceID   string                 `json:"instance_id"`
	Phase        string                 `json:"phase"`
	CreatedAt    int64                  `json:"created_at"`
	UpdatedAt    int64                  `json:"updated_at"`
	ArchivedAt   int64                  `json:"archived_at"`
	Participants []registry.Participant `json:"participants"`
	Actions      []actionlog.Action     `json:"actions"`
}

// Sink persists snapshots.
type Sink interface {
	Put(ctx context.Context, snap Snapshot) error
	Get(ctx context.Context, instanceID string) (Snapshot, error)
}

// Encode renders snap as JSON.
func Encode(snap Snapshot) ([]byte, error) {
	if strings.TrimSpace(snap.InstanceID) == "" {
		return nil, fmt.Errorf("archive: instance id required")
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return nil, fmt.Errorf("archive: encode %s: %w", snap.InstanceID, err)
	}
	return buf.Bytes(), nil
}

// Decode parses a snapshot produced by Encode.
func Decode(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("archive: decode: %w", err)
	}
	return snap, nil
}

// ObjectKey returns the object name used by remote sinks.
func ObjectKey(prefix, instanceID string) string {
	name := path.Join("instances", instanceID+".json")
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// Discard drops snapshots. Get always returns ErrNotFound.
type Discard struct{}

// Put implements Sink.
func (Discard) Put(context.Context, Snapshot) error { return nil }

// Get implements Sink.
func (Discard) Get(_ context.Context, instanceID string) (Snapshot, error) {
	return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, instanceID)
}

// Memory keeps encoded snapshots in process memory.
type Memory struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemory returns an empty Memory sink.
func NewMemory() *Memory {
	return &Memory{items: make(map[string][]byte)}
}

// Put implements Sink.
func (m *Memory) Put(_ context.Context, snap Snapshot) error {
	data, err := Encode(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.items[snap.InstanceID] = data
	m.mu.Unlock()
	return nil
}

// Get implements Sink.
func (m *Memory) Get(_ context.Context, instanceID string) (Snapshot, error) {
	m.mu.RLock()
	data, ok := m.items[instanceID]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, instanceID)
	}
	return Decode(data)
}

// Len returns the number of stored snapshots.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
