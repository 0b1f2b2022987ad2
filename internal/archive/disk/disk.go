// Package disk stores archive snapshots as JSON files in a directory.
package disk

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"pkt.systems/tpcd/internal/archive"
)

// Sink writes one file per instance under Dir/instances.
type Sink struct {
	dir string
}

// New creates the directory layout and returns a Sink.
func New(dir string) (*Sink, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("archive/disk: directory required")
	}
	if err := os.MkdirAll(filepath.Join(dir, "instances"), 0o755); err != nil {
		return nil, fmt.Errorf("archive/disk: create %s: %w", dir, err)
	}
	return &Sink{dir: dir}, nil
}

func (s *Sink) path(instanceID string) (string, error) {
	if instanceID == "" || strings.ContainsAny(instanceID, `/\`) || instanceID == "." || instanceID == ".." {
		return "", fmt.Errorf("archive/disk: invalid instance id %q", instanceID)
	}
	return filepath.Join(s.dir, filepath.FromSlash(archive.ObjectKey("", instanceID))), nil
}

// Put implements archive.Sink. The file is replaced atomically.
func (s *Sink) Put(ctx context.Context, snap archive.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := s.path(snap.InstanceID)
	if err != nil {
		return err
	}
	data, err := archive.Encode(snap)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".snapshot-*")
	if err != nil {
		return fmt.Errorf("archive/disk: create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("archive/disk: write %s: %w", snap.InstanceID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("archive/disk: sync %s: %w", snap.InstanceID, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		cleanup()
		return fmt.Errorf("archive/disk: rename %s: %w", snap.InstanceID, err)
	}
	return nil
}

// Get implements archive.Sink.
func (s *Sink) Get(ctx context.Context, instanceID string) (archive.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return archive.Snapshot{}, err
	}
	target, err := s.path(instanceID)
	if err != nil {
		return archive.Snapshot{}, err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return archive.Snapshot{}, fmt.Errorf("%w: %s", archive.ErrNotFound, instanceID)
		}
		return archive.Snapshot{}, fmt.Errorf("archive/disk: read %s: %w", instanceID, err)
	}
	return archive.Decode(data)
}
