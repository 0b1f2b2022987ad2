package disk

import (
	"context"
	"testing"

	"pkt.systems/tpcd/internal/archive/archivetest"
)

func TestDiskSink(t *testing.T) {
	t.Parallel()

	sink, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	archivetest.Run(t, sink)
}

func TestDiskSinkRejectsTraversal(t *testing.T) {
	t.Parallel()

	sink, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := sink.Put(context.Background(), archivetest.Sample("../escape")); err == nil {
		t.Fatal("expected path traversal to be rejected")
	}
	if _, err := New(" "); err == nil {
		t.Fatal("expected empty dir to fail")
	}
}
