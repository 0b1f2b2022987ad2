package aws

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"

	"pkt.systems/tpcd/internal/archive/archivetest"
)

func TestAWSSinkAgainstFakeS3(t *testing.T) {
	backend := s3mem.New()
	server := httptest.NewServer(gofakes3.New(backend).Server())
	t.Cleanup(server.Close)
	if err := backend.CreateBucket("tpcd-archive"); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_CONFIG_FILE", "/nonexistent")
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", "/nonexistent")

	sink, err := New(context.Background(), Config{
		Endpoint:       server.URL,
		Region:         "us-east-1",
		Bucket:         "tpcd-archive",
		ForcePathStyle: true,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	archivetest.Run(t, sink)
}

func TestAWSSinkValidation(t *testing.T) {
	t.Parallel()

	if _, err := New(context.Background(), Config{Region: "us-east-1"}); err == nil {
		t.Fatal("expected missing bucket to fail")
	}
	if _, err := New(context.Background(), Config{Bucket: "b"}); err == nil {
		t.Fatal("expected missing region to fail")
	}
}
