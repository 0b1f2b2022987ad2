package tpcd

import (
	"context"
	"path/filepath"
	"testing"

	"pkt.systems/tpcd/internal/actionlog"
	"pkt.systems/tpcd/internal/archive"
	diskarchive "pkt.systems/tpcd/internal/archive/disk"
)

func TestOpenActionLogBackends(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	for _, raw := range []string{
		"mem://",
		"disk://" + filepath.Join(dir, "disk"),
		"leveldb://" + filepath.Join(dir, "ldb"),
	} {
		store, err := OpenActionLog(ctx, Config{Store: raw}, nil, nil)
		if err != nil {
			t.Fatalf("%s: open: %v", raw, err)
		}
		seq, err := store.Append(ctx, "inst-1", actionlog.Entry{Kind: actionlog.KindVoteRequest, Participant: "a"})
		if err != nil {
			t.Fatalf("%s: append: %v", raw, err)
		}
		if seq != 1 {
			t.Fatalf("%s: first sequence = %d", raw, seq)
		}
		pending, err := store.ListPending(ctx, "inst-1")
		if err != nil || len(pending) != 1 {
			t.Fatalf("%s: pending = %d, %v", raw, len(pending), err)
		}
		if err := store.Close(); err != nil {
			t.Fatalf("%s: close: %v", raw, err)
		}
	}
}

func TestOpenActionLogRejectsUnknownScheme(t *testing.T) {
	if _, err := OpenActionLog(context.Background(), Config{Store: "postgres://db/actions"}, nil, nil); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
	if _, err := OpenActionLog(context.Background(), Config{Store: "disk://"}, nil, nil); err == nil {
		t.Fatalf("expected missing path error")
	}
}

func TestBuildDiskAndLevelDBConfig(t *testing.T) {
	diskCfg, err := BuildDiskConfig(Config{Store: "disk:///var/lib/tpcd/"})
	if err != nil {
		t.Fatalf("disk config: %v", err)
	}
	if diskCfg.Dir != "/var/lib/tpcd" || diskCfg.CompactThreshold != DefaultDiskCompactThreshold {
		t.Fatalf("unexpected disk config %+v", diskCfg)
	}
	ldbCfg, err := BuildLevelDBConfig(Config{Store: "leveldb://data/actions", AutoMigrate: true})
	if err != nil {
		t.Fatalf("leveldb config: %v", err)
	}
	if ldbCfg.Path != "/data/actions" || !ldbCfg.AutoMigrate {
		t.Fatalf("unexpected leveldb config %+v", ldbCfg)
	}
	if _, err := BuildLevelDBConfig(Config{Store: "disk:///x"}); err == nil {
		t.Fatalf("expected scheme mismatch error")
	}
}

func TestMigrateStore(t *testing.T) {
	ctx := context.Background()
	if _, err := MigrateStore(ctx, Config{Store: "mem://"}, false, nil); err == nil {
		t.Fatalf("expected error for schemaless store")
	}
	cfg := Config{Store: "leveldb://" + filepath.Join(t.TempDir(), "ldb")}
	report, err := MigrateStore(ctx, cfg, false, nil)
	if err != nil {
		t.Fatalf("migrate fresh store: %v", err)
	}
	if report.From != report.To || len(report.Applied) != 0 {
		t.Fatalf("fresh store should be stamped at the latest version: %+v", report)
	}
	again, err := MigrateStore(ctx, cfg, false, nil)
	if err != nil {
		t.Fatalf("re-run: %v", err)
	}
	if again.From != report.To || len(again.Applied) != 0 {
		t.Fatalf("re-run applied steps: %+v", again)
	}
}

func TestOpenArchive(t *testing.T) {
	ctx := context.Background()
	sink, err := OpenArchive(ctx, Config{})
	if err != nil {
		t.Fatalf("empty archive: %v", err)
	}
	if _, ok := sink.(archive.Discard); !ok {
		t.Fatalf("expected discard sink, got %T", sink)
	}
	sink, err = OpenArchive(ctx, Config{Archive: "disk://" + t.TempDir()})
	if err != nil {
		t.Fatalf("disk archive: %v", err)
	}
	if _, ok := sink.(*diskarchive.Sink); !ok {
		t.Fatalf("expected disk sink, got %T", sink)
	}
	if _, err := OpenArchive(ctx, Config{Archive: "ftp://host/x"}); err == nil {
		t.Fatalf("expected unsupported archive scheme")
	}
}

func TestBuildGenericS3Config(t *testing.T) {
	cfg := Config{
		Archive:           "s3://localhost:9000/archive-bucket/prefix/path?insecure=1&path-style=1",
		S3AccessKeyID:     "minio",
		S3SecretAccessKey: "minio123",
		S3SessionToken:    "session",
	}
	s3cfg, summary, err := BuildGenericS3Config(cfg)
	if err != nil {
		t.Fatalf("BuildGenericS3Config: %v", err)
	}
	if s3cfg.Endpoint != "localhost:9000" {
		t.Fatalf("unexpected endpoint: %s", s3cfg.Endpoint)
	}
	if s3cfg.Bucket != "archive-bucket" {
		t.Fatalf("unexpected bucket: %s", s3cfg.Bucket)
	}
	if s3cfg.Prefix != "prefix/path" {
		t.Fatalf("unexpected prefix: %s", s3cfg.Prefix)
	}
	if !s3cfg.Insecure || !s3cfg.ForcePathStyle {
		t.Fatalf("expected insecure and path-style from query: %+v", s3cfg)
	}
	if s3cfg.CustomCreds == nil {
		t.Fatalf("expected static credentials")
	}
	if summary.AccessKey != "minio" || !summary.HasSecret || summary.Source != "config" {
		t.Fatalf("unexpected credential summary: %+v", summary)
	}
	if _, _, err := BuildGenericS3Config(Config{Archive: "s3://"}); err == nil {
		t.Fatalf("expected missing host error")
	}
	if _, _, err := BuildGenericS3Config(Config{Archive: "s3://localhost:9000"}); err == nil {
		t.Fatalf("expected missing bucket error")
	}
	if _, _, err := BuildGenericS3Config(Config{Archive: "s3://localhost:9000/b", S3AccessKeyID: "only-key"}); err == nil {
		t.Fatalf("expected incomplete credentials error")
	}
}

func TestBuildGenericS3ConfigEnvCredentials(t *testing.T) {
	t.Setenv("TPCD_S3_ACCESS_KEY_ID", "envkey")
	t.Setenv("TPCD_S3_SECRET_ACCESS_KEY", "envsecret")
	_, summary, err := BuildGenericS3Config(Config{Archive: "s3://localhost:9000/b"})
	if err != nil {
		t.Fatalf("BuildGenericS3Config: %v", err)
	}
	if summary.AccessKey != "envkey" || summary.Source != "env:TPCD_S3_ACCESS_KEY_ID" {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestBuildAWSConfig(t *testing.T) {
	t.Setenv("TPCD_AWS_REGION", "")
	t.Setenv("AWS_REGION", "")
	t.Setenv("AWS_DEFAULT_REGION", "")
	awscfg, _, err := BuildAWSConfig(Config{Archive: "aws://snapshots/tpcd?region=eu-north-1&endpoint=localhost:4566&insecure=true&path-style=true"})
	if err != nil {
		t.Fatalf("BuildAWSConfig: %v", err)
	}
	if awscfg.Bucket != "snapshots" || awscfg.Prefix != "tpcd" || awscfg.Region != "eu-north-1" {
		t.Fatalf("unexpected aws config %+v", awscfg)
	}
	if awscfg.Endpoint != "localhost:4566" || !awscfg.Insecure || !awscfg.ForcePathStyle {
		t.Fatalf("unexpected aws endpoint options %+v", awscfg)
	}
	withRegion, _, err := BuildAWSConfig(Config{Archive: "aws://snapshots", AWSRegion: "us-east-2"})
	if err != nil {
		t.Fatalf("BuildAWSConfig with config region: %v", err)
	}
	if withRegion.Region != "us-east-2" || withRegion.Endpoint != "" {
		t.Fatalf("unexpected aws config %+v", withRegion)
	}
	if _, _, err := BuildAWSConfig(Config{Archive: "aws://snapshots"}); err == nil {
		t.Fatalf("expected missing region error")
	}
}

func TestBuildAzureConfig(t *testing.T) {
	t.Setenv("TPCD_AZURE_ACCOUNT_KEY", "c2VjcmV0")
	azcfg, err := BuildAzureConfig(Config{Archive: "azure://acct/archive/tpcd/prod?endpoint=http://127.0.0.1:10000/acct"})
	if err != nil {
		t.Fatalf("BuildAzureConfig: %v", err)
	}
	if azcfg.Account != "acct" || azcfg.Container != "archive" || azcfg.Prefix != "tpcd/prod" {
		t.Fatalf("unexpected azure config %+v", azcfg)
	}
	if azcfg.AccountKey != "c2VjcmV0" || azcfg.Endpoint != "http://127.0.0.1:10000/acct" {
		t.Fatalf("unexpected azure credentials %+v", azcfg)
	}
	if _, err := BuildAzureConfig(Config{Archive: "azure://acct"}); err == nil {
		t.Fatalf("expected missing container error")
	}
}
