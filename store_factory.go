package tpcd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/pslog"

	"pkt.systems/tpcd/internal/actionlog"
	"pkt.systems/tpcd/internal/actionlog/disk"
	"pkt.systems/tpcd/internal/actionlog/leveldb"
	"pkt.systems/tpcd/internal/actionlog/logging"
	"pkt.systems/tpcd/internal/actionlog/memory"
	"pkt.systems/tpcd/internal/actionlog/retry"
	"pkt.systems/tpcd/internal/archive"
	awsarchive "pkt.systems/tpcd/internal/archive/aws"
	azurearchive "pkt.systems/tpcd/internal/archive/azure"
	diskarchive "pkt.systems/tpcd/internal/archive/disk"
	s3archive "pkt.systems/tpcd/internal/archive/s3"
	"pkt.systems/tpcd/internal/clock"
	"pkt.systems/tpcd/internal/schema"
	"pkt.systems/tpcd/internal/svcfields"
)

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// OpenActionLog opens the action log named by cfg.Store, wrapped with
// transient-fault retries and span/log instrumentation.
func OpenActionLog(ctx context.Context, cfg Config, clk clock.Clock, logger pslog.Logger) (actionlog.Store, error) {
	logger = svcfields.EnsureLogger(logger)
	inner, backend, err := openActionLogBackend(ctx, cfg, clk, logger)
	if err != nil {
		return nil, err
	}
	attempts := cfg.StoreRetryAttempts
	if attempts <= 0 {
		attempts = DefaultStoreRetryAttempts
	}
	retried := retry.Wrap(inner, svcfields.WithSubsystem(logger, "actionlog.retry"), clk, retry.Config{
		MaxAttempts: attempts,
		BaseDelay:   cfg.StoreRetryBaseDelay,
		MaxDelay:    cfg.StoreRetryMaxDelay,
		Multiplier:  cfg.StoreRetryMultiplier,
	})
	return logging.Wrap(retried, logger, backend), nil
}

func openActionLogBackend(ctx context.Context, cfg Config, clk clock.Clock, logger pslog.Logger) (actionlog.Store, string, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, "", fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem", "":
		return memory.NewWithConfig(memory.Config{Clock: clk}), "mem", nil
	case "disk":
		diskCfg, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, "", err
		}
		diskCfg.Clock = clk
		diskCfg.Logger = logger
		store, err := disk.Open(diskCfg)
		if err != nil {
			return nil, "", err
		}
		return store, "disk", nil
	case "leveldb":
		ldbCfg, err := BuildLevelDBConfig(cfg)
		if err != nil {
			return nil, "", err
		}
		ldbCfg.Clock = clk
		ldbCfg.Logger = logger
		store, err := leveldb.Open(ctx, ldbCfg)
		if err != nil {
			return nil, "", err
		}
		return store, "leveldb", nil
	default:
		return nil, "", fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

// MigrateStore applies (or with dryRun, lists) the pending schema steps of
// the action log named by cfg.Store. Only leveldb stores carry a schema.
func MigrateStore(ctx context.Context, cfg Config, dryRun bool, logger pslog.Logger) (schema.Report, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return schema.Report{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "leveldb" {
		return schema.Report{}, fmt.Errorf("store scheme %q has no versioned schema", u.Scheme)
	}
	ldbCfg, err := BuildLevelDBConfig(cfg)
	if err != nil {
		return schema.Report{}, err
	}
	ldbCfg.Logger = svcfields.EnsureLogger(logger)
	return leveldb.Migrate(ctx, ldbCfg, dryRun)
}

func storePath(raw, scheme, example string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != scheme {
		return "", fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	pathPart := strings.TrimSpace(u.Path)
	host := strings.TrimSpace(u.Host)
	if host != "" {
		if pathPart == "" || pathPart == "/" {
			pathPart = "/" + host
		} else {
			pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
		}
	}
	if pathPart == "" || pathPart == "/" {
		return "", fmt.Errorf("%s path required (e.g. %s)", scheme, example)
	}
	return filepath.Clean(pathPart), nil
}

// BuildDiskConfig parses disk:// URLs into a disk.Config.
func BuildDiskConfig(cfg Config) (disk.Config, error) {
	root, err := storePath(cfg.Store, "disk", "disk:///var/lib/tpcd")
	if err != nil {
		return disk.Config{}, err
	}
	threshold := cfg.DiskCompactThreshold
	if threshold <= 0 {
		threshold = DefaultDiskCompactThreshold
	}
	return disk.Config{Dir: root, CompactThreshold: threshold}, nil
}

// BuildLevelDBConfig parses leveldb:// URLs into a leveldb.Config.
func BuildLevelDBConfig(cfg Config) (leveldb.Config, error) {
	root, err := storePath(cfg.Store, "leveldb", "leveldb:///var/lib/tpcd/actions")
	if err != nil {
		return leveldb.Config{}, err
	}
	return leveldb.Config{Path: root, AutoMigrate: cfg.AutoMigrate}, nil
}

// OpenArchive builds the archive sink named by cfg.Archive. An empty URL
// discards snapshots.
func OpenArchive(ctx context.Context, cfg Config) (archive.Sink, error) {
	raw := strings.TrimSpace(cfg.Archive)
	if raw == "" {
		return archive.Discard{}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse archive URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem":
		return archive.NewMemory(), nil
	case "disk":
		dir, err := storePath(raw, "disk", "disk:///var/lib/tpcd/archive")
		if err != nil {
			return nil, err
		}
		return diskarchive.New(dir)
	case "s3":
		s3cfg, _, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, err
		}
		return s3archive.New(s3cfg)
	case "aws":
		awscfg, _, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, err
		}
		return awsarchive.New(ctx, awscfg)
	case "azure":
		azureCfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, err
		}
		return azurearchive.New(ctx, azureCfg)
	default:
		return nil, fmt.Errorf("archive scheme %q not supported", u.Scheme)
	}
}

// BuildGenericS3Config parses s3:// archive URLs that target generic
// S3-compatible services (MinIO, etc.).
func BuildGenericS3Config(cfg Config) (s3archive.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Archive)
	if err != nil {
		return s3archive.Config{}, CredentialSummary{}, fmt.Errorf("parse archive URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3archive.Config{}, CredentialSummary{}, fmt.Errorf("archive scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3archive.Config{}, CredentialSummary{}, fmt.Errorf("s3 archive missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	path := strings.Trim(strings.TrimPrefix(u.Path, "/"), "/")
	if path == "" {
		return s3archive.Config{}, CredentialSummary{}, fmt.Errorf("s3 archive missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix, _ := strings.Cut(path, "/")
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return s3archive.Config{}, CredentialSummary{}, fmt.Errorf("s3 archive missing bucket name")
	}
	query := u.Query()
	secure := true
	if v := query.Get("scheme"); strings.EqualFold(v, "http") {
		secure = false
	}
	if v := query.Get("tls"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			secure = ok
		}
	}
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil && ok {
			secure = false
		}
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	cred, summary, err := resolveGenericS3Credentials(cfg)
	if err != nil {
		return s3archive.Config{}, summary, err
	}
	return s3archive.Config{
		Endpoint:       endpoint,
		Region:         strings.TrimSpace(query.Get("region")),
		Bucket:         bucket,
		Prefix:         strings.Trim(prefix, "/"),
		Insecure:       !secure,
		ForcePathStyle: forcePath,
		CustomCreds:    cred,
	}, summary, nil
}

// BuildAWSConfig parses aws:// archive URLs that target AWS S3.
func BuildAWSConfig(cfg Config) (awsarchive.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Archive)
	if err != nil {
		return awsarchive.Config{}, CredentialSummary{}, fmt.Errorf("parse archive URL: %w", err)
	}
	if u.Scheme != "aws" {
		return awsarchive.Config{}, CredentialSummary{}, fmt.Errorf("archive scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awsarchive.Config{}, CredentialSummary{}, fmt.Errorf("aws archive missing bucket (expected aws://bucket[/prefix])")
	}
	prefix := strings.Trim(strings.TrimPrefix(u.Path, "/"), "/")
	region := strings.TrimSpace(cfg.AWSRegion)
	query := u.Query()
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		region = firstEnv("TPCD_AWS_REGION", "AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return awsarchive.Config{}, CredentialSummary{}, fmt.Errorf("aws archive requires region (set --aws-region or TPCD_AWS_REGION)")
	}
	insecure := false
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			insecure = ok
		}
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	return awsarchive.Config{
		Endpoint:       strings.TrimSpace(query.Get("endpoint")),
		Region:         region,
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       insecure,
		ForcePathStyle: forcePath,
	}, resolveAWSCredentials(), nil
}

func resolveGenericS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	source := "config"
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("TPCD_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("TPCD_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("TPCD_S3_SESSION_TOKEN")
		source = "env:TPCD_S3_ACCESS_KEY_ID"
	}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("TPCD_S3_ROOT_USER"))
		secretKey = os.Getenv("TPCD_S3_ROOT_PASSWORD")
		source = "env:TPCD_S3_ROOT_USER"
	}
	summary := CredentialSummary{}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		summary.Source = "anonymous"
		return minioCredentials.NewStaticV4("", "", ""), summary, nil
	}
	summary.AccessKey = accessKey
	summary.HasSecret = secretKey != ""
	summary.Source = source
	if accessKey == "" || secretKey == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), summary, nil
}

func resolveAWSCredentials() CredentialSummary {
	summary := CredentialSummary{}
	if access := strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID")); access != "" {
		summary.AccessKey = access
		summary.HasSecret = strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY")) != ""
		summary.Source = "env:AWS_ACCESS_KEY_ID"
	} else if profile := strings.TrimSpace(os.Getenv("AWS_PROFILE")); profile != "" {
		summary.Source = "profile:" + profile
	} else {
		summary.Source = "auto"
	}
	return summary
}

// BuildAzureConfig derives the Azure archive configuration.
func BuildAzureConfig(cfg Config) (azurearchive.Config, error) {
	u, err := url.Parse(cfg.Archive)
	if err != nil {
		return azurearchive.Config{}, fmt.Errorf("parse archive URL: %w", err)
	}
	if u.Scheme != "azure" {
		return azurearchive.Config{}, fmt.Errorf("archive scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if cfg.AzureAccount != "" {
		account = cfg.AzureAccount
	}
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME", "AZURE_ACCOUNT_NAME")
	}
	path := strings.Trim(strings.TrimPrefix(u.Path, "/"), "/")
	if path == "" {
		return azurearchive.Config{}, fmt.Errorf("azure archive missing container (expected azure://account/container[/prefix])")
	}
	container, prefix, _ := strings.Cut(path, "/")
	if container == "" {
		return azurearchive.Config{}, fmt.Errorf("azure archive missing container name")
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	accountKey := strings.TrimSpace(cfg.AzureAccountKey)
	if accountKey == "" {
		accountKey = firstEnv("TPCD_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv("TPCD_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN", "AZURE_SAS_TOKEN")
	}
	if account == "" {
		return azurearchive.Config{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	return azurearchive.Config{
		Account:    account,
		AccountKey: accountKey,
		Endpoint:   endpoint,
		SASToken:   sas,
		Container:  container,
		Prefix:     prefix,
	}, nil
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if name == "" {
			continue
		}
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}
