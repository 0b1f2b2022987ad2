package tpcd

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/tpcd/internal/coordinator"
	"pkt.systems/tpcd/internal/httpapi"
	"pkt.systems/tpcd/internal/transport"
)

const (
	// DefaultListen is the default TCP endpoint the API binds to.
	DefaultListen = ":9440"
	// DefaultParticipantListen is the default endpoint of the reference participant.
	DefaultParticipantListen = ":9442"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultStore points the server at the in-memory action log when no store is provided.
	DefaultStore = "mem://"
	// DefaultVoteTimeout bounds how long an instance waits for outstanding votes.
	DefaultVoteTimeout = coordinator.DefaultVoteTimeout
	// DefaultDeliveryTimeout bounds a single delivery attempt to a participant.
	DefaultDeliveryTimeout = 5 * time.Second
	// DefaultDeliveryAttempts is the vote-request retry budget per participant.
	DefaultDeliveryAttempts = coordinator.DefaultDeliveryAttempts
	// DefaultDeliveryBaseDelay is the first delivery retry delay.
	DefaultDeliveryBaseDelay = coordinator.DefaultDeliveryBaseDelay
	// DefaultDeliveryMaxDelay caps the delivery retry delay.
	DefaultDeliveryMaxDelay = coordinator.DefaultDeliveryMaxDelay
	// DefaultDeliveryMultiplier grows the delivery delay between attempts.
	DefaultDeliveryMultiplier = coordinator.DefaultDeliveryMultiplier
	// DefaultDeliveryWorkers is the number of concurrent delivery workers.
	DefaultDeliveryWorkers = coordinator.DefaultWorkers
	// DefaultStoreRetryAttempts caps retries of transient action log faults.
	DefaultStoreRetryAttempts = 6
	// DefaultStoreRetryBaseDelay is the first action log retry delay.
	DefaultStoreRetryBaseDelay = 100 * time.Millisecond
	// DefaultStoreRetryMaxDelay caps the action log retry delay.
	DefaultStoreRetryMaxDelay = 5 * time.Second
	// DefaultStoreRetryMultiplier grows the action log retry delay.
	DefaultStoreRetryMultiplier = 2.0
	// DefaultTerminalRetention keeps finished instances answerable from memory.
	DefaultTerminalRetention = coordinator.DefaultTerminalRetention
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultDiskCompactThreshold triggers disk log compaction after this many dead records.
	DefaultDiskCompactThreshold = 4096
	// DefaultMaxPayloadBytes caps the body of a begin request.
	DefaultMaxPayloadBytes = httpapi.DefaultBeginBodyLimit
	// DefaultConfigFileName is the file looked up in DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the tunables for a tpcd server.
type Config struct {
	Listen string
	// Store is the action log URL (mem://, disk:///path, leveldb:///path).
	Store string
	// Archive is the archive sink URL for finished instances. Empty discards
	// snapshots (disk:///path, s3://host/bucket/prefix, aws://bucket/prefix,
	// azure://account/container/prefix).
	Archive string
	// Participants lists peer=url pairs the coordinator may deliver to.
	Participants []string
	// AutoMigrate applies pending action log schema steps on startup.
	AutoMigrate bool
	// MaxPayloadBytes caps the begin request body, payload included.
	MaxPayloadBytes int64

	VoteTimeout        time.Duration
	DeliveryTimeout    time.Duration
	DeliveryAttempts   int
	DeliveryBaseDelay  time.Duration
	DeliveryMaxDelay   time.Duration
	DeliveryMultiplier float64
	DeliveryWorkers    int
	TerminalRetention  time.Duration

	StoreRetryAttempts   int
	StoreRetryBaseDelay  time.Duration
	StoreRetryMaxDelay   time.Duration
	StoreRetryMultiplier float64
	DiskCompactThreshold int

	MetricsListen          string
	PprofListen            string
	OTLPEndpoint           string
	EnableProfilingMetrics bool
	DisableHTTPTracing     bool
	ShutdownTimeout        time.Duration

	// Object storage credentials for the archive sinks. Environment
	// variables are consulted when these are empty.
	AWSRegion         string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	AzureAccount      string
	AzureAccountKey   string
	AzureEndpoint     string
	AzureSASToken     string
}

// Validate fills defaults and rejects invalid values.
func (c *Config) Validate() error {
	c.Listen = strings.TrimSpace(c.Listen)
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	c.Store = strings.TrimSpace(c.Store)
	if c.Store == "" {
		c.Store = DefaultStore
	}
	if _, err := url.Parse(c.Store); err != nil {
		return fmt.Errorf("config: store: %w", err)
	}
	c.Archive = strings.TrimSpace(c.Archive)
	if c.Archive != "" {
		if _, err := url.Parse(c.Archive); err != nil {
			return fmt.Errorf("config: archive: %w", err)
		}
	}
	if _, err := transport.ParseEndpoints(c.Participants); err != nil {
		return fmt.Errorf("config: participants: %w", err)
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}

	if c.VoteTimeout < 0 {
		return fmt.Errorf("config: vote timeout must be >= 0")
	}
	if c.VoteTimeout == 0 {
		c.VoteTimeout = DefaultVoteTimeout
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if c.DeliveryAttempts < 0 {
		return fmt.Errorf("config: delivery attempts must be >= 0")
	}
	if c.DeliveryAttempts == 0 {
		c.DeliveryAttempts = DefaultDeliveryAttempts
	}
	if c.DeliveryBaseDelay <= 0 {
		c.DeliveryBaseDelay = DefaultDeliveryBaseDelay
	}
	if c.DeliveryMaxDelay <= 0 {
		c.DeliveryMaxDelay = DefaultDeliveryMaxDelay
	}
	if c.DeliveryMaxDelay < c.DeliveryBaseDelay {
		return fmt.Errorf("config: delivery max delay must be >= delivery base delay")
	}
	if c.DeliveryMultiplier == 0 {
		c.DeliveryMultiplier = DefaultDeliveryMultiplier
	}
	if c.DeliveryMultiplier < 1 {
		return fmt.Errorf("config: delivery multiplier must be >= 1")
	}
	if c.DeliveryWorkers <= 0 {
		c.DeliveryWorkers = DefaultDeliveryWorkers
	}
	if c.TerminalRetention < 0 {
		return fmt.Errorf("config: terminal retention must be >= 0")
	}
	if c.TerminalRetention == 0 {
		c.TerminalRetention = DefaultTerminalRetention
	}

	if c.StoreRetryAttempts <= 0 {
		c.StoreRetryAttempts = DefaultStoreRetryAttempts
	}
	if c.StoreRetryBaseDelay <= 0 {
		c.StoreRetryBaseDelay = DefaultStoreRetryBaseDelay
	}
	if c.StoreRetryMaxDelay <= 0 {
		c.StoreRetryMaxDelay = DefaultStoreRetryMaxDelay
	}
	if c.StoreRetryMultiplier < 1 {
		c.StoreRetryMultiplier = DefaultStoreRetryMultiplier
	}
	if c.DiskCompactThreshold <= 0 {
		c.DiskCompactThreshold = DefaultDiskCompactThreshold
	}
	if c.MaxPayloadBytes < 0 {
		return fmt.Errorf("config: max payload bytes must be >= 0")
	}
	if c.MaxPayloadBytes == 0 {
		c.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}

// Endpoints parses Participants into a transport endpoint table.
func (c Config) Endpoints() (transport.StaticEndpoints, error) {
	return transport.ParseEndpoints(c.Participants)
}

// DefaultConfigDir returns the default configuration directory ($HOME/.tpcd).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("TPCD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".tpcd"), nil
}

// DefaultConfigPath returns DefaultConfigDir joined with DefaultConfigFileName.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFileName), nil
}
