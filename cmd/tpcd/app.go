package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/tpcd"
	"pkt.systems/tpcd/internal/svcfields"
	"pkt.systems/tpcd/internal/version"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("TPCD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "tpcd")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server rather
// than a subcommand. Root failures are logged, subcommand failures printed.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	if len(args) == 0 {
		return true
	}
	lookupLong := func(name string) *pflag.Flag {
		flag := root.Flags().Lookup(name)
		if flag == nil {
			flag = root.PersistentFlags().Lookup(name)
		}
		return flag
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		flag := root.Flags().ShorthandLookup(shorthand)
		if flag == nil {
			flag = root.PersistentFlags().ShorthandLookup(shorthand)
		}
		return flag
	}
	remainingHasSubcommand := func(rest []string) bool {
		for _, tok := range rest {
			if isSubcommandToken(root, tok) {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		if arg == "--" {
			return true
		}
		if strings.HasPrefix(arg, "--") {
			if strings.IndexByte(arg, '=') >= 0 {
				i++
				continue
			}
			flag := lookupLong(strings.TrimPrefix(arg, "--"))
			if flag == nil {
				return !remainingHasSubcommand(args[i+1:])
			}
			i++
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
			continue
		}
		if strings.HasPrefix(arg, "-") && arg != "-" {
			sh := strings.TrimPrefix(arg, "-")
			consumeNext := false
			for idx, ch := range sh {
				flag := lookupShort(string(ch))
				if flag == nil {
					return !remainingHasSubcommand(args[i+1:])
				}
				if flag.NoOptDefVal == "" {
					if idx == len(sh)-1 {
						consumeNext = true
					}
					break
				}
			}
			i++
			if consumeNext && i < len(args) {
				i++
			}
			continue
		}
		return !isSubcommandToken(root, arg)
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := tpcd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, tpcd.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg tpcd.Config

	cmd := &cobra.Command{
		Use:           "tpcd",
		Short:         "tpcd is a two-phase-commit coordinator with a durable action log",
		SilenceErrors: true,
		Example: `
  # Two HTTP participants, leveldb action log, disk archive
  tpcd --store leveldb:///var/lib/tpcd/actions --archive disk:///var/lib/tpcd/archive \
    --participants inventory=http://inventory:9442,billing=http://billing:9442

  # Archive finished instances to MinIO (TLS on by default; append ?insecure=1 for HTTP)
  TPCD_ARCHIVE=s3://localhost:9000/tpcd-archive?insecure=1 TPCD_S3_ACCESS_KEY_ID=minioadmin TPCD_S3_SECRET_ACCESS_KEY=minioadmin tpcd

  # In-memory action log (tests/dev only)
  tpcd --store mem://
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			build := version.Describe()
			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to tpcd",
				"version", build.Version,
				"revision", build.Revision,
				"go", build.GoVersion,
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			if level, ok := pslog.ParseLevel(logLevelSetting()); ok {
				logger = logger.LogLevel(level)
			}
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
				watchConfig(svcfields.WithSubsystem(logger, "cli.config"))
			}

			server, err := tpcd.NewServer(cfg, tpcd.WithLogger(logger))
			if err != nil {
				return err
			}
			shutdownTimeout := cfg.ShutdownTimeout
			if shutdownTimeout <= 0 {
				shutdownTimeout = tpcd.DefaultShutdownTimeout
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			err = server.Start()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.tpcd/"+tpcd.DefaultConfigFileName+")")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	flags := cmd.Flags()
	flags.String("listen", tpcd.DefaultListen, "listen address")
	flags.String("store", "", "action log URL (mem://, disk:///path, leveldb:///path)")
	flags.String("archive", "", "archive sink for finished instances (disk:///path, s3://host[:port]/bucket, aws://bucket, azure://account/container; empty discards)")
	flags.StringSlice("participants", nil, "participant endpoints as peer=url (repeat or comma-separate)")
	flags.Bool("auto-migrate", false, "apply pending leveldb schema steps on startup")
	flags.String("payload-max", humanizeBytes(tpcd.DefaultMaxPayloadBytes), "maximum begin request size")
	flags.Duration("vote-timeout", tpcd.DefaultVoteTimeout, "time to wait for outstanding votes before aborting")
	flags.Duration("delivery-timeout", tpcd.DefaultDeliveryTimeout, "timeout of a single delivery attempt")
	flags.Int("delivery-attempts", tpcd.DefaultDeliveryAttempts, "vote request delivery attempts per participant (decisions retry until acknowledged)")
	flags.Duration("delivery-base-delay", tpcd.DefaultDeliveryBaseDelay, "initial delivery retry delay")
	flags.Duration("delivery-max-delay", tpcd.DefaultDeliveryMaxDelay, "maximum delivery retry delay")
	flags.Float64("delivery-multiplier", tpcd.DefaultDeliveryMultiplier, "delivery retry backoff multiplier")
	flags.Int("delivery-workers", tpcd.DefaultDeliveryWorkers, "concurrent delivery workers")
	flags.Duration("terminal-retention", tpcd.DefaultTerminalRetention, "keep finished instances in memory for this long")
	flags.Int("store-retry-attempts", tpcd.DefaultStoreRetryAttempts, "maximum action log retry attempts on transient faults")
	flags.Duration("store-retry-base-delay", tpcd.DefaultStoreRetryBaseDelay, "initial backoff for action log retries")
	flags.Duration("store-retry-max-delay", tpcd.DefaultStoreRetryMaxDelay, "maximum backoff for action log retries")
	flags.Float64("store-retry-multiplier", tpcd.DefaultStoreRetryMultiplier, "backoff multiplier for action log retries")
	flags.Int("disk-compact-threshold", tpcd.DefaultDiskCompactThreshold, "dead records before the disk action log is compacted")
	flags.String("metrics-listen", tpcd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", tpcd.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Bool("disable-http-tracing", false, "disable otelhttp spans on the API")
	flags.Duration("shutdown-timeout", tpcd.DefaultShutdownTimeout, "overall shutdown timeout")
	flags.String("aws-region", "", "AWS region for aws:// archives")
	flags.String("s3-access-key-id", "", "access key for s3:// archives (or TPCD_S3_ACCESS_KEY_ID)")
	flags.String("s3-secret-access-key", "", "secret key for s3:// archives (or TPCD_S3_SECRET_ACCESS_KEY)")
	flags.String("s3-session-token", "", "session token for s3:// archives")
	flags.String("azure-account", "", "Azure Storage account (defaults to the archive URL host)")
	flags.String("azure-key", "", "Azure Storage account key (or TPCD_AZURE_ACCOUNT_KEY)")
	flags.String("azure-endpoint", "", "Azure Blob service endpoint override")
	flags.String("azure-sas-token", "", "Azure SAS token (alternative to the account key)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("TPCD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config", "log-level",
		"listen", "store", "archive", "participants", "auto-migrate", "payload-max",
		"vote-timeout", "delivery-timeout", "delivery-attempts", "delivery-base-delay", "delivery-max-delay", "delivery-multiplier", "delivery-workers",
		"terminal-retention",
		"store-retry-attempts", "store-retry-base-delay", "store-retry-max-delay", "store-retry-multiplier", "disk-compact-threshold",
		"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint", "disable-http-tracing", "shutdown-timeout",
		"aws-region", "s3-access-key-id", "s3-secret-access-key", "s3-session-token",
		"azure-account", "azure-key", "azure-endpoint", "azure-sas-token",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newMigrateCommand(baseLogger))
	cmd.AddCommand(newInspectCommand(baseLogger))
	cmd.AddCommand(newParticipantCommand(baseLogger))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(cfg *tpcd.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.Store = viper.GetString("store")
	cfg.Archive = viper.GetString("archive")
	cfg.Participants = splitList(viper.GetStringSlice("participants"))
	cfg.AutoMigrate = viper.GetBool("auto-migrate")
	if raw := strings.TrimSpace(viper.GetString("payload-max")); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("parse payload-max: %w", err)
		}
		cfg.MaxPayloadBytes = int64(size)
	}
	cfg.VoteTimeout = viper.GetDuration("vote-timeout")
	cfg.DeliveryTimeout = viper.GetDuration("delivery-timeout")
	cfg.DeliveryAttempts = viper.GetInt("delivery-attempts")
	cfg.DeliveryBaseDelay = viper.GetDuration("delivery-base-delay")
	cfg.DeliveryMaxDelay = viper.GetDuration("delivery-max-delay")
	cfg.DeliveryMultiplier = viper.GetFloat64("delivery-multiplier")
	cfg.DeliveryWorkers = viper.GetInt("delivery-workers")
	cfg.TerminalRetention = viper.GetDuration("terminal-retention")
	cfg.StoreRetryAttempts = viper.GetInt("store-retry-attempts")
	cfg.StoreRetryBaseDelay = viper.GetDuration("store-retry-base-delay")
	cfg.StoreRetryMaxDelay = viper.GetDuration("store-retry-max-delay")
	cfg.StoreRetryMultiplier = viper.GetFloat64("store-retry-multiplier")
	cfg.DiskCompactThreshold = viper.GetInt("disk-compact-threshold")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.DisableHTTPTracing = viper.GetBool("disable-http-tracing")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.AWSRegion = viper.GetString("aws-region")
	cfg.S3AccessKeyID = viper.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = viper.GetString("s3-secret-access-key")
	cfg.S3SessionToken = viper.GetString("s3-session-token")
	cfg.AzureAccount = viper.GetString("azure-account")
	cfg.AzureAccountKey = viper.GetString("azure-key")
	cfg.AzureEndpoint = viper.GetString("azure-endpoint")
	cfg.AzureSASToken = viper.GetString("azure-sas-token")
	return nil
}

func logLevelSetting() string {
	level := strings.TrimSpace(viper.GetString("log-level"))
	if level == "" {
		return "info"
	}
	return level
}

// splitList flattens comma separated entries; environment values arrive as
// a single string.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// watchConfig reports edits to the loaded config file. Settings are bound
// once at startup; changed keys take effect on restart.
func watchConfig(logger pslog.Logger) {
	before := viper.AllSettings()
	viper.OnConfigChange(func(ev fsnotify.Event) {
		if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
			return
		}
		after := viper.AllSettings()
		changed := changedSettings(before, after)
		before = after
		if len(changed) == 0 {
			return
		}
		logger.Warn("config file changed; restart to apply",
			"path", ev.Name,
			"op", ev.Op.String(),
			"keys", strings.Join(changed, ","),
		)
	})
	viper.WatchConfig()
}

func changedSettings(before, after map[string]any) []string {
	seen := make(map[string]struct{}, len(before)+len(after))
	var changed []string
	for key, value := range after {
		seen[key] = struct{}{}
		if prev, ok := before[key]; !ok || !reflect.DeepEqual(prev, value) {
			changed = append(changed, key)
		}
	}
	for key := range before {
		if _, ok := seen[key]; !ok {
			changed = append(changed, key)
		}
	}
	sort.Strings(changed)
	return changed
}

// storeConfig resolves the action log settings shared by the offline
// subcommands: an explicit --store wins over env and config file.
func storeConfig(cmd *cobra.Command, store string) (tpcd.Config, error) {
	if _, err := loadConfigFile(); err != nil {
		return tpcd.Config{}, err
	}
	var cfg tpcd.Config
	if err := bindConfig(&cfg); err != nil {
		return tpcd.Config{}, err
	}
	if f := cmd.Flags().Lookup("store"); f != nil && f.Changed {
		cfg.Store = store
	}
	if err := cfg.Validate(); err != nil {
		return tpcd.Config{}, err
	}
	return cfg, nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

func relativeTime(unix int64) string {
	if unix <= 0 {
		return "-"
	}
	return humanize.Time(time.Unix(unix, 0))
}
