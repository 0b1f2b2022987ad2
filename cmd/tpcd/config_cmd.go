package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/tpcd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage tpcd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.tpcd/" + tpcd.DefaultConfigFileName
	if dir, err := tpcd.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, tpcd.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default tpcd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := tpcd.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, tpcd.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Listen                 string   `yaml:"listen"`
	Store                  string   `yaml:"store"`
	Archive                string   `yaml:"archive"`
	Participants           []string `yaml:"participants"`
	AutoMigrate            bool     `yaml:"auto-migrate"`
	PayloadMax             string   `yaml:"payload-max"`
	VoteTimeout            string   `yaml:"vote-timeout"`
	DeliveryTimeout        string   `yaml:"delivery-timeout"`
	DeliveryAttempts       int      `yaml:"delivery-attempts"`
	DeliveryBaseDelay      string   `yaml:"delivery-base-delay"`
	DeliveryMaxDelay       string   `yaml:"delivery-max-delay"`
	DeliveryMultiplier     float64  `yaml:"delivery-multiplier"`
	DeliveryWorkers        int      `yaml:"delivery-workers"`
	TerminalRetention      string   `yaml:"terminal-retention"`
	StoreRetryAttempts     int      `yaml:"store-retry-attempts"`
	StoreRetryBaseDelay    string   `yaml:"store-retry-base-delay"`
	StoreRetryMaxDelay     string   `yaml:"store-retry-max-delay"`
	StoreRetryMultiplier   float64  `yaml:"store-retry-multiplier"`
	DiskCompactThreshold   int      `yaml:"disk-compact-threshold"`
	MetricsListen          string   `yaml:"metrics-listen"`
	PprofListen            string   `yaml:"pprof-listen"`
	EnableProfilingMetrics bool     `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string   `yaml:"otlp-endpoint"`
	DisableHTTPTracing     bool     `yaml:"disable-http-tracing"`
	ShutdownTimeout        string   `yaml:"shutdown-timeout"`
	LogLevel               string   `yaml:"log-level"`
	AWSRegion              string   `yaml:"aws-region"`
	AzureEndpoint          string   `yaml:"azure-endpoint"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:               tpcd.DefaultListen,
		Store:                tpcd.DefaultStore,
		Participants:         []string{},
		PayloadMax:           humanizeBytes(tpcd.DefaultMaxPayloadBytes),
		VoteTimeout:          tpcd.DefaultVoteTimeout.String(),
		DeliveryTimeout:      tpcd.DefaultDeliveryTimeout.String(),
		DeliveryAttempts:     tpcd.DefaultDeliveryAttempts,
		DeliveryBaseDelay:    tpcd.DefaultDeliveryBaseDelay.String(),
		DeliveryMaxDelay:     tpcd.DefaultDeliveryMaxDelay.String(),
		DeliveryMultiplier:   tpcd.DefaultDeliveryMultiplier,
		DeliveryWorkers:      tpcd.DefaultDeliveryWorkers,
		TerminalRetention:    tpcd.DefaultTerminalRetention.String(),
		StoreRetryAttempts:   tpcd.DefaultStoreRetryAttempts,
		StoreRetryBaseDelay:  tpcd.DefaultStoreRetryBaseDelay.String(),
		StoreRetryMaxDelay:   tpcd.DefaultStoreRetryMaxDelay.String(),
		StoreRetryMultiplier: tpcd.DefaultStoreRetryMultiplier,
		DiskCompactThreshold: tpcd.DefaultDiskCompactThreshold,
		MetricsListen:        tpcd.DefaultMetricsListen,
		PprofListen:          tpcd.DefaultPprofListen,
		ShutdownTimeout:      tpcd.DefaultShutdownTimeout.String(),
		LogLevel:             "info",
	}
	for _, override := range overrides {
		if override != nil {
			override(&defaults)
		}
	}
	data, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("encode default config: %w", err)
	}
	return data, nil
}
