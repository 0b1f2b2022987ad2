package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/tpcd"
	"pkt.systems/tpcd/internal/schema"
	"pkt.systems/tpcd/internal/svcfields"
)

func newMigrateCommand(baseLogger pslog.Logger) *cobra.Command {
	var store string
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Upgrade the action log schema to the latest version",
		Long: `Applies every pending schema step of a leveldb action log inside one
transaction per step. Steps are idempotent; re-running after a partial
failure resumes at the first step that was not recorded.`,
		Example: `  tpcd migrate --store leveldb:///var/lib/tpcd/actions --dry-run`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := storeConfig(cmd, store)
			if err != nil {
				return err
			}
			logger := svcfields.WithSubsystem(baseLogger, "cli.migrate")
			report, err := tpcd.MigrateStore(cmd.Context(), cfg, dryRun, logger)
			if err != nil {
				return err
			}
			return printMigrationReport(cmd, report)
		},
	}
	cmd.Flags().StringVar(&store, "store", "", "action log URL (leveldb:///path)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list pending steps without applying them")
	return cmd
}

func printMigrationReport(cmd *cobra.Command, report schema.Report) error {
	out := cmd.OutOrStdout()
	switch {
	case report.DryRun && len(report.Applied) == 0:
		fmt.Fprintf(out, "schema at v%d; nothing to apply\n", report.From)
		return nil
	case report.DryRun:
		fmt.Fprintf(out, "schema at v%d; %d pending step(s) up to v%d:\n", report.From, len(report.Applied), report.To)
	case len(report.Applied) == 0:
		fmt.Fprintf(out, "schema at v%d; up to date\n", report.To)
		return nil
	default:
		fmt.Fprintf(out, "schema migrated v%d -> v%d:\n", report.From, report.To)
	}
	for _, entry := range report.Applied {
		line := fmt.Sprintf("  v%d %s rows=%s", entry.Version, entry.Name, humanize.Comma(int64(entry.Rows)))
		if !report.DryRun && entry.AppliedAt > 0 {
			line += " applied " + humanize.Time(time.Unix(entry.AppliedAt, 0))
		}
		fmt.Fprintln(out, line)
	}
	return nil
}
