package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/tpcd/internal/version"
)

func newVersionCommand() *cobra.Command {
	var short, jsonOut bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the tpcd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if short && jsonOut {
				return fmt.Errorf("--short and --json are mutually exclusive")
			}
			switch {
			case short:
				_, err := fmt.Fprintln(cmd.OutOrStdout(), version.Current())
				return err
			case jsonOut:
				return writeJSON(cmd.OutOrStdout(), version.Describe())
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", version.Module(), version.Current())
			return err
		},
	}
	cmd.Flags().BoolVar(&short, "short", false, "print only the version string")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print module, version, Go version and VCS revision as JSON")
	return cmd
}
