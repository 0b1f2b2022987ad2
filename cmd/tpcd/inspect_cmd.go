package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/tpcd"
	"pkt.systems/tpcd/internal/actionlog"
	"pkt.systems/tpcd/internal/ids"
	"pkt.systems/tpcd/internal/svcfields"
)

type inspectOptions struct {
	store   string
	jsonOut bool
}

func newInspectCommand(baseLogger pslog.Logger) *cobra.Command {
	opts := &inspectOptions{}
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Read the action log of a stopped coordinator",
		Long: `Opens the action log directly. Run it against a store that no server
holds open: disk and leveldb stores take an exclusive lock.`,
	}
	cmd.PersistentFlags().StringVar(&opts.store, "store", "", "action log URL (mem://, disk:///path, leveldb:///path)")
	cmd.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "print JSON instead of a table")
	cmd.AddCommand(newInspectPendingCommand(baseLogger, opts))
	cmd.AddCommand(newInspectInstancesCommand(baseLogger, opts))
	return cmd
}

func openInspectStore(cmd *cobra.Command, baseLogger pslog.Logger, opts *inspectOptions) (actionlog.Store, error) {
	cfg, err := storeConfig(cmd, opts.store)
	if err != nil {
		return nil, err
	}
	logger := svcfields.WithSubsystem(baseLogger, "cli.inspect")
	return tpcd.OpenActionLog(cmd.Context(), cfg, nil, logger)
}

func newInspectPendingCommand(baseLogger pslog.Logger, opts *inspectOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending [instance-id]",
		Short: "List pending actions, optionally for one instance",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openInspectStore(cmd, baseLogger, opts)
			if err != nil {
				return err
			}
			defer store.Close()
			var actions []actionlog.Action
			if len(args) == 1 {
				actions, err = store.ListPending(cmd.Context(), args[0])
			} else {
				actions, err = store.ListAllPending(cmd.Context())
			}
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return writeJSON(cmd.OutOrStdout(), actions)
			}
			return writeActions(cmd.OutOrStdout(), actions)
		},
	}
}

type instanceSummary struct {
	InstanceID   string         `json:"instance_id"`
	Actions      int            `json:"actions"`
	Pending      int            `json:"pending"`
	LastKind     actionlog.Kind `json:"last_kind"`
	LastActivity int64          `json:"last_activity"`
	GeneratedAt  int64          `json:"generated_at,omitempty"`
}

func newInspectInstancesCommand(baseLogger pslog.Logger, opts *inspectOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "instances",
		Short: "Summarise every instance that still has action log rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openInspectStore(cmd, baseLogger, opts)
			if err != nil {
				return err
			}
			defer store.Close()
			ids, err := store.Instances(cmd.Context())
			if err != nil {
				return err
			}
			summaries := make([]instanceSummary, 0, len(ids))
			for _, id := range ids {
				actions, err := store.List(cmd.Context(), id)
				if err != nil {
					return err
				}
				summaries = append(summaries, summarizeInstance(id, actions))
			}
			if opts.jsonOut {
				return writeJSON(cmd.OutOrStdout(), summaries)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "INSTANCE\tACTIONS\tPENDING\tLAST\tACTIVITY")
			for _, s := range summaries {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", s.InstanceID, s.Actions, s.Pending, s.LastKind, relativeTime(s.LastActivity))
			}
			return tw.Flush()
		},
	}
}

func summarizeInstance(id string, actions []actionlog.Action) instanceSummary {
	summary := instanceSummary{InstanceID: id, Actions: len(actions)}
	if at, ok := ids.InstanceTime(id); ok {
		summary.GeneratedAt = at.Unix()
	}
	for _, a := range actions {
		if a.Pending() {
			summary.Pending++
		}
		summary.LastKind = a.Kind
		if a.CreatedAtUnix > summary.LastActivity {
			summary.LastActivity = a.CreatedAtUnix
		}
		if a.ExecutedAtUnix > summary.LastActivity {
			summary.LastActivity = a.ExecutedAtUnix
		}
	}
	return summary
}

func writeActions(w io.Writer, actions []actionlog.Action) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INSTANCE\tSEQ\tKIND\tPARTICIPANT\tPAYLOAD\tCREATED")
	for _, a := range actions {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
			a.InstanceID, a.Sequence, a.Kind, a.Participant, humanizeBytes(int64(len(a.Payload))), relativeTime(a.CreatedAtUnix))
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
