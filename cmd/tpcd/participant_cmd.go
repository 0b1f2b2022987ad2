package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"pkt.systems/pslog"

	"pkt.systems/tpcd"
	"pkt.systems/tpcd/api"
	"pkt.systems/tpcd/internal/participant"
	"pkt.systems/tpcd/internal/registry"
	"pkt.systems/tpcd/internal/svcfields"
)

func newParticipantCommand(baseLogger pslog.Logger) *cobra.Command {
	var listen, peerID, vote string
	cmd := &cobra.Command{
		Use:   "participant",
		Short: "Run a reference participant that answers vote requests",
		Long: `Serves /v1/2pc/{vote-request,commit,abort} and answers every vote request
with the configured vote. "defer" answers without a vote so the vote has to
be recorded later through POST /v1/instances/{id}/votes.`,
		Example: `  tpcd participant --listen :9442 --peer-id inventory --vote yes`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			voteFn, err := parseParticipantVote(vote)
			if err != nil {
				return err
			}
			logger := svcfields.WithSubsystem(baseLogger, "cli.participant")
			p := participant.New(participant.Config{PeerID: peerID, Vote: voteFn, Logger: baseLogger})
			return serveParticipant(cmd.Context(), listen, p, logger)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", tpcd.DefaultParticipantListen, "listen address")
	cmd.Flags().StringVar(&peerID, "peer-id", "", "reject deliveries addressed to other peers (empty accepts all)")
	cmd.Flags().StringVar(&vote, "vote", "yes", "vote to answer with (yes, no, defer)")
	return cmd
}

func parseParticipantVote(raw string) (participant.VoteFunc, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "yes", "":
		return participant.Always(registry.VoteYes), nil
	case "no":
		return participant.Always(registry.VoteNo), nil
	case "defer":
		return participant.Always(registry.VoteUnknown), nil
	default:
		return nil, fmt.Errorf("invalid --vote %q (want yes, no or defer)", raw)
	}
}

func serveParticipant(ctx context.Context, listen string, p *participant.Participant, logger pslog.Logger) error {
	mux := http.NewServeMux()
	p.Register(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = writeJSON(w, api.HealthResponse{Status: "ok"})
	})
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", listen, err)
	}
	srv := &http.Server{
		Handler:           otelhttp.NewHandler(mux, "tpcd.participant"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logger.Info("participant.listening", "address", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), tpcd.DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("participant.stopped", "deliveries", len(p.Deliveries()), "instances", len(p.Instances()))
	return nil
}
