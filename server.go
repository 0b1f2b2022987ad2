package tpcd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/tpcd/internal/actionlog"
	"pkt.systems/tpcd/internal/archive"
	"pkt.systems/tpcd/internal/clock"
	"pkt.systems/tpcd/internal/coordinator"
	"pkt.systems/tpcd/internal/httpapi"
	"pkt.systems/tpcd/internal/recovery"
	"pkt.systems/tpcd/internal/registry"
	"pkt.systems/tpcd/internal/svcfields"
	"pkt.systems/tpcd/internal/transport"
)

// Server wraps the HTTP API, the action log and the coordinator.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	store     actionlog.Store
	ownsStore bool
	coord     *coordinator.Coordinator
	scanner   *recovery.Scanner
	httpSrv   *http.Server
	telemetry *telemetryBundle

	runCtx    context.Context
	runCancel context.CancelFunc

	mu             sync.Mutex
	listener       net.Listener
	shutdown       bool
	lastServeErr   error
	recoveryReport recovery.Report

	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger    pslog.Logger
	Clock     clock.Clock
	Store     actionlog.Store
	Archive   archive.Sink
	Deliverer transport.Deliverer
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithStore injects a pre-built action log (useful for tests). The server
// does not close an injected store.
func WithStore(s actionlog.Store) Option {
	return func(o *options) {
		o.Store = s
	}
}

// WithArchive injects an archive sink instead of the one named by Config.Archive.
func WithArchive(s archive.Sink) Option {
	return func(o *options) {
		o.Archive = s
	}
}

// WithDeliverer replaces the HTTP deliverer built from Config.Participants.
func WithDeliverer(d transport.Deliverer) Option {
	return func(o *options) {
		o.Deliverer = d
	}
}

// NewServer constructs a tpcd server according to cfg. The action log is
// opened here; recovery runs when Start is called.
//
//	cfg := tpcd.Config{Store: "leveldb:///var/lib/tpcd", Participants: []string{"inventory=http://inv:9442"}}
//	srv, err := tpcd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := svcfields.EnsureLogger(o.Logger)
	clk := clock.Ensure(o.Clock)
	runCtx, runCancel := context.WithCancel(context.Background())

	telemetry, err := setupTelemetry(runCtx, telemetryConfigFrom(cfg), svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		runCancel()
		return nil, err
	}
	cleanup := func() {
		runCancel()
		if telemetry != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = telemetry.Shutdown(ctx)
		}
	}

	store := o.Store
	ownsStore := false
	if store == nil {
		store, err = OpenActionLog(runCtx, cfg, clk, svcfields.WithSubsystem(logger, "actionlog"))
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("open action log: %w", err)
		}
		ownsStore = true
	}
	closeStore := func() {
		if ownsStore {
			_ = store.Close()
		}
	}

	sink := o.Archive
	if sink == nil {
		sink, err = OpenArchive(runCtx, cfg)
		if err != nil {
			closeStore()
			cleanup()
			return nil, fmt.Errorf("open archive: %w", err)
		}
	}

	deliverer := o.Deliverer
	if deliverer == nil {
		endpoints, err := cfg.Endpoints()
		if err != nil {
			closeStore()
			cleanup()
			return nil, err
		}
		deliverer, err = transport.NewHTTP(transport.HTTPConfig{
			Endpoints: endpoints,
			Timeout:   cfg.DeliveryTimeout,
			Logger:    svcfields.WithSubsystem(logger, "transport.http"),
		})
		if err != nil {
			closeStore()
			cleanup()
			return nil, err
		}
	}

	coord, err := coordinator.New(coordinator.Config{
		Store:              store,
		Registry:           registry.New(),
		Deliverer:          deliverer,
		Archive:            sink,
		Clock:              clk,
		Logger:             logger,
		VoteTimeout:        cfg.VoteTimeout,
		DeliveryAttempts:   cfg.DeliveryAttempts,
		DeliveryBaseDelay:  cfg.DeliveryBaseDelay,
		DeliveryMaxDelay:   cfg.DeliveryMaxDelay,
		DeliveryMultiplier: cfg.DeliveryMultiplier,
		Workers:            cfg.DeliveryWorkers,
		TerminalRetention:  cfg.TerminalRetention,
	})
	if err != nil {
		closeStore()
		cleanup()
		return nil, err
	}
	scanner, err := recovery.New(recovery.Config{Store: store, Coordinator: coord, Logger: logger})
	if err != nil {
		closeStore()
		cleanup()
		return nil, err
	}

	mux := http.NewServeMux()
	httpapi.New(httpapi.Config{
		Coordinator:   coord,
		Logger:        logger,
		Tracing:       !cfg.DisableHTTPTracing,
		MaxBeginBytes: cfg.MaxPayloadBytes,
	}).Register(mux)
	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return runCtx },
	}

	return &Server{
		cfg:       cfg,
		logger:    svcfields.WithSubsystem(logger, "server"),
		store:     store,
		ownsStore: ownsStore,
		coord:     coord,
		scanner:   scanner,
		httpSrv:   httpSrv,
		telemetry: telemetry,
		runCtx:    runCtx,
		runCancel: runCancel,
		readyCh:   make(chan struct{}),
	}, nil
}

// Handler returns the underlying HTTP handler so the API can be mounted
// inside an existing mux.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Coordinator exposes the embedded coordinator.
func (s *Server) Coordinator() *coordinator.Coordinator {
	return s.coord
}

// Start binds the listener, replays the action log and serves requests. It
// blocks until the server stops. Client requests are answered with 503 until
// recovery has finished.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (tcp %s): %w", s.cfg.Listen, err)
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("listening", "network", "tcp", "address", ln.Addr().String(), "store", s.cfg.Store)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpSrv.Serve(ln)
	}()

	if err := s.runRecovery(s.runCtx); err != nil {
		if s.runCtx.Err() != nil {
			<-serveErr
			return nil
		}
		s.logger.Error("server.recovery.failed", "error", err)
		s.recordServeErr(err)
		_ = s.httpSrv.Close()
		<-serveErr
		return err
	}

	err = <-serveErr
	s.recordServeErr(err)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

func (s *Server) runRecovery(ctx context.Context) error {
	report, err := s.scanner.Scan(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.recoveryReport = report
	s.mu.Unlock()
	if failures := report.Err(); failures != nil {
		s.logger.Warn("server.recovery.quarantined", "corrupt", len(report.Corrupt), "failed", len(report.Failed), "error", failures)
	}
	s.coord.Start(ctx)
	s.coord.MarkReady()
	s.signalReady()
	return nil
}

// RecoveryReport returns the result of the startup scan.
func (s *Server) RecoveryReport() recovery.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recoveryReport
}

// Shutdown gracefully stops the server and returns any fatal serve/shutdown
// error. The returned error will be nil for clean shutdowns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	s.runCancel()
	if err := s.coord.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.ownsStore {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close action log: %w", err))
		}
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
		s.telemetry = nil
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	s.logger.Info("server.shutdown.complete")
	return errors.Join(errs...)
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until recovery has finished and the coordinator
// accepts requests, or until ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// MetricsAddr returns the bound Prometheus listener address, if enabled.
func (s *Server) MetricsAddr() net.Addr {
	return s.telemetry.MetricsAddr()
}

func (s *Server) recordServeErr(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastServeErr == nil {
		s.lastServeErr = err
	}
}

// LastServeError returns the first error observed while serving.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a server in a goroutine and waits until it is ready.
// The returned stop function shuts it down and waits for Start to return.
//
//	srv, stop, err := tpcd.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	select {
	case err := <-errCh:
		_ = srv.Close()
		if err == nil {
			err = errors.New("tpcd: server stopped before becoming ready")
		}
		return nil, nil, err
	case <-srv.readyCh:
	case <-waitCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, waitCtx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) && stopErr == nil {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
