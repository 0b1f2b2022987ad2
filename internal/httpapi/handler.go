// Package httpapi exposes the coordinator over HTTP/JSON.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/tpcd/internal/actionlog"
	"pkt.systems/tpcd/internal/coordinator"
	"pkt.systems/tpcd/internal/correlation"
	"pkt.systems/tpcd/internal/ids"
	"pkt.systems/tpcd/internal/registry"
	"pkt.systems/tpcd/internal/svcfields"
)

const (
	// DefaultBeginBodyLimit caps a begin request body unless Config overrides it.
	DefaultBeginBodyLimit = 1 << 20
	voteBodyLimit         = 4 << 10
)

// Coordinator is the subset of *coordinator.Coordinator served over HTTP.
type Coordinator interface {
	BeginInstance(ctx context.Context, instanceID string, participants []string, payload []byte) (coordinator.Status, error)
	GetStatus(ctx context.Context, instanceID string) (coordinator.Status, error)
	RecordVote(ctx context.Context, instanceID, peerID string, vote registry.Vote) (coordinator.VoteResult, error)
	Actions(ctx context.Context, instanceID string) ([]actionlog.Action, error)
	List() []coordinator.Status
	Ready() bool
}

// Config wires a Handler.
type Config struct {
	Coordinator Coordinator
	Logger      pslog.Logger
	// Tracing wraps every route with otelhttp and records request spans.
	Tracing bool
	// MaxBeginBytes caps the begin request body (DefaultBeginBodyLimit when <= 0).
	MaxBeginBytes int64
}

// Handler serves the coordinator API.
type Handler struct {
	coord    Coordinator
	logger   pslog.Logger
	tracer   trace.Tracer
	tracing  bool
	maxBegin int64
}

// New returns a Handler.
func New(cfg Config) *Handler {
	maxBegin := cfg.MaxBeginBytes
	if maxBegin <= 0 {
		maxBegin = DefaultBeginBodyLimit
	}
	return &Handler{
		coord:    cfg.Coordinator,
		logger:   svcfields.EnsureLogger(cfg.Logger),
		tracer:   otel.Tracer("pkt.systems/tpcd/httpapi"),
		tracing:  cfg.Tracing,
		maxBegin: maxBegin,
	}
}

// Register installs the routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /v1/instances", h.wrap("instances.begin", h.handleBegin))
	mux.Handle("GET /v1/instances", h.wrap("instances.list", h.handleList))
	mux.Handle("GET /v1/instances/{id}", h.wrap("instances.status", h.handleStatus))
	mux.Handle("POST /v1/instances/{id}/votes", h.wrap("instances.vote", h.handleVote))
	mux.Handle("GET /v1/instances/{id}/actions", h.wrap("instances.actions", h.handleActions))
	mux.Handle("/healthz", h.wrap("healthz", h.handleHealth))
	mux.Handle("/readyz", h.wrap("readyz", h.handleReady))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	spanName := "tpcd.http." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		reqID := ids.Request()

		var span trace.Span
		if h.tracing {
			ctx, span = h.tracer.Start(ctx, "tpcd.api."+operation,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("tpcd.sys", sys),
					attribute.String("tpcd.operation", operation),
				),
			)
			defer span.End()
		} else {
			span = trace.SpanFromContext(ctx)
		}

		logger := svcfields.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)

		ctx = correlation.FromHeader(ctx, r.Header)
		ctx, logger = applyCorrelation(ctx, logger, span)
		r = r.WithContext(ctx)
		correlation.Inject(ctx, w.Header())

		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)
		if err := fn(w, r); err != nil {
			if h.tracing {
				span.RecordError(err)
				span.SetStatus(codes.Error, "handler_error")
				var httpErr httpError
				if errors.As(convertError(err), &httpErr) {
					span.SetAttributes(
						attribute.String("tpcd.error_code", httpErr.Code),
						attribute.Int("tpcd.error_status", httpErr.Status),
					)
				}
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		if h.tracing {
			span.SetStatus(codes.Ok, "")
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})

	if !h.tracing {
		return handler
	}
	return otelhttp.NewHandler(handler, spanName,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

type httpError struct {
	Status     int
	Code       string
	Detail     string
	RetryAfter int64
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}
