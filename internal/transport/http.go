package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"pkt.systems/pslog"

	"pkt.systems/tpcd/api"
	"pkt.systems/tpcd/internal/correlation"
	"pkt.systems/tpcd/internal/ids"
	"pkt.systems/tpcd/internal/registry"
	"pkt.systems/tpcd/internal/svcfields"
	"pkt.systems/tpcd/internal/version"
)

const (
	// DeliveryPathPrefix is joined with the action kind on the participant side.
	DeliveryPathPrefix = "/v1/2pc/"
	// HeaderDeliveryID carries a unique id per delivery attempt.
	HeaderDeliveryID = "X-Tpcd-Delivery-Id"
	// HeaderCorrelationID propagates the coordinator correlation id.
	HeaderCorrelationID = correlation.Header

	defaultTimeout = 5 * time.Second
	maxReplyBytes  = 64 << 10
)

// HTTPConfig configures the HTTP deliverer.
type HTTPConfig struct {
	Endpoints EndpointProvider
	// Client overrides the default otelhttp instrumented client.
	Client  *http.Client
	Timeout time.Duration
	Logger  pslog.Logger
}

// HTTPDeliverer POSTs JSON deliveries to participant endpoints.
type HTTPDeliverer struct {
	endpoints EndpointProvider
	client    *http.Client
	timeout   time.Duration
	logger    pslog.Logger
}

// NewHTTP constructs an HTTPDeliverer.
func NewHTTP(cfg HTTPConfig) (*HTTPDeliverer, error) {
	if cfg.Endpoints == nil {
		return nil, errors.New("transport: endpoint provider required")
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPDeliverer{
		endpoints: cfg.Endpoints,
		client:    client,
		timeout:   timeout,
		logger:    svcfields.EnsureLogger(cfg.Logger),
	}, nil
}

// Deliver implements Deliverer.
func (d *HTTPDeliverer) Deliver(ctx context.Context, msg Message) (Reply, error) {
	endpoint, err := d.endpoints.Endpoint(ctx, msg.Participant)
	if err != nil {
		return Reply{}, &DeliveryError{Participant: msg.Participant, Err: err}
	}
	deliveryID := ids.Delivery()
	body, err := json.Marshal(api.DeliveryRequest{
		InstanceID:  msg.InstanceID,
		Sequence:    msg.Sequence,
		Kind:        string(msg.Kind),
		Participant: msg.Participant,
		Payload:     json.RawMessage(msg.Payload),
		DeliveryID:  deliveryID,
	})
	if err != nil {
		return Reply{}, err
	}
	url := joinEndpoint(endpoint, DeliveryPathPrefix+string(msg.Kind))
	reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Reply{}, &DeliveryError{Participant: msg.Participant, Endpoint: endpoint, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set(HeaderDeliveryID, deliveryID)
	correlation.Inject(ctx, req.Header)
	resp, err := d.client.Do(req)
	if err != nil {
		return Reply{}, &DeliveryError{Participant: msg.Participant, Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return Reply{}, &DeliveryError{Participant: msg.Participant, Endpoint: endpoint, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		derr := &DeliveryError{Participant: msg.Participant, Endpoint: endpoint, Status: resp.StatusCode}
		var errResp api.ErrorResponse
		if json.Unmarshal(payload, &errResp) == nil && errResp.ErrorCode != "" {
			derr.Code = errResp.ErrorCode
			if errResp.Detail != "" {
				derr.Err = errors.New(errResp.Detail)
			}
		}
		return Reply{}, derr
	}
	reply := Reply{Vote: registry.VoteUnknown}
	if len(bytes.TrimSpace(payload)) == 0 {
		return reply, nil
	}
	var out api.DeliveryResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return Reply{}, &DeliveryError{Participant: msg.Participant, Endpoint: endpoint, Status: resp.StatusCode, Err: fmt.Errorf("decode reply: %w", err)}
	}
	if strings.TrimSpace(out.Vote) != "" {
		vote, err := registry.ParseVote(out.Vote)
		if err != nil || (vote != registry.VoteYes && vote != registry.VoteNo) {
			return Reply{}, &DeliveryError{Participant: msg.Participant, Endpoint: endpoint, Status: resp.StatusCode, Err: fmt.Errorf("invalid vote %q", out.Vote)}
		}
		reply.Vote = vote
	}
	d.logger.Trace("twopc.delivery.sent",
		"instance_id", msg.InstanceID,
		"sequence", msg.Sequence,
		"kind", msg.Kind,
		"participant", msg.Participant,
		"delivery_id", deliveryID,
		"vote", reply.Vote,
	)
	return reply, nil
}

func joinEndpoint(base, suffix string) string {
	base = strings.TrimSuffix(strings.TrimSpace(base), "/")
	if !strings.HasPrefix(suffix, "/") {
		suffix = "/" + suffix
	}
	return base + suffix
}
