// Package participant implements a reference two-phase-commit participant
// endpoint. It answers vote requests with a configured vote and records the
// commit and abort decisions it receives.
package participant

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/tpcd/api"
	"pkt.systems/tpcd/internal/actionlog"
	"pkt.systems/tpcd/internal/registry"
	"pkt.systems/tpcd/internal/svcfields"
	"pkt.systems/tpcd/internal/transport"
)

const maxDeliveryBytes = 1 << 20

// VoteFunc decides the vote for a delivered vote request. Returning
// VoteUnknown defers the vote: the reply carries no vote and the participant
// is expected to call the coordinator later.
type VoteFunc func(req api.DeliveryRequest) registry.Vote

// Always returns a VoteFunc that answers every request with vote.
func Always(vote registry.Vote) VoteFunc {
	return func(api.DeliveryRequest) registry.Vote { return vote }
}

// Config configures a Participant.
type Config struct {
	PeerID string
	Vote   VoteFunc
	Logger pslog.Logger
}

// Delivery is one request received by the participant.
type Delivery struct {
	Request    api.DeliveryRequest
	ReceivedAt time.Time
	Duplicate  bool
}

// Participant serves /v1/2pc/{kind}. Safe for concurrent use.
type Participant struct {
	peerID string
	vote   VoteFunc
	logger pslog.Logger

	mu         sync.Mutex
	deliveries []Delivery
	seen       map[deliveryKey]struct{}
	decisions  map[string]actionlog.Kind
	votes      map[string]registry.Vote
}

type deliveryKey struct {
	instance string
	sequence uint64
}

// New constructs a Participant. A nil Vote answers YES.
func New(cfg Config) *Participant {
	vote := cfg.Vote
	if vote == nil {
		vote = Always(registry.VoteYes)
	}
	return &Participant{
		peerID:    strings.TrimSpace(cfg.PeerID),
		vote:      vote,
		logger:    svcfields.WithSubsystem(svcfields.EnsureLogger(cfg.Logger), "participant.http"),
		seen:      make(map[deliveryKey]struct{}),
		decisions: make(map[string]actionlog.Kind),
		votes:     make(map[string]registry.Vote),
	}
}

// Register installs the delivery routes on mux.
func (p *Participant) Register(mux *http.ServeMux) {
	for _, kind := range actionlog.Kinds() {
		mux.HandleFunc("POST "+transport.DeliveryPathPrefix+string(kind), p.handle(kind))
	}
}

// Handler returns a mux serving only the delivery routes.
func (p *Participant) Handler() http.Handler {
	mux := http.NewServeMux()
	p.Register(mux)
	return mux
}

func (p *Participant) handle(kind actionlog.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req api.DeliveryRequest
		dec := json.NewDecoder(io.LimitReader(r.Body, maxDeliveryBytes))
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", err)
			return
		}
		if req.Kind != "" && req.Kind != string(kind) {
			writeError(w, http.StatusBadRequest, "kind_mismatch", errors.New("body kind does not match route"))
			return
		}
		if req.InstanceID == "" {
			writeError(w, http.StatusBadRequest, "missing_instance", errors.New("instance_id required"))
			return
		}
		if p.peerID != "" && req.Participant != "" && req.Participant != p.peerID {
			writeError(w, http.StatusNotFound, "unknown_participant", errors.New("delivery addressed to "+req.Participant))
			return
		}
		resp := p.accept(kind, req)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func (p *Participant) accept(kind actionlog.Kind, req api.DeliveryRequest) api.DeliveryResponse {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := deliveryKey{instance: req.InstanceID, sequence: req.Sequence}
	_, dup := p.seen[key]
	p.seen[key] = struct{}{}
	p.deliveries = append(p.deliveries, Delivery{Request: req, ReceivedAt: time.Now(), Duplicate: dup})

	var resp api.DeliveryResponse
	switch kind {
	case actionlog.KindVoteRequest:
		vote, ok := p.votes[req.InstanceID]
		if !ok {
			vote = p.vote(req)
			if vote == registry.VoteYes || vote == registry.VoteNo {
				p.votes[req.InstanceID] = vote
			}
		}
		if vote == registry.VoteYes || vote == registry.VoteNo {
			resp.Vote = string(vote)
		}
	case actionlog.KindCommit, actionlog.KindAbort:
		p.decisions[req.InstanceID] = kind
	}
	p.logger.Info("participant.delivery",
		"instance_id", req.InstanceID,
		"sequence", req.Sequence,
		"kind", kind,
		"delivery_id", req.DeliveryID,
		"duplicate", dup,
		"vote", resp.Vote,
	)
	return resp
}

// Deliveries returns a copy of every request received so far.
func (p *Participant) Deliveries() []Delivery {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Delivery(nil), p.deliveries...)
}

// Decision returns the commit or abort received for instanceID.
func (p *Participant) Decision(instanceID string) (actionlog.Kind, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kind, ok := p.decisions[instanceID]
	return kind, ok
}

// Instances lists every instance the participant has heard of.
func (p *Participant) Instances() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	set := make(map[string]struct{})
	for key := range p.seen {
		set[key.instance] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(api.ErrorResponse{ErrorCode: code, Detail: err.Error()})
}
