package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pkt.systems/tpcd/api"
	"pkt.systems/tpcd/internal/actionlog/memory"
	"pkt.systems/tpcd/internal/coordinator"
	"pkt.systems/tpcd/internal/correlation"
	"pkt.systems/tpcd/internal/transport"
)

type testServer struct {
	coord *coordinator.Coordinator
	srv   *httptest.Server
}

func newTestServer(t *testing.T, ready bool) *testServer {
	t.Helper()
	ack := transport.DelivererFunc(func(context.Context, transport.Message) (transport.Reply, error) {
		return transport.Reply{}, nil
	})
	coord, err := coordinator.New(coordinator.Config{Store: memory.New(), Deliverer: ack})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	coord.Start(context.Background())
	t.Cleanup(func() { _ = coord.Close() })
	if ready {
		coord.MarkReady()
	}
	mux := http.NewServeMux()
	New(Config{Coordinator: coord, Tracing: true}).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testServer{coord: coord, srv: srv}
}

func (s *testServer) do(t *testing.T, method, path string, body any, out any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp
}

func expectError(t *testing.T, s *testServer, method, path string, body any, status int, code string) {
	t.Helper()
	var errResp api.ErrorResponse
	resp := s.do(t, method, path, body, &errResp)
	if resp.StatusCode != status || errResp.ErrorCode != code {
		t.Fatalf("%s %s: got %d %q (%s), want %d %q", method, path, resp.StatusCode, errResp.ErrorCode, errResp.Detail, status, code)
	}
}

func TestReadinessGatesRequests(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, false)

	var health api.HealthResponse
	if resp := s.do(t, http.MethodGet, "/healthz", nil, &health); resp.StatusCode != http.StatusOK || health.Status != "ok" {
		t.Fatalf("healthz: %d %+v", resp.StatusCode, health)
	}
	if resp := s.do(t, http.MethodGet, "/readyz", nil, &health); resp.StatusCode != http.StatusServiceUnavailable || health.Status != "not_ready" {
		t.Fatalf("readyz before ready: %d %+v", resp.StatusCode, health)
	}
	var errResp api.ErrorResponse
	resp := s.do(t, http.MethodPost, "/v1/instances", api.BeginInstanceRequest{Participants: []string{"a"}}, &errResp)
	if resp.StatusCode != http.StatusServiceUnavailable || errResp.ErrorCode != "not_ready" {
		t.Fatalf("begin before ready: %d %+v", resp.StatusCode, errResp)
	}
	if resp.Header.Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After header")
	}

	s.coord.MarkReady()
	if resp := s.do(t, http.MethodGet, "/readyz", nil, &health); resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz after ready: %d", resp.StatusCode)
	}
}

func TestInstanceLifecycleOverHTTP(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, true)

	var begin api.BeginInstanceResponse
	resp := s.do(t, http.MethodPost, "/v1/instances", api.BeginInstanceRequest{
		InstanceID:   "order-42",
		Participants: []string{"inventory", "billing"},
		Payload:      json.RawMessage(`{"sku":"x1","qty":2}`),
	}, &begin)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("begin status %d", resp.StatusCode)
	}
	if begin.InstanceID != "order-42" || begin.Phase != "VOTING" {
		t.Fatalf("unexpected begin response %+v", begin)
	}
	if resp.Header.Get("Location") != "/v1/instances/order-42" {
		t.Fatalf("location = %q", resp.Header.Get("Location"))
	}
	if begin.CorrelationID == "" || resp.Header.Get(correlation.Header) != begin.CorrelationID {
		t.Fatalf("correlation id not echoed: %q vs %q", begin.CorrelationID, resp.Header.Get(correlation.Header))
	}

	var list api.InstanceListResponse
	s.do(t, http.MethodGet, "/v1/instances", nil, &list)
	if len(list.Instances) != 1 || list.Instances[0].InstanceID != "order-42" {
		t.Fatalf("unexpected list %+v", list)
	}

	for _, peer := range []string{"inventory", "billing"} {
		var vote api.RecordVoteResponse
		resp := s.do(t, http.MethodPost, "/v1/instances/order-42/votes", api.RecordVoteRequest{PeerID: peer, Vote: "yes"}, &vote)
		if resp.StatusCode != http.StatusOK || !vote.Applied {
			t.Fatalf("vote %s: %d %+v", peer, resp.StatusCode, vote)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	var status api.InstanceStatusResponse
	for {
		s.do(t, http.MethodGet, "/v1/instances/order-42", nil, &status)
		if status.Phase == "COMMITTED" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("instance stuck in %s", status.Phase)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if strings.Join(status.History, ",") != "PROPOSED,VOTING,COMMITTING,COMMITTED" {
		t.Fatalf("history = %v", status.History)
	}
	for _, p := range status.Participants {
		if p.Vote != "YES" {
			t.Fatalf("participant %s vote %s", p.PeerID, p.Vote)
		}
	}

	var actions api.ActionsResponse
	s.do(t, http.MethodGet, "/v1/instances/order-42/actions", nil, &actions)
	if len(actions.Actions) != 4 {
		t.Fatalf("expected 4 actions, got %d", len(actions.Actions))
	}
	for _, a := range actions.Actions {
		if a.Status != "EXECUTED" || a.ExecutedAt == nil {
			t.Fatalf("action %d not executed: %+v", a.Sequence, a)
		}
	}
	if string(actions.Actions[0].Payload) != `{"sku":"x1","qty":2}` {
		t.Fatalf("payload = %s", actions.Actions[0].Payload)
	}

	var late api.RecordVoteResponse
	s.do(t, http.MethodPost, "/v1/instances/order-42/votes", api.RecordVoteRequest{PeerID: "billing", Vote: "NO"}, &late)
	if late.Applied || late.Phase != "COMMITTED" {
		t.Fatalf("late vote applied: %+v", late)
	}
}

func TestErrorResponses(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, true)

	s.do(t, http.MethodPost, "/v1/instances", api.BeginInstanceRequest{InstanceID: "dup", Participants: []string{"a"}}, nil)

	expectError(t, s, http.MethodPost, "/v1/instances", api.BeginInstanceRequest{InstanceID: "dup", Participants: []string{"a"}}, http.StatusConflict, "instance_exists")
	expectError(t, s, http.MethodPost, "/v1/instances", api.BeginInstanceRequest{InstanceID: "none"}, http.StatusBadRequest, "participants_required")
	expectError(t, s, http.MethodPost, "/v1/instances", api.BeginInstanceRequest{Participants: []string{"a", "a"}}, http.StatusBadRequest, "invalid_participant")
	expectError(t, s, http.MethodPost, "/v1/instances", api.BeginInstanceRequest{InstanceID: "bad id", Participants: []string{"a"}}, http.StatusBadRequest, "invalid_instance_id")
	expectError(t, s, http.MethodPost, "/v1/instances", `{"participants":["a"],"extra":1}`, http.StatusBadRequest, "invalid_body")
	expectError(t, s, http.MethodPost, "/v1/instances", `{"participants":["a"]}{}`, http.StatusBadRequest, "invalid_body")
	expectError(t, s, http.MethodPost, "/v1/instances", "", http.StatusBadRequest, "missing_body")
	expectError(t, s, http.MethodGet, "/v1/instances/missing", nil, http.StatusNotFound, "instance_not_found")
	expectError(t, s, http.MethodGet, "/v1/instances/missing/actions", nil, http.StatusNotFound, "instance_not_found")
	expectError(t, s, http.MethodPost, "/v1/instances/dup/votes", api.RecordVoteRequest{PeerID: "a", Vote: "maybe"}, http.StatusBadRequest, "invalid_vote")
	expectError(t, s, http.MethodPost, "/v1/instances/dup/votes", api.RecordVoteRequest{PeerID: "a", Vote: "UNREACHABLE"}, http.StatusBadRequest, "invalid_vote")
	expectError(t, s, http.MethodPost, "/v1/instances/dup/votes", api.RecordVoteRequest{PeerID: "zz", Vote: "YES"}, http.StatusNotFound, "unknown_participant")
	expectError(t, s, http.MethodPost, "/v1/instances/dup/votes", api.RecordVoteRequest{Vote: "YES"}, http.StatusBadRequest, "missing_peer_id")
}

func TestCorrelationIDPropagates(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, true)
	req, err := http.NewRequest(http.MethodGet, s.srv.URL+"/healthz", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set(correlation.Header, "client-corr-1")
	resp, err := s.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get(correlation.Header); got != "client-corr-1" {
		t.Fatalf("correlation header = %q", got)
	}
}
