package tpcd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"pkt.systems/tpcd/api"
	"pkt.systems/tpcd/internal/actionlog"
	"pkt.systems/tpcd/internal/actionlog/memory"
	"pkt.systems/tpcd/internal/archive"
	"pkt.systems/tpcd/internal/participant"
	"pkt.systems/tpcd/internal/registry"
	"pkt.systems/tpcd/internal/transport"
)

func startTestServer(t *testing.T, cfg Config, opts ...Option) *Server {
	t.Helper()
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv, stop, err := StartServer(ctx, cfg, opts...)
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stop(shutdownCtx); err != nil {
			t.Errorf("stop server: %v", err)
		}
	})
	return srv
}

func baseURL(srv *Server) string {
	return "http://" + srv.ListenerAddr().String()
}

func postJSON(t *testing.T, url string, body any, out any) int {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func waitForPhase(t *testing.T, srv *Server, id, phase string) api.InstanceStatusResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		var st api.InstanceStatusResponse
		code := getJSON(t, baseURL(srv)+"/v1/instances/"+id, &st)
		if code == http.StatusOK && st.Phase == phase {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("instance %s never reached %s (last %d %+v)", id, phase, code, st)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServerCommitsThroughHTTPParticipants(t *testing.T) {
	inventory := participant.New(participant.Config{PeerID: "inventory"})
	billing := participant.New(participant.Config{PeerID: "billing"})
	invSrv := httptest.NewServer(inventory.Handler())
	t.Cleanup(invSrv.Close)
	billSrv := httptest.NewServer(billing.Handler())
	t.Cleanup(billSrv.Close)

	sink := archive.NewMemory()
	srv := startTestServer(t, Config{
		Participants:      []string{"inventory=" + invSrv.URL, "billing=" + billSrv.URL},
		DeliveryBaseDelay: 5 * time.Millisecond,
		DeliveryMaxDelay:  20 * time.Millisecond,
	}, WithArchive(sink))

	var begun api.BeginInstanceResponse
	code := postJSON(t, baseURL(srv)+"/v1/instances", api.BeginInstanceRequest{
		InstanceID:   "order-1",
		Participants: []string{"inventory", "billing"},
		Payload:      json.RawMessage(`{"sku":"A-1","qty":2}`),
	}, &begun)
	if code != http.StatusCreated {
		t.Fatalf("begin status = %d", code)
	}
	if begun.InstanceID != "order-1" {
		t.Fatalf("unexpected begin response %+v", begun)
	}

	st := waitForPhase(t, srv, "order-1", "COMMITTED")
	for _, p := range st.Participants {
		if p.Vote != string(registry.VoteYes) {
			t.Fatalf("participant %s vote = %s", p.PeerID, p.Vote)
		}
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		invDecision, invOK := inventory.Decision("order-1")
		billDecision, billOK := billing.Decision("order-1")
		if invOK && billOK {
			if invDecision != actionlog.KindCommit || billDecision != actionlog.KindCommit {
				t.Fatalf("decisions = %s/%s", invDecision, billDecision)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("participants never received the commit")
		}
		time.Sleep(10 * time.Millisecond)
	}
	deadline = time.Now().Add(5 * time.Second)
	for sink.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("committed instance was not archived")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServerAbortsWhenParticipantVotesNo(t *testing.T) {
	yes := participant.New(participant.Config{PeerID: "yes"})
	no := participant.New(participant.Config{PeerID: "no", Vote: participant.Always(registry.VoteNo)})
	yesSrv := httptest.NewServer(yes.Handler())
	t.Cleanup(yesSrv.Close)
	noSrv := httptest.NewServer(no.Handler())
	t.Cleanup(noSrv.Close)

	srv := startTestServer(t, Config{
		Participants: []string{"yes=" + yesSrv.URL, "no=" + noSrv.URL},
	})
	code := postJSON(t, baseURL(srv)+"/v1/instances", api.BeginInstanceRequest{
		InstanceID:   "order-2",
		Participants: []string{"yes", "no"},
	}, nil)
	if code != http.StatusCreated {
		t.Fatalf("begin status = %d", code)
	}
	waitForPhase(t, srv, "order-2", "ABORTED")
}

func TestServerResumesPendingActionsOnStart(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	for _, peer := range []string{"a", "b"} {
		if _, err := store.Append(ctx, "inst-restart", actionlog.Entry{Kind: actionlog.KindVoteRequest, Participant: peer}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if _, err := store.Append(ctx, "inst-restart", actionlog.Entry{Kind: actionlog.KindCommit, Participant: "a"}); err != nil {
		t.Fatalf("seed commit: %v", err)
	}
	for _, seq := range []uint64{1, 2} {
		if err := store.MarkExecuted(ctx, "inst-restart", seq, time.Now().Unix()); err != nil {
			t.Fatalf("mark: %v", err)
		}
	}

	var (
		mu        sync.Mutex
		delivered []transport.Message
	)
	deliverer := transport.DelivererFunc(func(_ context.Context, msg transport.Message) (transport.Reply, error) {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, msg)
		return transport.Reply{}, nil
	})
	srv := startTestServer(t, Config{}, WithStore(store), WithDeliverer(deliverer))

	report := srv.RecoveryReport()
	if report.Instances != 1 || report.Pending != 1 {
		t.Fatalf("unexpected recovery report %+v", report)
	}
	waitForPhase(t, srv, "inst-restart", "COMMITTED")

	mu.Lock()
	defer mu.Unlock()
	commits := map[string]bool{}
	for _, msg := range delivered {
		if msg.Kind == actionlog.KindVoteRequest {
			t.Fatalf("executed vote request was re-sent: %+v", msg)
		}
		if msg.Kind == actionlog.KindCommit {
			commits[msg.Participant] = true
		}
	}
	if !commits["a"] || !commits["b"] {
		t.Fatalf("commit not delivered to every participant: %v", commits)
	}
}

func TestServerHealthAndReadiness(t *testing.T) {
	srv := startTestServer(t, Config{})
	var health api.HealthResponse
	if code := getJSON(t, baseURL(srv)+"/healthz", &health); code != http.StatusOK || health.Status != "ok" {
		t.Fatalf("healthz = %d %+v", code, health)
	}
	if code := getJSON(t, baseURL(srv)+"/readyz", &health); code != http.StatusOK {
		t.Fatalf("readyz = %d %+v", code, health)
	}
	if !srv.Coordinator().Ready() {
		t.Fatalf("coordinator should be ready after StartServer")
	}
}

func TestNewServerRejectsInvalidConfig(t *testing.T) {
	if _, err := NewServer(Config{Store: "postgres://db"}); err == nil {
		t.Fatalf("expected unsupported store error")
	}
	if _, err := NewServer(Config{Archive: "ftp://x/y"}); err == nil {
		t.Fatalf("expected unsupported archive error")
	}
	if _, err := NewServer(Config{Participants: []string{"broken"}}); err == nil {
		t.Fatalf("expected participant parse error")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	srv, err := NewServer(Config{Listen: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Start() }()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.WaitUntilReady(ctx); err != nil {
		t.Fatalf("wait ready: %v", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("start returned %v", err)
	}
}
