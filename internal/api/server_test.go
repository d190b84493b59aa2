package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"chatlog/internal/peer"
	"chatlog/internal/wire"
)

type fakeStatusSource struct {
	status peer.Status
}

func (f fakeStatusSource) Status() peer.Status { return f.status }

func TestHealthEndpointReportsStatus(t *testing.T) {
	src := fakeStatusSource{status: peer.Status{
		PeerID: 3, Term: 7, IsLeader: true, LeaderID: 3, HasLeader: true, PeerCount: 3,
	}}
	reg := prometheus.NewRegistry()
	s := New(src, reg, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["is_leader"] != true {
		t.Fatalf("body[is_leader] = %v, want true", body["is_leader"])
	}
}

func TestPeersEndpointReturnsMembership(t *testing.T) {
	src := fakeStatusSource{status: peer.Status{
		Membership: []wire.PeerInfo{{PeerID: 1, Host: "a", Port: 1}, {PeerID: 2, Host: "b", Port: 2}},
	}}
	reg := prometheus.NewRegistry()
	s := New(src, reg, nil)

	req := httptest.NewRequest(http.MethodGet, "/peers", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	var got []wire.PeerInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d peers, want 2", len(got))
	}
}

func TestMetricsEndpointExposesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_probe_total", Help: "probe"})
	reg.MustRegister(counter)
	counter.Inc()

	s := New(fakeStatusSource{}, reg, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "test_probe_total") {
		t.Fatalf("metrics body missing registered counter:\n%s", rec.Body.String())
	}
}
