// Package api exposes an ambient, observability-only HTTP surface
// alongside the framed-TCP protocol port: health, Prometheus metrics,
// and a membership snapshot for debugging. It never carries chat
// submission or protocol traffic.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatlog/internal/peer"
)

// StatusSource is the minimal view of a running peer the diagnostics
// surface needs; *peer.Peer satisfies it via Status().
type StatusSource interface {
	Status() peer.Status
}

// Server is the diagnostics HTTP server.
type Server struct {
	router *mux.Router
	peer   StatusSource
}

// New builds the router. reg is the Prometheus registerer the peer's
// metrics.Registry was constructed against.
func New(p StatusSource, reg *prometheus.Registry, security *SecurityMiddleware) *Server {
	s := &Server{router: mux.NewRouter(), peer: p}

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/peers", s.handlePeers).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	if security != nil {
		s.router.Use(security.Middleware)
	}
	return s
}

// Router returns the underlying router for use with http.ListenAndServe.
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.peer.Status()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"peer_id":    st.PeerID,
		"term":       st.Term,
		"is_leader":  st.IsLeader,
		"leader_id":  st.LeaderID,
		"has_leader": st.HasLeader,
		"peer_count": st.PeerCount,
	})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	st := s.peer.Status()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st.Membership)
}
