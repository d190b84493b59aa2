package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"chatlog/internal/api"
	"chatlog/internal/logging"
	"chatlog/internal/metrics"
	"chatlog/internal/peer"
	"chatlog/internal/wire"
)

func main() {
	logging.Init()

	peerID, err := strconv.Atoi(requireEnv("CHATLOG_PEER_ID"))
	if err != nil {
		logging.Error("invalid CHATLOG_PEER_ID: %v", err)
		os.Exit(1)
	}

	host := envOr("CHATLOG_HOST", "0.0.0.0")
	port, err := strconv.Atoi(envOr("CHATLOG_PORT", "5000"))
	if err != nil {
		logging.Error("invalid CHATLOG_PORT: %v", err)
		os.Exit(1)
	}
	diagPort, err := strconv.Atoi(envOr("CHATLOG_DIAG_PORT", strconv.Itoa(port+1000)))
	if err != nil {
		logging.Error("invalid CHATLOG_DIAG_PORT: %v", err)
		os.Exit(1)
	}

	cfg := peer.Config{
		Self:          wire.PeerInfo{PeerID: wire.PeerID(peerID), Host: host, Port: port},
		Room:          envOr("CHATLOG_ROOM", wire.DefaultRoom),
		LogDir:        envOr("CHATLOG_LOG_DIR", "./data"),
		Seeds:         parseSeeds(os.Getenv("CHATLOG_SEEDS")),
		PortScanHost:  envOr("CHATLOG_SCAN_HOST", host),
		PortScanBase:  envInt("CHATLOG_SCAN_BASE_PORT", 0),
		PortScanCount: envInt("CHATLOG_SCAN_COUNT", 0),
	}
	if ms := envInt("CHATLOG_HEARTBEAT_MS", 0); ms > 0 {
		cfg.HeartbeatInterval = time.Duration(ms) * time.Millisecond
	}
	if ms := envInt("CHATLOG_LEADER_TIMEOUT_MS", 0); ms > 0 {
		cfg.LeaderTimeout = time.Duration(ms) * time.Millisecond
	}
	if ms := envInt("CHATLOG_ELECTION_TIMEOUT_MS", 0); ms > 0 {
		cfg.ElectionTimeout = time.Duration(ms) * time.Millisecond
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	m := metrics.NewRegistry(reg)

	p, err := peer.New(cfg, peer.Metrics{
		MessageDelivered: func() { m.MessagesDelivered.Inc() },
		ElectionStarted:  func() { m.ElectionsStarted.Inc() },
		BecameLeader:     func() { m.LeadershipChanges.Inc() },
		HeartbeatMissed:  func() { m.HeartbeatMisses.Inc() },
	})
	if err != nil {
		logging.Error("failed to construct peer: %v", err)
		os.Exit(1)
	}

	if err := p.Start(); err != nil {
		logging.Error("failed to start peer: %v", err)
		os.Exit(1)
	}
	logging.Info("chatlog peer %d listening on %s:%d (diagnostics on :%d)", peerID, host, port, diagPort)

	security := api.NewSecurityMiddleware(reg, 100, 200)
	defer security.Close()
	diagServer := api.New(p, reg, security)

	go func() {
		addr := fmt.Sprintf(":%d", diagPort)
		if err := http.ListenAndServe(addr, diagServer.Router()); err != nil {
			logging.Error("diagnostics server stopped: %v", err)
		}
	}()

	go updateGauges(p, m)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logging.Info("shutting down")
	p.Stop()
}

// updateGauges refreshes the term and peer-count gauges on a fixed
// tick, mirroring the teacher's periodic storage-metrics updater.
func updateGauges(p *peer.Peer, m *metrics.Registry) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		st := p.Status()
		m.CurrentTerm.Set(float64(st.Term))
		m.KnownPeers.Set(float64(st.PeerCount))
	}
}

func requireEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		logging.Error("required environment variable %s is not set", key)
		os.Exit(1)
	}
	return v
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// parseSeeds parses a comma-separated "host:port,host:port" list into
// PeerInfo values with PeerID left at zero; the real id is learned
// from the seed's JOIN_ACK membership snapshot.
func parseSeeds(raw string) []wire.PeerInfo {
	if raw == "" {
		return nil
	}
	var out []wire.PeerInfo
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		host, portStr, ok := strings.Cut(part, ":")
		if !ok {
			logging.Warn("ignoring malformed seed address %q", part)
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			logging.Warn("ignoring malformed seed address %q", part)
			continue
		}
		out = append(out, wire.PeerInfo{Host: host, Port: port})
	}
	return out
}
