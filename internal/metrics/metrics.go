// Package metrics registers the Prometheus collectors this service
// exposes under /metrics, grounded in the same registration style the
// teacher's node server uses.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles the counters and gauges the peer orchestrator
// updates as it runs.
type Registry struct {
	MessagesDelivered prometheus.Counter
	ElectionsStarted  prometheus.Counter
	LeadershipChanges prometheus.Counter
	HeartbeatMisses   prometheus.Counter
	CurrentTerm       prometheus.Gauge
	KnownPeers        prometheus.Gauge
}

// NewRegistry creates and registers the collectors against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		MessagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatlog_messages_delivered_total",
			Help: "Total number of chat messages delivered in order.",
		}),
		ElectionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatlog_elections_started_total",
			Help: "Total number of Bully election campaigns this peer has started.",
		}),
		LeadershipChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatlog_leadership_changes_total",
			Help: "Total number of times this peer became the cluster leader.",
		}),
		HeartbeatMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatlog_heartbeat_misses_total",
			Help: "Total number of leader heartbeat timeouts observed.",
		}),
		CurrentTerm: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatlog_current_term",
			Help: "This peer's current election term.",
		}),
		KnownPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatlog_known_peers",
			Help: "Number of peers currently known to this peer, including itself.",
		}),
	}

	reg.MustRegister(
		r.MessagesDelivered,
		r.ElectionsStarted,
		r.LeadershipChanges,
		r.HeartbeatMisses,
		r.CurrentTerm,
		r.KnownPeers,
	)
	return r
}
