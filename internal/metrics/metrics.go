// Package metrics holds the agent's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all the Prometheus metrics for the agent.
type Metrics struct {
	Invocations      *prometheus.CounterVec
	Reauthorizations prometheus.Counter
	Peers            prometheus.Gauge
	ExpiredPeers     prometheus.Counter
	Captures         *prometheus.CounterVec
	CaptureKills     prometheus.Counter
	Reboots          prometheus.Counter
	PrunedFiles      prometheus.Counter
	ActiveIntents    prometheus.Gauge
	RequestsRejected *prometheus.CounterVec
	StateWrites      *prometheus.CounterVec
}

// New registers the agent's collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Invocations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hostagent_invocations_total",
			Help: "Outbound command invocations by result",
		}, []string{"result"}),
		Reauthorizations: f.NewCounter(prometheus.CounterOpts{
			Name: "hostagent_reauthorizations_total",
			Help: "Authorize handshakes performed after an unauthorized response",
		}),
		Peers: f.NewGauge(prometheus.GaugeOpts{
			Name: "hostagent_peers",
			Help: "Peers currently held in the directory",
		}),
		ExpiredPeers: f.NewCounter(prometheus.CounterOpts{
			Name: "hostagent_peers_expired_total",
			Help: "Peers removed after idling past the expiry timeout",
		}),
		Captures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hostagent_captures_total",
			Help: "Timelapse capture attempts by result",
		}, []string{"result"}),
		CaptureKills: f.NewCounter(prometheus.CounterOpts{
			Name: "hostagent_capture_kills_total",
			Help: "Capture processes terminated by the watchdog",
		}),
		Reboots: f.NewCounter(prometheus.CounterOpts{
			Name: "hostagent_reboots_requested_total",
			Help: "Reboots requested after repeated capture failures",
		}),
		PrunedFiles: f.NewCounter(prometheus.CounterOpts{
			Name: "hostagent_pruned_files_total",
			Help: "Capture images deleted to free storage",
		}),
		ActiveIntents: f.NewGauge(prometheus.GaugeOpts{
			Name: "hostagent_active_intents",
			Help: "Intents currently active",
		}),
		RequestsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hostagent_requests_rejected_total",
			Help: "Inbound requests rejected by reason",
		}, []string{"reason"}),
		StateWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hostagent_state_writes_total",
			Help: "Run state writes by result",
		}, []string{"result"}),
	}
}

// Discard returns collectors registered on a private registry, for
// components constructed without a metrics sink.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}
