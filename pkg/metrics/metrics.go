// Package metrics wires the relay's counters and gauges into
// Prometheus, grounded on the teacher's pkg/dialog/metrics.go
// (promauto constructors, Namespace/Subsystem config struct).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the metrics namespace, mirroring
// pkg/dialog/metrics.go's MetricsConfig. Subsystem is not applied:
// every metric carries a fixed subsystem ("rtp", "dialog" or "bridge").
type Config struct {
	Namespace string
	Subsystem string
}

func (c Config) withDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = "voicerelay"
	}
	return c
}

// RTPMetrics holds the per-engine counters the RTP Engine publishes.
type RTPMetrics struct {
	PacketsSent     prometheus.Counter
	PacketsReceived prometheus.Counter
	BytesSent       prometheus.Counter
	BytesReceived   prometheus.Counter
	PacketsLost     prometheus.Counter
	SendQueueDrops  prometheus.Counter
	RecvQueueDrops  prometheus.Counter
}

// NewRTPMetrics registers a fresh set of RTP Engine counters. Reg may
// be nil, in which case the counters are created without being
// registered anywhere (useful for tests that construct many engines and
// would otherwise collide on metric registration).
func NewRTPMetrics(reg prometheus.Registerer, cfg Config) *RTPMetrics {
	cfg = cfg.withDefaults()
	factory := promauto.With(reg)
	return &RTPMetrics{
		PacketsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: "rtp", Name: "packets_sent_total",
			Help: "Total RTP packets sent by the engine.",
		}),
		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: "rtp", Name: "packets_received_total",
			Help: "Total RTP packets received by the engine.",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: "rtp", Name: "bytes_sent_total",
			Help: "Total RTP payload bytes sent.",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: "rtp", Name: "bytes_received_total",
			Help: "Total RTP payload bytes received.",
		}),
		PacketsLost: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: "rtp", Name: "packets_lost_total",
			Help: "Estimated lost packets, from sequence gaps.",
		}),
		SendQueueDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: "rtp", Name: "send_queue_drops_total",
			Help: "Packets dropped because the send queue was full past its timeout.",
		}),
		RecvQueueDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: "rtp", Name: "recv_queue_drops_total",
			Help: "Packets dropped-oldest because the receive queue was full.",
		}),
	}
}

// DialogMetrics holds dialog-table and bridge gauges/histograms.
type DialogMetrics struct {
	DialogsActive    prometheus.Gauge
	DialogsTotal     prometheus.Counter
	StateTransitions *prometheus.CounterVec
	TurnDuration     prometheus.Histogram
}

// NewDialogMetrics registers the Call Supervisor / Media Bridge metrics.
func NewDialogMetrics(reg prometheus.Registerer, cfg Config) *DialogMetrics {
	cfg = cfg.withDefaults()
	factory := promauto.With(reg)
	return &DialogMetrics{
		DialogsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Subsystem: "dialog", Name: "active",
			Help: "Number of dialogs currently in the dialog table.",
		}),
		DialogsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: "dialog", Name: "created_total",
			Help: "Total dialogs created (inbound + outbound).",
		}),
		StateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: "dialog", Name: "state_transitions_total",
			Help: "Dialog state transitions, labeled by destination state.",
		}, []string{"state"}),
		TurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace, Subsystem: "bridge", Name: "turn_duration_seconds",
			Help:    "Wall-clock time spent in INFERRING per captured turn.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
