// Package metrics exposes prometheus instrumentation for the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AcceptedTotal      = promauto.NewCounter(prometheus.CounterOpts{Name: "tgwsrelay_connections_accepted_total", Help: "Connections admitted by the gate"})
	RejectedTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tgwsrelay_connections_rejected_total", Help: "Connections rejected by the gate, by close code"}, []string{"code"})
	ActiveConnections  = promauto.NewGauge(prometheus.GaugeOpts{Name: "tgwsrelay_active_connections", Help: "Currently relaying connections"})
	ForwardedBytes     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tgwsrelay_forwarded_bytes_total", Help: "Relayed payload bytes by direction"}, []string{"direction"})
	DroppedFrames      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tgwsrelay_dropped_frames_total", Help: "Frames dropped instead of forwarded, by leg"}, []string{"leg"})
	BackpressurePauses = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tgwsrelay_backpressure_pauses_total", Help: "Flow-control pauses by direction"}, []string{"direction"})
	ConnectionSeconds  = promauto.NewHistogram(prometheus.HistogramOpts{Name: "tgwsrelay_connection_duration_seconds", Help: "Connection lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.1, 2, 16)})
)
