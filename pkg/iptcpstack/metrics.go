package iptcpstack

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the stack's Prometheus collectors. A stack without explicit
// metrics still counts into an unregistered set.
type Metrics struct {
	SegmentsSent     *prometheus.CounterVec
	SegmentsReceived *prometheus.CounterVec
	SegmentsDropped  *prometheus.CounterVec
	Retransmits      *prometheus.CounterVec
	DuplicateAcks    prometheus.Counter
	StaleTimers      prometheus.Counter
	Connections      *prometheus.CounterVec
	RTTSample        prometheus.Histogram
}

// NewMetrics builds the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		SegmentsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fishnet",
			Subsystem: "tcp",
			Name:      "segments_sent_total",
			Help:      "Segments handed to the datagram layer, by kind.",
		}, []string{"kind"}),
		SegmentsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fishnet",
			Subsystem: "tcp",
			Name:      "segments_received_total",
			Help:      "Segments decoded from inbound datagrams, by kind.",
		}, []string{"kind"}),
		SegmentsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fishnet",
			Subsystem: "tcp",
			Name:      "segments_dropped_total",
			Help:      "Inbound segments discarded, by reason.",
		}, []string{"reason"}),
		Retransmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fishnet",
			Subsystem: "tcp",
			Name:      "retransmits_total",
			Help:      "Segments sent again, by trigger.",
		}, []string{"trigger"}),
		DuplicateAcks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fishnet",
			Subsystem: "tcp",
			Name:      "duplicate_acks_total",
			Help:      "ACKs that did not advance the send base.",
		}),
		StaleTimers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fishnet",
			Subsystem: "tcp",
			Name:      "stale_timers_total",
			Help:      "Retransmission timer callbacks ignored because a newer timer superseded them.",
		}),
		Connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fishnet",
			Subsystem: "tcp",
			Name:      "connections_total",
			Help:      "Connection lifecycle events, by event.",
		}, []string{"event"}),
		RTTSample: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fishnet",
			Subsystem: "tcp",
			Name:      "rtt_sample_seconds",
			Help:      "Round trip samples fed to the timeout estimator.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.SegmentsSent, m.SegmentsReceived, m.SegmentsDropped,
		m.Retransmits, m.DuplicateAcks, m.StaleTimers, m.Connections, m.RTTSample} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "register transport metrics")
		}
	}
	return m, nil
}

func (m *Metrics) dropped(reason string) {
	m.SegmentsDropped.WithLabelValues(reason).Inc()
}
