package cluster

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rabble",
			Subsystem: "cluster",
			Name:      "errors_total",
			Help:      "Total number of cluster server errors by kind.",
		}, []string{"node", "kind"})
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rabble",
			Subsystem: "cluster",
			Name:      "frames_total",
			Help:      "Total number of frames sent and received.",
		}, []string{"node", "direction"})
	droppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rabble",
			Subsystem: "cluster",
			Name:      "dropped_envelopes_total",
			Help:      "Total number of envelopes dropped by the cluster server.",
		}, []string{"node"})
	establishedGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "rabble",
			Subsystem: "cluster",
			Name:      "established_connections",
			Help:      "The number of established peer connections.",
		}, []string{"node"})
	membersGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "rabble",
			Subsystem: "cluster",
			Name:      "members",
			Help:      "The number of members in the local membership set.",
		}, []string{"node"})
	timersGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "rabble",
			Subsystem: "cluster",
			Name:      "process_timers",
			Help:      "The number of armed process timers.",
		}, []string{"node"})
)

// InitMetrics registers all metrics in this file
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(errorsTotal)
	registry.MustRegister(framesTotal)
	registry.MustRegister(droppedTotal)
	registry.MustRegister(establishedGauge)
	registry.MustRegister(membersGauge)
	registry.MustRegister(timersGauge)
}

func (s *Server[T]) cleanupMetrics() {
	node := s.self.String()
	errorsTotal.DeletePartialMatch(prometheus.Labels{"node": node})
	framesTotal.DeletePartialMatch(prometheus.Labels{"node": node})
	droppedTotal.DeleteLabelValues(node)
	establishedGauge.DeleteLabelValues(node)
	membersGauge.DeleteLabelValues(node)
	timersGauge.DeleteLabelValues(node)
}
