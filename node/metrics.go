package node

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	handledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rabble",
			Subsystem: "scheduler",
			Name:      "handled_total",
			Help:      "Total number of envelopes handled by the scheduler.",
		}, []string{"node", "scheduler"})
	stealsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rabble",
			Subsystem: "scheduler",
			Name:      "steals_total",
			Help:      "Total number of pcbs stolen from the other schedulers.",
		}, []string{"node", "scheduler"})
	sleepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rabble",
			Subsystem: "scheduler",
			Name:      "sleeps_total",
			Help:      "Total number of times the scheduler had nothing to run.",
		}, []string{"node", "scheduler"})
	processesGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "rabble",
			Subsystem: "node",
			Name:      "processes",
			Help:      "The number of live processes.",
		}, []string{"node"})
	servicesGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "rabble",
			Subsystem: "node",
			Name:      "services",
			Help:      "The number of registered services.",
		}, []string{"node"})
	droppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rabble",
			Subsystem: "node",
			Name:      "dropped_envelopes_total",
			Help:      "Total number of local envelopes dropped by the schedulers.",
		}, []string{"node"})
)

// InitMetrics registers all metrics in this file
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(handledTotal)
	registry.MustRegister(stealsTotal)
	registry.MustRegister(sleepsTotal)
	registry.MustRegister(processesGauge)
	registry.MustRegister(servicesGauge)
	registry.MustRegister(droppedTotal)
}

func (n *Node[T]) updateGauges() {
	processes, services := n.table.len()
	processesGauge.WithLabelValues(n.label).Set(float64(processes))
	servicesGauge.WithLabelValues(n.label).Set(float64(services))
}

func (n *Node[T]) cleanupMetrics() {
	handledTotal.DeletePartialMatch(prometheus.Labels{"node": n.label})
	stealsTotal.DeletePartialMatch(prometheus.Labels{"node": n.label})
	sleepsTotal.DeletePartialMatch(prometheus.Labels{"node": n.label})
	processesGauge.DeleteLabelValues(n.label)
	servicesGauge.DeleteLabelValues(n.label)
	droppedTotal.DeleteLabelValues(n.label)
}
