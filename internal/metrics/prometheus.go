// Package metrics holds the control plane's Prometheus collectors and the
// device traffic CSV export.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"fleetctl/internal/model"
)

const namespace = "fleetctl"

var nodeStatuses = []model.NodeStatus{
	model.NodeStatusConnecting,
	model.NodeStatusHealthy,
	model.NodeStatusUnhealthy,
	model.NodeStatusDisabled,
}

// Metrics groups every collector. Construct it with New. A nil *Metrics
// discards all observations.
type Metrics struct {
	nodeStatus    *prometheus.GaugeVec
	nodeSynced    *prometheus.GaugeVec
	streamUpdates *prometheus.CounterVec
	resyncs       *prometheus.CounterVec

	usageSamples       prometheus.Counter
	usageTracked       prometheus.Counter
	usageUntracked     prometheus.Counter
	usageFetchFailures *prometheus.CounterVec
	usageRunDuration   prometheus.Histogram
	limitPushes        prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		nodeStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "status",
			Help:      "Current node status, 1 for the active status label.",
		}, []string{"node_id", "status"}),
		nodeSynced: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "synced",
			Help:      "Whether the node holds the current allow-list.",
		}, []string{"node_id"}),
		streamUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "stream_updates_total",
			Help:      "Allow-list updates sent over the sync stream.",
		}, []string{"node_id"}),
		resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "resyncs_total",
			Help:      "Full allow-list pushes by result.",
		}, []string{"node_id", "result"}),
		usageSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "samples_total",
			Help:      "Non-zero usage samples processed.",
		}),
		usageTracked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "tracked_samples_total",
			Help:      "Usage samples attributed to a device.",
		}),
		usageUntracked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "untracked_samples_total",
			Help:      "Usage samples with a remote address that could not be attributed to a device.",
		}),
		usageFetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "fetch_failures_total",
			Help:      "Failed usage fetches per node.",
		}, []string{"node_id"}),
		usageRunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "run_duration_seconds",
			Help:      "Duration of a usage recording run.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}),
		limitPushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "limit_pushes_total",
			Help:      "Users pushed to nodes after reaching their data limit.",
		}),
	}
	reg.MustRegister(
		m.nodeStatus,
		m.nodeSynced,
		m.streamUpdates,
		m.resyncs,
		m.usageSamples,
		m.usageTracked,
		m.usageUntracked,
		m.usageFetchFailures,
		m.usageRunDuration,
		m.limitPushes,
	)
	return m
}

func nodeLabel(nodeID int64) string {
	return strconv.FormatInt(nodeID, 10)
}

func (m *Metrics) SetNodeStatus(nodeID int64, status model.NodeStatus) {
	if m == nil {
		return
	}
	for _, s := range nodeStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		m.nodeStatus.WithLabelValues(nodeLabel(nodeID), string(s)).Set(v)
	}
}

func (m *Metrics) SetNodeSynced(nodeID int64, synced bool) {
	if m == nil {
		return
	}
	v := 0.0
	if synced {
		v = 1
	}
	m.nodeSynced.WithLabelValues(nodeLabel(nodeID)).Set(v)
}

// ForgetNode drops every series of a removed node.
func (m *Metrics) ForgetNode(nodeID int64) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"node_id": nodeLabel(nodeID)}
	m.nodeStatus.DeletePartialMatch(labels)
	m.nodeSynced.DeletePartialMatch(labels)
	m.streamUpdates.DeletePartialMatch(labels)
	m.resyncs.DeletePartialMatch(labels)
	m.usageFetchFailures.DeletePartialMatch(labels)
}

func (m *Metrics) StreamUpdate(nodeID int64) {
	if m == nil {
		return
	}
	m.streamUpdates.WithLabelValues(nodeLabel(nodeID)).Inc()
}

func (m *Metrics) Resync(nodeID int64, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.resyncs.WithLabelValues(nodeLabel(nodeID), result).Inc()
}

func (m *Metrics) UsageSample(tracked, hasAddr bool) {
	if m == nil {
		return
	}
	m.usageSamples.Inc()
	switch {
	case tracked:
		m.usageTracked.Inc()
	case hasAddr:
		m.usageUntracked.Inc()
	}
}

func (m *Metrics) UsageFetchFailure(nodeID int64) {
	if m == nil {
		return
	}
	m.usageFetchFailures.WithLabelValues(nodeLabel(nodeID)).Inc()
}

func (m *Metrics) UsageRun(seconds float64) {
	if m == nil {
		return
	}
	m.usageRunDuration.Observe(seconds)
}

func (m *Metrics) LimitPush() {
	if m == nil {
		return
	}
	m.limitPushes.Inc()
}
