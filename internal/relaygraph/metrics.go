package relaygraph

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors for sync and broadcast activity. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	SyncsTotal          *prometheus.CounterVec
	SyncDuration        prometheus.Histogram
	NodesChanged        *prometheus.CounterVec
	MalformedNodes      prometheus.Counter
	EventsPublished     *prometheus.CounterVec
	EventsDropped       prometheus.Counter
	ActiveSubscriptions prometheus.Gauge
}

// NewMetrics registers on a private registry so that tests and multiple servers in
// one process never collide.
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		SyncsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "syncs_total",
				Help:      "Workspace syncs by result",
			},
			[]string{"result"},
		),
		SyncDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sync_duration_seconds",
				Help:      "Duration of workspace syncs including fetch and persist",
				Buckets:   prometheus.DefBuckets,
			},
		),
		NodesChanged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nodes_changed_total",
				Help:      "Nodes changed by sync, by change kind",
			},
			[]string{"change"},
		),
		MalformedNodes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "malformed_nodes_total",
				Help:      "Fetched nodes dropped at validation",
			},
		),
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Change events delivered to subscribers",
			},
			[]string{"change"},
		),
		EventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dropped_total",
				Help:      "Change events dropped by evicting a slow subscriber",
			},
		),
		ActiveSubscriptions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_subscriptions",
				Help:      "Open change event subscriptions",
			},
		),
	}
	registry.MustRegister(
		m.SyncsTotal,
		m.SyncDuration,
		m.NodesChanged,
		m.MalformedNodes,
		m.EventsPublished,
		m.EventsDropped,
		m.ActiveSubscriptions,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

func (m *Metrics) syncFinished(result string, started time.Time) {
	if m == nil {
		return
	}
	m.SyncsTotal.WithLabelValues(result).Inc()
	m.SyncDuration.Observe(time.Since(started).Seconds())
}

func (m *Metrics) nodesChanged(changes ChangeSet) {
	if m == nil {
		return
	}
	m.NodesChanged.WithLabelValues(string(ChangeAdded)).Add(float64(len(changes.Added)))
	m.NodesChanged.WithLabelValues(string(ChangeUpdated)).Add(float64(len(changes.Updated)))
	m.NodesChanged.WithLabelValues(string(ChangeRemoved)).Add(float64(len(changes.Removed)))
}

func (m *Metrics) malformedNodes(count int) {
	if m == nil || count == 0 {
		return
	}
	m.MalformedNodes.Add(float64(count))
}

func (m *Metrics) eventPublished(kind ChangeKind) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) eventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

func (m *Metrics) subscriptionOpened() {
	if m == nil {
		return
	}
	m.ActiveSubscriptions.Inc()
}

func (m *Metrics) subscriptionClosed() {
	if m == nil {
		return
	}
	m.ActiveSubscriptions.Dec()
}
