package server

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matzehuels/diagramsync/pkg/observability"
)

const namespace = "diagramsync"

// Metrics implements the observability hooks with Prometheus collectors.
// Project IDs are never used as label values.
type Metrics struct {
	registry *prometheus.Registry

	published   *prometheus.CounterVec
	applied     *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	transitions *prometheus.CounterVec

	storeLatency *prometheus.HistogramVec

	clients         prometheus.Gauge
	sessionDuration prometheus.Histogram
	frames          *prometheus.CounterVec
	autosaves       *prometheus.CounterVec
}

var (
	_ observability.SyncHooks  = (*Metrics)(nil)
	_ observability.StoreHooks = (*Metrics)(nil)
	_ observability.RelayHooks = (*Metrics)(nil)
)

// NewMetrics creates the collectors on a private registry that also carries
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "published_total",
			Help:      "Messages published by collaboration engines.",
		}, []string{"kind", "result"}),
		applied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "applied_total",
			Help:      "Inbound messages applied to a local graph.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "dropped_total",
			Help:      "Inbound messages discarded, by reason.",
		}, []string{"reason"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "state_transitions_total",
			Help:      "Session state transitions, by target state.",
		}, []string{"state"}),
		storeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operation_seconds",
			Help:      "Persistence operation latency.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"backend", "op", "result"}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "clients",
			Help:      "Connected websocket clients.",
		}),
		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "session_seconds",
			Help:      "Websocket session length.",
			Buckets:   []float64{1, 10, 60, 300, 900, 3600, 4 * 3600},
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_total",
			Help:      "Relayed websocket frames.",
		}, []string{"direction", "op"}),
		autosaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "autosaves_total",
			Help:      "Server-side saves triggered by relayed snapshots.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.published, m.applied, m.dropped, m.transitions,
		m.storeLatency,
		m.clients, m.sessionDuration, m.frames, m.autosaves,
	)
	return m
}

// Install registers m as the global sync, store and relay hooks.
func (m *Metrics) Install() {
	observability.SetSyncHooks(m)
	observability.SetStoreHooks(m)
	observability.SetRelayHooks(m)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) OnPublish(_ context.Context, _ string, kind string, err error) {
	m.published.WithLabelValues(kind, result(err)).Inc()
}

func (m *Metrics) OnApply(_ context.Context, _ string, kind string) {
	m.applied.WithLabelValues(kind).Inc()
}

func (m *Metrics) OnDrop(_ context.Context, _ string, reason string) {
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) OnStateChange(_ context.Context, _ string, state string) {
	m.transitions.WithLabelValues(state).Inc()
}

func (m *Metrics) OnLoad(_ context.Context, backend string, d time.Duration, err error) {
	m.storeLatency.WithLabelValues(backend, "load", result(err)).Observe(d.Seconds())
}

func (m *Metrics) OnSave(_ context.Context, backend string, _ int64, d time.Duration, err error) {
	m.storeLatency.WithLabelValues(backend, "save", result(err)).Observe(d.Seconds())
}

func (m *Metrics) OnClientConnect(context.Context) { m.clients.Inc() }

func (m *Metrics) OnClientDisconnect(_ context.Context, d time.Duration) {
	m.clients.Dec()
	m.sessionDuration.Observe(d.Seconds())
}

func (m *Metrics) OnFrame(_ context.Context, direction, op string) {
	m.frames.WithLabelValues(direction, op).Inc()
}

func (m *Metrics) OnAutosave(_ context.Context, _ string, err error) {
	m.autosaves.WithLabelValues(result(err)).Inc()
}
