package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay collectors on a private registry so that several
// servers can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	Connections prometheus.Gauge
	OnlineUsers prometheus.Gauge
	Events      *prometheus.CounterVec
	Emissions   *prometheus.CounterVec
	SendErrors  prometheus.Counter
	StoreErrors prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatrelay",
			Name:      "connections",
			Help:      "Open event channel connections.",
		}),
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatrelay",
			Name:      "online_users",
			Help:      "Users with at least one identified connection.",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "events_total",
			Help:      "Inbound events by name and outcome.",
		}, []string{"event", "outcome"}),
		Emissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "emissions_total",
			Help:      "Outbound frames queued by event.",
		}, []string{"event"}),
		SendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "send_errors_total",
			Help:      "Frames that could not be queued to a connection.",
		}),
		StoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "store_errors_total",
			Help:      "Store operations that failed.",
		}),
	}
	m.registry.MustRegister(
		m.Connections, m.OnlineUsers, m.Events, m.Emissions, m.SendErrors, m.StoreErrors,
		collectors.NewGoCollector(),
	)
	return m
}

// Event counts one inbound event.
func (m *Metrics) Event(name, outcome string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(name, outcome).Inc()
}

func (m *Metrics) Emitted(name string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Emissions.WithLabelValues(name).Add(float64(n))
}

func (m *Metrics) SendFailed() {
	if m == nil {
		return
	}
	m.SendErrors.Inc()
}

func (m *Metrics) StoreFailed() {
	if m == nil {
		return
	}
	m.StoreErrors.Inc()
}

func (m *Metrics) SetPresence(connections, online int) {
	if m == nil {
		return
	}
	m.Connections.Set(float64(connections))
	m.OnlineUsers.Set(float64(online))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
