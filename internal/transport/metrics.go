package transport

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the controller channel's Prometheus instruments.
type Metrics struct {
	connections *prometheus.CounterVec
	connected   prometheus.Gauge
	messages    *prometheus.CounterVec
	frameErrors *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates the transport metrics on a dedicated registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		connections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tapedeck_controller_connections_total",
				Help: "Controller connection attempts by outcome",
			},
			[]string{"result"},
		),
		connected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tapedeck_controller_connected",
				Help: "1 while a controller is connected",
			},
		),
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tapedeck_controller_messages_total",
				Help: "Messages exchanged with the controller by direction and type",
			},
			[]string{"direction", "type"},
		),
		frameErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tapedeck_controller_frame_errors_total",
				Help: "Frames that could not be read, decoded or written",
			},
			[]string{"stage"},
		),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.connections,
		m.connected,
		m.messages,
		m.frameErrors,
	)
	return m
}

// Registry returns the registry the metrics live on, so other collectors
// can be added before serving.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
