package realtime

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/exobridge/metric"
)

type hubMetrics struct {
	clients        prometheus.Gauge
	connections    prometheus.Counter
	disconnections *prometheus.CounterVec
	messagesSent   *prometheus.CounterVec
	bytesSent      prometheus.Counter
	dropped        prometheus.Counter
	commands       prometheus.Counter
	errors         *prometheus.CounterVec
}

// newHubMetrics returns nil when registry is nil.
func newHubMetrics(registry *metric.MetricsRegistry) (*hubMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &hubMetrics{
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "exobridge",
			Subsystem: "realtime",
			Name:      "clients_connected",
			Help:      "Number of currently connected clients",
		}),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exobridge",
			Subsystem: "realtime",
			Name:      "client_connections_total",
			Help:      "Total client connections",
		}),
		disconnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exobridge",
			Subsystem: "realtime",
			Name:      "client_disconnections_total",
			Help:      "Total client disconnections",
		}, []string{"reason"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exobridge",
			Subsystem: "realtime",
			Name:      "messages_sent_total",
			Help:      "Messages written to clients",
		}, []string{"type"}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exobridge",
			Subsystem: "realtime",
			Name:      "bytes_sent_total",
			Help:      "Bytes written to clients",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exobridge",
			Subsystem: "realtime",
			Name:      "messages_dropped_total",
			Help:      "Messages dropped from full client queues",
		}),
		commands: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exobridge",
			Subsystem: "realtime",
			Name:      "plans_forwarded_total",
			Help:      "planData payloads written to the serial port",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exobridge",
			Subsystem: "realtime",
			Name:      "errors_total",
			Help:      "Websocket errors by type",
		}, []string{"error_type"}),
	}

	if err := registry.RegisterGauge("realtime", "clients", m.clients); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("realtime", "connections", m.connections); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("realtime", "disconnections", m.disconnections); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("realtime", "messages_sent", m.messagesSent); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("realtime", "bytes_sent", m.bytesSent); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("realtime", "dropped", m.dropped); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("realtime", "plans_forwarded", m.commands); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("realtime", "errors", m.errors); err != nil {
		return nil, err
	}
	return m, nil
}
