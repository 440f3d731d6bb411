package gateway

import (
	"net/http"

	"github.com/c360/exobridge/health"
	"github.com/c360/exobridge/natsclient"
)

// HealthCheck reports the state of something that is not a component, such
// as the NATS connection or the record store.
type HealthCheck func() health.Status

// NATSConnection is the part of natsclient.Client used for health.
type NATSConnection interface {
	Status() natsclient.ConnectionStatus
}

// NATSHealthCheck maps the connection state: connected is healthy,
// reconnecting or connecting is degraded, anything else unhealthy.
func NATSHealthCheck(conn NATSConnection) HealthCheck {
	return func() health.Status {
		switch st := conn.Status(); st {
		case natsclient.StatusConnected:
			return health.NewHealthy("nats", "Connected")
		case natsclient.StatusConnecting, natsclient.StatusReconnecting:
			return health.NewDegraded("nats", st.String())
		default:
			return health.NewUnhealthy("nats", st.String())
		}
	}
}

// StoreHealthCheck reports the store backend. A KV store follows the NATS
// connection it depends on.
func StoreHealthCheck(backend string, conn NATSConnection) HealthCheck {
	return func() health.Status {
		if conn == nil {
			return health.NewHealthy("store", backend)
		}
		nats := NATSHealthCheck(conn)()
		status := nats
		status.Component = "store"
		status.Message = backend + ": " + nats.Message
		return status
	}
}

func (s *Server) healthStatus() health.Status {
	subs := make([]health.Status, 0, len(s.deps.Components)+len(s.deps.HealthChecks))
	for _, c := range s.deps.Components {
		subs = append(subs, health.FromComponentHealth(c.Meta().Name, c.Health()))
	}
	for _, check := range s.deps.HealthChecks {
		subs = append(subs, check())
	}

	status := health.Aggregate("exobridge", subs)
	if s.core != nil {
		for _, sub := range subs {
			s.core.RecordHealthStatus(sub.Component, sub.IsHealthy())
		}
	}
	return status
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := s.healthStatus()
	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}
