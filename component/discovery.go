// Package component defines the interfaces shared by exobridge's long-lived components.
package component

import (
	"time"
)

// Discoverable is implemented by components the gateway can inspect for
// identity, health and throughput.
type Discoverable interface {
	// Meta returns basic component information
	Meta() Metadata

	// Health returns current health status
	Health() HealthStatus

	// DataFlow returns current data flow metrics
	DataFlow() FlowMetrics
}

// Metadata describes what a component is
type Metadata struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // "device", "relay", "output", "storage"
	Description string `json:"description"`
	Version     string `json:"version"`
}

// HealthStatus describes the current health state of a component
type HealthStatus struct {
	Healthy    bool          `json:"healthy"`
	LastCheck  time.Time     `json:"last_check"`
	ErrorCount int           `json:"error_count"`
	LastError  string        `json:"last_error,omitempty"`
	Uptime     time.Duration `json:"uptime"`
}

// FlowMetrics describes the current data flow through a component
type FlowMetrics struct {
	MessagesPerSecond float64   `json:"messages_per_second"`
	BytesPerSecond    float64   `json:"bytes_per_second"`
	ErrorRate         float64   `json:"error_rate"`
	LastActivity      time.Time `json:"last_activity"`
}

// Rate computes per-second rates over uptime; shared by components that keep raw counters.
func Rate(messages, bytes, errs int64, uptime time.Duration, lastActivity time.Time) FlowMetrics {
	fm := FlowMetrics{LastActivity: lastActivity}
	if secs := uptime.Seconds(); secs > 0 {
		fm.MessagesPerSecond = float64(messages) / secs
		fm.BytesPerSecond = float64(bytes) / secs
	}
	if messages > 0 {
		fm.ErrorRate = float64(errs) / float64(messages)
	}
	return fm
}
