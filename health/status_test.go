package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/c360/exobridge/component"
)

func TestAggregate(t *testing.T) {
	tests := []struct {
		name string
		subs []Status
		want string
	}{
		{"empty is healthy", nil, "healthy"},
		{"all healthy", []Status{NewHealthy("serial", ""), NewHealthy("realtime", "")}, "healthy"},
		{"one degraded", []Status{NewHealthy("serial", ""), NewDegraded("nats", "reconnecting")}, "degraded"},
		{"unhealthy wins", []Status{NewDegraded("nats", ""), NewUnhealthy("store", "")}, "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("exobridge", tt.subs)
			assert.Equal(t, tt.want, got.Status)
			assert.Equal(t, "exobridge", got.Component)
			assert.Len(t, got.SubStatuses, len(tt.subs))
		})
	}
}

func TestAggregate_CopiesSubStatuses(t *testing.T) {
	subs := []Status{NewHealthy("serial", "ok")}
	agg := Aggregate("exobridge", subs)

	subs[0].Message = "mutated"
	assert.Equal(t, "ok", agg.SubStatuses[0].Message)
}

func TestSanitizeErrorMessage(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"serial device", "open /dev/ttyACM0: permission denied", "open [DEVICE]: permission denied"},
		{"windows port", "open COM3: access denied", "open [DEVICE]: access denied"},
		{"nats url", "dial nats://10.0.0.5:4222 failed", "dial [URL] failed"},
		{"ip address", "peer 192.168.1.20 reset", "peer [IP] reset"},
		{"credential", "auth failed token=abc123", "auth failed [REDACTED]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitizeErrorMessage(tt.input))
		})
	}
}

func TestFromComponentHealth(t *testing.T) {
	healthy := FromComponentHealth("serial", component.HealthStatus{
		Healthy:   true,
		LastCheck: time.Now(),
		Uptime:    time.Minute,
	})
	assert.True(t, healthy.IsHealthy())
	assert.Equal(t, "Component healthy", healthy.Message)
	assert.Equal(t, time.Minute, healthy.Metrics.Uptime)

	failed := FromComponentHealth("serial", component.HealthStatus{
		Healthy:    false,
		ErrorCount: 2,
		LastError:  "read /dev/ttyACM0: device disconnected",
	})
	assert.True(t, failed.IsUnhealthy())
	assert.Equal(t, "read [DEVICE]: device disconnected", failed.Message)
	assert.Equal(t, 2, failed.Metrics.ErrorCount)

	stopped := FromComponentHealth("realtime", component.HealthStatus{})
	assert.Equal(t, "Component not running", stopped.Message)
}
