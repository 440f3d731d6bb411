package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"github.com/c360/exobridge/component"
	"github.com/c360/exobridge/config"
	"github.com/c360/exobridge/errors"
	"github.com/c360/exobridge/metric"
	"github.com/c360/exobridge/serial"
	"github.com/c360/exobridge/store"
	"github.com/c360/exobridge/telemetry"
)

const maxRequestSize = 1 << 20

// SerialDevice is the part of serial.Device the routes drive.
type SerialDevice interface {
	Open(ctx context.Context) (serial.PortInfo, error)
	Close() error
	WriteCommand(ctx context.Context, payload []byte) error
	Status() serial.Status
}

// TelemetrySource exposes the most recent snapshot.
type TelemetrySource interface {
	Latest() *telemetry.Snapshot
}

// ServerDeps holds the Server's dependencies. Realtime and MetricsRegistry
// are optional.
type ServerDeps struct {
	Config          config.HTTPConfig
	RealtimePath    string
	Realtime        http.Handler
	Device          SerialDevice
	Telemetry       TelemetrySource
	Store           store.Store
	Components      []component.Discoverable
	HealthChecks    []HealthCheck
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
}

// Server is the HTTP gateway.
type Server struct {
	deps    ServerDeps
	logger  *slog.Logger
	core    *metric.Metrics
	handler http.Handler

	lifecycleMu sync.Mutex
	mu          sync.RWMutex
	srv         *http.Server
	listener    net.Listener
	serveErr    chan error
	running     bool
	startTime   time.Time

	requests     atomic.Int64
	failures     atomic.Int64
	bytesSent    atomic.Int64
	lastActivity atomic.Pointer[time.Time]
	lastError    atomic.Pointer[string]
}

var _ component.LifecycleComponent = (*Server)(nil)

// NewServer builds the router. Device, Telemetry and Store are required.
func NewServer(deps ServerDeps) (*Server, error) {
	if deps.Device == nil || deps.Telemetry == nil || deps.Store == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Server", "NewServer",
			"device, telemetry and store are required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		deps:   deps,
		logger: logger.With("component", "gateway"),
	}
	if deps.MetricsRegistry != nil {
		s.core = deps.MetricsRegistry.CoreMetrics()
	}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(s.recoverPanics, s.withRequestID, s.logRequests, s.cors)

	r.HandleFunc("/initialize-serial-port", s.handleInitializeSerial).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/close-serial-port", s.handleCloseSerial).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/serial-port", s.handleSerialStatus).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/hmi-button-click", s.handleHMIButton).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/telemetry/latest", s.handleLatestTelemetry).Methods(http.MethodGet, http.MethodOptions)

	r.HandleFunc("/plans", s.handlePostPlan).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/plans/{userId}", s.handleGetPlan).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/exercise-data", s.handlePostExerciseData).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/exercise-data/id/{exerciseId}", s.handleGetExerciseDataByID).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/exercise-data/{userId}", s.handleGetExerciseData).Methods(http.MethodGet, http.MethodOptions)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	if s.deps.Realtime != nil && s.deps.RealtimePath != "" {
		r.Handle(s.deps.RealtimePath, s.deps.Realtime)
	}
	return r
}

// Handler returns the router with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Meta returns component metadata.
func (s *Server) Meta() component.Metadata {
	return component.Metadata{
		Name:        "gateway",
		Type:        "gateway",
		Description: "HTTP routes for the control panel",
		Version:     "1.0.0",
	}
}

// Health reports healthy while serving.
func (s *Server) Health() component.HealthStatus {
	s.mu.RLock()
	running, started := s.running, s.startTime
	s.mu.RUnlock()

	status := component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(s.failures.Load()),
	}
	if running {
		status.Uptime = time.Since(started)
	}
	if msg := s.lastError.Load(); msg != nil {
		status.LastError = *msg
	}
	return status
}

// DataFlow returns request rates.
func (s *Server) DataFlow() component.FlowMetrics {
	s.mu.RLock()
	started := s.startTime
	s.mu.RUnlock()

	var last time.Time
	if t := s.lastActivity.Load(); t != nil {
		last = *t
	}
	return component.Rate(s.requests.Load(), s.bytesSent.Load(), s.failures.Load(), time.Since(started), last)
}

// Initialize validates the configuration. Port 0 picks a free port.
func (s *Server) Initialize() error {
	if s.deps.Config.Port < 0 || s.deps.Config.Port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Server", "Initialize",
			fmt.Sprintf("port %d out of range", s.deps.Config.Port))
	}
	return nil
}

// Start listens on the configured port and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if ctx == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Server", "Start", "context cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "Server", "Start", "context already cancelled")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.deps.Config.Port))
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start", fmt.Sprintf("listen on port %d", s.deps.Config.Port))
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	s.srv = srv
	s.listener = ln
	s.serveErr = serveErr
	s.running = true
	s.startTime = time.Now()
	s.logger.Info("HTTP gateway listening", "addr", ln.Addr().String())
	return nil
}

// Stop shuts the listener down, waiting up to timeout for in-flight requests.
func (s *Server) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	srv, serveErr := s.srv, s.serveErr
	s.running = false
	s.srv = nil
	s.listener = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
		return errors.WrapTransient(err, "Server", "Stop", "shutdown HTTP server")
	}
	if err := <-serveErr; err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "serve")
	}
	s.logger.Info("HTTP gateway stopped")
	return nil
}

// Addr returns the listening address, or "" when stopped.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) recordFailure(err error) {
	s.failures.Add(1)
	msg := err.Error()
	s.lastError.Store(&msg)
	if s.core != nil {
		s.core.RecordError("gateway", errors.Classify(err).String())
	}
}
