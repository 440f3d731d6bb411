// Package realtime serves the control panel's websocket channel.
//
// The hub pushes every telemetry snapshot to all connected clients as a
// "stm32Data" envelope, announces port closure with "serialPortClosed", and
// forwards "planData" envelopes from clients to the serial device. Each client
// has its own bounded queue and writer goroutine, so a slow client misses
// frames instead of delaying the others.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/exobridge/command"
	"github.com/c360/exobridge/component"
	"github.com/c360/exobridge/config"
	"github.com/c360/exobridge/errors"
	"github.com/c360/exobridge/metric"
	"github.com/c360/exobridge/pkg/buffer"
	"github.com/c360/exobridge/telemetry"
)

// Event types carried in Envelope.Type.
const (
	EventTelemetry  = "stm32Data"
	EventPortClosed = "serialPortClosed"
	EventPlanData   = "planData"
)

const (
	maxMessageSize = 64 * 1024
	commandTimeout = 5 * time.Second
)

// Envelope wraps every websocket message.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"` // Unix milliseconds
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// CommandWriter accepts raw command bytes for the device.
type CommandWriter interface {
	WriteCommand(ctx context.Context, payload []byte) error
}

// HubDeps holds the hub's dependencies.
type HubDeps struct {
	Config          config.RealtimeConfig
	Writer          CommandWriter
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
}

// Hub is the websocket fan-out for panel clients.
type Hub struct {
	cfg      config.RealtimeConfig
	writer   CommandWriter
	logger   *slog.Logger
	metrics  *hubMetrics
	upgrader websocket.Upgrader

	clients   map[*client]struct{}
	clientsMu sync.RWMutex

	shutdown    chan struct{}
	running     bool
	startTime   time.Time
	ctx         context.Context
	mu          sync.RWMutex
	lifecycleMu sync.Mutex
	wg          *sync.WaitGroup

	messageIDCounter atomic.Uint64
	messagesSent     atomic.Int64
	bytesSent        atomic.Int64
	dropped          atomic.Int64
	commands         atomic.Int64
	errors           atomic.Int64
	lastActivity     atomic.Pointer[time.Time]
}

var _ component.LifecycleComponent = (*Hub)(nil)
var _ telemetry.Publisher = (*Hub)(nil)
var _ http.Handler = (*Hub)(nil)

// NewHub builds a hub. Writer may be nil, in which case planData is ignored.
func NewHub(deps HubDeps) (*Hub, error) {
	cfg := deps.Config
	if cfg.ClientQueue <= 0 {
		cfg.ClientQueue = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}

	metrics, err := newHubMetrics(deps.MetricsRegistry)
	if err != nil {
		return nil, errors.Wrap(err, "Hub", "NewHub", "register metrics")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Hub{
		cfg:     cfg,
		writer:  deps.Writer,
		logger:  logger.With("component", "realtime-hub"),
		metrics: metrics,
		clients: make(map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h, nil
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(h.cfg.AllowedOrigins, "*") || slices.Contains(h.cfg.AllowedOrigins, origin)
}

// Meta implements component.Discoverable.
func (h *Hub) Meta() component.Metadata {
	return component.Metadata{
		Name:        "realtime-hub",
		Type:        "output",
		Description: "Websocket channel for panel clients at " + h.cfg.Path,
		Version:     "1.0.0",
	}
}

// Health implements component.Discoverable.
func (h *Hub) Health() component.HealthStatus {
	h.mu.RLock()
	running := h.running
	started := h.startTime
	h.mu.RUnlock()

	status := component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(h.errors.Load()),
	}
	if running {
		status.Uptime = time.Since(started)
	}
	return status
}

// DataFlow implements component.Discoverable.
func (h *Hub) DataFlow() component.FlowMetrics {
	h.mu.RLock()
	started := h.startTime
	h.mu.RUnlock()

	var last time.Time
	if t := h.lastActivity.Load(); t != nil {
		last = *t
	}
	return component.Rate(h.messagesSent.Load(), h.bytesSent.Load(), h.errors.Load(), time.Since(started), last)
}

// Initialize validates the configuration.
func (h *Hub) Initialize() error {
	if h.cfg.Path == "" || h.cfg.Path[0] != '/' {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Hub", "Initialize", "path must start with /")
	}
	return nil
}

// Start begins accepting connections.
func (h *Hub) Start(ctx context.Context) error {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()

	if ctx == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Hub", "Start", "context cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "Hub", "Start", "context already cancelled")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return nil
	}

	h.shutdown = make(chan struct{})
	h.wg = &sync.WaitGroup{}
	h.ctx = ctx
	h.running = true
	h.startTime = time.Now()
	return nil
}

// Stop disconnects every client and waits for their goroutines.
func (h *Hub) Stop(timeout time.Duration) error {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()

	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	close(h.shutdown)
	wg := h.wg
	h.mu.Unlock()

	for _, c := range h.snapshotClients() {
		h.removeClient(c, "shutdown")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		h.logger.Warn("Websocket goroutines did not exit within timeout", "timeout", timeout)
	}

	h.mu.Lock()
	h.wg = nil
	h.shutdown = nil
	h.mu.Unlock()
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// PublishSnapshot broadcasts a telemetry snapshot as stm32Data.
func (h *Hub) PublishSnapshot(snap *telemetry.Snapshot) {
	h.broadcast(EventTelemetry, snap.Raw)
}

// NotifyPortClosed broadcasts serialPortClosed with message as payload.
func (h *Hub) NotifyPortClosed(message string) {
	payload, err := json.Marshal(message)
	if err != nil {
		return
	}
	h.broadcast(EventPortClosed, payload)
}

func (h *Hub) broadcast(eventType string, payload json.RawMessage) {
	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if !running {
		return
	}

	data, err := json.Marshal(Envelope{
		Type:      eventType,
		ID:        h.nextMessageID(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	})
	if err != nil {
		h.recordError("envelope_marshal")
		return
	}

	msg := outbound{kind: eventType, data: data}
	for _, c := range h.snapshotClients() {
		c.enqueue(msg)
	}
}

func (h *Hub) nextMessageID() string {
	return strconv.FormatUint(h.messageIDCounter.Add(1), 10)
}

func (h *Hub) snapshotClients() []*client {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	list := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		if !c.closed.Load() {
			list = append(list, c)
		}
	}
	return list
}

// ServeHTTP upgrades the request and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if !running {
		http.Error(w, "realtime channel not running", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		h.recordError("connection_upgrade")
		h.logger.Debug("Websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c, err := newClient(h, conn, r.RemoteAddr)
	if err != nil {
		_ = conn.Close()
		h.recordError("client_setup")
		return
	}

	// Registration holds the read lock so Stop cannot start waiting on wg
	// between the running check and wg.Add.
	h.mu.RLock()
	if !h.running {
		h.mu.RUnlock()
		_ = conn.Close()
		return
	}
	h.clientsMu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.clientsMu.Unlock()

	h.wg.Add(2)
	go c.writeLoop(h.wg, h.shutdown)
	go c.readLoop(h.wg)
	h.mu.RUnlock()

	if h.metrics != nil {
		h.metrics.connections.Inc()
		h.metrics.clients.Set(float64(count))
	}
	h.logger.Info("Client connected", "remote", c.remote, "clients", count)
}

func (h *Hub) removeClient(c *client, reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)

		h.clientsMu.Lock()
		delete(h.clients, c)
		count := len(h.clients)
		h.clientsMu.Unlock()

		_ = c.queue.Close()
		_ = c.conn.Close()

		if h.metrics != nil {
			h.metrics.disconnections.WithLabelValues(reason).Inc()
			h.metrics.clients.Set(float64(count))
		}
		h.logger.Info("Client disconnected", "remote", c.remote, "reason", reason, "clients", count)
	})
}

// handleMessage processes one client message. Malformed envelopes and
// unknown types are ignored.
func (h *Hub) handleMessage(c *client, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.logger.Debug("Ignoring malformed client message", "remote", c.remote, "error", err)
		return
	}

	switch env.Type {
	case EventPlanData:
		h.forwardPlan(c, env.Payload)
	default:
		h.logger.Debug("Ignoring client message", "remote", c.remote, "type", env.Type)
	}
}

func (h *Hub) forwardPlan(c *client, raw json.RawMessage) {
	if h.writer == nil {
		return
	}

	payload, err := command.DecodePlanPayload(raw)
	if err != nil {
		h.recordError("plan_payload")
		h.logger.Warn("Rejected plan payload", "remote", c.remote, "error", err)
		return
	}

	h.mu.RLock()
	base := h.ctx
	h.mu.RUnlock()
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithTimeout(base, commandTimeout)
	defer cancel()

	if err := h.writer.WriteCommand(ctx, payload); err != nil {
		h.recordError("command_write")
		h.logger.Error("Error writing plan to serial port", "remote", c.remote, "error", err)
		return
	}

	h.commands.Add(1)
	if h.metrics != nil {
		h.metrics.commands.Inc()
	}
	h.logger.Debug("Plan sent to serial port", "bytes", len(payload))
}

func (h *Hub) recordSent(eventType string, n int) {
	h.messagesSent.Add(1)
	h.bytesSent.Add(int64(n))
	now := time.Now()
	h.lastActivity.Store(&now)
	if h.metrics != nil {
		h.metrics.messagesSent.WithLabelValues(eventType).Inc()
		h.metrics.bytesSent.Add(float64(n))
	}
}

func (h *Hub) recordDrop() {
	h.dropped.Add(1)
	if h.metrics != nil {
		h.metrics.dropped.Inc()
	}
}

func (h *Hub) recordError(kind string) {
	h.errors.Add(1)
	if h.metrics != nil {
		h.metrics.errors.WithLabelValues(kind).Inc()
	}
}

// Dropped returns how many queued messages were discarded for slow clients.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// outbound is an encoded envelope waiting in a client queue.
type outbound struct {
	kind string
	data []byte
}

// client is one websocket connection.
type client struct {
	hub         *Hub
	conn        *websocket.Conn
	remote      string
	connectedAt time.Time
	queue       buffer.Buffer[outbound]
	wake        chan struct{}
	done        chan struct{}
	closed      atomic.Bool
	closeOnce   sync.Once
}

func newClient(h *Hub, conn *websocket.Conn, remote string) (*client, error) {
	queue, err := buffer.NewCircularBuffer[outbound](h.cfg.ClientQueue,
		buffer.WithOverflowPolicy[outbound](buffer.DropOldest),
		buffer.WithDropCallback[outbound](func(outbound) { h.recordDrop() }),
	)
	if err != nil {
		return nil, err
	}
	return &client{
		hub:         h,
		conn:        conn,
		remote:      remote,
		connectedAt: time.Now(),
		queue:       queue,
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}, nil
}

func (c *client) enqueue(msg outbound) {
	if c.closed.Load() {
		return
	}
	if err := c.queue.Write(msg); err != nil {
		return
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *client) writeLoop(wg *sync.WaitGroup, shutdown <-chan struct{}) {
	defer wg.Done()

	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-shutdown:
			c.writeClose()
			return
		case <-c.done:
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.recordError("ping")
				c.hub.removeClient(c, "ping_failed")
				return
			}
		case <-c.wake:
			if !c.drain() {
				return
			}
		}
	}
}

// drain writes everything queued. It returns false once the client is gone.
func (c *client) drain() bool {
	for {
		msg, ok := c.queue.Read()
		if !ok {
			return true
		}

		_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
			c.hub.recordError("client_send")
			c.hub.removeClient(c, "send_failed")
			return false
		}
		c.hub.recordSent(msg.kind, len(msg.data))
	}
}

func (c *client) writeClose() {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func (c *client) readLoop(wg *sync.WaitGroup) {
	defer wg.Done()

	pongWait := 2 * c.hub.cfg.PingInterval
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			reason := "normal"
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.closed.Load() {
				reason = "read_error"
			}
			c.hub.removeClient(c, reason)
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.hub.handleMessage(c, data)
	}
}
