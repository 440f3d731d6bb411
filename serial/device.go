package serial

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/exobridge/component"
	"github.com/c360/exobridge/config"
	"github.com/c360/exobridge/errors"
	"github.com/c360/exobridge/metric"
	"github.com/c360/exobridge/telemetry"
)

// PortClosedMessage is the notification text sent to panel clients.
const PortClosedMessage = "Serial port closed"

const (
	readChunk = 4096
	closeWait = 2 * time.Second
)

// PortClosedFunc is called after the port closes for any reason.
type PortClosedFunc func(message string)

// DeviceDeps holds the Device's dependencies.
type DeviceDeps struct {
	Config          config.SerialConfig
	Opener          Opener
	Relay           *telemetry.Relay
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
}

// Status is a point-in-time view of the device.
type Status struct {
	Open            bool       `json:"open"`
	Path            string     `json:"path,omitempty"`
	Product         string     `json:"product,omitempty"`
	OpenedAt        *time.Time `json:"opened_at,omitempty"`
	BaudRate        int        `json:"baud_rate"`
	BytesReceived   int64      `json:"bytes_received"`
	Frames          int64      `json:"frames"`
	MalformedFrames int64      `json:"malformed_frames"`
	Overflows       int64      `json:"overflows"`
	Writes          int64      `json:"writes"`
	WriteErrors     int64      `json:"write_errors"`
	Opens           int64      `json:"opens"`
}

// session is one open port and its read loop.
type session struct {
	port     Port
	info     PortInfo
	openedAt time.Time
	stop     chan struct{}
	done     chan struct{}
	writeMu  sync.Mutex
}

// Device owns the serial port handle. At most one port is open at a time and
// exactly one read loop runs per open port.
type Device struct {
	cfg     config.SerialConfig
	opener  Opener
	relay   *telemetry.Relay
	logger  *slog.Logger
	metrics *deviceMetrics

	lifecycleMu sync.Mutex
	mu          sync.Mutex
	sess        *session
	draining    *session // closed, but its read loop may still be in relay.Ingest
	closeWait   time.Duration
	running     bool
	startTime   time.Time
	baseCtx     context.Context
	wg          sync.WaitGroup

	listenersMu sync.RWMutex
	onClosed    []PortClosedFunc

	overflowClose atomic.Bool
	bytesIn       atomic.Int64
	writes        atomic.Int64
	writeErrors   atomic.Int64
	opens         atomic.Int64
	errors        atomic.Int64
	lastActivity  atomic.Pointer[time.Time]
	lastError     atomic.Pointer[string]
}

var _ component.LifecycleComponent = (*Device)(nil)

type deviceMetrics struct {
	bytesReceived prometheus.Counter
	opens         prometheus.Counter
	portLost      prometheus.Counter
	writes        prometheus.Counter
	writeErrors   prometheus.Counter
	portOpen      prometheus.Gauge
}

func newDeviceMetrics(registry *metric.MetricsRegistry) (*deviceMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &deviceMetrics{
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exobridge",
			Subsystem: "serial",
			Name:      "bytes_received_total",
			Help:      "Bytes read from the serial port",
		}),
		opens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exobridge",
			Subsystem: "serial",
			Name:      "opens_total",
			Help:      "Successful port opens",
		}),
		portLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exobridge",
			Subsystem: "serial",
			Name:      "port_lost_total",
			Help:      "Ports closed by a read error or overflow policy",
		}),
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exobridge",
			Subsystem: "serial",
			Name:      "writes_total",
			Help:      "Commands written to the serial port",
		}),
		writeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exobridge",
			Subsystem: "serial",
			Name:      "write_errors_total",
			Help:      "Failed command writes",
		}),
		portOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "exobridge",
			Subsystem: "serial",
			Name:      "port_open",
			Help:      "1 while the serial port is open",
		}),
	}

	for name, c := range map[string]prometheus.Counter{
		"bytes_received": m.bytesReceived,
		"opens":          m.opens,
		"port_lost":      m.portLost,
		"writes":         m.writes,
		"write_errors":   m.writeErrors,
	} {
		if err := registry.RegisterCounter("serial", name, c); err != nil {
			return nil, err
		}
	}
	if err := registry.RegisterGauge("serial", "port_open", m.portOpen); err != nil {
		return nil, err
	}
	return m, nil
}

// NewDevice builds a device that feeds relay. The relay's overflow handler
// is claimed by the device.
func NewDevice(deps DeviceDeps) (*Device, error) {
	if deps.Opener == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Device", "NewDevice", "opener is required")
	}
	if deps.Relay == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Device", "NewDevice", "relay is required")
	}

	metrics, err := newDeviceMetrics(deps.MetricsRegistry)
	if err != nil {
		return nil, errors.Wrap(err, "Device", "NewDevice", "register metrics")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := &Device{
		cfg:     deps.Config,
		opener:  deps.Opener,
		relay:   deps.Relay,
		logger:    logger.With("component", "serial-device"),
		metrics:   metrics,
		closeWait: closeWait,
	}
	d.relay.SetOverflowHandler(d.handleOverflow)
	return d, nil
}

// OnPortClosed registers fn to run whenever the port closes.
func (d *Device) OnPortClosed(fn PortClosedFunc) {
	d.listenersMu.Lock()
	defer d.listenersMu.Unlock()
	d.onClosed = append(d.onClosed, fn)
}

func (d *Device) notifyClosed() {
	d.listenersMu.RLock()
	listeners := d.onClosed
	d.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(PortClosedMessage)
	}
}

// Meta implements component.Discoverable.
func (d *Device) Meta() component.Metadata {
	return component.Metadata{
		Name:        "serial-device",
		Type:        "device",
		Description: fmt.Sprintf("Exoskeleton controller link at %d baud", d.cfg.BaudRate),
		Version:     "1.0.0",
	}
}

// Health reports the component healthy while it is started, whether or not
// a port is open.
func (d *Device) Health() component.HealthStatus {
	d.mu.Lock()
	running := d.running
	started := d.startTime
	d.mu.Unlock()

	status := component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(d.errors.Load()),
	}
	if running {
		status.Uptime = time.Since(started)
	}
	if msg := d.lastError.Load(); msg != nil {
		status.LastError = *msg
	}
	return status
}

// DataFlow implements component.Discoverable.
func (d *Device) DataFlow() component.FlowMetrics {
	d.mu.Lock()
	started := d.startTime
	d.mu.Unlock()

	var last time.Time
	if t := d.lastActivity.Load(); t != nil {
		last = *t
	}
	stats := d.relay.Stats()
	return component.Rate(stats.Frames, d.bytesIn.Load(), stats.Malformed, time.Since(started), last)
}

// Initialize validates the serial configuration.
func (d *Device) Initialize() error {
	if d.cfg.BaudRate <= 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: baud rate %d", errors.ErrInvalidConfig, d.cfg.BaudRate),
			"Device", "Initialize", "validate config")
	}
	if d.cfg.Path == "" && d.cfg.VendorID == "" && d.cfg.ProductMatch == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: no path, vendor_id or product_match", errors.ErrInvalidConfig),
			"Device", "Initialize", "validate config")
	}
	return nil
}

// Start lets the device accept Open requests. Read loops are bound to ctx.
func (d *Device) Start(ctx context.Context) error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if ctx == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Device", "Start", "context cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "Device", "Start", "context already cancelled")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}
	d.running = true
	d.baseCtx = ctx
	d.startTime = time.Now()
	return nil
}

// Stop closes the port if open and waits for background work.
func (d *Device) Stop(timeout time.Duration) error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	var closed bool
	if d.sess != nil {
		if err := d.closeLocked(d.sess); err != nil {
			d.logger.Warn("Error closing serial port", "error", err)
		}
		closed = true
	}
	d.mu.Unlock()

	waitDone := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(timeout):
		d.logger.Warn("Serial goroutines did not exit within timeout", "timeout", timeout)
	}

	if closed {
		d.logger.Info("Serial port closed on shutdown")
		d.notifyClosed()
	}
	return nil
}

// Open locates the controller, opens its port, resets the frame scanner and
// starts the read loop. An already open port yields ErrPortAlreadyOpen along
// with the open port's details.
func (d *Device) Open(ctx context.Context) (PortInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return PortInfo{}, errors.WrapInvalid(errors.ErrNotStarted, "Device", "Open", "check state")
	}
	if d.sess != nil {
		return d.sess.info, errors.WrapInvalid(errors.ErrPortAlreadyOpen, "Device", "Open", "check state")
	}
	if err := ctx.Err(); err != nil {
		return PortInfo{}, errors.Wrap(err, "Device", "Open", "check context")
	}
	if err := d.awaitDrainLocked(ctx); err != nil {
		return PortInfo{}, err
	}

	ports, err := d.opener.List()
	if err != nil && d.cfg.Path == "" {
		d.recordError(err)
		return PortInfo{}, errors.Wrap(err, "Device", "Open", "list ports")
	}

	info, ok := Locate(ports, d.cfg)
	if !ok {
		return PortInfo{}, errors.WrapInvalid(errors.ErrPortNotFound, "Device", "Open", "locate controller")
	}

	port, err := d.opener.Open(info.Path, d.cfg.BaudRate)
	if err != nil {
		d.recordError(err)
		return PortInfo{}, errors.Wrap(err, "Device", "Open", fmt.Sprintf("open %s", info.Path))
	}
	if d.cfg.ReadTimeout > 0 {
		if err := port.SetReadTimeout(d.cfg.ReadTimeout); err != nil {
			_ = port.Close()
			d.recordError(err)
			return PortInfo{}, errors.WrapTransient(err, "Device", "Open", "set read timeout")
		}
	}

	d.relay.Reset()
	d.overflowClose.Store(false)

	sess := &session{
		port:     port,
		info:     info,
		openedAt: time.Now(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	d.sess = sess
	d.opens.Add(1)
	if d.metrics != nil {
		d.metrics.opens.Inc()
		d.metrics.portOpen.Set(1)
	}

	d.wg.Add(1)
	go d.readLoop(d.baseCtx, sess)

	d.logger.Info("Serial port opened", "path", info.Path, "baud_rate", d.cfg.BaudRate, "product", info.Product)
	return info, nil
}

// Close closes the open port. Closing an already closed device is a no-op.
func (d *Device) Close() error {
	d.mu.Lock()
	sess := d.sess
	if sess == nil {
		d.mu.Unlock()
		return nil
	}
	err := d.closeLocked(sess)
	d.mu.Unlock()

	d.logger.Info("Serial port closed", "path", sess.info.Path)
	d.notifyClosed()
	if err != nil {
		return errors.WrapTransient(err, "Device", "Close", "close port")
	}
	return nil
}

// IsOpen reports whether a port is open.
func (d *Device) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sess != nil
}

// WriteCommand writes payload to the port. Writes are serialized; there is
// no queueing or retry.
func (d *Device) WriteCommand(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "Device", "WriteCommand", "check context")
	}

	d.mu.Lock()
	sess := d.sess
	d.mu.Unlock()
	if sess == nil {
		return errors.WrapInvalid(errors.ErrPortClosed, "Device", "WriteCommand", "check port")
	}

	sess.writeMu.Lock()
	n, err := sess.port.Write(payload)
	sess.writeMu.Unlock()

	if err == nil && n < len(payload) {
		err = fmt.Errorf("short write: %d of %d bytes", n, len(payload))
	}
	if err != nil {
		d.writeErrors.Add(1)
		d.recordError(err)
		if d.metrics != nil {
			d.metrics.writeErrors.Inc()
		}
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrWriteFailed, err), "Device", "WriteCommand", "write port")
	}

	d.writes.Add(1)
	if d.metrics != nil {
		d.metrics.writes.Inc()
	}
	d.logger.Debug("Command written", "bytes", n)
	return nil
}

// Status returns the port state and counters.
func (d *Device) Status() Status {
	d.mu.Lock()
	sess := d.sess
	d.mu.Unlock()

	stats := d.relay.Stats()
	st := Status{
		BaudRate:        d.cfg.BaudRate,
		BytesReceived:   d.bytesIn.Load(),
		Frames:          stats.Frames,
		MalformedFrames: stats.Malformed,
		Overflows:       stats.Scanner.Overflows,
		Writes:          d.writes.Load(),
		WriteErrors:     d.writeErrors.Load(),
		Opens:           d.opens.Load(),
	}
	if sess != nil {
		openedAt := sess.openedAt
		st.Open = true
		st.Path = sess.info.Path
		st.Product = sess.info.Product
		st.OpenedAt = &openedAt
	}
	return st
}

func (d *Device) readLoop(ctx context.Context, sess *session) {
	defer d.wg.Done()
	defer close(sess.done)

	buf := make([]byte, readChunk)
	for {
		select {
		case <-sess.stop:
			return
		case <-ctx.Done():
			d.lose(sess, ctx.Err())
			return
		default:
		}

		n, err := sess.port.Read(buf)
		if n > 0 {
			d.bytesIn.Add(int64(n))
			now := time.Now()
			d.lastActivity.Store(&now)
			if d.metrics != nil {
				d.metrics.bytesReceived.Add(float64(n))
			}

			d.relay.Ingest(buf[:n])

			if d.overflowClose.Swap(false) {
				d.lose(sess, errors.ErrBufferOverflow)
				return
			}
		}

		if err != nil {
			select {
			case <-sess.stop:
				return
			default:
			}
			d.lose(sess, err)
			return
		}
	}
}

// lose closes sess after the read loop gave up on it. It runs on its own
// goroutine because closeLocked waits for the loop to exit.
func (d *Device) lose(sess *session, cause error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		d.mu.Lock()
		if d.sess != sess {
			d.mu.Unlock()
			return
		}
		if err := d.closeLocked(sess); err != nil {
			d.logger.Debug("Error closing lost port", "error", err)
		}
		d.mu.Unlock()

		d.recordError(cause)
		if d.metrics != nil {
			d.metrics.portLost.Inc()
		}
		d.logger.Error("Serial port lost", "path", sess.info.Path, "error", cause)
		d.notifyClosed()
	}()
}

// closeLocked stops sess and waits for its read loop. d.mu must be held;
// the read loop never takes it.
func (d *Device) closeLocked(sess *session) error {
	d.sess = nil
	close(sess.stop)
	err := sess.port.Close()

	select {
	case <-sess.done:
	case <-time.After(d.closeWait):
		d.draining = sess
		d.logger.Warn("Read loop did not exit after close", "path", sess.info.Path)
	}

	if d.metrics != nil {
		d.metrics.portOpen.Set(0)
	}
	return err
}

// awaitDrainLocked waits for a read loop left running by closeLocked, so the
// scanner is never reset under it. d.mu must be held.
func (d *Device) awaitDrainLocked(ctx context.Context) error {
	prev := d.draining
	if prev == nil {
		return nil
	}
	select {
	case <-prev.done:
		d.draining = nil
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Device", "Open", "wait for previous read loop")
	case <-time.After(d.closeWait):
		return errors.WrapTransient(fmt.Errorf("read loop for %s still running", prev.info.Path),
			"Device", "Open", "wait for previous read loop")
	}
}

// handleOverflow runs on the read loop goroutine, inside relay.Ingest.
func (d *Device) handleOverflow(dropped int) {
	if d.cfg.OverflowPolicy == config.OverflowClose {
		d.logger.Error("Receive buffer overflow, closing port", "dropped", dropped)
		d.overflowClose.Store(true)
		return
	}
	d.logger.Warn("Receive buffer overflow, discarded bytes", "dropped", dropped)
}

func (d *Device) recordError(err error) {
	d.errors.Add(1)
	msg := err.Error()
	d.lastError.Store(&msg)
}
