package telemetry

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/exobridge/errors"
	"github.com/c360/exobridge/framing"
	"github.com/c360/exobridge/metric"
)

// Publisher receives every decoded snapshot. Implementations must not block:
// the relay runs inside the serial read loop.
type Publisher interface {
	PublishSnapshot(snap *Snapshot)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(snap *Snapshot)

// PublishSnapshot calls f(snap).
func (f PublisherFunc) PublishSnapshot(snap *Snapshot) { f(snap) }

// RelayDeps holds relay dependencies. All fields are optional.
type RelayDeps struct {
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
	ScannerOptions  []framing.Option
}

// Stats is a snapshot of relay counters.
type Stats struct {
	Frames    int64         `json:"frames"`
	Malformed int64         `json:"malformed"`
	Bytes     int64         `json:"bytes"`
	Scanner   framing.Stats `json:"scanner"`
}

// Relay owns the frame scanner, decodes each frame and publishes snapshots.
type Relay struct {
	scanner *framing.Scanner
	logger  *slog.Logger
	metrics *relayMetrics

	mu         sync.RWMutex
	publishers []Publisher

	latest     atomic.Pointer[Snapshot]
	onOverflow atomic.Pointer[framing.OverflowFunc]

	frames    atomic.Int64
	malformed atomic.Int64
	bytes     atomic.Int64
}

type relayMetrics struct {
	frames    prometheus.Counter
	malformed prometheus.Counter
	overflows prometheus.Counter
}

func newRelayMetrics(registry *metric.MetricsRegistry) (*relayMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &relayMetrics{
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exobridge",
			Subsystem: "telemetry",
			Name:      "frames_total",
			Help:      "Frames decoded and published",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exobridge",
			Subsystem: "telemetry",
			Name:      "malformed_frames_total",
			Help:      "Frames dropped because they were not valid JSON objects",
		}),
		overflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exobridge",
			Subsystem: "telemetry",
			Name:      "buffer_overflows_total",
			Help:      "Receive buffer overflows",
		}),
	}

	if err := registry.RegisterCounter("telemetry", "frames", m.frames); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("telemetry", "malformed", m.malformed); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("telemetry", "overflows", m.overflows); err != nil {
		return nil, err
	}
	return m, nil
}

// NewRelay creates a relay with its own scanner.
func NewRelay(deps RelayDeps, publishers ...Publisher) (*Relay, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	metrics, err := newRelayMetrics(deps.MetricsRegistry)
	if err != nil {
		return nil, errors.Wrap(err, "Relay", "NewRelay", "register metrics")
	}

	r := &Relay{
		logger:     logger.With("component", "telemetry-relay"),
		metrics:    metrics,
		publishers: append([]Publisher(nil), publishers...),
	}

	opts := append([]framing.Option(nil), deps.ScannerOptions...)
	opts = append(opts, framing.WithOverflowHandler(r.handleOverflow))
	r.scanner = framing.NewScanner(opts...)

	return r, nil
}

// Subscribe adds a publisher. Safe to call while frames are flowing.
func (r *Relay) Subscribe(p Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishers = append(r.publishers, p)
}

// SetOverflowHandler registers the callback run when the receive buffer overflows.
func (r *Relay) SetOverflowHandler(fn framing.OverflowFunc) {
	r.onOverflow.Store(&fn)
}

func (r *Relay) handleOverflow(dropped int) {
	if r.metrics != nil {
		r.metrics.overflows.Inc()
	}
	if fn := r.onOverflow.Load(); fn != nil && *fn != nil {
		(*fn)(dropped)
		return
	}
	r.logger.Warn("Receive buffer overflow, discarded bytes", "dropped", dropped)
}

// Emit decodes one frame and publishes it. Invalid frames are returned as
// errors wrapping ErrParsingFailed and published to no one.
func (r *Relay) Emit(frame framing.Frame) error {
	snap, err := NewSnapshot(frame, time.Now())
	if err != nil {
		r.malformed.Add(1)
		if r.metrics != nil {
			r.metrics.malformed.Inc()
		}
		return err
	}

	r.latest.Store(snap)
	r.frames.Add(1)
	if r.metrics != nil {
		r.metrics.frames.Inc()
	}

	r.mu.RLock()
	publishers := r.publishers
	r.mu.RUnlock()

	for _, p := range publishers {
		p.PublishSnapshot(snap)
	}
	return nil
}

// Ingest feeds bytes to the scanner and emits every complete frame. Parse
// errors are logged and skipped. Returns the number of frames published.
func (r *Relay) Ingest(p []byte) int {
	r.bytes.Add(int64(len(p)))

	published := 0
	for frame := range r.scanner.Feed(p) {
		if err := r.Emit(frame); err != nil {
			r.logger.Warn("Dropping malformed frame", "error", err, "size", len(frame))
			continue
		}
		published++
	}
	return published
}

// Latest returns the most recent snapshot, or nil before the first frame.
func (r *Relay) Latest() *Snapshot {
	return r.latest.Load()
}

// Reset clears scanner state. Call only while no Ingest is running.
func (r *Relay) Reset() {
	r.scanner.Reset()
}

// Stats returns relay counters.
func (r *Relay) Stats() Stats {
	return Stats{
		Frames:    r.frames.Load(),
		Malformed: r.malformed.Load(),
		Bytes:     r.bytes.Load(),
		Scanner:   r.scanner.Stats(),
	}
}
