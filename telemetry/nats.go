package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/exobridge/component"
	"github.com/c360/exobridge/errors"
	"github.com/c360/exobridge/metric"
	"github.com/c360/exobridge/pkg/buffer"
)

// MessagePublisher is the subset of natsclient.Client the mirror needs.
type MessagePublisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NATSMirrorDeps configures a NATSMirror.
type NATSMirrorDeps struct {
	Client          MessagePublisher
	Subject         string
	QueueSize       int
	PublishTimeout  time.Duration
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
}

// NATSMirror republishes snapshots on a NATS subject. Snapshots are queued
// so the serial read loop never waits on the network; when the queue is
// full the oldest snapshot is dropped.
type NATSMirror struct {
	client  MessagePublisher
	subject string
	timeout time.Duration
	logger  *slog.Logger
	queue   buffer.Buffer[*Snapshot]
	wake    chan struct{}

	shutdown    chan struct{}
	done        chan struct{}
	running     bool
	startTime   time.Time
	mu          sync.RWMutex
	lifecycleMu sync.Mutex
	wg          *sync.WaitGroup

	published    atomic.Int64
	bytes        atomic.Int64
	errors       atomic.Int64
	lastActivity atomic.Pointer[time.Time]
	lastError    atomic.Pointer[string]
}

var _ component.LifecycleComponent = (*NATSMirror)(nil)
var _ Publisher = (*NATSMirror)(nil)

// NewNATSMirror validates deps and builds the mirror queue.
func NewNATSMirror(deps NATSMirrorDeps) (*NATSMirror, error) {
	if deps.Client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "NATSMirror", "NewNATSMirror", "NATS client is required")
	}
	if deps.Subject == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "NATSMirror", "NewNATSMirror", "subject is required")
	}
	if deps.QueueSize <= 0 {
		deps.QueueSize = 256
	}
	if deps.PublishTimeout <= 0 {
		deps.PublishTimeout = 2 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	queue, err := buffer.NewCircularBuffer[*Snapshot](deps.QueueSize,
		buffer.WithOverflowPolicy[*Snapshot](buffer.DropOldest),
		buffer.WithMetrics[*Snapshot](deps.MetricsRegistry, "nats_mirror"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "NATSMirror", "NewNATSMirror", "create queue")
	}

	return &NATSMirror{
		client:  deps.Client,
		subject: deps.Subject,
		timeout: deps.PublishTimeout,
		logger:  logger.With("component", "nats-mirror", "subject", deps.Subject),
		queue:   queue,
		wake:    make(chan struct{}, 1),
	}, nil
}

// PublishSnapshot queues snap for publishing. It never blocks.
func (n *NATSMirror) PublishSnapshot(snap *Snapshot) {
	n.mu.RLock()
	running := n.running
	n.mu.RUnlock()
	if !running {
		return
	}

	_ = n.queue.Write(snap)
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// Meta implements component.Discoverable.
func (n *NATSMirror) Meta() component.Metadata {
	return component.Metadata{
		Name:        "nats-mirror",
		Type:        "output",
		Description: "Mirrors telemetry snapshots to " + n.subject,
		Version:     "1.0.0",
	}
}

// Health implements component.Discoverable.
func (n *NATSMirror) Health() component.HealthStatus {
	n.mu.RLock()
	running := n.running
	started := n.startTime
	n.mu.RUnlock()

	status := component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(n.errors.Load()),
	}
	if running {
		status.Uptime = time.Since(started)
	}
	if msg := n.lastError.Load(); msg != nil {
		status.LastError = *msg
	}
	return status
}

// DataFlow implements component.Discoverable.
func (n *NATSMirror) DataFlow() component.FlowMetrics {
	n.mu.RLock()
	started := n.startTime
	n.mu.RUnlock()

	var last time.Time
	if t := n.lastActivity.Load(); t != nil {
		last = *t
	}
	return component.Rate(n.published.Load(), n.bytes.Load(), n.errors.Load(), time.Since(started), last)
}

// Initialize is a no-op; configuration is checked by NewNATSMirror.
func (n *NATSMirror) Initialize() error {
	return nil
}

// Start launches the publishing worker.
func (n *NATSMirror) Start(ctx context.Context) error {
	n.lifecycleMu.Lock()
	defer n.lifecycleMu.Unlock()

	if ctx == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "NATSMirror", "Start", "context cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "NATSMirror", "Start", "context already cancelled")
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return nil
	}

	n.shutdown = make(chan struct{})
	n.done = make(chan struct{})
	n.wg = &sync.WaitGroup{}
	n.running = true
	n.startTime = time.Now()

	n.wg.Add(1)
	go n.run(ctx, n.shutdown, n.wg)
	return nil
}

// Stop signals the worker, which flushes what is queued before exiting.
func (n *NATSMirror) Stop(timeout time.Duration) error {
	n.lifecycleMu.Lock()
	defer n.lifecycleMu.Unlock()

	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = false
	close(n.shutdown)
	wg := n.wg
	done := n.done
	n.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(timeout):
		n.logger.Warn("Publisher did not exit within timeout", "timeout", timeout)
	}

	n.mu.Lock()
	close(done)
	n.shutdown = nil
	n.done = nil
	n.wg = nil
	n.mu.Unlock()
	return nil
}

func (n *NATSMirror) run(ctx context.Context, shutdown <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-shutdown:
			n.flush(context.Background())
			return
		case <-n.wake:
			n.flush(ctx)
		}
	}
}

func (n *NATSMirror) flush(ctx context.Context) {
	for {
		batch := n.queue.ReadBatch(32)
		if len(batch) == 0 {
			return
		}
		for _, snap := range batch {
			n.publish(ctx, snap)
		}
	}
}

func (n *NATSMirror) publish(ctx context.Context, snap *Snapshot) {
	pubCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	if err := n.client.Publish(pubCtx, n.subject, snap.Raw); err != nil {
		n.errors.Add(1)
		msg := err.Error()
		n.lastError.Store(&msg)
		n.logger.Debug("Publish failed", "error", err)
		return
	}

	n.published.Add(1)
	n.bytes.Add(int64(len(snap.Raw)))
	now := time.Now()
	n.lastActivity.Store(&now)
}

// Published returns the number of snapshots published successfully.
func (n *NATSMirror) Published() int64 {
	return n.published.Load()
}
