package serial

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/c360/exobridge/errors"
)

// MemPort is an in-memory Port. Bytes pushed with Inject are returned by
// Read; bytes written are kept for inspection.
type MemPort struct {
	mu       sync.Mutex
	cond     *sync.Cond
	inbound  bytes.Buffer
	written  bytes.Buffer
	timeout  time.Duration
	readErr  error
	writeErr error
	closed   bool
}

// NewMemPort returns an open in-memory port.
func NewMemPort() *MemPort {
	p := &MemPort{timeout: 10 * time.Millisecond}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Inject queues bytes for the next Read.
func (p *MemPort) Inject(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inbound.Write(b)
	p.cond.Broadcast()
}

// FailReads makes pending and future reads return err, as when the cable is
// pulled.
func (p *MemPort) FailReads(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readErr = err
	p.cond.Broadcast()
}

// FailWrites makes future writes return err.
func (p *MemPort) FailWrites(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

// Written returns everything written so far.
func (p *MemPort) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.written.Bytes())
}

// Closed reports whether Close was called.
func (p *MemPort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Read blocks until data arrives, the port fails or closes, or the read
// timeout expires.
func (p *MemPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	deadline := time.Now().Add(p.timeout)
	for p.inbound.Len() == 0 && p.readErr == nil && !p.closed {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, nil
		}
		timer := time.AfterFunc(remaining, func() {
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		})
		p.cond.Wait()
		timer.Stop()
	}

	if p.closed {
		return 0, errors.ErrPortClosed
	}
	if p.inbound.Len() > 0 {
		return p.inbound.Read(b)
	}
	return 0, p.readErr
}

// Write records b.
func (p *MemPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.ErrPortClosed
	}
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	return p.written.Write(b)
}

// Close closes the port. Blocked readers return.
func (p *MemPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return nil
}

// SetReadTimeout sets how long Read waits for data.
func (p *MemPort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = t
	return nil
}

// MemOpener serves MemPorts from a fixed port list.
type MemOpener struct {
	mu      sync.Mutex
	ports   []PortInfo
	opened  map[string]*MemPort
	opens   int
	openErr error
}

// NewMemOpener advertises the given ports.
func NewMemOpener(ports ...PortInfo) *MemOpener {
	return &MemOpener{ports: ports, opened: make(map[string]*MemPort)}
}

// FailOpen makes future opens return err.
func (o *MemOpener) FailOpen(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.openErr = err
}

// List implements Opener.
func (o *MemOpener) List() ([]PortInfo, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]PortInfo(nil), o.ports...), nil
}

// Open implements Opener. Each call returns a fresh MemPort.
func (o *MemOpener) Open(path string, _ int) (Port, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.openErr != nil {
		return nil, o.openErr
	}
	for _, info := range o.ports {
		if info.Path == path {
			p := NewMemPort()
			o.opened[path] = p
			o.opens++
			return p, nil
		}
	}
	return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrPortNotFound, path), "MemOpener", "Open", "open port")
}

// Port returns the most recently opened port for path.
func (o *MemOpener) Port(path string) *MemPort {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opened[path]
}

// Opens returns how many ports were opened.
func (o *MemOpener) Opens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}
