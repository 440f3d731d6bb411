// Package framing extracts brace-delimited JSON frames from a serial byte stream.
//
// The Scanner counts brace depth to find top-level {...} spans. By default it
// does not distinguish braces inside string literals; WithStringAware enables
// string tracking with backslash escapes. The receive buffer is bounded: when
// the unconsumed remainder grows past the configured maximum it is discarded
// and the overflow callback is told how many bytes were dropped.
package framing

import (
	"iter"
	"sync/atomic"
)

// DefaultMaxBytes bounds the receive buffer when no limit is configured.
const DefaultMaxBytes = 65536

// Frame is one complete brace-delimited span, braces included.
type Frame []byte

// OverflowFunc is called with the number of bytes discarded on overflow.
type OverflowFunc func(dropped int)

// Option configures a Scanner.
type Option func(*Scanner)

// WithMaxBytes sets the receive buffer limit. Values below 2 use DefaultMaxBytes.
func WithMaxBytes(n int) Option {
	return func(s *Scanner) {
		if n >= 2 {
			s.maxBytes = n
		}
	}
}

// WithStringAware makes braces inside JSON string literals not count toward depth.
func WithStringAware(enabled bool) Option {
	return func(s *Scanner) {
		s.stringAware = enabled
	}
}

// WithOverflowHandler sets the callback invoked when the buffer overflows.
func WithOverflowHandler(fn OverflowFunc) Option {
	return func(s *Scanner) {
		s.onOverflow = fn
	}
}

// Stats is a snapshot of scanner counters.
type Stats struct {
	Frames         int64 `json:"frames"`
	DiscardedBytes int64 `json:"discarded_bytes"`
	Overflows      int64 `json:"overflows"`
	Buffered       int64 `json:"buffered"`
}

// Scanner accumulates bytes and yields complete frames.
//
// Feed and Reset must be called from a single goroutine. Stats is safe to call
// concurrently.
type Scanner struct {
	buf   []byte
	pos   int // next byte to scan; bytes before pos were already examined
	depth int

	inString bool
	escaped  bool

	maxBytes    int
	stringAware bool
	onOverflow  OverflowFunc

	frames    atomic.Int64
	discarded atomic.Int64
	overflows atomic.Int64
	buffered  atomic.Int64
}

// NewScanner creates a scanner with an empty receive buffer.
func NewScanner(opts ...Option) *Scanner {
	s := &Scanner{maxBytes: DefaultMaxBytes}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Feed appends p to the receive buffer and returns a sequence that scans it.
//
// Frames are yielded in stream order. Each yielded frame is removed from the
// buffer before it is handed to the consumer, so stopping early leaves only the
// unscanned remainder, which is picked up by the next non-empty Feed. An empty
// p yields nothing and does not touch scanner state.
func (s *Scanner) Feed(p []byte) iter.Seq[Frame] {
	if len(p) == 0 {
		return func(func(Frame) bool) {}
	}
	s.buf = append(s.buf, p...)
	s.buffered.Store(int64(len(s.buf)))

	return func(yield func(Frame) bool) {
		for s.pos < len(s.buf) {
			b := s.buf[s.pos]

			if s.depth == 0 {
				switch b {
				case '{':
					// Drop whatever precedes the opening brace
					s.consume(s.pos, true)
					s.depth = 1
					s.pos = 1
				case '}':
					s.consume(s.pos+1, true)
				default:
					s.pos++
				}
				continue
			}

			if s.stringAware && s.scanString(b) {
				s.pos++
				continue
			}

			switch b {
			case '{':
				s.depth++
			case '}':
				s.depth--
			}
			s.pos++

			if s.depth == 0 {
				frame := make(Frame, s.pos)
				copy(frame, s.buf[:s.pos])
				s.consume(s.pos, false)
				s.frames.Add(1)
				if !yield(frame) {
					return
				}
			}
		}

		s.checkOverflow()
	}
}

// scanString updates string-literal state and reports whether b is part of a string.
func (s *Scanner) scanString(b byte) bool {
	if s.inString {
		switch {
		case s.escaped:
			s.escaped = false
		case b == '\\':
			s.escaped = true
		case b == '"':
			s.inString = false
		}
		return true
	}
	if b == '"' {
		s.inString = true
		return true
	}
	return false
}

// consume removes the first n bytes of the buffer and rewinds the scan position.
func (s *Scanner) consume(n int, discard bool) {
	if n <= 0 {
		return
	}
	if discard {
		s.discarded.Add(int64(n))
	}
	s.buf = append(s.buf[:0], s.buf[n:]...)
	s.pos = 0
	s.buffered.Store(int64(len(s.buf)))
}

func (s *Scanner) checkOverflow() {
	if len(s.buf) <= s.maxBytes {
		return
	}
	dropped := len(s.buf)
	s.clear()
	s.discarded.Add(int64(dropped))
	s.overflows.Add(1)
	if s.onOverflow != nil {
		s.onOverflow(dropped)
	}
}

func (s *Scanner) clear() {
	s.buf = s.buf[:0]
	s.pos = 0
	s.depth = 0
	s.inString = false
	s.escaped = false
	s.buffered.Store(0)
}

// Reset drops all buffered bytes and scan state. Counters are kept.
func (s *Scanner) Reset() {
	s.clear()
}

// Len returns the number of buffered bytes.
func (s *Scanner) Len() int {
	return int(s.buffered.Load())
}

// Stats returns the scanner counters.
func (s *Scanner) Stats() Stats {
	return Stats{
		Frames:         s.frames.Load(),
		DiscardedBytes: s.discarded.Load(),
		Overflows:      s.overflows.Load(),
		Buffered:       s.buffered.Load(),
	}
}
