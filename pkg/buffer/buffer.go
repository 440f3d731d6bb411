// Package buffer provides a generic, thread-safe circular buffer with overflow policies.
//
// Statistics are always collected. Prometheus metrics are optional via WithMetrics.
// The realtime hub uses one buffer per websocket client as its outbound queue, and
// the NATS telemetry mirror uses one to decouple the serial read loop from publishing.
package buffer

// Buffer represents a bounded FIFO of items of type T.
type Buffer[T any] interface {
	// Write adds an item. When full, the overflow policy decides which item is dropped.
	Write(item T) error

	// Read removes and returns the oldest item, or false when empty.
	Read() (T, bool)

	// ReadBatch removes and returns up to max items, oldest first.
	ReadBatch(max int) []T

	Size() int
	Capacity() int
	IsEmpty() bool

	// Clear removes all items, invoking the drop callback for each.
	Clear()

	// Stats returns buffer statistics.
	Stats() *Statistics

	// Close marks the buffer closed; further writes fail.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// DropCallback is called with each item dropped by the overflow policy or Clear.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a circular buffer with the given capacity.
// Returns an error if metrics registration fails when metrics are requested.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	cb, err := newCircularBuffer(capacity, applyOptions(options...))
	if err != nil {
		return nil, err
	}
	return cb, nil
}
