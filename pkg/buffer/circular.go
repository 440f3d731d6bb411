package buffer

import (
	"sync"

	"github.com/c360/exobridge/errors"
)

type circularBuffer[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	closed   bool
	stats    *Statistics
	metrics  *bufferMetrics
	opts     *bufferOptions[T]
}

func newCircularBuffer[T any](capacity int, opts *bufferOptions[T]) (*circularBuffer[T], error) {
	if capacity <= 0 {
		capacity = 1
	}

	var metrics *bufferMetrics
	if opts.metricsReg != nil {
		var err error
		metrics, err = newBufferMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "buffer", "newCircularBuffer", "metrics registration")
		}
	}

	return &circularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    NewStatistics(),
		metrics:  metrics,
		opts:     opts,
	}, nil
}

// Write adds an item according to the overflow policy.
func (cb *circularBuffer[T]) Write(item T) error {
	var dropped T
	hasDropped := false

	cb.mu.Lock()
	if cb.closed {
		cb.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "Write", "buffer closed")
	}

	if cb.size == cb.capacity {
		cb.stats.Drop()
		if cb.metrics != nil {
			cb.metrics.drops.Inc()
		}

		if cb.opts.overflowPolicy == DropNewest {
			cb.mu.Unlock()
			if cb.opts.dropCallback != nil {
				cb.opts.dropCallback(item)
			}
			return nil
		}

		dropped, hasDropped = cb.pop()
	}

	cb.items[cb.head] = item
	cb.head = (cb.head + 1) % cb.capacity
	cb.size++
	cb.stats.Write(cb.size)
	if cb.metrics != nil {
		cb.metrics.writes.Inc()
		cb.metrics.size.Set(float64(cb.size))
	}
	cb.mu.Unlock()

	// Callback runs outside the lock so it may touch the buffer
	if hasDropped && cb.opts.dropCallback != nil {
		cb.opts.dropCallback(dropped)
	}
	return nil
}

// pop removes the oldest item; caller holds the lock.
func (cb *circularBuffer[T]) pop() (T, bool) {
	var zero T
	if cb.size == 0 {
		return zero, false
	}
	item := cb.items[cb.tail]
	cb.items[cb.tail] = zero
	cb.tail = (cb.tail + 1) % cb.capacity
	cb.size--
	return item, true
}

// Read removes and returns the oldest item.
func (cb *circularBuffer[T]) Read() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	item, ok := cb.pop()
	if ok {
		cb.stats.Read(cb.size)
		if cb.metrics != nil {
			cb.metrics.size.Set(float64(cb.size))
		}
	}
	return item, ok
}

// ReadBatch removes and returns up to max items.
func (cb *circularBuffer[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.size == 0 {
		return nil
	}

	n := min(max, cb.size)
	result := make([]T, 0, n)
	for i := 0; i < n; i++ {
		item, _ := cb.pop()
		result = append(result, item)
		cb.stats.Read(cb.size)
	}
	if cb.metrics != nil {
		cb.metrics.size.Set(float64(cb.size))
	}
	return result
}

func (cb *circularBuffer[T]) Size() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size
}

func (cb *circularBuffer[T]) Capacity() int {
	return cb.capacity
}

func (cb *circularBuffer[T]) IsEmpty() bool {
	return cb.Size() == 0
}

// Clear removes all items, reporting each to the drop callback.
func (cb *circularBuffer[T]) Clear() {
	cb.mu.Lock()
	drained := make([]T, 0, cb.size)
	for cb.size > 0 {
		item, _ := cb.pop()
		drained = append(drained, item)
	}
	cb.head, cb.tail = 0, 0
	cb.stats.Read(0)
	if cb.metrics != nil {
		cb.metrics.size.Set(0)
	}
	cb.mu.Unlock()

	if cb.opts.dropCallback != nil {
		for _, item := range drained {
			cb.opts.dropCallback(item)
		}
	}
}

func (cb *circularBuffer[T]) Stats() *Statistics {
	return cb.stats
}

// Close shuts the buffer; pending items remain readable.
func (cb *circularBuffer[T]) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.closed = true
	return nil
}
