package buffer

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/exobridge/errors"
	"github.com/c360/exobridge/metric"
)

func TestCircularBuffer_FIFO(t *testing.T) {
	buf, err := NewCircularBuffer[string](3)
	require.NoError(t, err)

	require.NoError(t, buf.Write("a"))
	require.NoError(t, buf.Write("b"))
	assert.Equal(t, 2, buf.Size())
	assert.Equal(t, 3, buf.Capacity())

	v, ok := buf.Read()
	require.True(t, ok)
	assert.Equal(t, "a", v)

	v, ok = buf.Read()
	require.True(t, ok)
	assert.Equal(t, "b", v)

	_, ok = buf.Read()
	assert.False(t, ok)
	assert.True(t, buf.IsEmpty())
}

func TestCircularBuffer_DropOldest(t *testing.T) {
	var dropped []int
	buf, err := NewCircularBuffer[int](3, WithDropCallback[int](func(item int) {
		dropped = append(dropped, item)
	}))
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		require.NoError(t, buf.Write(i))
	}

	assert.Equal(t, []int{3, 4, 5}, buf.ReadBatch(10))
	assert.Equal(t, []int{1, 2}, dropped)
	assert.Equal(t, int64(2), buf.Stats().Drops())
	assert.Equal(t, int64(3), buf.Stats().MaxSize())
}

func TestCircularBuffer_DropNewest(t *testing.T) {
	var dropped []int
	buf, err := NewCircularBuffer[int](2,
		WithOverflowPolicy[int](DropNewest),
		WithDropCallback[int](func(item int) { dropped = append(dropped, item) }),
	)
	require.NoError(t, err)

	for i := 1; i <= 4; i++ {
		require.NoError(t, buf.Write(i))
	}

	assert.Equal(t, []int{1, 2}, buf.ReadBatch(10))
	assert.Equal(t, []int{3, 4}, dropped)
	assert.InDelta(t, 0.5, buf.Stats().DropRate(), 0.001)
}

func TestCircularBuffer_ReadBatchPartial(t *testing.T) {
	buf, err := NewCircularBuffer[int](5)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, buf.Write(i))
	}

	assert.Equal(t, []int{0, 1}, buf.ReadBatch(2))
	assert.Equal(t, 2, buf.Size())
	assert.Nil(t, buf.ReadBatch(0))
}

func TestCircularBuffer_Clear(t *testing.T) {
	count := 0
	buf, err := NewCircularBuffer[int](4, WithDropCallback[int](func(int) { count++ }))
	require.NoError(t, err)

	_ = buf.Write(1)
	_ = buf.Write(2)
	buf.Clear()

	assert.True(t, buf.IsEmpty())
	assert.Equal(t, 2, count)

	// Wraparound still works after clear
	for i := 0; i < 6; i++ {
		_ = buf.Write(i)
	}
	assert.Equal(t, []int{2, 3, 4, 5}, buf.ReadBatch(4))
}

func TestCircularBuffer_WriteAfterClose(t *testing.T) {
	buf, err := NewCircularBuffer[int](2)
	require.NoError(t, err)

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Close())

	err = buf.Write(2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAlreadyStopped))

	v, ok := buf.Read()
	assert.True(t, ok, "pending items remain readable after close")
	assert.Equal(t, 1, v)
}

func TestCircularBuffer_ZeroCapacity(t *testing.T) {
	buf, err := NewCircularBuffer[int](0)
	require.NoError(t, err)
	assert.Equal(t, 1, buf.Capacity())
}

func TestCircularBuffer_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	buf, err := NewCircularBuffer[int](1, WithMetrics[int](registry, "nats_mirror"))
	require.NoError(t, err)

	_ = buf.Write(1)
	_ = buf.Write(2)

	cb := buf.(*circularBuffer[int])
	assert.Equal(t, float64(2), testutil.ToFloat64(cb.metrics.writes))
	assert.Equal(t, float64(1), testutil.ToFloat64(cb.metrics.drops))
	assert.Equal(t, float64(1), testutil.ToFloat64(cb.metrics.size))

	// A second buffer with the same prefix collides
	_, err = NewCircularBuffer[int](1, WithMetrics[int](registry, "nats_mirror"))
	assert.Error(t, err)
}

func TestCircularBuffer_ConcurrentWriters(t *testing.T) {
	buf, err := NewCircularBuffer[int](64)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = buf.Write(i)
			}
		}()
	}
	wg.Wait()

	stats := buf.Stats()
	assert.Equal(t, 64, buf.Size())
	assert.Equal(t, int64(800), stats.Writes())
	assert.Equal(t, int64(800-64), stats.Drops())
}
