package component

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// LifecycleFactory creates a new instance of a LifecycleComponent for testing
type LifecycleFactory func() LifecycleComponent

// StandardLifecycleTests runs the lifecycle contract checks every component must pass
func StandardLifecycleTests(t *testing.T, factory LifecycleFactory) {
	tests := []struct {
		name string
		test func(t *testing.T, comp LifecycleComponent)
	}{
		{"StartStop", testStartStop},
		{"DoubleStart", testDoubleStart},
		{"DoubleStop", testDoubleStop},
		{"StopWithoutStart", testStopWithoutStart},
		{"RestartAfterStop", testRestartAfterStop},
		{"ConcurrentStop", testConcurrentStop},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			comp := factory()
			require.NotNil(t, comp, "factory returned nil")
			tt.test(t, comp)
		})
	}
}

func startComponent(t *testing.T, comp LifecycleComponent) {
	t.Helper()
	require.NoError(t, comp.Initialize())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	require.NoError(t, comp.Start(ctx))
}

func testStartStop(t *testing.T, comp LifecycleComponent) {
	startComponent(t, comp)
	assert.NoError(t, comp.Stop(5*time.Second))
}

func testDoubleStart(t *testing.T, comp LifecycleComponent) {
	startComponent(t, comp)
	defer comp.Stop(5 * time.Second)

	// A second start is either a no-op or a reported error, never a panic
	_ = comp.Start(context.Background())
}

func testDoubleStop(t *testing.T, comp LifecycleComponent) {
	startComponent(t, comp)
	assert.NoError(t, comp.Stop(5*time.Second))
	assert.NoError(t, comp.Stop(5*time.Second), "second Stop should be a no-op")
}

func testStopWithoutStart(t *testing.T, comp LifecycleComponent) {
	require.NoError(t, comp.Initialize())
	assert.NoError(t, comp.Stop(time.Second))
}

func testRestartAfterStop(t *testing.T, comp LifecycleComponent) {
	startComponent(t, comp)
	require.NoError(t, comp.Stop(5*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, comp.Start(ctx))
	assert.NoError(t, comp.Stop(5*time.Second))
}

func testConcurrentStop(t *testing.T, comp LifecycleComponent) {
	startComponent(t, comp)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = comp.Stop(5 * time.Second)
		}()
	}
	wg.Wait()

	assert.False(t, comp.Health().Healthy, "stopped component should not report healthy")
}
