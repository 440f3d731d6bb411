package telemetry

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/exobridge/errors"
	"github.com/c360/exobridge/framing"
	"github.com/c360/exobridge/metric"
)

type recorder struct {
	mu    sync.Mutex
	snaps []*Snapshot
}

func (r *recorder) PublishSnapshot(snap *Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
}

func (r *recorder) raw() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.snaps))
	for _, s := range r.snaps {
		out = append(out, string(s.Raw))
	}
	return out
}

func newTestRelay(t *testing.T, opts ...framing.Option) (*Relay, *recorder) {
	t.Helper()
	rec := &recorder{}
	relay, err := NewRelay(RelayDeps{ScannerOptions: opts}, rec)
	require.NoError(t, err)
	return relay, rec
}

func TestRelay_MalformedFrameSkipped(t *testing.T) {
	relay, rec := newTestRelay(t)

	n := relay.Ingest([]byte(`{"bad": }{"ok":1}`))

	assert.Equal(t, 1, n)
	assert.Equal(t, []string{`{"ok":1}`}, rec.raw())
	stats := relay.Stats()
	assert.Equal(t, int64(1), stats.Frames)
	assert.Equal(t, int64(1), stats.Malformed)
	assert.Equal(t, int64(2), stats.Scanner.Frames)
}

func TestRelay_SplitAcrossReads(t *testing.T) {
	relay, rec := newTestRelay(t)

	assert.Zero(t, relay.Ingest([]byte(`{"Mode":"Man`)))
	assert.Nil(t, relay.Latest())
	assert.Equal(t, 1, relay.Ingest([]byte(`ual","Repetitions":3}`)))

	require.Len(t, rec.raw(), 1)
	latest := relay.Latest()
	require.NotNil(t, latest)
	assert.Equal(t, "Manual", latest.Mode())
	reps, ok := latest.Repetitions()
	assert.True(t, ok)
	assert.Equal(t, 3, reps)
}

func TestRelay_EmitRejectsNonObjects(t *testing.T) {
	relay, rec := newTestRelay(t)

	for _, frame := range []string{`{"a":}`, `null`, `[1,2]`, `"text"`} {
		err := relay.Emit(framing.Frame(frame))
		require.Error(t, err, frame)
		assert.ErrorIs(t, err, errors.ErrParsingFailed)
		assert.True(t, errors.IsInvalid(err))
	}
	assert.Empty(t, rec.raw())
	assert.Nil(t, relay.Latest())
}

func TestRelay_FanOutToAllSubscribers(t *testing.T) {
	relay, first := newTestRelay(t)
	second := &recorder{}
	relay.Subscribe(second)

	var viaFunc int
	relay.Subscribe(PublisherFunc(func(*Snapshot) { viaFunc++ }))

	relay.Ingest([]byte(`{"a":1}{"b":2}`))

	assert.Equal(t, first.raw(), second.raw())
	assert.Len(t, first.raw(), 2)
	assert.Equal(t, 2, viaFunc)
}

func TestRelay_OverflowHandler(t *testing.T) {
	relay, rec := newTestRelay(t, framing.WithMaxBytes(16))

	var dropped []int
	relay.SetOverflowHandler(func(n int) { dropped = append(dropped, n) })

	relay.Ingest([]byte(`{"unterminated":"0123456789"`))
	require.Len(t, dropped, 1)
	assert.Equal(t, len(`{"unterminated":"0123456789"`), dropped[0])

	relay.Ingest([]byte(`{"ok":1}`))
	assert.Equal(t, []string{`{"ok":1}`}, rec.raw())
}

func TestRelay_ResetDropsPartialFrame(t *testing.T) {
	relay, rec := newTestRelay(t)

	relay.Ingest([]byte(`{"stale":`))
	relay.Reset()
	relay.Ingest([]byte(`{"fresh":1}`))

	assert.Equal(t, []string{`{"fresh":1}`}, rec.raw())
}

func TestRelay_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	relay, err := NewRelay(RelayDeps{
		MetricsRegistry: registry,
		ScannerOptions:  []framing.Option{framing.WithMaxBytes(8)},
	})
	require.NoError(t, err)

	relay.Ingest([]byte(`{"a":1}{"b":}`))
	relay.Ingest([]byte(`{"long-unterminated`))

	assert.Equal(t, float64(1), testutil.ToFloat64(relay.metrics.frames))
	assert.Equal(t, float64(1), testutil.ToFloat64(relay.metrics.malformed))
	assert.Equal(t, float64(1), testutil.ToFloat64(relay.metrics.overflows))

	_, err = NewRelay(RelayDeps{MetricsRegistry: registry})
	assert.Error(t, err, "duplicate registration should fail")
}

func TestSnapshot_Accessors(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	snap, err := NewSnapshot(framing.Frame(`{
		"mode": "Automatic",
		"autoState": "Running",
		"exerciseIdx": 2,
		"repsCount": 7,
		"errorcode": 0,
		"positions": [1.5, 2, "x"],
		"Torques": [0.25]
	}`), at)
	require.NoError(t, err)

	assert.Equal(t, "Automatic", snap.Mode())
	assert.Equal(t, "Running", snap.AutoState())
	assert.Equal(t, "0", snap.ErrorCode())
	assert.Equal(t, "", snap.CurrentLegSide())

	idx, ok := snap.ExerciseIdx()
	assert.True(t, ok)
	assert.Equal(t, 2, idx)
	reps, ok := snap.Repetitions()
	assert.True(t, ok)
	assert.Equal(t, 7, reps)

	assert.Equal(t, []float64{1.5, 2}, snap.Positions())
	assert.Equal(t, []float64{0.25}, snap.Torques())
	assert.Equal(t, at, snap.ReceivedAt)
}

func TestSnapshot_PascalCaseWins(t *testing.T) {
	snap, err := NewSnapshot(framing.Frame(`{"Mode":"Manual","mode":"Homing","CurrentLegSide":"Left"}`), time.Now())
	require.NoError(t, err)

	assert.Equal(t, "Manual", snap.Mode())
	assert.Equal(t, "Left", snap.CurrentLegSide())
	_, ok := snap.ExerciseIdx()
	assert.False(t, ok)
}

func TestSnapshot_MarshalPreservesRawBytes(t *testing.T) {
	frame := framing.Frame(`{"z":1,"a":2}`)
	snap, err := NewSnapshot(frame, time.Now())
	require.NoError(t, err)

	frame[2] = 'y'
	out, err := snap.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"z":1,"a":2}`, string(out))
}
