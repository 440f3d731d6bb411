//go:build integration

package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/exobridge/natsclient"
)

func TestIntegration_RelayToNATS(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithStartTimeout(time.Minute))
	ctx := context.Background()

	received := make(chan []byte, 4)
	require.NoError(t, tc.Client.Subscribe(ctx, "exobridge.telemetry", func(_ context.Context, data []byte) {
		received <- data
	}))

	mirror, err := NewNATSMirror(NATSMirrorDeps{Client: tc.Client, Subject: "exobridge.telemetry"})
	require.NoError(t, err)
	require.NoError(t, mirror.Start(ctx))
	defer mirror.Stop(5 * time.Second)

	relay, err := NewRelay(RelayDeps{}, mirror)
	require.NoError(t, err)

	relay.Ingest([]byte(`noise{"Mode":"Automatic","Repetitions":4}{"bad":}`))

	select {
	case data := <-received:
		assert.Equal(t, `{"Mode":"Automatic","Repetitions":4}`, string(data))
	case <-time.After(5 * time.Second):
		t.Fatal("telemetry not mirrored")
	}

	select {
	case data := <-received:
		t.Fatalf("unexpected message %s", data)
	case <-time.After(200 * time.Millisecond):
	}
}
