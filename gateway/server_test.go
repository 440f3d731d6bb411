package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/exobridge/component"
	"github.com/c360/exobridge/config"
	"github.com/c360/exobridge/errors"
	"github.com/c360/exobridge/health"
	"github.com/c360/exobridge/metric"
	"github.com/c360/exobridge/natsclient"
	"github.com/c360/exobridge/realtime"
	"github.com/c360/exobridge/serial"
	"github.com/c360/exobridge/store"
	"github.com/c360/exobridge/telemetry"
)

const stmPath = "/dev/ttyACM0"

type fixture struct {
	server   *Server
	http     *httptest.Server
	device   *serial.Device
	opener   *serial.MemOpener
	relay    *telemetry.Relay
	hub      *realtime.Hub
	store    *store.MemoryStore
	registry *metric.MetricsRegistry
}

func newFixture(t *testing.T, checks ...HealthCheck) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Serial.ReadTimeout = 5 * time.Millisecond
	cfg.Realtime.PingInterval = time.Second
	registry := metric.NewMetricsRegistry()

	relay, err := telemetry.NewRelay(telemetry.RelayDeps{})
	require.NoError(t, err)

	opener := serial.NewMemOpener(serial.PortInfo{Path: stmPath, USB: true, VID: "0483", Product: "STM32 STLink"})
	device, err := serial.NewDevice(serial.DeviceDeps{Config: cfg.Serial, Opener: opener, Relay: relay})
	require.NoError(t, err)

	hub, err := realtime.NewHub(realtime.HubDeps{Config: cfg.Realtime, Writer: device})
	require.NoError(t, err)
	relay.Subscribe(hub)
	device.OnPortClosed(hub.NotifyPortClosed)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	for _, c := range []component.LifecycleComponent{device, hub} {
		require.NoError(t, c.Initialize())
		require.NoError(t, c.Start(ctx))
	}
	t.Cleanup(func() {
		_ = hub.Stop(time.Second)
		_ = device.Stop(time.Second)
	})

	mem := store.NewMemoryStore()
	srv, err := NewServer(ServerDeps{
		Config:          cfg.HTTP,
		RealtimePath:    cfg.Realtime.Path,
		Realtime:        hub,
		Device:          device,
		Telemetry:       relay,
		Store:           mem,
		Components:      []component.Discoverable{device, hub},
		HealthChecks:    checks,
		MetricsRegistry: registry,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &fixture{
		server: srv, http: ts, device: device, opener: opener,
		relay: relay, hub: hub, store: mem, registry: registry,
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, string) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.http.URL+path, reader)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func TestNewServer_RequiresDependencies(t *testing.T) {
	_, err := NewServer(ServerDeps{})
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestServer_Lifecycle(t *testing.T) {
	component.StandardLifecycleTests(t, func() component.LifecycleComponent {
		relay, err := telemetry.NewRelay(telemetry.RelayDeps{})
		require.NoError(t, err)
		device, err := serial.NewDevice(serial.DeviceDeps{
			Config: config.Default().Serial, Opener: serial.NewMemOpener(), Relay: relay,
		})
		require.NoError(t, err)

		cfg := config.Default().HTTP
		cfg.Port = 0
		srv, err := NewServer(ServerDeps{Config: cfg, Device: device, Telemetry: relay, Store: store.NewMemoryStore()})
		require.NoError(t, err)
		return srv
	})
}

func TestServer_ServesOnListener(t *testing.T) {
	f := newFixture(t)
	cfg := config.Default().HTTP
	cfg.Port = 0
	srv, err := NewServer(ServerDeps{Config: cfg, Device: f.device, Telemetry: f.relay, Store: f.store})
	require.NoError(t, err)

	require.NoError(t, srv.Initialize())
	require.NoError(t, srv.Start(context.Background()))
	addr := srv.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/serial-port")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Stop(time.Second))
	assert.Empty(t, srv.Addr())
	_, err = http.Get("http://" + addr + "/serial-port")
	assert.Error(t, err)
}

func TestInitializeSerialPort(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/initialize-serial-port", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Serial port initialized and ready.", body)

	code, body = f.do(t, http.MethodPost, "/initialize-serial-port", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Serial port already initialized.", body)
	assert.Equal(t, 1, f.opener.Opens())
}

func TestInitializeSerialPort_NotFound(t *testing.T) {
	f := newFixture(t)
	f.opener.FailOpen(errors.WrapInvalid(errors.ErrPortNotFound, "test", "Open", "open"))

	code, body := f.do(t, http.MethodPost, "/initialize-serial-port", "")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "No scanner port found.", body)
}

func TestInitializeSerialPort_OpenError(t *testing.T) {
	f := newFixture(t)
	f.opener.FailOpen(fmt.Errorf("permission denied"))

	code, body := f.do(t, http.MethodPost, "/initialize-serial-port", "")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "Error opening serial port.", body)
	assert.Equal(t, 1, f.server.Health().ErrorCount)
}

func TestCloseSerialPort(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/close-serial-port", "")
	assert.Equal(t, http.StatusOK, code, "closing a closed port is fine")
	assert.Equal(t, "Serial port closed.", body)

	f.do(t, http.MethodPost, "/initialize-serial-port", "")
	require.True(t, f.device.IsOpen())

	code, _ = f.do(t, http.MethodPost, "/close-serial-port", "")
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, f.device.IsOpen())
	assert.True(t, f.opener.Port(stmPath).Closed())
}

func TestSerialStatus(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/initialize-serial-port", "")
	f.opener.Port(stmPath).Inject([]byte(`{"Mode":"Manual"}`))
	require.Eventually(t, func() bool { return f.device.Status().Frames == 1 }, 2*time.Second, 5*time.Millisecond)

	code, body := f.do(t, http.MethodGet, "/serial-port", "")
	require.Equal(t, http.StatusOK, code)

	var status serial.Status
	require.NoError(t, json.Unmarshal([]byte(body), &status))
	assert.True(t, status.Open)
	assert.Equal(t, stmPath, status.Path)
	assert.Equal(t, int64(1), status.Frames)
	assert.Equal(t, 115200, status.BaudRate)
}

func TestHMIButtonClick(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/hmi-button-click", `{"mode":"Manual","action":"Increment","content":"DorsiflexionU"}`)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "Serial port not initialized.", body)

	f.do(t, http.MethodPost, "/initialize-serial-port", "")
	code, body = f.do(t, http.MethodPost, "/hmi-button-click", `{"mode":"Manual","action":"Increment","content":"DorsiflexionU"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Data sent to serial port.", body)
	assert.Equal(t, "{Manual;Increment;DorsiflexionU;}", string(f.opener.Port(stmPath).Written()))
}

func TestHMIButtonClick_InvalidCommand(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/initialize-serial-port", "")

	for _, body := range []string{
		`not json`,
		`{"action":"Increment","content":"Left"}`,
		`{"mode":"Man;ual","action":"Increment","content":"Left"}`,
		`{"mode":"Manual","action":"{Start}","content":"Left"}`,
	} {
		code, resp := f.do(t, http.MethodPost, "/hmi-button-click", body)
		assert.Equal(t, http.StatusBadRequest, code, body)
		assert.Equal(t, "Invalid command.", resp)
	}
	assert.Empty(t, f.opener.Port(stmPath).Written())
}

func TestHMIButtonClick_ModeOnly(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/initialize-serial-port", "")

	code, body := f.do(t, http.MethodPost, "/hmi-button-click", `{"mode":"ChangeSide"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Data sent to serial port.", body)
	assert.Equal(t, "{ChangeSide;;;}", string(f.opener.Port(stmPath).Written()))
}

func TestHMIButtonClick_WriteError(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/initialize-serial-port", "")
	f.opener.Port(stmPath).FailWrites(fmt.Errorf("i/o error"))

	code, body := f.do(t, http.MethodPost, "/hmi-button-click", `{"mode":"Homing","action":"Start","content":"Left"}`)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "Serial Error", body)

	errorsTotal := f.registry.CoreMetrics().ErrorsTotal
	assert.Equal(t, float64(1), testutil.ToFloat64(errorsTotal.WithLabelValues("gateway", "transient")))
}

func TestLatestTelemetry(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/telemetry/latest", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.JSONEq(t, `{"message":"No telemetry received yet."}`, body)

	f.relay.Ingest([]byte(`{"Mode":"Automatic","Repetitions":4}`))

	code, body = f.do(t, http.MethodGet, "/telemetry/latest", "")
	require.Equal(t, http.StatusOK, code)
	var resp struct {
		ReceivedAt time.Time       `json:"received_at"`
		Data       json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	assert.False(t, resp.ReceivedAt.IsZero())
	assert.JSONEq(t, `{"Mode":"Automatic","Repetitions":4}`, string(resp.Data))
}

func TestPlans(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/plans/patient-1", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.JSONEq(t, `{"message":"No plan found for this user.","data":null}`, body)

	code, body = f.do(t, http.MethodPost, "/plans", `{"user_id":"patient-1","plan":[{"exercise":"eversion","repetitions":6}]}`)
	require.Equal(t, http.StatusOK, code)
	var posted struct {
		Message string       `json:"message"`
		Data    []store.Plan `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &posted))
	assert.Equal(t, "Success sending plan", posted.Message)
	require.Len(t, posted.Data, 1)
	assert.Equal(t, "patient-1", posted.Data[0].UserID)
	assert.NotEmpty(t, posted.Data[0].ID)

	code, body = f.do(t, http.MethodGet, "/plans/patient-1", "")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"plan":[{"exercise":"eversion","repetitions":6}]}`, body)
}

func TestPostPlan_Rejections(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name    string
		body    string
		message string
	}{
		{"missing user", `{"plan":[]}`, "Plan and user_id are required."},
		{"missing plan", `{"user_id":"patient-1"}`, "Plan and user_id are required."},
		{"null plan", `{"user_id":"patient-1","plan":null}`, "Plan and user_id are required."},
		{"malformed body", `{"user_id":`, "Plan and user_id are required."},
		{"schema violation", `{"user_id":"patient-1","plan":[{"repetitions":-2}]}`, "Invalid plan."},
		{"bad user id", `{"user_id":"a.b","plan":[]}`, "Invalid plan."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := f.do(t, http.MethodPost, "/plans", tt.body)
			assert.Equal(t, http.StatusBadRequest, code)
			var resp map[string]any
			require.NoError(t, json.Unmarshal([]byte(body), &resp))
			assert.Equal(t, tt.message, resp["message"])
		})
	}
}

func TestGetPlan_InvalidUser(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, http.MethodGet, "/plans/bad*user", "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.JSONEq(t, `{"message":"User ID is required.","data":null}`, body)
}

func TestExerciseData(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/exercise-data", `{"date":"2024-03-01","user_id":"patient-1","rated_pain":3}`)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"success":true,"message":"Exercise data sent successfully"}`, body)

	today := time.Now().UTC().Format(time.DateOnly)
	code, body = f.do(t, http.MethodGet, "/exercise-data/patient-1?start_date="+today+"&end_date="+today, "")
	require.Equal(t, http.StatusOK, code)
	var recs []store.ExerciseData
	require.NoError(t, json.Unmarshal([]byte(body), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, 3, recs[0].RatedPain)
	assert.Equal(t, "2024-03-01", recs[0].Date)

	code, body = f.do(t, http.MethodGet, "/exercise-data/id/"+recs[0].ID, "")
	require.Equal(t, http.StatusOK, code)
	var rec store.ExerciseData
	require.NoError(t, json.Unmarshal([]byte(body), &rec))
	assert.Equal(t, recs[0].ID, rec.ID)

	code, body = f.do(t, http.MethodGet, "/exercise-data/id/00000000-0000-0000-0000-000000000000", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.JSONEq(t, `{"message":"Exercise data not found"}`, body)
}

func TestExerciseDataRange_Parameters(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name  string
		query string
		code  int
	}{
		{"missing both", "", http.StatusBadRequest},
		{"missing end", "?start_date=2024-03-01", http.StatusBadRequest},
		{"bad start", "?start_date=yesterday&end_date=2024-03-01", http.StatusBadRequest},
		{"bad end", "?start_date=2024-03-01&end_date=03/02/2024", http.StatusBadRequest},
		{"reversed", "?start_date=2024-03-02&end_date=2024-03-01", http.StatusBadRequest},
		{"rfc3339", "?start_date=2024-03-01T00:00:00Z&end_date=2024-03-02T00:00:00Z", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := f.do(t, http.MethodGet, "/exercise-data/patient-1"+tt.query, "")
			assert.Equal(t, tt.code, code, body)
		})
	}

	code, body := f.do(t, http.MethodGet, "/exercise-data/patient-1?start_date=2024-03-01&end_date=2024-03-02", "")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, body)
}

func TestPostExerciseData_Rejections(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/exercise-data", `{"user_id":"patient-1"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.JSONEq(t, `{"success":false,"message":"Missing required parameters"}`, body)

	code, body = f.do(t, http.MethodPost, "/exercise-data", `{"user_id":"patient-1","rated_pain":42}`)
	assert.Equal(t, http.StatusBadRequest, code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	assert.Equal(t, false, resp["success"])
	assert.Contains(t, resp["error"], "rated_pain")
}

func TestParseDate(t *testing.T) {
	start, err := parseDate("2024-03-01", false)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), start)

	end, err := parseDate("2024-03-01", true)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 23, 59, 59, 999999999, time.UTC), end)

	exact, err := parseDate("2024-03-01T10:30:00+02:00", true)
	require.NoError(t, err)
	assert.True(t, exact.Equal(time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)))
}

func TestCORS(t *testing.T) {
	f := newFixture(t)

	req, err := http.NewRequest(http.MethodOptions, f.http.URL+"/plans", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:1337")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
}

func TestRequestID(t *testing.T) {
	f := newFixture(t)

	req, err := http.NewRequest(http.MethodGet, f.http.URL+"/serial-port", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "abc123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "abc123", resp.Header.Get("X-Request-ID"))

	resp, err = http.Get(f.http.URL + "/serial-port")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Len(t, resp.Header.Get("X-Request-ID"), 16)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, StoreHealthCheck("memory", nil))

	code, body := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	var status health.Status
	require.NoError(t, json.Unmarshal([]byte(body), &status))
	assert.Equal(t, "healthy", status.Status)
	require.Len(t, status.SubStatuses, 3)
	assert.Equal(t, "store", status.SubStatuses[2].Component)
}

type natsState natsclient.ConnectionStatus

func (s natsState) Status() natsclient.ConnectionStatus { return natsclient.ConnectionStatus(s) }

func TestHealth_NATS(t *testing.T) {
	tests := []struct {
		state natsclient.ConnectionStatus
		want  string
		code  int
	}{
		{natsclient.StatusConnected, "healthy", http.StatusOK},
		{natsclient.StatusReconnecting, "degraded", http.StatusOK},
		{natsclient.StatusCircuitOpen, "unhealthy", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			conn := natsState(tt.state)
			f := newFixture(t, NATSHealthCheck(conn), StoreHealthCheck("kv", conn))

			code, body := f.do(t, http.MethodGet, "/health", "")
			assert.Equal(t, tt.code, code)
			var status health.Status
			require.NoError(t, json.Unmarshal([]byte(body), &status))
			assert.Equal(t, tt.want, status.Status)
		})
	}
}

func TestRealtimeMounted(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/socket"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	// planData from the panel reaches the port
	f.do(t, http.MethodPost, "/initialize-serial-port", "")
	require.NoError(t, conn.WriteJSON(realtime.Envelope{Type: realtime.EventPlanData, Payload: json.RawMessage(`"{Automatic;Start;2;}"`)}))
	require.Eventually(t, func() bool {
		return string(f.opener.Port(stmPath).Written()) == "{Automatic;Start;2;}"
	}, 2*time.Second, 5*time.Millisecond)

	// telemetry from the port reaches the panel
	f.opener.Port(stmPath).Inject([]byte(`{"Mode":"Automatic"}`))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env realtime.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, realtime.EventTelemetry, env.Type)
	assert.JSONEq(t, `{"Mode":"Automatic"}`, string(env.Payload))

	// closing the port notifies the panel
	f.do(t, http.MethodPost, "/close-serial-port", "")
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, realtime.EventPortClosed, env.Type)
	assert.Equal(t, `"Serial port closed"`, string(env.Payload))
}

func TestRecoverPanics(t *testing.T) {
	f := newFixture(t)
	h := f.server.recoverPanics(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 1, f.server.Health().ErrorCount)
}

func TestHTTPMetrics(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/plans/patient-1", "")

	core := f.registry.CoreMetrics()
	assert.Equal(t, float64(1), testutil.ToFloat64(core.HTTPRequests.WithLabelValues("GET", "/plans/{userId}", "404")))
}
