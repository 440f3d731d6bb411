package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360/exobridge/component"
	"github.com/c360/exobridge/config"
	"github.com/c360/exobridge/framing"
	"github.com/c360/exobridge/gateway"
	"github.com/c360/exobridge/metric"
	"github.com/c360/exobridge/natsclient"
	"github.com/c360/exobridge/realtime"
	"github.com/c360/exobridge/serial"
	"github.com/c360/exobridge/store"
	"github.com/c360/exobridge/telemetry"
)

// app is the wired bridge. Components start in order and stop in reverse.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry

	nats    *natsclient.Client
	relay   *telemetry.Relay
	device  *serial.Device
	hub     *realtime.Hub
	mirror  *telemetry.NATSMirror
	store   store.Store
	gateway *gateway.Server
	metrics *metric.Server

	components []component.LifecycleComponent
}

// newApp builds every component. NATS is connected here because the KV
// store needs its buckets before the gateway exists.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opener serial.Opener) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: metric.NewMetricsRegistry(),
	}

	if cfg.NATS.Enabled {
		if err := a.connectNATS(ctx); err != nil {
			return nil, err
		}
	}

	var err error
	a.relay, err = telemetry.NewRelay(telemetry.RelayDeps{
		Logger:          logger,
		MetricsRegistry: a.registry,
		ScannerOptions: []framing.Option{
			framing.WithMaxBytes(cfg.Serial.MaxFrameBytes),
			framing.WithStringAware(cfg.Serial.StringAware),
		},
	})
	if err != nil {
		return nil, a.fail(fmt.Errorf("create relay: %w", err))
	}

	a.device, err = serial.NewDevice(serial.DeviceDeps{
		Config:          cfg.Serial,
		Opener:          opener,
		Relay:           a.relay,
		Logger:          logger,
		MetricsRegistry: a.registry,
	})
	if err != nil {
		return nil, a.fail(fmt.Errorf("create serial device: %w", err))
	}

	a.hub, err = realtime.NewHub(realtime.HubDeps{
		Config:          cfg.Realtime,
		Writer:          a.device,
		Logger:          logger,
		MetricsRegistry: a.registry,
	})
	if err != nil {
		return nil, a.fail(fmt.Errorf("create realtime hub: %w", err))
	}
	a.relay.Subscribe(a.hub)
	a.device.OnPortClosed(a.hub.NotifyPortClosed)

	if a.nats != nil {
		a.mirror, err = telemetry.NewNATSMirror(telemetry.NATSMirrorDeps{
			Client:          a.nats,
			Subject:         cfg.NATS.TelemetrySubject,
			Logger:          logger,
			MetricsRegistry: a.registry,
		})
		if err != nil {
			return nil, a.fail(fmt.Errorf("create telemetry mirror: %w", err))
		}
		a.relay.Subscribe(a.mirror)
	}

	var checks []gateway.HealthCheck
	switch cfg.Storage.Mode {
	case config.StorageModeKV:
		kv, err := store.OpenKVStore(ctx, a.nats, logger)
		if err != nil {
			return nil, a.fail(fmt.Errorf("open kv store: %w", err))
		}
		a.store = kv
		checks = append(checks, gateway.StoreHealthCheck(config.StorageModeKV, a.nats))
	default:
		a.store = store.NewMemoryStore()
		checks = append(checks, gateway.StoreHealthCheck(config.StorageModeMemory, nil))
	}
	if a.nats != nil {
		checks = append(checks, gateway.NATSHealthCheck(a.nats))
	}

	discoverable := []component.Discoverable{a.device, a.hub}
	if a.mirror != nil {
		discoverable = append(discoverable, a.mirror)
	}

	a.gateway, err = gateway.NewServer(gateway.ServerDeps{
		Config:          cfg.HTTP,
		RealtimePath:    cfg.Realtime.Path,
		Realtime:        a.hub,
		Device:          a.device,
		Telemetry:       a.relay,
		Store:           a.store,
		Components:      discoverable,
		HealthChecks:    checks,
		Logger:          logger,
		MetricsRegistry: a.registry,
	})
	if err != nil {
		return nil, a.fail(fmt.Errorf("create gateway: %w", err))
	}

	if a.mirror != nil {
		a.components = append(a.components, a.mirror)
	}
	a.components = append(a.components, a.device, a.hub, a.gateway)

	if cfg.Metrics.Enabled {
		a.metrics = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, a.registry)
	}
	return a, nil
}

func (a *app) connectNATS(ctx context.Context) error {
	opts := []natsclient.ClientOption{
		natsclient.WithName(a.cfg.NATS.Name),
		natsclient.WithMaxReconnects(a.cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(a.cfg.NATS.ReconnectWait),
		natsclient.WithPingInterval(a.cfg.NATS.PingInterval),
		natsclient.WithDrainTimeout(a.cfg.HTTP.ShutdownTimeout),
		natsclient.WithLogger(a.logger),
		natsclient.WithMetrics(a.registry),
		natsclient.WithDisconnectCallback(a.onNATSDisconnect),
		natsclient.WithHealthChangeCallback(a.onNATSHealthChange),
	}
	if a.cfg.NATS.Credentials != "" {
		opts = append(opts, natsclient.WithCredentialsFile(a.cfg.NATS.Credentials))
	}

	client, err := natsclient.NewClient(strings.Join(a.cfg.NATS.URLs, ","), opts...)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}

	a.logger.Info("Connecting to NATS", "urls", a.cfg.NATS.URLs)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		_ = client.Close(context.Background())
		return fmt.Errorf("NATS connection timeout: %w", err)
	}

	a.nats = client
	return nil
}

func (a *app) onNATSDisconnect(error) {
	a.registry.CoreMetrics().RecordError("nats", "disconnect")
}

func (a *app) onNATSHealthChange(healthy bool) {
	a.registry.CoreMetrics().RecordHealthStatus("nats", healthy)
}

// fail releases the NATS connection when construction stops half way.
func (a *app) fail(err error) error {
	if a.nats != nil {
		_ = a.nats.Close(context.Background())
	}
	return err
}

// start initializes and starts every component, rolling back on failure.
func (a *app) start(ctx context.Context) error {
	core := a.registry.CoreMetrics()
	for i, c := range a.components {
		name := c.Meta().Name
		core.RecordServiceStatus(name, metric.ServiceStarting)
		if err := c.Initialize(); err != nil {
			core.RecordServiceStatus(name, metric.ServiceFailed)
			a.stopComponents(a.components[:i], 5*time.Second)
			return fmt.Errorf("initialize %s: %w", name, err)
		}
		if err := c.Start(ctx); err != nil {
			core.RecordServiceStatus(name, metric.ServiceFailed)
			a.stopComponents(a.components[:i], 5*time.Second)
			return fmt.Errorf("start %s: %w", name, err)
		}
		core.RecordServiceStatus(name, metric.ServiceRunning)
		a.logger.Debug("Component started", "component", name)
	}

	if a.metrics != nil {
		go func() {
			if err := a.metrics.Start(); err != nil {
				a.logger.Error("Metrics server failed", "error", err)
			}
		}()
		a.logger.Info("Metrics server starting", "address", a.metrics.Address())
	}
	return nil
}

// stop shuts components down in reverse start order, then drains NATS.
func (a *app) stop(timeout time.Duration) error {
	var firstErr error
	if a.metrics != nil {
		if err := a.metrics.Stop(timeout); err != nil {
			firstErr = err
		}
	}
	if err := a.stopComponents(a.components, timeout); err != nil && firstErr == nil {
		firstErr = err
	}
	if a.nats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := a.nats.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (a *app) stopComponents(list []component.LifecycleComponent, timeout time.Duration) error {
	core := a.registry.CoreMetrics()
	var firstErr error
	for i := len(list) - 1; i >= 0; i-- {
		c := list[i]
		name := c.Meta().Name
		core.RecordServiceStatus(name, metric.ServiceStopping)
		if err := c.Stop(timeout); err != nil {
			core.RecordServiceStatus(name, metric.ServiceFailed)
			a.logger.Error("Component stop failed", "component", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		core.RecordServiceStatus(name, metric.ServiceStopped)
	}
	return firstErr
}
