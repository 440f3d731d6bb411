// Package main runs exobridge, the serial bridge between an ankle
// exoskeleton's microcontroller and its web control panel.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/c360/exobridge/config"
	"github.com/c360/exobridge/serial"
)

// Build information constants
const (
	Version   = "1.0.0"
	BuildTime = "dev"
	appName   = "exobridge"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	flagSet := flag.NewFlagSet(appName, flag.ContinueOnError)
	cliCfg, err := parseFlags(flagSet, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse flags: %w", err)
	}

	// Flag defaults read the environment, so .env values only reach the
	// config loader, not the flags themselves.
	if err := loadEnvFile(cliCfg.EnvFile); err != nil {
		return err
	}

	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp(flagSet)
		return nil
	}

	logger := setupLogger(os.Stdout, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		fmt.Println(cfg.String())
		slog.Info("Configuration is valid")
		return nil
	}

	// The NATS drain uses the same budget as the HTTP shutdown.
	if cliCfg.ShutdownTimeout > 0 {
		cfg.HTTP.ShutdownTimeout = cliCfg.ShutdownTimeout
	}
	shutdownTimeout := cfg.HTTP.ShutdownTimeout

	slog.Info("Starting exobridge",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath,
		"http_port", cfg.HTTP.Port,
		"storage", cfg.Storage.Mode,
		"nats", cfg.NATS.Enabled)

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	a, err := newApp(signalCtx, cfg, logger, serial.SystemOpener{})
	if err != nil {
		return err
	}
	return runWithSignalHandling(signalCtx, a, shutdownTimeout)
}

func runWithSignalHandling(ctx context.Context, a *app, shutdownTimeout time.Duration) error {
	if err := a.start(ctx); err != nil {
		_ = a.stop(shutdownTimeout)
		return fmt.Errorf("start: %w", err)
	}
	slog.Info("exobridge started", "http", a.gateway.Addr(), "realtime_path", a.cfg.Realtime.Path)

	<-ctx.Done()
	slog.Info("Received shutdown signal")

	if err := a.stop(shutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	slog.Info("exobridge shutdown complete")
	return nil
}

// loadEnvFile loads a dotenv file without overriding variables already set.
// A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// loadConfig layers the optional file over defaults, then the environment.
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader.AddLayer(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
