// Package main implements the connectgate binary, which serves GraphQL
// contracts discovered from a directory or a NATS KV bucket as Connect,
// gRPC and gRPC-Web procedures.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/c360/connectgate/config"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "connectgate"
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

	if err := run(context.Background(), os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cliCfg, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		cliCfg.usage()
		return nil
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	logger := setupLogger(os.Stdout, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return err
	}

	slog.Info("Starting connectgate",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath,
		"source", cfg.Discovery.Source)

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(signalCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(cliCfg.ShutdownTimeout)

	if cliCfg.Validate {
		return a.validate(signalCtx, os.Stdout)
	}
	if cliCfg.Probe != "" {
		return a.probe(signalCtx, os.Stdout, cliCfg.Probe, cliCfg.ProbeInput, cliCfg.ProbeURL)
	}

	// Without a registry the process does not serve at all
	if _, err := a.holder.Initialize(signalCtx); err != nil {
		return fmt.Errorf("initial contract discovery: %w", err)
	}

	if err := a.setupServing(signalCtx); err != nil {
		return err
	}
	if err := a.serve(signalCtx, cliCfg.ShutdownTimeout); err != nil {
		return err
	}

	slog.Info("connectgate shutdown complete")
	return nil
}

// loadConfig loads and validates the configuration file, applying
// CONNECTGATE_* environment overrides.
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	loader.EnableValidation(true)
	cfg, err := loader.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
