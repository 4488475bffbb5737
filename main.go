package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/atvbridge/atvbridge/internal/atvtool"
	"github.com/atvbridge/atvbridge/internal/backend"
	"github.com/atvbridge/atvbridge/internal/buildinfo"
	"github.com/atvbridge/atvbridge/internal/companion"
	"github.com/atvbridge/atvbridge/internal/config"
	"github.com/atvbridge/atvbridge/internal/ctlserver"
	"github.com/atvbridge/atvbridge/internal/device"
	"github.com/atvbridge/atvbridge/internal/diagnostics"
	"github.com/atvbridge/atvbridge/internal/discovery"
	"github.com/atvbridge/atvbridge/internal/domain"
	"github.com/atvbridge/atvbridge/internal/lifecycle"
	"github.com/atvbridge/atvbridge/internal/pairing"
)

type selfTestOutput struct {
	Server struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"server"`
	Dependencies diagnostics.DependencyReport `json:"dependencies"`
}

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	selfTest := flag.Bool("self-test", false, "run dependency diagnostics then exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(buildinfo.Version)
		return
	}

	if *selfTest {
		out := selfTestOutput{Dependencies: diagnostics.DetectDependencies()}
		out.Server.Name = "atvbridge"
		out.Server.Version = buildinfo.Version

		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(out); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	settings, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logLevel := parseLogLevel(settings.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	logger.Info(
		"atvbridge_start",
		slog.String("version", buildinfo.Version),
		slog.String("log_level", logLevel.String()),
		slog.Int("devices", len(settings.Devices)),
	)

	runCtx, stopSignals := signal.NotifyContext(context.Background(), lifecycle.TerminationSignals()...)
	defer stopSignals()

	cliFactory := atvtool.Factory(logger)
	companionFactory := companion.Factory(logger)
	factoryFor := func(cfg domain.DeviceConfig) backend.Factory {
		if cfg.Transport == domain.TransportCompanion {
			return companionFactory
		}
		return cliFactory
	}

	sink := device.NewMemorySink()
	managers := map[string]ctlserver.DeviceController{}
	for _, cfg := range settings.Devices {
		manager := device.NewManager(cfg, factoryFor(cfg), sink, logger)
		managers[cfg.Identifier()] = manager
		if err := manager.Connect(runCtx); err != nil {
			logger.Warn("initial connect failed",
				slog.String("device", cfg.Identifier()),
				slog.String("error", err.Error()))
		}
	}

	registry := pairing.NewRegistry(cliFactory, logger)
	scanBackend := atvtool.New(domain.DeviceConfig{}, logger)
	scanner := discovery.NewService(scanBackend)

	srv := ctlserver.New(os.Stdin, os.Stdout, ctlserver.Config{
		Logger:  logger,
		Devices: managers,
		Pairer:  registry,
		Scanner: scanner,
	})

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- srv.Run(runCtx)
	}()

	var runErr error
	select {
	case runErr = <-runErrCh:
	case <-runCtx.Done():
		runErr = runCtx.Err()
	}
	if runErr != nil {
		logger.Warn("atvbridge_stopping", slog.String("reason", runErr.Error()))
	} else {
		logger.Info("atvbridge_stopping", slog.String("reason", "clean_eof"))
	}

	registry.Close()
	for _, controller := range managers {
		controller.Disconnect()
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		fmt.Fprintln(os.Stderr, runErr)
		os.Exit(1)
	}
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		fmt.Fprintf(os.Stderr, "invalid log_level=%q; defaulting to info\n", raw)
		return slog.LevelInfo
	}
}
