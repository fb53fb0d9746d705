// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"github.com/absmach/fluxlog/config"
	"github.com/absmach/fluxlog/core"
	"github.com/absmach/fluxlog/destination"
	"github.com/absmach/fluxlog/destination/coapdest"
	"github.com/absmach/fluxlog/destination/httpdest"
	"github.com/absmach/fluxlog/destination/mqttdest"
	"github.com/absmach/fluxlog/destination/wsdest"
	"github.com/absmach/fluxlog/ratelimit"
	"github.com/absmach/fluxlog/server/api"
	"github.com/absmach/fluxlog/server/health"
	"github.com/absmach/fluxlog/spool"
	"github.com/absmach/fluxlog/telemetry"
	"github.com/absmach/fluxlog/writer"
)

const version = "0.1.0"

// maxLineBytes bounds a single stdin log line.
const maxLineBytes = 1 << 20

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("fluxlog " + version)
		return
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup logging
	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	instance := uuid.NewString()

	slog.Info("Starting fluxlog", "version", version, "instance", instance)
	slog.Info("Configuration loaded",
		"destination_type", cfg.Destination.Type,
		"queue_capacity", cfg.Queue.Capacity,
		"discard_policy", cfg.Queue.DiscardPolicy,
		"batch_delay", cfg.Writer.BatchDelay,
		"spool_enabled", cfg.Spool.Enabled,
		"log_level", cfg.Log.Level)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Telemetry
	telemetryShutdown, err := telemetry.InitProvider(ctx, cfg.Telemetry, instance)
	if err != nil {
		slog.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := telemetryShutdown(context.Background()); err != nil {
			slog.Warn("Telemetry shutdown failed", "error", err)
		}
	}()

	var metrics *telemetry.Metrics
	if cfg.Telemetry.Enabled {
		metrics, err = telemetry.NewMetrics()
		if err != nil {
			slog.Error("Failed to create metric instruments", "error", err)
			os.Exit(1)
		}
	}

	// Destination adapter
	var dest destination.Destination
	switch cfg.Destination.Type {
	case config.DestinationHTTP:
		dest, err = httpdest.New(cfg.Destination.HTTP, logger)
	case config.DestinationMQTT:
		dest, err = mqttdest.New(cfg.Destination.MQTT, logger)
	case config.DestinationWebSocket:
		dest, err = wsdest.New(cfg.Destination.WebSocket, logger)
	case config.DestinationCoAP:
		dest, err = coapdest.New(cfg.Destination.CoAP, logger)
	default:
		slog.Error("Unknown destination type", "type", cfg.Destination.Type)
		os.Exit(1)
	}
	if err != nil {
		slog.Error("Failed to create destination", "type", cfg.Destination.Type, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dest.Close(); err != nil {
			slog.Warn("Destination close failed", "error", err)
		}
	}()
	slog.Info("Destination configured", "name", dest.Name())

	// Overflow spool
	var sp *spool.Spool
	if cfg.Spool.Enabled {
		sp, err = spool.Open(cfg.Spool, logger)
		if err != nil {
			slog.Error("Failed to open spool", "dir", cfg.Spool.Dir, "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := sp.Close(); err != nil {
				slog.Warn("Spool close failed", "error", err)
			}
		}()
		slog.Info("Spool open", "dir", cfg.Spool.Dir, "pending", sp.Len())
	}

	// Batch writer
	w, err := writer.New(cfg.ToWriterConfig(), dest, writer.Dependencies{
		Limiter: ratelimit.New(cfg.RateLimit),
		Spool:   sp,
		Metrics: metrics,
	}, logger)
	if err != nil {
		slog.Error("Failed to create writer", "error", err)
		os.Exit(1)
	}
	if err := w.Start(ctx); err != nil {
		slog.Error("Failed to start writer", "error", err)
		os.Exit(1)
	}
	if !w.WaitUntilInitialized(cfg.Writer.InitTimeout) {
		slog.Error("Destination initialization did not complete",
			"destination", dest.Name(), "timeout", cfg.Writer.InitTimeout)
		if rec := w.LastError(); rec != nil {
			slog.Error("Last initialization error", "error", rec.Message)
		}
		os.Exit(1)
	}

	var wg sync.WaitGroup

	// Health endpoint
	if cfg.Server.HealthEnabled {
		hs := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, w, instance, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := hs.Listen(ctx); err != nil {
				slog.Error("Health server failed", "error", err)
			}
		}()
	}

	// Admin API
	if cfg.Server.APIEnabled {
		as := api.New(api.Config{
			Address:         cfg.Server.APIAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, w, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := as.Listen(ctx); err != nil {
				slog.Error("API server failed", "error", err)
			}
		}()
	}

	// Producer: one log message per stdin line. EOF means the upstream
	// pipe closed, so drain and shut down. Not tracked by the wait
	// group: a signal-driven shutdown must not wait on a read from a
	// still-open stdin.
	go func() {
		defer cancel()
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			w.AddMessage(core.NewMessageString(line))
			if ctx.Err() != nil {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			slog.Warn("Input read failed", "error", err)
		}
		slog.Info("Input closed, shutting down")
	}()

	<-ctx.Done()
	slog.Info("Shutting down")

	w.Stop()
	if !w.WaitUntilStopped(cfg.Writer.ShutdownTimeout + cfg.Server.ShutdownTimeout) {
		slog.Warn("Writer did not stop within timeout")
	}
	wg.Wait()

	stats := w.Stats()
	slog.Info("Writer stopped",
		"messages_sent", stats.MessagesSent,
		"messages_discarded", stats.MessagesDiscarded,
		"messages_spooled", stats.MessagesSpooled,
		"batches_sent", stats.BatchesSent)
}
