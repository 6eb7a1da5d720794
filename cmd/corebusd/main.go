// Package main implements the corebus daemon: a host process wiring the
// message dispatch core to its infrastructure. The daemon loads
// configuration, connects the event store backend, starts the bus and
// serves metrics until terminated. Application entity types register
// through the embedding build; a bare daemon runs the infrastructure
// with an empty routing table.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/corebus/config"
	"github.com/c360/corebus/dispatch"
	"github.com/c360/corebus/metric"
)

const appName = "corebusd"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to JSON config file")
	validateOnly := flag.Bool("validate", false, "validate configuration and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if *validateOnly {
		logger.Info("configuration is valid")
		return nil
	}

	logger.Info("starting",
		"app", appName,
		"shards", cfg.Bus.Shards,
		"store", cfg.Store.Backend)

	registry := metric.NewRegistry()

	var nc *nats.Conn
	if cfg.Store.Backend == "nats" {
		nc, err = nats.Connect(cfg.Store.NATSURL,
			nats.Name(appName),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()
		logger.Info("connected to nats", "url", cfg.Store.NATSURL)
	}

	busOpts := []dispatch.BusOption{
		dispatch.WithShards(cfg.Bus.Shards),
		dispatch.WithQueueSize(cfg.Bus.QueueSize),
		dispatch.WithLogger(logger),
		dispatch.WithMetricsRegistry(registry),
	}
	if cfg.Watcher.Enabled && nc != nil {
		sink, err := dispatch.NewNATSSink(nc,
			dispatch.WithSubjectPrefix(cfg.Watcher.SubjectPrefix))
		if err != nil {
			return err
		}
		busOpts = append(busOpts, dispatch.WithWatcher(dispatch.NewWatcher(sink,
			dispatch.WithWatcherLogger(logger),
			dispatch.WithBreaker(cfg.Watcher.FailureThreshold, cfg.Watcher.Cooldown.Std()))))
	}

	bus, err := dispatch.NewBus(busOpts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bus.Start(ctx); err != nil {
		return err
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(
			registry.PrometheusRegistry(), promhttp.HandlerOpts{}))
		metricsServer = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("metrics listening", "addr", cfg.Metrics.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Shutdown(shutdownCtx)
		cancel()
	}
	if err := bus.Stop(cfg.Bus.StopTimeout.Std()); err != nil {
		logger.Warn("bus drain incomplete", "error", err)
	}
	logger.Info("stopped")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
