// run-projector materializes the read-only projection view from the
// mailstore's event and tool-audit history, looping at a poll interval
// until stopped, or running exactly once with --once.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ocx/swarm/internal/config"
	"github.com/ocx/swarm/internal/mailstore"
	"github.com/ocx/swarm/internal/metrics"
	"github.com/ocx/swarm/internal/projection"
)

func main() {
	dbPath := flag.String("db", "", "path to the mailstore database file")
	viewPath := flag.String("view", "", "path to the projection view file")
	once := flag.Bool("once", false, "run a single cycle and exit")
	pollInterval := flag.Duration("poll-interval", time.Second, "cycle interval when not running --once")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	metricsAddr := flag.String("metrics-addr", "", "address to serve /metrics on (empty disables)")
	configPath := flag.String("config", "", "optional YAML config file providing defaults for unset flags")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))
	slog.SetDefault(log)

	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Error("load config", "error", err)
			os.Exit(2)
		}
		if *dbPath == "" {
			*dbPath = cfg.MailStore.Path
		}
		if *viewPath == "" {
			*viewPath = cfg.Projection.ViewPath
		}
		if *metricsAddr == "" {
			*metricsAddr = cfg.Metrics.Addr
		}
	}

	if *dbPath == "" || *viewPath == "" {
		log.Error("--db and --view are required")
		os.Exit(2)
	}

	store, err := mailstore.Open(*dbPath)
	if err != nil {
		log.Error("open mailstore", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	reg := metrics.New()
	mat := projection.New(store, *viewPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := metrics.Serve(ctx, *metricsAddr, log); err != nil {
			log.Warn("metrics server error", "error", err)
		}
	}()

	if *once {
		if err := runCycle(ctx, mat, reg, log); err != nil {
			log.Error("cycle failed", "error", err)
			os.Exit(1)
		}
		return
	}

	ticker := time.NewTicker(*pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("run-projector stopping")
			return
		case <-ticker.C:
			if err := runCycle(ctx, mat, reg, log); err != nil {
				log.Warn("cycle failed", "error", err)
			}
		}
	}
}

func runCycle(ctx context.Context, mat *projection.Materializer, reg *metrics.Registry, log *slog.Logger) error {
	start := time.Now()
	view, err := mat.Cycle(ctx)
	reg.ProjectionCycle.Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	log.Debug("cycle complete", "queue_size", view.EventQueueSize, "workers", len(view.Workers))
	return nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
