// run-governance consumes the projection's materialized view, deriving
// trust/reputation outcomes from each (previous, current) view delta,
// running boardroom arbitration and water-cooler propagation as it goes,
// and appending every change to the hash-chained audit ledger.
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
	"github.com/ocx/swarm/internal/governance"
	"github.com/ocx/swarm/internal/metrics"
	"github.com/ocx/swarm/internal/projection"
)

func main() {
	viewPath := flag.String("view", "", "path to the projection view file")
	registryPath := flag.String("registry", "", "path to the governance registry file")
	ledgerPath := flag.String("ledger", "", "path to the append-only ledger file")
	once := flag.Bool("once", false, "run a single cycle and exit")
	pollInterval := flag.Duration("poll-interval", 2*time.Second, "cycle interval when not running --once")
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
		if *viewPath == "" {
			*viewPath = cfg.Governance.ViewPath
		}
		if *registryPath == "" {
			*registryPath = cfg.Governance.RegistryPath
		}
		if *ledgerPath == "" {
			*ledgerPath = cfg.Governance.LedgerPath
		}
		if *metricsAddr == "" {
			*metricsAddr = cfg.Metrics.Addr
		}
	}

	if *viewPath == "" || *registryPath == "" || *ledgerPath == "" {
		log.Error("--view, --registry, and --ledger are required")
		os.Exit(2)
	}

	materializer := projection.New(nil, *viewPath)

	registry, err := governance.LoadRegistry(*registryPath)
	if err != nil {
		log.Error("load registry", "error", err)
		os.Exit(1)
	}

	ledger, err := governance.OpenLedger(*ledgerPath)
	if err != nil {
		log.Error("open ledger", "error", err)
		os.Exit(1)
	}
	defer ledger.Close()

	if valid, err := ledger.Validate(); err != nil || !valid {
		log.Error("ledger chain invalid at startup", "error", err)
		os.Exit(1)
	}

	reg := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := metrics.Serve(ctx, *metricsAddr, log); err != nil {
			log.Warn("metrics server error", "error", err)
		}
	}()

	runAndSave := func() error {
		current, err := materializer.Load()
		if err != nil {
			return err
		}
		previous := registry.LastProcessedView
		if previous == nil {
			previous = &projection.View{}
		}

		start := time.Now()
		result, err := governance.Cycle(previous, current, registry, ledger)
		reg.GovernanceCycle.Observe(time.Since(start).Seconds())
		if err != nil {
			return err
		}
		reg.RegistryVersion.Set(float64(registry.Version))
		reg.QuarantineCount.Set(float64(len(result.Quarantined)))
		reg.StabilityMetric.Set(result.StabilityMetric)
		log.Debug("cycle complete", "events_seen", result.EventsSeen, "tool_audit_delta", result.ToolAuditDelta, "quarantined", result.Quarantined)
		return registry.Save(*registryPath)
	}

	if *once {
		if err := runAndSave(); err != nil {
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
			log.Info("run-governance stopping")
			return
		case <-ticker.C:
			if err := runAndSave(); err != nil {
				log.Error("cycle failed, halting", "error", err)
				os.Exit(1)
			}
		}
	}
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
