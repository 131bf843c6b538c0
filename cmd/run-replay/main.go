// run-replay proves the governance engine is deterministic: it runs two
// independent passes over the same mailstore history from the same
// agent-definition seed and checks that both land on an identical,
// hash-chain-valid, reconstructible registry.
//
// --views names the mailstore database the engine replays from. The
// harness runs a fresh projection materializer against that history in
// each of its two temp working directories, stepping it view-to-view and
// feeding consecutive (previous, current) snapshots into governance.Cycle
// exactly as the live run-governance poll loop does, rather than reading
// a separately serialized view file from disk.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/ocx/swarm/internal/config"
	"github.com/ocx/swarm/internal/replay"
)

type definitions struct {
	Agents []string `json:"agents"`
}

func main() {
	definitionsPath := flag.String("definitions", "", "path to a JSON file with {\"agents\": [...]}")
	viewsPath := flag.String("views", "", "path to the mailstore database to replay")
	registryPath := flag.String("registry", "", "path to write the first run's final registry snapshot")
	ledgerPath := flag.String("ledger", "", "unused placeholder for CLI-surface parity; the harness uses throwaway ledgers internally")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	configPath := flag.String("config", "", "optional YAML config file providing defaults for unset flags")
	flag.Parse()
	_ = ledgerPath

	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))
	slog.SetDefault(log)

	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Error("load config", "error", err)
			os.Exit(2)
		}
		if *viewsPath == "" {
			*viewsPath = cfg.MailStore.Path
		}
		if *registryPath == "" {
			*registryPath = cfg.Governance.RegistryPath
		}
	}

	if *definitionsPath == "" || *viewsPath == "" {
		log.Error("--definitions and --views are required")
		os.Exit(2)
	}

	defBytes, err := os.ReadFile(*definitionsPath)
	if err != nil {
		log.Error("read definitions", "error", err)
		os.Exit(1)
	}
	var defs definitions
	if err := json.Unmarshal(defBytes, &defs); err != nil {
		log.Error("parse definitions", "error", err)
		os.Exit(1)
	}

	report, err := replay.Run(context.Background(), *viewsPath, replay.Seed{AgentIDs: defs.Agents})
	if err != nil {
		log.Error("replay run failed", "error", err)
		os.Exit(1)
	}

	fmt.Printf("run A: cycles=%d chain_valid=%t hash=%s reconstructed=%s\n",
		report.RunA.Cycles, report.RunA.ChainValid, report.RunA.FinalHash, report.RunA.ReconstructedHash)
	fmt.Printf("run B: cycles=%d chain_valid=%t hash=%s reconstructed=%s\n",
		report.RunB.Cycles, report.RunB.ChainValid, report.RunB.FinalHash, report.RunB.ReconstructedHash)
	fmt.Printf("agree: %t\n", report.Agree)

	if *registryPath != "" {
		if err := report.RunA.Registry.Save(*registryPath); err != nil {
			log.Error("save registry", "error", err)
			os.Exit(1)
		}
	}

	if !report.Agree {
		log.Error("replay divergence detected")
		os.Exit(1)
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
