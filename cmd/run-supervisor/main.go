// run-supervisor is the entry point for both the supervisor process and
// every worker process it spawns: it re-execs itself with --worker-agent
// set, since the CLI surface names no separate run-worker binary. A plain
// invocation (no --worker-agent) runs the supervisor; an invocation with
// --worker-agent set runs a single worker's claim loop until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ocx/swarm/internal/catalog"
	"github.com/ocx/swarm/internal/config"
	"github.com/ocx/swarm/internal/events"
	"github.com/ocx/swarm/internal/gateway"
	"github.com/ocx/swarm/internal/mailstore"
	"github.com/ocx/swarm/internal/metrics"
	"github.com/ocx/swarm/internal/safeguard"
	"github.com/ocx/swarm/internal/supervisor"
	"github.com/ocx/swarm/internal/worker"
	"github.com/ocx/swarm/internal/workspace"
)

func main() {
	agentsFlag := flag.String("agents", "", "comma-separated agent ids to supervise")
	dbPath := flag.String("db", "", "path to the mailstore database file")
	duration := flag.Duration("duration", 0, "run duration (0 = until signalled)")
	chiefAgent := flag.String("chief", "command", "the chief agent id, authorized for mutating actions")
	workspacesRoot := flag.String("workspaces-root", "", "root directory for per-agent git worktrees")
	baseline := flag.String("baseline", "", "path to the shared baseline git repository")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	metricsAddr := flag.String("metrics-addr", "", "address to serve /metrics on (empty disables)")

	workerAgent := flag.String("worker-agent", "", "internal: run as this agent's worker process instead of the supervisor")
	workerConsumer := flag.String("worker-consumer", "", "internal: lease identity for the worker process")
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
		if *agentsFlag == "" && len(cfg.Supervisor.Agents) > 0 {
			*agentsFlag = strings.Join(cfg.Supervisor.Agents, ",")
		}
		if *chiefAgent == "command" && cfg.Supervisor.ChiefAgent != "" {
			*chiefAgent = cfg.Supervisor.ChiefAgent
		}
		if *workspacesRoot == "" {
			*workspacesRoot = cfg.Workspace.Root
		}
		if *baseline == "" {
			*baseline = cfg.Workspace.Baseline
		}
		if *metricsAddr == "" {
			*metricsAddr = cfg.Metrics.Addr
		}
	}

	if *dbPath == "" {
		log.Error("--db is required")
		os.Exit(2)
	}

	if *workerAgent != "" {
		runWorker(log, *dbPath, *workerAgent, *workerConsumer, *chiefAgent, *workspacesRoot, *baseline)
		return
	}

	agents := splitAgents(*agentsFlag)
	if len(agents) == 0 {
		log.Error("--agents is required for the supervisor process")
		os.Exit(2)
	}

	store, err := mailstore.Open(*dbPath)
	if err != nil {
		log.Error("open mailstore", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	busAdapter := events.NewBus(store)
	reg := metrics.New()

	binary, err := os.Executable()
	if err != nil {
		log.Error("resolve executable path", "error", err)
		os.Exit(1)
	}

	spawn := func(ctx context.Context, agentID, consumerID string) (supervisor.ProcessHandle, error) {
		args := []string{
			"--db", *dbPath,
			"--worker-agent", agentID,
			"--worker-consumer", consumerID,
			"--chief", *chiefAgent,
			"--log-level", *logLevel,
		}
		if *workspacesRoot != "" {
			args = append(args, "--workspaces-root", *workspacesRoot)
		}
		if *baseline != "" {
			args = append(args, "--baseline", *baseline)
		}
		cmd := exec.CommandContext(ctx, binary, args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("spawn worker %s: %w", agentID, err)
		}
		return newProcHandle(cmd), nil
	}

	sup := supervisor.New(store, busAdapter, spawn, supervisor.Config{
		Agents:     agents,
		ChiefAgent: *chiefAgent,
		Logger:     log,
		Metrics:    reg,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := metrics.Serve(ctx, *metricsAddr, log); err != nil {
			log.Warn("metrics server error", "error", err)
		}
	}()

	if err := sup.Start(ctx); err != nil {
		log.Error("supervisor start failed", "error", err)
		os.Exit(1)
	}

	if err := sup.Run(ctx, *duration); err != nil {
		log.Error("supervisor run failed", "error", err)
		os.Exit(1)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sup.Stop(stopCtx, 3*time.Second); err != nil {
		log.Error("supervisor stop failed", "error", err)
		os.Exit(1)
	}
}

func runWorker(log *slog.Logger, dbPath, agentID, consumerID, chiefAgent, workspacesRoot, baseline string) {
	store, err := mailstore.Open(dbPath)
	if err != nil {
		log.Error("open mailstore", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	bus := events.NewBus(store)

	var gw *gateway.Gateway
	if workspacesRoot != "" && baseline != "" {
		ws, err := workspace.New(workspacesRoot, baseline)
		if err != nil {
			log.Error("open workspace manager", "error", err)
			os.Exit(1)
		}
		ctx := context.Background()
		if err := ws.EnsureWorktrees(ctx, []string{agentID}); err != nil {
			log.Error("ensure worktree", "agent", agentID, "error", err)
			os.Exit(1)
		}
		gw = gateway.New(store, catalog.New(), ws, chiefAgent)
		gw.SetSafeguard(safeguard.New(nil))
	}

	w := worker.New(bus, store, gw, worker.Config{
		AgentID:    agentID,
		ConsumerID: consumerID,
		Logger:     log.With("role", "worker"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := w.Run(ctx); err != nil {
		log.Error("worker run failed", "error", err)
		os.Exit(1)
	}
}

// procHandle adapts an *exec.Cmd to supervisor.ProcessHandle. Alive()
// reaps the child in a background goroutine so repeated polling never
// blocks, matching the teacher's non-blocking liveness-check style.
type procHandle struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func newProcHandle(cmd *exec.Cmd) *procHandle {
	h := &procHandle{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(h.done)
	}()
	return h
}

func (h *procHandle) Pid() int { return h.cmd.Process.Pid }

func (h *procHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *procHandle) Terminate() error {
	return h.cmd.Process.Signal(syscall.SIGTERM)
}

func (h *procHandle) Kill() error {
	return h.cmd.Process.Kill()
}

func splitAgents(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
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
