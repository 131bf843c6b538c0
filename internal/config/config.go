// Package config loads the optional YAML configuration file the four CLI
// binaries accept as an alternative to repeating every flag by hand. Flags
// always win over the file, and the file always wins over built-in
// defaults, so a deployment can pin the stable knobs in one place and still
// override a single value at the command line for a one-off run.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v2"
)

// Config is the full set of tunables shared across run-supervisor,
// run-projector, run-governance, and run-replay.
type Config struct {
	MailStore  MailStoreConfig  `yaml:"mailstore"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Worker     WorkerConfig     `yaml:"worker"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Workspace  WorkspaceConfig  `yaml:"workspace"`
	Projection ProjectionConfig `yaml:"projection"`
	Governance GovernanceConfig `yaml:"governance"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type MailStoreConfig struct {
	Path string `yaml:"path"`
}

// SupervisorConfig mirrors supervisor.Config's policy knobs.
type SupervisorConfig struct {
	Agents             []string `yaml:"agents"`
	ChiefAgent         string   `yaml:"chief_agent"`
	PollIntervalMs     int      `yaml:"poll_interval_ms"`
	BaseBackoffMs      int      `yaml:"base_backoff_ms"`
	MaxBackoffMs       int      `yaml:"max_backoff_ms"`
	RestartWindowLimit int      `yaml:"restart_window_limit"`
	MaxRestarts        int      `yaml:"max_restarts"`
}

// WorkerConfig mirrors worker.Config's claim/lease knobs.
type WorkerConfig struct {
	ClaimTimeoutMs   int `yaml:"claim_timeout_ms"`
	LeaseSeconds     int `yaml:"lease_seconds"`
	HeartbeatEveryMs int `yaml:"heartbeat_every_ms"`
}

// GatewayConfig mirrors the Tool Gateway's policy-timeout knobs.
type GatewayConfig struct {
	ExecTimeoutSec int `yaml:"exec_timeout_sec"`
}

// WorkspaceConfig points at the per-agent worktree root and shared
// baseline repository.
type WorkspaceConfig struct {
	Root     string `yaml:"root"`
	Baseline string `yaml:"baseline"`
}

// ProjectionConfig controls run-projector's materialization cadence.
type ProjectionConfig struct {
	ViewPath       string `yaml:"view_path"`
	PollIntervalMs int    `yaml:"poll_interval_ms"`
}

// GovernanceConfig controls run-governance's cycle cadence, the
// projection view file it reads, and the registry/ledger files it owns.
type GovernanceConfig struct {
	ViewPath       string `yaml:"view_path"`
	RegistryPath   string `yaml:"registry_path"`
	LedgerPath     string `yaml:"ledger_path"`
	PollIntervalMs int    `yaml:"poll_interval_ms"`
}

// MetricsConfig controls the shared /metrics HTTP listener.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide config instance, lazily loaded from
// CONFIG_PATH (default "config.yaml") the first time it's called. A
// missing file is not an error: Get falls back to zero-valued defaults,
// which every CLI binary then layers its own flag defaults on top of.
func Get() *Config {
	once.Do(func() {
		cfg, err := Load(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load file, using defaults", "error", err)
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// Load reads and parses a YAML config file from path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides lets a handful of the most operationally relevant
// knobs be set without touching the config file, the same override tier
// the teacher's config package applies between file and flag.
func (c *Config) applyEnvOverrides() {
	c.MailStore.Path = getEnv("SWARM_DB_PATH", c.MailStore.Path)
	c.Supervisor.ChiefAgent = getEnv("SWARM_CHIEF_AGENT", c.Supervisor.ChiefAgent)
	c.Metrics.Addr = getEnv("SWARM_METRICS_ADDR", c.Metrics.Addr)
	if v := getEnvInt("SWARM_LEASE_SECONDS", 0); v > 0 {
		c.Worker.LeaseSeconds = v
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
