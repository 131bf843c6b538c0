// Package supervisor spawns one worker process per agent, watches their OS
// liveness and heartbeats, and restarts them under a bounded
// exponential-backoff policy, publishing every state transition as a
// control event. Grounded on the teacher's fabric.Hub per-entity map
// bookkeeping (internal/fabric/hub.go: a mutex-guarded map of small state
// structs, atomic counters for hot fields) and the ghostpool
// config-with-defaults constructor idiom (internal/ghostpool/pool_manager.go).
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ocx/swarm/internal/events"
	"github.com/ocx/swarm/internal/mailstore"
	"github.com/ocx/swarm/internal/metrics"
)

// Control event types, published through publishControlEvent so a restart
// storm or retry can never multiply events.
const (
	EventWorkerExited           = "WORKER_EXITED"
	EventWorkerHeartbeatMissed  = "WORKER_HEARTBEAT_MISSED"
	EventWorkerRestartScheduled = "WORKER_RESTART_SCHEDULED"
	EventWorkerRestarted        = "WORKER_RESTARTED"
	EventWorkerStarted          = "WORKER_STARTED"
	EventWorkerDisabled         = "WORKER_DISABLED"
	EventSupervisorAlert        = "SUPERVISOR_ALERT"
	EventSupervisorHeartbeat    = "SUPERVISOR_HEARTBEAT"
	EventSupervisorStart        = "SUPERVISOR_START"
	EventSupervisorStop         = "SUPERVISOR_STOP"
)

// Exit reasons recorded on WORKER_EXITED.
const (
	ReasonProcessExit     = "process_exit"
	ReasonHeartbeatMissed = "heartbeat_missed"
	ReasonStop            = "stop"
)

// ProcessHandle abstracts a spawned worker process enough for the
// supervisor to watch and kill it without depending on os/exec directly —
// tests substitute a fake handle; cmd/run-supervisor wires a real
// *exec.Cmd-backed one.
type ProcessHandle interface {
	Pid() int
	Alive() bool
	Terminate() error
	Kill() error
}

// SpawnFunc launches a worker process for agentID using consumerID as its
// lease identity.
type SpawnFunc func(ctx context.Context, agentID, consumerID string) (ProcessHandle, error)

// Config configures a Supervisor's restart policy and poll cadence.
type Config struct {
	Agents                   []string
	ChiefAgent               string
	HeartbeatTimeoutSeconds  int
	HeartbeatIntervalSeconds int
	PollInterval             time.Duration
	BaseBackoff              time.Duration
	MaxBackoff               time.Duration
	RestartWindow            time.Duration
	RestartWindowLimit       int
	MaxRestarts              int
	Logger                   *slog.Logger
	Metrics                  *metrics.Registry
}

func (c *Config) applyDefaults() {
	if c.HeartbeatTimeoutSeconds <= 0 {
		c.HeartbeatTimeoutSeconds = 15
	}
	if c.HeartbeatIntervalSeconds <= 0 {
		c.HeartbeatIntervalSeconds = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 1 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 60 * time.Second
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = 5 * time.Minute
	}
	if c.RestartWindowLimit <= 0 {
		c.RestartWindowLimit = 5
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 10
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// agentState is one agent's supervised-process bookkeeping.
type agentState struct {
	consumerID       string
	handle           ProcessHandle
	restartCount     int
	restartHistory   []time.Time
	scheduledAt      time.Time
	disabled         bool
	lastHeartbeatSeq int64
}

// Supervisor owns the restart policy and per-agent process state. All
// mutable state lives in this process; the MailStore is read for heartbeat
// staleness checks and holds the control events and their idempotency keys.
type Supervisor struct {
	store *mailstore.Store
	bus   *events.Bus
	spawn SpawnFunc
	cfg   Config
	log   *slog.Logger

	mu       sync.Mutex
	agents   map[string]*agentState
	heartSeq int64
}

// New constructs a Supervisor. spawn is called once per initial worker and
// again on every scheduled restart.
func New(store *mailstore.Store, bus *events.Bus, spawn SpawnFunc, cfg Config) *Supervisor {
	cfg.applyDefaults()
	return &Supervisor{
		store:  store,
		bus:    bus,
		spawn:  spawn,
		cfg:    cfg,
		log:    cfg.Logger,
		agents: make(map[string]*agentState, len(cfg.Agents)),
	}
}

// publishControlEvent reserves an idempotency key of the form
// "control:{correlationID}" before publishing, so a retry or restart storm
// can never multiply the same logical control event.
func (s *Supervisor) publishControlEvent(ctx context.Context, eventType, correlationID string, targetAgent string, payload map[string]interface{}) error {
	key := fmt.Sprintf("control:%s", correlationID)
	reserved, err := s.store.ReserveIdempotencyKey(ctx, key, "supervisor", eventType, nil)
	if err != nil {
		return fmt.Errorf("supervisor: reserve control key: %w", err)
	}
	if !reserved {
		return nil
	}
	_, err = s.bus.Publish(ctx, mailstore.Event{
		Type:          eventType,
		OriginID:      "supervisor",
		TargetAgent:   targetAgent,
		CorrelationID: correlationID,
		Payload:       payload,
	})
	return err
}

// Start spawns the initial worker process for every configured agent and
// emits SUPERVISOR_START.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.publishControlEvent(ctx, EventSupervisorStart, "supervisor-start", "", nil); err != nil {
		return err
	}
	for _, agentID := range s.cfg.Agents {
		if err := s.spawnAgent(ctx, agentID); err != nil {
			return fmt.Errorf("supervisor: spawn %s: %w", agentID, err)
		}
	}
	return nil
}

func (s *Supervisor) spawnAgent(ctx context.Context, agentID string) error {
	consumerID := fmt.Sprintf("worker:%s:%d", agentID, time.Now().UnixNano())
	handle, err := s.spawn(ctx, agentID, consumerID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.agents[agentID] = &agentState{consumerID: consumerID, handle: handle}
	s.mu.Unlock()
	return s.publishControlEvent(ctx, EventWorkerStarted, fmt.Sprintf("%s-started-%d", agentID, time.Now().UnixNano()), agentID, map[string]interface{}{
		"agent_id": agentID, "consumer_id": consumerID, "pid": handle.Pid(),
	})
}

// Run polls liveness and heartbeats, drives restart scheduling, and emits
// periodic SUPERVISOR_HEARTBEAT control events until ctx is done or
// duration elapses (duration<=0 means run until ctx is cancelled).
func (s *Supervisor) Run(ctx context.Context, duration time.Duration) error {
	var deadline time.Time
	if duration > 0 {
		deadline = time.Now().Add(duration)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	lastHeartbeatPublish := time.Time{}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.checkLiveness(ctx); err != nil {
				s.log.Warn("supervisor: liveness check failed", "error", err)
			}
			if err := s.driveScheduledRestarts(ctx); err != nil {
				s.log.Warn("supervisor: restart drive failed", "error", err)
			}
			if time.Since(lastHeartbeatPublish) >= time.Duration(s.cfg.HeartbeatIntervalSeconds)*time.Second {
				if err := s.publishHeartbeats(ctx); err != nil {
					s.log.Warn("supervisor: heartbeat publish failed", "error", err)
				}
				lastHeartbeatPublish = time.Now()
			}
			if !deadline.IsZero() && time.Now().After(deadline) {
				return nil
			}
		}
	}
}

func (s *Supervisor) checkLiveness(ctx context.Context) error {
	for _, agentID := range s.sortedAgentIDs() {
		s.mu.Lock()
		st, ok := s.agents[agentID]
		if !ok || st.disabled || st.handle == nil {
			s.mu.Unlock()
			continue
		}
		handle := st.handle
		s.mu.Unlock()

		if !handle.Alive() {
			if err := s.onWorkerDown(ctx, agentID, ReasonProcessExit); err != nil {
				return err
			}
			continue
		}

		hb, err := s.store.GetWorkerHeartbeat(ctx, agentID)
		if err != nil {
			return fmt.Errorf("supervisor: read heartbeat for %s: %w", agentID, err)
		}
		stale := hb == nil || time.Since(hb.TS) > time.Duration(s.cfg.HeartbeatTimeoutSeconds)*time.Second
		if stale {
			if err := s.publishControlEvent(ctx, EventWorkerHeartbeatMissed, fmt.Sprintf("%s-missed-%d", agentID, time.Now().UnixNano()), agentID, map[string]interface{}{
				"agent_id": agentID, "pid": handle.Pid(),
			}); err != nil {
				return err
			}
			_ = handle.Terminate()
			if err := s.onWorkerDown(ctx, agentID, ReasonHeartbeatMissed); err != nil {
				return err
			}
		}
	}
	return nil
}

// onWorkerDown records the exit, increments restart bookkeeping, and
// either disables the agent (sustained failure) or schedules a
// bounded-exponential-backoff restart.
func (s *Supervisor) onWorkerDown(ctx context.Context, agentID, reason string) error {
	s.mu.Lock()
	st := s.agents[agentID]
	st.handle = nil
	now := time.Now()
	st.restartCount++
	st.restartHistory = append(st.restartHistory, now)
	st.restartHistory = trimWindow(st.restartHistory, now, s.cfg.RestartWindow)
	withinWindow := len(st.restartHistory)
	exceeded := withinWindow > s.cfg.RestartWindowLimit || st.restartCount > s.cfg.MaxRestarts
	var backoff time.Duration
	if !exceeded {
		backoff = backoffFor(s.cfg.BaseBackoff, s.cfg.MaxBackoff, st.restartCount)
		st.scheduledAt = now.Add(backoff)
	} else {
		st.disabled = true
	}
	s.mu.Unlock()

	if s.cfg.Metrics != nil {
		if exceeded {
			s.cfg.Metrics.WorkersDisabled.WithLabelValues(agentID).Inc()
		} else {
			s.cfg.Metrics.WorkerRestarts.WithLabelValues(agentID).Inc()
		}
	}

	exitCorrelation := fmt.Sprintf("%s-exited-%d", agentID, now.UnixNano())
	if err := s.publishControlEvent(ctx, EventWorkerExited, exitCorrelation, agentID, map[string]interface{}{
		"agent_id": agentID, "reason": reason,
	}); err != nil {
		return err
	}

	if exceeded {
		if err := s.publishControlEvent(ctx, EventWorkerDisabled, fmt.Sprintf("%s-disabled-%d", agentID, now.UnixNano()), agentID, map[string]interface{}{
			"agent_id": agentID, "restart_count": st.restartCount,
		}); err != nil {
			return err
		}
		return s.publishControlEvent(ctx, EventSupervisorAlert, fmt.Sprintf("%s-alert-%d", agentID, now.UnixNano()), s.cfg.ChiefAgent, map[string]interface{}{
			"agent_id": agentID, "message": "worker disabled after sustained failure",
		})
	}

	return s.publishControlEvent(ctx, EventWorkerRestartScheduled, fmt.Sprintf("%s-scheduled-%d", agentID, now.UnixNano()), agentID, map[string]interface{}{
		"agent_id": agentID, "scheduled_at": st.scheduledAt, "backoff_seconds": backoff.Seconds(),
	})
}

func (s *Supervisor) driveScheduledRestarts(ctx context.Context) error {
	now := time.Now()
	for _, agentID := range s.sortedAgentIDs() {
		s.mu.Lock()
		st := s.agents[agentID]
		ready := !st.disabled && st.handle == nil && !st.scheduledAt.IsZero() && !now.Before(st.scheduledAt)
		s.mu.Unlock()
		if !ready {
			continue
		}

		consumerID := fmt.Sprintf("worker:%s:%d", agentID, now.UnixNano())
		handle, err := s.spawn(ctx, agentID, consumerID)
		if err != nil {
			return fmt.Errorf("supervisor: respawn %s: %w", agentID, err)
		}
		s.mu.Lock()
		st.handle = handle
		st.consumerID = consumerID
		st.scheduledAt = time.Time{}
		s.mu.Unlock()

		if err := s.publishControlEvent(ctx, EventWorkerRestarted, fmt.Sprintf("%s-restarted-%d", agentID, now.UnixNano()), agentID, map[string]interface{}{
			"agent_id": agentID, "consumer_id": consumerID, "pid": handle.Pid(),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) publishHeartbeats(ctx context.Context) error {
	s.mu.Lock()
	s.heartSeq++
	seq := s.heartSeq
	s.mu.Unlock()

	for _, agentID := range s.sortedAgentIDs() {
		s.mu.Lock()
		st := s.agents[agentID]
		active := st != nil && !st.disabled
		s.mu.Unlock()
		if !active {
			continue
		}
		if err := s.publishControlEvent(ctx, EventSupervisorHeartbeat, fmt.Sprintf("heartbeat:%s:%d", agentID, seq), agentID, map[string]interface{}{
			"agent_id": agentID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Stop is the two-phase shutdown signal: terminate every live worker, wait
// briefly, kill stragglers, emit WORKER_EXITED(reason=stop) for each, then
// SUPERVISOR_STOP.
func (s *Supervisor) Stop(ctx context.Context, grace time.Duration) error {
	for _, agentID := range s.sortedAgentIDs() {
		s.mu.Lock()
		st := s.agents[agentID]
		handle := st.handle
		s.mu.Unlock()
		if handle == nil {
			continue
		}
		_ = handle.Terminate()
	}

	if grace > 0 {
		time.Sleep(grace)
	}

	for _, agentID := range s.sortedAgentIDs() {
		s.mu.Lock()
		st := s.agents[agentID]
		handle := st.handle
		s.mu.Unlock()
		if handle == nil {
			continue
		}
		if handle.Alive() {
			_ = handle.Kill()
		}
		if err := s.publishControlEvent(ctx, EventWorkerExited, fmt.Sprintf("%s-stop-%d", agentID, time.Now().UnixNano()), agentID, map[string]interface{}{
			"agent_id": agentID, "reason": ReasonStop,
		}); err != nil {
			return err
		}
	}

	return s.publishControlEvent(ctx, EventSupervisorStop, "supervisor-stop", "", nil)
}

func (s *Supervisor) sortedAgentIDs() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func trimWindow(history []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	out := history[:0]
	for _, t := range history {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// backoffFor returns min(maxBackoff, base * 2^(restartCount-1)).
func backoffFor(base, maxBackoff time.Duration, restartCount int) time.Duration {
	if restartCount < 1 {
		restartCount = 1
	}
	mult := math.Pow(2, float64(restartCount-1))
	d := time.Duration(float64(base) * mult)
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
