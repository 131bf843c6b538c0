package swarmtest

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/swarm/internal/events"
	"github.com/ocx/swarm/internal/mailstore"
	"github.com/ocx/swarm/internal/supervisor"
	"github.com/ocx/swarm/internal/worker"
)

// workerHandle wraps an in-process worker.Worker run in its own goroutine
// so the supervisor's liveness polling and restart policy can be exercised
// without spawning real OS processes, the same substitution
// supervisor_test.go's fakeHandle makes at a coarser grain.
type workerHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *workerHandle) Pid() int { return 0 }
func (h *workerHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}
func (h *workerHandle) Terminate() error { h.cancel(); return nil }
func (h *workerHandle) Kill() error      { h.cancel(); return nil }

// TestSupervisorRestartUnderLivenessFailure is scenario S6: three agents
// each run a worker against 30 routed events (10 per agent); one worker is
// killed mid-flight and the supervisor must respawn it so every event still
// reaches DONE, with no event id processed twice.
func TestSupervisorRestartUnderLivenessFailure(t *testing.T) {
	store, err := mailstore.Open(filepath.Join(t.TempDir(), "mailstore.db"), mailstore.WithPollInterval(2*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	bus := events.NewBus(store)
	ctx := context.Background()

	agents := []string{"recon", "forge", "munitions"}

	var mu sync.Mutex
	processed := map[int64]int{}
	perAgentCount := make(map[string]int, len(agents))
	pickedKill := false
	var killedHandle *workerHandle
	var killedAgent string

	spawn := func(spawnCtx context.Context, agentID, consumerID string) (supervisor.ProcessHandle, error) {
		wCtx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		h := &workerHandle{cancel: cancel, done: done}

		w := worker.New(bus, store, nil, worker.Config{
			AgentID:      agentID,
			ConsumerID:   consumerID,
			ClaimTimeout: 20 * time.Millisecond,
			LeaseSeconds: 1,
			HeartbeatEvery: 20 * time.Millisecond,
		})
		w.RegisterHandler("SWARM_TASK", func(ctx context.Context, ev mailstore.Event) error {
			mu.Lock()
			processed[ev.ID]++
			perAgentCount[agentID]++
			if !pickedKill && perAgentCount[agentID] == 3 {
				pickedKill = true
				killedHandle = h
				killedAgent = agentID
			}
			mu.Unlock()
			return nil
		})

		go func() {
			_ = w.Run(wCtx)
			close(done)
		}()
		return h, nil
	}

	sup := supervisor.New(store, bus, spawn, supervisor.Config{
		Agents:             agents,
		ChiefAgent:         "command",
		PollInterval:       5 * time.Millisecond,
		BaseBackoff:        10 * time.Millisecond,
		MaxBackoff:         30 * time.Millisecond,
		RestartWindowLimit: 20,
		MaxRestarts:        20,
	})
	require.NoError(t, sup.Start(ctx))

	for i := 0; i < 30; i++ {
		agentID := agents[i%len(agents)]
		_, err := bus.Publish(ctx, mailstore.Event{
			Type: "SWARM_TASK", OriginID: "command", TargetAgent: agentID,
			Payload: map[string]interface{}{"seq": fmt.Sprintf("%d", i)},
		})
		require.NoError(t, err)
	}

	// Let the first couple of events land, then kill whichever worker got
	// flagged, simulating a liveness failure mid-flight.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return killedHandle != nil
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	h := killedHandle
	agentKilled := killedAgent
	mu.Unlock()
	require.NoError(t, h.Terminate())

	runCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_ = sup.Run(runCtx, 0)

	require.Eventually(t, func() bool {
		counts, err := store.StatusCounts(ctx)
		require.NoError(t, err)
		return counts[mailstore.StatusDone] == 30
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, processed, 30, "every event id must be processed")
	for id, count := range processed {
		require.Equalf(t, 1, count, "event %d processed %d times, want exactly 1", id, count)
	}

	allEvents, err := store.ListEvents(ctx, "")
	require.NoError(t, err)
	var sawRestart bool
	for _, e := range allEvents {
		if e.Type == "WORKER_RESTARTED" && e.TargetAgent == agentKilled {
			sawRestart = true
		}
	}
	require.True(t, sawRestart, "expected the killed agent %s to be restarted", agentKilled)
}
