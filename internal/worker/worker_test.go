package worker_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/swarm/internal/events"
	"github.com/ocx/swarm/internal/mailstore"
	"github.com/ocx/swarm/internal/worker"
)

func newTestStoreAndBus(t *testing.T) (*mailstore.Store, *events.Bus) {
	t.Helper()
	store, err := mailstore.Open(filepath.Join(t.TempDir(), "mailstore.db"), mailstore.WithPollInterval(2*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, events.NewBus(store)
}

func TestWorkerDispatchesDomainHandler(t *testing.T) {
	store, bus := newTestStoreAndBus(t)
	ctx := context.Background()

	w := worker.New(bus, store, nil, worker.Config{AgentID: "recon", ClaimTimeout: 50 * time.Millisecond, HeartbeatEvery: time.Hour})

	var handled []string
	done := make(chan struct{})
	w.RegisterHandler("RECON_TASK", func(ctx context.Context, ev mailstore.Event) error {
		handled = append(handled, ev.Type)
		close(done)
		return nil
	})

	runCtx, cancel := context.WithCancel(ctx)
	go w.Run(runCtx)
	defer cancel()

	_, err := bus.Publish(ctx, mailstore.Event{Type: "RECON_TASK", OriginID: "command", TargetAgent: "recon"})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
	require.Equal(t, []string{"RECON_TASK"}, handled)
}

func TestWorkerFailsUnknownEventType(t *testing.T) {
	store, bus := newTestStoreAndBus(t)
	ctx := context.Background()

	w := worker.New(bus, store, nil, worker.Config{AgentID: "recon", ClaimTimeout: 50 * time.Millisecond, HeartbeatEvery: time.Hour})

	id, err := bus.Publish(ctx, mailstore.Event{Type: "MYSTERY", OriginID: "command", TargetAgent: "recon"})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	go w.Run(runCtx)

	require.Eventually(t, func() bool {
		ev, err := store.GetEvent(ctx, id)
		return err == nil && ev != nil && ev.Status == mailstore.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
}

func TestWorkerHeartbeatRecorded(t *testing.T) {
	store, bus := newTestStoreAndBus(t)
	ctx := context.Background()

	w := worker.New(bus, store, nil, worker.Config{AgentID: "recon", ClaimTimeout: 20 * time.Millisecond, HeartbeatEvery: 10 * time.Millisecond})
	runCtx, cancel := context.WithCancel(ctx)
	go w.Run(runCtx)
	defer cancel()

	require.Eventually(t, func() bool {
		hb, err := store.GetWorkerHeartbeat(ctx, "recon")
		return err == nil && hb != nil && hb.ConsumerID == w.ConsumerID()
	}, 2*time.Second, 10*time.Millisecond)
}
