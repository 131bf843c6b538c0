package projection_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ocx/swarm/internal/mailstore"
	"github.com/ocx/swarm/internal/projection"
)

func newStore(t *testing.T) *mailstore.Store {
	t.Helper()
	store, err := mailstore.Open(filepath.Join(t.TempDir(), "mailstore.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// TestWorkerStateMachine is scenario S5.
func TestWorkerStateMachine(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	m := projection.New(store, filepath.Join(t.TempDir(), "view.json"))

	publish := func(eventType string) {
		_, err := store.AppendEvent(ctx, mailstore.Event{Type: eventType, OriginID: "supervisor", TargetAgent: "recon"})
		require.NoError(t, err)
	}

	publish("WORKER_STARTED")
	view, err := m.Cycle(ctx)
	require.NoError(t, err)
	require.Equal(t, &projection.WorkerRow{
		Present: true, State: projection.WorkerActive, LastEventType: "WORKER_STARTED",
		LastEventAt: view.Workers["recon"].LastEventAt, LastSeenEventID: view.Workers["recon"].LastSeenEventID,
	}, view.Workers["recon"])

	publish("WORKER_RESTART_SCHEDULED")
	view, err = m.Cycle(ctx)
	require.NoError(t, err)
	require.Equal(t, projection.WorkerRestarting, view.Workers["recon"].State)

	publish("WORKER_RESTARTED")
	view, err = m.Cycle(ctx)
	require.NoError(t, err)
	require.True(t, view.Workers["recon"].Present)
	require.Equal(t, projection.WorkerActive, view.Workers["recon"].State)
	require.Equal(t, 1, view.Workers["recon"].RestartCount)

	publish("WORKER_EXITED")
	view, err = m.Cycle(ctx)
	require.NoError(t, err)
	require.False(t, view.Workers["recon"].Present)
	require.Equal(t, projection.WorkerOffline, view.Workers["recon"].State)
}

func TestCursorsAdvanceMonotonically(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	viewPath := filepath.Join(t.TempDir(), "view.json")
	m := projection.New(store, viewPath)

	_, err := store.AppendEvent(ctx, mailstore.Event{Type: "PING", OriginID: "test"})
	require.NoError(t, err)
	v1, err := m.Cycle(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, v1.LastSeenEventID)

	// A fresh Materializer over the same view file picks up where the
	// last one left off; re-running Cycle with no new events must not
	// regress the cursor or double-count.
	m2 := projection.New(store, viewPath)
	v2, err := m2.Cycle(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, v2.LastSeenEventID)
	require.EqualValues(t, 1, v2.EventsProcessed)
}

func TestDerivedStressLevelSaturates(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	m := projection.New(store, filepath.Join(t.TempDir(), "view.json"))

	for i := 0; i < 30; i++ {
		_, err := store.AppendEvent(ctx, mailstore.Event{Type: "PING", OriginID: "test"})
		require.NoError(t, err)
	}
	view, err := m.Cycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1.0, view.Derived.StressLevel)
}
