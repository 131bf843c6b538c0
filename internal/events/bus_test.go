package events_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/swarm/internal/events"
	"github.com/ocx/swarm/internal/mailstore"
)

func newTestBus(t *testing.T) *events.Bus {
	t.Helper()
	store, err := mailstore.Open(filepath.Join(t.TempDir(), "mailstore.db"), mailstore.WithPollInterval(5*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return events.NewBus(store)
}

func TestPublishCoercesMapInput(t *testing.T) {
	bus := newTestBus(t)
	id, err := bus.Publish(context.Background(), map[string]interface{}{
		"type":      "SUPERVISOR_START",
		"origin_id": "supervisor",
	})
	require.NoError(t, err)
	require.NotZero(t, id)
}

func TestPublishRejectsMissingType(t *testing.T) {
	bus := newTestBus(t)
	_, err := bus.Publish(context.Background(), map[string]interface{}{"origin_id": "supervisor"})
	require.ErrorIs(t, err, mailstore.ErrValidation)
}

func TestPublishHooksFireAfterCommit(t *testing.T) {
	bus := newTestBus(t)
	var seen []mailstore.Event
	bus.AddPublishHook(func(ctx context.Context, ev mailstore.Event) {
		seen = append(seen, ev)
	})

	id, err := bus.Publish(context.Background(), mailstore.Event{Type: "PING", OriginID: "test"})
	require.NoError(t, err)
	require.Len(t, seen, 1)
	require.Equal(t, id, seen[0].ID)
	require.Equal(t, id, int64(seen[0].Payload["event_id"].(int64)))
}

func TestQSizeTracksPending(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	n, err := bus.QSize(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = bus.Publish(ctx, mailstore.Event{Type: "PING", OriginID: "test"})
	require.NoError(t, err)

	n, err = bus.QSize(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestClaimAckThroughBus(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	id, err := bus.Publish(ctx, mailstore.Event{Type: "TOOL_REQUEST", OriginID: "forge", TargetAgent: "forge"})
	require.NoError(t, err)

	ev, err := bus.ClaimNext(ctx, "worker:forge:1", time.Second, "forge", false, 30)
	require.NoError(t, err)
	require.Equal(t, id, ev.ID)

	require.NoError(t, bus.Ack(ctx, id, "worker:forge:1"))
}
