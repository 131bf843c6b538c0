package mailstore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/swarm/internal/mailstore"
)

func openTestStore(t *testing.T) *mailstore.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := mailstore.Open(filepath.Join(dir, "mailstore.db"), mailstore.WithPollInterval(5*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppendEventAssignsMonotonicIDs(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id1, err := store.AppendEvent(ctx, mailstore.Event{Type: "PING", OriginID: "test"})
	require.NoError(t, err)
	id2, err := store.AppendEvent(ctx, mailstore.Event{Type: "PING", OriginID: "test"})
	require.NoError(t, err)
	require.Less(t, id1, id2)

	ev, err := store.GetEvent(ctx, id1)
	require.NoError(t, err)
	require.Equal(t, mailstore.StatusPending, ev.Status)
}

func TestAppendEventRejectsEmptyType(t *testing.T) {
	store := openTestStore(t)
	_, err := store.AppendEvent(context.Background(), mailstore.Event{OriginID: "test"})
	require.ErrorIs(t, err, mailstore.ErrValidation)
}

func TestClaimAckLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.AppendEvent(ctx, mailstore.Event{Type: "TOOL_REQUEST", OriginID: "forge", TargetAgent: "forge"})
	require.NoError(t, err)

	ev, err := store.ClaimNextEvent(ctx, "worker:forge:1", time.Second, "forge", false, 30)
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.Equal(t, id, ev.ID)
	require.Equal(t, mailstore.StatusClaimed, ev.Status)

	// A second claim attempt sees nothing pending.
	none, err := store.ClaimNextEvent(ctx, "worker:forge:2", 20*time.Millisecond, "forge", false, 30)
	require.NoError(t, err)
	require.Nil(t, none)

	require.NoError(t, store.AckEvent(ctx, id, "worker:forge:1"))
	final, err := store.GetEvent(ctx, id)
	require.NoError(t, err)
	require.Equal(t, mailstore.StatusDone, final.Status)
}

func TestAckWithWrongConsumerFails(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.AppendEvent(ctx, mailstore.Event{Type: "TOOL_REQUEST", OriginID: "forge"})
	require.NoError(t, err)
	_, err = store.ClaimNextEvent(ctx, "worker:forge:1", time.Second, "", true, 30)
	require.NoError(t, err)

	err = store.AckEvent(ctx, id, "worker:forge:impostor")
	require.ErrorIs(t, err, mailstore.ErrLeaseMismatch)
}

// TestLeaseExpiryReclaim is scenario S1 at small scale: a consumer claims
// without acking, the lease expires, and a different consumer reclaims and
// completes the same event with no duplicate terminal state.
func TestLeaseExpiryReclaim(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.AppendEvent(ctx, mailstore.Event{Type: "TOOL_REQUEST", OriginID: "recon"})
	require.NoError(t, err)

	// consumer-a claims with a 1-second lease and then "crashes": it never
	// acks, fails or requeues.
	ev, err := store.ClaimNextEvent(ctx, "consumer-a", time.Second, "", true, 1)
	require.NoError(t, err)
	require.NotNil(t, ev)

	ev2, err := store.ClaimNextEvent(ctx, "consumer-b", 20*time.Millisecond, "", true, 30)
	require.NoError(t, err)
	require.Nil(t, ev2) // still held by consumer-a's live lease

	// Wait past consumer-a's lease; the next claim reaps it.
	time.Sleep(1100 * time.Millisecond)

	reclaimed, err := store.ClaimNextEvent(ctx, "consumer-b", time.Second, "", true, 30)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	require.Equal(t, id, reclaimed.ID)

	// consumer-a no longer holds the lease, so a late requeue is refused.
	require.ErrorIs(t, store.RequeueEvent(ctx, id, "consumer-a", "late after crash"), mailstore.ErrLeaseMismatch)

	require.NoError(t, store.AckEvent(ctx, id, "consumer-b"))
	final, err := store.GetEvent(ctx, id)
	require.NoError(t, err)
	require.Equal(t, mailstore.StatusDone, final.Status)
}

func TestClaimOrderingIsFIFOByID(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 5; i++ {
		id, err := store.AppendEvent(ctx, mailstore.Event{Type: "PING", OriginID: "test"})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, want := range ids {
		ev, err := store.ClaimNextEvent(ctx, "consumer", time.Second, "", true, 30)
		require.NoError(t, err)
		require.Equal(t, want, ev.ID)
	}
}

func TestReserveIdempotencyKeyFirstWriterWins(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	ok1, err := store.ReserveIdempotencyKey(ctx, "k1", "command", "RUN_CMD", nil)
	require.NoError(t, err)
	require.True(t, ok1)

	ok2, err := store.ReserveIdempotencyKey(ctx, "k1", "command", "RUN_CMD", nil)
	require.NoError(t, err)
	require.False(t, ok2)

	require.NoError(t, store.SetIdempotencyResult(ctx, "k1", map[string]interface{}{"return_code": 0}))
	rec, err := store.GetIdempotencyRecord(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, float64(0), rec.Result["return_code"])
}

func TestToolAuditRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.AppendToolAudit(ctx, mailstore.ToolAuditRow{
		AgentID:        "command",
		ActionType:     "RUN_CMD",
		WorkingDir:     "/workspaces/command",
		IdempotencyKey: "k1",
		Allowed:        true,
		Payload:        map[string]interface{}{"argv": []interface{}{"git", "status"}},
		Result:         map[string]interface{}{"return_code": 0},
	})
	require.NoError(t, err)
	require.NotZero(t, id)

	rows, err := store.ListToolAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.True(t, rows[0].Allowed)
}

func TestStatusCounts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.AppendEvent(ctx, mailstore.Event{Type: "PING", OriginID: "test"})
		require.NoError(t, err)
	}
	counts, err := store.StatusCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, counts[mailstore.StatusPending])
}
