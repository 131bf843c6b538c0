// Package swarmtest holds integration tests that need more than one
// internal package wired together to exercise: crash-recovery durability
// across the MailStore's lease mechanics, and supervisor-driven worker
// restart under a real claim/dispatch loop. Single-package properties stay
// in their own package's _test.go files.
package swarmtest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/swarm/internal/events"
	"github.com/ocx/swarm/internal/mailstore"
)

// TestDurabilityUnderCrash is scenario S1: append 100 events targeted at
// one agent, have consumer A claim 50 and ack 49 then abandon the 50th
// mid-lease (simulating a crash), wait for that lease to expire, then have
// consumer B claim and ack everything still outstanding. Every event must
// reach DONE exactly once with zero duplicate acks.
func TestDurabilityUnderCrash(t *testing.T) {
	store, err := mailstore.Open(filepath.Join(t.TempDir(), "mailstore.db"), mailstore.WithPollInterval(2*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	bus := events.NewBus(store)
	ctx := context.Background()

	ids := make([]int64, 0, 100)
	for i := 0; i < 100; i++ {
		id, err := bus.Publish(ctx, mailstore.Event{Type: "RECON_TASK", OriginID: "command", TargetAgent: "recon"})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	const shortLeaseSeconds = 1
	acked := map[int64]int{}

	// Consumer A claims 50 and acks 49, abandoning the 50th with its lease
	// still held.
	var abandonedID int64
	for i := 0; i < 50; i++ {
		ev, err := bus.ClaimNext(ctx, "consumer-a", 2*time.Second, "recon", false, shortLeaseSeconds)
		require.NoError(t, err)
		require.NotNil(t, ev)
		if i == 49 {
			abandonedID = ev.ID
			continue // crash: never ack
		}
		require.NoError(t, bus.Ack(ctx, ev.ID, "consumer-a"))
		acked[ev.ID]++
	}
	require.NotZero(t, abandonedID)

	// Wait past the abandoned lease's expiry.
	time.Sleep(time.Duration(shortLeaseSeconds)*time.Second + 300*time.Millisecond)

	// Consumer B claims and acks everything still outstanding: the
	// reclaimed 50th plus the 50 never-claimed events.
	for i := 0; i < 51; i++ {
		ev, err := bus.ClaimNext(ctx, "consumer-b", 2*time.Second, "recon", false, 30)
		require.NoError(t, err)
		require.NotNil(t, ev)
		require.NoError(t, bus.Ack(ctx, ev.ID, "consumer-b"))
		acked[ev.ID]++
	}

	require.Len(t, acked, 100, "every appended event must be acked exactly once")
	for id, count := range acked {
		require.Equalf(t, 1, count, "event %d acked %d times, want exactly 1", id, count)
	}

	counts, err := store.StatusCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, 100, counts[mailstore.StatusDone])
	require.Equal(t, 0, counts[mailstore.StatusPending])
	require.Equal(t, 0, counts[mailstore.StatusClaimed])
}
