package safeguard_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/swarm/internal/safeguard"
)

func TestEndpointWhitelist(t *testing.T) {
	m := safeguard.New([]string{"/status"})
	allowed, reason := m.Check(safeguard.Request{
		ActionKey: "k1", Endpoint: "/deploy", Method: "SIMULATE",
	})
	require.False(t, allowed)
	require.Contains(t, reason, "not whitelisted")
}

func TestRealMethodRequiresFlag(t *testing.T) {
	m := safeguard.New([]string{"/deploy"})
	allowed, reason := m.Check(safeguard.Request{
		ActionKey: "k1", Endpoint: "/deploy", Method: "EXECUTE",
	})
	require.False(t, allowed)
	require.Contains(t, reason, "allow_real_world_impact")

	allowed, _ = m.Check(safeguard.Request{
		ActionKey: "k1", Endpoint: "/deploy", Method: "EXECUTE", AllowRealWorldImpact: true,
	})
	require.True(t, allowed)
}

func TestDeniedKeywordScan(t *testing.T) {
	m := safeguard.New([]string{"/deploy"})
	allowed, reason := m.Check(safeguard.Request{
		ActionKey: "k1", Endpoint: "/deploy", Method: "SIMULATE",
		Payload: map[string]interface{}{"note": "issue a wire_transfer now"},
	})
	require.False(t, allowed)
	require.Contains(t, reason, "denied keyword")
}

func TestShellFieldRejected(t *testing.T) {
	m := safeguard.New([]string{"/deploy"})
	allowed, _ := m.Check(safeguard.Request{
		ActionKey: "k1", Endpoint: "/deploy", Method: "SIMULATE",
		Payload: map[string]interface{}{"shell": "rm -rf /"},
	})
	require.False(t, allowed)
}

func TestRetryCooldown(t *testing.T) {
	m := safeguard.New([]string{"/deploy"}, safeguard.WithRetryMax(2), safeguard.WithCooldown(50*time.Millisecond))
	req := safeguard.Request{ActionKey: "k1", Endpoint: "/deploy", Method: "SIMULATE"}

	allowed, _ := m.Check(req)
	require.True(t, allowed)
	m.RecordFailure("k1")
	require.Equal(t, 1, m.RetryCount("k1"))

	allowed, _ = m.Check(req)
	require.True(t, allowed)
	m.RecordFailure("k1")
	require.Equal(t, 2, m.RetryCount("k1"))

	allowed, reason := m.Check(req)
	require.False(t, allowed)
	require.Contains(t, reason, "cooldown")

	time.Sleep(60 * time.Millisecond)
	allowed, _ = m.Check(req)
	require.True(t, allowed)
}

func TestRecordSuccessResets(t *testing.T) {
	m := safeguard.New([]string{"/deploy"}, safeguard.WithRetryMax(1))
	req := safeguard.Request{ActionKey: "k1", Endpoint: "/deploy", Method: "SIMULATE"}
	m.RecordFailure("k1")
	require.Equal(t, 1, m.RetryCount("k1"))
	m.RecordSuccess("k1")
	require.Equal(t, 0, m.RetryCount("k1"))

	allowed, _ := m.Check(req)
	require.True(t, allowed)
}
