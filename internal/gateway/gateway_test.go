package gateway_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/swarm/internal/catalog"
	"github.com/ocx/swarm/internal/gateway"
	"github.com/ocx/swarm/internal/mailstore"
	"github.com/ocx/swarm/internal/safeguard"
	"github.com/ocx/swarm/internal/workspace"
)

func setup(t *testing.T) (*gateway.Gateway, *workspace.Manager) {
	t.Helper()
	dir := t.TempDir()
	run := func(d string, args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = d
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=t", "GIT_AUTHOR_EMAIL=t@example.com",
			"GIT_COMMITTER_NAME=t", "GIT_COMMITTER_EMAIL=t@example.com")
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	baseline := filepath.Join(dir, "baseline")
	require.NoError(t, os.MkdirAll(baseline, 0o755))
	run(baseline, "init")
	require.NoError(t, os.WriteFile(filepath.Join(baseline, "README.md"), []byte("x"), 0o644))
	run(baseline, "add", "README.md")
	run(baseline, "commit", "-m", "init")

	ws, err := workspace.New(filepath.Join(dir, "workspaces"), baseline)
	require.NoError(t, err)
	require.NoError(t, ws.EnsureWorktrees(context.Background(), []string{"command", "forge"}))

	store, err := mailstore.Open(filepath.Join(dir, "mailstore.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	gw := gateway.New(store, catalog.New(), ws, "command")
	return gw, ws
}

func TestDeniesNonChiefMutation(t *testing.T) {
	gw, ws := setup(t)
	forgeDir, _ := ws.WorktreeFor("forge")

	result, err := gw.Invoke(context.Background(), gateway.Request{
		AgentID:        "forge",
		ActionType:     catalog.ActionRunCmd,
		WorkingDir:     forgeDir,
		Payload:        map[string]interface{}{"argv": []interface{}{"git", "status"}},
		IdempotencyKey: "s2a",
	})
	require.NoError(t, err)
	require.False(t, result.Allowed)
	require.Contains(t, result.Reason, "chief")
}

func TestDeniesPathEscape(t *testing.T) {
	gw, ws := setup(t)
	forgeDir, _ := ws.WorktreeFor("forge")

	result, err := gw.Invoke(context.Background(), gateway.Request{
		AgentID:        "forge",
		AuthorizedBy:   "command",
		ActionType:     catalog.ActionWriteFile,
		WorkingDir:     forgeDir,
		Payload:        map[string]interface{}{"path": "../escape.txt", "content": "x"},
		IdempotencyKey: "s2b",
	})
	require.NoError(t, err)
	require.False(t, result.Allowed)
	require.Contains(t, result.Reason, "escapes")
}

func TestAllowsAuthorizedRunCmdAndDeniesDuplicate(t *testing.T) {
	gw, ws := setup(t)
	commandDir, _ := ws.WorktreeFor("command")

	result, err := gw.Invoke(context.Background(), gateway.Request{
		AgentID:        "command",
		AuthorizedBy:   "command",
		ActionType:     catalog.ActionRunCmd,
		WorkingDir:     commandDir,
		Payload:        map[string]interface{}{"argv": []interface{}{"git", "status"}},
		IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	require.True(t, result.Allowed)
	require.Equal(t, 0, result.ReturnCode)

	dup, err := gw.Invoke(context.Background(), gateway.Request{
		AgentID:        "command",
		AuthorizedBy:   "command",
		ActionType:     catalog.ActionRunCmd,
		WorkingDir:     commandDir,
		Payload:        map[string]interface{}{"argv": []interface{}{"git", "status"}},
		IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	require.False(t, dup.Allowed)
}

func TestRejectsShellMetacharacters(t *testing.T) {
	gw, ws := setup(t)
	commandDir, _ := ws.WorktreeFor("command")

	result, err := gw.Invoke(context.Background(), gateway.Request{
		AgentID:        "command",
		AuthorizedBy:   "command",
		ActionType:     catalog.ActionRunCmd,
		WorkingDir:     commandDir,
		Payload:        map[string]interface{}{"command": "git status; rm -rf /"},
		IdempotencyKey: "k2",
	})
	require.NoError(t, err)
	require.False(t, result.Allowed)
}

func TestOpenPRIsNotImplemented(t *testing.T) {
	gw, ws := setup(t)
	commandDir, _ := ws.WorktreeFor("command")

	result, err := gw.Invoke(context.Background(), gateway.Request{
		AgentID:        "command",
		AuthorizedBy:   "command",
		ActionType:     catalog.ActionOpenPR,
		WorkingDir:     commandDir,
		Payload:        map[string]interface{}{},
		IdempotencyKey: "k3",
	})
	require.NoError(t, err)
	require.False(t, result.Allowed)
}

// TestOpenPRPassesThroughSafeguardFirst confirms the legacy safeguard's
// endpoint whitelist runs ahead of the not-implemented denial, and that a
// denial there is reported as a cooldown-bookkeeping failure.
func TestOpenPRPassesThroughSafeguardFirst(t *testing.T) {
	gw, ws := setup(t)
	sg := safeguard.New(nil) // nothing whitelisted: always denies here
	gw.SetSafeguard(sg)
	commandDir, _ := ws.WorktreeFor("command")

	result, err := gw.Invoke(context.Background(), gateway.Request{
		AgentID:        "command",
		AuthorizedBy:   "command",
		ActionType:     catalog.ActionOpenPR,
		WorkingDir:     commandDir,
		Payload:        map[string]interface{}{},
		IdempotencyKey: "k-safeguard",
	})
	require.NoError(t, err)
	require.False(t, result.Allowed)
	require.Contains(t, result.Reason, "safeguard:")
	require.Equal(t, 1, sg.RetryCount("OPEN_PR:command"))
}

func TestEveryCallProducesExactlyOneAuditRow(t *testing.T) {
	gw, ws := setup(t)
	commandDir, _ := ws.WorktreeFor("command")

	req := gateway.Request{
		AgentID:        "command",
		AuthorizedBy:   "command",
		ActionType:     catalog.ActionGitDiff,
		WorkingDir:     commandDir,
		Payload:        map[string]interface{}{},
		IdempotencyKey: "k4",
	}
	result, err := gw.Invoke(context.Background(), req)
	require.NoError(t, err)
	require.True(t, result.Allowed)
	require.EqualValues(t, 1, result.AuditID)

	// A denied repeat (same idempotency key) gets its own, next audit row.
	dup, err := gw.Invoke(context.Background(), req)
	require.NoError(t, err)
	require.False(t, dup.Allowed)
	require.EqualValues(t, 2, dup.AuditID)

	_ = time.Now() // deterministic timestamps are not asserted here
}
