package workspace_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ocx/swarm/internal/workspace"
)

func initBaseline(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("baseline\n"), 0o644))
	run("add", "README.md")
	run("commit", "-m", "initial")
	return dir
}

func TestEnsureWorktreesIsolatesAgents(t *testing.T) {
	baseline := initBaseline(t)
	root := t.TempDir()

	mgr, err := workspace.New(root, baseline)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.EnsureWorktrees(ctx, []string{"recon", "forge"}))

	reconPath, err := mgr.WorktreeFor("recon")
	require.NoError(t, err)
	forgePath, err := mgr.WorktreeFor("forge")
	require.NoError(t, err)
	require.NotEqual(t, reconPath, forgePath)

	// A write under recon must not appear under forge.
	require.NoError(t, os.WriteFile(filepath.Join(reconPath, "scratch.txt"), []byte("recon only\n"), 0o644))
	_, err = os.Stat(filepath.Join(forgePath, "scratch.txt"))
	require.True(t, os.IsNotExist(err))
}

func TestWorktreeForUnknownAgentFails(t *testing.T) {
	baseline := initBaseline(t)
	mgr, err := workspace.New(t.TempDir(), baseline)
	require.NoError(t, err)

	_, err = mgr.WorktreeFor("ghost")
	require.Error(t, err)
}
