// Package workspace manages one isolated git-worktree checkout per agent,
// all derived from a single shared baseline repository. It adapts the
// teacher's warm-pool-of-sandboxes bookkeeping (one map entry per managed
// resource, idempotent ensure/reset operations) to `git worktree` instead of
// container sandboxes.
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

// Manager owns the workspace root directory and the shared baseline repo
// from which every agent's worktree is derived.
type Manager struct {
	mu sync.RWMutex

	root     string // workspaces_root
	baseline string // path to the shared bare/checked-out baseline repo

	worktrees map[string]string // agent_id -> absolute worktree path
}

// New returns a Manager rooted at root, deriving worktrees from baseline.
// root is created if absent; baseline is used as given and not created.
func New(root, baseline string) (*Manager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: create root: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolve root: %w", err)
	}
	baseAbs, err := filepath.Abs(baseline)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolve baseline: %w", err)
	}
	return &Manager{
		root:      abs,
		baseline:  baseAbs,
		worktrees: make(map[string]string),
	}, nil
}

// EnsureWorktrees creates any missing per-agent worktree off the baseline
// repo, resets any existing worktree to a clean state, and asserts
// cleanliness (no uncommitted changes) before returning. All git
// invocations use argv form through os/exec — no shell is ever invoked,
// matching the Tool Gateway's own RUN_CMD discipline.
func (m *Manager) EnsureWorktrees(ctx context.Context, agentIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, agentID := range agentIDs {
		path := filepath.Join(m.root, agentID)

		if _, ok := m.worktrees[agentID]; ok {
			if err := m.resetLocked(ctx, path); err != nil {
				return fmt.Errorf("workspace: reset %s: %w", agentID, err)
			}
			continue
		}

		if _, err := os.Stat(path); err == nil {
			// Directory exists from a prior run; register it as a worktree
			// and reset it rather than re-adding.
			m.worktrees[agentID] = path
			if err := m.resetLocked(ctx, path); err != nil {
				return fmt.Errorf("workspace: reset existing %s: %w", agentID, err)
			}
			continue
		}

		if err := runGit(ctx, m.baseline, "worktree", "add", "--detach", path); err != nil {
			return fmt.Errorf("workspace: add worktree for %s: %w", agentID, err)
		}
		m.worktrees[agentID] = path

		if err := m.assertCleanLocked(ctx, path); err != nil {
			return fmt.Errorf("workspace: new worktree for %s not clean: %w", agentID, err)
		}
	}
	return nil
}

func (m *Manager) resetLocked(ctx context.Context, path string) error {
	if err := runGit(ctx, path, "reset", "--hard", "HEAD"); err != nil {
		return err
	}
	if err := runGit(ctx, path, "clean", "-fdx"); err != nil {
		return err
	}
	return m.assertCleanLocked(ctx, path)
}

func (m *Manager) assertCleanLocked(ctx context.Context, path string) error {
	cmd := exec.CommandContext(ctx, "git", "status", "--porcelain")
	cmd.Dir = path
	out, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("git status: %w", err)
	}
	if len(out) != 0 {
		return fmt.Errorf("workspace %s has uncommitted changes", path)
	}
	return nil
}

// WorktreeFor returns the absolute path for agentID's worktree, failing if
// EnsureWorktrees has not been called for it.
func (m *Manager) WorktreeFor(agentID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	path, ok := m.worktrees[agentID]
	if !ok {
		return "", fmt.Errorf("workspace: no worktree registered for agent %q", agentID)
	}
	return path, nil
}

// Root returns the workspaces_root directory.
func (m *Manager) Root() string {
	return m.root
}

func runGit(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %v: %w: %s", args, err, out)
	}
	return nil
}
