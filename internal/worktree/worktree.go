// Package worktree creates and destroys isolated git worktrees that
// give each candidate its own mutation surface (spec §4.4).
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anomalyco/aurelia/internal/execrunner"
)

const branchPrefix = "aurelia/"

// Manager creates branches and worktrees under worktreesDir, rooted at
// repoRoot. Operations are idempotent: interrupted create/destroy calls
// leave the repository in a state CleanupOrphans can repair on the next
// startup.
type Manager struct {
	repoRoot     string
	worktreesDir string
	runner       execrunner.Runner
	newSuffix    func() string

	mu       sync.Mutex
	suffixes map[int64]string
}

// New returns a Manager rooted at repoRoot, placing worktrees under
// worktreesDir (spec §6: ".aurelia/worktrees/<candidate_id>").
func New(repoRoot, worktreesDir string, runner execrunner.Runner) *Manager {
	return &Manager{
		repoRoot:     repoRoot,
		worktreesDir: worktreesDir,
		runner:       runner,
		newSuffix:    func() string { return uuid.New().String()[:8] },
	}
}

// BranchName computes the branch name for a candidate, unique across
// the process lifetime (spec §3 invariant 3). The random suffix is drawn
// once per candidate, so every call for the same candidateID returns the
// same name.
func (m *Manager) BranchName(candidateID int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	suffix, ok := m.suffixes[candidateID]
	if !ok {
		if m.suffixes == nil {
			m.suffixes = make(map[int64]string)
		}
		suffix = m.newSuffix()
		m.suffixes[candidateID] = suffix
	}
	return fmt.Sprintf("%scandidate-%d-%s", branchPrefix, candidateID, suffix)
}

// Path returns where candidateID's worktree will live, without
// creating it. The Scheduler uses this to populate candidate_created
// before the worktree actually exists.
func (m *Manager) Path(candidateID int64) string {
	return filepath.Join(m.worktreesDir, fmt.Sprint(candidateID))
}

// Create creates a new branch forked from parentRef and adds a worktree
// for it at .aurelia/worktrees/<candidate_id>. parentRef is either the
// project HEAD (first candidate) or the branch of the best-so-far
// candidate.
func (m *Manager) Create(ctx context.Context, candidateID int64, parentRef string) (branch, path string, err error) {
	branch = m.BranchName(candidateID)
	path = m.Path(candidateID)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", "", fmt.Errorf("git_op_failed: create worktree parent dir: %w", err)
	}

	if _, err := m.git(ctx, "branch", branch, parentRef); err != nil {
		return "", "", fmt.Errorf("git_op_failed: create branch %s from %s: %w", branch, parentRef, err)
	}

	if _, err := m.git(ctx, "worktree", "add", path, branch); err != nil {
		return "", "", fmt.Errorf("git_op_failed: add worktree at %s: %w", path, err)
	}

	return branch, path, nil
}

// Destroy removes the worktree at path. When keepBranch is false (a
// failure outcome) the branch itself is also deleted; on success
// outcomes the branch is kept so later candidates can fork from it.
func (m *Manager) Destroy(ctx context.Context, path, branch string, keepBranch bool) error {
	if _, err := m.git(ctx, "worktree", "remove", "--force", path); err != nil {
		return fmt.Errorf("git_op_failed: remove worktree at %s: %w", path, err)
	}
	if !keepBranch {
		if _, err := m.git(ctx, "branch", "-D", branch); err != nil {
			return fmt.Errorf("git_op_failed: delete branch %s: %w", branch, err)
		}
	}
	return nil
}

// ActiveWorktree is one entry from `git worktree list --porcelain`.
type ActiveWorktree struct {
	Branch string
	Path   string
}

// ListActive enumerates every worktree git currently tracks for the
// repository.
func (m *Manager) ListActive(ctx context.Context) ([]ActiveWorktree, error) {
	result, err := m.git(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("git_op_failed: list worktrees: %w", err)
	}
	return parsePorcelain(result.Stdout), nil
}

func parsePorcelain(raw string) []ActiveWorktree {
	var out []ActiveWorktree
	var currentPath string
	for _, line := range strings.Split(raw, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			currentPath = strings.TrimSpace(strings.TrimPrefix(line, "worktree "))
		case strings.HasPrefix(line, "branch "):
			ref := strings.TrimSpace(strings.TrimPrefix(line, "branch "))
			branch := strings.TrimPrefix(ref, "refs/heads/")
			if currentPath != "" {
				out = append(out, ActiveWorktree{Branch: branch, Path: currentPath})
			}
			currentPath = ""
		}
	}
	return out
}

// CleanupOrphans removes any aurelia/-prefixed worktree not named in
// keepBranches. Run once at startup, before runtime_started is
// emitted, to repair whatever a prior crash left behind: a worktree
// whose candidate never reached a terminal state has no business
// surviving a restart, since in-flight candidates are never resumed
// (spec Non-goals).
func (m *Manager) CleanupOrphans(ctx context.Context, keepBranches map[string]bool) error {
	active, err := m.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, wt := range active {
		if !strings.HasPrefix(wt.Branch, branchPrefix) {
			continue
		}
		if keepBranches[wt.Branch] {
			continue
		}
		if err := m.Destroy(ctx, wt.Path, wt.Branch, false); err != nil {
			return fmt.Errorf("cleanup orphaned worktree %s: %w", wt.Branch, err)
		}
	}
	return nil
}

func (m *Manager) git(ctx context.Context, args ...string) (execrunner.Result, error) {
	return m.runner.Run(ctx, execrunner.Spec{
		Binary: "git",
		Args:   args,
		Dir:    m.repoRoot,
	}, 30*time.Second)
}
