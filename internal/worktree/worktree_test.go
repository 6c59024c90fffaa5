package worktree

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/anomalyco/aurelia/internal/execrunner"
)

func TestCreateAddsBranchThenWorktree(t *testing.T) {
	runner := NewFakeRunner()
	m := New("/repo", "/repo/.aurelia/worktrees", runner)
	m.newSuffix = func() string { return "abcd1234" }

	branch, path, err := m.Create(context.Background(), 1, "main")
	require.NoError(t, err)
	require.Equal(t, "aurelia/candidate-1-abcd1234", branch)
	require.Equal(t, "/repo/.aurelia/worktrees/1", path)

	require.Len(t, runner.Calls, 2)
	require.Equal(t, []string{"branch", branch, "main"}, runner.Calls[0])
	require.Equal(t, []string{"worktree", "add", path, branch}, runner.Calls[1])
}

func TestCreateSurfacesGitFailureAsGitOpFailed(t *testing.T) {
	runner := NewFakeRunner()
	runner.Err = context.DeadlineExceeded
	m := New("/repo", "/repo/.aurelia/worktrees", runner)

	_, _, err := m.Create(context.Background(), 1, "main")
	require.Error(t, err)
	require.Contains(t, err.Error(), "git_op_failed")
}

func TestDestroyKeepsBranchOnSuccessOutcome(t *testing.T) {
	runner := NewFakeRunner()
	m := New("/repo", "/repo/.aurelia/worktrees", runner)

	err := m.Destroy(context.Background(), "/repo/.aurelia/worktrees/1", "aurelia/candidate-1-x", true)
	require.NoError(t, err)
	require.Len(t, runner.Calls, 1, "keepBranch=true must not delete the branch")
}

func TestDestroyDeletesBranchOnFailureOutcome(t *testing.T) {
	runner := NewFakeRunner()
	m := New("/repo", "/repo/.aurelia/worktrees", runner)

	err := m.Destroy(context.Background(), "/repo/.aurelia/worktrees/1", "aurelia/candidate-1-x", false)
	require.NoError(t, err)
	require.Len(t, runner.Calls, 2)
	require.Equal(t, []string{"branch", "-D", "aurelia/candidate-1-x"}, runner.Calls[1])
}

func TestListActiveParsesPorcelainOutput(t *testing.T) {
	runner := NewFakeRunner()
	runner.Results["worktree list --porcelain"] = execrunner.Result{Stdout: "" +
		"worktree /repo\n" +
		"branch refs/heads/main\n" +
		"\n" +
		"worktree /repo/.aurelia/worktrees/1\n" +
		"branch refs/heads/aurelia/candidate-1-abcd\n" +
		"\n"}
	m := New("/repo", "/repo/.aurelia/worktrees", runner)

	active, err := m.ListActive(context.Background())
	require.NoError(t, err)
	require.Equal(t, []ActiveWorktree{
		{Branch: "main", Path: "/repo"},
		{Branch: "aurelia/candidate-1-abcd", Path: "/repo/.aurelia/worktrees/1"},
	}, active)
}

func TestCleanupOrphansRemovesUnkeptAureliaBranchesOnly(t *testing.T) {
	runner := NewFakeRunner()
	runner.Results["worktree list --porcelain"] = execrunner.Result{Stdout: "" +
		"worktree /repo\n" +
		"branch refs/heads/main\n" +
		"\n" +
		"worktree /repo/.aurelia/worktrees/1\n" +
		"branch refs/heads/aurelia/candidate-1-abcd\n" +
		"\n" +
		"worktree /repo/.aurelia/worktrees/2\n" +
		"branch refs/heads/aurelia/candidate-2-efgh\n" +
		"\n"}
	m := New("/repo", "/repo/.aurelia/worktrees", runner)

	err := m.CleanupOrphans(context.Background(), map[string]bool{"aurelia/candidate-2-efgh": true})
	require.NoError(t, err)

	var removed []string
	for _, call := range runner.Calls {
		if len(call) >= 2 && call[0] == "worktree" && call[1] == "remove" {
			removed = append(removed, call[len(call)-1])
		}
	}
	require.Equal(t, []string{"/repo/.aurelia/worktrees/1"}, removed, "only the orphaned candidate-1 worktree is removed")
}
