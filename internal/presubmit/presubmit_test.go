package presubmit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/anomalyco/aurelia/internal/execrunner"
	"github.com/anomalyco/aurelia/internal/sandbox"
)

func TestRunPassesOnZeroExit(t *testing.T) {
	runner := sandbox.NewFakeRunner()
	runner.Result = execrunner.Result{ExitCode: 0}
	stage := &Stage{Sandbox: sandbox.New("img", runner), Command: []string{"pixi", "run", "test"}, Timeout: time.Second}

	outcome, err := stage.Run(context.Background(), "/repo/worktree")
	require.NoError(t, err)
	require.True(t, outcome.Passed)
}

func TestRunFailsOnNonZeroExitWithStderrTail(t *testing.T) {
	runner := sandbox.NewFakeRunner()
	runner.Result = execrunner.Result{ExitCode: 1, Stderr: "assertion failed on line 42"}
	stage := &Stage{Sandbox: sandbox.New("img", runner), Command: []string{"pixi", "run", "test"}, Timeout: time.Second}

	outcome, err := stage.Run(context.Background(), "/repo/worktree")
	require.NoError(t, err)
	require.False(t, outcome.Passed)
	require.Contains(t, outcome.StderrTail, "assertion failed")
}

func TestRunFailsOnTimeout(t *testing.T) {
	runner := sandbox.NewFakeRunner()
	runner.Timeout = true
	stage := &Stage{Sandbox: sandbox.New("img", runner), Command: []string{"pixi", "run", "test"}, Timeout: time.Millisecond}

	outcome, err := stage.Run(context.Background(), "/repo/worktree")
	require.NoError(t, err)
	require.False(t, outcome.Passed)
}

func TestTailTruncatesLongStderr(t *testing.T) {
	long := make([]byte, 10000)
	for i := range long {
		long[i] = 'x'
	}
	got := tail(string(long), 100)
	require.Len(t, got, 100)
}
