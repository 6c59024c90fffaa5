package worktree

import (
	"context"
	"time"

	"github.com/anomalyco/aurelia/internal/execrunner"
)

// FakeRunner is an in-memory execrunner.Runner recording every git
// invocation, for tests that exercise Manager without a real
// repository (spec §9: "tests supply in-memory fakes").
type FakeRunner struct {
	Calls   [][]string
	Results map[string]execrunner.Result
	Err     error
}

// NewFakeRunner returns an empty FakeRunner.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{Results: map[string]execrunner.Result{}}
}

// Run records the invocation and returns the result registered under
// the joined subcommand (e.g. "worktree list --porcelain"), or a zero
// Result if none was registered.
func (f *FakeRunner) Run(_ context.Context, spec execrunner.Spec, _ time.Duration) (execrunner.Result, error) {
	f.Calls = append(f.Calls, append([]string(nil), spec.Args...))
	if f.Err != nil {
		return execrunner.Result{}, f.Err
	}
	key := joinArgs(spec.Args)
	if result, ok := f.Results[key]; ok {
		return result, nil
	}
	return execrunner.Result{ExitCode: 0}, nil
}

func joinArgs(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}
