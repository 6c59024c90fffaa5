package sandbox

import (
	"context"
	"time"

	"github.com/anomalyco/aurelia/internal/execrunner"
)

// FakeRunner is an in-memory execrunner.Runner for Sandbox tests. It
// records every invocation and can be scripted to time out or fail,
// without ever shelling out to a real container runtime.
type FakeRunner struct {
	Calls   []execrunner.Spec
	Result  execrunner.Result
	Err     error
	Timeout bool
}

// NewFakeRunner returns a FakeRunner that reports success by default.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{}
}

func (f *FakeRunner) Run(_ context.Context, spec execrunner.Spec, _ time.Duration) (execrunner.Result, error) {
	f.Calls = append(f.Calls, spec)
	if f.Err != nil {
		return execrunner.Result{}, f.Err
	}
	if f.Timeout {
		return execrunner.Result{TimedOut: true, ExitCode: -1}, nil
	}
	return f.Result, nil
}
