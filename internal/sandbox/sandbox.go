// Package sandbox runs commands inside a container with a worktree
// bind-mounted and only allowlisted environment variables forwarded
// (spec §4.5).
package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anomalyco/aurelia/internal/execrunner"
)

// Result is the outcome of one sandboxed run.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Sandbox launches commands in containers built from one image,
// tracking every live container so Shutdown can kill them all.
type Sandbox struct {
	image    string
	runner   execrunner.Runner
	launcher string // container CLI binary, "docker" by convention

	mu      sync.Mutex
	running map[string]struct{} // container names currently running
}

// New returns a Sandbox that launches containers from image using
// runner to invoke the container CLI.
func New(image string, runner execrunner.Runner) *Sandbox {
	return &Sandbox{
		image:    image,
		runner:   runner,
		launcher: "docker",
		running:  map[string]struct{}{},
	}
}

// Run executes command inside a fresh container, with worktreePath
// bind-mounted read-write at /workspace, forwarding only the
// environment variables named in envAllowlist, for up to timeout
// before the container is killed. stdoutLogPath and stderrLogPath, if
// non-empty, tee the container's captured output to disk at
// .aurelia/logs/<candidate_id>/<stage>.{stdout,stderr} (spec §6); pass
// empty strings to skip disk logging.
func (s *Sandbox) Run(ctx context.Context, command []string, worktreePath string, envAllowlist []string, env map[string]string, timeout time.Duration, stdoutLogPath, stderrLogPath string) (Result, error) {
	if len(command) == 0 {
		return Result{}, fmt.Errorf("sandbox_unavailable: command is required")
	}

	name := containerName()
	s.track(name)
	defer s.untrack(name)

	args := []string{
		"run", "--rm",
		"--name", name,
		"-v", fmt.Sprintf("%s:/workspace", worktreePath),
		"-w", "/workspace",
	}
	for _, key := range envAllowlist {
		if value, ok := env[key]; ok {
			args = append(args, "-e", fmt.Sprintf("%s=%s", key, value))
		}
	}
	args = append(args, s.image)
	args = append(args, command...)

	result, err := s.runner.Run(ctx, execrunner.Spec{
		Binary:        s.launcher,
		Args:          args,
		StdoutLogPath: stdoutLogPath,
		StderrLogPath: stderrLogPath,
	}, timeout)
	if err != nil {
		return Result{}, fmt.Errorf("sandbox_unavailable: %w", err)
	}

	return Result{
		ExitCode: result.ExitCode,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		TimedOut: result.TimedOut,
	}, nil
}

// Shutdown kills every container this Sandbox currently considers
// live. Called on engine shutdown (spec §4.5: "on engine shutdown all
// live sandboxes are killed").
func (s *Sandbox) Shutdown(ctx context.Context) {
	s.mu.Lock()
	names := make([]string, 0, len(s.running))
	for name := range s.running {
		names = append(names, name)
	}
	s.mu.Unlock()

	for _, name := range names {
		_, _ = s.runner.Run(ctx, execrunner.Spec{Binary: s.launcher, Args: []string{"kill", name}}, 5*time.Second)
		s.untrack(name)
	}
}

func (s *Sandbox) track(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = struct{}{}
}

func (s *Sandbox) untrack(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, name)
}

var containerSeq struct {
	mu sync.Mutex
	n  int64
}

// containerName produces a unique, sandbox-process-local container
// name. It does not need to be globally unique across restarts, only
// within one process's set of live containers.
func containerName() string {
	containerSeq.mu.Lock()
	defer containerSeq.mu.Unlock()
	containerSeq.n++
	return fmt.Sprintf("aurelia-sandbox-%d", containerSeq.n)
}
