// Package presubmit runs the configured check command in a
// candidate's worktree before evaluation (spec §4.9).
package presubmit

import (
	"context"
	"strings"
	"time"

	"github.com/anomalyco/aurelia/internal/sandbox"
)

const stderrTailBytes = 4096

// Outcome is pass iff the check command exited zero.
type Outcome struct {
	Passed     bool
	StderrTail string
}

// Stage runs command via sbx in the candidate's worktree with a
// shorter timeout than evaluation (spec §4.9).
type Stage struct {
	Sandbox      *sandbox.Sandbox
	Command      []string
	EnvAllowlist []string
	Env          map[string]string
	Timeout      time.Duration

	// StdoutLogPath and StderrLogPath, if set, tee the command's
	// output to .aurelia/logs/<candidate_id>/presubmit.{stdout,stderr}
	// (spec §6).
	StdoutLogPath string
	StderrLogPath string
}

// Run executes the configured presubmit command.
func (s *Stage) Run(ctx context.Context, worktreePath string) (Outcome, error) {
	result, err := s.Sandbox.Run(ctx, s.Command, worktreePath, s.EnvAllowlist, s.Env, s.Timeout, s.StdoutLogPath, s.StderrLogPath)
	if err != nil {
		return Outcome{}, err
	}
	if result.TimedOut || result.ExitCode != 0 {
		return Outcome{Passed: false, StderrTail: tail(result.Stderr, stderrTailBytes)}, nil
	}
	return Outcome{Passed: true}, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[len(s)-n:])
}
