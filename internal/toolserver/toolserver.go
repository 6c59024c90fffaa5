// Package toolserver exposes the coder's three capabilities —
// read_file, write_file, run_command — each scoped to exactly one
// worktree (spec §4.6).
package toolserver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anomalyco/aurelia/internal/sandbox"
)

// ErrPathEscape is returned by ReadFile/WriteFile when the requested
// path's normalised form leaves the worktree. It is a tool error
// returned to the LLM, never a fatal candidate error (spec §7).
var ErrPathEscape = errors.New("tool_path_escape")

// RunResult is the outcome of run_command.
type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// InvocationRecorder is notified of every tool invocation so the
// caller can emit a tool_invoked event (spec §4.6: "never raw
// payloads"). callID uniquely identifies this invocation and is carried
// in the tool_invoked event; it is not written to the run_command log
// files.
type InvocationRecorder func(callID, name, summary string)

// Server scopes file and command access to one candidate's worktree.
type Server struct {
	worktreePath string
	sandbox      *sandbox.Sandbox
	envAllowlist []string
	env          map[string]string
	record       InvocationRecorder

	// stdoutLogPath and stderrLogPath, if set, tee run_command output
	// to .aurelia/logs/<candidate_id>/coder.{stdout,stderr} (spec §6).
	stdoutLogPath string
	stderrLogPath string
}

// New returns a Server scoped to worktreePath, running commands through
// sbx with only the allowlisted environment variables forwarded.
// stdoutLogPath and stderrLogPath may be empty to skip disk logging.
func New(worktreePath string, sbx *sandbox.Sandbox, envAllowlist []string, env map[string]string, stdoutLogPath, stderrLogPath string, record InvocationRecorder) *Server {
	if record == nil {
		record = func(string, string, string) {}
	}
	return &Server{
		worktreePath:  worktreePath,
		sandbox:       sbx,
		envAllowlist:  envAllowlist,
		env:           env,
		stdoutLogPath: stdoutLogPath,
		stderrLogPath: stderrLogPath,
		record:        record,
	}
}

// resolve normalises relpath against the worktree root and rejects an
// absolute relpath or any path whose resolved form leaves the root.
func (s *Server) resolve(relpath string) (string, error) {
	if filepath.IsAbs(relpath) {
		return "", ErrPathEscape
	}
	full := filepath.Join(s.worktreePath, relpath)
	cleanRoot := filepath.Clean(s.worktreePath)
	cleanFull := filepath.Clean(full)
	if cleanFull != cleanRoot && !strings.HasPrefix(cleanFull, cleanRoot+string(filepath.Separator)) {
		return "", ErrPathEscape
	}
	return cleanFull, nil
}

// ReadFile reads relpath from the worktree.
func (s *Server) ReadFile(relpath string) ([]byte, error) {
	callID := uuid.NewString()
	path, err := s.resolve(relpath)
	if err != nil {
		s.record(callID, "read_file", fmt.Sprintf("%s: escape rejected", relpath))
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		s.record(callID, "read_file", fmt.Sprintf("%s: error", relpath))
		return nil, err
	}
	s.record(callID, "read_file", fmt.Sprintf("%s: %d bytes", relpath, len(data)))
	return data, nil
}

// WriteFile atomically replaces relpath's content within the worktree,
// creating parent directories as needed.
func (s *Server) WriteFile(relpath string, content []byte) error {
	callID := uuid.NewString()
	path, err := s.resolve(relpath)
	if err != nil {
		s.record(callID, "write_file", fmt.Sprintf("%s: escape rejected", relpath))
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("write_file: create parent dirs: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".aurelia-write-*")
	if err != nil {
		return fmt.Errorf("write_file: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write_file: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write_file: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write_file: atomic replace: %w", err)
	}

	s.record(callID, "write_file", fmt.Sprintf("%s: %d bytes", relpath, len(content)))
	return nil
}

// RunCommand executes argv inside the sandbox, scoped to the worktree,
// subject to the same timeout policy as other sandboxed stages.
func (s *Server) RunCommand(ctx context.Context, argv []string, timeout time.Duration) (RunResult, error) {
	callID := uuid.NewString()
	if len(argv) == 0 {
		return RunResult{}, fmt.Errorf("run_command: argv is required")
	}
	result, err := s.sandbox.Run(ctx, argv, s.worktreePath, s.envAllowlist, s.env, timeout, s.stdoutLogPath, s.stderrLogPath)
	if err != nil {
		s.record(callID, "run_command", fmt.Sprintf("%s: error", strings.Join(argv, " ")))
		return RunResult{}, err
	}
	s.record(callID, "run_command", fmt.Sprintf("%s: exit=%d", strings.Join(argv, " "), result.ExitCode))
	return RunResult{ExitCode: result.ExitCode, Stdout: result.Stdout, Stderr: result.Stderr}, nil
}
