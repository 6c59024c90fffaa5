package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/anomalyco/aurelia/internal/state"
)

func TestRunMainInitWritesWorkflowYAML(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer

	code := RunMain([]string{"init", "-dir", dir}, &out)
	require.Equal(t, 0, code)

	data, err := os.ReadFile(filepath.Join(dir, "workflow.yaml"))
	require.NoError(t, err)
	require.Contains(t, string(data), "heartbeat_interval")
}

func TestRunMainInitRefusesToOverwrite(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "workflow.yaml"), []byte("existing"), 0o644))

	var out bytes.Buffer
	code := RunMain([]string{"init", "-dir", dir}, &out)
	require.Equal(t, 1, code)
}

func TestRunMainUnknownCommandReturnsNonZero(t *testing.T) {
	var out bytes.Buffer
	code := RunMain([]string{"bogus"}, &out)
	require.Equal(t, 1, code)
}

func TestRunMainNoArgsPrintsUsage(t *testing.T) {
	var out bytes.Buffer
	code := RunMain(nil, &out)
	require.Equal(t, 1, code)
	require.Contains(t, out.String(), "usage:")
}

func TestParsePIDAcceptsValidPID(t *testing.T) {
	pid, err := parsePID([]byte("1234\n"))
	require.NoError(t, err)
	require.Equal(t, 1234, pid)
}

func TestParsePIDRejectsNonNumeric(t *testing.T) {
	_, err := parsePID([]byte("not-a-pid"))
	require.Error(t, err)
}

func TestParsePIDRejectsNonPositive(t *testing.T) {
	_, err := parsePID([]byte("0"))
	require.Error(t, err)
}

func TestWritePIDFileRoundTripsThroughParsePID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aurelia.pid")
	require.NoError(t, writePIDFile(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	pid, err := parsePID(raw)
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), pid)

	removePIDFile(path)
	_, err = os.ReadFile(path)
	require.True(t, os.IsNotExist(err))
}

func TestRunStopReturnsNotRunningWhenPidFileMissing(t *testing.T) {
	var out bytes.Buffer
	code := RunMain([]string{"stop", "-pidfile", filepath.Join(t.TempDir(), "aurelia.pid")}, &out)
	require.Equal(t, 2, code)
	require.Contains(t, out.String(), "not running")
}

func TestRunStopReturnsNotRunningOnStalePidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aurelia.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0o644))

	var out bytes.Buffer
	code := RunMain([]string{"stop", "-pidfile", path}, &out)
	require.Equal(t, 2, code)
	require.Contains(t, out.String(), "stale pidfile")
}

func TestRenderStatusIsPlainTextForNonTerminalWriter(t *testing.T) {
	var out bytes.Buffer
	snapshot := state.Snapshot{
		Candidates: map[int64]state.Candidate{
			1: {ID: 1, State: state.CandidateSucceeded, Metrics: map[string]float64{"accuracy": 0.9}},
		},
		BestSoFarID: int64Ptr(1),
	}
	renderStatus(&out, snapshot)
	require.Contains(t, out.String(), "CANDIDATE")
	require.Contains(t, out.String(), "best so far: candidate 1")
	require.NotContains(t, out.String(), "\x1b[")
}

func TestBuildReportMarkdownListsCandidatesAndErrors(t *testing.T) {
	snapshot := state.Snapshot{
		Candidates: map[int64]state.Candidate{
			1: {ID: 1, State: state.CandidateSucceeded, Metrics: map[string]float64{"accuracy": 0.9}},
			2: {ID: 2, State: state.CandidateFailed, Error: &state.CandidateError{Kind: "presubmit_fail"}},
		},
		BestSoFarID: int64Ptr(1),
	}
	markdown := buildReportMarkdown(snapshot)
	require.Contains(t, markdown, "Best candidate:** 1")
	require.Contains(t, markdown, "presubmit_fail")
}

func int64Ptr(v int64) *int64 { return &v }
