package obslog

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogWritesJSONLWithDefaults(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := New(buf, "debug", Defaults{Component: "scheduler", RunID: "run-1"})

	err := logger.Log("info", map[string]any{"message": "heartbeat tick"})
	require.NoError(t, err)

	line := strings.TrimSpace(buf.String())
	require.NotEmpty(t, line)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	require.Equal(t, "heartbeat tick", entry["message"])
	require.Equal(t, "info", entry["level"])
	require.Equal(t, "scheduler", entry["component"])
	require.Equal(t, "run-1", entry["run_id"])
	require.NotEmpty(t, entry["timestamp"])
}

func TestLogFiltersBelowMinLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := New(buf, "warn", Defaults{})

	require.NoError(t, logger.Log("info", map[string]any{"message": "dropped"}))
	require.Empty(t, buf.String())

	require.NoError(t, logger.Log("error", map[string]any{"message": "kept"}))
	require.NotEmpty(t, buf.String())
}

func TestLogRejectsUnknownLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := New(buf, "debug", Defaults{})
	err := logger.Log("verbose", map[string]any{})
	require.Error(t, err)
}

func TestNilLoggerLogIsANoOp(t *testing.T) {
	var logger *Logger
	require.NoError(t, logger.Log("info", map[string]any{"message": "ignored"}))
}

func TestWithMergesBaseFieldsIntoEveryEntry(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := New(buf, "debug", Defaults{Component: "candidate"})
	scoped := logger.With(map[string]any{"candidate_id": 7})

	require.NoError(t, scoped.Log("info", map[string]any{"message": "preparing"}))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, float64(7), entry["candidate_id"])
}

func TestDefaultComponentAppliedWhenUnset(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := New(buf, "debug", Defaults{})

	require.NoError(t, logger.Log("info", map[string]any{"message": "hi"}))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "aurelia", entry["component"])
}
