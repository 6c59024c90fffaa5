// Package obslog writes structured JSON-line logs for the runtime,
// every line carrying a component name, run id, and an optional
// candidate id so a log aggregator can filter by either axis.
package obslog

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

type level int

const (
	levelDebug level = iota
	levelInfo
	levelWarn
	levelError
)

// Defaults are merged into every entry a Logger writes, unless the
// caller's fields already set the same key.
type Defaults struct {
	Component string
	RunID     string
}

// Logger writes one JSON object per line to w, dropping entries below
// MinLevel. A nil w makes every write a no-op, so a component can hold
// an unconfigured *Logger without guarding every call site.
type Logger struct {
	w          io.Writer
	minLevel   level
	defaults   Defaults
	baseFields map[string]any
}

// New returns a Logger writing to w. minLevel is one of
// debug/info/warn/error (anything else defaults to info).
func New(w io.Writer, minLevel string, defaults Defaults) *Logger {
	if defaults.Component == "" {
		defaults.Component = "aurelia"
	}
	return &Logger{w: w, minLevel: parseLevelOrDefault(minLevel), defaults: defaults}
}

// With returns a logger that merges fields into every entry it writes,
// unless a call to Log overrides the same key. Used to scope a logger
// to one candidate's lifetime without threading its id through every
// call site.
func (l *Logger) With(fields map[string]any) *Logger {
	if l == nil {
		return nil
	}
	merged := make(map[string]any, len(l.baseFields)+len(fields))
	for k, v := range l.baseFields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{w: l.w, minLevel: l.minLevel, defaults: l.defaults, baseFields: merged}
}

// Log writes one line if level passes the configured threshold.
func (l *Logger) Log(lvl string, fields map[string]any) error {
	if l == nil || l.w == nil {
		return nil
	}

	normalized := strings.ToLower(strings.TrimSpace(lvl))
	severity, ok := parseLevel(normalized)
	if !ok {
		return fmt.Errorf("obslog: invalid log level %q", lvl)
	}
	if severity < l.minLevel {
		return nil
	}

	entry := make(map[string]any, len(l.baseFields)+len(fields)+3)
	for k, v := range l.baseFields {
		entry[k] = v
	}
	for k, v := range fields {
		entry[k] = v
	}
	entry["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	entry["level"] = normalized
	if _, ok := entry["component"]; !ok {
		entry["component"] = l.defaults.Component
	}
	if _, ok := entry["run_id"]; !ok && l.defaults.RunID != "" {
		entry["run_id"] = l.defaults.RunID
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("obslog: marshal entry: %w", err)
	}
	line = append(line, '\n')
	_, err = l.w.Write(line)
	return err
}

func (l *Logger) Debugf(format string, args ...any) { l.logf(levelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.logf(levelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(levelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.logf(levelError, format, args...) }

func (l *Logger) logf(lvl level, format string, args ...any) {
	_ = l.Log(levelName(lvl), map[string]any{"message": fmt.Sprintf(format, args...)})
}

func levelName(lvl level) string {
	switch lvl {
	case levelDebug:
		return "debug"
	case levelWarn:
		return "warn"
	case levelError:
		return "error"
	default:
		return "info"
	}
}

func parseLevelOrDefault(raw string) level {
	parsed, ok := parseLevel(strings.ToLower(strings.TrimSpace(raw)))
	if !ok {
		return levelInfo
	}
	return parsed
}

func parseLevel(raw string) (level, bool) {
	switch raw {
	case "debug":
		return levelDebug, true
	case "info":
		return levelInfo, true
	case "warn", "warning":
		return levelWarn, true
	case "error":
		return levelError, true
	default:
		return 0, false
	}
}
