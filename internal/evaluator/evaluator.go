// Package evaluator runs the evaluation command in a candidate's
// worktree and extracts its metrics (spec §4.10 "evaluation outcome
// parsing").
package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/anomalyco/aurelia/internal/sandbox"
)

const metricsSchemaText = `{
  "type": "object",
  "minProperties": 1,
  "additionalProperties": {"type": "number"}
}`

// FailureKind distinguishes the two ways extraction can fail (spec
// §4.15).
type FailureKind string

const (
	// FailureNone means extraction succeeded.
	FailureNone FailureKind = ""
	// FailureEvalError means no line of stdout parsed as a JSON object
	// at all.
	FailureEvalError FailureKind = "eval_error"
	// FailureBadMetrics means a trailing JSON object was found but its
	// shape does not satisfy the metrics schema (nested objects,
	// non-numeric leaves, or an empty object).
	FailureBadMetrics FailureKind = "bad_metrics"
)

var metricsSchema = compileMetricsSchema()

func compileMetricsSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("metrics-schema.json", strings.NewReader(metricsSchemaText)); err != nil {
		panic(fmt.Sprintf("evaluator: invalid embedded metrics schema: %v", err))
	}
	compiled, err := compiler.Compile("metrics-schema.json")
	if err != nil {
		panic(fmt.Sprintf("evaluator: compile embedded metrics schema: %v", err))
	}
	return compiled
}

// Stage runs the configured evaluation command via the Sandbox and
// extracts metrics from its stdout.
type Stage struct {
	Sandbox      *sandbox.Sandbox
	Command      []string
	EnvAllowlist []string
	Env          map[string]string
	Timeout      time.Duration

	// StdoutLogPath and StderrLogPath, if set, tee the command's
	// output to .aurelia/logs/<candidate_id>/evaluator.{stdout,stderr}
	// (spec §6).
	StdoutLogPath string
	StderrLogPath string
}

// Run executes the evaluation command and extracts metrics from its
// stdout. failureKind is FailureNone on success.
func (s *Stage) Run(ctx context.Context, worktreePath string) (metrics map[string]float64, failureKind FailureKind, err error) {
	result, runErr := s.Sandbox.Run(ctx, s.Command, worktreePath, s.EnvAllowlist, s.Env, s.Timeout, s.StdoutLogPath, s.StderrLogPath)
	if runErr != nil {
		return nil, "", runErr
	}
	if result.TimedOut {
		return nil, FailureEvalError, nil
	}
	return ExtractMetrics(result.Stdout)
}

// ExtractMetrics scans stdout from the last line backward for the
// first one that parses as a JSON object, then validates it against
// the metrics schema.
func ExtractMetrics(stdout string) (map[string]float64, FailureKind, error) {
	lines := strings.Split(stdout, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}

		var raw any
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			continue
		}
		object, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		if err := metricsSchema.Validate(object); err != nil {
			return nil, FailureBadMetrics, nil
		}

		metrics := make(map[string]float64, len(object))
		for key, value := range object {
			number, ok := value.(float64)
			if !ok {
				return nil, FailureBadMetrics, nil
			}
			metrics[key] = number
		}
		return metrics, FailureNone, nil
	}
	return nil, FailureEvalError, nil
}
