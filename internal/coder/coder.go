// Package coder drives the bounded LLM+tools conversation that edits a
// candidate's worktree (spec §4.8).
package coder

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/anomalyco/aurelia/internal/llmclient"
	"github.com/anomalyco/aurelia/internal/toolserver"
)

const (
	toolReadFile    = "read_file"
	toolWriteFile   = "write_file"
	toolRunCommand  = "run_command"
	defaultToolTimeout = 30 * time.Second
)

// PriorOutcome summarizes one earlier candidate's result, fed back to
// the model so later attempts can build on what worked (spec §4.8).
// The source material gives no field-level contract for this summary;
// this shape — id, metrics, error kind — is this port's decision.
type PriorOutcome struct {
	CandidateID int64
	Metrics     map[string]float64
	ErrorKind   string
}

// Outcome is the stage's terminal result. Done=true means the model
// returned no further tool calls; otherwise FailureKind names why the
// stage gave up (spec §4.8: coder_turn_budget or coder_tool_error).
type Outcome struct {
	Done        bool
	FailureKind string
}

// Stage drives one candidate's coding conversation to completion or
// failure.
type Stage struct {
	Client   llmclient.Client
	Tools    *toolserver.Server
	Model    string
	MaxTurns int

	// OnLLMCall, if set, is notified after every Chat call that returns
	// successfully, cache hits included (spec §3: every LLM call
	// produces an llm_call event; spec §4.7: "cache hits included").
	OnLLMCall func(tokensIn, tokensOut int, cached bool)
}

// Run executes the bounded turn loop described in spec §4.8. Failures
// never escape as errors (the method's error return is reserved for
// context cancellation, which the Candidate Engine maps to
// candidate_aborted); they resolve to Outcome.FailureKind.
func (s *Stage) Run(ctx context.Context, problemStatement, evaluatorScript string, priors []PriorOutcome, toolSchemas []llmclient.ToolSchema) (Outcome, error) {
	messages := []llmclient.Message{
		{Role: llmclient.RoleSystem, Content: buildSystemPrompt(problemStatement, evaluatorScript, priors)},
	}

	maxTurns := s.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 1
	}

	for turn := 0; turn < maxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}

		response, err := s.Client.Chat(ctx, s.Model, messages, toolSchemas)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Outcome{}, ctxErr
			}
			return Outcome{FailureKind: "coder_tool_error"}, nil
		}
		if s.OnLLMCall != nil {
			s.OnLLMCall(response.TokensIn, response.TokensOut, response.Cached)
		}

		if response.Message != "" {
			messages = append(messages, llmclient.Message{Role: llmclient.RoleAssistant, Content: response.Message})
		}

		if len(response.ToolCalls) == 0 {
			return Outcome{Done: true}, nil
		}

		for _, call := range response.ToolCalls {
			if err := ctx.Err(); err != nil {
				return Outcome{}, err
			}

			resultText, fatal := s.executeTool(ctx, call)
			if fatal {
				return Outcome{FailureKind: "coder_tool_error"}, nil
			}
			messages = append(messages, llmclient.Message{
				Role:       llmclient.RoleTool,
				Content:    resultText,
				ToolCallID: call.ID,
			})
		}
	}

	return Outcome{FailureKind: "coder_turn_budget"}, nil
}

// executeTool dispatches one tool call. fatal is true only for errors
// the tool server itself did not know how to turn into a result the
// model can react to (a malformed call); a tool_path_escape is not
// fatal — it is reported back to the model as an ordinary tool error
// (spec §7).
func (s *Stage) executeTool(ctx context.Context, call llmclient.ToolCall) (resultText string, fatal bool) {
	switch call.Name {
	case toolReadFile:
		var args struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return "", true
		}
		data, err := s.Tools.ReadFile(args.Path)
		if err != nil {
			if errors.Is(err, toolserver.ErrPathEscape) {
				return "error: tool_path_escape", false
			}
			return fmt.Sprintf("error: %v", err), false
		}
		return base64.StdEncoding.EncodeToString(data), false

	case toolWriteFile:
		var args struct {
			Path    string `json:"path"`
			Content string `json:"content"` // base64-encoded
		}
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return "", true
		}
		content, err := base64.StdEncoding.DecodeString(args.Content)
		if err != nil {
			return "", true
		}
		if err := s.Tools.WriteFile(args.Path, content); err != nil {
			if errors.Is(err, toolserver.ErrPathEscape) {
				return "error: tool_path_escape", false
			}
			return fmt.Sprintf("error: %v", err), false
		}
		return "ok", false

	case toolRunCommand:
		var args struct {
			Argv           []string `json:"argv"`
			TimeoutSeconds float64  `json:"timeout_seconds"`
		}
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return "", true
		}
		timeout := defaultToolTimeout
		if args.TimeoutSeconds > 0 {
			timeout = time.Duration(args.TimeoutSeconds * float64(time.Second))
		}
		result, err := s.Tools.RunCommand(ctx, args.Argv, timeout)
		if err != nil {
			return fmt.Sprintf("error: %v", err), false
		}
		return fmt.Sprintf("exit=%d\nstdout:\n%s\nstderr:\n%s", result.ExitCode, result.Stdout, result.Stderr), false

	default:
		return "", true
	}
}

func buildSystemPrompt(problemStatement, evaluatorScript string, priors []PriorOutcome) string {
	var b strings.Builder
	b.WriteString(problemStatement)
	b.WriteString("\n\n--- evaluator ---\n")
	b.WriteString(evaluatorScript)
	if len(priors) > 0 {
		b.WriteString("\n\n--- prior attempts ---\n")
		for _, p := range priors {
			if p.ErrorKind != "" {
				fmt.Fprintf(&b, "candidate %d: failed (%s)\n", p.CandidateID, p.ErrorKind)
				continue
			}
			parts := make([]string, 0, len(p.Metrics))
			for name, value := range p.Metrics {
				parts = append(parts, fmt.Sprintf("%s=%s", name, strconv.FormatFloat(value, 'g', -1, 64)))
			}
			fmt.Fprintf(&b, "candidate %d: %s\n", p.CandidateID, strings.Join(parts, ", "))
		}
	}
	return b.String()
}
