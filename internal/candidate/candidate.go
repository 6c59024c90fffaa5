// Package candidate implements the per-candidate state machine that
// composes the Git Worktree Manager, Coder, Presubmit, and Evaluator
// stages (spec §4.10).
package candidate

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/anomalyco/aurelia/internal/coder"
	"github.com/anomalyco/aurelia/internal/evaluator"
	"github.com/anomalyco/aurelia/internal/events"
	"github.com/anomalyco/aurelia/internal/llmclient"
	"github.com/anomalyco/aurelia/internal/presubmit"
	"github.com/anomalyco/aurelia/internal/sandbox"
	"github.com/anomalyco/aurelia/internal/toolserver"
	"github.com/anomalyco/aurelia/internal/worktree"
)

// ErrAborted is returned by Run when cancellation was observed at a
// stage boundary before the candidate reached a terminal outcome
// (spec §5 "cooperative cancellation").
var ErrAborted = errors.New("candidate aborted")

// Emitter appends one event to the durable log and folds it into the
// State Store. The Candidate Engine never touches the log or store
// directly; it only emits (spec §9: "no global state").
type Emitter func(kind events.Kind, candidateID int64, payload any) error

// Params configures one Engine.Run call.
type Params struct {
	CandidateID      int64
	ParentRef        string
	ProblemStatement string
	EvaluatorScript  string
	Priors           []coder.PriorOutcome
	ToolSchemas      []llmclient.ToolSchema
}

// Engine drives one candidate from "new" to a terminal state,
// composing the Git Worktree Manager and the Coder/Presubmit/Evaluator
// stages. One Engine value is stateless across candidates; Run is safe
// to call concurrently for different candidates sharing the same
// collaborators (worktrees, sandboxes, and tool servers are all
// per-call).
type Engine struct {
	Worktree *worktree.Manager
	Sandbox  *sandbox.Sandbox
	LLM      llmclient.Client
	Model    string
	MaxTurns int

	PresubmitCommand []string
	EvaluatorCommand []string
	PresubmitTimeout time.Duration
	EvaluatorTimeout time.Duration

	EnvAllowlist []string
	Env          map[string]string

	// LogsDir, if set, roots the per-stage stdout/stderr log files at
	// <LogsDir>/<candidate_id>/<stage>.{stdout,stderr} (spec §6). Left
	// empty, stages run without disk logging.
	LogsDir string

	Emit Emitter
}

// logPath builds the disk path for one stage's stdout or stderr log,
// or "" when LogsDir is unset.
func (e *Engine) logPath(id int64, stage, stream string) string {
	if e.LogsDir == "" {
		return ""
	}
	return filepath.Join(e.LogsDir, strconv.FormatInt(id, 10), stage+"."+stream)
}

// Run executes the full new → preparing → coding → presubmitting →
// evaluating → succeeded|failed diagram for one candidate. A non-nil
// error means ErrAborted (shutdown observed mid-flight), an
// engine-scoped sandbox_unavailable failure, or an error returned by
// Emit; every other outcome is communicated purely through emitted
// events, never as a Go error.
func (e *Engine) Run(ctx context.Context, p Params) error {
	id := p.CandidateID

	if err := e.emit(events.KindCandidateStageStarted, id, events.StageStartedPayload{Stage: events.StagePreparing}); err != nil {
		return err
	}

	branch, path, err := e.Worktree.Create(ctx, id, p.ParentRef)
	if err != nil {
		return e.fail(id, "git_error", err)
	}
	if err := e.emit(events.KindCandidateStageFinished, id, events.StageFinishedPayload{Stage: events.StagePreparing, Outcome: events.OutcomePass}); err != nil {
		return err
	}

	if ctx.Err() != nil {
		return e.abort(ctx, id, path, branch)
	}

	outcome, err := e.runCoder(ctx, id, path, p)
	if err != nil {
		return e.abort(ctx, id, path, branch)
	}
	if !outcome.Done {
		e.destroyBestEffort(path, branch, false)
		return e.fail(id, outcome.FailureKind, fmt.Errorf("coder stage: %s", outcome.FailureKind))
	}
	if err := e.emit(events.KindCandidateStageFinished, id, events.StageFinishedPayload{Stage: events.StageCoding, Outcome: events.OutcomePass}); err != nil {
		return err
	}

	if ctx.Err() != nil {
		return e.abort(ctx, id, path, branch)
	}

	if err := e.emit(events.KindCandidateStageStarted, id, events.StageStartedPayload{Stage: events.StagePresubmit}); err != nil {
		return err
	}
	presubmitResult, err := e.runPresubmit(ctx, id, path)
	if err != nil {
		return e.engineScoped(id, path, branch, fmt.Errorf("sandbox_unavailable: presubmit: %w", err))
	}
	if !presubmitResult.Passed {
		_ = e.emit(events.KindCandidateStageFinished, id, events.StageFinishedPayload{Stage: events.StagePresubmit, Outcome: events.OutcomeFail})
		e.destroyBestEffort(path, branch, false)
		return e.fail(id, "presubmit_fail", errors.New(presubmitResult.StderrTail))
	}
	if err := e.emit(events.KindCandidateStageFinished, id, events.StageFinishedPayload{Stage: events.StagePresubmit, Outcome: events.OutcomePass}); err != nil {
		return err
	}

	if ctx.Err() != nil {
		return e.abort(ctx, id, path, branch)
	}

	if err := e.emit(events.KindCandidateStageStarted, id, events.StageStartedPayload{Stage: events.StageEvaluating}); err != nil {
		return err
	}
	metrics, failureKind, err := e.runEvaluator(ctx, id, path)
	if err != nil {
		return e.engineScoped(id, path, branch, fmt.Errorf("sandbox_unavailable: evaluator: %w", err))
	}
	if failureKind != evaluator.FailureNone {
		_ = e.emit(events.KindCandidateStageFinished, id, events.StageFinishedPayload{Stage: events.StageEvaluating, Outcome: events.OutcomeFail})
		e.destroyBestEffort(path, branch, false)
		return e.fail(id, string(failureKind), fmt.Errorf("evaluator stage: %s", failureKind))
	}
	if err := e.emit(events.KindCandidateStageFinished, id, events.StageFinishedPayload{Stage: events.StageEvaluating, Outcome: events.OutcomePass}); err != nil {
		return err
	}

	e.destroyBestEffort(path, branch, true)
	return e.emit(events.KindCandidateEvaluated, id, events.EvaluatedPayload{Metrics: metrics})
}

func (e *Engine) runCoder(ctx context.Context, id int64, path string, p Params) (coder.Outcome, error) {
	if err := e.emit(events.KindCandidateStageStarted, id, events.StageStartedPayload{Stage: events.StageCoding}); err != nil {
		return coder.Outcome{}, err
	}

	tools := toolserver.New(path, e.Sandbox, e.EnvAllowlist, e.Env,
		e.logPath(id, "coder", "stdout"), e.logPath(id, "coder", "stderr"),
		func(callID, name, summary string) {
			_ = e.emit(events.KindToolInvoked, id, events.ToolInvokedPayload{CallID: callID, Name: name, Summary: summary})
		})

	stage := &coder.Stage{
		Client:   e.LLM,
		Tools:    tools,
		Model:    e.Model,
		MaxTurns: e.MaxTurns,
		OnLLMCall: func(tokensIn, tokensOut int, cached bool) {
			_ = e.emit(events.KindLLMCall, id, events.LLMCallPayload{
				TokensIn:         tokensIn,
				TokensOut:        tokensOut,
				Cached:           cached,
				EstimatedCostUSD: llmclient.EstimateCostUSD(e.Model, tokensIn, tokensOut),
			})
		},
	}
	return stage.Run(ctx, p.ProblemStatement, p.EvaluatorScript, p.Priors, p.ToolSchemas)
}

func (e *Engine) runPresubmit(ctx context.Context, id int64, path string) (presubmit.Outcome, error) {
	stage := &presubmit.Stage{
		Sandbox:       e.Sandbox,
		Command:       e.PresubmitCommand,
		EnvAllowlist:  e.EnvAllowlist,
		Env:           e.Env,
		Timeout:       e.PresubmitTimeout,
		StdoutLogPath: e.logPath(id, "presubmit", "stdout"),
		StderrLogPath: e.logPath(id, "presubmit", "stderr"),
	}
	return stage.Run(ctx, path)
}

func (e *Engine) runEvaluator(ctx context.Context, id int64, path string) (map[string]float64, evaluator.FailureKind, error) {
	stage := &evaluator.Stage{
		Sandbox:       e.Sandbox,
		Command:       e.EvaluatorCommand,
		EnvAllowlist:  e.EnvAllowlist,
		Env:           e.Env,
		Timeout:       e.EvaluatorTimeout,
		StdoutLogPath: e.logPath(id, "evaluator", "stdout"),
		StderrLogPath: e.logPath(id, "evaluator", "stderr"),
	}
	return stage.Run(ctx, path)
}

func (e *Engine) fail(id int64, kind string, cause error) error {
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	return e.emit(events.KindCandidateFailed, id, events.FailedPayload{Kind: kind, Message: message})
}

func (e *Engine) abort(ctx context.Context, id int64, path, branch string) error {
	e.destroyBestEffort(path, branch, false)
	if err := e.emit(events.KindCandidateAborted, id, struct{}{}); err != nil {
		return err
	}
	return ErrAborted
}

// engineScoped tears down the candidate's worktree and marks it aborted
// (it is not the candidate's fault, so this must not count toward
// ConsecutiveFailures) before returning the engine-scoped cause
// unchanged, so IsEngineScoped can still classify it at the Scheduler
// (spec §7: "sandbox_unavailable — engine-scoped; if first occurrence,
// retry once per tick; if persists across three ticks, fatal").
func (e *Engine) engineScoped(id int64, path, branch string, cause error) error {
	e.destroyBestEffort(path, branch, false)
	_ = e.emit(events.KindCandidateAborted, id, struct{}{})
	return cause
}

// destroyBestEffort tears down the worktree without letting a cleanup
// failure mask the outcome that was already decided. Used on every
// terminal path; orphans left behind on error are swept by
// CleanupOrphans at the next startup.
func (e *Engine) destroyBestEffort(path, branch string, keepBranch bool) {
	// Context passed to Destroy is always fresh: a shutdown in progress
	// must not prevent cleanup of the worktree it just interrupted.
	_ = e.Worktree.Destroy(context.Background(), path, branch, keepBranch)
}

func (e *Engine) emit(kind events.Kind, candidateID int64, payload any) error {
	if e.Emit == nil {
		return fmt.Errorf("candidate: no event emitter configured")
	}
	return e.Emit(kind, candidateID, payload)
}

// IsEngineScoped reports whether err represents an engine-scoped
// failure (spec §7) rather than ErrAborted or a nil/candidate-scoped
// outcome. The Scheduler uses this to decide whether to retry or
// escalate, never the Candidate Engine itself.
func IsEngineScoped(err error) bool {
	return err != nil && !errors.Is(err, ErrAborted) && strings.Contains(err.Error(), "sandbox_unavailable")
}
