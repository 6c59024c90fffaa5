// Package engine wires the Event Log, State Store, Worktree Manager,
// Sandbox, Candidate Engine, Heartbeat Scheduler, and Signal Handler
// into one running Runtime (spec §3 "component overview").
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/anomalyco/aurelia/internal/candidate"
	"github.com/anomalyco/aurelia/internal/config"
	"github.com/anomalyco/aurelia/internal/events"
	"github.com/anomalyco/aurelia/internal/execrunner"
	"github.com/anomalyco/aurelia/internal/ids"
	"github.com/anomalyco/aurelia/internal/llmclient"
	"github.com/anomalyco/aurelia/internal/obslog"
	"github.com/anomalyco/aurelia/internal/sandbox"
	"github.com/anomalyco/aurelia/internal/scheduler"
	"github.com/anomalyco/aurelia/internal/signalhandler"
	"github.com/anomalyco/aurelia/internal/state"
	"github.com/anomalyco/aurelia/internal/worktree"
)

// Options configures one Runtime. Everything here is either read from
// workflow.yaml (via internal/config) or supplied by the CLI.
type Options struct {
	RepoRoot         string
	WorktreesDir     string
	LogsDir          string
	EventLogPath     string
	Config           config.Config
	LLM              llmclient.Client
	Model            string
	MaxTurns         int
	ProblemStatement string
	EvaluatorScript  string
	ToolSchemas      []llmclient.ToolSchema
	InitialRef       string
	Logger           *obslog.Logger
}

// Runtime is one running instance of the heartbeat engine: the Event
// Log is its ground truth, everything else is derived or injected.
type Runtime struct {
	Log       *events.Log
	Store     *state.Store
	IDs       *ids.Generator
	Worktree  *worktree.Manager
	Sandbox   *sandbox.Sandbox
	Scheduler *scheduler.Scheduler
	Signals   *signalhandler.Handler
	Logger    *obslog.Logger
}

// New opens the event log, replays it into a fresh State Store, and
// wires every collaborator. It does not start the heartbeat loop;
// call Run for that.
func New(opts Options) (*Runtime, error) {
	log, err := events.Open(opts.EventLogPath)
	if err != nil {
		return nil, fmt.Errorf("engine: open event log: %w", err)
	}

	recovered, err := log.ScanFrom(0)
	if err != nil {
		return nil, fmt.Errorf("engine: replay event log: %w", err)
	}

	store := state.Rebuild(opts.Config.TerminationCondition.Metric, recovered)
	idGen := ids.NewGenerator(nextCandidateID(recovered))

	runner := execrunner.NewOSRunner()
	worktreeMgr := worktree.New(opts.RepoRoot, opts.WorktreesDir, runner)
	sbx := sandbox.New(opts.Config.SandboxImage, runner)
	signals := signalhandler.New()

	// emitMu holds append and apply together so the store folds events in
	// seq order even when several candidate goroutines emit at once.
	var emitMu sync.Mutex
	emit := func(kind events.Kind, candidateID *int64, payload any) error {
		emitMu.Lock()
		defer emitMu.Unlock()
		evt, err := events.WithPayload(kind, candidateID, payload)
		if err != nil {
			return fmt.Errorf("engine: build event: %w", err)
		}
		evt, err = log.Append(evt)
		if err != nil {
			return fmt.Errorf("engine: append event: %w", err)
		}
		store.Apply(evt)
		return nil
	}

	candidateEngine := &candidate.Engine{
		Worktree:         worktreeMgr,
		Sandbox:          sbx,
		LLM:              opts.LLM,
		Model:            opts.Model,
		MaxTurns:         opts.MaxTurns,
		PresubmitCommand: opts.Config.PresubmitCommand,
		EvaluatorCommand: opts.Config.EvaluatorCommand,
		PresubmitTimeout: opts.Config.PresubmitTimeout,
		EvaluatorTimeout: opts.Config.EvaluatorTimeout,
		EnvAllowlist:     opts.Config.ForwardedEnv,
		LogsDir:          opts.LogsDir,
		Emit: func(kind events.Kind, candidateID int64, payload any) error {
			id := candidateID
			return emit(kind, &id, payload)
		},
	}

	sched := &scheduler.Scheduler{
		Config:           opts.Config,
		Store:            store,
		IDs:              idGen,
		Worktree:         worktreeMgr,
		Engine:           candidateEngine,
		Emit:             emit,
		Wake:             scheduler.NewWakeup(),
		Stop:             signals.Stop,
		InitialRef:       opts.InitialRef,
		ProblemStatement: opts.ProblemStatement,
		EvaluatorScript:  opts.EvaluatorScript,
		ToolSchemas:      opts.ToolSchemas,
	}

	return &Runtime{
		Log:       log,
		Store:     store,
		IDs:       idGen,
		Worktree:  worktreeMgr,
		Sandbox:   sbx,
		Scheduler: sched,
		Signals:   signals,
		Logger:    opts.Logger,
	}, nil
}

// Run sweeps orphaned worktrees left by an unclean prior exit, emits
// runtime_started, then drives the heartbeat loop until shutdown
// completes. Orphans are destroyed outright, never resumed (spec §9:
// "no crash-resumption of in-flight candidates").
//
// ctx is canceled only on a second shutdown signal (signalhandler's
// "force" path); the first signal instead closes Signals.Stop and
// wakes the scheduler, which drains in-flight candidates and returns
// on its own. Run is the sole owner of this cancellation: a caller
// that also raced its own signal.NotifyContext against signalhandler
// could observe ctx.Done() before the scheduler's own drain logic
// reacts to Stop, skipping runtime_stopping/runtime_stopped entirely.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Worktree.CleanupOrphans(ctx, map[string]bool{}); err != nil {
		r.Logger.Warnf("orphan worktree cleanup failed: %v", err)
	}

	if err := r.emitStarted(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.Signals.OnForce = cancel
	r.Signals.Listen(func() { r.Scheduler.Wake.Notify() })
	defer r.Signals.StopListening()

	defer r.Shutdown(context.Background())

	return r.Scheduler.Run(ctx)
}

// Shutdown kills every sandbox container this Runtime's Scheduler may
// have left running. Run always calls this once the heartbeat loop's
// drain completes, successful or not (spec §4.5: "on engine shutdown
// all live sandboxes are killed"); exposed so a caller that short-
// circuits before or around Run can still force the same teardown.
func (r *Runtime) Shutdown(ctx context.Context) {
	r.Sandbox.Shutdown(ctx)
}

func (r *Runtime) Close() error {
	return r.Log.Close()
}

func (r *Runtime) emitStarted() error {
	evt, err := events.WithPayload(events.KindRuntimeStarted, nil, struct{}{})
	if err != nil {
		return err
	}
	evt, err = r.Log.Append(evt)
	if err != nil {
		return err
	}
	r.Store.Apply(evt)
	return nil
}

// nextCandidateID returns 1 + the highest candidate id seen in the
// recovered log, so a restart never reuses an id already present in
// the event log (spec §4.3).
func nextCandidateID(recovered []events.Event) int64 {
	var max int64
	for _, e := range recovered {
		if e.CandidateID != nil && *e.CandidateID > max {
			max = *e.CandidateID
		}
	}
	return max + 1
}
