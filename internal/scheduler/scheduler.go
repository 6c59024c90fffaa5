// Package scheduler implements the heartbeat loop that creates
// candidates, checks the termination condition, and drains in-flight
// work on shutdown (spec §4.11, §4.12).
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anomalyco/aurelia/internal/candidate"
	"github.com/anomalyco/aurelia/internal/coder"
	"github.com/anomalyco/aurelia/internal/config"
	"github.com/anomalyco/aurelia/internal/events"
	"github.com/anomalyco/aurelia/internal/ids"
	"github.com/anomalyco/aurelia/internal/llmclient"
	"github.com/anomalyco/aurelia/internal/state"
	"github.com/anomalyco/aurelia/internal/worktree"
)

// sandboxUnavailableFatalTicks is the number of consecutive ticks
// sandbox_unavailable must be observed on before the Scheduler gives up
// and escalates to a fatal drain (spec §7: "if first occurrence, retry
// once per tick; if persists across three ticks, fatal").
const sandboxUnavailableFatalTicks = 3

// Emitter appends one event to the durable log and folds it into the
// State Store. The Scheduler and the Candidate Engine it drives share
// exactly this seam with the Runtime (spec §9: "no global state").
type Emitter func(kind events.Kind, candidateID *int64, payload any) error

// Scheduler runs the heartbeat loop and starts one goroutine per
// candidate; the loop and the candidate goroutines all write the State
// Store through Emit, so mutation is not confined to one goroutine. It
// ticks on HeartbeatInterval, or immediately when woken by Wake
// (candidate completion or a shutdown request).
type Scheduler struct {
	Config   config.Config
	Store    *state.Store
	IDs      *ids.Generator
	Worktree *worktree.Manager
	Engine   *candidate.Engine
	Emit     Emitter
	Wake     *Wakeup
	Stop     <-chan struct{}

	InitialRef       string
	ProblemStatement string
	EvaluatorScript  string
	ToolSchemas      []llmclient.ToolSchema

	wg sync.WaitGroup

	mu                                 sync.Mutex
	sandboxUnavailableThisTick         bool
	consecutiveSandboxUnavailableTicks int
	fatalErr                           error
}

// Run drives the heartbeat loop until the termination condition is
// satisfied, the abandonment threshold is crossed, or Stop fires, in
// each case draining in-flight candidates before returning. A non-nil
// error is ctx's error when ctx was canceled out from under the loop
// itself (the last-resort path; an orderly shutdown always goes through
// Stop), an error from emitting runtime_stopping or runtime_stopped, or
// the fatal error recorded when sandbox_unavailable persisted across
// sandboxUnavailableFatalTicks ticks.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Config.HeartbeatInterval)
	defer ticker.Stop()
	defer s.wg.Wait()

	for {
		snapshot := s.Store.Current()

		fatal := s.tickSandboxUnavailable()
		if !snapshot.ShuttingDown && (fatal || s.shutdownRequested(snapshot)) {
			if err := s.Emit(events.KindRuntimeStopping, nil, struct{}{}); err != nil {
				return err
			}
			snapshot = s.Store.Current()
		}

		if snapshot.ShuttingDown && len(snapshot.ActiveIDs) == 0 {
			if err := s.Emit(events.KindRuntimeStopped, nil, struct{}{}); err != nil {
				return err
			}
			return s.drainFatalErr()
		}

		if !snapshot.ShuttingDown {
			s.fillCapacity(ctx, snapshot)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-s.Wake.C():
		}
	}
}

// shutdownRequested reports whether a stop signal, the termination
// condition, or the consecutive-failure abandonment threshold calls
// for draining (spec §4.12). Stop takes priority only in the sense
// that it is checked first; any of the three is sufficient on its own.
func (s *Scheduler) shutdownRequested(snapshot state.Snapshot) bool {
	select {
	case <-s.Stop:
		return true
	default:
	}

	if best := s.bestMetrics(snapshot); best != nil && s.Config.TerminationCondition.Satisfied(best) {
		return true
	}

	if s.Config.CandidateAbandonThreshold > 0 && snapshot.ConsecutiveFailures >= s.Config.CandidateAbandonThreshold {
		return true
	}

	return false
}

// tickSandboxUnavailable consumes this tick's sandbox_unavailable
// observations and advances the consecutive-tick counter (spec §7).
// A tick with no observation resets the counter, matching "retry once
// per tick"; three ticks in a row with at least one observation each
// escalates to fatal and records the error drainFatalErr returns once
// draining completes.
func (s *Scheduler) tickSandboxUnavailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.sandboxUnavailableThisTick {
		s.consecutiveSandboxUnavailableTicks = 0
		return false
	}
	s.sandboxUnavailableThisTick = false
	s.consecutiveSandboxUnavailableTicks++
	if s.consecutiveSandboxUnavailableTicks < sandboxUnavailableFatalTicks {
		return false
	}

	if s.fatalErr == nil {
		s.fatalErr = fmt.Errorf("scheduler: sandbox_unavailable persisted across %d ticks", s.consecutiveSandboxUnavailableTicks)
	}
	return true
}

// drainFatalErr returns the fatal error recorded by tickSandboxUnavailable,
// if any, once the drain it triggered has finished (spec §7: "if persists
// across three ticks, fatal").
func (s *Scheduler) drainFatalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalErr
}

func (s *Scheduler) bestMetrics(snapshot state.Snapshot) map[string]float64 {
	if snapshot.BestSoFarID == nil {
		return nil
	}
	c, ok := snapshot.Candidates[*snapshot.BestSoFarID]
	if !ok {
		return nil
	}
	return c.Metrics
}

// fillCapacity launches new candidates up to MaxConcurrentTasks. Each
// runs in its own goroutine; the scheduler goroutine itself never
// blocks on a candidate's stages (spec §4.11).
func (s *Scheduler) fillCapacity(ctx context.Context, snapshot state.Snapshot) {
	for len(snapshot.ActiveIDs) < s.Config.MaxConcurrentTasks {
		id := s.IDs.Next()
		parentID, parentRef := s.chooseParent(snapshot)
		branch := s.Worktree.BranchName(id)
		path := s.Worktree.Path(id)

		if err := s.Emit(events.KindCandidateCreated, &id, events.CandidateCreatedPayload{
			ParentID:     parentID,
			BranchName:   branch,
			WorktreePath: path,
		}); err != nil {
			return
		}

		s.wg.Add(1)
		go s.runCandidate(ctx, id, parentRef, snapshot)

		snapshot = s.Store.Current()
	}
}

func (s *Scheduler) runCandidate(ctx context.Context, id int64, parentRef string, snapshotAtLaunch state.Snapshot) {
	defer s.wg.Done()
	defer s.Wake.Notify()

	// The terminal event (evaluated/failed/aborted) is already durable
	// by the time Run returns; the only thing the Scheduler still needs
	// from the returned error is whether it was engine-scoped, for the
	// sandbox_unavailable retry/escalation tracked in tickSandboxUnavailable.
	err := s.Engine.Run(ctx, candidate.Params{
		CandidateID:      id,
		ParentRef:        parentRef,
		ProblemStatement: s.ProblemStatement,
		EvaluatorScript:  s.EvaluatorScript,
		Priors:           s.priorOutcomes(snapshotAtLaunch),
		ToolSchemas:      s.ToolSchemas,
	})
	if candidate.IsEngineScoped(err) {
		s.mu.Lock()
		s.sandboxUnavailableThisTick = true
		s.mu.Unlock()
	}
}

// chooseParent forks the next candidate from the best succeeded
// candidate so far, or from InitialRef when none has succeeded yet
// (spec §4.11: "forks from the best known-good state").
func (s *Scheduler) chooseParent(snapshot state.Snapshot) (*int64, string) {
	if snapshot.BestSoFarID == nil {
		return nil, s.InitialRef
	}
	best, ok := snapshot.Candidates[*snapshot.BestSoFarID]
	if !ok {
		return nil, s.InitialRef
	}
	id := *snapshot.BestSoFarID
	return &id, best.BranchName
}

// priorOutcomes summarizes every terminal candidate so far, for the
// Coder Stage's system prompt (spec §4.8).
func (s *Scheduler) priorOutcomes(snapshot state.Snapshot) []coder.PriorOutcome {
	priors := make([]coder.PriorOutcome, 0, len(snapshot.Candidates))
	for _, c := range snapshot.Candidates {
		if !c.State.IsTerminal() {
			continue
		}
		prior := coder.PriorOutcome{CandidateID: c.ID, Metrics: c.Metrics}
		if c.Error != nil {
			prior.ErrorKind = c.Error.Kind
		}
		priors = append(priors, prior)
	}
	return priors
}
