// Package state builds the runtime's derived state by folding the event
// log. The store is the only mutable shared state in the process. It is
// written through the Runtime's emit function, from the heartbeat
// scheduler's goroutine and from each candidate's goroutine, one event
// at a time in seq order; it is read by many (status, monitor, report)
// through copy-on-read snapshots.
package state

import (
	"sync"
	"time"

	"github.com/anomalyco/aurelia/internal/events"
)

// CandidateState mirrors the candidate engine's state machine (spec
// §4.10). It is duplicated here, rather than imported from the candidate
// package, so that state has no dependency on candidate: the store must
// be foldable from nothing but the event log.
type CandidateState string

const (
	CandidateNew           CandidateState = "new"
	CandidatePreparing     CandidateState = "preparing"
	CandidateCoding        CandidateState = "coding"
	CandidatePresubmitting CandidateState = "presubmitting"
	CandidateEvaluating    CandidateState = "evaluating"
	CandidateSucceeded     CandidateState = "succeeded"
	CandidateFailed        CandidateState = "failed"
	CandidateAborted       CandidateState = "aborted"
)

// IsTerminal reports whether no further transitions are possible.
func (s CandidateState) IsTerminal() bool {
	switch s {
	case CandidateSucceeded, CandidateFailed, CandidateAborted:
		return true
	default:
		return false
	}
}

// CandidateError is the kind+message pair recorded on candidate_failed.
type CandidateError struct {
	Kind    string
	Message string
}

// Candidate is the derived view of one improvement attempt.
type Candidate struct {
	ID           int64
	ParentID     *int64
	BranchName   string
	WorktreePath string
	State        CandidateState
	CreatedAt    time.Time
	FinishedAt   *time.Time
	Metrics      map[string]float64
	Error        *CandidateError
}

func (c Candidate) clone() Candidate {
	if len(c.Metrics) > 0 {
		metrics := make(map[string]float64, len(c.Metrics))
		for k, v := range c.Metrics {
			metrics[k] = v
		}
		c.Metrics = metrics
	}
	return c
}

// Snapshot is a consistent, copy-on-read view of the runtime state at one
// instant. Mutating it never affects the live store.
type Snapshot struct {
	Candidates          map[int64]Candidate
	ActiveIDs           []int64
	BestSoFarID         *int64
	ConsecutiveFailures int
	ShuttingDown        bool
	Stopped             bool
	ToolInvocations     int
	LLMCalls            int
	TokensIn            int
	TokensOut           int
	EstimatedCostUSD    float64
}

// Store folds events into the derived runtime state described in spec §3.
// Folding is total: unknown event kinds are ignored so older logs remain
// readable (spec §4.2).
type Store struct {
	mu sync.RWMutex

	primaryMetric string

	candidates          map[int64]Candidate
	active              map[int64]bool
	bestSoFarID         *int64
	consecutiveFailures int
	shuttingDown        bool
	stopped             bool
	toolInvocations     int
	llmCalls            int
	tokensIn            int
	tokensOut           int
	estimatedCostUSD    float64
}

// New constructs an empty Store. primaryMetric names the metric the
// termination condition compares, used to pick the best-so-far
// candidate (spec §3, §4.11).
func New(primaryMetric string) *Store {
	return &Store{
		primaryMetric: primaryMetric,
		candidates:    make(map[int64]Candidate),
		active:        make(map[int64]bool),
	}
}

// Apply folds a single event into the store. Called by the engine only
// after the event log has durably accepted the event.
func (s *Store) Apply(e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e.Kind {
	case events.KindRuntimeStopping:
		s.shuttingDown = true
	case events.KindRuntimeStopped:
		s.stopped = true
	case events.KindCandidateCreated:
		s.applyCandidateCreated(e)
	case events.KindCandidateStageStarted:
		s.applyStageStarted(e)
	case events.KindCandidateStageFinished:
		// No state change beyond what stage_started already recorded;
		// the outcome is only meaningful together with the terminal
		// event (evaluated/failed) that follows it.
	case events.KindCandidateEvaluated:
		s.applyEvaluated(e)
	case events.KindCandidateFailed:
		s.applyFailed(e)
	case events.KindCandidateAborted:
		s.applyAborted(e)
	case events.KindToolInvoked:
		s.toolInvocations++
	case events.KindLLMCall:
		s.applyLLMCall(e)
	}
}

func (s *Store) applyLLMCall(e events.Event) {
	s.llmCalls++
	var payload events.LLMCallPayload
	_ = e.Decode(&payload)
	s.tokensIn += payload.TokensIn
	s.tokensOut += payload.TokensOut
	s.estimatedCostUSD += payload.EstimatedCostUSD
}

func (s *Store) applyCandidateCreated(e events.Event) {
	if e.CandidateID == nil {
		return
	}
	var payload events.CandidateCreatedPayload
	_ = e.Decode(&payload)

	s.candidates[*e.CandidateID] = Candidate{
		ID:           *e.CandidateID,
		ParentID:     payload.ParentID,
		BranchName:   payload.BranchName,
		WorktreePath: payload.WorktreePath,
		State:        CandidateNew,
		CreatedAt:    e.Timestamp,
	}
	s.active[*e.CandidateID] = true
}

func (s *Store) applyStageStarted(e events.Event) {
	if e.CandidateID == nil {
		return
	}
	c, ok := s.candidates[*e.CandidateID]
	if !ok {
		return
	}
	var payload events.StageStartedPayload
	_ = e.Decode(&payload)
	c.State = stageToState(payload.Stage)
	s.candidates[*e.CandidateID] = c
}

func (s *Store) applyEvaluated(e events.Event) {
	if e.CandidateID == nil {
		return
	}
	c, ok := s.candidates[*e.CandidateID]
	if !ok {
		return
	}
	var payload events.EvaluatedPayload
	_ = e.Decode(&payload)

	c.State = CandidateSucceeded
	c.Metrics = payload.Metrics
	finishedAt := e.Timestamp
	c.FinishedAt = &finishedAt
	s.candidates[*e.CandidateID] = c
	s.finishCandidate(*e.CandidateID)
	s.consecutiveFailures = 0
	s.updateBestSoFar(c)
}

func (s *Store) applyFailed(e events.Event) {
	if e.CandidateID == nil {
		return
	}
	c, ok := s.candidates[*e.CandidateID]
	if !ok {
		return
	}
	var payload events.FailedPayload
	_ = e.Decode(&payload)

	c.State = CandidateFailed
	c.Error = &CandidateError{Kind: payload.Kind, Message: payload.Message}
	finishedAt := e.Timestamp
	c.FinishedAt = &finishedAt
	s.candidates[*e.CandidateID] = c
	s.finishCandidate(*e.CandidateID)
	s.consecutiveFailures++
}

func (s *Store) applyAborted(e events.Event) {
	if e.CandidateID == nil {
		return
	}
	c, ok := s.candidates[*e.CandidateID]
	if !ok {
		return
	}
	c.State = CandidateAborted
	finishedAt := e.Timestamp
	c.FinishedAt = &finishedAt
	s.candidates[*e.CandidateID] = c
	s.finishCandidate(*e.CandidateID)
}

func (s *Store) finishCandidate(id int64) {
	delete(s.active, id)
}

// updateBestSoFar keeps the candidate with the highest value of the
// primary metric. Ties are broken by earliest finished_at (spec §4.11);
// since events are folded in seq order and finished_at is monotonic with
// processing order here, a tie never displaces the existing best.
func (s *Store) updateBestSoFar(c Candidate) {
	if s.primaryMetric == "" {
		return
	}
	value, ok := c.Metrics[s.primaryMetric]
	if !ok {
		return
	}
	if s.bestSoFarID == nil {
		id := c.ID
		s.bestSoFarID = &id
		return
	}
	current, ok := s.candidates[*s.bestSoFarID]
	if !ok {
		id := c.ID
		s.bestSoFarID = &id
		return
	}
	currentValue, ok := current.Metrics[s.primaryMetric]
	if !ok || value > currentValue {
		id := c.ID
		s.bestSoFarID = &id
	}
}

func stageToState(stage events.Stage) CandidateState {
	switch stage {
	case events.StagePreparing:
		return CandidatePreparing
	case events.StageCoding:
		return CandidateCoding
	case events.StagePresubmit:
		return CandidatePresubmitting
	case events.StageEvaluating:
		return CandidateEvaluating
	default:
		return CandidateNew
	}
}

// Current returns a consistent, copy-on-read snapshot of the runtime
// state.
func (s *Store) Current() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := make(map[int64]Candidate, len(s.candidates))
	for id, c := range s.candidates {
		candidates[id] = c.clone()
	}

	activeIDs := make([]int64, 0, len(s.active))
	for id := range s.active {
		activeIDs = append(activeIDs, id)
	}

	var bestSoFar *int64
	if s.bestSoFarID != nil {
		id := *s.bestSoFarID
		bestSoFar = &id
	}

	return Snapshot{
		Candidates:          candidates,
		ActiveIDs:           activeIDs,
		BestSoFarID:         bestSoFar,
		ConsecutiveFailures: s.consecutiveFailures,
		ShuttingDown:        s.shuttingDown,
		Stopped:             s.stopped,
		ToolInvocations:     s.toolInvocations,
		LLMCalls:            s.llmCalls,
		TokensIn:            s.tokensIn,
		TokensOut:           s.tokensOut,
		EstimatedCostUSD:    s.estimatedCostUSD,
	}
}

// Rebuild folds a full event sequence into a new Store from scratch. Used
// at startup (replay) and by tests asserting invariant 1 (replaying the
// log reproduces the live state exactly).
func Rebuild(primaryMetric string, log []events.Event) *Store {
	s := New(primaryMetric)
	for _, e := range log {
		s.Apply(e)
	}
	return s
}
