package state

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/anomalyco/aurelia/internal/events"
)

func candidateCreated(id int64, parent *int64) events.Event {
	e, _ := events.WithPayload(events.KindCandidateCreated, &id, events.CandidateCreatedPayload{
		ParentID:     parent,
		BranchName:   "aurelia/candidate-1",
		WorktreePath: "/tmp/worktrees/1",
	})
	return e
}

func stageStarted(id int64, stage events.Stage) events.Event {
	e, _ := events.WithPayload(events.KindCandidateStageStarted, &id, events.StageStartedPayload{Stage: stage})
	return e
}

func evaluated(id int64, metrics map[string]float64) events.Event {
	e, _ := events.WithPayload(events.KindCandidateEvaluated, &id, events.EvaluatedPayload{Metrics: metrics})
	return e
}

func failed(id int64, kind, message string) events.Event {
	e, _ := events.WithPayload(events.KindCandidateFailed, &id, events.FailedPayload{Kind: kind, Message: message})
	return e
}

func llmCall(id int64, tokensIn, tokensOut int, cached bool, costUSD float64) events.Event {
	e, _ := events.WithPayload(events.KindLLMCall, &id, events.LLMCallPayload{
		TokensIn:         tokensIn,
		TokensOut:        tokensOut,
		Cached:           cached,
		EstimatedCostUSD: costUSD,
	})
	return e
}

func TestApplyFoldsFullLifecycleToSucceeded(t *testing.T) {
	s := New("accuracy")
	id := int64(1)

	s.Apply(candidateCreated(id, nil))
	s.Apply(stageStarted(id, events.StagePreparing))
	s.Apply(stageStarted(id, events.StageCoding))
	s.Apply(stageStarted(id, events.StagePresubmit))
	s.Apply(stageStarted(id, events.StageEvaluating))
	s.Apply(evaluated(id, map[string]float64{"accuracy": 0.8}))

	snap := s.Current()
	require.Equal(t, CandidateSucceeded, snap.Candidates[id].State)
	require.Empty(t, snap.ActiveIDs)
	require.NotNil(t, snap.BestSoFarID)
	require.Equal(t, id, *snap.BestSoFarID)
	require.Equal(t, 0, snap.ConsecutiveFailures)
}

func TestApplyTracksActiveCandidatesUntilTerminal(t *testing.T) {
	s := New("accuracy")
	s.Apply(candidateCreated(1, nil))
	s.Apply(candidateCreated(2, nil))

	snap := s.Current()
	require.Len(t, snap.ActiveIDs, 2)

	s.Apply(evaluated(1, map[string]float64{"accuracy": 0.5}))
	snap = s.Current()
	require.Len(t, snap.ActiveIDs, 1)
	require.Equal(t, int64(2), snap.ActiveIDs[0])
}

func TestApplyIncrementsConsecutiveFailuresAndResetsOnSuccess(t *testing.T) {
	s := New("accuracy")

	s.Apply(candidateCreated(1, nil))
	s.Apply(failed(1, "eval_error", "evaluator crashed"))
	require.Equal(t, 1, s.Current().ConsecutiveFailures)

	s.Apply(candidateCreated(2, nil))
	s.Apply(failed(2, "bad_metrics", "missing schema field"))
	require.Equal(t, 2, s.Current().ConsecutiveFailures)

	s.Apply(candidateCreated(3, nil))
	s.Apply(evaluated(3, map[string]float64{"accuracy": 0.1}))
	require.Equal(t, 0, s.Current().ConsecutiveFailures)

	failedCandidate := s.Current().Candidates[1]
	require.Equal(t, CandidateFailed, failedCandidate.State)
	require.Equal(t, "eval_error", failedCandidate.Error.Kind)
}

func TestBestSoFarPicksHighestMetricAndKeepsEarlierOnTie(t *testing.T) {
	s := New("accuracy")

	s.Apply(candidateCreated(1, nil))
	s.Apply(evaluated(1, map[string]float64{"accuracy": 0.6}))
	require.Equal(t, int64(1), *s.Current().BestSoFarID)

	s.Apply(candidateCreated(2, nil))
	s.Apply(evaluated(2, map[string]float64{"accuracy": 0.4}))
	require.Equal(t, int64(1), *s.Current().BestSoFarID, "lower metric must not displace the best")

	s.Apply(candidateCreated(3, nil))
	s.Apply(evaluated(3, map[string]float64{"accuracy": 0.6}))
	require.Equal(t, int64(1), *s.Current().BestSoFarID, "exact tie keeps the earlier candidate")

	s.Apply(candidateCreated(4, nil))
	s.Apply(evaluated(4, map[string]float64{"accuracy": 0.9}))
	require.Equal(t, int64(4), *s.Current().BestSoFarID)
}

func TestApplyIgnoresUnknownEventKind(t *testing.T) {
	s := New("accuracy")
	s.Apply(candidateCreated(1, nil))

	require.NotPanics(t, func() {
		s.Apply(events.Event{Kind: events.Kind("some_future_kind")})
	})

	require.Len(t, s.Current().Candidates, 1)
}

func TestRebuildFromFullLogReproducesLiveState(t *testing.T) {
	live := New("accuracy")
	var log []events.Event

	record := func(e events.Event) {
		live.Apply(e)
		log = append(log, e)
	}

	record(candidateCreated(1, nil))
	record(stageStarted(1, events.StageCoding))
	record(evaluated(1, map[string]float64{"accuracy": 0.7}))
	record(candidateCreated(2, int64Ptr(1)))
	record(failed(2, "eval_error", "boom"))

	rebuilt := Rebuild("accuracy", log)

	require.Equal(t, live.Current(), rebuilt.Current())
}

func TestCurrentReturnsIndependentCopies(t *testing.T) {
	s := New("accuracy")
	s.Apply(candidateCreated(1, nil))
	s.Apply(evaluated(1, map[string]float64{"accuracy": 0.3}))

	snap := s.Current()
	snap.Candidates[1].Metrics["accuracy"] = 999

	require.Equal(t, 0.3, s.Current().Candidates[1].Metrics["accuracy"], "mutating a snapshot must not affect the store")
}

func TestApplyAccumulatesLLMCallTokensAndCostAcrossCandidates(t *testing.T) {
	s := New("accuracy")
	s.Apply(candidateCreated(1, nil))
	s.Apply(llmCall(1, 100, 20, false, 0.0021))
	s.Apply(llmCall(1, 100, 20, true, 0.0021))
	s.Apply(candidateCreated(2, nil))
	s.Apply(llmCall(2, 50, 10, false, 0.00105))

	snap := s.Current()
	require.Equal(t, 3, snap.LLMCalls)
	require.Equal(t, 250, snap.TokensIn)
	require.Equal(t, 50, snap.TokensOut)
	require.InDelta(t, 0.00525, snap.EstimatedCostUSD, 1e-9)
}

func int64Ptr(v int64) *int64 { return &v }
