package events

import (
	"encoding/json"
	"time"
)

// Kind identifies the type of a state-changing event. Unknown kinds read
// back from an older log are tolerated by the state store, never rejected.
type Kind string

const (
	KindRuntimeStarted          Kind = "runtime_started"
	KindRuntimeStopping         Kind = "runtime_stopping"
	KindRuntimeStopped          Kind = "runtime_stopped"
	KindCandidateCreated        Kind = "candidate_created"
	KindCandidateStageStarted   Kind = "candidate_stage_started"
	KindCandidateStageFinished  Kind = "candidate_stage_finished"
	KindCandidateEvaluated      Kind = "candidate_evaluated"
	KindCandidateFailed         Kind = "candidate_failed"
	KindCandidateAborted        Kind = "candidate_aborted"
	KindToolInvoked             Kind = "tool_invoked"
	KindLLMCall                 Kind = "llm_call"
)

// Stage names used in candidate_stage_started/finished payloads.
type Stage string

const (
	StagePreparing  Stage = "preparing"
	StageCoding     Stage = "coding"
	StagePresubmit  Stage = "presubmit"
	StageEvaluating Stage = "evaluating"
)

// Outcome of a finished stage, carried in candidate_stage_finished payloads.
type Outcome string

const (
	OutcomePass Outcome = "pass"
	OutcomeFail Outcome = "fail"
)

// Event is one immutable record in the append-only log. It is written
// exactly once and never amended.
type Event struct {
	Seq         int64           `json:"seq"`
	Timestamp   time.Time       `json:"ts"`
	Kind        Kind            `json:"kind"`
	CandidateID *int64          `json:"candidate_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// WithPayload marshals v into the event's payload. Used when building an
// event prior to appending it to the log.
func WithPayload(kind Kind, candidateID *int64, v any) (Event, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Event{}, err
	}
	if string(raw) == "null" {
		raw = nil
	}
	return Event{Kind: kind, CandidateID: candidateID, Payload: raw}, nil
}

// Decode unmarshals the event's payload into v. Returns an error only if
// the payload is present and malformed; a missing payload is a no-op.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// CandidateCreatedPayload is the payload for candidate_created.
type CandidateCreatedPayload struct {
	ParentID     *int64 `json:"parent_id,omitempty"`
	BranchName   string `json:"branch_name"`
	WorktreePath string `json:"worktree_path"`
}

// StageStartedPayload is the payload for candidate_stage_started.
type StageStartedPayload struct {
	Stage Stage `json:"stage"`
}

// StageFinishedPayload is the payload for candidate_stage_finished.
type StageFinishedPayload struct {
	Stage   Stage   `json:"stage"`
	Outcome Outcome `json:"outcome"`
}

// EvaluatedPayload is the payload for candidate_evaluated.
type EvaluatedPayload struct {
	Metrics map[string]float64 `json:"metrics"`
}

// FailedPayload is the payload for candidate_failed.
type FailedPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ToolInvokedPayload is the payload for tool_invoked. Raw tool payloads are
// never logged, only a size/argv summary, for auditability without leaking
// file contents into the durable log.
type ToolInvokedPayload struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Summary string `json:"summary"`
}

// LLMCallPayload is the payload for llm_call.
type LLMCallPayload struct {
	TokensIn          int     `json:"tokens_in"`
	TokensOut         int     `json:"tokens_out"`
	Cached            bool    `json:"cached"`
	EstimatedCostUSD  float64 `json:"estimated_cost_usd,omitempty"`
}
