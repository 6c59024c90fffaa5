package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

const validYAML = `
heartbeat_interval: 0.01
max_concurrent_tasks: 1
termination_condition: "accuracy>=0.5"
candidate_abandon_threshold: 2
dispatcher: default
sandbox_image: "aurelia/sandbox:latest"
forwarded_env: ["GEMINI_API_KEY"]
presubmit_command: ["pixi", "run", "test"]
evaluator_command: ["pixi", "run", "evaluate"]
`

func loaderReturning(content []byte, err error) Loader {
	return Loader{readFile: func(string) ([]byte, error) { return content, err }}
}

func TestLoadParsesValidConfig(t *testing.T) {
	cfg, err := loaderReturning([]byte(validYAML), nil).Load("workflow.yaml")
	require.NoError(t, err)

	require.Equal(t, 1, cfg.MaxConcurrentTasks)
	require.Equal(t, 2, cfg.CandidateAbandonThreshold)
	require.Equal(t, DispatcherDefault, cfg.Dispatcher)
	require.Equal(t, "aurelia/sandbox:latest", cfg.SandboxImage)
	require.Equal(t, []string{"GEMINI_API_KEY"}, cfg.ForwardedEnv)
	require.Equal(t, TerminationCondition{Metric: "accuracy", Operator: OpGTE, Threshold: 0.5}, cfg.TerminationCondition)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := loaderReturning([]byte(validYAML+"\nbogus_field: 1\n"), nil).Load("workflow.yaml")
	require.Error(t, err)
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	_, err := loaderReturning([]byte("max_concurrent_tasks: 1\n"), nil).Load("workflow.yaml")
	require.Error(t, err)
	require.Contains(t, err.Error(), "config_invalid")
}

func TestLoadRejectsInvalidDispatcher(t *testing.T) {
	bad := validYAML + "\n" // overwritten below
	_, err := loaderReturning([]byte(withDispatcher(bad, "rogue")), nil).Load("workflow.yaml")
	require.Error(t, err)
}

func withDispatcher(yamlDoc, dispatcher string) string {
	// simplistic replace; the fixture always contains "dispatcher: default" once
	return replaceOnce(yamlDoc, "dispatcher: default", "dispatcher: "+dispatcher)
}

func replaceOnce(s, old, new string) string {
	idx := indexOf(s, old)
	if idx < 0 {
		return s
	}
	return s[:idx] + new + s[idx+len(old):]
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func TestLoadSurfacesReadError(t *testing.T) {
	_, err := loaderReturning(nil, errors.New("permission denied")).Load("workflow.yaml")
	require.Error(t, err)
	require.Contains(t, err.Error(), "config_invalid")
}

func TestParseTerminationConditionAcceptsAllOperators(t *testing.T) {
	cases := map[string]TerminationCondition{
		"accuracy>=0.5": {Metric: "accuracy", Operator: OpGTE, Threshold: 0.5},
		"latency<=200":  {Metric: "latency", Operator: OpLTE, Threshold: 200},
		"score=1":       {Metric: "score", Operator: OpEQ, Threshold: 1},
		"score>0.9":     {Metric: "score", Operator: OpGT, Threshold: 0.9},
		"score<0.1":     {Metric: "score", Operator: OpLT, Threshold: 0.1},
	}
	for raw, want := range cases {
		t.Run(raw, func(t *testing.T) {
			got, err := ParseTerminationCondition(raw)
			require.NoError(t, err)
			require.Equal(t, want, got)
		})
	}
}

func TestParseTerminationConditionRejectsMalformedInput(t *testing.T) {
	for _, raw := range []string{"", "accuracy", "accuracy>>0.5", "0.5>=accuracy", "accuracy>=abc"} {
		t.Run(raw, func(t *testing.T) {
			_, err := ParseTerminationCondition(raw)
			require.Error(t, err)
		})
	}
}

func TestTerminationConditionSatisfied(t *testing.T) {
	cond := TerminationCondition{Metric: "accuracy", Operator: OpGTE, Threshold: 0.5}

	require.True(t, cond.Satisfied(map[string]float64{"accuracy": 0.5}))
	require.True(t, cond.Satisfied(map[string]float64{"accuracy": 0.9}))
	require.False(t, cond.Satisfied(map[string]float64{"accuracy": 0.4}))
	require.False(t, cond.Satisfied(map[string]float64{"other": 1.0}), "absent metric must never satisfy")
}

func TestLoadAppliesTimeoutDefaults(t *testing.T) {
	cfg, err := loaderReturning([]byte(validYAML), nil).Load("workflow.yaml")
	require.NoError(t, err)
	require.Equal(t, defaultPresubmitTimeoutSeconds, cfg.PresubmitTimeout.Seconds())
	require.Equal(t, defaultEvaluatorTimeoutSeconds, cfg.EvaluatorTimeout.Seconds())
}
