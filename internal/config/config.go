// Package config loads the immutable runtime configuration from
// .aurelia/config/workflow.yaml and compiles the termination-condition
// DSL so the scheduler never re-parses it per tick.
package config

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Dispatcher is the validated `dispatcher` setting. No component reads
// it; the Coder Stage runs the same turn loop for both values.
type Dispatcher string

const (
	DispatcherDefault Dispatcher = "default"
	DispatcherPlanner Dispatcher = "planner"
)

// Operator is a comparison operator usable in the termination-condition
// DSL, in descending order of operator length so the two-character forms
// never lose a regex race to their one-character prefixes.
type Operator string

const (
	OpGTE Operator = ">="
	OpLTE Operator = "<="
	OpEQ  Operator = "="
	OpGT  Operator = ">"
	OpLT  Operator = "<"
)

// TerminationCondition is the compiled form of the "<metric><op><number>"
// DSL string from the config file (spec §6).
type TerminationCondition struct {
	Metric    string
	Operator  Operator
	Threshold float64
}

// Satisfied reports whether metrics[c.Metric] exists and compares true
// against the threshold under c.Operator. An absent metric is never
// satisfied (spec §6: "absent metric ⇒ condition false").
func (c TerminationCondition) Satisfied(metrics map[string]float64) bool {
	value, ok := metrics[c.Metric]
	if !ok {
		return false
	}
	switch c.Operator {
	case OpGTE:
		return value >= c.Threshold
	case OpLTE:
		return value <= c.Threshold
	case OpEQ:
		return value == c.Threshold
	case OpGT:
		return value > c.Threshold
	case OpLT:
		return value < c.Threshold
	default:
		return false
	}
}

// String renders the condition back into its DSL form.
func (c TerminationCondition) String() string {
	return fmt.Sprintf("%s%s%s", c.Metric, c.Operator, strconv.FormatFloat(c.Threshold, 'g', -1, 64))
}

var terminationConditionPattern = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)(>=|<=|=|>|<)(-?[0-9]+(?:\.[0-9]+)?)$`)

// ParseTerminationCondition compiles the DSL string described in spec
// §6. The grammar is deliberately tiny; extending it is a design
// decision, not an incidental one (spec §9).
func ParseTerminationCondition(raw string) (TerminationCondition, error) {
	trimmed := strings.TrimSpace(raw)
	match := terminationConditionPattern.FindStringSubmatch(trimmed)
	if match == nil {
		return TerminationCondition{}, fmt.Errorf("config_invalid: termination_condition %q does not match <metric><op><number>", raw)
	}
	threshold, err := strconv.ParseFloat(match[3], 64)
	if err != nil {
		return TerminationCondition{}, fmt.Errorf("config_invalid: termination_condition %q has an unparseable threshold: %w", raw, err)
	}
	return TerminationCondition{
		Metric:    match[1],
		Operator:  Operator(match[2]),
		Threshold: threshold,
	}, nil
}

// Config is the immutable snapshot described in spec §3, loaded once at
// startup.
type Config struct {
	HeartbeatInterval         time.Duration
	MaxConcurrentTasks        int
	TerminationCondition      TerminationCondition
	CandidateAbandonThreshold int
	Dispatcher                Dispatcher
	SandboxImage              string
	ForwardedEnv              []string
	PresubmitCommand          []string
	EvaluatorCommand          []string
	PresubmitTimeout          time.Duration
	EvaluatorTimeout          time.Duration
}

// rawConfig is the literal YAML shape. Fields are validated and
// translated into Config's richer types by Load.
type rawConfig struct {
	HeartbeatIntervalSeconds  float64  `yaml:"heartbeat_interval"`
	MaxConcurrentTasks        int      `yaml:"max_concurrent_tasks"`
	TerminationCondition      string   `yaml:"termination_condition"`
	CandidateAbandonThreshold int      `yaml:"candidate_abandon_threshold"`
	Dispatcher                string   `yaml:"dispatcher"`
	SandboxImage              string   `yaml:"sandbox_image"`
	ForwardedEnv              []string `yaml:"forwarded_env"`
	PresubmitCommand          []string `yaml:"presubmit_command"`
	EvaluatorCommand          []string `yaml:"evaluator_command"`
	PresubmitTimeoutSeconds   float64  `yaml:"presubmit_timeout_seconds"`
	EvaluatorTimeoutSeconds   float64  `yaml:"evaluator_timeout_seconds"`
}

const (
	defaultPresubmitTimeoutSeconds = 60.0
	defaultEvaluatorTimeoutSeconds = 300.0
)

// Loader reads workflow.yaml into a Config. readFile is injected for
// testability, following the teacher's config-service pattern.
type Loader struct {
	readFile func(string) ([]byte, error)
}

// NewLoader returns a Loader reading from the real filesystem.
func NewLoader() Loader {
	return Loader{readFile: os.ReadFile}
}

// Load parses and validates the config file at path. It never panics;
// every failure surfaces as a config_invalid error and no events are
// written (spec §7).
func Load(path string) (Config, error) {
	return NewLoader().Load(path)
}

func (l Loader) Load(path string) (Config, error) {
	content, err := l.readFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config_invalid: cannot read %s: %w", path, err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)
	var raw rawConfig
	if err := decoder.Decode(&raw); err != nil {
		return Config{}, fmt.Errorf("config_invalid: cannot parse %s: %w", path, err)
	}

	return validateAndNormalize(raw)
}

func validateAndNormalize(raw rawConfig) (Config, error) {
	var issues []string

	if raw.HeartbeatIntervalSeconds <= 0 {
		issues = append(issues, "heartbeat_interval must be > 0")
	}
	if raw.MaxConcurrentTasks <= 0 {
		issues = append(issues, "max_concurrent_tasks must be > 0")
	}
	if raw.CandidateAbandonThreshold <= 0 {
		issues = append(issues, "candidate_abandon_threshold must be > 0")
	}
	if strings.TrimSpace(raw.SandboxImage) == "" {
		issues = append(issues, "sandbox_image is required")
	}
	if len(raw.PresubmitCommand) == 0 {
		issues = append(issues, "presubmit_command must have at least one argument")
	}
	if len(raw.EvaluatorCommand) == 0 {
		issues = append(issues, "evaluator_command must have at least one argument")
	}

	dispatcher := Dispatcher(raw.Dispatcher)
	if dispatcher == "" {
		dispatcher = DispatcherDefault
	}
	if dispatcher != DispatcherDefault && dispatcher != DispatcherPlanner {
		issues = append(issues, fmt.Sprintf("dispatcher %q is invalid, must be %q or %q", raw.Dispatcher, DispatcherDefault, DispatcherPlanner))
	}

	condition, condErr := ParseTerminationCondition(raw.TerminationCondition)
	if condErr != nil {
		issues = append(issues, condErr.Error())
	}

	if len(issues) > 0 {
		return Config{}, fmt.Errorf("config_invalid: %s", strings.Join(issues, "; "))
	}

	presubmitTimeout := raw.PresubmitTimeoutSeconds
	if presubmitTimeout <= 0 {
		presubmitTimeout = defaultPresubmitTimeoutSeconds
	}
	evaluatorTimeout := raw.EvaluatorTimeoutSeconds
	if evaluatorTimeout <= 0 {
		evaluatorTimeout = defaultEvaluatorTimeoutSeconds
	}

	return Config{
		HeartbeatInterval:         durationFromSeconds(raw.HeartbeatIntervalSeconds),
		MaxConcurrentTasks:        raw.MaxConcurrentTasks,
		TerminationCondition:      condition,
		CandidateAbandonThreshold: raw.CandidateAbandonThreshold,
		Dispatcher:                dispatcher,
		SandboxImage:              raw.SandboxImage,
		ForwardedEnv:              raw.ForwardedEnv,
		PresubmitCommand:          raw.PresubmitCommand,
		EvaluatorCommand:          raw.EvaluatorCommand,
		PresubmitTimeout:          durationFromSeconds(presubmitTimeout),
		EvaluatorTimeout:          durationFromSeconds(evaluatorTimeout),
	}, nil
}

func durationFromSeconds(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
