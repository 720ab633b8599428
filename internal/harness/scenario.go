package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/transformflow/internal/activity"
	"github.com/roach88/transformflow/internal/engine"
	"github.com/roach88/transformflow/internal/ir"
	"github.com/roach88/transformflow/internal/testutil"
)

// Scenario defines a workflow scenario: a request, scripted activity
// behavior, the reviewer's decisions and assertions on the outcome.
type Scenario struct {
	// Name uniquely identifies this scenario. Golden files are named after it.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Request is the submission that creates the instance.
	Request RequestSpec `yaml:"request"`

	// Policy overrides the engine's loop bounds.
	Policy PolicySpec `yaml:"policy,omitempty"`

	// Existing, when set, makes change detection offer this artifact for
	// reuse.
	Existing *ExistingArtifact `yaml:"existing_artifact,omitempty"`

	// Executions scripts execute calls in order. Calls past the end succeed.
	Executions []ExecutionStep `yaml:"executions,omitempty"`

	// Integrity scripts check-integrity calls in order. Calls past the end pass.
	Integrity []IntegrityStep `yaml:"integrity,omitempty"`

	// Failures makes the named activities fail with a non-transient error.
	Failures map[string]string `yaml:"failures,omitempty"`

	// Reviews are submitted in order each time the instance waits for a
	// review. The run ends when the instance is terminal or the reviews
	// run out.
	Reviews []ReviewStep `yaml:"reviews,omitempty"`

	// Assertions validate the final trace, messages and instance.
	Assertions []Assertion `yaml:"assertions"`
}

// RequestSpec is the create request.
type RequestSpec struct {
	ClientID        string   `yaml:"client_id"`
	MappingRef      string   `yaml:"mapping_ref"`
	DataRef         string   `yaml:"data_ref"`
	ExpectedColumns []string `yaml:"expected_columns,omitempty"`
}

// PolicySpec mirrors engine.Policy. Zero values keep the defaults.
type PolicySpec struct {
	MaxAttempts         int `yaml:"max_attempts,omitempty"`
	MaxPlanRevisions    int `yaml:"max_plan_revisions,omitempty"`
	MaxOutputRejections int `yaml:"max_output_rejections,omitempty"`
}

// ExistingArtifact is an approved artifact offered for reuse.
type ExistingArtifact struct {
	Reason      string   `yaml:"reason"`
	PlanVersion int      `yaml:"plan_version"`
	Summary     string   `yaml:"summary"`
	Steps       []string `yaml:"steps,omitempty"`
	Code        string   `yaml:"code"`
	OutputRef   string   `yaml:"output_ref"`
}

// ExecutionStep scripts one execute call. Transient and Error produce an
// adapter error instead of a result.
type ExecutionStep struct {
	Success   bool   `yaml:"success,omitempty"`
	ErrorLog  string `yaml:"error_log,omitempty"`
	Transient string `yaml:"transient,omitempty"`
	Error     string `yaml:"error,omitempty"`
}

// IntegrityStep scripts one check-integrity call. No reasons and no
// transient error means the check passes.
type IntegrityStep struct {
	Reasons   []string `yaml:"reasons,omitempty"`
	Transient string   `yaml:"transient,omitempty"`
}

// ReviewStep is one reviewer submission.
type ReviewStep struct {
	Approve  bool   `yaml:"approve"`
	Feedback string `yaml:"feedback,omitempty"`

	// ExpectError is the runtime error code the submission must fail with,
	// e.g. MALFORMED_DECISION. A failed submission leaves the instance as
	// it was and the run continues with the next review.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Assertion validates trace, messages or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": Check an activity appears in history with input
	// - "trace_order": Check activities appear in order
	// - "trace_count": Check an activity appears exactly N times
	// - "final_state": Check fields of the final instance snapshot
	// - "message_contains": Check an audit message contains text
	Type string `yaml:"type"`

	// Action is the activity or event name (trace_contains, trace_count).
	Action string `yaml:"action,omitempty"`

	// Args are expected input fields (trace_contains). Subset match.
	Args map[string]any `yaml:"args,omitempty"`

	// Expect contains expected instance fields (final_state). Subset match
	// over the instance's JSON form.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the expected number of occurrences (trace_count).
	Count int `yaml:"count,omitempty"`

	// Actions is the expected order (trace_order).
	Actions []string `yaml:"actions,omitempty"`

	// Text is the expected message substring (message_contains). Role and
	// Phase narrow the messages searched.
	Text  string `yaml:"text,omitempty"`
	Role  string `yaml:"role,omitempty"`
	Phase string `yaml:"phase,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains   = "trace_contains"
	AssertTraceOrder      = "trace_order"
	AssertTraceCount      = "trace_count"
	AssertFinalState      = "final_state"
	AssertMessageContains = "message_contains"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Request.ClientID == "" || s.Request.MappingRef == "" || s.Request.DataRef == "" {
		return fmt.Errorf("request needs client_id, mapping_ref and data_ref")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.Policy.MaxAttempts < 0 || s.Policy.MaxPlanRevisions < 0 || s.Policy.MaxOutputRejections < 0 {
		return fmt.Errorf("policy limits must be non-negative")
	}

	for i, step := range s.Executions {
		set := 0
		for _, b := range []bool{step.Success, step.ErrorLog != "", step.Transient != "", step.Error != ""} {
			if b {
				set++
			}
		}
		if set != 1 {
			return fmt.Errorf("executions[%d]: exactly one of success, error_log, transient, error is required", i)
		}
	}
	for i, step := range s.Integrity {
		if step.Transient != "" && len(step.Reasons) > 0 {
			return fmt.Errorf("integrity[%d]: reasons and transient are exclusive", i)
		}
	}
	for name := range s.Failures {
		if !knownActivity(name) {
			return fmt.Errorf("failures: unknown activity %q", name)
		}
	}
	if s.Existing != nil && (s.Existing.Code == "" || s.Existing.OutputRef == "") {
		return fmt.Errorf("existing_artifact: code and output_ref are required")
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertMessageContains:
		if a.Text == "" {
			return fmt.Errorf("assertions[%d]: text is required for message_contains", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

func knownActivity(name string) bool {
	switch name {
	case ir.ActivityDetectChange, ir.ActivityPlan, ir.ActivityRevisePlan,
		ir.ActivityGenerateCode, ir.ActivityExecute, ir.ActivityCheckIntegrity,
		ir.ActivityRepair, ir.ActivityPersistArtifact:
		return true
	}
	return false
}

func (r RequestSpec) request() ir.Request {
	return ir.Request{
		ClientID:        r.ClientID,
		MappingRef:      r.MappingRef,
		DataRef:         r.DataRef,
		ExpectedColumns: r.ExpectedColumns,
	}
}

func (p PolicySpec) policy() engine.Policy {
	return engine.Policy{
		MaxAttempts:         p.MaxAttempts,
		MaxPlanRevisions:    p.MaxPlanRevisions,
		MaxOutputRejections: p.MaxOutputRejections,
	}
}

// activities builds the scripted activities the scenario describes.
func (s *Scenario) activities() *testutil.ScriptedActivities {
	acts := testutil.NewScriptedActivities()

	if s.Existing != nil {
		plan := ir.Plan{Version: s.Existing.PlanVersion, Summary: s.Existing.Summary}
		for _, step := range s.Existing.Steps {
			plan.Steps = append(plan.Steps, ir.Step{Description: step})
		}
		acts.Change = &ir.ChangeReport{
			Reason: s.Existing.Reason,
			Existing: &ir.Artifact{
				ClientID:  s.Request.ClientID,
				Plan:      plan,
				Code:      s.Existing.Code,
				OutputRef: s.Existing.OutputRef,
			},
		}
	}

	for _, step := range s.Executions {
		var es testutil.ExecStep
		switch {
		case step.Transient != "":
			es.Err = activity.Transient(fmt.Errorf("%s", step.Transient))
		case step.Error != "":
			es.Err = fmt.Errorf("%s", step.Error)
		default:
			es.Result = ir.ExecutionResult{Success: step.Success, ErrorLog: step.ErrorLog}
		}
		acts.Execs = append(acts.Execs, es)
	}

	for _, step := range s.Integrity {
		var cs testutil.CheckStep
		if step.Transient != "" {
			cs.Err = activity.Transient(fmt.Errorf("%s", step.Transient))
		} else {
			cs.Report = ir.IntegrityReport{Passed: len(step.Reasons) == 0, FailureReasons: step.Reasons}
		}
		acts.Checks = append(acts.Checks, cs)
	}

	for name, msg := range s.Failures {
		acts.Fail[name] = fmt.Errorf("%s", msg)
	}
	return acts
}
