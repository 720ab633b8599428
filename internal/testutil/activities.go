package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/transformflow/internal/activity"
	"github.com/roach88/transformflow/internal/ir"
)

// ExecStep scripts one execute call.
type ExecStep struct {
	Result ir.ExecutionResult
	Err    error
}

// CheckStep scripts one check-integrity call.
type CheckStep struct {
	Report ir.IntegrityReport
	Err    error
}

// RecordedCall is one activity invocation seen by ScriptedActivities.
type RecordedCall struct {
	Name  string
	Call  activity.Call
	Input any
}

// ScriptedActivities is a deterministic activity.Activities for tests.
//
// Unscripted calls succeed: detect-change asks for regeneration, plans are
// numbered, code embeds the plan and output ref, execution succeeds and
// integrity passes. Execute and check-integrity consume Execs and Checks
// in order when set.
//
// Thread-safety: all methods are safe for concurrent use.
type ScriptedActivities struct {
	mu sync.Mutex

	// Change is the detect-change result. Zero means "needs regeneration".
	Change *ir.ChangeReport
	Execs  []ExecStep
	Checks []CheckStep
	// ExecBy and CheckBy, when set, take precedence over Execs and Checks.
	// Results derived from the input survive a process restart.
	ExecBy  func(in ir.ExecuteInput) ExecStep
	CheckBy func(in ir.CheckIntegrityInput) CheckStep
	// Fail makes the named activity return the error.
	Fail map[string]error
	// AppendErr makes append-log fail.
	AppendErr error
	// Before runs ahead of every activity call except append-log. A non-nil
	// error is returned as the activity's error.
	Before func(ctx context.Context, name string, call activity.Call) error

	calls     []RecordedCall
	plans     int
	persisted []ir.Artifact
	logs      []ir.Message
}

var _ activity.Activities = (*ScriptedActivities)(nil)

// NewScriptedActivities creates activities with default behavior.
func NewScriptedActivities() *ScriptedActivities {
	return &ScriptedActivities{Fail: map[string]error{}}
}

func (a *ScriptedActivities) begin(ctx context.Context, name string, call activity.Call, in any) error {
	a.mu.Lock()
	before := a.Before
	a.mu.Unlock()
	if before != nil {
		if err := before(ctx, name, call); err != nil {
			return err
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, RecordedCall{Name: name, Call: call, Input: in})
	if err := a.Fail[name]; err != nil {
		return err
	}
	return nil
}

// DetectChange implements activity.Activities.
func (a *ScriptedActivities) DetectChange(ctx context.Context, call activity.Call, in ir.DetectChangeInput) (ir.ChangeReport, error) {
	if err := a.begin(ctx, ir.ActivityDetectChange, call, in); err != nil {
		return ir.ChangeReport{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Change != nil {
		return *a.Change, nil
	}
	return ir.ChangeReport{NeedsRegeneration: true, Reason: "No existing transformation found"}, nil
}

// Plan implements activity.Activities.
func (a *ScriptedActivities) Plan(ctx context.Context, call activity.Call, in ir.PlanInput) (ir.Plan, error) {
	if err := a.begin(ctx, ir.ActivityPlan, call, in); err != nil {
		return ir.Plan{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.plans++
	summary := fmt.Sprintf("map %s to the target layout (draft %d)", in.MappingRef, a.plans)
	if in.PriorFeedback != "" {
		summary += ", addressing: " + in.PriorFeedback
	}
	return ir.Plan{
		Summary: summary,
		Steps: []ir.Step{
			{Description: "read " + in.DataRef},
			{Description: "apply " + in.MappingRef},
		},
	}, nil
}

// RevisePlan implements activity.Activities.
func (a *ScriptedActivities) RevisePlan(ctx context.Context, call activity.Call, in ir.RevisePlanInput) (ir.Plan, error) {
	if err := a.begin(ctx, ir.ActivityRevisePlan, call, in); err != nil {
		return ir.Plan{}, err
	}
	steps := append([]ir.Step{}, in.Plan.Steps...)
	steps = append(steps, ir.Step{Description: in.Feedback})
	return ir.Plan{Summary: in.Plan.Summary + ", revised: " + in.Feedback, Steps: steps}, nil
}

// GenerateCode implements activity.Activities.
func (a *ScriptedActivities) GenerateCode(ctx context.Context, call activity.Call, in ir.GenerateCodeInput) (string, error) {
	if err := a.begin(ctx, ir.ActivityGenerateCode, call, in); err != nil {
		return "", err
	}
	return fmt.Sprintf("# plan v%d\nread(%q)\nwrite(%q)", in.Plan.Version, in.InputRef, in.OutputRef), nil
}

// Execute implements activity.Activities.
func (a *ScriptedActivities) Execute(ctx context.Context, call activity.Call, in ir.ExecuteInput) (ir.ExecutionResult, error) {
	if err := a.begin(ctx, ir.ActivityExecute, call, in); err != nil {
		return ir.ExecutionResult{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ExecBy != nil {
		step := a.ExecBy(in)
		return step.Result, step.Err
	}
	if len(a.Execs) == 0 {
		return ir.ExecutionResult{Success: true}, nil
	}
	step := a.Execs[0]
	a.Execs = a.Execs[1:]
	return step.Result, step.Err
}

// CheckIntegrity implements activity.Activities.
func (a *ScriptedActivities) CheckIntegrity(ctx context.Context, call activity.Call, in ir.CheckIntegrityInput) (ir.IntegrityReport, error) {
	if err := a.begin(ctx, ir.ActivityCheckIntegrity, call, in); err != nil {
		return ir.IntegrityReport{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.CheckBy != nil {
		step := a.CheckBy(in)
		return step.Report, step.Err
	}
	if len(a.Checks) == 0 {
		return ir.IntegrityReport{Passed: true}, nil
	}
	step := a.Checks[0]
	a.Checks = a.Checks[1:]
	return step.Report, step.Err
}

// Repair implements activity.Activities.
func (a *ScriptedActivities) Repair(ctx context.Context, call activity.Call, in ir.RepairInput) (string, error) {
	if err := a.begin(ctx, ir.ActivityRepair, call, in); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s\n# repair %d", in.Code, in.Attempt), nil
}

// PersistArtifact implements activity.Activities.
func (a *ScriptedActivities) PersistArtifact(ctx context.Context, call activity.Call, in ir.PersistInput) error {
	if err := a.begin(ctx, ir.ActivityPersistArtifact, call, in); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.persisted = append(a.persisted, in.Artifact)
	return nil
}

// AppendLog implements activity.Activities.
func (a *ScriptedActivities) AppendLog(ctx context.Context, msg ir.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.AppendErr != nil {
		return a.AppendErr
	}
	a.logs = append(a.logs, msg)
	return nil
}

// Calls returns the recorded activity calls in order.
func (a *ScriptedActivities) Calls() []RecordedCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]RecordedCall(nil), a.calls...)
}

// Names returns the names of the recorded calls in order.
func (a *ScriptedActivities) Names() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, len(a.calls))
	for i, c := range a.calls {
		names[i] = c.Name
	}
	return names
}

// Count returns how many times the named activity ran.
func (a *ScriptedActivities) Count(name string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		if c.Name == name {
			n++
		}
	}
	return n
}

// Persisted returns the artifacts handed to persist-approved-artifact.
func (a *ScriptedActivities) Persisted() []ir.Artifact {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ir.Artifact(nil), a.persisted...)
}

// Logs returns the messages accepted by append-log.
func (a *ScriptedActivities) Logs() []ir.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ir.Message(nil), a.logs...)
}

// ErrScripted is a convenience error for Fail scripts.
var ErrScripted = errors.New("scripted failure")
