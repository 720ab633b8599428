package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/transformflow/internal/ir"
)

// Policy bounds the loops of an instance.
//
// MaxPlanRevisions and MaxOutputRejections of 0 leave the plan revision
// loop and the output rejection loop unbounded. Exceeding a non-zero limit
// fails the instance. MaxPlanRevisions applies to each planning pass; an
// output rejection starts a new pass with a fresh revision count.
type Policy struct {
	MaxAttempts         int
	MaxPlanRevisions    int
	MaxOutputRejections int
}

// DefaultPolicy returns the default loop bounds.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	return p
}

// State is an instance's in-memory state as rebuilt from its history.
type State struct {
	InstanceID string
	Request    ir.Request
	OutputRef  string
	CreatedAt  time.Time

	Phase        ir.Phase
	Status       ir.Status
	PendingEvent string

	Plan        *ir.Plan
	Code        string
	Reused      bool
	Fingerprint string

	// Attempt is the current execution attempt, 1-based; 0 outside execution.
	Attempt   int
	Step      RetryStep
	LastError string

	// RevisionFeedback is the plan reviewer's feedback awaiting revise-plan.
	RevisionFeedback string
	// PriorFeedback is the output reviewer's feedback for the next plan.
	PriorFeedback    string
	PlanRevisions    int
	OutputRejections int

	ApprovedAt time.Time
	Artifact   *ir.Artifact
	Error      string

	// Seq is the seq of the last folded entry.
	Seq int64
}

// note is an audit line produced by a state change.
type note struct {
	Role    ir.Role
	Phase   ir.Phase
	Content string
}

func agentNote(phase ir.Phase, content string) note {
	return note{Role: ir.RoleAgent, Phase: phase, Content: content}
}

func reviewerNote(phase ir.Phase, content string) note {
	return note{Role: ir.RoleReviewer, Phase: phase, Content: content}
}

// initialState is the state of a freshly created instance.
func initialState(inst ir.Instance) State {
	return State{
		InstanceID: inst.ID,
		Request:    inst.Request,
		OutputRef:  inst.OutputRef,
		CreatedAt:  inst.CreatedAt,
		Phase:      ir.PhaseChangeDetection,
		Status:     ir.StatusPending,
	}
}

// Fold rebuilds the state of inst from its history. It is pure: the same
// instance and history always produce the same state.
//
// Every entry is checked against the command decide would issue at its
// position. Returns a NON_DETERMINISTIC error on mismatch and a
// CORRUPT_HISTORY error for gaps or undecodable entries.
func Fold(inst ir.Instance, history []ir.HistoryEntry, policy Policy) (State, error) {
	policy = policy.withDefaults()
	s := initialState(inst)

	for _, e := range history {
		if e.Seq != s.Seq+1 {
			return s, NewCorruptHistoryError(s.InstanceID, e.Seq,
				fmt.Errorf("expected seq %d", s.Seq+1))
		}
		cmd, err := decide(s)
		if err != nil {
			return s, NewCorruptHistoryError(s.InstanceID, e.Seq, err)
		}
		if err := verify(s, cmd, e); err != nil {
			return s, err
		}
		s, _, err = apply(s, e, policy)
		if err != nil {
			return s, err
		}
	}
	return s, nil
}

// verify checks that e is what cmd would have recorded.
func verify(s State, cmd Command, e ir.HistoryEntry) error {
	got := fmt.Sprintf("%s %s", e.Kind, e.Name)
	switch cmd.Kind {
	case CommandDone:
		return NewNonDeterministicError(s.InstanceID, e.Seq, cmd.String(), got)

	case CommandWait:
		if e.Kind != ir.EntryEvent || e.Name != cmd.Name {
			return NewNonDeterministicError(s.InstanceID, e.Seq, "event "+cmd.Name, got)
		}
		return nil

	default:
		if e.Kind != ir.EntryActivity || e.Name != cmd.Name {
			return NewNonDeterministicError(s.InstanceID, e.Seq, cmd.String(), got)
		}
		if e.InputDigest != cmd.Digest {
			return NewNonDeterministicError(s.InstanceID, e.Seq,
				cmd.String()+" input "+cmd.Digest, got+" input "+e.InputDigest)
		}
		key, err := ir.CallKey(s.InstanceID, e.Seq, e.Name, e.InputDigest)
		if err != nil {
			return NewCorruptHistoryError(s.InstanceID, e.Seq, err)
		}
		if key != e.CallKey {
			return NewCorruptHistoryError(s.InstanceID, e.Seq, fmt.Errorf("call key mismatch"))
		}
		return nil
	}
}

// apply folds one entry into s and returns the audit notes the change
// produces.
func apply(s State, e ir.HistoryEntry, policy Policy) (State, []note, error) {
	from := s.Phase
	s.Seq = e.Seq
	if s.Status == ir.StatusPending {
		s.Status = ir.StatusRunning
	}

	var (
		notes []note
		err   error
	)
	switch {
	case e.Kind == ir.EntryEvent:
		s, notes, err = applyEvent(s, e, policy)
	case e.Error != "":
		s, notes = fail(s, fmt.Sprintf("%s: %s", e.Name, e.Error))
	default:
		s, notes, err = applyResult(s, e, policy)
	}
	if err != nil {
		return s, nil, err
	}
	if err := checkTransition(s.InstanceID, from, s.Phase); err != nil {
		return s, nil, err
	}
	return s, notes, nil
}

func applyResult(s State, e ir.HistoryEntry, policy Policy) (State, []note, error) {
	rc := newRetryController(policy.MaxAttempts)
	corrupt := func(err error) (State, []note, error) {
		return s, nil, NewCorruptHistoryError(s.InstanceID, e.Seq, err)
	}

	switch e.Name {
	case ir.ActivityDetectChange:
		var rep ir.ChangeReport
		if err := decode(e.Result, &rep); err != nil {
			return corrupt(err)
		}
		s.Fingerprint = rep.Fingerprint
		if !rep.NeedsRegeneration && rep.Existing != nil {
			plan := rep.Existing.Plan
			s.Plan = &plan
			s.Code = relocateOutput(rep.Existing.Code, rep.Existing.OutputRef, s.OutputRef)
			s.Reused = true
			s.Phase = ir.PhaseExecution
			s.Attempt, s.Step = 1, StepExecute
			return s, []note{
				agentNote(ir.PhaseChangeDetection, "Reusing existing transformation. Reason: "+rep.Reason),
				agentNote(ir.PhaseExecution, rc.attemptNote(1)),
			}, nil
		}
		s.Phase = ir.PhasePlanning
		return s, []note{agentNote(ir.PhaseChangeDetection, "Regeneration needed. Reason: "+rep.Reason)}, nil

	case ir.ActivityPlan, ir.ActivityRevisePlan:
		var plan ir.Plan
		if err := decode(e.Result, &plan); err != nil {
			return corrupt(err)
		}
		plan.Version = s.nextPlanVersion()
		s.Plan = &plan
		s.RevisionFeedback = ""
		s.PriorFeedback = ""
		s.Phase = ir.PhasePlanReview
		var err error
		if s, err = suspend(s, ir.EventReview); err != nil {
			return corrupt(err)
		}
		return s, []note{agentNote(ir.PhasePlanReview, renderPlan(plan))}, nil

	case ir.ActivityGenerateCode:
		var code string
		if err := decode(e.Result, &code); err != nil {
			return corrupt(err)
		}
		s.Code = code
		s.Phase = ir.PhaseExecution
		s.Attempt, s.Step = 1, StepExecute
		return s, []note{agentNote(ir.PhaseExecution, rc.attemptNote(1))}, nil

	case ir.ActivityExecute:
		var res ir.ExecutionResult
		if err := decode(e.Result, &res); err != nil {
			return corrupt(err)
		}
		return s.afterRetry(rc.afterExecute(s.Attempt, res))

	case ir.ActivityCheckIntegrity:
		var rep ir.IntegrityReport
		if err := decode(e.Result, &rep); err != nil {
			return corrupt(err)
		}
		return s.afterRetry(rc.afterIntegrity(s.Attempt, rep))

	case ir.ActivityRepair:
		var code string
		if err := decode(e.Result, &code); err != nil {
			return corrupt(err)
		}
		s.Code = code
		s.Attempt++
		s.Step = StepExecute
		s.LastError = ""
		return s, []note{agentNote(ir.PhaseExecution, rc.attemptNote(s.Attempt))}, nil

	case ir.ActivityPersistArtifact:
		art := s.pendingArtifact()
		s.Artifact = &art
		s.Phase = ir.PhaseCompleted
		s.Status = ir.StatusCompleted
		return s, []note{agentNote(ir.PhaseCompleted, "Transformation saved. Output at: "+s.OutputRef)}, nil
	}
	return corrupt(fmt.Errorf("unknown activity %q", e.Name))
}

// afterRetry applies a retry controller outcome.
func (s State) afterRetry(out retryOutcome) (State, []note, error) {
	switch {
	case out.Exhausted:
		failed, notes := fail(s, out.Failure)
		return failed, notes, nil

	case out.Passed:
		s.Phase = ir.PhaseOutputReview
		s.Step = ""
		var err error
		if s, err = suspend(s, ir.EventReview); err != nil {
			return s, nil, err
		}
		return s, []note{agentNote(ir.PhaseOutputReview,
			"Transformation complete. Output at: "+s.OutputRef+
				"\nIntegrity checks: PASSED\nPlease review the output.")}, nil
	}

	s.Step = out.Next
	if out.Next != StepRepair {
		return s, nil, nil
	}
	s.LastError = out.ErrorLog
	return s, []note{agentNote(ir.PhaseExecution,
		fmt.Sprintf("Attempt %d failed. Repairing...\n%s", s.Attempt, out.ErrorLog))}, nil
}

func applyEvent(s State, e ir.HistoryEntry, policy Policy) (State, []note, error) {
	var ev ir.ReviewEvent
	if err := decode(e.Result, &ev); err != nil {
		return s, nil, NewCorruptHistoryError(s.InstanceID, e.Seq, err)
	}
	d := ev.Decision
	phase := s.Phase
	s.PendingEvent = ""

	switch phase {
	case ir.PhasePlanReview:
		if d.Approved {
			s.Phase = ir.PhaseCodeGeneration
			return s, []note{reviewerNote(phase, "Approved")}, nil
		}
		notes := []note{reviewerNote(phase, "Feedback: "+d.Feedback)}
		if policy.MaxPlanRevisions > 0 && s.PlanRevisions >= policy.MaxPlanRevisions {
			var failed []note
			s, failed = fail(s, fmt.Sprintf("Plan revision limit reached (%d)", policy.MaxPlanRevisions))
			return s, append(notes, failed...), nil
		}
		s.PlanRevisions++
		s.RevisionFeedback = d.Feedback
		return s, notes, nil

	case ir.PhaseOutputReview:
		if d.Approved {
			s.ApprovedAt = ev.ResolvedAt
			s.Phase = ir.PhaseSaving
			return s, []note{reviewerNote(phase, "Approved")}, nil
		}
		notes := []note{reviewerNote(phase, "Rejected: "+d.Feedback)}
		if policy.MaxOutputRejections > 0 && s.OutputRejections >= policy.MaxOutputRejections {
			var failed []note
			s, failed = fail(s, fmt.Sprintf("Output rejection limit reached (%d)", policy.MaxOutputRejections))
			return s, append(notes, failed...), nil
		}
		s.OutputRejections++
		s.PlanRevisions = 0
		s.PriorFeedback = d.Feedback
		s.Code = ""
		s.Reused = false
		s.Attempt, s.Step, s.LastError = 0, "", ""
		s.Phase = ir.PhasePlanning
		return s, append(notes, agentNote(ir.PhasePlanning, "Output rejected. Returning to planning...")), nil
	}
	return s, nil, NewCorruptHistoryError(s.InstanceID, e.Seq,
		fmt.Errorf("review event in phase %s", phase))
}

// fail moves s to the absorbing failed state.
func fail(s State, text string) (State, []note) {
	s.Phase = ir.PhaseFailed
	s.Status = ir.StatusFailed
	s.PendingEvent = ""
	s.Step = ""
	s.Error = text
	return s, []note{agentNote(ir.PhaseFailed, text)}
}

func (s State) planOrEmpty() ir.Plan {
	if s.Plan == nil {
		return ir.Plan{}
	}
	return *s.Plan
}

func (s State) nextPlanVersion() int {
	if s.Plan == nil {
		return 1
	}
	return s.Plan.Version + 1
}

// pendingArtifact is the artifact saving persists.
func (s State) pendingArtifact() ir.Artifact {
	return ir.Artifact{
		ClientID:    s.Request.ClientID,
		Plan:        s.planOrEmpty(),
		Code:        s.Code,
		OutputRef:   s.OutputRef,
		Fingerprint: s.Fingerprint,
		InstanceID:  s.InstanceID,
		ApprovedAt:  s.ApprovedAt,
	}
}

// Snapshot returns inst updated with the fields the store indexes.
func (s State) Snapshot(inst ir.Instance) ir.Instance {
	inst.Phase = s.Phase
	inst.Status = s.Status
	inst.PendingEvent = s.PendingEvent
	inst.PlanVersion = s.planOrEmpty().Version
	inst.Attempt = s.Attempt
	inst.Error = s.Error
	inst.Artifact = s.Artifact
	return inst
}

// relocateOutput points reused code at this run's output location.
func relocateOutput(code, oldRef, newRef string) string {
	if oldRef == "" || oldRef == newRef {
		return code
	}
	return strings.ReplaceAll(code, oldRef, newRef)
}

func renderPlan(p ir.Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan v%d: %s", p.Version, p.Summary)
	for i, step := range p.Steps {
		fmt.Fprintf(&b, "\n%d. %s", i+1, step.Description)
	}
	return b.String()
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty result")
	}
	return json.Unmarshal(raw, v)
}
