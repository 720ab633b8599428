package engine

import (
	"fmt"

	"github.com/roach88/transformflow/internal/ir"
)

// CommandKind is what an instance needs next.
type CommandKind string

const (
	// CommandActivity means an activity call must be executed and recorded.
	CommandActivity CommandKind = "activity"
	// CommandWait means the instance is suspended on an external event.
	CommandWait CommandKind = "wait"
	// CommandDone means the instance is terminal.
	CommandDone CommandKind = "done"
)

// Command is the next step of an instance as derived from its state.
type Command struct {
	Kind CommandKind
	// Name is the activity name, or the awaited event for CommandWait.
	Name   string
	Input  any
	Digest string
}

func (c Command) String() string {
	if c.Kind == CommandDone {
		return "done"
	}
	return fmt.Sprintf("%s %s", c.Kind, c.Name)
}

// decide returns the next command for s. It is a pure function of s.
func decide(s State) (Command, error) {
	if s.Status.Terminal() {
		return Command{Kind: CommandDone}, nil
	}
	if s.PendingEvent != "" {
		return Command{Kind: CommandWait, Name: s.PendingEvent}, nil
	}

	var (
		name  string
		input any
	)
	switch s.Phase {
	case ir.PhaseChangeDetection:
		name = ir.ActivityDetectChange
		input = ir.DetectChangeInput{
			ClientID:   s.Request.ClientID,
			MappingRef: s.Request.MappingRef,
			DataRef:    s.Request.DataRef,
		}

	case ir.PhasePlanning:
		name = ir.ActivityPlan
		input = ir.PlanInput{
			ClientID:      s.Request.ClientID,
			MappingRef:    s.Request.MappingRef,
			DataRef:       s.Request.DataRef,
			PriorFeedback: s.PriorFeedback,
		}

	case ir.PhasePlanReview:
		// Not pending in plan_review means a rejection awaits its revision.
		name = ir.ActivityRevisePlan
		input = ir.RevisePlanInput{Plan: s.planOrEmpty(), Feedback: s.RevisionFeedback}

	case ir.PhaseCodeGeneration:
		name = ir.ActivityGenerateCode
		input = ir.GenerateCodeInput{
			ClientID:  s.Request.ClientID,
			Plan:      s.planOrEmpty(),
			InputRef:  s.Request.DataRef,
			OutputRef: s.OutputRef,
		}

	case ir.PhaseExecution:
		switch s.Step {
		case StepExecute:
			name = ir.ActivityExecute
			input = ir.ExecuteInput{ClientID: s.Request.ClientID, Code: s.Code, Attempt: s.Attempt}
		case StepIntegrity:
			name = ir.ActivityCheckIntegrity
			input = ir.CheckIntegrityInput{
				OutputRef:       s.OutputRef,
				ExpectedColumns: s.Request.ExpectedColumns,
				Attempt:         s.Attempt,
			}
		case StepRepair:
			name = ir.ActivityRepair
			input = ir.RepairInput{Code: s.Code, ErrorLog: s.LastError, Attempt: s.Attempt}
		default:
			return Command{}, fmt.Errorf("unknown retry step %q", s.Step)
		}

	case ir.PhaseSaving:
		name = ir.ActivityPersistArtifact
		input = ir.PersistInput{Artifact: s.pendingArtifact()}

	default:
		// output_review is always entered suspended and left by its event.
		return Command{}, fmt.Errorf("no command for phase %s", s.Phase)
	}

	digest, err := ir.InputDigest(input)
	if err != nil {
		return Command{}, fmt.Errorf("digest %s input: %w", name, err)
	}
	return Command{Kind: CommandActivity, Name: name, Input: input, Digest: digest}, nil
}
