package engine

import "github.com/roach88/transformflow/internal/ir"

// validTransitions lists every phase edge. Self-edges are the plan revision
// loop and the repair loop. output_review -> planning is the only backward
// edge. Terminal phases have no outgoing edges.
var validTransitions = map[ir.Phase][]ir.Phase{
	ir.PhaseChangeDetection: {ir.PhasePlanning, ir.PhaseExecution, ir.PhaseFailed},
	ir.PhasePlanning:        {ir.PhasePlanReview, ir.PhaseFailed},
	ir.PhasePlanReview:      {ir.PhasePlanReview, ir.PhaseCodeGeneration, ir.PhaseFailed},
	ir.PhaseCodeGeneration:  {ir.PhaseExecution, ir.PhaseFailed},
	ir.PhaseExecution:       {ir.PhaseExecution, ir.PhaseOutputReview, ir.PhaseFailed},
	ir.PhaseOutputReview:    {ir.PhaseSaving, ir.PhasePlanning, ir.PhaseFailed},
	ir.PhaseSaving:          {ir.PhaseCompleted, ir.PhaseFailed},
}

// IsValidTransition reports whether the state machine has an edge from -> to.
func IsValidTransition(from, to ir.Phase) bool {
	for _, p := range validTransitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// checkTransition returns an INVALID_TRANSITION error unless from -> to is an
// edge or a step that leaves the phase unchanged.
func checkTransition(instanceID string, from, to ir.Phase) error {
	if from == to && !from.Terminal() {
		return nil
	}
	if !IsValidTransition(from, to) {
		return NewInvalidTransitionError(instanceID, string(from), string(to))
	}
	return nil
}
