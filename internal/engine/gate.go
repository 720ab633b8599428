package engine

import (
	"fmt"
	"strings"

	"github.com/roach88/transformflow/internal/ir"
)

// suspend marks s as waiting for event. At most one event may be pending.
func suspend(s State, event string) (State, error) {
	if s.PendingEvent != "" && s.PendingEvent != event {
		return s, fmt.Errorf("cannot wait for %q: %q already pending", event, s.PendingEvent)
	}
	s.PendingEvent = event
	return s, nil
}

// checkResolve validates resolving event with d against s without changing
// anything. A terminal instance or one not pending for event is stale; a
// rejection needs feedback.
func checkResolve(s State, event string, d ir.ReviewDecision) error {
	if s.Status.Terminal() || s.PendingEvent != event {
		return NewStaleReviewError(s.InstanceID, event, s.PendingEvent)
	}
	return validateDecision(s.InstanceID, d)
}

func validateDecision(instanceID string, d ir.ReviewDecision) error {
	if !d.Approved && strings.TrimSpace(d.Feedback) == "" {
		return NewMalformedDecisionError(instanceID, "a rejection requires feedback")
	}
	return nil
}
