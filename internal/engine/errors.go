package engine

import (
	"errors"
	"fmt"
)

// RuntimeError represents an error detected by the engine.
//
// Protocol errors (NOT_FOUND, INVALID_REQUEST, STALE_REVIEW,
// MALFORMED_DECISION) are returned to callers with instance state
// unchanged. NON_DETERMINISTIC and CORRUPT_HISTORY mean an instance's
// history cannot be folded by this engine.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// InstanceID identifies the affected instance, if any.
	InstanceID string

	// Details contains additional context.
	Details map[string]string
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeNotFound indicates the instance does not exist.
	ErrCodeNotFound RuntimeErrorCode = "NOT_FOUND"

	// ErrCodeInvalidRequest indicates a create request is missing fields.
	ErrCodeInvalidRequest RuntimeErrorCode = "INVALID_REQUEST"

	// ErrCodeStaleReview indicates a review for an instance that is not
	// waiting for one, including the loser of two concurrent submissions.
	ErrCodeStaleReview RuntimeErrorCode = "STALE_REVIEW"

	// ErrCodeMalformedDecision indicates a rejection without feedback.
	ErrCodeMalformedDecision RuntimeErrorCode = "MALFORMED_DECISION"

	// ErrCodeNonDeterministic indicates recorded history diverges from what
	// the engine would issue.
	ErrCodeNonDeterministic RuntimeErrorCode = "NON_DETERMINISTIC"

	// ErrCodeInvalidTransition indicates a phase change outside the FSM.
	ErrCodeInvalidTransition RuntimeErrorCode = "INVALID_TRANSITION"

	// ErrCodeCorruptHistory indicates a history entry that cannot be decoded
	// or is out of sequence.
	ErrCodeCorruptHistory RuntimeErrorCode = "CORRUPT_HISTORY"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.InstanceID != "" {
		return fmt.Sprintf("%s: %s (instance=%s)", e.Code, e.Message, e.InstanceID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsNotFound reports whether err is a NOT_FOUND runtime error.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsInvalidRequest reports whether err is an INVALID_REQUEST runtime error.
func IsInvalidRequest(err error) bool { return hasCode(err, ErrCodeInvalidRequest) }

// IsStaleReview reports whether err is a STALE_REVIEW runtime error.
func IsStaleReview(err error) bool { return hasCode(err, ErrCodeStaleReview) }

// IsMalformedDecision reports whether err is a MALFORMED_DECISION runtime error.
func IsMalformedDecision(err error) bool { return hasCode(err, ErrCodeMalformedDecision) }

// IsNonDeterministic reports whether err is a NON_DETERMINISTIC runtime error.
func IsNonDeterministic(err error) bool { return hasCode(err, ErrCodeNonDeterministic) }

// IsCorruptHistory reports whether err is a CORRUPT_HISTORY runtime error.
func IsCorruptHistory(err error) bool { return hasCode(err, ErrCodeCorruptHistory) }

// IsInvalidTransition reports whether err is an INVALID_TRANSITION runtime error.
func IsInvalidTransition(err error) bool { return hasCode(err, ErrCodeInvalidTransition) }

// NewNotFoundError creates a RuntimeError for an unknown instance.
func NewNotFoundError(instanceID string) *RuntimeError {
	return &RuntimeError{
		Code:       ErrCodeNotFound,
		Message:    "instance not found",
		InstanceID: instanceID,
	}
}

// NewInvalidRequestError creates a RuntimeError for a missing request field.
func NewInvalidRequestError(field string) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeInvalidRequest,
		Message: fmt.Sprintf("%s is required", field),
		Details: map[string]string{"field": field},
	}
}

// NewStaleReviewError creates a RuntimeError for a review that arrived when
// the instance was not pending for event.
func NewStaleReviewError(instanceID, event, pending string) *RuntimeError {
	return &RuntimeError{
		Code:       ErrCodeStaleReview,
		Message:    fmt.Sprintf("instance is not waiting for %q", event),
		InstanceID: instanceID,
		Details: map[string]string{
			"event":   event,
			"pending": pending,
		},
	}
}

// NewMalformedDecisionError creates a RuntimeError for an invalid decision.
func NewMalformedDecisionError(instanceID, reason string) *RuntimeError {
	return &RuntimeError{
		Code:       ErrCodeMalformedDecision,
		Message:    reason,
		InstanceID: instanceID,
	}
}

// NewNonDeterministicError creates a RuntimeError for a history entry that
// does not match the command the engine would issue at that position.
func NewNonDeterministicError(instanceID string, seq int64, want, got string) *RuntimeError {
	return &RuntimeError{
		Code:       ErrCodeNonDeterministic,
		Message:    fmt.Sprintf("history entry %d is %s, engine expects %s", seq, got, want),
		InstanceID: instanceID,
		Details: map[string]string{
			"seq":  fmt.Sprintf("%d", seq),
			"want": want,
			"got":  got,
		},
	}
}

// NewCorruptHistoryError creates a RuntimeError for an undecodable or
// out-of-sequence entry.
func NewCorruptHistoryError(instanceID string, seq int64, err error) *RuntimeError {
	return &RuntimeError{
		Code:       ErrCodeCorruptHistory,
		Message:    fmt.Sprintf("history entry %d: %v", seq, err),
		InstanceID: instanceID,
		Details:    map[string]string{"seq": fmt.Sprintf("%d", seq)},
	}
}

// NewInvalidTransitionError creates a RuntimeError for a phase change that
// is not an edge of the state machine.
func NewInvalidTransitionError(instanceID, from, to string) *RuntimeError {
	return &RuntimeError{
		Code:       ErrCodeInvalidTransition,
		Message:    fmt.Sprintf("no transition from %s to %s", from, to),
		InstanceID: instanceID,
		Details: map[string]string{
			"from": from,
			"to":   to,
		},
	}
}
