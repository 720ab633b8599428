// Package activity defines the side-effecting operations the engine invokes
// and the adapters that implement them against external services.
//
// Every call receives a Call whose Key is stable for a given history slot.
// An adapter whose effect is not naturally idempotent (job submission) must
// forward the key to its service so that a call re-issued after a crash is
// deduplicated downstream.
package activity

import (
	"context"
	"errors"

	"github.com/roach88/transformflow/internal/ir"
)

// Call identifies one activity invocation.
type Call struct {
	InstanceID string
	// Key is the content-addressed call key of the history slot.
	Key string
	Seq int64
}

// Activities is the full set of operations the engine consumes.
type Activities interface {
	DetectChange(ctx context.Context, call Call, in ir.DetectChangeInput) (ir.ChangeReport, error)
	Plan(ctx context.Context, call Call, in ir.PlanInput) (ir.Plan, error)
	RevisePlan(ctx context.Context, call Call, in ir.RevisePlanInput) (ir.Plan, error)
	GenerateCode(ctx context.Context, call Call, in ir.GenerateCodeInput) (string, error)
	Execute(ctx context.Context, call Call, in ir.ExecuteInput) (ir.ExecutionResult, error)
	CheckIntegrity(ctx context.Context, call Call, in ir.CheckIntegrityInput) (ir.IntegrityReport, error)
	Repair(ctx context.Context, call Call, in ir.RepairInput) (string, error)
	PersistArtifact(ctx context.Context, call Call, in ir.PersistInput) error
	// AppendLog is best effort: the engine logs failures and moves on.
	AppendLog(ctx context.Context, msg ir.Message) error
}

// TransientError marks a failure the engine may treat as a failed attempt
// rather than a terminal error. Only execute and check-integrity honour it.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError. Returns nil for nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is, or wraps, a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
