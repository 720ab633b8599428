package activity

import (
	"context"
	"errors"

	"github.com/roach88/transformflow/internal/ir"
)

// Planner produces and refines plans and code. Implemented by *Reasoner.
type Planner interface {
	Plan(ctx context.Context, call Call, in ir.PlanInput) (ir.Plan, error)
	RevisePlan(ctx context.Context, call Call, in ir.RevisePlanInput) (ir.Plan, error)
	GenerateCode(ctx context.Context, call Call, in ir.GenerateCodeInput) (string, error)
	Repair(ctx context.Context, call Call, in ir.RepairInput) (string, error)
}

// Executor runs generated code. Implemented by *JobClient.
type Executor interface {
	Execute(ctx context.Context, call Call, in ir.ExecuteInput) (ir.ExecutionResult, error)
}

// SummarySource reads output summaries. Implemented by *JobClient.
type SummarySource interface {
	Summary(ctx context.Context, outputRef string) (ir.OutputSummary, error)
}

// ArtifactRepository stores approved artifacts, one per client.
// Implemented by *store.Store and *artifact.PostgresRepository.
type ArtifactRepository interface {
	GetArtifact(ctx context.Context, clientID string) (*ir.Artifact, error)
	SaveArtifact(ctx context.Context, a ir.Artifact) error
}

// Sink receives audit messages.
type Sink interface {
	AppendLog(ctx context.Context, msg ir.Message) error
}

// Adapters assembles the production activities.
type Adapters struct {
	Detector  *ChangeDetector
	Planner   Planner
	Executor  Executor
	Integrity *IntegrityChecker
	Artifacts ArtifactRepository
	Sink      Sink
}

var _ Activities = (*Adapters)(nil)

// ErrNotConfigured is returned by an activity whose adapter is missing.
var ErrNotConfigured = errors.New("activity: adapter not configured")

// Validate reports the first missing adapter.
func (a *Adapters) Validate() error {
	switch {
	case a.Detector == nil:
		return errors.Join(ErrNotConfigured, errors.New("change detector"))
	case a.Planner == nil:
		return errors.Join(ErrNotConfigured, errors.New("planner"))
	case a.Executor == nil:
		return errors.Join(ErrNotConfigured, errors.New("executor"))
	case a.Integrity == nil:
		return errors.Join(ErrNotConfigured, errors.New("integrity checker"))
	case a.Artifacts == nil:
		return errors.Join(ErrNotConfigured, errors.New("artifact repository"))
	}
	return nil
}

func (a *Adapters) DetectChange(ctx context.Context, call Call, in ir.DetectChangeInput) (ir.ChangeReport, error) {
	if a.Detector == nil {
		return ir.ChangeReport{}, ErrNotConfigured
	}
	return a.Detector.DetectChange(ctx, call, in)
}

func (a *Adapters) Plan(ctx context.Context, call Call, in ir.PlanInput) (ir.Plan, error) {
	if a.Planner == nil {
		return ir.Plan{}, ErrNotConfigured
	}
	return a.Planner.Plan(ctx, call, in)
}

func (a *Adapters) RevisePlan(ctx context.Context, call Call, in ir.RevisePlanInput) (ir.Plan, error) {
	if a.Planner == nil {
		return ir.Plan{}, ErrNotConfigured
	}
	return a.Planner.RevisePlan(ctx, call, in)
}

func (a *Adapters) GenerateCode(ctx context.Context, call Call, in ir.GenerateCodeInput) (string, error) {
	if a.Planner == nil {
		return "", ErrNotConfigured
	}
	return a.Planner.GenerateCode(ctx, call, in)
}

func (a *Adapters) Execute(ctx context.Context, call Call, in ir.ExecuteInput) (ir.ExecutionResult, error) {
	if a.Executor == nil {
		return ir.ExecutionResult{}, ErrNotConfigured
	}
	return a.Executor.Execute(ctx, call, in)
}

func (a *Adapters) CheckIntegrity(ctx context.Context, call Call, in ir.CheckIntegrityInput) (ir.IntegrityReport, error) {
	if a.Integrity == nil {
		return ir.IntegrityReport{}, ErrNotConfigured
	}
	return a.Integrity.CheckIntegrity(ctx, call, in)
}

func (a *Adapters) Repair(ctx context.Context, call Call, in ir.RepairInput) (string, error) {
	if a.Planner == nil {
		return "", ErrNotConfigured
	}
	return a.Planner.Repair(ctx, call, in)
}

// PersistArtifact saves the approved artifact. The repository ignores an
// older approval, so a replayed save is harmless.
func (a *Adapters) PersistArtifact(ctx context.Context, _ Call, in ir.PersistInput) error {
	if a.Artifacts == nil {
		return ErrNotConfigured
	}
	return a.Artifacts.SaveArtifact(ctx, in.Artifact)
}

// AppendLog forwards to the sink. Without a sink messages stay in the
// store only.
func (a *Adapters) AppendLog(ctx context.Context, msg ir.Message) error {
	if a.Sink == nil {
		return nil
	}
	return a.Sink.AppendLog(ctx, msg)
}
