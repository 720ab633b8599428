package ir

import "time"

// Activity names as recorded in history.
const (
	ActivityDetectChange    = "detect-change"
	ActivityPlan            = "plan"
	ActivityRevisePlan      = "revise-plan"
	ActivityGenerateCode    = "generate-code"
	ActivityExecute         = "execute"
	ActivityCheckIntegrity  = "check-integrity"
	ActivityRepair          = "repair"
	ActivityPersistArtifact = "persist-approved-artifact"
	ActivityAppendLog       = "append-log"
)

// DetectChangeInput is the input of detect-change.
type DetectChangeInput struct {
	ClientID   string `json:"client_id"`
	MappingRef string `json:"mapping_ref"`
	DataRef    string `json:"data_ref"`
}

// PlanInput is the input of plan. PriorFeedback carries the reviewer's
// rejection text when planning restarts after an output rejection.
type PlanInput struct {
	ClientID      string `json:"client_id"`
	MappingRef    string `json:"mapping_ref"`
	DataRef       string `json:"data_ref"`
	PriorFeedback string `json:"prior_feedback,omitempty"`
}

// RevisePlanInput is the input of revise-plan.
type RevisePlanInput struct {
	Plan     Plan   `json:"plan"`
	Feedback string `json:"feedback"`
}

// GenerateCodeInput is the input of generate-code.
type GenerateCodeInput struct {
	ClientID  string `json:"client_id"`
	Plan      Plan   `json:"plan"`
	InputRef  string `json:"input_ref"`
	OutputRef string `json:"output_ref"`
}

// ExecuteInput is the input of execute. Attempt is 1-based.
type ExecuteInput struct {
	ClientID string `json:"client_id"`
	Code     string `json:"code"`
	Attempt  int    `json:"attempt"`
}

// CheckIntegrityInput is the input of check-integrity.
type CheckIntegrityInput struct {
	OutputRef       string   `json:"output_ref"`
	ExpectedColumns []string `json:"expected_columns,omitempty"`
	Attempt         int      `json:"attempt"`
}

// RepairInput is the input of repair. ErrorLog is the latest failure only.
type RepairInput struct {
	Code     string `json:"code"`
	ErrorLog string `json:"error_log"`
	Attempt  int    `json:"attempt"`
}

// PersistInput is the input of persist-approved-artifact.
type PersistInput struct {
	Artifact Artifact `json:"artifact"`
}

// Ack is the result of activities that return nothing but success.
type Ack struct {
	OK bool `json:"ok"`
}

// ReviewEvent is the recorded form of a resolved review wait.
type ReviewEvent struct {
	Decision   ReviewDecision `json:"decision"`
	ResolvedAt time.Time      `json:"resolved_at"`
}
