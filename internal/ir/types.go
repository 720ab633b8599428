package ir

import (
	"encoding/json"
	"time"
)

// Phase is a state of the orchestration state machine.
type Phase string

const (
	PhaseChangeDetection Phase = "change_detection"
	PhasePlanning        Phase = "planning"
	PhasePlanReview      Phase = "plan_review"
	PhaseCodeGeneration  Phase = "code_generation"
	PhaseExecution       Phase = "execution_with_integrity"
	PhaseOutputReview    Phase = "output_review"
	PhaseSaving          Phase = "saving"
	PhaseCompleted       Phase = "completed"
	PhaseFailed          Phase = "failed"
)

// Phases lists every phase in forward order, Failed last.
var Phases = []Phase{
	PhaseChangeDetection,
	PhasePlanning,
	PhasePlanReview,
	PhaseCodeGeneration,
	PhaseExecution,
	PhaseOutputReview,
	PhaseSaving,
	PhaseCompleted,
	PhaseFailed,
}

// Terminal reports whether no further transitions leave the phase.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Status is the overall lifecycle status of an instance.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Role identifies who produced an audit message.
type Role string

const (
	RoleAgent    Role = "agent"
	RoleReviewer Role = "reviewer"
)

// EventReview is the only external event name the engine waits on.
const EventReview = "review"

// Request is the client submission that creates an instance.
type Request struct {
	ClientID        string   `json:"client_id"`
	MappingRef      string   `json:"mapping_ref"`
	DataRef         string   `json:"data_ref"`
	ExpectedColumns []string `json:"expected_columns,omitempty"`
}

// Instance is one workflow run as persisted by the store.
//
// The phase/status/pending fields are a snapshot of Fold(history) written in
// the same transaction as the history entry that produced them.
type Instance struct {
	ID           string    `json:"id"`
	Request      Request   `json:"request"`
	Phase        Phase     `json:"phase"`
	Status       Status    `json:"status"`
	PendingEvent string    `json:"pending_event,omitempty"`
	PlanVersion  int       `json:"plan_version"`
	Attempt      int       `json:"attempt"`
	OutputRef    string    `json:"output_ref"`
	Error        string    `json:"error,omitempty"`
	Artifact     *Artifact `json:"artifact,omitempty"`
	Version      int64     `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// EntryKind distinguishes recorded activity calls from external events.
type EntryKind string

const (
	EntryActivity EntryKind = "activity"
	EntryEvent    EntryKind = "event"
)

// HistoryEntry is one recorded step of an instance.
//
// CallKey is content-addressed over (instance, seq, name, input digest) and
// doubles as the idempotency key handed to the activity adapter.
type HistoryEntry struct {
	InstanceID  string          `json:"instance_id"`
	Seq         int64           `json:"seq"`
	Kind        EntryKind       `json:"kind"`
	Name        string          `json:"name"`
	CallKey     string          `json:"call_key"`
	InputDigest string          `json:"input_digest"`
	Input       json.RawMessage `json:"input"`
	Result      json.RawMessage `json:"result"`
	Error       string          `json:"error,omitempty"`
	RecordedAt  time.Time       `json:"recorded_at"`
}

// Message is an append-only audit entry.
type Message struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id"`
	Seq        int64     `json:"seq"`
	Role       Role      `json:"role"`
	Phase      Phase     `json:"phase"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}

// Plan is the versioned, human-reviewable transformation description.
type Plan struct {
	Version int    `json:"version"`
	Summary string `json:"summary"`
	Steps   []Step `json:"steps"`
}

// Step is one plan step. Its content is owned by the planner.
type Step struct {
	Description string `json:"description"`
}

// ReviewDecision is the payload of a "review" event.
type ReviewDecision struct {
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
}

// ExecutionResult is the outcome of one execution attempt.
type ExecutionResult struct {
	Success  bool   `json:"success"`
	ErrorLog string `json:"error_log,omitempty"`
}

// IntegrityReport is the outcome of validating an execution's output.
type IntegrityReport struct {
	Passed         bool     `json:"passed"`
	FailureReasons []string `json:"failure_reasons,omitempty"`
}

// OutputSummary describes a job's output as reported by the job service.
// Sample rows are kept as strings so the summary digests without floats.
type OutputSummary struct {
	RowCount   int64                `json:"row_count"`
	Columns    []string             `json:"columns"`
	SampleRows []map[string]*string `json:"sample_rows,omitempty"`
}

// ChangeReport is the result of change detection.
type ChangeReport struct {
	NeedsRegeneration bool      `json:"needs_regeneration"`
	Reason            string    `json:"reason"`
	Existing          *Artifact `json:"existing,omitempty"`
	Fingerprint       string    `json:"fingerprint,omitempty"`
}

// Artifact is the approved plan and code for a client.
// One record per client; the latest approval wins.
type Artifact struct {
	ClientID    string    `json:"client_id"`
	Plan        Plan      `json:"plan"`
	Code        string    `json:"code"`
	OutputRef   string    `json:"output_ref"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	InstanceID  string    `json:"instance_id"`
	ApprovedAt  time.Time `json:"approved_at"`
}
