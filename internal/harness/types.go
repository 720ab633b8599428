package harness

import (
	"encoding/json"

	"github.com/roach88/transformflow/internal/ir"
)

// TraceEvent is one recorded history entry as the harness reports it.
type TraceEvent struct {
	Seq   int64          `json:"seq"`
	Kind  ir.EntryKind   `json:"kind"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
	Error string         `json:"error,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every assertion held and replay verified.
	Pass bool `json:"pass"`

	// InstanceID is the instance the scenario created.
	InstanceID string `json:"instance_id"`

	// Trace is the instance history in seq order.
	Trace []TraceEvent `json:"trace"`

	// Messages is the audit trail in order.
	Messages []ir.Message `json:"messages"`

	// Final is the instance snapshot after the last drive.
	Final ir.Instance `json:"final"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddEntry appends a history entry to the trace. Inputs that are not JSON
// objects are kept under the "value" key.
func (r *Result) AddEntry(e ir.HistoryEntry) {
	ev := TraceEvent{Seq: e.Seq, Kind: e.Kind, Name: e.Name, Error: e.Error}
	if len(e.Input) > 0 {
		var obj map[string]any
		if err := json.Unmarshal(e.Input, &obj); err == nil {
			ev.Input = obj
		} else {
			var v any
			if json.Unmarshal(e.Input, &v) == nil {
				ev.Input = map[string]any{"value": v}
			}
		}
	}
	r.Trace = append(r.Trace, ev)
}
