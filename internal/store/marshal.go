package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/transformflow/internal/ir"
)

// marshalJSON converts a value to JSON TEXT for storage.
// HTML escaping is disabled so stored code and plans read back verbatim.
func marshalJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("marshal %T: %w", v, err)
	}
	// Encoder adds a trailing newline, remove it
	return strings.TrimSpace(buf.String()), nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (ir.Instance, error) {
	var (
		inst                 ir.Instance
		reqJSON              string
		phase, status        string
		artifactJSON         *string
		createdAt, updatedAt string
	)
	err := row.Scan(
		&inst.ID,
		&reqJSON,
		&phase,
		&status,
		&inst.PendingEvent,
		&inst.PlanVersion,
		&inst.Attempt,
		&inst.OutputRef,
		&inst.Error,
		&artifactJSON,
		&inst.Version,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return ir.Instance{}, err
	}

	inst.Phase = ir.Phase(phase)
	inst.Status = ir.Status(status)

	if err := json.Unmarshal([]byte(reqJSON), &inst.Request); err != nil {
		return ir.Instance{}, fmt.Errorf("unmarshal request: %w", err)
	}
	if artifactJSON != nil {
		var a ir.Artifact
		if err := json.Unmarshal([]byte(*artifactJSON), &a); err != nil {
			return ir.Instance{}, fmt.Errorf("unmarshal artifact: %w", err)
		}
		inst.Artifact = &a
	}
	if inst.CreatedAt, err = parseTime(createdAt); err != nil {
		return ir.Instance{}, err
	}
	if inst.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return ir.Instance{}, err
	}
	return inst, nil
}

func scanHistoryEntry(row rowScanner) (ir.HistoryEntry, error) {
	var (
		e             ir.HistoryEntry
		kind          string
		input, result string
		recordedAt    string
	)
	err := row.Scan(
		&e.InstanceID,
		&e.Seq,
		&e.CallKey,
		&kind,
		&e.Name,
		&e.InputDigest,
		&input,
		&result,
		&e.Error,
		&recordedAt,
	)
	if err != nil {
		return ir.HistoryEntry{}, err
	}
	e.Kind = ir.EntryKind(kind)
	e.Input = json.RawMessage(input)
	e.Result = json.RawMessage(result)
	if e.RecordedAt, err = parseTime(recordedAt); err != nil {
		return ir.HistoryEntry{}, err
	}
	return e, nil
}

func scanMessage(row rowScanner) (ir.Message, error) {
	var (
		m           ir.Message
		role, phase string
		createdAt   string
	)
	if err := row.Scan(&m.ID, &m.InstanceID, &m.Seq, &role, &phase, &m.Content, &createdAt); err != nil {
		return ir.Message{}, err
	}
	m.Role = ir.Role(role)
	m.Phase = ir.Phase(phase)
	t, err := parseTime(createdAt)
	if err != nil {
		return ir.Message{}, err
	}
	m.Timestamp = t
	return m, nil
}

func scanArtifact(row rowScanner) (ir.Artifact, error) {
	var (
		a          ir.Artifact
		planJSON   string
		approvedAt string
	)
	if err := row.Scan(&a.ClientID, &planJSON, &a.Code, &a.OutputRef, &a.Fingerprint, &a.InstanceID, &approvedAt); err != nil {
		return ir.Artifact{}, err
	}
	if err := json.Unmarshal([]byte(planJSON), &a.Plan); err != nil {
		return ir.Artifact{}, fmt.Errorf("unmarshal plan: %w", err)
	}
	t, err := time.Parse(timeLayout, approvedAt)
	if err != nil {
		return ir.Artifact{}, fmt.Errorf("parse approved_at: %w", err)
	}
	a.ApprovedAt = t
	return a, nil
}
