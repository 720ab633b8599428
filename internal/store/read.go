package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/transformflow/internal/ir"
)

const instanceColumns = `id, request, phase, status, pending_event, plan_version, attempt,
	output_ref, error, artifact, version, created_at, updated_at`

// GetInstance returns the instance snapshot. Returns ErrNotFound if absent.
func (s *Store) GetInstance(ctx context.Context, id string) (ir.Instance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)

	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Instance{}, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return ir.Instance{}, fmt.Errorf("get instance: %w", err)
	}
	return inst, nil
}

// History returns the recorded steps of an instance ordered by seq.
// Returns an empty slice (not nil) if nothing is recorded yet.
func (s *Store) History(ctx context.Context, instanceID string) ([]ir.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, seq, call_key, kind, name, input_digest, input, result, error, recorded_at
		FROM history
		WHERE instance_id = ?
		ORDER BY seq ASC
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	entries := []ir.HistoryEntry{}
	for rows.Next() {
		e, err := scanHistoryEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}

// Messages returns the audit trail of an instance in timestamp order.
// Returns an empty slice (not nil) if there are none.
func (s *Store) Messages(ctx context.Context, instanceID string) ([]ir.Message, error) {
	return s.queryMessages(ctx, `
		SELECT id, instance_id, seq, role, phase, content, created_at
		FROM messages
		WHERE instance_id = ?
		ORDER BY created_at ASC, seq ASC
	`, instanceID)
}

// UndeliveredMessages returns messages not yet handed to the append-log
// sink, oldest first. An empty instanceID scans all instances.
func (s *Store) UndeliveredMessages(ctx context.Context, instanceID string, limit int) ([]ir.Message, error) {
	if limit <= 0 {
		limit = 500
	}
	if instanceID == "" {
		return s.queryMessages(ctx, `
			SELECT id, instance_id, seq, role, phase, content, created_at
			FROM messages
			WHERE delivered = 0
			ORDER BY created_at ASC, seq ASC
			LIMIT ?
		`, limit)
	}
	return s.queryMessages(ctx, `
		SELECT id, instance_id, seq, role, phase, content, created_at
		FROM messages
		WHERE delivered = 0 AND instance_id = ?
		ORDER BY created_at ASC, seq ASC
		LIMIT ?
	`, instanceID, limit)
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]ir.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	msgs := []ir.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// ListFilter narrows ListInstances. Zero values match everything.
type ListFilter struct {
	ClientID string
	Status   ir.Status
	Limit    int
}

// ListInstances returns instance snapshots, newest first.
func (s *Store) ListInstances(ctx context.Context, f ListFilter) ([]ir.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE 1 = 1`
	var args []any
	if f.ClientID != "" {
		query += ` AND client_id = ?`
		args = append(args, f.ClientID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at DESC, id COLLATE BINARY DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	return s.queryInstances(ctx, query, args...)
}

func (s *Store) queryInstances(ctx context.Context, query string, args ...any) ([]ir.Instance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	out := []ir.Instance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instances: %w", err)
	}
	return out, nil
}
