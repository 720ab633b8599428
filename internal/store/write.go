package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/roach88/transformflow/internal/ir"
)

// Transition is everything one engine step persists.
//
// Instance carries the snapshot after the step; its Version must equal the
// version read before the step. Entry is the history record that produced
// the snapshot. Messages are the audit lines emitted by the step.
type Transition struct {
	Instance ir.Instance
	Entry    ir.HistoryEntry
	Messages []ir.Message
}

// CreateInstance inserts a new instance and its opening audit messages.
// Returns ErrConflict if the id already exists.
func (s *Store) CreateInstance(ctx context.Context, inst ir.Instance, msgs []ir.Message) error {
	reqJSON, err := marshalJSON(inst.Request)
	if err != nil {
		return fmt.Errorf("create instance: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create instance: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	res, err := tx.ExecContext(ctx, `
		INSERT INTO instances
		(id, client_id, request, phase, status, pending_event, plan_version, attempt,
		 output_ref, error, artifact, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, 0, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		inst.ID,
		inst.Request.ClientID,
		reqJSON,
		string(inst.Phase),
		string(inst.Status),
		inst.PendingEvent,
		inst.PlanVersion,
		inst.Attempt,
		inst.OutputRef,
		inst.Error,
		formatTime(inst.CreatedAt),
		formatTime(inst.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create instance: insert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("create instance %s: %w", inst.ID, ErrConflict)
	}

	if err := insertMessages(ctx, tx, inst.ID, msgs); err != nil {
		return fmt.Errorf("create instance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("create instance: commit: %w", err)
	}
	return nil
}

// Commit atomically records one transition: the instance snapshot (guarded by
// an optimistic version check), the history entry and the audit messages.
//
// Returns the new instance version. Returns ErrConflict, with nothing
// written, if the version moved or the history slot is already taken.
func (s *Store) Commit(ctx context.Context, t Transition) (int64, error) {
	inst := t.Instance
	entry := t.Entry

	var artifactJSON sql.NullString
	if inst.Artifact != nil {
		data, err := marshalJSON(inst.Artifact)
		if err != nil {
			return 0, fmt.Errorf("commit: %w", err)
		}
		artifactJSON = sql.NullString{String: data, Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("commit: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	res, err := tx.ExecContext(ctx, `
		UPDATE instances
		SET phase = ?, status = ?, pending_event = ?, plan_version = ?, attempt = ?,
		    error = ?, artifact = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`,
		string(inst.Phase),
		string(inst.Status),
		inst.PendingEvent,
		inst.PlanVersion,
		inst.Attempt,
		inst.Error,
		artifactJSON,
		formatTime(inst.UpdatedAt),
		inst.ID,
		inst.Version,
	)
	if err != nil {
		return 0, fmt.Errorf("commit: update instance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("commit %s at version %d: %w", inst.ID, inst.Version, ErrConflict)
	}

	// The primary key on (instance_id, seq) and UNIQUE(call_key) make a
	// second writer for the same slot a no-op, which we surface as a conflict.
	res, err = tx.ExecContext(ctx, `
		INSERT INTO history
		(instance_id, seq, call_key, kind, name, input_digest, input, result, error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		entry.InstanceID,
		entry.Seq,
		entry.CallKey,
		string(entry.Kind),
		entry.Name,
		entry.InputDigest,
		string(entry.Input),
		string(entry.Result),
		entry.Error,
		formatTime(entry.RecordedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("commit: insert history: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("commit %s seq %d: %w", entry.InstanceID, entry.Seq, ErrConflict)
	}

	if err := insertMessages(ctx, tx, inst.ID, t.Messages); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inst.Version + 1, nil
}

// insertMessages appends messages after the instance's current last seq.
func insertMessages(ctx context.Context, tx *sql.Tx, instanceID string, msgs []ir.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	var last int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE instance_id = ?`, instanceID,
	).Scan(&last); err != nil {
		return fmt.Errorf("insert messages: last seq: %w", err)
	}

	for i, m := range msgs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, instance_id, seq, role, phase, content, created_at, delivered)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0)
		`,
			m.ID,
			instanceID,
			last+int64(i)+1,
			string(m.Role),
			string(m.Phase),
			m.Content,
			formatTime(m.Timestamp),
		)
		if err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}
	return nil
}

// MarkDelivered flags messages as handed to the append-log sink.
// Unknown ids are ignored.
func (s *Store) MarkDelivered(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET delivered = 1 WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}
