package store

import (
	"context"
	"fmt"

	"github.com/roach88/transformflow/internal/ir"
)

// FindIncomplete returns ids of instances that must be driven after a
// restart: not terminal and not suspended on an external event.
// Ordered by creation so older work resumes first.
func (s *Store) FindIncomplete(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM instances
		WHERE status IN (?, ?) AND pending_event = ''
		ORDER BY created_at ASC, id COLLATE BINARY ASC
	`, string(ir.StatusPending), string(ir.StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("find incomplete: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("find incomplete: scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find incomplete: iterate: %w", err)
	}
	return ids, nil
}

// FindSuspended returns instances waiting on an external event.
// Suspended instances hold no worker; they resume when the event arrives.
func (s *Store) FindSuspended(ctx context.Context) ([]ir.Instance, error) {
	return s.queryInstances(ctx, `
		SELECT `+instanceColumns+` FROM instances
		WHERE status IN (?, ?) AND pending_event <> ''
		ORDER BY created_at ASC, id COLLATE BINARY ASC
	`, string(ir.StatusPending), string(ir.StatusRunning))
}
