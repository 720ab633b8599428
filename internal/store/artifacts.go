package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/transformflow/internal/ir"
)

// SaveArtifact upserts the approved artifact for a client.
//
// The latest approval wins: a write whose approved_at is older than the
// stored one is ignored, so replaying an earlier instance's save cannot
// clobber a newer approval. Rewriting the same artifact is a no-op.
func (s *Store) SaveArtifact(ctx context.Context, a ir.Artifact) error {
	planJSON, err := marshalJSON(a.Plan)
	if err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO artifacts (client_id, plan, code, output_ref, fingerprint, instance_id, approved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			plan = excluded.plan,
			code = excluded.code,
			output_ref = excluded.output_ref,
			fingerprint = excluded.fingerprint,
			instance_id = excluded.instance_id,
			approved_at = excluded.approved_at
		WHERE excluded.approved_at >= artifacts.approved_at
	`,
		a.ClientID,
		planJSON,
		a.Code,
		a.OutputRef,
		a.Fingerprint,
		a.InstanceID,
		formatTime(a.ApprovedAt),
	)
	if err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}
	return nil
}

// GetArtifact returns the approved artifact for a client, or nil if the
// client has none.
func (s *Store) GetArtifact(ctx context.Context, clientID string) (*ir.Artifact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT client_id, plan, code, output_ref, fingerprint, instance_id, approved_at
		FROM artifacts WHERE client_id = ?
	`, clientID)

	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return &a, nil
}
