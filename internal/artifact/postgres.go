// Package artifact provides a PostgreSQL repository for approved
// artifacts, for deployments that keep approvals outside the instance
// store.
package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/transformflow/internal/ir"
)

// Schema creates the artifacts table. Safe to run repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS approved_artifacts (
	client_id   TEXT PRIMARY KEY,
	plan        JSONB NOT NULL,
	code        TEXT NOT NULL,
	output_ref  TEXT NOT NULL,
	fingerprint TEXT NOT NULL DEFAULT '',
	instance_id TEXT NOT NULL,
	approved_at TIMESTAMPTZ NOT NULL
)`

// PostgresRepository is a PostgreSQL implementation of the artifact
// repository. One row per client; the newest approval wins.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a repository over db.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Connect opens a pool for dsn, verifies it and applies Schema.
func Connect(ctx context.Context, dsn string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect artifact db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping artifact db: %w", err)
	}
	r := NewPostgresRepository(pool)
	if err := r.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

// Migrate applies Schema.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate artifact db: %w", err)
	}
	return nil
}

// Close releases the pool.
func (r *PostgresRepository) Close() {
	r.db.Close()
}

// SaveArtifact upserts the artifact for its client. An approval older than
// the stored one is ignored.
func (r *PostgresRepository) SaveArtifact(ctx context.Context, a ir.Artifact) error {
	plan, err := json.Marshal(a.Plan)
	if err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO approved_artifacts (client_id, plan, code, output_ref, fingerprint, instance_id, approved_at)
		VALUES ($1, $2::jsonb, $3, $4, $5, $6, $7)
		ON CONFLICT (client_id) DO UPDATE SET
			plan = EXCLUDED.plan,
			code = EXCLUDED.code,
			output_ref = EXCLUDED.output_ref,
			fingerprint = EXCLUDED.fingerprint,
			instance_id = EXCLUDED.instance_id,
			approved_at = EXCLUDED.approved_at
		WHERE EXCLUDED.approved_at >= approved_artifacts.approved_at`,
		a.ClientID, string(plan), a.Code, a.OutputRef, a.Fingerprint, a.InstanceID, a.ApprovedAt.UTC())
	if err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}
	return nil
}

// GetArtifact returns the artifact for clientID, or nil if there is none.
func (r *PostgresRepository) GetArtifact(ctx context.Context, clientID string) (*ir.Artifact, error) {
	var (
		a    ir.Artifact
		plan []byte
		at   time.Time
	)
	err := r.db.QueryRow(ctx, `
		SELECT client_id, plan, code, output_ref, fingerprint, instance_id, approved_at
		FROM approved_artifacts WHERE client_id = $1`, clientID,
	).Scan(&a.ClientID, &plan, &a.Code, &a.OutputRef, &a.Fingerprint, &a.InstanceID, &at)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	if err := json.Unmarshal(plan, &a.Plan); err != nil {
		return nil, fmt.Errorf("get artifact: decode plan: %w", err)
	}
	a.ApprovedAt = at.UTC()
	return &a, nil
}
