package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clearline/retriever/common/models"
)

// PostgresStore persists checkpoints in a job_checkpoint table
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed checkpoint store
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the checkpoint table if it does not exist
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS job_checkpoint (
			job_id     TEXT PRIMARY KEY,
			sequence   BIGINT NOT NULL,
			state      BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create checkpoint table: %w", err)
	}
	return nil
}

// Load returns the checkpoint for jobID
func (s *PostgresStore) Load(ctx context.Context, jobID string) (*models.JobState, error) {
	query := `
		SELECT state
		FROM job_checkpoint
		WHERE job_id = $1
	`

	var blob []byte
	err := s.pool.QueryRow(ctx, query, jobID).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint for job %s: %w", jobID, err)
	}

	return Decode(blob)
}

// Save persists the checkpoint. The conditional upsert enforces the
// sequence invariant server-side.
func (s *PostgresStore) Save(ctx context.Context, jobID string, state *models.JobState) error {
	blob, err := Encode(state)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO job_checkpoint (job_id, sequence, state, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (job_id) DO UPDATE
		SET sequence = EXCLUDED.sequence, state = EXCLUDED.state, updated_at = now()
		WHERE job_checkpoint.sequence < EXCLUDED.sequence
	`

	tag, err := s.pool.Exec(ctx, query, jobID, int64(state.Sequence), blob)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint for job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleCheckpoint
	}
	return nil
}

// Delete removes the checkpoint
func (s *PostgresStore) Delete(ctx context.Context, jobID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM job_checkpoint WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("failed to delete checkpoint for job %s: %w", jobID, err)
	}
	return nil
}
