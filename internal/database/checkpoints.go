package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"cad-orchestrator/internal/models"

	"github.com/google/uuid"
)

const checkpointColumns = `id, job_id, stage, stage_index, state, reasoning_trace, intermediate_results, recoverable, created_at`

// SaveCheckpoint persists a new checkpoint, assigning its id and timestamp.
// Checkpoints are never updated; a correction is a new checkpoint.
func (s *Store) SaveCheckpoint(ctx context.Context, jobID string, req *models.CheckpointRequest) (*models.Checkpoint, error) {
	if jobID == "" {
		return nil, errors.New("checkpoint: job id is required")
	}

	cp := &models.Checkpoint{
		ID:                  uuid.NewString(),
		JobID:               jobID,
		Stage:               req.Stage,
		StageIndex:          req.StageIndex,
		State:               req.State,
		ReasoningTrace:      req.ReasoningTrace,
		IntermediateResults: req.IntermediateResults,
		Recoverable:         req.IsRecoverable(),
		CreatedAt:           now(),
	}
	if cp.State == nil {
		cp.State = map[string]interface{}{}
	}
	if cp.ReasoningTrace == nil {
		cp.ReasoningTrace = []string{}
	}
	if cp.IntermediateResults == nil {
		cp.IntermediateResults = map[string]interface{}{}
	}

	state, err := toJSON(cp.State)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	trace, err := toJSON(cp.ReasoningTrace)
	if err != nil {
		return nil, fmt.Errorf("encode reasoning trace: %w", err)
	}
	results, err := toJSON(cp.IntermediateResults)
	if err != nil {
		return nil, fmt.Errorf("encode intermediate results: %w", err)
	}

	_, err = s.exec(ctx, `
		INSERT INTO checkpoints (`+checkpointColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, cp.ID, cp.JobID, cp.Stage, cp.StageIndex, state, trace, results, cp.Recoverable, cp.CreatedAt)
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// GetCheckpoint retrieves a checkpoint by its ID
func (s *Store) GetCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error) {
	row := s.queryRow(ctx, "SELECT "+checkpointColumns+" FROM checkpoints WHERE id = ?", id)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint %s: %w", id, ErrNotFound)
	}
	return cp, err
}

// FindCheckpointsByJob returns a job's checkpoints oldest first
func (s *Store) FindCheckpointsByJob(ctx context.Context, jobID string) ([]models.Checkpoint, error) {
	rows, err := s.query(ctx, "SELECT "+checkpointColumns+
		" FROM checkpoints WHERE job_id = ? ORDER BY created_at ASC, seq ASC", jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	checkpoints := []models.Checkpoint{}
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, *cp)
	}
	return checkpoints, rows.Err()
}

// LatestCheckpoint returns the most recently created checkpoint for a job,
// or ErrNotFound when the job has none.
func (s *Store) LatestCheckpoint(ctx context.Context, jobID string) (*models.Checkpoint, error) {
	return s.latest(ctx, jobID, false)
}

// LatestRecoverableCheckpoint is LatestCheckpoint restricted to resume targets
func (s *Store) LatestRecoverableCheckpoint(ctx context.Context, jobID string) (*models.Checkpoint, error) {
	return s.latest(ctx, jobID, true)
}

func (s *Store) latest(ctx context.Context, jobID string, recoverableOnly bool) (*models.Checkpoint, error) {
	query := "SELECT " + checkpointColumns + " FROM checkpoints WHERE job_id = ?"
	args := []interface{}{jobID}
	if recoverableOnly {
		query += " AND recoverable = ?"
		args = append(args, true)
	}
	query += " ORDER BY created_at DESC, seq DESC LIMIT 1"

	cp, err := scanCheckpoint(s.queryRow(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("latest checkpoint for job %s: %w", jobID, ErrNotFound)
	}
	return cp, err
}

// DeleteCheckpointsByJob removes all checkpoints for a job
func (s *Store) DeleteCheckpointsByJob(ctx context.Context, jobID string) error {
	_, err := s.exec(ctx, "DELETE FROM checkpoints WHERE job_id = ?", jobID)
	return err
}

func scanCheckpoint(row scanner) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	var state, trace, results sql.NullString

	err := row.Scan(&cp.ID, &cp.JobID, &cp.Stage, &cp.StageIndex, &state, &trace, &results,
		&cp.Recoverable, &cp.CreatedAt)
	if err != nil {
		return nil, err
	}
	cp.CreatedAt = cp.CreatedAt.UTC()

	if err := fromJSON(state, &cp.State); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if err := fromJSON(trace, &cp.ReasoningTrace); err != nil {
		return nil, fmt.Errorf("decode reasoning trace: %w", err)
	}
	if err := fromJSON(results, &cp.IntermediateResults); err != nil {
		return nil, fmt.Errorf("decode intermediate results: %w", err)
	}
	return &cp, nil
}
