package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"cad-orchestrator/internal/models"
)

const jobColumns = `id, user_id, file_storage_id, original_filename, manufacturing_process, material,
	stages, status, stage, stage_index, progress_percent, stages_completed, error_message,
	retry_count, last_checkpoint_id, created_at, updated_at, started_at, completed_at`

// InsertJob inserts a new job into the database
func (s *Store) InsertJob(ctx context.Context, job *models.Job) error {
	stages, err := toJSON(job.Stages)
	if err != nil {
		return err
	}
	completed, err := toJSON(job.StagesCompleted)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.UserID, job.FileStorageID, nullString(job.OriginalFilename), job.ManufacturingProcess,
		nullString(job.Material), stages, string(job.Status), job.Stage, job.StageIndex, job.ProgressPercent,
		completed, nullString(job.ErrorMessage), job.RetryCount, nullString(job.LastCheckpointID),
		job.CreatedAt.UTC(), job.UpdatedAt.UTC(), nullTime(job.StartedAt), nullTime(job.CompletedAt))
	return err
}

// UpdateJob writes every mutable field of the job record
func (s *Store) UpdateJob(ctx context.Context, job *models.Job) error {
	completed, err := toJSON(job.StagesCompleted)
	if err != nil {
		return err
	}

	res, err := s.exec(ctx, `
		UPDATE jobs
		SET status = ?, stage = ?, stage_index = ?, progress_percent = ?, stages_completed = ?,
		    error_message = ?, retry_count = ?, last_checkpoint_id = ?, updated_at = ?,
		    started_at = ?, completed_at = ?
		WHERE id = ?
	`, string(job.Status), job.Stage, job.StageIndex, job.ProgressPercent, completed,
		nullString(job.ErrorMessage), job.RetryCount, nullString(job.LastCheckpointID), job.UpdatedAt.UTC(),
		nullTime(job.StartedAt), nullTime(job.CompletedAt), job.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetJobByID retrieves a job by its ID
func (s *Store) GetJobByID(ctx context.Context, id string) (*models.Job, error) {
	row := s.queryRow(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

// ListJobs retrieves jobs with optional filtering, newest first
func (s *Store) ListJobs(ctx context.Context, userID string, status models.JobStatus, limit int) ([]models.Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs WHERE 1=1"
	args := []interface{}{}

	if userID != "" {
		query += " AND user_id = ?"
		args = append(args, userID)
	}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}

	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (*models.Job, error) {
	var job models.Job
	var status string
	var originalFilename, material, stages, completed, errorMessage, lastCheckpoint sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&job.ID, &job.UserID, &job.FileStorageID, &originalFilename, &job.ManufacturingProcess,
		&material, &stages, &status, &job.Stage, &job.StageIndex, &job.ProgressPercent, &completed,
		&errorMessage, &job.RetryCount, &lastCheckpoint, &job.CreatedAt, &job.UpdatedAt,
		&startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	job.Status = models.JobStatus(status)
	job.OriginalFilename = originalFilename.String
	job.Material = material.String
	job.ErrorMessage = errorMessage.String
	job.LastCheckpointID = lastCheckpoint.String
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)

	if err := fromJSON(stages, &job.Stages); err != nil {
		return nil, fmt.Errorf("decode stages: %w", err)
	}
	if err := fromJSON(completed, &job.StagesCompleted); err != nil {
		return nil, fmt.Errorf("decode stages_completed: %w", err)
	}
	if job.StagesCompleted == nil {
		job.StagesCompleted = []string{}
	}
	return &job, nil
}
