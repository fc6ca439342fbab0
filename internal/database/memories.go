package database

import (
	"context"
	"database/sql"
	"fmt"

	"cad-orchestrator/internal/models"

	"github.com/google/uuid"
)

// InsertMemory stores a memory, assigning its id and timestamp.
// A nil embedding is stored as absent.
func (s *Store) InsertMemory(ctx context.Context, m *models.Memory) error {
	m.ID = uuid.NewString()
	m.CreatedAt = now()
	if m.Metadata == nil {
		m.Metadata = map[string]interface{}{}
	}

	metadata, err := toJSON(m.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	var embedding sql.NullString
	if m.HasEmbedding() {
		encoded, err := toJSON(m.Embedding)
		if err != nil {
			return fmt.Errorf("encode embedding: %w", err)
		}
		embedding = nullString(encoded)
	}

	_, err = s.exec(ctx, `
		INSERT INTO memories (id, job_id, content, category, metadata, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.JobID, m.Content, nullString(m.Category), metadata, embedding, m.CreatedAt)
	return err
}

// FindMemoriesByJob returns a job's memories in storage order. An empty
// category returns every memory.
func (s *Store) FindMemoriesByJob(ctx context.Context, jobID, category string) ([]models.Memory, error) {
	query := "SELECT id, job_id, content, category, metadata, embedding, created_at FROM memories WHERE job_id = ?"
	args := []interface{}{jobID}
	if category != "" {
		query += " AND category = ?"
		args = append(args, category)
	}
	query += " ORDER BY created_at ASC, seq ASC"

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	memories := []models.Memory{}
	for rows.Next() {
		var m models.Memory
		var category, metadata, embedding sql.NullString
		if err := rows.Scan(&m.ID, &m.JobID, &m.Content, &category, &metadata, &embedding, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Category = category.String
		m.CreatedAt = m.CreatedAt.UTC()
		if err := fromJSON(metadata, &m.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
		if err := fromJSON(embedding, &m.Embedding); err != nil {
			return nil, fmt.Errorf("decode embedding: %w", err)
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}
