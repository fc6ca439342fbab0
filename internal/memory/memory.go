// Package memory stores contextual knowledge about a job and answers
// questions against it. Embeddings are best effort: a memory is stored
// whether or not the provider produced a vector.
package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"cad-orchestrator/internal/database"
	"cad-orchestrator/internal/eventlog"
	"cad-orchestrator/internal/keylock"
	"cad-orchestrator/internal/llm"
	"cad-orchestrator/internal/logger"
	"cad-orchestrator/internal/models"
)

var (
	// ErrEmptyContent rejects a memory with no text
	ErrEmptyContent = errors.New("memory content is required")
	// ErrUnknownJob rejects a memory for a job that does not exist, including
	// one that has been purged
	ErrUnknownJob = errors.New("unknown job")
)

const (
	// MaxContextMemories bounds how many memories feed a query
	MaxContextMemories = 5
	// NoMemoriesAnswer is returned when a job has nothing stored
	NoMemoriesAnswer = "No information has been stored for this CAD analysis yet."

	previewLength  = 100
	contextDivider = "\n\n---\n\n"
	systemPrompt   = "You are a CAD analysis assistant. Answer questions based on the provided context " +
		"from the CAD analysis. Be specific and reference findings when applicable. " +
		"If the context doesn't contain enough information to answer, say so."
)

// Store persists memories and runs retrieval over them
type Store struct {
	db       *database.DB
	events   *eventlog.Log
	locks    *keylock.Locker
	embedder llm.Embedder
	chat     llm.Client
}

// New creates a memory Store. locks must be the orchestrator's per-job
// locker so memory writes are ordered with the job's other events.
func New(db *database.DB, events *eventlog.Log, locks *keylock.Locker, embedder llm.Embedder, chat llm.Client) *Store {
	return &Store{db: db, events: events, locks: locks, embedder: embedder, chat: chat}
}

// Store saves a memory for a job and emits MEMORY_STORED. The embedding is
// requested before the job lock is taken.
func (s *Store) Store(ctx context.Context, jobID, content, category string, metadata map[string]interface{}) (*models.Memory, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}

	m := &models.Memory{
		JobID:    jobID,
		Content:  content,
		Category: category,
		Metadata: metadata,
	}

	res := s.embedder.Embed(ctx, content)
	if res.Degraded {
		logger.Warnf("[MEMORY] Storing without embedding JobID=%s Category=%s: %v", jobID, category, res.Err)
	} else {
		m.Embedding = res.Vector
	}

	unlock := s.locks.Lock(jobID)
	defer unlock()

	var ev *models.Event
	err := s.db.InTx(ctx, func(tx *database.Store) error {
		if _, err := tx.GetJobByID(ctx, jobID); errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
		} else if err != nil {
			return err
		}
		if err := tx.InsertMemory(ctx, m); err != nil {
			return fmt.Errorf("insert memory: %w", err)
		}
		var err error
		ev, err = s.events.AppendTx(ctx, tx, jobID, models.EventMemoryStored, storedPayload(m))
		return err
	})
	if err != nil {
		return nil, err
	}
	s.events.Publish(ev)

	logger.Infof("[MEMORY] Stored MemoryID=%s JobID=%s Category=%s Embedded=%t", m.ID, jobID, category, m.HasEmbedding())
	return m, nil
}

func storedPayload(m *models.Memory) map[string]interface{} {
	label := m.Category
	if label == "" {
		label = "general"
	}
	preview := m.Content
	if r := []rune(preview); len(r) > previewLength {
		preview = string(r[:previewLength]) + "..."
	}
	return map[string]interface{}{
		"memory_id":       m.ID,
		"category":        m.Category,
		"title":           "Memory stored: " + label,
		"content_preview": preview,
	}
}

// Get returns every memory of a job in storage order
func (s *Store) Get(ctx context.Context, jobID string) ([]models.Memory, error) {
	return s.db.FindMemoriesByJob(ctx, jobID, "")
}

// GetByCategory returns a job's memories in one category, in storage order
func (s *Store) GetByCategory(ctx context.Context, jobID, category string) ([]models.Memory, error) {
	return s.db.FindMemoriesByJob(ctx, jobID, category)
}

// SearchSimilar ranks a job's embedded memories by cosine similarity to
// query. Without a query vector, or when nothing is embedded, it falls back
// to the first limit memories in storage order.
func (s *Store) SearchSimilar(ctx context.Context, jobID, query string, limit int) ([]models.Memory, error) {
	all, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return all, nil
	}

	res := s.embedder.Embed(ctx, query)
	if res.Degraded {
		logger.Warnf("[MEMORY] Query embedding unavailable JobID=%s, falling back to stored order: %v", jobID, res.Err)
		return head(all, limit), nil
	}

	type scored struct {
		memory models.Memory
		score  float64
	}
	ranked := make([]scored, 0, len(all))
	for _, m := range all {
		if m.HasEmbedding() {
			ranked = append(ranked, scored{memory: m, score: CosineSimilarity(res.Vector, m.Embedding)})
		}
	}
	if len(ranked) == 0 {
		logger.Warnf("[MEMORY] No embedded memories JobID=%s, falling back to stored order", jobID)
		return head(all, limit), nil
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	out := make([]models.Memory, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, r.memory)
	}
	logger.Debugf("[MEMORY] Similarity search JobID=%s Candidates=%d", jobID, len(ranked))
	return head(out, limit), nil
}

// Query answers a question from a job's most relevant memories. A
// completion failure is returned wrapped in llm.ErrProviderDegraded.
func (s *Store) Query(ctx context.Context, jobID, question string) (*models.QueryResponse, error) {
	memories, err := s.SearchSimilar(ctx, jobID, question, MaxContextMemories)
	if err != nil {
		return nil, err
	}
	if len(memories) == 0 {
		return &models.QueryResponse{Answer: NoMemoriesAnswer}, nil
	}

	resp, err := s.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: "Context from CAD analysis:\n\n" + BuildContext(memories) + "\n\nQuestion: " + question},
		},
		MaxTokens:   1000,
		Temperature: 0.3,
	})
	if err != nil {
		logger.Warnf("[MEMORY] Query completion failed JobID=%s: %v", jobID, err)
		return nil, err
	}
	return &models.QueryResponse{Answer: resp.Content, SourcesUsed: len(memories)}, nil
}

// BuildContext renders memories as "[category] content" blocks
func BuildContext(memories []models.Memory) string {
	parts := make([]string, 0, len(memories))
	for _, m := range memories {
		if m.Category != "" {
			parts = append(parts, "["+m.Category+"] "+m.Content)
		} else {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, contextDivider)
}

// CosineSimilarity returns 0 for vectors of different length or zero norm
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func head(memories []models.Memory, limit int) []models.Memory {
	if limit > 0 && len(memories) > limit {
		return memories[:limit]
	}
	return memories
}
