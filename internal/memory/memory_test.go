package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"cad-orchestrator/internal/database"
	"cad-orchestrator/internal/eventlog"
	"cad-orchestrator/internal/keylock"
	"cad-orchestrator/internal/llm"
	"cad-orchestrator/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// fakeEmbedder returns a fixed vector per text, or degrades for unknown text
type fakeEmbedder struct {
	vectors map[string][]float64
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) llm.EmbeddingResult {
	if v, ok := f.vectors[text]; ok {
		return llm.EmbeddingResult{Vector: v}
	}
	return llm.EmbeddingResult{Degraded: true, Err: fmt.Errorf("%w: unavailable", llm.ErrProviderDegraded)}
}

type fakeChat struct {
	requests []llm.ChatRequest
	answer   string
	err      error
}

func (f *fakeChat) Chat(_ context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return llm.ChatResponse{}, f.err
	}
	return llm.ChatResponse{Content: f.answer}, nil
}

func filled(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

type MemoryTestSuite struct {
	suite.Suite
	ctx      context.Context
	db       *database.DB
	events   *eventlog.Log
	embedder *fakeEmbedder
	chat     *fakeChat
	store    *Store
}

func TestMemory(t *testing.T) {
	suite.Run(t, new(MemoryTestSuite))
}

func (s *MemoryTestSuite) SetupTest() {
	s.ctx = context.Background()
	db, err := database.NewInMemory(s.ctx, s.T().Name())
	require.NoError(s.T(), err)
	s.db = db
	s.events = eventlog.New(db, nil)
	s.embedder = &fakeEmbedder{vectors: map[string][]float64{}}
	s.chat = &fakeChat{answer: "ok"}
	s.store = New(db, s.events, keylock.New(), s.embedder, s.chat)
	for _, id := range []string{"J1", "J3"} {
		s.createJob(id)
	}
}

func (s *MemoryTestSuite) createJob(id string) {
	ts := time.Now().UTC()
	s.Require().NoError(s.db.InsertJob(s.ctx, &models.Job{
		ID:                   id,
		UserID:               "user-1",
		FileStorageID:        "file-1",
		ManufacturingProcess: models.DefaultManufacturingProcess,
		Stages:               models.DefaultStages,
		Status:               models.StatusRunning,
		Stage:                "PARSE",
		StagesCompleted:      []string{},
		CreatedAt:            ts,
		UpdatedAt:            ts,
	}))
}

func (s *MemoryTestSuite) TearDownTest() {
	_ = s.db.Close()
}

func (s *MemoryTestSuite) TestStoreWithEmbedding() {
	s.embedder.vectors["overhang angle 65°"] = filled(1024, 0.5)

	m, err := s.store.Store(s.ctx, "J3", "overhang angle 65°", "geometry", map[string]interface{}{"angle": 65})
	s.Require().NoError(err)
	s.NotEmpty(m.ID)

	stored, err := s.store.Get(s.ctx, "J3")
	s.Require().NoError(err)
	s.Require().Len(stored, 1)
	s.Len(stored[0].Embedding, 1024)
	s.Equal("overhang angle 65°", stored[0].Content)
	s.Equal("geometry", stored[0].Category)
	s.EqualValues(65, stored[0].Metadata["angle"])

	events, err := s.events.FindByJob(s.ctx, "J3")
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(models.EventMemoryStored, events[0].Type)
	s.Equal(m.ID, events[0].Payload["memory_id"])
	s.Equal("Memory stored: geometry", events[0].Payload["title"])
}

func (s *MemoryTestSuite) TestStoreWhenProviderDegraded() {
	m, err := s.store.Store(s.ctx, "J3", "wall thickness 0.4mm", "thickness", nil)
	s.Require().NoError(err)
	s.NotEmpty(m.ID)
	s.False(m.HasEmbedding())

	stored, err := s.store.Get(s.ctx, "J3")
	s.Require().NoError(err)
	s.Require().Len(stored, 1)
	s.Equal("wall thickness 0.4mm", stored[0].Content)
	s.Nil(stored[0].Embedding)

	events, err := s.events.FindByJobAndType(s.ctx, "J3", models.EventMemoryStored)
	s.Require().NoError(err)
	s.Len(events, 1)
}

func (s *MemoryTestSuite) TestStoreRejectsEmptyContent() {
	_, err := s.store.Store(s.ctx, "J3", "  ", "geometry", nil)
	s.ErrorIs(err, ErrEmptyContent)

	events, err := s.events.FindByJob(s.ctx, "J3")
	s.Require().NoError(err)
	s.Empty(events)
}

func (s *MemoryTestSuite) TestStoreRejectsUnknownOrPurgedJob() {
	_, err := s.store.Store(s.ctx, "missing", "fact", "geometry", nil)
	s.ErrorIs(err, ErrUnknownJob)

	s.Require().NoError(s.db.PurgeJob(s.ctx, "J3"))
	_, err = s.store.Store(s.ctx, "J3", "late fact", "geometry", nil)
	s.ErrorIs(err, ErrUnknownJob)

	memories, err := s.store.Get(s.ctx, "J3")
	s.Require().NoError(err)
	s.Empty(memories)
	events, err := s.events.FindByJob(s.ctx, "J3")
	s.Require().NoError(err)
	s.Empty(events)
}

func (s *MemoryTestSuite) TestPreviewIsTruncated() {
	long := strings.Repeat("x", 150)
	_, err := s.store.Store(s.ctx, "J3", long, "", nil)
	s.Require().NoError(err)

	events, err := s.events.FindByJob(s.ctx, "J3")
	s.Require().NoError(err)
	s.Equal(strings.Repeat("x", 100)+"...", events[0].Payload["content_preview"])
	s.Equal("Memory stored: general", events[0].Payload["title"])
}

func (s *MemoryTestSuite) TestGetByCategory() {
	for _, c := range []string{"geometry", "material", "geometry"} {
		_, err := s.store.Store(s.ctx, "J1", "fact about "+c, c, nil)
		s.Require().NoError(err)
	}
	geometry, err := s.store.GetByCategory(s.ctx, "J1", "geometry")
	s.Require().NoError(err)
	s.Len(geometry, 2)
	for _, m := range geometry {
		s.Equal("geometry", m.Category)
	}
}

func (s *MemoryTestSuite) TestSearchSimilarRanksByCosine() {
	s.embedder.vectors["holes"] = []float64{1, 0}
	s.embedder.vectors["walls"] = []float64{0, 1}
	s.embedder.vectors["mixed"] = []float64{0.7, 0.7}
	s.embedder.vectors["where are the holes?"] = []float64{1, 0.1}
	s.embedder.vectors["short"] = []float64{1}

	for _, text := range []string{"walls", "mixed", "holes", "short", "no vector"} {
		_, err := s.store.Store(s.ctx, "J1", text, "", nil)
		s.Require().NoError(err)
	}

	got, err := s.store.SearchSimilar(s.ctx, "J1", "where are the holes?", 3)
	s.Require().NoError(err)
	s.Require().Len(got, 3)
	s.Equal("holes", got[0].Content)
	s.Equal("mixed", got[1].Content)
	s.Equal("walls", got[2].Content)
}

func (s *MemoryTestSuite) TestSearchSimilarFallsBackToStorageOrder() {
	for _, text := range []string{"first", "second", "third"} {
		_, err := s.store.Store(s.ctx, "J1", text, "", nil)
		s.Require().NoError(err)
	}

	got, err := s.store.SearchSimilar(s.ctx, "J1", "unembeddable question", 2)
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal("first", got[0].Content)
	s.Equal("second", got[1].Content)

	s.embedder.vectors["question"] = []float64{1, 0}
	got, err = s.store.SearchSimilar(s.ctx, "J1", "question", 5)
	s.Require().NoError(err)
	s.Len(got, 3, "no memory has an embedding")
}

func (s *MemoryTestSuite) TestQueryWithoutMemories() {
	resp, err := s.store.Query(s.ctx, "J1", "anything?")
	s.Require().NoError(err)
	s.Equal(NoMemoriesAnswer, resp.Answer)
	s.Zero(resp.SourcesUsed)
	s.Empty(s.chat.requests)
}

func (s *MemoryTestSuite) TestQueryBuildsContext() {
	_, err := s.store.Store(s.ctx, "J1", "overhang angle 65°", "geometry", nil)
	s.Require().NoError(err)
	_, err = s.store.Store(s.ctx, "J1", "PLA chosen", "material", nil)
	s.Require().NoError(err)
	s.chat.answer = "The overhang is 65 degrees."

	resp, err := s.store.Query(s.ctx, "J1", "what is the overhang?")
	s.Require().NoError(err)
	s.Equal("The overhang is 65 degrees.", resp.Answer)
	s.Equal(2, resp.SourcesUsed)

	s.Require().Len(s.chat.requests, 1)
	user := s.chat.requests[0].Messages[1].Content
	s.Contains(user, "[geometry] overhang angle 65°\n\n---\n\n[material] PLA chosen")
	s.True(strings.HasSuffix(user, "Question: what is the overhang?"))
}

func (s *MemoryTestSuite) TestQueryCompletionFailure() {
	_, err := s.store.Store(s.ctx, "J1", "fact", "", nil)
	s.Require().NoError(err)
	s.chat.err = fmt.Errorf("%w: status 502", llm.ErrProviderDegraded)

	_, err = s.store.Query(s.ctx, "J1", "q")
	s.True(errors.Is(err, llm.ErrProviderDegraded))
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float64{1, 2}, []float64{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.Zero(t, CosineSimilarity([]float64{1, 0}, []float64{1, 0, 0}))
	assert.Zero(t, CosineSimilarity([]float64{0, 0}, []float64{1, 1}))
}
