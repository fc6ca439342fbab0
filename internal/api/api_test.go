package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"cad-orchestrator/internal/agent"
	"cad-orchestrator/internal/auth"
	"cad-orchestrator/internal/database"
	"cad-orchestrator/internal/eventlog"
	"cad-orchestrator/internal/keylock"
	"cad-orchestrator/internal/llm"
	"cad-orchestrator/internal/memory"
	"cad-orchestrator/internal/models"
	"cad-orchestrator/internal/orchestrator"
	"cad-orchestrator/internal/ratelimit"
	"cad-orchestrator/internal/websocket"

	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const (
	testAgentKey = "agent-secret"
	testSecret   = "session-secret"
)

type nopDispatcher struct {
	mu      sync.Mutex
	cancels []string
}

func (d *nopDispatcher) DispatchStart(*agent.StartRequest) {}

func (d *nopDispatcher) DispatchCancel(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancels = append(d.cancels, jobID)
}

type degradedEmbedder struct{}

func (degradedEmbedder) Embed(context.Context, string) llm.EmbeddingResult {
	return llm.EmbeddingResult{Degraded: true, Err: llm.ErrProviderDegraded}
}

type stubChat struct {
	err error
}

func (c *stubChat) Chat(context.Context, llm.ChatRequest) (llm.ChatResponse, error) {
	if c.err != nil {
		return llm.ChatResponse{}, c.err
	}
	return llm.ChatResponse{Content: "Use a 1mm fillet."}, nil
}

type APITestSuite struct {
	suite.Suite
	ctx      context.Context
	db       *database.DB
	gateway  *websocket.Gateway
	chat     *stubChat
	sessions *auth.Sessions
	srv      *httptest.Server
}

func TestAPI(t *testing.T) {
	suite.Run(t, new(APITestSuite))
}

func (s *APITestSuite) SetupTest() {
	s.ctx = context.Background()
	db, err := database.NewInMemory(s.ctx, s.T().Name())
	require.NoError(s.T(), err)
	s.db = db

	s.gateway = websocket.New(0)
	events := eventlog.New(db, s.gateway)
	locks := keylock.New()
	orch := orchestrator.New(db, events, locks, &nopDispatcher{}, s.gateway, orchestrator.Options{CallbackBaseURL: "http://localhost:8080"})
	s.chat = &stubChat{}
	s.sessions = auth.NewSessions(testSecret)

	server := NewServer(Deps{
		DB:           db,
		Orchestrator: orch,
		Memory:       memory.New(db, events, locks, degradedEmbedder{}, s.chat),
		Events:       events,
		Gateway:      s.gateway,
		Sessions:     s.sessions,
		RateLimiter:  ratelimit.New(3),
		AgentAPIKey:  testAgentKey,
	})
	s.srv = httptest.NewServer(server.Router())
}

func (s *APITestSuite) TearDownTest() {
	s.srv.Close()
	_ = s.db.Close()
}

// call issues a request as user (public surface) or as the agent when user is empty
func (s *APITestSuite) call(method, path, user string, body interface{}) *http.Response {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, reader)
	s.Require().NoError(err)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+s.sessions.Sign(user))
	} else {
		req.Header.Set(auth.AgentKeyHeader, testAgentKey)
	}
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (s *APITestSuite) decode(resp *http.Response, dst interface{}) {
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(dst))
}

func (s *APITestSuite) startJob(user string) *models.Job {
	resp := s.call(http.MethodPost, "/api/jobs", user, map[string]interface{}{
		"file_storage_id":   "file-1",
		"original_filename": "bracket.step",
	})
	s.Require().Equal(http.StatusCreated, resp.StatusCode)
	var job models.Job
	s.decode(resp, &job)
	return &job
}

func (s *APITestSuite) TestStartUsesSessionUser() {
	job := s.startJob("alice")
	s.Equal("alice", job.UserID)
	s.Equal(models.StatusRunning, job.Status)
	s.Equal("PARSE", job.Stage)

	resp := s.call(http.MethodGet, "/api/jobs", "alice", nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	var jobs []models.Job
	s.decode(resp, &jobs)
	s.Len(jobs, 1)

	resp = s.call(http.MethodGet, "/api/jobs", "bob", nil)
	s.decode(resp, &jobs)
	s.Empty(jobs)
}

func (s *APITestSuite) TestStartRejectsInvalidSpec() {
	resp := s.call(http.MethodPost, "/api/jobs", "alice", map[string]interface{}{"file_storage_id": ""})
	s.Equal(http.StatusBadRequest, resp.StatusCode)

	resp = s.call(http.MethodPost, "/api/jobs", "alice", map[string]interface{}{
		"file_storage_id":       "file-1",
		"manufacturing_process": "KNITTING",
	})
	s.Equal(http.StatusBadRequest, resp.StatusCode)
}

func (s *APITestSuite) TestStartRateLimited() {
	for i := 0; i < 3; i++ {
		s.startJob("alice")
	}
	resp := s.call(http.MethodPost, "/api/jobs", "alice", map[string]interface{}{"file_storage_id": "file-1"})
	s.Equal(http.StatusTooManyRequests, resp.StatusCode)

	s.startJob("bob")
}

func (s *APITestSuite) TestPublicSurfaceRequiresSession() {
	resp, err := http.Get(s.srv.URL + "/api/jobs/some-id")
	s.Require().NoError(err)
	defer resp.Body.Close()
	s.Equal(http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, s.srv.URL+"/api/jobs/some-id", nil)
	req.Header.Set("Authorization", "Bearer "+auth.NewSessions("other").Sign("alice"))
	resp2, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp2.Body.Close()
	s.Equal(http.StatusUnauthorized, resp2.StatusCode)
}

func (s *APITestSuite) TestInternalSurfaceRequiresAgentKey() {
	job := s.startJob("alice")
	req, _ := http.NewRequest(http.MethodPost, s.srv.URL+"/internal/jobs/"+job.ID+"/complete", nil)
	req.Header.Set(auth.AgentKeyHeader, "wrong")
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()
	s.Equal(http.StatusUnauthorized, resp.StatusCode)
}

func (s *APITestSuite) TestOwnerCheck() {
	job := s.startJob("alice")
	s.Equal(http.StatusOK, s.call(http.MethodGet, "/api/jobs/"+job.ID, "alice", nil).StatusCode)
	s.Equal(http.StatusForbidden, s.call(http.MethodGet, "/api/jobs/"+job.ID, "bob", nil).StatusCode)
	s.Equal(http.StatusForbidden, s.call(http.MethodDelete, "/api/jobs/"+job.ID, "bob", nil).StatusCode)
	s.Equal(http.StatusNotFound, s.call(http.MethodGet, "/api/jobs/missing", "alice", nil).StatusCode)
}

func (s *APITestSuite) TestCheckpointFailResumeFlow() {
	job := s.startJob("alice")
	base := "/internal/jobs/" + job.ID

	resp := s.call(http.MethodPost, base+"/checkpoint", "", map[string]interface{}{
		"stage":       "ANALYZE",
		"stage_index": 1,
		"state":       map[string]interface{}{"faces": 12},
	})
	s.Require().Equal(http.StatusCreated, resp.StatusCode)
	var cp models.Checkpoint
	s.decode(resp, &cp)
	s.True(cp.Recoverable)

	resp = s.call(http.MethodPost, base+"/checkpoint", "", map[string]interface{}{"stage_index": 9})
	s.Equal(http.StatusBadRequest, resp.StatusCode)

	resp = s.call(http.MethodPost, base+"/fail", "", map[string]interface{}{"error_message": "timeout"})
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var failed models.Job
	s.decode(resp, &failed)
	s.Equal(models.StatusFailedRecoverable, failed.Status)

	resp = s.call(http.MethodGet, "/api/jobs/"+job.ID+"/checkpoints/latest", "alice", nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var latest models.Checkpoint
	s.decode(resp, &latest)
	s.Equal(cp.ID, latest.ID)

	resp = s.call(http.MethodPost, "/api/jobs/"+job.ID+"/resume", "alice", map[string]interface{}{"checkpoint_id": cp.ID})
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var resumed models.Job
	s.decode(resp, &resumed)
	s.Equal(models.StatusRunning, resumed.Status)

	resp = s.call(http.MethodPost, "/api/jobs/"+job.ID+"/resume", "alice", nil)
	s.Equal(http.StatusConflict, resp.StatusCode)
}

func (s *APITestSuite) TestCompleteThenCancelIsNoOp() {
	job := s.startJob("alice")
	resp := s.call(http.MethodPost, "/internal/jobs/"+job.ID+"/complete", "", map[string]interface{}{
		"summary": map[string]interface{}{"issues": 2},
	})
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	resp = s.call(http.MethodDelete, "/api/jobs/"+job.ID, "alice", nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var after models.Job
	s.decode(resp, &after)
	s.Equal(models.StatusCompleted, after.Status)

	resp = s.call(http.MethodPost, "/internal/jobs/"+job.ID+"/checkpoint", "", map[string]interface{}{"stage_index": 2})
	s.Equal(http.StatusConflict, resp.StatusCode)
}

func (s *APITestSuite) TestEventsFilter() {
	job := s.startJob("alice")
	s.call(http.MethodPost, "/internal/jobs/"+job.ID+"/checkpoint", "", map[string]interface{}{"stage_index": 0})

	resp := s.call(http.MethodGet, "/api/jobs/"+job.ID+"/events?type=CHECKPOINT_SAVED", "alice", nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var events []models.Event
	s.decode(resp, &events)
	s.Require().Len(events, 1)
	s.Equal(models.EventCheckpointSave, events[0].Type)

	resp = s.call(http.MethodGet, "/api/jobs/"+job.ID+"/events?type=NOPE", "alice", nil)
	s.Equal(http.StatusBadRequest, resp.StatusCode)

	resp = s.call(http.MethodGet, "/internal/jobs/"+job.ID+"/events", "", nil)
	s.decode(resp, &events)
	s.Len(events, 2)
}

func (s *APITestSuite) TestAgentActivityEvent() {
	job := s.startJob("alice")
	resp := s.call(http.MethodPost, "/internal/jobs/"+job.ID+"/events", "", map[string]interface{}{
		"type":    "THINKING",
		"title":   "Reading geometry",
		"content": "Counting faces",
	})
	s.Equal(http.StatusCreated, resp.StatusCode)

	resp = s.call(http.MethodPost, "/internal/jobs/"+job.ID+"/events", "", map[string]interface{}{"type": "JOB_COMPLETED"})
	s.Equal(http.StatusBadRequest, resp.StatusCode)
}

func (s *APITestSuite) TestMemoryStoreAndQuery() {
	job := s.startJob("alice")
	base := "/internal/jobs/" + job.ID + "/memory"

	resp := s.call(http.MethodPost, base, "", map[string]interface{}{"content": "", "category": "material"})
	s.Equal(http.StatusBadRequest, resp.StatusCode)

	resp = s.call(http.MethodPost, base, "", map[string]interface{}{"content": "Wall thickness 0.8mm", "category": "geometry"})
	s.Require().Equal(http.StatusCreated, resp.StatusCode)
	var stored map[string]interface{}
	s.decode(resp, &stored)
	s.NotContains(stored, "embedding")

	resp = s.call(http.MethodGet, base+"?category=geometry", "", nil)
	var memories []models.Memory
	s.decode(resp, &memories)
	s.Len(memories, 1)

	resp = s.call(http.MethodPost, "/api/jobs/"+job.ID+"/query", "alice", map[string]string{"query": "How thick are the walls?"})
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var answer models.QueryResponse
	s.decode(resp, &answer)
	s.Equal("Use a 1mm fillet.", answer.Answer)
	s.Equal(1, answer.SourcesUsed)

	s.chat.err = fmt.Errorf("%w: upstream 500", llm.ErrProviderDegraded)
	resp = s.call(http.MethodPost, "/api/jobs/"+job.ID+"/query", "alice", map[string]string{"query": "Again?"})
	s.Equal(http.StatusServiceUnavailable, resp.StatusCode)
}

func (s *APITestSuite) TestPurge() {
	job := s.startJob("alice")
	s.Equal(http.StatusNoContent, s.call(http.MethodDelete, "/internal/jobs/"+job.ID, "", nil).StatusCode)
	s.Equal(http.StatusNotFound, s.call(http.MethodGet, "/api/jobs/"+job.ID, "alice", nil).StatusCode)
	s.Equal(http.StatusNotFound, s.call(http.MethodDelete, "/internal/jobs/"+job.ID, "", nil).StatusCode)

	resp := s.call(http.MethodPost, "/internal/jobs/"+job.ID+"/memory", "", map[string]interface{}{"content": "late fact"})
	s.Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *APITestSuite) TestActivityAfterCancelConflicts() {
	job := s.startJob("alice")
	s.Require().Equal(http.StatusOK, s.call(http.MethodDelete, "/api/jobs/"+job.ID, "alice", nil).StatusCode)

	resp := s.call(http.MethodPost, "/internal/jobs/"+job.ID+"/events", "", map[string]interface{}{"type": "THINKING"})
	s.Equal(http.StatusConflict, resp.StatusCode)
}

func (s *APITestSuite) TestMetricsAndHealth() {
	s.startJob("alice")
	resp, err := http.Get(s.srv.URL + "/api/metrics")
	s.Require().NoError(err)
	defer resp.Body.Close()
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var metrics models.Metrics
	s.decode(resp, &metrics)
	s.EqualValues(1, metrics.TotalJobs)

	health, err := http.Get(s.srv.URL + "/health")
	s.Require().NoError(err)
	defer health.Body.Close()
	s.Equal(http.StatusOK, health.StatusCode)
}

func (s *APITestSuite) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + path
}

func (s *APITestSuite) TestWebSocketTiers() {
	job := s.startJob("alice")

	_, resp, err := ws.DefaultDialer.Dial(s.wsURL("/ws/jobs/"+job.ID+"?key=wrong"), nil)
	s.Require().Error(err)
	s.Equal(http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = ws.DefaultDialer.Dial(s.wsURL("/ws/public/jobs/"+job.ID+"?token="+s.sessions.Sign("bob")), nil)
	s.Require().Error(err)
	s.Equal(http.StatusForbidden, resp.StatusCode)

	internal, _, err := ws.DefaultDialer.Dial(s.wsURL("/ws/jobs/"+job.ID+"?key="+testAgentKey), nil)
	s.Require().NoError(err)
	defer internal.Close()
	public, _, err := ws.DefaultDialer.Dial(s.wsURL("/ws/public/jobs/"+job.ID+"?token="+s.sessions.Sign("alice")), nil)
	s.Require().NoError(err)
	defer public.Close()

	for _, conn := range []*ws.Conn{internal, public} {
		var welcome websocket.Message
		s.Require().NoError(conn.ReadJSON(&welcome))
		s.Equal("CONNECTED", welcome.Type)
	}

	s.call(http.MethodPost, "/internal/jobs/"+job.ID+"/checkpoint", "", map[string]interface{}{"stage_index": 1})

	for _, conn := range []*ws.Conn{internal, public} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg websocket.Message
		s.Require().NoError(conn.ReadJSON(&msg))
		s.Equal(string(models.EventCheckpointSave), msg.Type)
		s.Equal(job.ID, msg.JobID)
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		orchestrator.ErrUnknownJob:              http.StatusNotFound,
		orchestrator.ErrJobTerminal:             http.StatusConflict,
		orchestrator.ErrInvalidTransition:       http.StatusConflict,
		orchestrator.ErrNoRecoverableCheckpoint: http.StatusConflict,
		orchestrator.ErrInvalidSpec:             http.StatusBadRequest,
		memory.ErrEmptyContent:                  http.StatusBadRequest,
		memory.ErrUnknownJob:                    http.StatusNotFound,
		llm.ErrProviderDegraded:                 http.StatusServiceUnavailable,
		assert.AnError:                          http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(fmt.Errorf("wrapped: %w", err)), err.Error())
	}
}
