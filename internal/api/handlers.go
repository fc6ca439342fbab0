package api

import (
	"net/http"
	"strconv"

	"cad-orchestrator/internal/auth"
	"cad-orchestrator/internal/database"
	"cad-orchestrator/internal/eventlog"
	"cad-orchestrator/internal/logger"
	"cad-orchestrator/internal/memory"
	"cad-orchestrator/internal/models"
	"cad-orchestrator/internal/orchestrator"
	"cad-orchestrator/internal/ratelimit"
	"cad-orchestrator/internal/websocket"

	"github.com/gorilla/mux"
	ws "github.com/gorilla/websocket"
)

// Deps are the collaborators behind the HTTP surfaces
type Deps struct {
	DB           *database.DB
	Orchestrator *orchestrator.Orchestrator
	Memory       *memory.Store
	Events       *eventlog.Log
	Gateway      *websocket.Gateway
	Sessions     *auth.Sessions
	RateLimiter  *ratelimit.RateLimiter
	AgentAPIKey  string
	FrontendURL  string
}

// Server holds all HTTP handlers and dependencies
type Server struct {
	db          *database.DB
	orch        *orchestrator.Orchestrator
	memory      *memory.Store
	events      *eventlog.Log
	gateway     *websocket.Gateway
	sessions    *auth.Sessions
	rateLimiter *ratelimit.RateLimiter
	agentKey    string
	frontendURL string
	upgrader    ws.Upgrader
}

// NewServer creates a new API server
func NewServer(d Deps) *Server {
	s := &Server{
		db:          d.DB,
		orch:        d.Orchestrator,
		memory:      d.Memory,
		events:      d.Events,
		gateway:     d.Gateway,
		sessions:    d.Sessions,
		rateLimiter: d.RateLimiter,
		agentKey:    d.AgentAPIKey,
		frontendURL: d.FrontendURL,
	}
	s.upgrader = ws.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || s.frontendURL == "" || origin == s.frontendURL
}

func jobID(r *http.Request) string {
	return mux.Vars(r)["jobId"]
}

// ownedJob loads the path's job and checks it belongs to the session user
func (s *Server) ownedJob(w http.ResponseWriter, r *http.Request) (*models.Job, bool) {
	job, err := s.orch.Get(r.Context(), jobID(r))
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	if job.UserID != userFrom(r.Context()) {
		writeMessage(w, http.StatusForbidden, "job belongs to another user")
		return nil, false
	}
	return job, true
}

func eventTypeParam(r *http.Request) (models.EventType, error) {
	raw := r.URL.Query().Get("type")
	if raw == "" {
		return "", nil
	}
	t, ok := models.ParseEventType(raw)
	if !ok {
		return "", errBadRequestBody
	}
	return t, nil
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	eventType, err := eventTypeParam(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "unknown event type")
		return
	}
	var events []models.Event
	if eventType == "" {
		events, err = s.events.FindByJob(r.Context(), jobID(r))
	} else {
		events, err = s.events.FindByJobAndType(r.Context(), jobID(r), eventType)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// Public control surface

// StartJob handles POST /api/jobs
func (s *Server) StartJob(w http.ResponseWriter, r *http.Request) {
	var req models.JobStartRequest
	if err := decode(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	req.UserID = userFrom(r.Context())

	if !s.rateLimiter.Allow(req.UserID) {
		logger.Warnf("[RATE_LIMIT] UserID=%s exceeded start rate limit", req.UserID)
		writeMessage(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	job, err := s.orch.Start(r.Context(), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// ListJobs handles GET /api/jobs
func (s *Server) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 || limit > 100 {
		limit = 100
	}
	status := models.JobStatus(r.URL.Query().Get("status"))

	jobs, err := s.db.ListJobs(r.Context(), userFrom(r.Context()), status, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// GetJob handles GET /api/jobs/{jobId}
func (s *Server) GetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// ResumeJob handles POST /api/jobs/{jobId}/resume
func (s *Server) ResumeJob(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.ownedJob(w, r); !ok {
		return
	}
	var req models.ResumeRequest
	if err := decode(r, &req, true); err != nil {
		writeError(w, r, err)
		return
	}
	job, err := s.orch.Resume(r.Context(), jobID(r), req.CheckpointID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// PauseJob handles POST /api/jobs/{jobId}/pause
func (s *Server) PauseJob(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.ownedJob(w, r); !ok {
		return
	}
	job, err := s.orch.Pause(r.Context(), jobID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// CancelJob handles DELETE /api/jobs/{jobId}
func (s *Server) CancelJob(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.ownedJob(w, r); !ok {
		return
	}
	job, err := s.orch.Cancel(r.Context(), jobID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Public query surface

// GetJobEvents handles GET /api/jobs/{jobId}/events
func (s *Server) GetJobEvents(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.ownedJob(w, r); !ok {
		return
	}
	s.listEvents(w, r)
}

// GetCheckpoints handles GET /api/jobs/{jobId}/checkpoints
func (s *Server) GetCheckpoints(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.ownedJob(w, r); !ok {
		return
	}
	checkpoints, err := s.orch.Checkpoints(r.Context(), jobID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, checkpoints)
}

// GetLatestCheckpoint handles GET /api/jobs/{jobId}/checkpoints/latest
func (s *Server) GetLatestCheckpoint(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.ownedJob(w, r); !ok {
		return
	}
	cp, err := s.orch.LatestCheckpoint(r.Context(), jobID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if cp == nil {
		writeMessage(w, http.StatusNotFound, "job has no checkpoints")
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

// QueryJob handles POST /api/jobs/{jobId}/query
func (s *Server) QueryJob(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.ownedJob(w, r); !ok {
		return
	}
	var req models.QueryRequest
	if err := decode(r, &req, false); err != nil || req.Query == "" {
		writeMessage(w, http.StatusBadRequest, "query is required")
		return
	}
	resp, err := s.memory.Query(r.Context(), jobID(r), req.Query)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetMetrics returns system metrics
func (s *Server) GetMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.db.GetMetrics(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

// Health reports whether the database is reachable
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		writeMessage(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Agent callback surface

// SaveCheckpoint handles POST /internal/jobs/{jobId}/checkpoint
func (s *Server) SaveCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req models.CheckpointRequest
	if err := decode(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	cp, err := s.orch.Checkpoint(r.Context(), jobID(r), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, cp)
}

// CompleteJob handles POST /internal/jobs/{jobId}/complete
func (s *Server) CompleteJob(w http.ResponseWriter, r *http.Request) {
	var req models.CompleteRequest
	if err := decode(r, &req, true); err != nil {
		writeError(w, r, err)
		return
	}
	job, err := s.orch.Complete(r.Context(), jobID(r), req.Summary)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// FailJob handles POST /internal/jobs/{jobId}/fail
func (s *Server) FailJob(w http.ResponseWriter, r *http.Request) {
	var req models.FailRequest
	if err := decode(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	if req.ErrorMessage == "" {
		req.ErrorMessage = "agent reported failure"
	}
	job, err := s.orch.Fail(r.Context(), jobID(r), req.ErrorMessage, req.IsRecoverable())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// RecordEvent handles POST /internal/jobs/{jobId}/events
func (s *Server) RecordEvent(w http.ResponseWriter, r *http.Request) {
	var req models.AgentEventRequest
	if err := decode(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	ev, err := s.orch.RecordActivity(r.Context(), jobID(r), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

// InternalEvents handles GET /internal/jobs/{jobId}/events
func (s *Server) InternalEvents(w http.ResponseWriter, r *http.Request) {
	s.listEvents(w, r)
}

// StoreMemory handles POST /internal/jobs/{jobId}/memory
func (s *Server) StoreMemory(w http.ResponseWriter, r *http.Request) {
	var req models.StoreMemoryRequest
	if err := decode(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	m, err := s.memory.Store(r.Context(), jobID(r), req.Content, req.Category, req.Metadata)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, withoutEmbedding(*m))
}

// GetMemories handles GET /internal/jobs/{jobId}/memory
func (s *Server) GetMemories(w http.ResponseWriter, r *http.Request) {
	var memories []models.Memory
	var err error
	if category := r.URL.Query().Get("category"); category != "" {
		memories, err = s.memory.GetByCategory(r.Context(), jobID(r), category)
	} else {
		memories, err = s.memory.Get(r.Context(), jobID(r))
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	for i := range memories {
		memories[i] = withoutEmbedding(memories[i])
	}
	writeJSON(w, http.StatusOK, memories)
}

func withoutEmbedding(m models.Memory) models.Memory {
	m.Embedding = nil
	return m
}

// PurgeJob handles DELETE /internal/jobs/{jobId}
func (s *Server) PurgeJob(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Purge(r.Context(), jobID(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Subscription surface

// SubscribeInternal handles GET /ws/jobs/{jobId} for the agent
func (s *Server) SubscribeInternal(w http.ResponseWriter, r *http.Request) {
	if !auth.AgentKeyValid(s.agentKey, auth.AgentKey(r)) {
		writeMessage(w, http.StatusUnauthorized, "invalid agent api key")
		return
	}
	s.subscribe(w, r, websocket.TierInternal)
}

// SubscribePublic handles GET /ws/public/jobs/{jobId} for the job's owner.
// Browsers cannot set headers on websocket requests, so the session may
// also arrive as the token query parameter.
func (s *Server) SubscribePublic(w http.ResponseWriter, r *http.Request) {
	token := auth.SessionToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	user, err := s.sessions.Verify(token)
	if err != nil {
		writeMessage(w, http.StatusUnauthorized, err.Error())
		return
	}
	job, err := s.orch.Get(r.Context(), jobID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if job.UserID != user {
		writeMessage(w, http.StatusForbidden, "job belongs to another user")
		return
	}
	s.subscribe(w, r, websocket.TierPublic)
}

func (s *Server) subscribe(w http.ResponseWriter, r *http.Request, tier websocket.Tier) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("[ERROR] WebSocket upgrade failed: %v", err)
		return
	}
	s.gateway.Subscribe(jobID(r), tier, conn)
}

