package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// Router builds the HTTP handler for all surfaces
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.Health).Methods(http.MethodGet)
	r.HandleFunc("/api/metrics", s.GetMetrics).Methods(http.MethodGet)

	public := r.PathPrefix("/api").Subrouter()
	public.Use(s.requireSession)
	public.HandleFunc("/jobs", s.StartJob).Methods(http.MethodPost)
	public.HandleFunc("/jobs", s.ListJobs).Methods(http.MethodGet)
	public.HandleFunc("/jobs/{jobId}", s.GetJob).Methods(http.MethodGet)
	public.HandleFunc("/jobs/{jobId}", s.CancelJob).Methods(http.MethodDelete)
	public.HandleFunc("/jobs/{jobId}/resume", s.ResumeJob).Methods(http.MethodPost)
	public.HandleFunc("/jobs/{jobId}/pause", s.PauseJob).Methods(http.MethodPost)
	public.HandleFunc("/jobs/{jobId}/events", s.GetJobEvents).Methods(http.MethodGet)
	public.HandleFunc("/jobs/{jobId}/checkpoints", s.GetCheckpoints).Methods(http.MethodGet)
	public.HandleFunc("/jobs/{jobId}/checkpoints/latest", s.GetLatestCheckpoint).Methods(http.MethodGet)
	public.HandleFunc("/jobs/{jobId}/query", s.QueryJob).Methods(http.MethodPost)

	internal := r.PathPrefix("/internal").Subrouter()
	internal.Use(s.requireAgentKey)
	internal.HandleFunc("/jobs/{jobId}", s.PurgeJob).Methods(http.MethodDelete)
	internal.HandleFunc("/jobs/{jobId}/checkpoint", s.SaveCheckpoint).Methods(http.MethodPost)
	internal.HandleFunc("/jobs/{jobId}/complete", s.CompleteJob).Methods(http.MethodPost)
	internal.HandleFunc("/jobs/{jobId}/fail", s.FailJob).Methods(http.MethodPost)
	internal.HandleFunc("/jobs/{jobId}/events", s.RecordEvent).Methods(http.MethodPost)
	internal.HandleFunc("/jobs/{jobId}/events", s.InternalEvents).Methods(http.MethodGet)
	internal.HandleFunc("/jobs/{jobId}/memory", s.StoreMemory).Methods(http.MethodPost)
	internal.HandleFunc("/jobs/{jobId}/memory", s.GetMemories).Methods(http.MethodGet)

	r.HandleFunc("/ws/jobs/{jobId}", s.SubscribeInternal)
	r.HandleFunc("/ws/public/jobs/{jobId}", s.SubscribePublic)

	// Wrapped outside the router so preflight requests reach the CORS handler.
	return loggingMiddleware(corsMiddleware(s.frontendURL)(r))
}
