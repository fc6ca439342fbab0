package models

import (
	"strings"
	"time"
)

// JobStatus is the lifecycle status of an analysis job
type JobStatus string

// Status constants
const (
	StatusPending           JobStatus = "PENDING"
	StatusRunning           JobStatus = "RUNNING"
	StatusPaused            JobStatus = "PAUSED"
	StatusFailedRecoverable JobStatus = "FAILED_RECOVERABLE"
	StatusFailedFatal       JobStatus = "FAILED_FATAL"
	StatusCompleted         JobStatus = "COMPLETED"
	StatusCancelled         JobStatus = "CANCELLED"
)

// AllStatuses lists every status in lifecycle order
var AllStatuses = []JobStatus{
	StatusPending, StatusRunning, StatusPaused, StatusFailedRecoverable,
	StatusFailedFatal, StatusCompleted, StatusCancelled,
}

// IsTerminal reports whether the status is absorbing
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailedFatal:
		return true
	}
	return false
}

// Resumable reports whether a job in this status may be resumed
func (s JobStatus) Resumable() bool {
	return s == StatusFailedRecoverable || s == StatusPaused
}

// EventType enumerates everything that can be recorded in a job's event log
type EventType string

// Lifecycle event types
const (
	EventStageStarted   EventType = "STAGE_STARTED"
	EventStageCompleted EventType = "STAGE_COMPLETED"
	EventCheckpointSave EventType = "CHECKPOINT_SAVED"
	EventMemoryStored   EventType = "MEMORY_STORED"
	EventJobFailed      EventType = "JOB_FAILED"
	EventJobResumed     EventType = "JOB_RESUMED"
	EventJobPaused      EventType = "JOB_PAUSED"
	EventJobCancelled   EventType = "JOB_CANCELLED"
	EventJobCompleted   EventType = "JOB_COMPLETED"
)

// Agent activity event types. These are informational only.
const (
	EventAnalyzing   EventType = "ANALYZING"
	EventRunningCode EventType = "RUNNING_CODE"
	EventToolResult  EventType = "TOOL_RESULT"
	EventThinking    EventType = "THINKING"
	EventSuggestion  EventType = "SUGGESTION"
	EventError       EventType = "ERROR"
)

var activityEvents = map[EventType]bool{
	EventAnalyzing:   true,
	EventRunningCode: true,
	EventToolResult:  true,
	EventThinking:    true,
	EventSuggestion:  true,
	EventError:       true,
}

// IsAgentActivity reports whether the agent may submit this type directly
func (t EventType) IsAgentActivity() bool {
	return activityEvents[t]
}

// ParseEventType normalizes a user supplied event type
func ParseEventType(s string) (EventType, bool) {
	t := EventType(strings.ToUpper(strings.TrimSpace(s)))
	switch t {
	case EventStageStarted, EventStageCompleted, EventCheckpointSave, EventMemoryStored,
		EventJobFailed, EventJobResumed, EventJobPaused, EventJobCancelled, EventJobCompleted:
		return t, true
	}
	if t.IsAgentActivity() {
		return t, true
	}
	return "", false
}

// DefaultStages is the ordered pipeline run by the agent
var DefaultStages = []string{"PARSE", "ANALYZE", "SUGGEST", "VALIDATE"}

// DefaultManufacturingProcess is used when a start request names none
const DefaultManufacturingProcess = "FDM_3D_PRINTING"

var manufacturingProcesses = map[string]bool{
	"FDM_3D_PRINTING":   true,
	"SLA_3D_PRINTING":   true,
	"SLS_3D_PRINTING":   true,
	"CNC_MACHINING":     true,
	"INJECTION_MOLDING": true,
	"SHEET_METAL":       true,
}

// ValidManufacturingProcess reports whether p is a supported process
func ValidManufacturingProcess(p string) bool {
	return manufacturingProcesses[p]
}

// Progress maps a stage index onto a percentage of the pipeline
func Progress(stageIndex, stageCount int) int {
	if stageCount <= 0 {
		return 0
	}
	p := (stageIndex + 1) * 100 / stageCount
	if p > 100 {
		return 100
	}
	if p < 0 {
		return 0
	}
	return p
}

// Job is one run of the CAD analysis pipeline. It is a materialized view
// over the job's event log.
type Job struct {
	ID                   string     `json:"id"`
	UserID               string     `json:"user_id"`
	FileStorageID        string     `json:"file_storage_id"`
	OriginalFilename     string     `json:"original_filename,omitempty"`
	ManufacturingProcess string     `json:"manufacturing_process"`
	Material             string     `json:"material,omitempty"`
	Stages               []string   `json:"stages"`
	Status               JobStatus  `json:"status"`
	Stage                string     `json:"current_stage"`
	StageIndex           int        `json:"stage_index"`
	ProgressPercent      int        `json:"progress_percent"`
	StagesCompleted      []string   `json:"stages_completed"`
	ErrorMessage         string     `json:"error_message,omitempty"`
	RetryCount           int        `json:"retry_count"`
	LastCheckpointID     string     `json:"last_checkpoint_id,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	StartedAt            *time.Time `json:"started_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
}

// FinalStage returns the last stage of the job's pipeline
func (j *Job) FinalStage() string {
	if len(j.Stages) == 0 {
		return ""
	}
	return j.Stages[len(j.Stages)-1]
}

// Checkpoint is an immutable snapshot of pipeline state at a stage
type Checkpoint struct {
	ID                  string                 `json:"id"`
	JobID               string                 `json:"job_id"`
	Stage               string                 `json:"stage"`
	StageIndex          int                    `json:"stage_index"`
	State               map[string]interface{} `json:"state"`
	ReasoningTrace      []string               `json:"reasoning_trace"`
	IntermediateResults map[string]interface{} `json:"intermediate_results"`
	Recoverable         bool                   `json:"recoverable"`
	CreatedAt           time.Time              `json:"created_at"`
}

// Event is an append-only record of something that happened to a job
type Event struct {
	ID        string                 `json:"id"`
	JobID     string                 `json:"job_id"`
	Type      EventType              `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"created_at"`
}

// Memory is a stored contextual fact about a job
type Memory struct {
	ID        string                 `json:"id"`
	JobID     string                 `json:"job_id"`
	Content   string                 `json:"content"`
	Category  string                 `json:"category"`
	Metadata  map[string]interface{} `json:"metadata"`
	Embedding []float64              `json:"embedding,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// HasEmbedding reports whether a vector was stored with the memory
func (m *Memory) HasEmbedding() bool {
	return len(m.Embedding) > 0
}

// Metrics holds system metrics
type Metrics struct {
	JobsByStatus map[JobStatus]int64 `json:"jobs_by_status"`
	TotalJobs    int64               `json:"total_jobs"`
	Checkpoints  int64               `json:"checkpoints"`
	Events       int64               `json:"events"`
	Memories     int64               `json:"memories"`
}

// JobStartRequest represents a job start request
type JobStartRequest struct {
	UserID               string   `json:"user_id"`
	FileStorageID        string   `json:"file_storage_id"`
	OriginalFilename     string   `json:"original_filename,omitempty"`
	ManufacturingProcess string   `json:"manufacturing_process,omitempty"`
	Material             string   `json:"material,omitempty"`
	Stages               []string `json:"stages,omitempty"`
}

// CheckpointRequest is the agent's checkpoint callback body.
// Recoverable defaults to true when omitted.
type CheckpointRequest struct {
	Stage               string                 `json:"stage"`
	StageIndex          int                    `json:"stage_index"`
	State               map[string]interface{} `json:"state"`
	ReasoningTrace      []string               `json:"reasoning_trace"`
	IntermediateResults map[string]interface{} `json:"intermediate_results"`
	Recoverable         *bool                  `json:"recoverable,omitempty"`
}

// IsRecoverable resolves the optional recoverable flag
func (r *CheckpointRequest) IsRecoverable() bool {
	return r.Recoverable == nil || *r.Recoverable
}

// CompleteRequest is the agent's completion callback body
type CompleteRequest struct {
	Summary map[string]interface{} `json:"summary,omitempty"`
}

// FailRequest is the agent's failure callback body.
// Recoverable defaults to true when omitted.
type FailRequest struct {
	ErrorMessage string `json:"error_message"`
	Recoverable  *bool  `json:"recoverable,omitempty"`
}

// IsRecoverable resolves the optional recoverable flag
func (r *FailRequest) IsRecoverable() bool {
	return r.Recoverable == nil || *r.Recoverable
}

// ResumeRequest optionally names the checkpoint to resume from
type ResumeRequest struct {
	CheckpointID string `json:"checkpoint_id,omitempty"`
}

// StoreMemoryRequest is the body of a memory store call
type StoreMemoryRequest struct {
	Content  string                 `json:"content"`
	Category string                 `json:"category"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// AgentEventRequest is an activity event submitted by the agent
type AgentEventRequest struct {
	Type     string                 `json:"type"`
	Title    string                 `json:"title"`
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// QueryRequest asks a question against a job's memories
type QueryRequest struct {
	Query string `json:"query"`
}

// QueryResponse is the answer to a memory query
type QueryResponse struct {
	Answer      string `json:"answer"`
	SourcesUsed int    `json:"sources_used"`
}
