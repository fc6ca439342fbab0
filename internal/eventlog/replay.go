package eventlog

import (
	"encoding/json"

	"cad-orchestrator/internal/models"
)

// Payload keys shared by event producers and the fold below
const (
	KeyStage                = "stage"
	KeyStageIndex           = "stage_index"
	KeyStages               = "stages"
	KeyCheckpointID         = "checkpoint_id"
	KeyRecoverable          = "recoverable"
	KeyErrorMessage         = "error_message"
	KeyUserID               = "user_id"
	KeyFileStorageID        = "file_storage_id"
	KeyOriginalFilename     = "original_filename"
	KeyManufacturingProcess = "manufacturing_process"
	KeyMaterial             = "material"
)

// Replay rebuilds a job by folding its events in order. The orchestrator
// applies the same fold when it commits, so a replay of the log always
// reproduces the stored job.
func Replay(jobID string, events []models.Event) *models.Job {
	job := &models.Job{ID: jobID, Status: models.StatusPending, StagesCompleted: []string{}}
	for i := range events {
		Apply(job, &events[i])
	}
	return job
}

// Apply folds one event into job. Events that carry no state, such as
// MEMORY_STORED and agent activity, leave the job untouched.
func Apply(job *models.Job, ev *models.Event) {
	p := ev.Payload
	at := ev.CreatedAt

	switch ev.Type {
	case models.EventStageStarted:
		if stages := payloadStrings(p, KeyStages); len(stages) > 0 {
			job.CreatedAt = at
			job.Stages = stages
			job.UserID = payloadString(p, KeyUserID)
			job.FileStorageID = payloadString(p, KeyFileStorageID)
			job.OriginalFilename = payloadString(p, KeyOriginalFilename)
			job.ManufacturingProcess = payloadString(p, KeyManufacturingProcess)
			job.Material = payloadString(p, KeyMaterial)
		}
		job.Status = models.StatusRunning
		job.Stage = payloadString(p, KeyStage)
		job.StageIndex = payloadInt(p, KeyStageIndex)
		if job.StartedAt == nil {
			job.StartedAt = &at
		}

	case models.EventCheckpointSave:
		idx := payloadInt(p, KeyStageIndex)
		stage := payloadString(p, KeyStage)
		job.LastCheckpointID = payloadString(p, KeyCheckpointID)
		if idx > job.StageIndex {
			job.Stage = stage
			job.StageIndex = idx
		}
		if idx >= job.StageIndex {
			job.ProgressPercent = models.Progress(job.StageIndex, len(job.Stages))
			job.StagesCompleted = appendStage(job.StagesCompleted, stage)
		}

	case models.EventStageCompleted:
		idx := payloadInt(p, KeyStageIndex)
		stage := payloadString(p, KeyStage)
		if idx > job.StageIndex {
			job.Stage = stage
			job.StageIndex = idx
		}
		job.StagesCompleted = appendStage(job.StagesCompleted, stage)

	case models.EventJobCompleted:
		job.Status = models.StatusCompleted
		job.ProgressPercent = 100
		job.ErrorMessage = ""
		job.CompletedAt = &at

	case models.EventJobFailed:
		job.ErrorMessage = payloadString(p, KeyErrorMessage)
		if payloadBool(p, KeyRecoverable) {
			job.Status = models.StatusFailedRecoverable
		} else {
			job.Status = models.StatusFailedFatal
			job.CompletedAt = &at
		}

	case models.EventJobResumed:
		job.Status = models.StatusRunning
		job.Stage = payloadString(p, KeyStage)
		job.StageIndex = payloadInt(p, KeyStageIndex)
		job.ProgressPercent = models.Progress(job.StageIndex, len(job.Stages))
		job.LastCheckpointID = payloadString(p, KeyCheckpointID)
		job.ErrorMessage = ""
		job.RetryCount++

	case models.EventJobPaused:
		job.Status = models.StatusPaused

	case models.EventJobCancelled:
		job.Status = models.StatusCancelled
		job.CompletedAt = &at

	default:
		return
	}
	job.UpdatedAt = at
}

func appendStage(stages []string, stage string) []string {
	if stage == "" {
		return stages
	}
	for _, s := range stages {
		if s == stage {
			return stages
		}
	}
	return append(stages, stage)
}

// Payload values arrive either as written by the producer or as decoded
// from JSON, so numbers may be float64 and lists []interface{}.

func payloadString(p map[string]interface{}, key string) string {
	s, _ := p[key].(string)
	return s
}

func payloadInt(p map[string]interface{}, key string) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

func payloadBool(p map[string]interface{}, key string) bool {
	b, _ := p[key].(bool)
	return b
}

func payloadStrings(p map[string]interface{}, key string) []string {
	switch v := p[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// StartedPayload describes a newly started job
func StartedPayload(job *models.Job) map[string]interface{} {
	return map[string]interface{}{
		KeyStage:                job.Stage,
		KeyStageIndex:           job.StageIndex,
		KeyStages:               job.Stages,
		KeyUserID:               job.UserID,
		KeyFileStorageID:        job.FileStorageID,
		KeyOriginalFilename:     job.OriginalFilename,
		KeyManufacturingProcess: job.ManufacturingProcess,
		KeyMaterial:             job.Material,
	}
}

// CheckpointPayload describes a saved checkpoint
func CheckpointPayload(cp *models.Checkpoint) map[string]interface{} {
	return map[string]interface{}{
		KeyCheckpointID: cp.ID,
		KeyStage:        cp.Stage,
		KeyStageIndex:   cp.StageIndex,
		KeyRecoverable:  cp.Recoverable,
	}
}
