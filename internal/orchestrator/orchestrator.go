// Package orchestrator is the single authority for job lifecycle
// transitions. Every mutation of a job runs under that job's lock, appends
// its events and updates the job record in one transaction, and publishes
// the events after commit.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cad-orchestrator/internal/agent"
	"cad-orchestrator/internal/database"
	"cad-orchestrator/internal/eventlog"
	"cad-orchestrator/internal/keylock"
	"cad-orchestrator/internal/logger"
	"cad-orchestrator/internal/models"

	"github.com/google/uuid"
)

// Dispatcher hands work to the agent without blocking
type Dispatcher interface {
	DispatchStart(req *agent.StartRequest)
	DispatchCancel(jobID string)
}

// SubscriptionCloser disconnects a job's live subscribers
type SubscriptionCloser interface {
	CloseJob(jobID string)
}

// Options configures an Orchestrator
type Options struct {
	Stages          []string
	CallbackBaseURL string
}

// Orchestrator drives jobs through their lifecycle
type Orchestrator struct {
	db           *database.DB
	events       *eventlog.Log
	locks        *keylock.Locker
	dispatcher   Dispatcher
	subscribers  SubscriptionCloser
	stages       []string
	callbackBase string
}

// New creates an Orchestrator. locks is shared with the memory store so
// all writes for one job are serialized together.
func New(db *database.DB, events *eventlog.Log, locks *keylock.Locker, dispatcher Dispatcher, subscribers SubscriptionCloser, opts Options) *Orchestrator {
	stages := opts.Stages
	if len(stages) == 0 {
		stages = models.DefaultStages
	}
	return &Orchestrator{
		db:           db,
		events:       events,
		locks:        locks,
		dispatcher:   dispatcher,
		subscribers:  subscribers,
		stages:       stages,
		callbackBase: opts.CallbackBaseURL,
	}
}

// txn collects the events of one mutation and folds each into the job as
// it is appended
type txn struct {
	ctx    context.Context
	tx     *database.Store
	log    *eventlog.Log
	job    *models.Job
	events []*models.Event
}

func (t *txn) emit(eventType models.EventType, payload map[string]interface{}) error {
	ev, err := t.log.AppendTx(t.ctx, t.tx, t.job.ID, eventType, payload)
	if err != nil {
		return err
	}
	eventlog.Apply(t.job, ev)
	t.events = append(t.events, ev)
	return nil
}

// mutate loads a job under its lock and runs fn in a transaction. A fn
// that emits nothing is a no-op and leaves the record untouched.
func (o *Orchestrator) mutate(ctx context.Context, jobID string, fn func(t *txn) error) (*models.Job, []*models.Event, error) {
	unlock := o.locks.Lock(jobID)
	defer unlock()

	var t *txn
	err := o.db.InTx(ctx, func(tx *database.Store) error {
		job, err := tx.GetJobByID(ctx, jobID)
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
		}
		if err != nil {
			return err
		}

		t = &txn{ctx: ctx, tx: tx, log: o.events, job: job}
		if err := fn(t); err != nil {
			return err
		}
		if len(t.events) == 0 {
			return nil
		}
		return tx.UpdateJob(ctx, t.job)
	})
	if err != nil {
		return nil, nil, err
	}

	o.events.Publish(t.events...)
	return t.job, t.events, nil
}

// Start creates a job and hands it to the agent
func (o *Orchestrator) Start(ctx context.Context, req *models.JobStartRequest) (*models.Job, error) {
	stages, err := o.validateStart(req)
	if err != nil {
		return nil, err
	}

	process := req.ManufacturingProcess
	if process == "" {
		process = models.DefaultManufacturingProcess
	}
	job := &models.Job{
		ID:                   uuid.NewString(),
		UserID:               req.UserID,
		FileStorageID:        req.FileStorageID,
		OriginalFilename:     req.OriginalFilename,
		ManufacturingProcess: process,
		Material:             req.Material,
		Stages:               stages,
		Status:               models.StatusPending,
		Stage:                stages[0],
		StagesCompleted:      []string{},
	}

	unlock := o.locks.Lock(job.ID)
	var started *models.Event
	err = o.db.InTx(ctx, func(tx *database.Store) error {
		// The record is the fold of its first event, timestamps included.
		ev, err := o.events.AppendTx(ctx, tx, job.ID, models.EventStageStarted, eventlog.StartedPayload(job))
		if err != nil {
			return err
		}
		eventlog.Apply(job, ev)
		started = ev
		if err := tx.InsertJob(ctx, job); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		return nil
	})
	if err != nil {
		unlock()
		return nil, err
	}
	o.events.Publish(started)
	unlock()

	logger.Infof("[START] JobID=%s UserID=%s Process=%s Stages=%s", job.ID, job.UserID, job.ManufacturingProcess, strings.Join(stages, ","))
	o.dispatcher.DispatchStart(o.startRequest(job, nil))
	return job, nil
}

func (o *Orchestrator) validateStart(req *models.JobStartRequest) ([]string, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: empty request", ErrInvalidSpec)
	}
	if strings.TrimSpace(req.UserID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidSpec)
	}
	if strings.TrimSpace(req.FileStorageID) == "" {
		return nil, fmt.Errorf("%w: file_storage_id is required", ErrInvalidSpec)
	}
	if req.ManufacturingProcess != "" && !models.ValidManufacturingProcess(req.ManufacturingProcess) {
		return nil, fmt.Errorf("%w: unsupported manufacturing process %q", ErrInvalidSpec, req.ManufacturingProcess)
	}
	if len(req.Stages) == 0 {
		return append([]string(nil), o.stages...), nil
	}
	stages := make([]string, 0, len(req.Stages))
	for _, s := range req.Stages {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			return nil, fmt.Errorf("%w: blank stage name", ErrInvalidSpec)
		}
		stages = append(stages, s)
	}
	return stages, nil
}

// Checkpoint records an agent checkpoint. The job advances only when the
// checkpoint's index is beyond the current one; lower or equal indices are
// stored for audit without regressing the job.
func (o *Orchestrator) Checkpoint(ctx context.Context, jobID string, req *models.CheckpointRequest) (*models.Checkpoint, error) {
	var cp *models.Checkpoint
	var advanced bool
	_, _, err := o.mutate(ctx, jobID, func(t *txn) error {
		if t.job.Status.IsTerminal() {
			return fmt.Errorf("%w: checkpoint on %s job %s", ErrJobTerminal, t.job.Status, jobID)
		}
		if req.StageIndex < 0 || req.StageIndex >= len(t.job.Stages) {
			return fmt.Errorf("%w: stage index %d outside %d stages", ErrInvalidCheckpoint, req.StageIndex, len(t.job.Stages))
		}
		stored := *req
		if stored.Stage == "" {
			stored.Stage = t.job.Stages[stored.StageIndex]
		}

		var err error
		cp, err = t.tx.SaveCheckpoint(ctx, jobID, &stored)
		if err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
		advanced = cp.StageIndex > t.job.StageIndex
		payload := eventlog.CheckpointPayload(cp)
		payload["advanced"] = advanced
		return t.emit(models.EventCheckpointSave, payload)
	})
	if err != nil {
		return nil, err
	}

	logger.Infof("[CHECKPOINT] JobID=%s CheckpointID=%s Stage=%s Index=%d Recoverable=%t Advanced=%t",
		jobID, cp.ID, cp.Stage, cp.StageIndex, cp.Recoverable, advanced)
	return cp, nil
}

// Complete marks a job COMPLETED. Completing a completed job is a no-op.
func (o *Orchestrator) Complete(ctx context.Context, jobID string, summary map[string]interface{}) (*models.Job, error) {
	job, events, err := o.mutate(ctx, jobID, func(t *txn) error {
		switch {
		case t.job.Status == models.StatusCompleted:
			return nil
		case t.job.Status.IsTerminal():
			return fmt.Errorf("%w: complete on %s job %s", ErrJobTerminal, t.job.Status, jobID)
		}

		final := len(t.job.Stages) - 1
		if err := t.emit(models.EventStageCompleted, map[string]interface{}{
			eventlog.KeyStage:      t.job.Stages[final],
			eventlog.KeyStageIndex: final,
		}); err != nil {
			return err
		}
		payload := map[string]interface{}{}
		if len(summary) > 0 {
			payload["summary"] = summary
		}
		return t.emit(models.EventJobCompleted, payload)
	})
	if err != nil {
		return nil, err
	}
	if len(events) > 0 {
		logger.Infof("[FINISH] JobID=%s Status=%s", jobID, job.Status)
	}
	return job, nil
}

// Fail records an agent failure. A recoverable failure may later be resumed
// or escalated to fatal; a fatal failure is terminal. Repeating a failure
// the job is already in is a no-op.
func (o *Orchestrator) Fail(ctx context.Context, jobID, reason string, recoverable bool) (*models.Job, error) {
	job, events, err := o.mutate(ctx, jobID, func(t *txn) error {
		return t.fail(reason, recoverable)
	})
	if err != nil {
		return nil, err
	}
	logFailure(job, events, recoverable, reason)
	return job, nil
}

func (t *txn) fail(reason string, recoverable bool) error {
	switch {
	case recoverable && t.job.Status == models.StatusFailedRecoverable,
		!recoverable && t.job.Status == models.StatusFailedFatal:
		return nil
	case t.job.Status.IsTerminal():
		return fmt.Errorf("%w: fail on %s job %s", ErrJobTerminal, t.job.Status, t.job.ID)
	}
	return t.emit(models.EventJobFailed, map[string]interface{}{
		eventlog.KeyErrorMessage: reason,
		eventlog.KeyRecoverable:  recoverable,
		eventlog.KeyStage:        t.job.Stage,
		eventlog.KeyStageIndex:   t.job.StageIndex,
	})
}

func logFailure(job *models.Job, events []*models.Event, recoverable bool, reason string) {
	if len(events) == 0 {
		logger.Debugf("[FAILED] JobID=%s already %s", job.ID, job.Status)
		return
	}
	logger.Warnf("[FAILED] JobID=%s Stage=%s Recoverable=%t Reason=%q", job.ID, job.Stage, recoverable, reason)
}

// Resume restarts a failed-recoverable or paused job from a checkpoint. A
// named checkpoint is used exactly: if it is foreign or not recoverable the
// resume fails rather than falling back to another one.
func (o *Orchestrator) Resume(ctx context.Context, jobID, checkpointID string) (*models.Job, error) {
	var target *models.Checkpoint
	job, _, err := o.mutate(ctx, jobID, func(t *txn) error {
		switch {
		case t.job.Status.IsTerminal():
			return fmt.Errorf("%w: resume on %s job %s", ErrJobTerminal, t.job.Status, jobID)
		case !t.job.Status.Resumable():
			return fmt.Errorf("%w: cannot resume a %s job", ErrInvalidTransition, t.job.Status)
		}

		var err error
		target, err = o.resumeTarget(ctx, t.tx, jobID, checkpointID)
		if err != nil {
			return err
		}
		return t.emit(models.EventJobResumed, map[string]interface{}{
			eventlog.KeyCheckpointID: target.ID,
			eventlog.KeyStage:        target.Stage,
			eventlog.KeyStageIndex:   target.StageIndex,
			"retry_count":            t.job.RetryCount + 1,
		})
	})
	if err != nil {
		return nil, err
	}

	logger.Infof("[RESUME] JobID=%s CheckpointID=%s Stage=%s Index=%d RetryCount=%d",
		jobID, target.ID, target.Stage, target.StageIndex, job.RetryCount)
	o.dispatcher.DispatchStart(o.startRequest(job, target))
	return job, nil
}

func (o *Orchestrator) resumeTarget(ctx context.Context, tx *database.Store, jobID, checkpointID string) (*models.Checkpoint, error) {
	if checkpointID == "" {
		cp, err := tx.LatestRecoverableCheckpoint(ctx, jobID)
		if errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("%w: job %s has none", ErrNoRecoverableCheckpoint, jobID)
		}
		return cp, err
	}

	cp, err := tx.GetCheckpoint(ctx, checkpointID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%w: checkpoint %s not found", ErrNoRecoverableCheckpoint, checkpointID)
	}
	if err != nil {
		return nil, err
	}
	if cp.JobID != jobID {
		return nil, fmt.Errorf("%w: checkpoint %s belongs to another job", ErrNoRecoverableCheckpoint, checkpointID)
	}
	if !cp.Recoverable {
		return nil, fmt.Errorf("%w: checkpoint %s is not recoverable", ErrNoRecoverableCheckpoint, checkpointID)
	}
	return cp, nil
}

// Pause stops a running job so it can be resumed later. The agent is told
// to stop; resume dispatches it again.
func (o *Orchestrator) Pause(ctx context.Context, jobID string) (*models.Job, error) {
	job, _, err := o.mutate(ctx, jobID, func(t *txn) error {
		switch {
		case t.job.Status.IsTerminal():
			return fmt.Errorf("%w: pause on %s job %s", ErrJobTerminal, t.job.Status, jobID)
		case t.job.Status != models.StatusRunning:
			return fmt.Errorf("%w: cannot pause a %s job", ErrInvalidTransition, t.job.Status)
		}
		return t.emit(models.EventJobPaused, map[string]interface{}{
			eventlog.KeyStage:      t.job.Stage,
			eventlog.KeyStageIndex: t.job.StageIndex,
		})
	})
	if err != nil {
		return nil, err
	}
	logger.Infof("[PAUSE] JobID=%s Stage=%s Index=%d", jobID, job.Stage, job.StageIndex)
	o.dispatcher.DispatchCancel(jobID)
	return job, nil
}

// Cancel moves a job to CANCELLED. Cancelling a terminal job is a no-op.
// In-flight agent work is asked to stop but not forced.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (*models.Job, error) {
	job, events, err := o.mutate(ctx, jobID, func(t *txn) error {
		if t.job.Status.IsTerminal() {
			return nil
		}
		return t.emit(models.EventJobCancelled, map[string]interface{}{
			"previous_status":      string(t.job.Status),
			eventlog.KeyStage:      t.job.Stage,
			eventlog.KeyStageIndex: t.job.StageIndex,
		})
	})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		logger.Debugf("[CANCEL] JobID=%s already %s", jobID, job.Status)
		return job, nil
	}
	logger.Infof("[CANCEL] JobID=%s Stage=%s", jobID, job.Stage)
	o.dispatcher.DispatchCancel(jobID)
	return job, nil
}

// Purge deletes a job with its checkpoints, events and memories and drops
// its subscribers. A job still in progress is cancelled at the agent first.
func (o *Orchestrator) Purge(ctx context.Context, jobID string) error {
	unlock := o.locks.Lock(jobID)
	defer unlock()

	job, err := o.db.GetJobByID(ctx, jobID)
	if errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	if err != nil {
		return err
	}

	if err := o.db.PurgeJob(ctx, jobID); err != nil {
		return fmt.Errorf("purge job %s: %w", jobID, err)
	}
	if !job.Status.IsTerminal() {
		o.dispatcher.DispatchCancel(jobID)
	}
	if o.subscribers != nil {
		o.subscribers.CloseJob(jobID)
	}
	logger.Infof("[PURGE] JobID=%s Status=%s", jobID, job.Status)
	return nil
}

// RecordActivity appends an informational agent event. It never changes
// the job's state.
func (o *Orchestrator) RecordActivity(ctx context.Context, jobID string, req *models.AgentEventRequest) (*models.Event, error) {
	eventType, ok := models.ParseEventType(req.Type)
	if !ok || !eventType.IsAgentActivity() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEvent, req.Type)
	}

	unlock := o.locks.Lock(jobID)
	defer unlock()

	job, err := o.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: activity on %s job %s", ErrJobTerminal, job.Status, jobID)
	}
	payload := map[string]interface{}{
		"title":   req.Title,
		"content": req.Content,
	}
	if len(req.Metadata) > 0 {
		payload["metadata"] = req.Metadata
	}
	return o.events.Append(ctx, jobID, eventType, payload)
}

// DispatchFailed is the dispatch pool's failure handler. The job fails
// recoverably unless it already ended or has been resumed since run was
// dispatched.
func (o *Orchestrator) DispatchFailed(ctx context.Context, jobID string, run int, cause error) {
	reason := "agent dispatch failed: " + cause.Error()
	var stale bool
	job, events, err := o.mutate(ctx, jobID, func(t *txn) error {
		if t.job.RetryCount != run {
			stale = true
			return nil
		}
		return t.fail(reason, true)
	})
	switch {
	case err == nil && stale:
		logger.Infof("[DISPATCH] JobID=%s Run=%d CurrentRun=%d ignoring stale failure", jobID, run, job.RetryCount)
	case err == nil:
		logFailure(job, events, true, reason)
	case errors.Is(err, ErrJobTerminal), errors.Is(err, ErrUnknownJob):
		logger.Infof("[DISPATCH] JobID=%s job already ended: %v", jobID, err)
	default:
		logger.Errorf("[DISPATCH] JobID=%s could not record dispatch failure: %v", jobID, err)
	}
}

// Get returns a job by id
func (o *Orchestrator) Get(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := o.db.GetJobByID(ctx, jobID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	return job, err
}

// Checkpoints returns a job's checkpoints oldest first
func (o *Orchestrator) Checkpoints(ctx context.Context, jobID string) ([]models.Checkpoint, error) {
	return o.db.FindCheckpointsByJob(ctx, jobID)
}

// LatestCheckpoint returns the most recent checkpoint of a job, or nil if
// it has none
func (o *Orchestrator) LatestCheckpoint(ctx context.Context, jobID string) (*models.Checkpoint, error) {
	cp, err := o.db.LatestCheckpoint(ctx, jobID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	return cp, err
}

func (o *Orchestrator) startRequest(job *models.Job, from *models.Checkpoint) *agent.StartRequest {
	req := &agent.StartRequest{
		JobID:                job.ID,
		FileStorageID:        job.FileStorageID,
		ManufacturingProcess: job.ManufacturingProcess,
		Material:             job.Material,
		Stages:               job.Stages,
		CallbackURL:          agent.CallbackURL(o.callbackBase, job.ID),
		Run:                  job.RetryCount,
	}
	if from != nil {
		req.ResumeFromCheckpoint = &agent.ResumeContext{
			CheckpointID:        from.ID,
			Stage:               from.Stage,
			StageIndex:          from.StageIndex,
			State:               from.State,
			IntermediateResults: from.IntermediateResults,
		}
	}
	return req
}
