package orchestrator

import "errors"

var (
	// ErrInvalidSpec rejects a malformed start request before any state exists
	ErrInvalidSpec = errors.New("invalid job spec")
	// ErrUnknownJob is returned for a job id with no job record
	ErrUnknownJob = errors.New("unknown job")
	// ErrJobTerminal is returned for operations on a completed, cancelled or fatally failed job
	ErrJobTerminal = errors.New("job is terminal")
	// ErrNoRecoverableCheckpoint is returned when resume has no eligible target
	ErrNoRecoverableCheckpoint = errors.New("no recoverable checkpoint")
	// ErrInvalidTransition is returned when the job's status does not allow the operation
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalidCheckpoint rejects a checkpoint callback outside the job's stages
	ErrInvalidCheckpoint = errors.New("invalid checkpoint")
	// ErrInvalidEvent rejects an agent event of a type the agent may not submit
	ErrInvalidEvent = errors.New("invalid agent event")
)
