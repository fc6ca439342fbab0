// Package eventlog is the append-only record of everything that happens to
// a job. Appended events are handed to a Publisher for live fan-out.
package eventlog

import (
	"context"
	"fmt"

	"cad-orchestrator/internal/database"
	"cad-orchestrator/internal/logger"
	"cad-orchestrator/internal/models"
)

// Publisher receives every committed event. Implementations must not block.
type Publisher interface {
	Publish(event *models.Event)
}

// Log persists events and forwards them to a Publisher
type Log struct {
	db        *database.DB
	publisher Publisher
}

// New creates a Log. A nil publisher disables fan-out.
func New(db *database.DB, publisher Publisher) *Log {
	return &Log{db: db, publisher: publisher}
}

// Append persists an event and publishes it
func (l *Log) Append(ctx context.Context, jobID string, eventType models.EventType, payload map[string]interface{}) (*models.Event, error) {
	ev, err := l.AppendTx(ctx, l.db.Store, jobID, eventType, payload)
	if err != nil {
		return nil, err
	}
	l.Publish(ev)
	return ev, nil
}

// AppendTx persists an event inside the caller's transaction without
// publishing it. The caller publishes once the transaction has committed.
func (l *Log) AppendTx(ctx context.Context, tx *database.Store, jobID string, eventType models.EventType, payload map[string]interface{}) (*models.Event, error) {
	ev, err := tx.InsertEvent(ctx, jobID, eventType, payload)
	if err != nil {
		return nil, fmt.Errorf("append %s event: %w", eventType, err)
	}
	return ev, nil
}

// Publish hands committed events to the publisher in order. A failing
// publisher is logged and never affects the caller.
func (l *Log) Publish(events ...*models.Event) {
	if l.publisher == nil {
		return
	}
	for _, ev := range events {
		l.publishOne(ev)
	}
}

func (l *Log) publishOne(ev *models.Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[EVENT] Publish failed JobID=%s EventID=%s: %v", ev.JobID, ev.ID, r)
		}
	}()
	l.publisher.Publish(ev)
}

// FindByJob returns a job's events in ascending creation order
func (l *Log) FindByJob(ctx context.Context, jobID string) ([]models.Event, error) {
	return l.db.FindEventsByJob(ctx, jobID, "")
}

// FindByJobAndType returns a job's events of one type in ascending creation order
func (l *Log) FindByJobAndType(ctx context.Context, jobID string, eventType models.EventType) ([]models.Event, error) {
	return l.db.FindEventsByJob(ctx, jobID, eventType)
}
