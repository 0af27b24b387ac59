// Package events provides the append-only progress stream for jobs.
package events

import (
	"context"
	"log/slog"

	"agent-orchestrator/internal/models"
	"agent-orchestrator/internal/telemetry"
)

// Sink is the storage append operation the emitter writes through.
type Sink interface {
	AppendEvent(ctx context.Context, e models.JobEvent) (models.JobEvent, error)
}

// Emitter appends structured progress events for a job. Emission is a
// non-critical side effect: a failed append is logged and swallowed, never
// propagated as a job failure. Consumers must tolerate duplicate delivery.
type Emitter struct {
	sink   Sink
	logger *slog.Logger
}

func New(sink Sink, logger *slog.Logger) *Emitter {
	return &Emitter{sink: sink, logger: logger}
}

// Emit appends one event for the job.
func (em *Emitter) Emit(ctx context.Context, job models.Job, eventType, message string, data map[string]any) {
	_, err := em.sink.AppendEvent(ctx, models.JobEvent{
		JobID:     job.ID,
		ProjectID: job.ProjectID,
		Type:      eventType,
		Message:   message,
		Data:      data,
	})
	if err != nil {
		em.logger.Warn("event emit failed",
			slog.String("job_id", job.ID),
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
		return
	}
	telemetry.EventsEmitted.Inc()
}

// Status emits a lifecycle status event. A message of "completed" or
// "failed" terminates the job's stream for observers.
func (em *Emitter) Status(ctx context.Context, job models.Job, status string, data map[string]any) {
	em.Emit(ctx, job, models.EventStatus, status, data)
}
