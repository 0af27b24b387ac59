package models

import (
	"time"
)

// EventType enumerates the kinds of progress events a running job appends.
const (
	EventLog      = "log"
	EventToolCall = "tool_call"
	EventStatus   = "status"
	EventArtifact = "artifact"
	EventDelta    = "delta"
	EventDone     = "done"
	EventError    = "error"
)

// JobEvent is an append-only progress record tied to a job. Events are never
// mutated or deleted; a status event with message "completed" or "failed" is
// the terminal marker for the job's stream.
type JobEvent struct {
	ID        int64          `json:"id"`
	JobID     string         `json:"job_id"`
	ProjectID string         `json:"project_id"`
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// TerminalStatus reports whether the event closes its job's stream.
func (e JobEvent) TerminalStatus() bool {
	return e.Type == EventStatus && (e.Message == StatusCompleted || e.Message == StatusFailed)
}
