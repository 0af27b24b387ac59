package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// SystemProject is the sentinel scope for jobs that do not belong to a tenant project.
const SystemProject = "system"

// Job represents a schedulable unit of work persisted in Postgres.
type Job struct {
	ID             string         `json:"id"`
	ProjectID      string         `json:"project_id"`
	JobType        string         `json:"job_type"`
	AgentKey       string         `json:"agent_key"`
	Payload        map[string]any `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key"`
	Priority       int            `json:"priority"`
	RunAfter       time.Time      `json:"run_after"`
	Status         string         `json:"status"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	LockedAt       *time.Time     `json:"locked_at,omitempty"`
	LockedBy       *string        `json:"locked_by,omitempty"`
	LastError      *string        `json:"last_error,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Terminal reports whether the job has reached a final status.
func (j Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed || j.Status == StatusCanceled
}
