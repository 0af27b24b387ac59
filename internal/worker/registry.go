package worker

import (
	"context"
	"errors"
	"fmt"

	"agent-orchestrator/internal/models"
)

// ErrUnknownJobType marks a job whose type has no registered handler. This is
// a distinct, non-retriable failure class: retrying cannot change the outcome.
var ErrUnknownJobType = errors.New("unknown job type")

// Handler executes a job of one type. Handlers emit their own progress events
// and must be idempotent enough that a retried attempt does not corrupt
// downstream state. Dependencies are captured at construction.
type Handler func(ctx context.Context, job models.Job) error

// Registry maps job types to handlers. It is populated once at startup and
// read-only afterwards, so lookups need no locking.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a job type.
func (r *Registry) Register(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	r.handlers[jobType] = handler
}

// Resolve returns the handler for a job type, or ErrUnknownJobType.
func (r *Registry) Resolve(jobType string) (Handler, error) {
	handler, ok := r.handlers[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, jobType)
	}
	return handler, nil
}
