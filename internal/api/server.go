package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"agent-orchestrator/internal/config"
	"agent-orchestrator/internal/models"
	"agent-orchestrator/internal/orchestrator"
	"agent-orchestrator/internal/store"
	"agent-orchestrator/internal/telemetry"
)

// Store is the persistence surface the HTTP handlers drive. *store.Store
// satisfies it; tests substitute a fake.
type Store interface {
	Enqueue(ctx context.Context, p store.EnqueueParams) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	GetApproval(ctx context.Context, id string) (models.Approval, error)
	MarkCanceled(ctx context.Context, id string) error
	ListFailedJobs(ctx context.Context, projectID string, limit int) ([]models.Job, error)
	ListPendingApprovals(ctx context.Context, projectID string) ([]models.Approval, error)
	DecideApproval(ctx context.Context, id, decision string, expectedVersion int, guidance string) (models.Approval, error)
	AdvancePhase(ctx context.Context, projectID string, fromPhase int) (int, error)
	ListEventsAfter(ctx context.Context, projectID string, cursor store.EventCursor, jobID string, limit int) ([]models.JobEvent, error)
}

// Limiter is the per-project write budget. *ratelimit.TokenBucket satisfies it.
type Limiter interface {
	Allow(ctx context.Context, projectID string, cost float64) (bool, float64, error)
}

// Server wires the HTTP handlers for enqueue, event streaming, and approval
// decisions.
type Server struct {
	cfg     config.Config
	store   Store
	limiter Limiter
	logger  *slog.Logger
}

// New constructs the API server. The limiter may be nil when rate limiting is
// disabled (tests, local single-user runs).
func New(cfg config.Config, st Store, limiter Limiter, logger *slog.Logger) *Server {
	return &Server{cfg: cfg, store: st, limiter: limiter, logger: logger}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Get("/jobs/failed", s.handleFailedJobs)

	r.Get("/projects/{projectID}/events", s.handleEventStream)
	r.Get("/projects/{projectID}/approvals", s.handlePendingApprovals)
	r.Post("/approvals/{id}/decision", s.handleDecision)

	return r
}

type enqueueRequest struct {
	ProjectID      string         `json:"project_id"`
	JobType        string         `json:"job_type"`
	AgentKey       string         `json:"agent_key"`
	Payload        map[string]any `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key"`
	Priority       int            `json:"priority"`
	RunAfter       *time.Time     `json:"run_after"`
	MaxAttempts    int            `json:"max_attempts"`
}

type enqueueResponse struct {
	Job        models.Job `json:"job"`
	Idempotent bool       `json:"idempotent"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.JobType == "" {
		http.Error(w, "job_type is required", http.StatusBadRequest)
		return
	}
	if req.IdempotencyKey == "" {
		http.Error(w, "idempotency_key is required", http.StatusBadRequest)
		return
	}
	if req.ProjectID == "" {
		req.ProjectID = models.SystemProject
	}
	if !s.allow(r, req.ProjectID) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	runAfter := time.Time{}
	if req.RunAfter != nil {
		runAfter = *req.RunAfter
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = s.cfg.MaxAttempts
	}

	job, idempotent, err := s.store.Enqueue(r.Context(), store.EnqueueParams{
		ProjectID:      req.ProjectID,
		JobType:        req.JobType,
		AgentKey:       req.AgentKey,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
		Priority:       req.Priority,
		RunAfter:       runAfter,
		MaxAttempts:    req.MaxAttempts,
	})
	if err != nil {
		s.logger.Error("enqueue failed", slog.String("job_type", req.JobType), slog.String("error", err.Error()))
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	if !idempotent {
		telemetry.JobsEnqueued.Inc()
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{Job: job, Idempotent: idempotent})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrJobNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.store.MarkCanceled(r.Context(), id)
	if errors.Is(err, store.ErrJobNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if errors.Is(err, store.ErrNotCancelable) {
		http.Error(w, "job not queued", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, "cancel failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.StatusCanceled})
}

func (s *Server) handleFailedJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListFailedJobs(r.Context(), r.URL.Query().Get("project_id"), 100)
	if err != nil {
		http.Error(w, "failed to list jobs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	approvals, err := s.store.ListPendingApprovals(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		http.Error(w, "failed to list approvals", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": approvals})
}

type decisionRequest struct {
	Decision        string `json:"decision"`
	ExpectedVersion int    `json:"expected_version"`
	Guidance        string `json:"guidance"`
}

type decisionResponse struct {
	Approval   models.Approval `json:"approval"`
	NewVersion int             `json:"new_version"`
	NextJobID  string          `json:"next_job_id,omitempty"`
}

// handleDecision applies a human decision with optimistic concurrency. A
// stale version is surfaced as an explicit 409 instead of a silent
// overwrite; the caller must re-read and decide again.
func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	switch req.Decision {
	case models.ApprovalApproved, models.ApprovalDenied, models.ApprovalRevised:
	default:
		http.Error(w, "decision must be approved, denied, or revised", http.StatusBadRequest)
		return
	}
	if req.ExpectedVersion < 1 {
		http.Error(w, "expected_version is required", http.StatusBadRequest)
		return
	}

	// The budget check must precede the write: a rate-limited decision
	// request must not move the approval version.
	current, err := s.store.GetApproval(r.Context(), id)
	if errors.Is(err, store.ErrApprovalNotFound) {
		http.Error(w, "approval not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if !s.allow(r, current.ProjectID) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	approval, err := s.store.DecideApproval(r.Context(), id, req.Decision, req.ExpectedVersion, req.Guidance)
	if errors.Is(err, store.ErrApprovalNotFound) {
		http.Error(w, "approval not found", http.StatusNotFound)
		return
	}
	if errors.Is(err, store.ErrVersionConflict) {
		telemetry.ApprovalConflicts.Inc()
		writeJSON(w, http.StatusConflict, map[string]string{"error": "stale version, please refresh"})
		return
	}
	if err != nil {
		s.logger.Error("decision failed", slog.String("approval_id", id), slog.String("error", err.Error()))
		http.Error(w, "decision failed", http.StatusInternalServerError)
		return
	}
	telemetry.ApprovalDecisions.Inc()

	nextJobID := s.enqueueFollowUp(r, approval, req.Guidance)
	writeJSON(w, http.StatusOK, decisionResponse{
		Approval:   approval,
		NewVersion: approval.Version,
		NextJobID:  nextJobID,
	})
}

// enqueueFollowUp triggers the orchestration run a decision calls for:
// approval advances the phase and starts the next one, a revision restarts
// the same phase with the reviewer's guidance. Denial stops the line.
func (s *Server) enqueueFollowUp(r *http.Request, approval models.Approval, guidance string) string {
	ctx := r.Context()
	trigger := fmt.Sprintf("v%d", approval.Version)

	switch approval.Status {
	case models.ApprovalApproved:
		nextPhase, err := s.store.AdvancePhase(ctx, approval.ProjectID, approval.Phase)
		if err != nil {
			s.logger.Error("advance phase failed", slog.String("project_id", approval.ProjectID), slog.String("error", err.Error()))
			return ""
		}
		job, _, err := s.store.Enqueue(ctx, orchestrator.RunParams(approval.ProjectID, nextPhase, "", trigger))
		if err != nil {
			s.logger.Error("enqueue next phase failed", slog.String("project_id", approval.ProjectID), slog.String("error", err.Error()))
			return ""
		}
		return job.ID
	case models.ApprovalRevised:
		job, _, err := s.store.Enqueue(ctx, orchestrator.RunParams(approval.ProjectID, approval.Phase, guidance, trigger))
		if err != nil {
			s.logger.Error("enqueue revision run failed", slog.String("project_id", approval.ProjectID), slog.String("error", err.Error()))
			return ""
		}
		return job.ID
	default:
		return ""
	}
}

func (s *Server) allow(r *http.Request, projectID string) bool {
	if s.limiter == nil {
		return true
	}
	allowed, _, err := s.limiter.Allow(r.Context(), projectID, 1)
	if err != nil {
		// Rate limiting is best effort; an unreachable limiter never blocks writes.
		s.logger.Warn("rate limiter unavailable", slog.String("error", err.Error()))
		return true
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
	}
	return allowed
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
