package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"agent-orchestrator/internal/models"
)

// ErrJobNotFound is returned when a job id does not exist.
var ErrJobNotFound = errors.New("job not found")

// ErrNotCancelable is returned when a job exists but is past the point of
// cancellation (already running or terminal).
var ErrNotCancelable = errors.New("job not cancelable")

const jobColumns = `id, project_id, job_type, agent_key, payload, idempotency_key, priority,
	run_after, status, attempts, max_attempts, locked_at, locked_by, last_error,
	completed_at, created_at, updated_at`

// Store wraps pgxpool for Postgres persistence. It is the single source of
// truth for job, event, approval, and phase state; all cross-worker
// coordination happens through it as atomic SQL statements.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnqueueParams collects inputs required to insert a job.
type EnqueueParams struct {
	ProjectID      string
	JobType        string
	AgentKey       string
	Payload        map[string]any
	IdempotencyKey string
	Priority       int
	RunAfter       time.Time
	MaxAttempts    int
}

// Enqueue inserts a job row, deduplicating on (project_id, idempotency_key).
// It returns the job and a boolean indicating whether an existing job was
// reused: submitting the same logical request twice never creates two rows.
func (s *Store) Enqueue(ctx context.Context, p EnqueueParams) (models.Job, bool, error) {
	if p.ProjectID == "" {
		p.ProjectID = models.SystemProject
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.RunAfter.IsZero() {
		p.RunAfter = time.Now().UTC()
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}

	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.New().String()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, project_id, job_type, agent_key, payload, idempotency_key, priority, run_after, max_attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT ON CONSTRAINT jobs_scope_idempotency_key DO NOTHING
		RETURNING `+jobColumns,
		id, p.ProjectID, p.JobType, p.AgentKey, payloadJSON, p.IdempotencyKey, p.Priority, p.RunAfter, p.MaxAttempts)

	job, err := scanJob(row)
	if err == nil {
		return job, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}

	// Conflict: another submission already owns this idempotency key.
	existing, err := s.FindByIdempotencyKey(ctx, p.ProjectID, p.IdempotencyKey)
	if err != nil {
		return models.Job{}, false, err
	}
	return existing, true, nil
}

// FindByIdempotencyKey returns the job owning the key within a project scope.
func (s *Store) FindByIdempotencyKey(ctx context.Context, projectID, key string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE project_id = $1 AND idempotency_key = $2
	`, projectID, key)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrJobNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("query idempotency key: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrJobNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// MarkCanceled sets status canceled for a still-queued job. Running jobs are
// not interruptible; cancellation only prevents a future claim.
func (s *Store) MarkCanceled(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.StatusCanceled, models.StatusQueued)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Zero rows is ambiguous: the job may not exist at all, or exist in a
		// state cancellation cannot touch. Callers need to tell those apart.
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return ErrNotCancelable
	}
	return nil
}

// ListFailedJobs returns terminally failed jobs for operator review.
func (s *Store) ListFailedJobs(ctx context.Context, projectID string, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND ($2 = '' OR project_id = $2)
		ORDER BY completed_at DESC
		LIMIT $3
	`, models.StatusFailed, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountReadyJobs returns the number of jobs eligible for claim right now.
func (s *Store) CountReadyJobs(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status = $1 AND run_after <= NOW()
	`, models.StatusQueued).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ready jobs: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var payloadJSON []byte
	if err := row.Scan(
		&job.ID, &job.ProjectID, &job.JobType, &job.AgentKey, &payloadJSON,
		&job.IdempotencyKey, &job.Priority, &job.RunAfter, &job.Status,
		&job.Attempts, &job.MaxAttempts, &job.LockedAt, &job.LockedBy,
		&job.LastError, &job.CompletedAt, &job.CreatedAt, &job.UpdatedAt,
	); err != nil {
		return models.Job{}, err
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return job, nil
}
