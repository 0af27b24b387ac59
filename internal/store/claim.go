package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agent-orchestrator/internal/models"
)

// ErrLeaseLost is returned when a finalize statement matches no row: the
// job's lease was reclaimed (and possibly re-claimed by another worker)
// while this worker was still executing. The caller must skip finalization;
// whoever holds the lease now owns the outcome.
var ErrLeaseLost = errors.New("job lease lost")

// ClaimJobs atomically leases up to limit eligible jobs for workerID.
//
// The whole claim is one statement: the CTE selects claimable rows with
// FOR UPDATE SKIP LOCKED so concurrent callers never see the same row, and
// the UPDATE transitions exactly those rows to running. This is the single
// correctness-critical operation in the subsystem; it must never be split
// into separate select and update statements.
func (s *Store) ClaimJobs(ctx context.Context, workerID string, limit int) ([]models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		WITH claimable AS (
			SELECT id FROM jobs
			WHERE status = $2 AND run_after <= NOW()
			ORDER BY priority DESC, run_after ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j
		SET status = $4, locked_at = NOW(), locked_by = $1,
		    attempts = j.attempts + 1, updated_at = NOW()
		FROM claimable c
		WHERE j.id = c.id
		RETURNING j.id, j.project_id, j.job_type, j.agent_key, j.payload, j.idempotency_key,
			j.priority, j.run_after, j.status, j.attempts, j.max_attempts, j.locked_at,
			j.locked_by, j.last_error, j.completed_at, j.created_at, j.updated_at
	`, workerID, models.StatusQueued, limit, models.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ReclaimStale returns abandoned jobs to the queue. A running job whose lease
// is older than the staleness threshold belongs to a worker presumed dead.
// Every worker runs this sweep; a single UPDATE makes concurrent sweeps
// harmless (an already-reclaimed row no longer matches the predicate).
func (s *Store) ReclaimStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $1, locked_at = NULL, locked_by = NULL, updated_at = NOW()
		WHERE status = $2 AND locked_at < NOW() - make_interval(secs => $3)
	`, models.StatusQueued, models.StatusRunning, staleAfter.Seconds())
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkCompleted transitions a job to completed and releases its lease.
//
// All finalize statements are guarded on the worker still holding the lease.
// Without the guard, a slow-but-alive worker whose lease was reclaimed would
// stomp the outcome of whichever worker claimed the job next, setting
// completed_at a second time or re-queuing an already-completed job.
func (s *Store) MarkCompleted(ctx context.Context, id, workerID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, completed_at = NOW(), locked_at = NULL, locked_by = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $3 AND locked_by = $4
	`, id, models.StatusCompleted, models.StatusRunning, workerID)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ScheduleRetry returns a failed attempt to the queue with a backoff delay.
// last_error is retained even if a later attempt succeeds, for audit.
func (s *Store) ScheduleRetry(ctx context.Context, id, workerID string, delay time.Duration, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, run_after = NOW() + make_interval(secs => $3),
		    locked_at = NULL, locked_by = NULL, last_error = $4, updated_at = NOW()
		WHERE id = $1 AND status = $5 AND locked_by = $6
	`, id, models.StatusQueued, delay.Seconds(), lastError, models.StatusRunning, workerID)
	if err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// MarkFailed transitions a job to its terminal failed status.
func (s *Store) MarkFailed(ctx context.Context, id, workerID string, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, completed_at = NOW(), locked_at = NULL, locked_by = NULL,
		    last_error = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4 AND locked_by = $5
	`, id, models.StatusFailed, lastError, models.StatusRunning, workerID)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}
