package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"agent-orchestrator/internal/config"
	"agent-orchestrator/internal/events"
	"agent-orchestrator/internal/models"
	"agent-orchestrator/internal/store"
	"agent-orchestrator/internal/telemetry"
)

// jobStore is the queue surface the processor drives. *store.Store satisfies
// it; tests substitute a fake.
type jobStore interface {
	ClaimJobs(ctx context.Context, workerID string, limit int) ([]models.Job, error)
	ReclaimStale(ctx context.Context, staleAfter time.Duration) (int64, error)
	CountReadyJobs(ctx context.Context) (int64, error)
	MarkCompleted(ctx context.Context, id, workerID string) error
	ScheduleRetry(ctx context.Context, id, workerID string, delay time.Duration, lastError string) error
	MarkFailed(ctx context.Context, id, workerID string, lastError string) error
}

// Processor drives the claim -> dispatch -> finalize cycle until shutdown.
type Processor struct {
	cfg      config.Config
	store    jobStore
	registry *Registry
	emitter  *events.Emitter
	logger   *slog.Logger
	workerID string

	// Consecutive claim/reclaim failures. Past the configured threshold the
	// processor exits fatally so a supervisor restarts it instead of letting
	// it spin against a dead store.
	infraFailures atomic.Int64
}

func NewProcessor(cfg config.Config, st jobStore, registry *Registry, emitter *events.Emitter, logger *slog.Logger, workerID string) *Processor {
	return &Processor{
		cfg:      cfg,
		store:    st,
		registry: registry,
		emitter:  emitter,
		logger:   logger.With(slog.String("worker_id", workerID)),
		workerID: workerID,
	}
}

// Run polls for claimable jobs until the context is canceled. Cancellation
// stops new claims; jobs already dispatched finish under a detached context
// so a drain never abandons a claimed job mid-finalize.
func (p *Processor) Run(ctx context.Context) error {
	go p.reclaimLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batch, err := p.store.ClaimJobs(ctx, p.workerID, p.cfg.ClaimBatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if fatalErr := p.noteInfraFailure("claim", err); fatalErr != nil {
				return fatalErr
			}
			sleepCtx(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		p.infraFailures.Store(0)

		if depth, err := p.store.CountReadyJobs(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		if len(batch) == 0 {
			sleepCtx(ctx, p.cfg.WorkerPollInterval)
			continue
		}

		telemetry.JobsClaimed.Add(float64(len(batch)))
		p.runBatch(ctx, batch)
	}
}

// runBatch executes a claimed batch with a fixed-size pool: up to concurrency
// goroutines drain a shared index into the batch, so parallelism is bounded
// no matter how large the claim limit is.
func (p *Processor) runBatch(ctx context.Context, batch []models.Job) {
	n := p.cfg.WorkerConcurrency
	if n > len(batch) {
		n = len(batch)
	}
	if n < 1 {
		n = 1
	}

	var next atomic.Int64
	next.Store(-1)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				idx := next.Add(1)
				if idx >= int64(len(batch)) {
					return
				}
				p.execute(ctx, batch[idx])
			}
		}()
	}
	wg.Wait()
}

// execute runs one claimed job end to end: lifecycle events, handler
// dispatch, then the finalize decision. The job runs under a detached
// context so shutdown drains in-flight work instead of killing it.
func (p *Processor) execute(ctx context.Context, job models.Job) {
	jobCtx := context.WithoutCancel(ctx)

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	p.emitter.Status(jobCtx, job, models.StatusRunning, map[string]any{
		"attempt": job.Attempts,
		"worker":  p.workerID,
	})

	handler, err := p.registry.Resolve(job.JobType)
	if err != nil {
		// Unknown type can never succeed; fail terminally without retry.
		p.emitter.Status(jobCtx, job, models.StatusFailed, map[string]any{"error": err.Error()})
		if ferr := p.store.MarkFailed(jobCtx, job.ID, p.workerID, err.Error()); ferr != nil {
			p.noteFinalizeError("finalize unknown-type job", job, ferr)
			return
		}
		telemetry.JobsFailed.Inc()
		return
	}

	start := time.Now()
	err = handler(jobCtx, job)
	if err == nil {
		p.emitter.Status(jobCtx, job, models.StatusCompleted, map[string]any{
			"duration_ms": time.Since(start).Milliseconds(),
		})
		if ferr := p.store.MarkCompleted(jobCtx, job.ID, p.workerID); ferr != nil {
			p.noteFinalizeError("mark completed", job, ferr)
			return
		}
		telemetry.JobsCompleted.Inc()
		return
	}

	p.emitter.Status(jobCtx, job, models.StatusFailed, map[string]any{
		"error":   err.Error(),
		"attempt": job.Attempts,
	})
	p.finalizeFailure(jobCtx, job, err)
}

// finalizeFailure applies the retry-or-fail decision once, synchronously, by
// the worker that attempted the job.
func (p *Processor) finalizeFailure(ctx context.Context, job models.Job, cause error) {
	if retriable(job) {
		delay := retryDelay(p.cfg.RetryBackoffBase, job.Attempts)
		if err := p.store.ScheduleRetry(ctx, job.ID, p.workerID, delay, cause.Error()); err != nil {
			p.noteFinalizeError("schedule retry", job, err)
			return
		}
		telemetry.JobsRetried.Inc()
		p.logger.Warn("job attempt failed, retry scheduled",
			slog.String("job_id", job.ID),
			slog.Int("attempt", job.Attempts),
			slog.Duration("delay", delay),
			slog.String("error", cause.Error()),
		)
		return
	}

	if err := p.store.MarkFailed(ctx, job.ID, p.workerID, cause.Error()); err != nil {
		p.noteFinalizeError("mark failed", job, err)
		return
	}
	telemetry.JobsFailed.Inc()
	p.logger.Error("job terminally failed",
		slog.String("job_id", job.ID),
		slog.Int("attempts", job.Attempts),
		slog.String("error", cause.Error()),
	)
}

// noteFinalizeError logs a failed finalize. A lost lease means the job was
// reclaimed while this worker ran it; whoever re-claimed it owns the outcome,
// so the only correct move is to walk away quietly.
func (p *Processor) noteFinalizeError(op string, job models.Job, err error) {
	if errors.Is(err, store.ErrLeaseLost) {
		p.logger.Warn("lease lost before finalize, skipping",
			slog.String("op", op),
			slog.String("job_id", job.ID),
		)
		return
	}
	p.logger.Error(op+" failed", slog.String("job_id", job.ID), slog.String("error", err.Error()))
}

// retriable reports whether a failed attempt has budget left. Attempts are
// incremented at claim time, so a job with attempts == max_attempts has just
// used its final attempt.
func retriable(job models.Job) bool {
	return job.Attempts < job.MaxAttempts
}

// reclaimLoop periodically returns stale-leased jobs to the queue. Every
// worker runs this sweep; the store makes concurrent sweeps idempotent.
func (p *Processor) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		reclaimed, err := p.store.ReclaimStale(ctx, p.cfg.LeaseStaleAfter)
		if err != nil {
			if ctx.Err() == nil {
				_ = p.noteInfraFailure("reclaim", err)
			}
			continue
		}
		if reclaimed > 0 {
			telemetry.JobsReclaimed.Add(float64(reclaimed))
			p.logger.Warn("reclaimed stale jobs", slog.Int64("count", reclaimed))
		}
	}
}

// noteInfraFailure counts a store-level failure and returns a fatal error
// once the consecutive threshold is crossed.
func (p *Processor) noteInfraFailure(op string, err error) error {
	failures := p.infraFailures.Add(1)
	p.logger.Error("infrastructure error",
		slog.String("op", op),
		slog.Int64("consecutive", failures),
		slog.String("error", err.Error()),
	)
	if failures >= int64(p.cfg.MaxInfraFailures) {
		return fmt.Errorf("%d consecutive infrastructure errors, last from %s: %w", failures, op, err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
