package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agent-orchestrator/internal/config"
	"agent-orchestrator/internal/events"
	"agent-orchestrator/internal/models"
	"agent-orchestrator/internal/store"
)

type finalizeCall struct {
	jobID    string
	workerID string
}

type fakeJobStore struct {
	mu        sync.Mutex
	completed []finalizeCall
	retried   []finalizeCall
	failed    []finalizeCall

	completeErr error
	retryErr    error
	failErr     error
}

func (f *fakeJobStore) ClaimJobs(context.Context, string, int) ([]models.Job, error) {
	return nil, nil
}

func (f *fakeJobStore) ReclaimStale(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func (f *fakeJobStore) CountReadyJobs(context.Context) (int64, error) {
	return 0, nil
}

func (f *fakeJobStore) MarkCompleted(_ context.Context, id, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeErr != nil {
		return f.completeErr
	}
	f.completed = append(f.completed, finalizeCall{jobID: id, workerID: workerID})
	return nil
}

func (f *fakeJobStore) ScheduleRetry(_ context.Context, id, workerID string, _ time.Duration, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.retryErr != nil {
		return f.retryErr
	}
	f.retried = append(f.retried, finalizeCall{jobID: id, workerID: workerID})
	return nil
}

func (f *fakeJobStore) MarkFailed(_ context.Context, id, workerID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	f.failed = append(f.failed, finalizeCall{jobID: id, workerID: workerID})
	return nil
}

type nullSink struct{}

func (nullSink) AppendEvent(_ context.Context, e models.JobEvent) (models.JobEvent, error) {
	return e, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestProcessor(t *testing.T, st *fakeJobStore, registry *Registry) *Processor {
	t.Helper()
	cfg := config.Config{
		ClaimBatchSize:    5,
		WorkerConcurrency: 2,
		RetryBackoffBase:  time.Millisecond,
	}
	emitter := events.New(nullSink{}, testLogger())
	return NewProcessor(cfg, st, registry, emitter, testLogger(), "worker-test")
}

func claimedJob(jobType string, attempts, maxAttempts int) models.Job {
	return models.Job{
		ID:          "job-1",
		ProjectID:   "proj-1",
		JobType:     jobType,
		Status:      models.StatusRunning,
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
	}
}

func TestExecuteSuccessFinalizesWithWorkerIdentity(t *testing.T) {
	st := &fakeJobStore{}
	registry := NewRegistry()
	registry.Register("noop", func(context.Context, models.Job) error { return nil })
	p := newTestProcessor(t, st, registry)

	p.execute(context.Background(), claimedJob("noop", 1, 3))

	if len(st.completed) != 1 {
		t.Fatalf("expected one completion, got %d", len(st.completed))
	}
	if st.completed[0].workerID != "worker-test" {
		t.Fatalf("finalize must carry the executing worker's identity, got %q", st.completed[0].workerID)
	}
	if len(st.retried) != 0 || len(st.failed) != 0 {
		t.Fatalf("a successful job must not be retried or failed")
	}
}

func TestExecuteRetriableFailureSchedulesRetry(t *testing.T) {
	st := &fakeJobStore{}
	registry := NewRegistry()
	registry.Register("boom", func(context.Context, models.Job) error { return errors.New("boom") })
	p := newTestProcessor(t, st, registry)

	p.execute(context.Background(), claimedJob("boom", 1, 3))

	if len(st.retried) != 1 {
		t.Fatalf("attempt 1 of 3 must schedule a retry, got %d", len(st.retried))
	}
	if st.retried[0].workerID != "worker-test" {
		t.Fatalf("retry must carry the executing worker's identity, got %q", st.retried[0].workerID)
	}
	if len(st.failed) != 0 {
		t.Fatalf("a retriable failure must not fail terminally")
	}
}

func TestExecuteExhaustedAttemptsFailsTerminally(t *testing.T) {
	st := &fakeJobStore{}
	registry := NewRegistry()
	registry.Register("boom", func(context.Context, models.Job) error { return errors.New("boom") })
	p := newTestProcessor(t, st, registry)

	p.execute(context.Background(), claimedJob("boom", 3, 3))

	if len(st.failed) != 1 {
		t.Fatalf("final attempt must fail terminally, got %d failures", len(st.failed))
	}
	if len(st.retried) != 0 {
		t.Fatalf("no retry budget left, must not schedule a retry")
	}
}

func TestExecuteUnknownTypeFailsWithoutRetry(t *testing.T) {
	st := &fakeJobStore{}
	p := newTestProcessor(t, st, NewRegistry())

	p.execute(context.Background(), claimedJob("no.such.type", 1, 3))

	if len(st.failed) != 1 {
		t.Fatalf("unknown job type must fail terminally, got %d failures", len(st.failed))
	}
	if len(st.retried) != 0 {
		t.Fatalf("unknown job type must never be retried")
	}
}

// A worker that outlives its lease must not stomp the outcome of whoever
// re-claimed the job: a lost lease skips the finalize entirely.
func TestExecuteLeaseLostSkipsCompletion(t *testing.T) {
	st := &fakeJobStore{completeErr: store.ErrLeaseLost}
	registry := NewRegistry()
	registry.Register("slow", func(context.Context, models.Job) error { return nil })
	p := newTestProcessor(t, st, registry)

	p.execute(context.Background(), claimedJob("slow", 1, 3))

	if len(st.completed) != 0 || len(st.retried) != 0 || len(st.failed) != 0 {
		t.Fatalf("a lost lease must finalize nothing, got completed=%d retried=%d failed=%d",
			len(st.completed), len(st.retried), len(st.failed))
	}
}

func TestExecuteLeaseLostSkipsRetry(t *testing.T) {
	st := &fakeJobStore{retryErr: store.ErrLeaseLost}
	registry := NewRegistry()
	registry.Register("boom", func(context.Context, models.Job) error { return errors.New("boom") })
	p := newTestProcessor(t, st, registry)

	p.execute(context.Background(), claimedJob("boom", 1, 3))

	if len(st.retried) != 0 || len(st.failed) != 0 {
		t.Fatalf("a lost lease must not re-queue the job, got retried=%d failed=%d",
			len(st.retried), len(st.failed))
	}
}

func TestRunBatchBoundsConcurrency(t *testing.T) {
	st := &fakeJobStore{}
	registry := NewRegistry()

	var inFlight, peak atomic.Int64
	registry.Register("sleepy", func(context.Context, models.Job) error {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	})
	p := newTestProcessor(t, st, registry)

	batch := make([]models.Job, 6)
	for i := range batch {
		batch[i] = claimedJob("sleepy", 1, 3)
	}
	p.runBatch(context.Background(), batch)

	if got := peak.Load(); got > 2 {
		t.Fatalf("pool must never exceed configured concurrency 2, observed %d", got)
	}
	if len(st.completed) != len(batch) {
		t.Fatalf("every job in the batch must be finalized, got %d of %d", len(st.completed), len(batch))
	}
}
