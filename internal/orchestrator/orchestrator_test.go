package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-orchestrator/internal/events"
	"agent-orchestrator/internal/models"
)

type fakeSink struct {
	mu     sync.Mutex
	events []models.JobEvent
	nextID int64
}

func (f *fakeSink) AppendEvent(_ context.Context, e models.JobEvent) (models.JobEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	e.ID = f.nextID
	e.CreatedAt = time.Now()
	f.events = append(f.events, e)
	return e, nil
}

func (f *fakeSink) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, e := range f.events {
		out[i] = e.Message
	}
	return out
}

type fakeGates struct {
	mu       sync.Mutex
	upserts  int
	approval models.Approval
}

func (f *fakeGates) UpsertPendingApproval(_ context.Context, projectID string, phase int, actionType string, payload map[string]any, risk string) (models.Approval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	f.approval = models.Approval{
		ID:         "appr-1",
		ProjectID:  projectID,
		Phase:      phase,
		ActionType: actionType,
		Payload:    payload,
		Status:     models.ApprovalPending,
		Version:    1,
		Risk:       risk,
	}
	return f.approval, nil
}

type fakeUploader struct {
	uploads map[string][]byte
}

func (f *fakeUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	if f.uploads == nil {
		f.uploads = map[string][]byte{}
	}
	f.uploads[key] = body
	return "mem://" + key, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testJob(payload map[string]any) models.Job {
	return models.Job{
		ID:        "job-1",
		ProjectID: "proj-1",
		JobType:   JobTypePhaseRun,
		AgentKey:  AgentKeyPhaseRunner,
		Payload:   payload,
	}
}

func newRunner(sink *fakeSink, gates *fakeGates, gen Generator, timeout time.Duration) *PhaseRunner {
	emitter := events.New(sink, discardLogger())
	return NewPhaseRunner(gates, emitter, &fakeUploader{}, gen, timeout, discardLogger())
}

func TestPhaseRunSuccessCreatesGate(t *testing.T) {
	sink := &fakeSink{}
	gates := &fakeGates{}
	runner := newRunner(sink, gates, StubGenerator{}, time.Minute)

	job := testJob(map[string]any{"phase": float64(1), "idea": "artisanal llamas"})
	require.NoError(t, runner.Handle(context.Background(), job))

	assert.Equal(t, 1, gates.upserts, "exactly one pending gate per run")
	assert.Equal(t, "proj-1", gates.approval.ProjectID)
	assert.Equal(t, 1, gates.approval.Phase)
	assert.Equal(t, models.RiskLow, gates.approval.Risk)

	msgs := sink.messages()
	for _, want := range []string{
		"step init running", "step init completed",
		"step generate running", "step generate completed",
		"step persist-and-gate running", "step persist-and-gate completed",
	} {
		assert.Contains(t, msgs, want)
	}
}

func TestPhaseRunFailureClosesStepMarker(t *testing.T) {
	sink := &fakeSink{}
	runner := newRunner(sink, &fakeGates{}, StubGenerator{}, time.Minute)

	job := testJob(map[string]any{"phase": float64(1), "should_fail": true})
	err := runner.Handle(context.Background(), job)
	require.Error(t, err)

	msgs := sink.messages()
	assert.Contains(t, msgs, "step generate failed")
	assert.NotContains(t, msgs, "step generate completed")
	// No marker may remain open: every "running" has a matching close.
	assert.Equal(t, countPrefix(msgs, "running"), countPrefix(msgs, "completed")+countPrefix(msgs, "failed"))
}

type blockingGenerator struct{}

func (blockingGenerator) Generate(ctx context.Context, _ models.Job, _ int, _ string) (Artifact, error) {
	<-ctx.Done()
	return Artifact{}, ctx.Err()
}

func TestPhaseRunTimeoutFailsOpenSteps(t *testing.T) {
	sink := &fakeSink{}
	gates := &fakeGates{}
	runner := newRunner(sink, gates, blockingGenerator{}, 20*time.Millisecond)

	job := testJob(map[string]any{"phase": float64(2)})
	err := runner.Handle(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Zero(t, gates.upserts, "a timed-out run must not create a gate")

	msgs := sink.messages()
	assert.Contains(t, msgs, "step generate running")
	assert.Contains(t, msgs, "step generate failed",
		"the open marker must be retroactively closed as failed")
}

func TestRunParamsIdempotencyKey(t *testing.T) {
	a := RunParams("proj-1", 2, "tighten the copy", "v3")
	b := RunParams("proj-1", 2, "tighten the copy", "v3")
	assert.Equal(t, a.IdempotencyKey, b.IdempotencyKey,
		"same trigger must dedupe to one run")

	c := RunParams("proj-1", 2, "", "v4")
	assert.NotEqual(t, a.IdempotencyKey, c.IdempotencyKey,
		"a new decision version is a new run")

	assert.Equal(t, JobTypePhaseRun, a.JobType)
	assert.Equal(t, "tighten the copy", a.Payload["guidance"])
}

func countPrefix(msgs []string, suffix string) int {
	n := 0
	for _, m := range msgs {
		if strings.HasPrefix(m, "step ") && strings.HasSuffix(m, suffix) {
			n++
		}
	}
	return n
}
