// Package orchestrator sequences a project's generation runs. Each phase run
// is a short linear pipeline of named steps executed as a job handler, gated
// behind a human approval before the phase advances.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"agent-orchestrator/internal/artifact"
	"agent-orchestrator/internal/events"
	"agent-orchestrator/internal/models"
	"agent-orchestrator/internal/store"
)

// JobTypePhaseRun is the job type that executes one phase generation run.
const JobTypePhaseRun = "phase.run"

// AgentKeyPhaseRunner attributes phase-run events in the stream.
const AgentKeyPhaseRunner = "phase-runner"

// Artifact is the output of a generation run: opaque bytes plus metadata the
// approval gate shows to the reviewer.
type Artifact struct {
	ActionType  string
	Body        []byte
	ContentType string
	Summary     map[string]any
	Confidence  float64
}

// Generator produces a phase's artifact. It is the external collaborator
// boundary: AI calls, rendering, and prompt content live behind it.
type Generator interface {
	Generate(ctx context.Context, job models.Job, phase int, guidance string) (Artifact, error)
}

// GateStore is the approval persistence the runner needs.
type GateStore interface {
	UpsertPendingApproval(ctx context.Context, projectID string, phase int, actionType string, payload map[string]any, risk string) (models.Approval, error)
}

// PhaseRunner executes phase.run jobs: init -> generate -> persist-and-gate.
type PhaseRunner struct {
	gates     GateStore
	emitter   *events.Emitter
	artifacts artifact.Uploader
	generator Generator
	timeout   time.Duration
	logger    *slog.Logger
}

func NewPhaseRunner(gates GateStore, emitter *events.Emitter, artifacts artifact.Uploader, generator Generator, timeout time.Duration, logger *slog.Logger) *PhaseRunner {
	return &PhaseRunner{
		gates:     gates,
		emitter:   emitter,
		artifacts: artifacts,
		generator: generator,
		timeout:   timeout,
		logger:    logger,
	}
}

// RunParams builds the enqueue parameters for a new phase run. The
// idempotency key ties the run to what triggered it (an approval decision at
// a specific version, or an external kickoff token), so re-submitting the
// same trigger never spawns a second run.
func RunParams(projectID string, phase int, guidance, trigger string) store.EnqueueParams {
	payload := map[string]any{"phase": phase}
	if guidance != "" {
		payload["guidance"] = guidance
	}
	return store.EnqueueParams{
		ProjectID:      projectID,
		JobType:        JobTypePhaseRun,
		AgentKey:       AgentKeyPhaseRunner,
		Payload:        payload,
		IdempotencyKey: fmt.Sprintf("phase-run:%s:p%d:%s", projectID, phase, trigger),
	}
}

// Handle runs the pipeline for one phase.run job. The whole run is wrapped
// in a timeout; on timeout or failure every still-open step marker is closed
// as failed so observers never see a step stuck at running.
func (r *PhaseRunner) Handle(ctx context.Context, job models.Job) error {
	phase := intField(job.Payload, "phase")
	guidance, _ := job.Payload["guidance"].(string)

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	r.logger.Info("phase run started",
		slog.String("project_id", job.ProjectID),
		slog.String("job_id", job.ID),
		slog.Int("phase", phase),
	)

	run := &phaseRun{runner: r, job: job}
	err := run.execute(runCtx, phase, guidance)
	if err != nil {
		// Close markers with the parent context: runCtx may already be dead.
		run.closeOpenSteps(ctx, err)
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("phase %d run timed out after %s", phase, r.timeout)
		}
		return err
	}
	return nil
}

// phaseRun tracks step lifecycle markers for one execution.
type phaseRun struct {
	runner    *PhaseRunner
	job       models.Job
	openSteps []string
}

func (pr *phaseRun) execute(ctx context.Context, phase int, guidance string) error {
	if err := pr.step(ctx, "init", func(ctx context.Context) error {
		if phase < 0 {
			return fmt.Errorf("invalid phase %d", phase)
		}
		return nil
	}); err != nil {
		return err
	}

	var art Artifact
	if err := pr.step(ctx, "generate", func(ctx context.Context) error {
		var err error
		art, err = pr.runner.generator.Generate(ctx, pr.job, phase, guidance)
		if err != nil {
			return fmt.Errorf("generate phase artifact: %w", err)
		}
		if art.ActionType == "" {
			return errors.New("generator returned artifact without action type")
		}
		return nil
	}); err != nil {
		return err
	}

	return pr.step(ctx, "persist-and-gate", func(ctx context.Context) error {
		key := fmt.Sprintf("%s/phase-%d/%s", pr.job.ProjectID, phase, pr.job.ID)
		location, err := pr.runner.artifacts.Upload(ctx, key, art.Body, art.ContentType)
		if err != nil {
			return fmt.Errorf("persist artifact: %w", err)
		}

		payload := map[string]any{
			"artifact_location": location,
			"confidence":        art.Confidence,
			"summary":           art.Summary,
			"source_job_id":     pr.job.ID,
		}
		approval, err := pr.runner.gates.UpsertPendingApproval(ctx, pr.job.ProjectID, phase,
			art.ActionType, payload, models.RiskFromConfidence(art.Confidence))
		if err != nil {
			return fmt.Errorf("create approval gate: %w", err)
		}

		pr.runner.emitter.Emit(ctx, pr.job, models.EventArtifact, "artifact persisted, approval pending", map[string]any{
			"location":    location,
			"approval_id": approval.ID,
			"action_type": art.ActionType,
			"risk":        approval.Risk,
		})
		return nil
	})
}

// step emits a running marker, executes fn, and closes the marker with an
// explicit completed or failed event carrying enough detail to reconstruct
// what happened without re-running.
func (pr *phaseRun) step(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	pr.openSteps = append(pr.openSteps, name)
	pr.runner.emitter.Emit(ctx, pr.job, models.EventLog, "step "+name+" running", nil)

	start := time.Now()
	if err := fn(ctx); err != nil {
		if ctx.Err() != nil {
			// Run context is dead; the marker stays open and closeOpenSteps
			// fails it with the caller's live context.
			return err
		}
		pr.runner.emitter.Emit(ctx, pr.job, models.EventLog, "step "+name+" failed", map[string]any{
			"error":       err.Error(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		pr.openSteps = pr.openSteps[:len(pr.openSteps)-1]
		return err
	}

	pr.runner.emitter.Emit(ctx, pr.job, models.EventLog, "step "+name+" completed", map[string]any{
		"duration_ms": time.Since(start).Milliseconds(),
	})
	pr.openSteps = pr.openSteps[:len(pr.openSteps)-1]
	return nil
}

// closeOpenSteps retroactively fails markers left open by a timeout or panic
// path, so the observable stream never shows a step running forever.
func (pr *phaseRun) closeOpenSteps(ctx context.Context, cause error) {
	for i := len(pr.openSteps) - 1; i >= 0; i-- {
		pr.runner.emitter.Emit(ctx, pr.job, models.EventLog, "step "+pr.openSteps[i]+" failed", map[string]any{
			"error": cause.Error(),
		})
	}
	pr.openSteps = nil
}

func intField(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	default:
		return 0
	}
}
