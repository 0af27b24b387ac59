package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"agent-orchestrator/internal/models"
)

// StubGenerator is the default Generator for local runs: it renders a small
// JSON artifact from the job payload instead of calling a real model.
// Payload knobs drive failure and latency simulation for testing.
type StubGenerator struct{}

func (StubGenerator) Generate(ctx context.Context, job models.Job, phase int, guidance string) (Artifact, error) {
	if fail, ok := job.Payload["should_fail"].(bool); ok && fail {
		return Artifact{}, errors.New("simulated failure requested by payload.should_fail")
	}
	if ms, ok := intFieldOK(job.Payload, "duration_ms"); ok && ms > 0 {
		select {
		case <-ctx.Done():
			return Artifact{}, ctx.Err()
		case <-time.After(time.Duration(ms) * time.Millisecond):
		}
	}

	body, err := json.Marshal(map[string]any{
		"project_id": job.ProjectID,
		"phase":      phase,
		"guidance":   guidance,
		"idea":       job.Payload["idea"],
	})
	if err != nil {
		return Artifact{}, fmt.Errorf("render stub artifact: %w", err)
	}

	confidence := 0.9
	if c, ok := job.Payload["confidence"].(float64); ok {
		confidence = c
	}

	return Artifact{
		ActionType:  fmt.Sprintf("phase_%d_review", phase),
		Body:        body,
		ContentType: "application/json",
		Summary:     map[string]any{"phase": phase, "stub": true},
		Confidence:  confidence,
	}, nil
}

func intFieldOK(payload map[string]any, key string) (int, bool) {
	switch v := payload[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	default:
		return 0, false
	}
}
