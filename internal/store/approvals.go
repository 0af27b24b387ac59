package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"agent-orchestrator/internal/models"
)

// ErrApprovalNotFound is returned when an approval id does not exist.
var ErrApprovalNotFound = errors.New("approval not found")

// ErrVersionConflict is returned when a decision presents a stale version.
// The caller must re-read and decide again; the write is never forced.
var ErrVersionConflict = errors.New("approval version conflict")

const approvalColumns = `id, project_id, phase, action_type, payload, status, version, risk,
	guidance, decided_via, created_at, updated_at`

// UpsertPendingApproval creates the pending gate for (project, phase,
// action_type). If a pending record already exists for the gate it is
// superseded first: moved to revised with decided_via=system so the audit
// trail distinguishes it from a human decision. At most one pending record
// per gate exists at any time (also enforced by a partial unique index).
func (s *Store) UpsertPendingApproval(ctx context.Context, projectID string, phase int, actionType string, payload map[string]any, risk string) (models.Approval, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return models.Approval{}, fmt.Errorf("marshal approval payload: %w", err)
	}
	if risk == "" {
		risk = models.RiskMedium
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Approval{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		UPDATE approvals
		SET status = $4, version = version + 1, decided_via = $5, updated_at = NOW()
		WHERE project_id = $1 AND phase = $2 AND action_type = $3 AND status = $6
	`, projectID, phase, actionType, models.ApprovalRevised, models.DecidedViaSystem, models.ApprovalPending)
	if err != nil {
		return models.Approval{}, fmt.Errorf("supersede pending approval: %w", err)
	}

	id := uuid.New().String()
	row := tx.QueryRow(ctx, `
		INSERT INTO approvals (id, project_id, phase, action_type, payload, risk)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+approvalColumns,
		id, projectID, phase, actionType, payloadJSON, risk)
	approval, err := scanApproval(row)
	if err != nil {
		return models.Approval{}, fmt.Errorf("insert approval: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Approval{}, fmt.Errorf("commit: %w", err)
	}
	return approval, nil
}

// GetApproval fetches an approval by id.
func (s *Store) GetApproval(ctx context.Context, id string) (models.Approval, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = $1`, id)
	approval, err := scanApproval(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Approval{}, ErrApprovalNotFound
	}
	if err != nil {
		return models.Approval{}, fmt.Errorf("scan approval: %w", err)
	}
	return approval, nil
}

// DecideApproval applies a human decision with optimistic concurrency: the
// write is conditioned on the version the caller last observed and on the
// record still being pending. Version bump and status change land in one
// statement; a zero-row result means the caller lost the race and gets
// ErrVersionConflict (or ErrApprovalNotFound if the id is bogus).
func (s *Store) DecideApproval(ctx context.Context, id, decision string, expectedVersion int, guidance string) (models.Approval, error) {
	var guidancePtr *string
	if guidance != "" {
		guidancePtr = &guidance
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE approvals
		SET status = $2, version = version + 1, guidance = COALESCE($4, guidance),
		    decided_via = $5, updated_at = NOW()
		WHERE id = $1 AND version = $3 AND status = $6
		RETURNING `+approvalColumns,
		id, decision, expectedVersion, guidancePtr, models.DecidedViaHuman, models.ApprovalPending)

	approval, err := scanApproval(row)
	if err == nil {
		return approval, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Approval{}, fmt.Errorf("decide approval: %w", err)
	}

	// Distinguish a stale version from a missing record.
	if _, getErr := s.GetApproval(ctx, id); getErr != nil {
		return models.Approval{}, getErr
	}
	return models.Approval{}, ErrVersionConflict
}

// ListPendingApprovals returns pending gates for a project, oldest first.
func (s *Store) ListPendingApprovals(ctx context.Context, projectID string) ([]models.Approval, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+approvalColumns+` FROM approvals
		WHERE project_id = $1 AND status = $2
		ORDER BY created_at ASC
	`, projectID, models.ApprovalPending)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()

	var approvals []models.Approval
	for rows.Next() {
		approval, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		approvals = append(approvals, approval)
	}
	return approvals, rows.Err()
}

// ProjectPhase returns the project's current phase counter, zero if the
// project has no row yet.
func (s *Store) ProjectPhase(ctx context.Context, projectID string) (int, error) {
	var phase int
	err := s.pool.QueryRow(ctx, `
		SELECT phase FROM project_phases WHERE project_id = $1
	`, projectID).Scan(&phase)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query project phase: %w", err)
	}
	return phase, nil
}

// AdvancePhase bumps the project's phase counter past fromPhase. The guard on
// the stored value keeps a duplicate decision from advancing twice.
func (s *Store) AdvancePhase(ctx context.Context, projectID string, fromPhase int) (int, error) {
	var phase int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO project_phases (project_id, phase)
		VALUES ($1, $2 + 1)
		ON CONFLICT (project_id) DO UPDATE
		SET phase = $2 + 1, updated_at = NOW()
		WHERE project_phases.phase = $2
		RETURNING phase
	`, projectID, fromPhase).Scan(&phase)
	if errors.Is(err, pgx.ErrNoRows) {
		// Phase already moved; report the stored value.
		return s.ProjectPhase(ctx, projectID)
	}
	if err != nil {
		return 0, fmt.Errorf("advance phase: %w", err)
	}
	return phase, nil
}

func scanApproval(row rowScanner) (models.Approval, error) {
	var a models.Approval
	var payloadJSON []byte
	if err := row.Scan(
		&a.ID, &a.ProjectID, &a.Phase, &a.ActionType, &payloadJSON, &a.Status,
		&a.Version, &a.Risk, &a.Guidance, &a.DecidedVia, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return models.Approval{}, err
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &a.Payload); err != nil {
			return models.Approval{}, fmt.Errorf("unmarshal approval payload: %w", err)
		}
	}
	return a, nil
}
