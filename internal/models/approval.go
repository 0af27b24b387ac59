package models

import (
	"time"
)

// ApprovalStatus enumerates decision states for a human gate.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalDenied   = "denied"
	ApprovalRevised  = "revised"
)

// DecidedVia records what applied a state change to an approval, so a human
// decision and an administrative supersede stay distinguishable in the audit
// trail.
const (
	DecidedViaHuman  = "human"
	DecidedViaSystem = "system"
)

// Risk buckets used by the UI for triage. Derived from the artifact's
// confidence score; never consulted for correctness.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Approval is a versioned record representing a pending human decision that
// blocks a project's phase advancement.
type Approval struct {
	ID         string         `json:"id"`
	ProjectID  string         `json:"project_id"`
	Phase      int            `json:"phase"`
	ActionType string         `json:"action_type"`
	Payload    map[string]any `json:"payload"`
	Status     string         `json:"status"`
	Version    int            `json:"version"`
	Risk       string         `json:"risk"`
	Guidance   *string        `json:"guidance,omitempty"`
	DecidedVia *string        `json:"decided_via,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// RiskFromConfidence maps a generation confidence score onto a triage bucket.
func RiskFromConfidence(confidence float64) string {
	switch {
	case confidence >= 0.8:
		return RiskLow
	case confidence >= 0.5:
		return RiskMedium
	default:
		return RiskHigh
	}
}
