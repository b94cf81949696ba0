package models

import "time"

// EscalationStatus is the lifecycle state of an escalation.
type EscalationStatus string

const (
	// EscalationPending awaits a human response.
	EscalationPending EscalationStatus = "pending"
	// EscalationResolved has received its single response.
	EscalationResolved EscalationStatus = "resolved"
	// EscalationCancelled was withdrawn because its run was cancelled or failed.
	EscalationCancelled EscalationStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s EscalationStatus) Valid() bool {
	switch s {
	case EscalationPending, EscalationResolved, EscalationCancelled:
		return true
	default:
		return false
	}
}

// Escalation is a durable request for a human decision.
type Escalation struct {
	ID               string           `json:"id"`
	WorkflowRunID    string           `json:"workflow_run_id"`
	WorkflowName     string           `json:"workflow_name,omitempty"`
	Category         string           `json:"category,omitempty"`
	StepID           string           `json:"step_id"`
	DecisionKey      string           `json:"decision_key,omitempty"`
	Question         string           `json:"question"`
	AIReasoning      string           `json:"ai_reasoning,omitempty"`
	Confidence       float64          `json:"confidence"`
	ProposedValue    *Value           `json:"proposed_value,omitempty"`
	Context          map[string]Value `json:"context,omitempty"`
	Status           EscalationStatus `json:"status"`
	CreatedAt        time.Time        `json:"created_at"`
	ResolvedAt       *time.Time       `json:"resolved_at,omitempty"`
	Response         *Value           `json:"response,omitempty"`
	ResolutionTimeMs *int64           `json:"resolution_time_ms,omitempty"`
	CancelledAt      *time.Time       `json:"cancelled_at,omitempty"`
	CancelReason     string           `json:"cancel_reason,omitempty"`
}

// EscalationFilter narrows an escalation listing. Zero fields match everything.
type EscalationFilter struct {
	Status        EscalationStatus
	WorkflowRunID string
	Category      string
	Limit         int
}

// EscalationMetrics aggregates all stored escalations.
type EscalationMetrics struct {
	TotalEscalations        int            `json:"total_escalations"`
	PendingCount            int            `json:"pending_count"`
	ResolvedCount           int            `json:"resolved_count"`
	CancelledCount          int            `json:"cancelled_count"`
	AverageResolutionTimeMs float64        `json:"average_resolution_time_ms"`
	CategoryBreakdown       map[string]int `json:"category_breakdown"`
}
