package models

import (
	"math"
	"time"
)

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	// RunNotStarted indicates the run exists but has not begun executing.
	RunNotStarted RunStatus = "not_started"
	// RunInProgress indicates steps are being executed.
	RunInProgress RunStatus = "in_progress"
	// RunAwaitingEscalation indicates the run is parked on a human decision.
	RunAwaitingEscalation RunStatus = "awaiting_escalation"
	// RunReview indicates all steps finished and the run awaits acceptance.
	RunReview RunStatus = "review"
	// RunComplete indicates the run was accepted.
	RunComplete RunStatus = "complete"
	// RunFailed indicates the run stopped on an unrecoverable error or cancellation.
	RunFailed RunStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s RunStatus) Valid() bool {
	switch s {
	case RunNotStarted, RunInProgress, RunAwaitingEscalation, RunReview, RunComplete, RunFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true for Complete and Failed.
func (s RunStatus) Terminal() bool {
	return s == RunComplete || s == RunFailed
}

// Error classes recorded in an ErrorSummary.
const (
	ErrorClassTransient = "transient"
	ErrorClassPermanent = "permanent"
	ErrorClassCancelled = "cancelled"
	ErrorClassTimeout   = "timeout"
)

// ErrorSummary describes why a run failed.
type ErrorSummary struct {
	StepID  string `json:"step_id,omitempty" yaml:"step_id,omitempty"`
	Class   string `json:"class" yaml:"class"`
	Retries int    `json:"retries" yaml:"retries"`
	Message string `json:"message" yaml:"message"`
}

// WorkspaceHandle identifies the isolated workspace allocated to a run.
type WorkspaceHandle struct {
	Name   string `json:"name" yaml:"name"`
	Path   string `json:"path" yaml:"path"`
	Kind   string `json:"kind" yaml:"kind"`
	Branch string `json:"branch,omitempty" yaml:"branch,omitempty"`
}

// WorkflowRunState is the mutable state of a single run. It is owned by
// the engine executing the run and copied into checkpoints.
type WorkflowRunState struct {
	RunID               string           `json:"run_id" yaml:"run_id"`
	WorkflowName        string           `json:"workflow_name" yaml:"workflow_name"`
	Status              RunStatus        `json:"status" yaml:"status"`
	CurrentStepID       string           `json:"current_step_id,omitempty" yaml:"current_step_id,omitempty"`
	CompletedStepIDs    []string         `json:"completed_step_ids" yaml:"completed_step_ids"`
	TotalSteps          int              `json:"total_steps" yaml:"total_steps"`
	ProgressPercentage  float64          `json:"progress_percentage" yaml:"progress_percentage"`
	StartedAt           *time.Time       `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt         *time.Time       `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	UpdatedAt           time.Time        `json:"updated_at" yaml:"updated_at"`
	Variables           map[string]Value `json:"variables" yaml:"variables"`
	PendingEscalationID string           `json:"pending_escalation_id,omitempty" yaml:"pending_escalation_id,omitempty"`
	EscalationCount     int              `json:"escalation_count" yaml:"escalation_count"`
	MaxEscalations      int              `json:"max_escalations" yaml:"max_escalations"`
	Decisions           []Decision       `json:"decisions,omitempty" yaml:"decisions,omitempty"`
	Workspace           *WorkspaceHandle `json:"workspace,omitempty" yaml:"workspace,omitempty"`
	Paused              bool             `json:"paused,omitempty" yaml:"paused,omitempty"`
	RequireReview       bool             `json:"require_review,omitempty" yaml:"require_review,omitempty"`
	Fingerprint         string           `json:"fingerprint,omitempty" yaml:"fingerprint,omitempty"`
	Error               *ErrorSummary    `json:"error,omitempty" yaml:"error,omitempty"`
}

// NewRunState returns a NotStarted run for the given workflow.
func NewRunState(runID, workflowName string, totalSteps int) *WorkflowRunState {
	return &WorkflowRunState{
		RunID:            runID,
		WorkflowName:     workflowName,
		Status:           RunNotStarted,
		CompletedStepIDs: []string{},
		TotalSteps:       totalSteps,
		Variables:        map[string]Value{},
		UpdatedAt:        time.Now().UTC(),
	}
}

// Clone returns a deep copy of the run state.
func (s *WorkflowRunState) Clone() *WorkflowRunState {
	if s == nil {
		return nil
	}
	cp := *s
	cp.CompletedStepIDs = append([]string{}, s.CompletedStepIDs...)
	cp.Variables = CloneValues(s.Variables)
	if cp.Variables == nil {
		cp.Variables = map[string]Value{}
	}
	if s.Decisions != nil {
		cp.Decisions = make([]Decision, len(s.Decisions))
		for i, d := range s.Decisions {
			cp.Decisions[i] = d
			cp.Decisions[i].Context = CloneValues(d.Context)
		}
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		cp.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		cp.CompletedAt = &t
	}
	if s.Workspace != nil {
		w := *s.Workspace
		cp.Workspace = &w
	}
	if s.Error != nil {
		e := *s.Error
		cp.Error = &e
	}
	return &cp
}

// IsCompleted reports whether stepID has finished.
func (s *WorkflowRunState) IsCompleted(stepID string) bool {
	for _, id := range s.CompletedStepIDs {
		if id == stepID {
			return true
		}
	}
	return false
}

// MarkCompleted appends stepID to the completed set if absent.
func (s *WorkflowRunState) MarkCompleted(stepID string) {
	if !s.IsCompleted(stepID) {
		s.CompletedStepIDs = append(s.CompletedStepIDs, stepID)
	}
}

// RecomputeProgress derives ProgressPercentage from the completed set.
func (s *WorkflowRunState) RecomputeProgress() {
	if s.TotalSteps <= 0 {
		s.ProgressPercentage = 0
		return
	}
	pct := float64(len(s.CompletedStepIDs)) / float64(s.TotalSteps) * 100
	s.ProgressPercentage = math.Round(pct*100) / 100
}

// LatestDecision returns the most recent decision recorded for a step and key.
func (s *WorkflowRunState) LatestDecision(stepID, key string) (Decision, bool) {
	for i := len(s.Decisions) - 1; i >= 0; i-- {
		d := s.Decisions[i]
		if d.StepID == stepID && d.Key == key {
			return d, true
		}
	}
	return Decision{}, false
}

// Checkpoint is an immutable snapshot of a run state.
type Checkpoint struct {
	RunID           string           `json:"run_id"`
	Sequence        int64            `json:"sequence"`
	CreatedAtStepID string           `json:"created_at_step_id"`
	Label           string           `json:"label"`
	State           WorkflowRunState `json:"state"`
	CreatedAt       time.Time        `json:"created_at"`
}

// RunResult is returned by every engine entry point that advances a run.
type RunResult struct {
	RunID                    string           `json:"run_id"`
	Status                   RunStatus        `json:"status"`
	Variables                map[string]Value `json:"variables"`
	ProgressPercentage       float64          `json:"progress_percentage"`
	EscalationCount          int              `json:"escalation_count"`
	EscalationBudgetExceeded bool             `json:"escalation_budget_exceeded"`
	PendingEscalationID      string           `json:"pending_escalation_id,omitempty"`
	Paused                   bool             `json:"paused,omitempty"`
	Error                    *ErrorSummary    `json:"error,omitempty"`
}

// ResultFromState builds a RunResult snapshot from a run state.
func ResultFromState(s *WorkflowRunState) *RunResult {
	return &RunResult{
		RunID:                    s.RunID,
		Status:                   s.Status,
		Variables:                CloneValues(s.Variables),
		ProgressPercentage:       s.ProgressPercentage,
		EscalationCount:          s.EscalationCount,
		EscalationBudgetExceeded: s.MaxEscalations > 0 && s.EscalationCount > s.MaxEscalations,
		PendingEscalationID:      s.PendingEscalationID,
		Paused:                   s.Paused,
		Error:                    s.Error,
	}
}
