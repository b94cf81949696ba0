package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ShayCichocki/conductor/internal/escalation"
	"github.com/ShayCichocki/conductor/internal/state"
	"github.com/ShayCichocki/conductor/internal/workflow"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// park escalates p and leaves the run in AwaitingEscalation. It returns
// without waiting for the answer.
func (e *Engine) park(ctx context.Context, r *activeRun, p *parkRequest) (*models.RunResult, error) {
	s := r.state
	s.CurrentStepID = p.stepID
	if _, err := e.store.AppendCheckpoint(s, p.stepID, "before-escalation"); err != nil {
		return nil, fmt.Errorf("checkpoint before escalation: %w", err)
	}

	if e.escalator == nil {
		return e.fail(ctx, r, failure{
			stepID:  p.stepID,
			class:   models.ErrorClassPermanent,
			message: fmt.Sprintf("decision %q needs a human but no escalation queue is configured", p.request.Key),
		})
	}

	id, err := e.escalator.Add(ctx, escalation.Request{
		RunID:        s.RunID,
		WorkflowName: s.WorkflowName,
		Category:     p.request.Category,
		StepID:       p.stepID,
		DecisionKey:  p.request.Key,
		Decision:     p.decision,
	})
	if err != nil {
		return e.fail(ctx, r, failure{
			stepID:  p.stepID,
			class:   models.ErrorClassPermanent,
			message: fmt.Sprintf("escalate decision %q: %v", p.request.Key, err),
		})
	}

	s.PendingEscalationID = id
	s.EscalationCount++
	if s.MaxEscalations > 0 && s.EscalationCount > s.MaxEscalations {
		e.logger.Log("[engine] run %s: escalation budget exceeded (%d of %d)", s.RunID, s.EscalationCount, s.MaxEscalations)
	}
	if err := e.transition(ctx, s, models.RunAwaitingEscalation); err != nil {
		return nil, err
	}
	if err := e.saveCheckpoint(r, p.stepID, "awaiting-escalation"); err != nil {
		return nil, err
	}
	e.logger.Log("[engine] run %s parked on escalation %s (step %s, key %s, confidence %.2f)",
		s.RunID, id, p.stepID, p.request.Key, p.decision.Confidence)
	return models.ResultFromState(s), nil
}

// answered returns the resolved escalation a parked run can continue
// with. A pending escalation is resolved with response first.
func (e *Engine) answered(ctx context.Context, s *models.WorkflowRunState, response *models.Value) (*models.Escalation, error) {
	if e.escalator == nil {
		return nil, fmt.Errorf("run %s is awaiting escalation %s but no escalation queue is configured", s.RunID, s.PendingEscalationID)
	}
	esc, err := e.escalator.Get(s.PendingEscalationID)
	if err != nil {
		return nil, fmt.Errorf("load escalation %s: %w", s.PendingEscalationID, err)
	}

	switch esc.Status {
	case models.EscalationPending:
		if response == nil {
			return nil, fmt.Errorf("run %s escalation %s: %w", s.RunID, esc.ID, ErrResponseRequired)
		}
		return e.escalator.Answer(ctx, esc.ID, *response)
	case models.EscalationResolved:
		if response != nil && (esc.Response == nil || !response.Equal(*esc.Response)) {
			return nil, fmt.Errorf("escalation %s: %w", esc.ID, escalation.ErrAlreadyResolved)
		}
		return esc, nil
	default:
		return nil, fmt.Errorf("escalation %s is %s: %w", esc.ID, esc.Status, escalation.ErrInvalidState)
	}
}

// continueAfter injects the human answer of esc into the parked run and
// executes it further.
func (e *Engine) continueAfter(ctx context.Context, stored *models.WorkflowRunState, esc *models.Escalation) (*models.RunResult, error) {
	r, err := e.restore(stored)
	if err != nil {
		return nil, err
	}
	s := r.state

	d := models.Decision{
		Question:   esc.Question,
		Value:      *esc.Response,
		Confidence: 1,
		Reasoning:  fmt.Sprintf("answered through escalation %s", esc.ID),
		Source:     models.SourceHuman,
		Timestamp:  e.now(),
		Context:    models.CloneValues(esc.Context),
		StepID:     esc.StepID,
		Key:        esc.DecisionKey,
	}
	if esc.ResolvedAt != nil {
		d.Timestamp = *esc.ResolvedAt
	}
	e.recordDecision(s, d)

	s.PendingEscalationID = ""
	s.Paused = false
	if err := e.transition(ctx, s, models.RunInProgress); err != nil {
		return nil, err
	}
	if err := e.saveCheckpoint(r, esc.StepID, "resumed"); err != nil {
		return nil, err
	}
	e.logger.Log("[engine] run %s resumed with answer to %s (%s = %s)", s.RunID, esc.ID, esc.DecisionKey, esc.Response.String())
	return e.runSegment(ctx, r, 0)
}

// restore rebuilds an active run from the stored record, its definition
// and its latest checkpoint.
func (e *Engine) restore(stored *models.WorkflowRunState) (*activeRun, error) {
	raw, err := e.store.GetDefinition(stored.RunID)
	if err != nil {
		if errors.Is(err, state.ErrRunNotFound) {
			return nil, fmt.Errorf("run %s: %w", stored.RunID, ErrRunNotFound)
		}
		return nil, err
	}
	var def workflow.Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("decode definition of run %s: %w", stored.RunID, err)
	}
	plan, err := workflow.BuildExecutionPlan(&def)
	if err != nil {
		return nil, err
	}
	if stored.Fingerprint != "" && plan.Fingerprint() != stored.Fingerprint {
		return nil, fmt.Errorf("run %s: %w", stored.RunID, ErrDefinitionChanged)
	}
	if err := e.checkExecutors(plan); err != nil {
		return nil, err
	}

	s := stored.Clone()
	cp, err := e.store.LatestCheckpoint(stored.RunID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if cp != nil {
		s = cp.State.Clone()
		s.Status = stored.Status
		s.PendingEscalationID = stored.PendingEscalationID
		s.EscalationCount = stored.EscalationCount
		s.Paused = stored.Paused
		s.Error = stored.Error
		s.UpdatedAt = stored.UpdatedAt
	}
	if s.Variables == nil {
		s.Variables = map[string]models.Value{}
	}
	return &activeRun{state: s, plan: plan, expect: state.ExpectOf(stored)}, nil
}

// checkExecutors verifies every step action has a registered executor.
func (e *Engine) checkExecutors(plan *workflow.ExecutionPlan) error {
	for _, id := range plan.Order() {
		step, _ := plan.Step(id)
		if _, ok := e.registry.Lookup(step.Action); !ok {
			return &workflow.ValidationError{
				Workflow: plan.Name(),
				StepID:   id,
				Reason:   fmt.Sprintf("no executor registered for action %q", step.Action),
			}
		}
	}
	return nil
}
