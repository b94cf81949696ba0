package orchestrator

import (
	"context"

	"github.com/ShayCichocki/conductor/internal/notify"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// transitions lists the allowed targets of each status. Failed is also
// reachable from every non-terminal status.
var transitions = map[models.RunStatus][]models.RunStatus{
	models.RunNotStarted:         {models.RunInProgress},
	models.RunInProgress:         {models.RunAwaitingEscalation, models.RunReview},
	models.RunAwaitingEscalation: {models.RunInProgress},
	models.RunReview:             {models.RunComplete},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to models.RunStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == models.RunFailed {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// transition moves s to status to, stamping timestamps and progress, and
// emits a state-changed event. It does not persist.
func (e *Engine) transition(ctx context.Context, s *models.WorkflowRunState, to models.RunStatus) error {
	from := s.Status
	if !CanTransition(from, to) {
		return &InvalidTransitionError{RunID: s.RunID, From: from, To: to}
	}

	now := e.now()
	s.Status = to
	s.UpdatedAt = now
	switch to {
	case models.RunInProgress:
		if s.StartedAt == nil {
			s.StartedAt = &now
		}
	case models.RunComplete, models.RunFailed:
		s.CompletedAt = &now
	}
	s.RecomputeProgress()

	e.logger.Log("[engine] run %s: %s -> %s (%.2f%%)", s.RunID, from, to, s.ProgressPercentage)
	notify.Send(ctx, e.sink, e.logger, notify.Event{
		Kind:         notify.RunStateChanged,
		RunID:        s.RunID,
		StepID:       s.CurrentStepID,
		EscalationID: s.PendingEscalationID,
		From:         string(from),
		Status:       string(to),
		Progress:     s.ProgressPercentage,
		Timestamp:    now,
	})
	return nil
}
