package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/conductor/internal/escalation"
	"github.com/ShayCichocki/conductor/internal/state"
	"github.com/ShayCichocki/conductor/internal/workflow"
	"github.com/ShayCichocki/conductor/internal/workspace"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// runIDPattern limits caller-chosen run ids to names that are safe as a
// single path element under the data directory.
var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Start creates a run of def and executes it until it parks on an
// escalation, pauses, fails or finishes. A run that fails is reported in
// the result, not as an error.
func (e *Engine) Start(ctx context.Context, def *workflow.Definition, opts StartOptions) (*models.RunResult, error) {
	if opts.RunID != "" && !runIDPattern.MatchString(opts.RunID) {
		return nil, fmt.Errorf("start run %q: %w", opts.RunID, ErrInvalidRunID)
	}
	plan, err := workflow.BuildExecutionPlan(def)
	if err != nil {
		return nil, err
	}
	if err := e.checkExecutors(plan); err != nil {
		return nil, err
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	unlock, ok := e.locks.TryLock(runID)
	if !ok {
		return nil, fmt.Errorf("start run %s: %w", runID, ErrRunBusy)
	}
	defer unlock()

	s := models.NewRunState(runID, plan.Name(), plan.Len())
	s.UpdatedAt = e.now()
	s.MaxEscalations = e.cfg.MaxEscalations
	if opts.MaxEscalations > 0 {
		s.MaxEscalations = opts.MaxEscalations
	}
	s.RequireReview = e.cfg.RequireReview || opts.RequireReview
	s.Fingerprint = plan.Fingerprint()
	for k, v := range opts.Variables {
		s.Variables[k] = v
	}

	defJSON, err := json.Marshal(plan.Definition())
	if err != nil {
		return nil, fmt.Errorf("encode definition: %w", err)
	}
	if err := e.store.CreateRun(s, defJSON); err != nil {
		if errors.Is(err, state.ErrRunExists) {
			return nil, fmt.Errorf("start run %s: %w", runID, ErrRunExists)
		}
		return nil, err
	}
	e.logger.Log("[engine] run %s created for workflow %s (%d steps)", runID, plan.Name(), plan.Len())

	r := &activeRun{state: s, plan: plan, expect: state.ExpectOf(s)}
	if e.workspaces != nil {
		h, err := e.workspaces.Create(ctx, workspace.UniqueName(runID))
		if err != nil {
			return e.fail(ctx, r, failure{
				class:   models.ErrorClassPermanent,
				message: fmt.Sprintf("create workspace: %v", err),
			})
		}
		s.Workspace = &h
		e.logger.Log("[engine] run %s: workspace %s (%s)", runID, h.Path, h.Kind)
	}

	if err := e.transition(ctx, s, models.RunInProgress); err != nil {
		return nil, err
	}
	if err := e.saveCheckpoint(r, "", "start"); err != nil {
		return nil, err
	}
	return e.runSegment(ctx, r, opts.Timeout)
}

// Resume continues a parked or paused run. For a run awaiting an
// escalation that is still pending, response answers it; for one whose
// escalation was already answered, response may be nil.
func (e *Engine) Resume(ctx context.Context, runID string, response *models.Value) (*models.RunResult, error) {
	unlock, ok := e.locks.TryLock(runID)
	if !ok {
		return nil, fmt.Errorf("resume run %s: %w", runID, ErrRunBusy)
	}
	defer unlock()

	s, err := e.load(runID)
	if err != nil {
		return nil, err
	}

	switch {
	case s.Status == models.RunAwaitingEscalation:
		esc, err := e.answered(ctx, s, response)
		if err != nil {
			return nil, err
		}
		return e.continueAfter(ctx, s, esc)
	case s.Status == models.RunInProgress && s.Paused:
		r, err := e.restore(s)
		if err != nil {
			return nil, err
		}
		r.state.Paused = false
		r.state.UpdatedAt = e.now()
		if err := e.save(r); err != nil {
			return nil, err
		}
		e.logger.Log("[engine] run %s unpaused", runID)
		return e.runSegment(ctx, r, 0)
	case s.Status == models.RunInProgress:
		return nil, fmt.Errorf("run %s is executing: %w", runID, ErrRunBusy)
	default:
		return nil, &InvalidTransitionError{RunID: runID, From: s.Status, To: models.RunInProgress}
	}
}

// ResumeEscalation continues the run parked on esc. It is the target of
// the escalation coordinator's resume signal and ignores escalations the
// run is no longer waiting for.
func (e *Engine) ResumeEscalation(ctx context.Context, esc *models.Escalation) error {
	if esc == nil || esc.Status != models.EscalationResolved || esc.Response == nil {
		return nil
	}
	runID := esc.WorkflowRunID
	unlock, err := e.locks.Lock(ctx, runID)
	if err != nil {
		return err
	}
	defer unlock()

	s, err := e.load(runID)
	if err != nil {
		return err
	}
	if s.Status != models.RunAwaitingEscalation || s.PendingEscalationID != esc.ID {
		e.logger.Log("[engine] run %s: ignoring escalation %s (status %s, pending %q)",
			runID, esc.ID, s.Status, s.PendingEscalationID)
		return nil
	}

	res, err := e.continueAfter(ctx, s, esc)
	if errors.Is(err, ErrRunBusy) {
		e.logger.Log("[engine] run %s: escalation %s was already taken up elsewhere", runID, esc.ID)
		return nil
	}
	if err != nil {
		return err
	}
	e.logger.Log("[engine] run %s: segment after escalation %s ended %s", runID, esc.ID, res.Status)
	return nil
}

// Pause asks an executing run to stop after its current step. A run
// executing in another process is reached through its signal file.
func (e *Engine) Pause(runID string) error {
	if ctl := e.control(runID); ctl != nil {
		ctl.Pause()
		e.logger.Log("[engine] run %s: pause requested", runID)
		return nil
	}
	s, err := e.load(runID)
	if err != nil {
		return err
	}
	if s.Status != models.RunInProgress || s.Paused {
		return fmt.Errorf("run %s is %s: only executing runs can be paused: %w", runID, s.Status, ErrInvalidTransition)
	}
	if e.signals == nil {
		return fmt.Errorf("run %s is not executing in this process and signals are disabled", runID)
	}
	return e.signals.RequestPause(runID)
}

// Cancel fails a run with class cancelled. An executing run is interrupted
// first; a pending escalation is withdrawn; the workspace is destroyed.
// Cancelling a finished run returns its status unchanged.
func (e *Engine) Cancel(ctx context.Context, runID string) (*models.RunResult, error) {
	if ctl := e.control(runID); ctl != nil {
		ctl.Cancel()
	}
	unlock, err := e.locks.Lock(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := e.load(runID)
	if err != nil {
		return nil, err
	}
	if s.Status.Terminal() {
		e.clearSignals(runID)
		return models.ResultFromState(s), nil
	}

	if e.signals != nil && s.Status == models.RunInProgress && !s.Paused {
		if err := e.signals.RequestCancel(runID); err != nil {
			e.logger.Log("[engine] run %s: raise cancel signal: %v", runID, err)
		}
	}
	r := &activeRun{state: s, expect: state.ExpectOf(s)}
	return e.fail(ctx, r, failure{
		stepID:  s.CurrentStepID,
		class:   models.ErrorClassCancelled,
		message: "run cancelled",
	})
}

// Accept completes a run waiting in Review.
func (e *Engine) Accept(ctx context.Context, runID string) (*models.RunResult, error) {
	unlock, ok := e.locks.TryLock(runID)
	if !ok {
		return nil, fmt.Errorf("accept run %s: %w", runID, ErrRunBusy)
	}
	defer unlock()

	s, err := e.load(runID)
	if err != nil {
		return nil, err
	}
	if s.Status != models.RunReview {
		return nil, &InvalidTransitionError{RunID: runID, From: s.Status, To: models.RunComplete}
	}
	r := &activeRun{state: s, expect: state.ExpectOf(s)}
	return e.complete(ctx, r, "accepted")
}

// Wait blocks until no segment of the run executes in this process and
// returns the run's status.
func (e *Engine) Wait(ctx context.Context, runID string) (*models.RunResult, error) {
	unlock, err := e.locks.Lock(ctx, runID)
	if err != nil {
		return nil, err
	}
	unlock()
	return e.Status(runID)
}

// SweepStale fails runs that have waited on an escalation longer than
// Config.EscalationTimeout, as of now. It returns the failed run ids.
func (e *Engine) SweepStale(ctx context.Context, now time.Time) ([]string, error) {
	if e.cfg.EscalationTimeout <= 0 {
		return nil, nil
	}
	status := models.RunAwaitingEscalation
	runs, err := e.store.ListRuns(&status)
	if err != nil {
		return nil, err
	}

	var swept []string
	var errs []error
	for _, sum := range runs {
		if now.Sub(sum.UpdatedAt) < e.cfg.EscalationTimeout {
			continue
		}
		ok, err := e.sweepRun(ctx, sum.RunID, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			swept = append(swept, sum.RunID)
		}
	}
	return swept, errors.Join(errs...)
}

func (e *Engine) sweepRun(ctx context.Context, runID string, now time.Time) (bool, error) {
	unlock, ok := e.locks.TryLock(runID)
	if !ok {
		return false, nil
	}
	defer unlock()

	s, err := e.load(runID)
	if err != nil {
		return false, err
	}
	if s.Status != models.RunAwaitingEscalation || now.Sub(s.UpdatedAt) < e.cfg.EscalationTimeout {
		return false, nil
	}

	reason := fmt.Sprintf("escalation %s unanswered for %s", s.PendingEscalationID, e.cfg.EscalationTimeout)
	if e.escalator != nil && s.PendingEscalationID != "" {
		if _, err := e.escalator.Cancel(ctx, s.PendingEscalationID, reason); err != nil {
			if errors.Is(err, escalation.ErrAlreadyResolved) {
				// Answered in time; the resume signal takes it from here.
				return false, nil
			}
			return false, fmt.Errorf("cancel escalation %s: %w", s.PendingEscalationID, err)
		}
	}

	r := &activeRun{state: s, expect: state.ExpectOf(s)}
	s.PendingEscalationID = ""
	if _, err := e.fail(ctx, r, failure{
		stepID:  s.CurrentStepID,
		class:   models.ErrorClassTimeout,
		message: reason,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// RecoverResolved resumes parked runs whose escalation was answered while
// no process was listening. It returns the resumed run ids.
func (e *Engine) RecoverResolved(ctx context.Context) ([]string, error) {
	if e.escalator == nil {
		return nil, nil
	}
	status := models.RunAwaitingEscalation
	runs, err := e.store.ListRuns(&status)
	if err != nil {
		return nil, err
	}

	var resumed []string
	var errs []error
	for _, sum := range runs {
		if sum.PendingEscalationID == "" {
			continue
		}
		esc, err := e.escalator.Get(sum.PendingEscalationID)
		if err != nil {
			errs = append(errs, fmt.Errorf("run %s: %w", sum.RunID, err))
			continue
		}
		if esc.Status != models.EscalationResolved {
			continue
		}
		if err := e.ResumeEscalation(ctx, esc); err != nil {
			errs = append(errs, fmt.Errorf("run %s: %w", sum.RunID, err))
			continue
		}
		resumed = append(resumed, sum.RunID)
	}
	return resumed, errors.Join(errs...)
}
