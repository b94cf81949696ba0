package orchestrator

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/conductor/internal/notify"
	"github.com/ShayCichocki/conductor/internal/signals"
	"github.com/ShayCichocki/conductor/internal/workflow"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// stepOutcome is what one step produced during a chunk. It is built on
// the executing goroutine and applied to the run on the engine goroutine.
type stepOutcome struct {
	stepID    string
	inputs    map[string]models.Value
	outputs   map[string]models.Value
	decisions []models.Decision
	park      *parkRequest
	err       error
	class     ErrorClass
	retries   int
}

// parkRequest is a decision that must go to a human.
type parkRequest struct {
	stepID   string
	request  DecisionRequest
	decision models.Decision
}

// failure describes why a run is being failed.
type failure struct {
	stepID  string
	class   string
	retries int
	message string
}

// runSegment executes r until it parks, pauses, fails or finishes.
// timeout bounds the segment; zero uses Config.Timeout.
func (e *Engine) runSegment(ctx context.Context, r *activeRun, timeout time.Duration) (*models.RunResult, error) {
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	segCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	execCtx, cancelTimeout := context.WithTimeout(segCtx, timeout)
	defer cancelTimeout()

	r.ctl = newRunControl(cancel)
	e.register(r.state.RunID, r.ctl)
	defer e.unregister(r.state.RunID)

	for _, batch := range r.plan.Batches() {
		var pending []string
		for _, id := range batch {
			if !r.state.IsCompleted(id) {
				pending = append(pending, id)
			}
		}
		for len(pending) > 0 {
			n := min(e.cfg.MaxParallel, len(pending))
			chunk := pending[:n]
			pending = pending[n:]

			if res, stop, err := e.interruption(ctx, execCtx, r, timeout); stop {
				return res, err
			}
			if res, stop, err := e.runChunk(ctx, execCtx, r, chunk, timeout); stop {
				return res, err
			}
		}
	}
	return e.finish(ctx, r)
}

// interruption reports whether the segment must stop before its next
// chunk, and if so how it ended.
func (e *Engine) interruption(ctx, execCtx context.Context, r *activeRun, timeout time.Duration) (*models.RunResult, bool, error) {
	runID := r.state.RunID
	switch {
	case r.ctl.IsCancelled() || (e.signals != nil && e.signals.CancelRequested(runID)):
		res, err := e.fail(ctx, r, failure{
			stepID:  r.state.CurrentStepID,
			class:   models.ErrorClassCancelled,
			message: "run cancelled",
		})
		return res, true, err
	case ctx.Err() != nil:
		res, err := e.suspend(ctx, r, "interrupted")
		if err != nil {
			return nil, true, err
		}
		return res, true, ctx.Err()
	case execCtx.Err() != nil:
		res, err := e.fail(ctx, r, failure{
			stepID:  r.state.CurrentStepID,
			class:   models.ErrorClassTimeout,
			message: fmt.Sprintf("run exceeded its %s timeout", timeout),
		})
		return res, true, err
	case r.ctl.IsPaused() || (e.signals != nil && e.signals.PauseRequested(runID)):
		res, err := e.suspend(ctx, r, "paused")
		return res, true, err
	}
	return nil, false, nil
}

// runChunk executes up to MaxParallel independent steps and applies their
// outcomes in plan order.
func (e *Engine) runChunk(ctx, execCtx context.Context, r *activeRun, chunk []string, timeout time.Duration) (*models.RunResult, bool, error) {
	s := r.state
	s.CurrentStepID = chunk[0]
	for _, id := range chunk {
		if _, err := e.store.AppendCheckpoint(s, id, "before-step"); err != nil {
			return nil, true, fmt.Errorf("checkpoint before step %s: %w", id, err)
		}
	}

	vars := models.CloneValues(s.Variables)
	outcomes := make([]stepOutcome, len(chunk))
	if len(chunk) == 1 {
		outcomes[0] = e.runStep(execCtx, r, chunk[0], vars, priorDecisions(s, chunk[0]))
	} else {
		var g errgroup.Group
		g.SetLimit(e.cfg.MaxParallel)
		for i, id := range chunk {
			prior := priorDecisions(s, id)
			g.Go(func() error {
				outcomes[i] = e.runStep(execCtx, r, id, vars, prior)
				return nil
			})
		}
		_ = g.Wait()
	}

	if execCtx.Err() != nil {
		for _, o := range outcomes {
			if o.err == nil && o.park == nil {
				if err := e.commit(ctx, r, o); err != nil {
					return nil, true, err
				}
			}
		}
		return e.interruption(ctx, execCtx, r, timeout)
	}

	for _, o := range outcomes {
		if o.err == nil {
			continue
		}
		e.runHooks(ctx, HookEvent{
			Phase:        PostStep,
			RunID:        s.RunID,
			WorkflowName: s.WorkflowName,
			StepID:       o.stepID,
			Inputs:       o.inputs,
			Err:          o.err,
		})
		res, err := e.fail(ctx, r, failure{
			stepID:  o.stepID,
			class:   string(o.class),
			retries: o.retries,
			message: o.err.Error(),
		})
		return res, true, err
	}

	var park *parkRequest
	for _, o := range outcomes {
		if o.park != nil {
			for _, d := range o.decisions {
				e.recordDecision(r.state, d)
			}
			if park == nil {
				park = o.park
			}
			continue
		}
		if err := e.commit(ctx, r, o); err != nil {
			return nil, true, err
		}
	}
	if park != nil {
		res, err := e.park(ctx, r, park)
		return res, true, err
	}
	return nil, false, nil
}

// priorDecisions returns the latest recorded decision value per key for a step.
func priorDecisions(s *models.WorkflowRunState, stepID string) map[string]models.Value {
	out := make(map[string]models.Value)
	for _, d := range s.Decisions {
		if d.StepID == stepID {
			out[d.Key] = d.Value
		}
	}
	return out
}

// runStep runs one step with retries. It only reads the run.
func (e *Engine) runStep(ctx context.Context, r *activeRun, stepID string, vars, decided map[string]models.Value) stepOutcome {
	step, _ := r.plan.Step(stepID)
	exec, _ := e.registry.Lookup(step.Action)
	inputs := workflow.ExpandInputs(step.Inputs, vars)
	out := stepOutcome{stepID: stepID, inputs: inputs}
	runID := r.state.RunID

	e.runHooks(ctx, HookEvent{
		Phase:        PreStep,
		RunID:        runID,
		WorkflowName: r.plan.Name(),
		StepID:       stepID,
		Inputs:       inputs,
	})
	e.emit(ctx, notify.Event{Kind: notify.StepStarted, RunID: runID, StepID: stepID, Message: step.Action})
	e.logger.Log("[engine] run %s step %s (%s) started", runID, stepID, step.Action)

	for attempt := 0; ; attempt++ {
		rc := RunContext{
			RunID:        runID,
			WorkflowName: r.plan.Name(),
			StepID:       stepID,
			Attempt:      attempt + 1,
			Variables:    vars,
			Decisions:    decided,
		}
		if r.state.Workspace != nil {
			rc.Workspace = *r.state.Workspace
		}

		err := e.attemptStep(ctx, r, step, exec, inputs, rc, &out)
		if err == nil {
			return out
		}
		out.retries = attempt
		out.err = err

		if ctx.Err() != nil {
			out.class = ClassTransient
			return out
		}
		out.class = e.classify(err)
		e.logger.Log("[engine] run %s step %s attempt %d failed (%s): inputs=%v err=%v",
			runID, stepID, attempt+1, out.class, inputs, err)
		if out.class == ClassPermanent || attempt >= e.cfg.RetryLimit {
			return out
		}

		delay := e.cfg.backoff(attempt)
		e.emit(ctx, notify.Event{
			Kind:    notify.StepRetrying,
			RunID:   runID,
			StepID:  stepID,
			Message: fmt.Sprintf("retry %d/%d in %s: %v", attempt+1, e.cfg.RetryLimit, delay, err),
		})
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return out
		}
		out.err = nil
	}
}

// attemptStep invokes the executor once, answering its decision requests
// until it returns outputs, fails, or needs a human.
func (e *Engine) attemptStep(ctx context.Context, r *activeRun, step workflow.Step, exec StepExecutor, inputs map[string]models.Value, rc RunContext, out *stepOutcome) error {
	for made := 0; ; made++ {
		res, err := safeExecute(ctx, exec, inputs, rc)
		if err != nil {
			return err
		}
		if res.NeedsDecision == nil {
			if err := checkOutputs(step, res.Outputs); err != nil {
				return err
			}
			out.outputs = res.Outputs
			return nil
		}

		req := *res.NeedsDecision
		if req.Key == "" {
			return Permanent(fmt.Errorf("step %s requested a decision without a key", step.ID))
		}
		if _, ok := rc.Decisions[req.Key]; ok {
			return Permanent(fmt.Errorf("step %s requested decision %q after it was made", step.ID, req.Key))
		}
		if made >= e.cfg.MaxDecisionsPerStep {
			return Permanent(fmt.Errorf("step %s exceeded %d decisions", step.ID, e.cfg.MaxDecisionsPerStep))
		}

		d, park, err := e.decide(ctx, r, step.ID, req)
		if err != nil {
			return err
		}
		if park != nil {
			out.park = park
			return nil
		}
		out.decisions = append(out.decisions, d)
		rc.Decisions[req.Key] = d.Value
	}
}

func checkOutputs(step workflow.Step, outputs map[string]models.Value) error {
	for _, name := range step.Outputs {
		if _, ok := outputs[name]; !ok {
			return Permanent(fmt.Errorf("step %s did not produce declared output %q", step.ID, name))
		}
	}
	return nil
}

// decide asks the decider. A nil park means d can be acted on.
func (e *Engine) decide(ctx context.Context, r *activeRun, stepID string, req DecisionRequest) (models.Decision, *parkRequest, error) {
	dctx := models.CloneValues(req.Context)
	if dctx == nil {
		dctx = make(map[string]models.Value)
	}
	dctx["workflow"] = models.StringValue(r.plan.Name())
	dctx["step"] = models.StringValue(stepID)

	d := models.Decision{
		Question:  req.Question,
		Source:    models.SourceNone,
		Timestamp: e.now(),
		Context:   dctx,
	}
	if e.decider == nil {
		d.Reasoning = "no decision engine is configured"
	} else {
		attempted, err := e.decider.Attempt(ctx, req.Question, dctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return d, nil, err
		case err != nil:
			e.logger.Log("[engine] run %s step %s: decision %q failed: %v", r.state.RunID, stepID, req.Key, err)
			d.Reasoning = fmt.Sprintf("decision attempt failed: %v", err)
		default:
			d = attempted
		}
	}

	d.StepID = stepID
	d.Key = req.Key
	if e.decider != nil && d.Source != models.SourceNone && e.decider.Sufficient(d) {
		e.logger.Log("[engine] run %s step %s: decided %q from %s (confidence %.2f)",
			r.state.RunID, stepID, req.Key, d.Source, d.Confidence)
		return d, nil, nil
	}
	return d, &parkRequest{stepID: stepID, request: req, decision: d}, nil
}

// recordDecision stores d on the run and exposes it as <step>.<key>.
func (e *Engine) recordDecision(s *models.WorkflowRunState, d models.Decision) {
	s.Decisions = append(s.Decisions, d)
	s.Variables[d.StepID+"."+d.Key] = d.Value
}

// commit applies a finished step to the run and checkpoints it.
func (e *Engine) commit(ctx context.Context, r *activeRun, o stepOutcome) error {
	s := r.state
	for _, d := range o.decisions {
		e.recordDecision(s, d)
	}
	for name, v := range o.outputs {
		s.Variables[o.stepID+"."+name] = v
	}
	s.MarkCompleted(o.stepID)
	s.CurrentStepID = o.stepID
	s.UpdatedAt = e.now()
	s.RecomputeProgress()

	if err := e.saveCheckpoint(r, o.stepID, "after-step"); err != nil {
		return err
	}
	e.logger.Log("[engine] run %s step %s completed (%.2f%%)", s.RunID, o.stepID, s.ProgressPercentage)

	e.runHooks(ctx, HookEvent{
		Phase:        PostStep,
		RunID:        s.RunID,
		WorkflowName: s.WorkflowName,
		StepID:       o.stepID,
		Inputs:       o.inputs,
		Outputs:      models.CloneValues(o.outputs),
	})
	e.emit(ctx, notify.Event{
		Kind:     notify.StepCompleted,
		RunID:    s.RunID,
		StepID:   o.stepID,
		Status:   string(s.Status),
		Progress: s.ProgressPercentage,
	})
	return nil
}

func (e *Engine) runHooks(ctx context.Context, ev HookEvent) {
	for _, f := range e.hooks.Dispatch(ctx, ev) {
		e.emit(ctx, notify.Event{
			Kind:    notify.HookFailed,
			RunID:   ev.RunID,
			StepID:  ev.StepID,
			Message: fmt.Sprintf("%s hook %s: %v", f.Phase, f.Hook, f.Err),
		})
	}
}

// finish moves a run whose steps are all complete to Review, and on to
// Complete unless the run requires review.
func (e *Engine) finish(ctx context.Context, r *activeRun) (*models.RunResult, error) {
	s := r.state
	s.CurrentStepID = ""
	if err := e.transition(ctx, s, models.RunReview); err != nil {
		return nil, err
	}
	if s.RequireReview {
		if err := e.saveCheckpoint(r, "", "review"); err != nil {
			return nil, err
		}
		return models.ResultFromState(s), nil
	}
	return e.complete(ctx, r, "complete")
}

func (e *Engine) complete(ctx context.Context, r *activeRun, label string) (*models.RunResult, error) {
	s := r.state
	if err := e.transition(ctx, s, models.RunComplete); err != nil {
		return nil, err
	}
	if err := e.saveCheckpoint(r, "", label); err != nil {
		return nil, err
	}
	e.destroyWorkspace(ctx, s)
	e.clearSignals(s.RunID)
	return models.ResultFromState(s), nil
}

// suspend records that the run stopped between steps and can be resumed.
func (e *Engine) suspend(ctx context.Context, r *activeRun, reason string) (*models.RunResult, error) {
	ctx = context.WithoutCancel(ctx)
	s := r.state
	s.Paused = true
	s.UpdatedAt = e.now()
	if err := e.save(r); err != nil {
		return nil, err
	}
	if e.signals != nil {
		if err := e.signals.ClearKind(s.RunID, signals.Pause); err != nil {
			e.logger.Log("[engine] run %s: clear pause signal: %v", s.RunID, err)
		}
	}
	e.logger.Log("[engine] run %s %s at %.2f%%", s.RunID, reason, s.ProgressPercentage)
	e.emit(ctx, notify.Event{
		Kind:     notify.RunStateChanged,
		RunID:    s.RunID,
		From:     string(s.Status),
		Status:   string(s.Status),
		Progress: s.ProgressPercentage,
		Message:  reason,
	})
	return models.ResultFromState(s), nil
}

// fail rolls the run back to its latest checkpoint, records f, moves it
// to Failed and releases its workspace and pending escalation.
func (e *Engine) fail(ctx context.Context, r *activeRun, f failure) (*models.RunResult, error) {
	ctx = context.WithoutCancel(ctx)
	cur := r.state

	cp, err := e.store.LatestCheckpoint(cur.RunID)
	if err != nil {
		e.logger.Log("[engine] run %s: load checkpoint for rollback: %v", cur.RunID, err)
	}
	s := cur
	if cp != nil {
		s = cp.State.Clone()
		s.Status = cur.Status
		s.Workspace = cur.Workspace
		s.EscalationCount = cur.EscalationCount
		s.PendingEscalationID = cur.PendingEscalationID
		s.StartedAt = cur.StartedAt
		e.logger.Log("[engine] run %s: rolled back to checkpoint %d (%s)", s.RunID, cp.Sequence, cp.Label)
	}
	r.state = s

	if id := s.PendingEscalationID; id != "" && e.escalator != nil {
		if _, err := e.escalator.Cancel(ctx, id, f.message); err != nil {
			e.logger.Log("[engine] run %s: cancel escalation %s: %v", s.RunID, id, err)
		}
	}
	s.PendingEscalationID = ""
	s.Paused = false
	s.Error = &models.ErrorSummary{
		StepID:  f.stepID,
		Class:   f.class,
		Retries: f.retries,
		Message: f.message,
	}
	if err := e.transition(ctx, s, models.RunFailed); err != nil {
		return nil, err
	}
	if err := e.save(r); err != nil {
		return nil, err
	}
	e.logger.Log("[engine] run %s failed at step %q (%s after %d retries): %s",
		s.RunID, f.stepID, f.class, f.retries, f.message)

	e.destroyWorkspace(ctx, s)
	e.clearSignals(s.RunID)
	if f.stepID != "" {
		e.emit(ctx, notify.Event{
			Kind:    notify.StepFailed,
			RunID:   s.RunID,
			StepID:  f.stepID,
			Status:  string(s.Status),
			Message: f.message,
		})
	}
	return models.ResultFromState(s), nil
}

func (e *Engine) clearSignals(runID string) {
	if e.signals == nil {
		return
	}
	if err := e.signals.Clear(runID); err != nil {
		e.logger.Log("[engine] run %s: clear signals: %v", runID, err)
	}
}
