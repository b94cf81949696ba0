package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ShayCichocki/conductor/internal/escalation"
	"github.com/ShayCichocki/conductor/internal/logging"
	"github.com/ShayCichocki/conductor/internal/notify"
	"github.com/ShayCichocki/conductor/internal/signals"
	"github.com/ShayCichocki/conductor/internal/state"
	"github.com/ShayCichocki/conductor/internal/workflow"
	"github.com/ShayCichocki/conductor/internal/workspace"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// Store is the persistence the engine needs. *state.DB implements it.
type Store interface {
	state.RunStore
	state.CheckpointStore
}

// Decider attempts autonomous decisions. *decision.Engine implements it.
type Decider interface {
	Attempt(ctx context.Context, question string, decisionCtx map[string]models.Value) (models.Decision, error)
	Sufficient(d models.Decision) bool
}

// Escalator records questions for a human. *escalation.Coordinator
// implements it.
type Escalator interface {
	Add(ctx context.Context, req escalation.Request) (string, error)
	Get(id string) (*models.Escalation, error)
	Answer(ctx context.Context, id string, response models.Value) (*models.Escalation, error)
	Cancel(ctx context.Context, id, reason string) (*models.Escalation, error)
}

var (
	_ Store     = (*state.DB)(nil)
	_ Escalator = (*escalation.Coordinator)(nil)
)

// Engine drives workflow runs through their state machine. It executes
// steps, checkpoints around them, delegates decisions and parks runs on
// escalations. A run is executed by at most one goroutine at a time.
type Engine struct {
	cfg        Config
	store      Store
	registry   *Registry
	decider    Decider
	escalator  Escalator
	workspaces workspace.Manager
	sink       notify.Sink
	emitter    *EventEmitter
	logger     *logging.Logger
	classifier ErrorClassifier
	hooks      *HookBus
	now        func() time.Time

	signals    *signals.Dir
	sigWatcher *signals.Watcher

	locks *runLocks

	mu       sync.Mutex
	controls map[string]*runControl
}

// activeRun is a run loaded into this engine for one execution segment.
type activeRun struct {
	state *models.WorkflowRunState
	plan  *workflow.ExecutionPlan
	// expect is what the stored record looked like after the last save.
	expect state.Expect
	ctl    *runControl
}

// New creates an Engine.
func New(req RequiredConfig, opts ...Option) (*Engine, error) {
	if req.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if req.Registry == nil {
		return nil, errors.New("orchestrator: registry is required")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	cfg := o.cfg.withDefaults()

	e := &Engine{
		cfg:        cfg,
		store:      req.Store,
		registry:   req.Registry,
		decider:    o.decider,
		escalator:  o.escalator,
		workspaces: o.workspaces,
		logger:     o.logger,
		classifier: o.classifier,
		hooks:      o.hooks,
		now:        o.now,
		signals:    o.signals,
		locks:      newRunLocks(),
		controls:   make(map[string]*runControl),
	}
	if e.hooks == nil {
		e.hooks = NewHookBus(cfg.HookTimeout, o.logger)
	}

	var sinks notify.Multi
	if o.sink != nil {
		sinks = append(sinks, o.sink)
	}
	if o.eventBuffer > 0 {
		e.emitter = NewEventEmitter(o.eventBuffer, o.logger)
		sinks = append(sinks, e.emitter)
	}
	e.sink = sinks

	if e.signals != nil {
		w, err := e.signals.Watch(e.onSignal)
		if err != nil {
			return nil, fmt.Errorf("watch signals: %w", err)
		}
		e.sigWatcher = w
	}
	return e, nil
}

// Config returns the effective engine limits.
func (e *Engine) Config() Config { return e.cfg }

// Hooks returns the engine's hook bus.
func (e *Engine) Hooks() *HookBus { return e.hooks }

// Events returns the engine event channel, or nil unless WithEvents was used.
func (e *Engine) Events() <-chan notify.Event {
	if e.emitter == nil {
		return nil
	}
	return e.emitter.Events()
}

// Close stops the signal watcher and hook workers and closes the events
// channel. It does not interrupt running segments.
func (e *Engine) Close() error {
	var err error
	if e.sigWatcher != nil {
		err = e.sigWatcher.Close()
	}
	e.hooks.Close()
	if e.emitter != nil {
		e.emitter.Close()
	}
	return err
}

// Status returns a snapshot of a run.
func (e *Engine) Status(runID string) (*models.RunResult, error) {
	s, err := e.load(runID)
	if err != nil {
		return nil, err
	}
	return models.ResultFromState(s), nil
}

// List returns summaries of stored runs, optionally filtered by status.
func (e *Engine) List(status *models.RunStatus) ([]state.RunSummary, error) {
	return e.store.ListRuns(status)
}

func (e *Engine) load(runID string) (*models.WorkflowRunState, error) {
	s, err := e.store.GetRun(runID)
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	if s == nil {
		return nil, fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}
	return s, nil
}

func (e *Engine) control(runID string) *runControl {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.controls[runID]
}

func (e *Engine) register(runID string, ctl *runControl) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.controls[runID] = ctl
}

func (e *Engine) unregister(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.controls, runID)
}

// onSignal applies a pause or cancel raised by another process to a run
// executing here.
func (e *Engine) onSignal(runID string, kind signals.Kind) {
	ctl := e.control(runID)
	if ctl == nil {
		return
	}
	e.logger.Log("[engine] run %s: %s signal received", runID, kind)
	switch kind {
	case signals.Pause:
		ctl.Pause()
	case signals.Cancel:
		ctl.Cancel()
	}
}

// save persists r guarded by the last state this engine stored.
func (e *Engine) save(r *activeRun) error {
	if err := e.store.SaveRunIf(r.state, r.expect); err != nil {
		return e.saveError(r, err)
	}
	r.expect = state.ExpectOf(r.state)
	return nil
}

// saveCheckpoint persists r and appends a checkpoint in one transaction.
func (e *Engine) saveCheckpoint(r *activeRun, stepID, label string) error {
	if _, err := e.store.SaveRunWithCheckpointIf(r.state, r.expect, stepID, label); err != nil {
		return e.saveError(r, err)
	}
	r.expect = state.ExpectOf(r.state)
	e.prune(r.state.RunID)
	return nil
}

func (e *Engine) saveError(r *activeRun, err error) error {
	if !errors.Is(err, state.ErrConflict) {
		return fmt.Errorf("persist run %s: %w", r.state.RunID, err)
	}
	if stored, gerr := e.store.GetRun(r.state.RunID); gerr == nil && stored != nil && stored.Status == models.RunFailed {
		return fmt.Errorf("run %s: %w", r.state.RunID, ErrRunCancelled)
	}
	return fmt.Errorf("run %s: %w", r.state.RunID, ErrRunBusy)
}

func (e *Engine) prune(runID string) {
	if e.cfg.CheckpointRetention <= 0 {
		return
	}
	if _, err := e.store.PruneCheckpoints(runID, e.cfg.CheckpointRetention); err != nil {
		e.logger.Log("[engine] run %s: prune checkpoints: %v", runID, err)
	}
}

func (e *Engine) emit(ctx context.Context, ev notify.Event) {
	notify.Send(ctx, e.sink, e.logger, ev)
}

func (e *Engine) destroyWorkspace(ctx context.Context, s *models.WorkflowRunState) {
	if e.workspaces == nil || s.Workspace == nil {
		return
	}
	if err := e.workspaces.Destroy(context.WithoutCancel(ctx), *s.Workspace); err != nil {
		e.logger.Log("[engine] run %s: destroy workspace %s: %v", s.RunID, s.Workspace.Path, err)
		return
	}
	e.logger.Log("[engine] run %s: workspace %s destroyed", s.RunID, s.Workspace.Path)
}
