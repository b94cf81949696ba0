package escalation

import (
	"context"
	"fmt"
	"sync"

	"github.com/ShayCichocki/conductor/internal/logging"
	"github.com/ShayCichocki/conductor/internal/notify"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// Request describes a decision the engine could not make on its own.
type Request struct {
	RunID        string
	WorkflowName string
	// Category groups escalations in metrics. Defaults to WorkflowName.
	Category    string
	StepID      string
	DecisionKey string
	Decision    models.Decision
}

// Resumer continues a parked run once its escalation is resolved.
type Resumer interface {
	ResumeEscalation(ctx context.Context, esc *models.Escalation) error
}

// ResumerFunc adapts a function to a Resumer.
type ResumerFunc func(ctx context.Context, esc *models.Escalation) error

// ResumeEscalation calls f.
func (f ResumerFunc) ResumeEscalation(ctx context.Context, esc *models.Escalation) error {
	return f(ctx, esc)
}

// Coordinator wraps a Store with notifications and resume signaling.
// Every resolved escalation it learns about, through Respond or Deliver,
// is dispatched exactly once to the resumer and subscribers.
type Coordinator struct {
	store  *Store
	sink   notify.Sink
	logger *logging.Logger

	mu          sync.Mutex
	resumer     Resumer
	subscribers []func(*models.Escalation)
	waiters     map[string][]chan *models.Escalation
	signalled   map[string]bool
	queue       []*models.Escalation
	wake        chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	resumes sync.WaitGroup
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithSink sets the notification sink.
func WithSink(sink notify.Sink) CoordinatorOption {
	return func(c *Coordinator) { c.sink = sink }
}

// WithLogger sets the debug logger.
func WithLogger(logger *logging.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = logger }
}

// WithResumer sets the resume target.
func WithResumer(r Resumer) CoordinatorOption {
	return func(c *Coordinator) { c.resumer = r }
}

// NewCoordinator creates a Coordinator and starts its dispatcher.
func NewCoordinator(store *Store, opts ...CoordinatorOption) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:     store,
		sink:      notify.Nop{},
		waiters:   make(map[string][]chan *models.Escalation),
		signalled: make(map[string]bool),
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.dispatch()
	return c
}

// SetResumer sets the resume target after construction, for wiring
// cycles between the engine and the coordinator.
func (c *Coordinator) SetResumer(r Resumer) {
	c.mu.Lock()
	c.resumer = r
	c.mu.Unlock()
}

// OnResolved registers fn to be called once per resolved escalation.
func (c *Coordinator) OnResolved(fn func(*models.Escalation)) {
	c.mu.Lock()
	c.subscribers = append(c.subscribers, fn)
	c.mu.Unlock()
}

// Store returns the underlying store.
func (c *Coordinator) Store() *Store {
	return c.store
}

// Add persists a pending escalation for req and returns its id.
func (c *Coordinator) Add(ctx context.Context, req Request) (string, error) {
	category := req.Category
	if category == "" {
		category = req.WorkflowName
	}

	esc := &models.Escalation{
		WorkflowRunID: req.RunID,
		WorkflowName:  req.WorkflowName,
		Category:      category,
		StepID:        req.StepID,
		DecisionKey:   req.DecisionKey,
		Question:      req.Decision.Question,
		AIReasoning:   req.Decision.Reasoning,
		Confidence:    req.Decision.Confidence,
		Context:       models.CloneValues(req.Decision.Context),
	}
	if !req.Decision.Value.IsZero() {
		v := req.Decision.Value
		esc.ProposedValue = &v
	}

	if err := c.store.Create(esc); err != nil {
		return "", fmt.Errorf("create escalation: %w", err)
	}

	c.logger.Log("[escalation] created %s for run %s step %s (confidence %.2f)",
		esc.ID, esc.WorkflowRunID, esc.StepID, esc.Confidence)
	notify.Send(ctx, c.sink, c.logger, notify.Event{
		Kind:         notify.EscalationCreated,
		RunID:        esc.WorkflowRunID,
		StepID:       esc.StepID,
		EscalationID: esc.ID,
		Status:       string(esc.Status),
		Message:      esc.Question,
	})
	return esc.ID, nil
}

// Respond resolves id with response and signals the parked run.
func (c *Coordinator) Respond(ctx context.Context, id string, response models.Value) (*models.Escalation, error) {
	esc, err := c.store.Resolve(id, response)
	if err != nil {
		return nil, err
	}

	c.logger.Log("[escalation] resolved %s after %dms", esc.ID, *esc.ResolutionTimeMs)
	notify.Send(ctx, c.sink, c.logger, notify.Event{
		Kind:         notify.EscalationResolved,
		RunID:        esc.WorkflowRunID,
		StepID:       esc.StepID,
		EscalationID: esc.ID,
		Status:       string(esc.Status),
		Message:      esc.Response.String(),
	})
	c.Deliver(esc)
	return esc, nil
}

// Answer resolves id like Respond, but the caller resumes the run itself:
// the escalation is marked as signaled and never reaches the resumer.
func (c *Coordinator) Answer(ctx context.Context, id string, response models.Value) (*models.Escalation, error) {
	c.mu.Lock()
	already := c.signalled[id]
	c.signalled[id] = true
	c.mu.Unlock()

	esc, err := c.store.Resolve(id, response)
	if err != nil {
		if !already {
			c.mu.Lock()
			delete(c.signalled, id)
			c.mu.Unlock()
		}
		return nil, err
	}

	c.logger.Log("[escalation] answered %s inline after %dms", esc.ID, *esc.ResolutionTimeMs)
	notify.Send(ctx, c.sink, c.logger, notify.Event{
		Kind:         notify.EscalationResolved,
		RunID:        esc.WorkflowRunID,
		StepID:       esc.StepID,
		EscalationID: esc.ID,
		Status:       string(esc.Status),
		Message:      esc.Response.String(),
	})
	c.release(esc)
	return esc, nil
}

// Cancel withdraws id. Waiters are released but no resume is signaled.
func (c *Coordinator) Cancel(ctx context.Context, id, reason string) (*models.Escalation, error) {
	esc, err := c.store.Cancel(id, reason)
	if err != nil {
		return nil, err
	}

	c.logger.Log("[escalation] cancelled %s: %s", esc.ID, reason)
	notify.Send(ctx, c.sink, c.logger, notify.Event{
		Kind:         notify.EscalationCancelled,
		RunID:        esc.WorkflowRunID,
		EscalationID: esc.ID,
		Status:       string(esc.Status),
		Message:      reason,
	})
	c.release(esc)
	return esc, nil
}

// Get returns the escalation with id.
func (c *Coordinator) Get(id string) (*models.Escalation, error) {
	return c.store.Get(id)
}

// List returns escalations matching filter.
func (c *Coordinator) List(filter models.EscalationFilter) ([]*models.Escalation, error) {
	return c.store.List(filter)
}

// Metrics aggregates all stored escalations.
func (c *Coordinator) Metrics() (models.EscalationMetrics, error) {
	return c.store.Metrics()
}

// Deliver queues a resolved escalation for dispatch. Escalations that are
// not resolved, or were already queued, are ignored.
func (c *Coordinator) Deliver(esc *models.Escalation) bool {
	if esc == nil || esc.Status != models.EscalationResolved {
		return false
	}

	c.mu.Lock()
	if c.signalled[esc.ID] {
		c.mu.Unlock()
		return false
	}
	c.signalled[esc.ID] = true
	c.queue = append(c.queue, esc)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

// Wait blocks until id leaves the pending state or ctx is done.
func (c *Coordinator) Wait(ctx context.Context, id string) (*models.Escalation, error) {
	ch := make(chan *models.Escalation, 1)
	c.mu.Lock()
	c.waiters[id] = append(c.waiters[id], ch)
	c.mu.Unlock()

	defer c.dropWaiter(id, ch)

	// Check after registering so a concurrent resolution is not missed.
	esc, err := c.store.Get(id)
	if err != nil {
		return nil, err
	}
	if esc.Status != models.EscalationPending {
		return esc, nil
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case esc := <-ch:
		return esc, nil
	}
}

func (c *Coordinator) dropWaiter(id string, ch chan *models.Escalation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.waiters[id]
	for i, w := range list {
		if w == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(c.waiters, id)
	} else {
		c.waiters[id] = list
	}
}

func (c *Coordinator) release(esc *models.Escalation) {
	c.mu.Lock()
	waiters := c.waiters[esc.ID]
	delete(c.waiters, esc.ID)
	c.mu.Unlock()

	for _, ch := range waiters {
		ch <- esc
	}
}

// Close stops the dispatcher and waits for resumes it started, whose
// context it cancels. Queued signals that were not yet dispatched are
// dropped; they can be recovered with a resume sweep.
func (c *Coordinator) Close() error {
	c.cancel()
	<-c.done
	c.resumes.Wait()
	return nil
}

func (c *Coordinator) dispatch() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.wake:
		}

		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			esc := c.queue[0]
			c.queue = c.queue[1:]
			resumer := c.resumer
			subscribers := append([]func(*models.Escalation){}, c.subscribers...)
			c.mu.Unlock()

			c.release(esc)
			for _, fn := range subscribers {
				fn(esc)
			}
			if resumer != nil {
				c.resumes.Add(1)
				go c.resume(resumer, esc)
			}

			if c.ctx.Err() != nil {
				return
			}
		}
	}
}

// resume runs one resumed segment. Segments of different runs overlap.
func (c *Coordinator) resume(resumer Resumer, esc *models.Escalation) {
	defer c.resumes.Done()
	if err := resumer.ResumeEscalation(c.ctx, esc); err != nil {
		c.logger.Log("[escalation] resume for %s (run %s) failed: %v", esc.ID, esc.WorkflowRunID, err)
	}
}
