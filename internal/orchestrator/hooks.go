package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ShayCichocki/conductor/internal/logging"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// HookPhase is when a hook runs relative to the step executor.
type HookPhase string

const (
	PreStep  HookPhase = "pre"
	PostStep HookPhase = "post"
)

// AnyStep registers a hook for every step.
const AnyStep = "*"

// HookEvent is the message delivered to a hook.
type HookEvent struct {
	Phase        HookPhase
	RunID        string
	WorkflowName string
	StepID       string
	Inputs       map[string]models.Value
	// Outputs is set for post-step hooks of successful steps.
	Outputs map[string]models.Value
	// Err is set for post-step hooks of failed steps.
	Err error
}

// Hook observes step execution. Hook failures never affect the step.
type Hook interface {
	Name() string
	Handle(ctx context.Context, ev HookEvent) error
}

type funcHook struct {
	name string
	fn   func(context.Context, HookEvent) error
}

func (h funcHook) Name() string { return h.name }

func (h funcHook) Handle(ctx context.Context, ev HookEvent) error { return h.fn(ctx, ev) }

// NewHook creates a named hook from a function.
func NewHook(name string, fn func(context.Context, HookEvent) error) Hook {
	return funcHook{name: name, fn: fn}
}

// HookFailure describes a hook that failed, panicked or timed out.
type HookFailure struct {
	Hook  string
	Phase HookPhase
	Err   error
}

type hookMsg struct {
	ctx   context.Context
	ev    HookEvent
	reply chan error
}

// hookWorker owns one registered hook. Deliveries are queued to its
// inbox and handled on its own goroutine.
type hookWorker struct {
	hook  Hook
	step  string
	phase HookPhase
	inbox chan hookMsg
}

// HookBus delivers step events to registered hooks in registration order.
type HookBus struct {
	timeout time.Duration
	logger  *logging.Logger

	mu      sync.RWMutex
	workers []*hookWorker
	closed  bool
	wg      sync.WaitGroup
}

// NewHookBus creates a bus that waits at most timeout for each hook.
func NewHookBus(timeout time.Duration, logger *logging.Logger) *HookBus {
	if timeout <= 0 {
		timeout = DefaultConfig().HookTimeout
	}
	return &HookBus{timeout: timeout, logger: logger}
}

// Register adds h for step (or AnyStep) and phase.
func (b *HookBus) Register(step string, phase HookPhase, h Hook) {
	w := &hookWorker{hook: h, step: step, phase: phase, inbox: make(chan hookMsg, 16)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.workers = append(b.workers, w)
	b.wg.Add(1)
	go b.serve(w)
}

func (b *HookBus) serve(w *hookWorker) {
	defer b.wg.Done()
	for msg := range w.inbox {
		msg.reply <- handleSafely(w.hook, msg.ctx, msg.ev)
	}
}

func handleSafely(h Hook, ctx context.Context, ev HookEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panicked: %v", r)
		}
	}()
	return h.Handle(ctx, ev)
}

// Dispatch delivers ev to every matching hook, one at a time in
// registration order, and returns the failures. It never returns early.
func (b *HookBus) Dispatch(ctx context.Context, ev HookEvent) []HookFailure {
	b.mu.RLock()
	var targets []*hookWorker
	for _, w := range b.workers {
		if w.phase == ev.Phase && (w.step == AnyStep || w.step == ev.StepID) {
			targets = append(targets, w)
		}
	}
	b.mu.RUnlock()

	var failures []HookFailure
	for _, w := range targets {
		if err := b.deliver(ctx, w, ev); err != nil {
			b.logger.Log("[hooks] %s hook %s for step %s failed: %v", ev.Phase, w.hook.Name(), ev.StepID, err)
			failures = append(failures, HookFailure{Hook: w.hook.Name(), Phase: ev.Phase, Err: err})
		}
	}
	return failures
}

func (b *HookBus) deliver(ctx context.Context, w *hookWorker, ev HookEvent) error {
	hctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	msg := hookMsg{ctx: hctx, ev: ev, reply: make(chan error, 1)}
	select {
	case w.inbox <- msg:
	case <-hctx.Done():
		return fmt.Errorf("hook queue full: %w", hctx.Err())
	}

	select {
	case err := <-msg.reply:
		return err
	case <-hctx.Done():
		return fmt.Errorf("hook did not finish: %w", hctx.Err())
	}
}

// Close stops every hook worker after its queued deliveries.
func (b *HookBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, w := range b.workers {
		close(w.inbox)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
