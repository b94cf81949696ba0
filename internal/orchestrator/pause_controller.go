package orchestrator

import (
	"context"
	"sync"
)

// runControl holds the pause and cancel requests for a run executing in
// this process. The run loop polls it between steps.
type runControl struct {
	mu        sync.RWMutex
	paused    bool
	cancelled bool
	cancel    context.CancelFunc
}

func newRunControl(cancel context.CancelFunc) *runControl {
	return &runControl{cancel: cancel}
}

// Pause asks the run to stop after its current step.
func (c *runControl) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

// Cancel marks the run cancelled and interrupts its current step.
func (c *runControl) Cancel() {
	c.mu.Lock()
	c.cancelled = true
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// IsPaused returns whether a pause was requested.
func (c *runControl) IsPaused() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.paused
}

// IsCancelled returns whether a cancel was requested.
func (c *runControl) IsCancelled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cancelled
}

// runLocks serializes control operations per run id. Each lock is a
// one-slot channel so waiters can give up when their context ends.
type runLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newRunLocks() *runLocks {
	return &runLocks{locks: make(map[string]chan struct{})}
}

func (l *runLocks) slot(runID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[runID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[runID] = ch
	}
	return ch
}

// TryLock acquires the run lock without waiting.
func (l *runLocks) TryLock(runID string) (unlock func(), ok bool) {
	ch := l.slot(runID)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, true
	default:
		return nil, false
	}
}

// Lock waits for the run lock or for ctx to end.
func (l *runLocks) Lock(ctx context.Context, runID string) (unlock func(), err error) {
	ch := l.slot(runID)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
