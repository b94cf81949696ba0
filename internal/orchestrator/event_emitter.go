package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ShayCichocki/conductor/internal/logging"
	"github.com/ShayCichocki/conductor/internal/notify"
)

// EventEmitter buffers engine events for a single in-process subscriber.
// It implements notify.Sink so it can sit beside other sinks.
type EventEmitter struct {
	events       chan notify.Event
	droppedCount atomic.Uint64
	logger       *logging.Logger

	mu     sync.RWMutex
	closed bool
}

var _ notify.Sink = (*EventEmitter)(nil)

// NewEventEmitter creates an EventEmitter with the given buffer size.
func NewEventEmitter(bufferSize int, logger *logging.Logger) *EventEmitter {
	return &EventEmitter{
		events: make(chan notify.Event, bufferSize),
		logger: logger,
	}
}

// Notify emits e. It never fails.
func (e *EventEmitter) Notify(_ context.Context, ev notify.Event) error {
	e.Emit(ev)
	return nil
}

// Emit sends an event to the events channel.
// If the channel is full, it tries with a timeout before dropping the event.
func (e *EventEmitter) Emit(ev notify.Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}

	select {
	case e.events <- ev:
		return
	default:
	}

	// Give the receiver a chance to drain.
	select {
	case e.events <- ev:
	case <-time.After(100 * time.Millisecond):
		count := e.droppedCount.Add(1)
		if count%10 == 1 {
			e.logger.Log("[engine] WARNING: event channel full, dropped event (total dropped: %d): kind=%s", count, ev.Kind)
		}
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns a read-only channel of events.
func (e *EventEmitter) Events() <-chan notify.Event {
	return e.events
}

// Close closes the events channel. Later emits are discarded.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.events)
	}
}
