// Package notify delivers engine and escalation events to observers.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/ShayCichocki/conductor/internal/logging"
)

// Kind identifies an event type.
type Kind string

const (
	RunStateChanged     Kind = "run_state_changed"
	StepStarted         Kind = "step_started"
	StepCompleted       Kind = "step_completed"
	StepRetrying        Kind = "step_retrying"
	StepFailed          Kind = "step_failed"
	HookFailed          Kind = "hook_failed"
	EscalationCreated   Kind = "escalation_created"
	EscalationResolved  Kind = "escalation_resolved"
	EscalationCancelled Kind = "escalation_cancelled"
)

// Event is a notification about a run or an escalation.
type Event struct {
	Kind         Kind      `json:"kind"`
	RunID        string    `json:"run_id,omitempty"`
	StepID       string    `json:"step_id,omitempty"`
	EscalationID string    `json:"escalation_id,omitempty"`
	From         string    `json:"from,omitempty"`
	Status       string    `json:"status,omitempty"`
	Progress     float64   `json:"progress,omitempty"`
	Message      string    `json:"message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Notify(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, e Event) error

// Notify calls f.
func (f SinkFunc) Notify(ctx context.Context, e Event) error { return f(ctx, e) }

// Nop discards every event.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(context.Context, Event) error { return nil }

// Multi fans an event out to several sinks. Every sink is called even if
// an earlier one fails; the errors are joined.
type Multi []Sink

// Notify delivers e to every sink.
func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes events to a debug logger.
type LogSink struct {
	Logger *logging.Logger
}

// Notify logs e.
func (s LogSink) Notify(_ context.Context, e Event) error {
	s.Logger.Log("[notify] %s run=%s step=%s escalation=%s status=%s %s",
		e.Kind, e.RunID, e.StepID, e.EscalationID, e.Status, e.Message)
	return nil
}

// Send delivers e to sink, stamping the timestamp, and logs failures
// instead of returning them.
func Send(ctx context.Context, sink Sink, logger *logging.Logger, e Event) {
	if sink == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := sink.Notify(ctx, e); err != nil {
		logger.Log("[notify] delivering %s failed: %v", e.Kind, err)
	}
}
