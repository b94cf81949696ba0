package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/ShayCichocki/conductor/pkg/models"
)

var (
	// ErrInvalidTransition is matched by every InvalidTransitionError.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrRunNotFound is returned for an unknown run id.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunBusy is returned when another control operation holds the run.
	ErrRunBusy = errors.New("run is busy")
	// ErrRunExists is returned when starting a run id that is already stored.
	ErrRunExists = errors.New("run already exists")
	// ErrInvalidRunID is returned when a caller-chosen run id is not a
	// plain file name.
	ErrInvalidRunID = errors.New("invalid run id")
	// ErrRunCancelled is returned when a run was cancelled underneath the
	// engine executing it.
	ErrRunCancelled = errors.New("run was cancelled")
	// ErrResponseRequired is returned when resuming a run whose escalation
	// has not been answered and no response was supplied.
	ErrResponseRequired = errors.New("escalation is still pending; a response is required")
	// ErrDefinitionChanged is returned when the stored definition no longer
	// matches the fingerprint recorded at start.
	ErrDefinitionChanged = errors.New("workflow definition changed since the run started")
)

// InvalidTransitionError reports a rejected state machine transition.
type InvalidTransitionError struct {
	RunID string
	From  models.RunStatus
	To    models.RunStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("run %s: cannot transition from %s to %s", e.RunID, e.From, e.To)
}

// Is matches ErrInvalidTransition.
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// TransientStepError marks a step failure as retryable.
type TransientStepError struct {
	Err error
}

func (e *TransientStepError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientStepError) Unwrap() error { return e.Err }

// Transient wraps err so the engine retries it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientStepError{Err: err}
}

// PermanentStepError marks a step failure as not retryable.
type PermanentStepError struct {
	Err error
}

func (e *PermanentStepError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentStepError) Unwrap() error { return e.Err }

// Permanent wraps err so the engine fails the step without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentStepError{Err: err}
}

// ErrorClass is the retry classification of a step error.
type ErrorClass string

const (
	// ClassUnknown lets the default classification decide.
	ClassUnknown   ErrorClass = ""
	ClassTransient ErrorClass = models.ErrorClassTransient
	ClassPermanent ErrorClass = models.ErrorClassPermanent
)

// ErrorClassifier lets callers classify executor errors. Returning
// ClassUnknown falls back to DefaultClassify.
type ErrorClassifier func(err error) ErrorClass

var transientMessages = []string{
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"broken pipe",
	"temporarily unavailable",
	"try again",
	"rate limit",
	"too many requests",
	"service unavailable",
	"bad gateway",
	"gateway timeout",
	"overloaded",
}

// DefaultClassify treats typed step errors as marked, network and
// timeout shaped errors as transient, and everything else as permanent.
func DefaultClassify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}

	var permanent *PermanentStepError
	if errors.As(err, &permanent) {
		return ClassPermanent
	}
	var transient *TransientStepError
	if errors.As(err, &transient) {
		return ClassTransient
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ClassTransient
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ETIMEDOUT) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return ClassTransient
		}
	}
	return ClassPermanent
}

func (e *Engine) classify(err error) ErrorClass {
	if e.classifier != nil {
		if c := e.classifier(err); c != ClassUnknown {
			return c
		}
	}
	return DefaultClassify(err)
}
