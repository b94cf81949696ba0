package orchestrator

import (
	"time"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// Config holds the engine's limits. Every value can be tuned per
// deployment; nothing here is a package-level constant.
type Config struct {
	// MaxEscalations is the advisory escalation budget per run. Exceeding
	// it is reported in the RunResult but never blocks execution.
	MaxEscalations int
	// Timeout bounds each execution segment (Start or Resume call).
	Timeout time.Duration
	// RetryLimit is the number of retries after the first attempt for
	// transient step errors.
	RetryLimit int
	// BackoffBase is the first retry delay; it doubles per retry.
	BackoffBase time.Duration
	// BackoffMax caps the retry delay.
	BackoffMax time.Duration
	// MaxParallel is the number of executors run concurrently within a
	// batch. 1 runs steps strictly sequentially.
	MaxParallel int
	// RequireReview keeps finished runs in Review until accepted.
	RequireReview bool
	// CheckpointRetention is how many checkpoints to keep per run.
	// Zero keeps all; positive values below 2 are raised to 2.
	CheckpointRetention int
	// EscalationTimeout fails runs parked longer than this. Zero disables.
	EscalationTimeout time.Duration
	// HookTimeout bounds each hook delivery.
	HookTimeout time.Duration
	// MaxDecisionsPerStep bounds autonomous decisions taken for one step.
	MaxDecisionsPerStep int
}

// DefaultConfig returns the default engine limits.
func DefaultConfig() Config {
	return Config{
		MaxEscalations:      3,
		Timeout:             30 * time.Minute,
		RetryLimit:          3,
		BackoffBase:         500 * time.Millisecond,
		BackoffMax:          30 * time.Second,
		MaxParallel:         1,
		CheckpointRetention: 10,
		HookTimeout:         10 * time.Second,
		MaxDecisionsPerStep: 10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.RetryLimit < 0 {
		c.RetryLimit = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.MaxParallel < 1 {
		c.MaxParallel = 1
	}
	if c.HookTimeout <= 0 {
		c.HookTimeout = d.HookTimeout
	}
	if c.MaxDecisionsPerStep <= 0 {
		c.MaxDecisionsPerStep = d.MaxDecisionsPerStep
	}
	return c
}

// backoff returns the delay before retry number retry (0-based).
func (c Config) backoff(retry int) time.Duration {
	d := c.BackoffBase
	for i := 0; i < retry; i++ {
		d *= 2
		if d >= c.BackoffMax {
			return c.BackoffMax
		}
	}
	return d
}

// StartOptions configures a single run.
type StartOptions struct {
	// RunID is the run identifier. A UUID is generated when empty.
	RunID string
	// MaxEscalations overrides Config.MaxEscalations when positive.
	MaxEscalations int
	// Timeout overrides Config.Timeout for the first segment when positive.
	Timeout time.Duration
	// RequireReview keeps the run in Review until accepted, in addition to
	// Config.RequireReview.
	RequireReview bool
	// Variables seeds the run's variables.
	Variables map[string]models.Value
}
