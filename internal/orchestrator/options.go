package orchestrator

import (
	"time"

	"github.com/ShayCichocki/conductor/internal/logging"
	"github.com/ShayCichocki/conductor/internal/notify"
	"github.com/ShayCichocki/conductor/internal/signals"
	"github.com/ShayCichocki/conductor/internal/workspace"
)

// RequiredConfig contains the collaborators an Engine cannot run without.
type RequiredConfig struct {
	// Store persists run records and checkpoints.
	Store Store
	// Registry resolves step actions to executors.
	Registry *Registry
}

// Option configures an Engine. Use With* functions to create Options.
type Option func(*engineOptions)

// engineOptions holds all optional configuration.
// They are only used during construction.
type engineOptions struct {
	cfg         Config
	decider     Decider
	escalator   Escalator
	workspaces  workspace.Manager
	sink        notify.Sink
	logger      *logging.Logger
	classifier  ErrorClassifier
	signals     *signals.Dir
	now         func() time.Time
	hooks       *HookBus
	eventBuffer int
}

// WithConfig sets the engine limits.
func WithConfig(cfg Config) Option {
	return func(o *engineOptions) { o.cfg = cfg }
}

// WithDecider sets the decision engine consulted when a step needs a decision.
func WithDecider(d Decider) Option {
	return func(o *engineOptions) { o.decider = d }
}

// WithEscalator sets where undecidable questions are escalated.
func WithEscalator(x Escalator) Option {
	return func(o *engineOptions) { o.escalator = x }
}

// WithWorkspaces sets the workspace manager. Without one, runs get no workspace.
func WithWorkspaces(m workspace.Manager) Option {
	return func(o *engineOptions) { o.workspaces = m }
}

// WithSink sets the notification sink.
func WithSink(s notify.Sink) Option {
	return func(o *engineOptions) { o.sink = s }
}

// WithLogger sets the debug logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *engineOptions) { o.logger = l }
}

// WithClassifier sets a caller error classifier consulted before the default.
func WithClassifier(c ErrorClassifier) Option {
	return func(o *engineOptions) { o.classifier = c }
}

// WithSignals enables cross-process pause and cancel through signal files.
func WithSignals(d *signals.Dir) Option {
	return func(o *engineOptions) { o.signals = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *engineOptions) { o.now = now }
}

// WithHooks sets the hook bus. The engine closes it on Close.
func WithHooks(b *HookBus) Option {
	return func(o *engineOptions) { o.hooks = b }
}

// WithEvents enables the Events channel with the given buffer size.
func WithEvents(bufferSize int) Option {
	return func(o *engineOptions) { o.eventBuffer = bufferSize }
}

func defaultOptions() *engineOptions {
	return &engineOptions{
		cfg: DefaultConfig(),
		now: func() time.Time { return time.Now().UTC() },
	}
}
