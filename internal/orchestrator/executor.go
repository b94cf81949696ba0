package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// RunContext is the read-only view of a run handed to a step executor.
type RunContext struct {
	RunID        string
	WorkflowName string
	StepID       string
	// Attempt is 1 for the first try and increases with each retry.
	Attempt   int
	Workspace models.WorkspaceHandle
	// Variables is a snapshot of the run's variables.
	Variables map[string]models.Value
	// Decisions holds the decisions already made for this step, by key.
	Decisions map[string]models.Value
}

// Decision returns the decision recorded for key, if any.
func (rc RunContext) Decision(key string) (models.Value, bool) {
	v, ok := rc.Decisions[key]
	return v, ok
}

// DecisionRequest asks the engine to decide something before the step
// can finish. The engine re-invokes the executor once the decision is
// available in RunContext.Decisions.
type DecisionRequest struct {
	Key      string
	Question string
	Context  map[string]models.Value
	// Category groups the resulting escalation in metrics.
	Category string
}

// StepResult is what an executor returns.
type StepResult struct {
	Outputs       map[string]models.Value
	NeedsDecision *DecisionRequest
}

// NeedDecision is a convenience for returning a decision request.
func NeedDecision(key, question string, ctx map[string]models.Value) StepResult {
	return StepResult{NeedsDecision: &DecisionRequest{Key: key, Question: question, Context: ctx}}
}

// StepExecutor performs a step's action.
type StepExecutor interface {
	Execute(ctx context.Context, inputs map[string]models.Value, rc RunContext) (StepResult, error)
}

// StepFunc adapts a function to a StepExecutor.
type StepFunc func(ctx context.Context, inputs map[string]models.Value, rc RunContext) (StepResult, error)

// Execute calls f.
func (f StepFunc) Execute(ctx context.Context, inputs map[string]models.Value, rc RunContext) (StepResult, error) {
	return f(ctx, inputs, rc)
}

// Registry maps action names to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]StepExecutor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]StepExecutor)}
}

// Register binds action to exec, replacing any previous binding.
func (r *Registry) Register(action string, exec StepExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[action] = exec
}

// RegisterFunc binds action to fn.
func (r *Registry) RegisterFunc(action string, fn StepFunc) {
	r.Register(action, fn)
}

// Lookup returns the executor for action.
func (r *Registry) Lookup(action string) (StepExecutor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[action]
	return exec, ok
}

// Actions returns the registered action names, sorted.
func (r *Registry) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for a := range r.executors {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// safeExecute runs exec and turns a panic into a permanent error.
func safeExecute(ctx context.Context, exec StepExecutor, inputs map[string]models.Value, rc RunContext) (res StepResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("step %s panicked: %v", rc.StepID, r))
		}
	}()
	return exec.Execute(ctx, inputs, rc)
}
