package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ShayCichocki/conductor/internal/graph"
)

// ExecutionPlan is the immutable, batched ordering of a definition's steps.
// Steps in the same batch have no dependencies on each other.
type ExecutionPlan struct {
	def         *Definition
	batches     [][]string
	order       []string
	index       map[string]int
	fingerprint string
}

// BuildExecutionPlan validates def and groups its steps into dependency
// batches.
func BuildExecutionPlan(def *Definition) (*ExecutionPlan, error) {
	if def == nil {
		return nil, &ValidationError{Reason: "definition is nil"}
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	g := graph.New()
	if err := g.Build(def.nodes()); err != nil {
		return nil, &ValidationError{Workflow: def.Name, Reason: err.Error(), Err: err}
	}
	batches, err := g.Batches()
	if err != nil {
		return nil, &ValidationError{Workflow: def.Name, Reason: err.Error(), Err: err}
	}
	order, err := g.TopologicalSort()
	if err != nil {
		return nil, &ValidationError{Workflow: def.Name, Reason: err.Error(), Err: err}
	}

	fp, err := Fingerprint(def)
	if err != nil {
		return nil, err
	}

	p := &ExecutionPlan{
		def:         def.Clone(),
		batches:     batches,
		order:       order,
		index:       make(map[string]int, len(def.Steps)),
		fingerprint: fp,
	}
	for i, s := range p.def.Steps {
		p.index[s.ID] = i
	}
	return p, nil
}

// Fingerprint returns a stable hash of the definition content.
func Fingerprint(def *Definition) (string, error) {
	data, err := json.Marshal(def)
	if err != nil {
		return "", fmt.Errorf("encode definition: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Definition returns the definition the plan was built from.
func (p *ExecutionPlan) Definition() *Definition { return p.def }

// Name returns the workflow name.
func (p *ExecutionPlan) Name() string { return p.def.Name }

// Fingerprint returns the hash of the definition the plan was built from.
func (p *ExecutionPlan) Fingerprint() string { return p.fingerprint }

// Len returns the number of steps.
func (p *ExecutionPlan) Len() int { return len(p.order) }

// Batches returns a copy of the step batches.
func (p *ExecutionPlan) Batches() [][]string {
	out := make([][]string, len(p.batches))
	for i, b := range p.batches {
		out[i] = append([]string(nil), b...)
	}
	return out
}

// Order returns all step ids in execution order.
func (p *ExecutionPlan) Order() []string {
	return append([]string(nil), p.order...)
}

// Step returns the step with the given id.
func (p *ExecutionPlan) Step(id string) (Step, bool) {
	i, ok := p.index[id]
	if !ok {
		return Step{}, false
	}
	return p.def.Steps[i], true
}
