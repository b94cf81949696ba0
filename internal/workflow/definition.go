// Package workflow defines workflow definitions, their validation, and the
// execution plans derived from them.
package workflow

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/ShayCichocki/conductor/internal/graph"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// Step is one unit of work in a workflow.
type Step struct {
	ID           string                  `json:"id" yaml:"id"`
	Action       string                  `json:"action" yaml:"action"`
	Description  string                  `json:"description,omitempty" yaml:"description,omitempty"`
	Inputs       map[string]models.Value `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs      []string                `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Dependencies []string                `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// Definition declares a workflow: a name and its ordered steps.
// A Definition is treated as immutable once a run has started.
type Definition struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []Step `json:"steps" yaml:"steps"`
}

// ValidationError reports a workflow definition that cannot be executed.
type ValidationError struct {
	Workflow string
	StepID   string
	Reason   string
	Err      error
}

func (e *ValidationError) Error() string {
	name := e.Workflow
	if name == "" {
		name = "<unnamed>"
	}
	if e.StepID != "" {
		return fmt.Sprintf("workflow %s: step %s: %s", name, e.StepID, e.Reason)
	}
	return fmt.Sprintf("workflow %s: %s", name, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidationError reports whether err is or wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks required fields, step id uniqueness, dependency
// references, finite input numbers and acyclicity.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return &ValidationError{Reason: "name is required"}
	}
	if len(d.Steps) == 0 {
		return &ValidationError{Workflow: d.Name, Reason: "at least one step is required"}
	}

	seen := make(map[string]bool, len(d.Steps))
	for i, s := range d.Steps {
		if s.ID == "" {
			return &ValidationError{Workflow: d.Name, Reason: fmt.Sprintf("step[%d]: id is required", i)}
		}
		if s.Action == "" {
			return &ValidationError{Workflow: d.Name, StepID: s.ID, Reason: "action is required"}
		}
		if seen[s.ID] {
			return &ValidationError{Workflow: d.Name, StepID: s.ID, Reason: "duplicate step id"}
		}
		seen[s.ID] = true
		if path, bad := nonFinite("", s.Inputs); bad {
			return &ValidationError{Workflow: d.Name, StepID: s.ID, Reason: fmt.Sprintf("input %s: number must be finite", path)}
		}
	}

	for _, s := range d.Steps {
		for _, dep := range s.Dependencies {
			if dep == s.ID {
				return &ValidationError{Workflow: d.Name, StepID: s.ID, Reason: "step depends on itself", Err: graph.ErrCycleDetected}
			}
			if !seen[dep] {
				return &ValidationError{Workflow: d.Name, StepID: s.ID, Reason: fmt.Sprintf("unknown dependency %s", dep)}
			}
		}
	}

	g := graph.New()
	if err := g.Build(d.nodes()); err != nil {
		return &ValidationError{Workflow: d.Name, Reason: err.Error(), Err: err}
	}
	return nil
}

// nonFinite returns the path of the first NaN or infinite number in m,
// visiting keys in sorted order.
func nonFinite(prefix string, m map[string]models.Value) (string, bool) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		v := m[k]
		if f, ok := v.AsNumber(); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
			return path, true
		}
		if nested, ok := v.AsMap(); ok {
			if p, bad := nonFinite(path, nested); bad {
				return p, true
			}
		}
	}
	return "", false
}

// Step returns the step with the given id.
func (d *Definition) Step(id string) (Step, bool) {
	for _, s := range d.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

func (d *Definition) nodes() []graph.Node {
	nodes := make([]graph.Node, len(d.Steps))
	for i, s := range d.Steps {
		nodes[i] = graph.Node{ID: s.ID, DependsOn: s.Dependencies}
	}
	return nodes
}

// Clone returns a deep copy of the definition.
func (d *Definition) Clone() *Definition {
	cp := &Definition{Name: d.Name, Description: d.Description}
	cp.Steps = make([]Step, len(d.Steps))
	for i, s := range d.Steps {
		cp.Steps[i] = Step{
			ID:           s.ID,
			Action:       s.Action,
			Description:  s.Description,
			Inputs:       models.CloneValues(s.Inputs),
			Outputs:      append([]string(nil), s.Outputs...),
			Dependencies: append([]string(nil), s.Dependencies...),
		}
	}
	return cp
}
