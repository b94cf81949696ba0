package models

import "time"

// DecisionSource identifies where a decision came from.
type DecisionSource string

const (
	// SourceKnowledgeBase marks a decision taken from a human-authored answer document.
	SourceKnowledgeBase DecisionSource = "knowledge_base"
	// SourceGenerativeReasoning marks a decision produced by the text-generation backend.
	SourceGenerativeReasoning DecisionSource = "generative_reasoning"
	// SourceHuman marks a decision supplied through an escalation response.
	SourceHuman DecisionSource = "human"
	// SourceNone marks an attempt where no source produced a usable answer.
	SourceNone DecisionSource = "none"
)

// Decision is an answer to a question together with how much it can be trusted.
type Decision struct {
	Question   string           `json:"question" yaml:"question"`
	Value      Value            `json:"decision" yaml:"decision"`
	Confidence float64          `json:"confidence" yaml:"confidence"`
	Reasoning  string           `json:"reasoning,omitempty" yaml:"reasoning,omitempty"`
	Source     DecisionSource   `json:"source" yaml:"source"`
	Timestamp  time.Time        `json:"timestamp" yaml:"timestamp"`
	Context    map[string]Value `json:"context,omitempty" yaml:"context,omitempty"`

	// StepID and Key are set when the decision is recorded against a run.
	StepID string `json:"step_id,omitempty" yaml:"step_id,omitempty"`
	Key    string `json:"key,omitempty" yaml:"key,omitempty"`
}
