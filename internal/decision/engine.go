// Package decision answers questions from increasingly expensive sources
// and attaches a confidence score to every answer. It never creates
// escalations itself; callers compare the confidence with the threshold.
package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/ShayCichocki/conductor/internal/logging"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// KnowledgeConfidence is the confidence of every knowledge base answer.
const KnowledgeConfidence = 0.95

// ErrGenerationFailed wraps failures of the generative backend.
var ErrGenerationFailed = errors.New("generative reasoning failed")

// Config holds the tunables of an Engine.
type Config struct {
	// Threshold is the minimum confidence (inclusive) for acting without a human.
	Threshold float64
	// Temperature is passed to the generative backend.
	Temperature float64
	// ConfidenceFloor and ConfidenceCeiling bound recalibrated generative confidence.
	ConfidenceFloor   float64
	ConfidenceCeiling float64
	// MinKeywordOverlap is the number of shared terms a knowledge entry needs.
	MinKeywordOverlap int
}

// DefaultConfig returns the standard decision settings.
func DefaultConfig() Config {
	return Config{
		Threshold:         0.75,
		Temperature:       0.1,
		ConfidenceFloor:   0.3,
		ConfidenceCeiling: 0.9,
		MinKeywordOverlap: 2,
	}
}

// Generation is the raw output of a generative backend call.
type Generation struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// Generator is the text-generation backend used for reasoning.
type Generator interface {
	Generate(ctx context.Context, prompt string, temperature float64) (Generation, error)
}

// Engine produces Decisions.
type Engine struct {
	cfg    Config
	kb     *KnowledgeBase
	gen    Generator
	logger *logging.Logger
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithKnowledgeBase sets the static answer corpus.
func WithKnowledgeBase(kb *KnowledgeBase) Option {
	return func(e *Engine) { e.kb = kb }
}

// WithGenerator sets the generative backend.
func WithGenerator(g Generator) Option {
	return func(e *Engine) { e.gen = g }
}

// WithLogger sets the debug logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine.
func New(cfg Config, opts ...Option) *Engine {
	e := &Engine{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Sufficient reports whether d may be acted on without a human.
func (e *Engine) Sufficient(d models.Decision) bool {
	return d.Confidence >= e.cfg.Threshold
}

// NeedsEscalation reports whether d must be escalated.
func (e *Engine) NeedsEscalation(d models.Decision) bool {
	return !e.Sufficient(d)
}

// Attempt answers question from the knowledge base, then from generative
// reasoning. When neither yields an answer the returned Decision has
// source none and confidence 0. Backend failures are returned as errors
// wrapping ErrGenerationFailed.
func (e *Engine) Attempt(ctx context.Context, question string, decisionCtx map[string]models.Value) (models.Decision, error) {
	d := models.Decision{
		Question:  question,
		Timestamp: e.now().UTC(),
		Context:   models.CloneValues(decisionCtx),
		Source:    models.SourceNone,
	}

	if e.kb != nil {
		if entry, ok := e.kb.Lookup(question); ok {
			d.Value = entry.Answer
			d.Confidence = KnowledgeConfidence
			d.Source = models.SourceKnowledgeBase
			d.Reasoning = fmt.Sprintf("matched knowledge entry %s", entry.ID)
			e.logger.Log("[decision] knowledge hit entry=%s question=%q", entry.ID, question)
			return d, nil
		}
	}

	if e.gen == nil {
		d.Reasoning = "no knowledge entry matched and no generative backend is configured"
		return d, nil
	}

	gen, err := e.gen.Generate(ctx, buildPrompt(question, decisionCtx), e.cfg.Temperature)
	if err != nil {
		e.logger.Log("[decision] generation failed question=%q err=%v", question, err)
		return d, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}

	parsed, err := parseGeneration(gen.Text)
	if err != nil {
		e.logger.Log("[decision] unusable generation question=%q err=%v", question, err)
		d.Reasoning = fmt.Sprintf("generative backend returned no usable answer: %v", err)
		return d, nil
	}

	d.Value = parsed.value
	d.Reasoning = parsed.reasoning
	d.Source = models.SourceGenerativeReasoning
	d.Confidence = e.recalibrate(parsed.confidence, parsed.reasoning)
	e.logger.Log("[decision] generated raw=%.2f calibrated=%.2f question=%q", parsed.confidence, d.Confidence, question)
	return d, nil
}

var (
	certainPhrases = []string{"definitely", "clearly"}
	hedgePhrases   = []string{"maybe", "unsure"}
	missingPhrases = []string{
		"missing context", "insufficient context", "not enough context", "lack of context",
		"lacking context", "need more context", "more context", "missing information",
		"insufficient information", "not enough information",
	}
)

// Recalibrate adjusts a self-reported confidence using the language of the
// reasoning and clamps it to [0.3, 0.9].
func Recalibrate(raw float64, reasoning string) float64 {
	cfg := DefaultConfig()
	return recalibrate(raw, reasoning, cfg.ConfidenceFloor, cfg.ConfidenceCeiling)
}

func (e *Engine) recalibrate(raw float64, reasoning string) float64 {
	return recalibrate(raw, reasoning, e.cfg.ConfidenceFloor, e.cfg.ConfidenceCeiling)
}

func recalibrate(raw float64, reasoning string, floor, ceiling float64) float64 {
	if math.IsNaN(raw) {
		raw = 0
	}
	lower := strings.ToLower(reasoning)
	c := raw
	if containsAny(lower, certainPhrases) {
		c += 0.1
	}
	if containsAny(lower, hedgePhrases) {
		c -= 0.2
	}
	if containsAny(lower, missingPhrases) {
		c -= 0.15
	}
	if c < floor {
		c = floor
	}
	if c > ceiling {
		c = ceiling
	}
	return math.Round(c*1e6) / 1e6
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func buildPrompt(question string, decisionCtx map[string]models.Value) string {
	var b strings.Builder
	b.WriteString("You are deciding on behalf of an automated workflow.\n\n")
	b.WriteString("Question:\n")
	b.WriteString(question)
	b.WriteString("\n")

	if len(decisionCtx) > 0 {
		keys := make([]string, 0, len(decisionCtx))
		for k := range decisionCtx {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\nContext:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, decisionCtx[k].String())
		}
	}

	b.WriteString("\nRespond with only a JSON object of the form\n")
	b.WriteString(`{"decision": <string, number, boolean or object>, "confidence": <0.0-1.0>, "reasoning": "<why>"}`)
	b.WriteString("\nState plainly in the reasoning if context is missing.\n")
	return b.String()
}

type generated struct {
	value      models.Value
	confidence float64
	reasoning  string
}

func parseGeneration(text string) (generated, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return generated{}, errors.New("no JSON object in response")
	}

	var raw struct {
		Decision   json.RawMessage `json:"decision"`
		Confidence *float64        `json:"confidence"`
		Reasoning  string          `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return generated{}, fmt.Errorf("decode response: %w", err)
	}
	if len(raw.Decision) == 0 {
		return generated{}, errors.New("response has no decision")
	}
	if raw.Confidence == nil {
		return generated{}, errors.New("response has no confidence")
	}

	var v models.Value
	if err := json.Unmarshal(raw.Decision, &v); err != nil {
		return generated{}, fmt.Errorf("decode decision: %w", err)
	}
	if v.IsZero() {
		return generated{}, errors.New("response decision is null")
	}
	if s, ok := v.AsString(); ok && strings.TrimSpace(s) == "" {
		return generated{}, errors.New("response decision is empty")
	}

	return generated{value: v, confidence: *raw.Confidence, reasoning: raw.Reasoning}, nil
}
