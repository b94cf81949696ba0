package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
)

// ConsoleSink prints one line per event, colored by kind.
type ConsoleSink struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsoleSink creates a sink writing to out (stdout when nil). When
// useColor is false color output is disabled globally.
func NewConsoleSink(out io.Writer, useColor bool) *ConsoleSink {
	if out == nil {
		out = os.Stdout
	}
	if !useColor {
		color.NoColor = true
	}
	return &ConsoleSink{out: out}
}

// Notify prints e.
func (s *ConsoleSink) Notify(_ context.Context, e Event) error {
	symbol, attr := glyph(e.Kind)
	c := color.New(attr)

	line := fmt.Sprintf("%s %s %s", c.Sprint(symbol), e.Timestamp.Format("15:04:05"), describe(e))

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintln(s.out, line)
	return err
}

func glyph(k Kind) (string, color.Attribute) {
	switch k {
	case StepCompleted, EscalationResolved:
		return "✓", color.FgGreen
	case StepFailed, HookFailed:
		return "✗", color.FgRed
	case StepRetrying, EscalationCreated:
		return "!", color.FgYellow
	case EscalationCancelled:
		return "-", color.FgHiBlack
	default:
		return "•", color.FgCyan
	}
}

func describe(e Event) string {
	switch e.Kind {
	case RunStateChanged:
		return fmt.Sprintf("run %s: %s -> %s (%.0f%%)", e.RunID, e.From, e.Status, e.Progress)
	case StepStarted, StepCompleted, StepRetrying, StepFailed, HookFailed:
		msg := fmt.Sprintf("run %s step %s: %s", e.RunID, e.StepID, e.Kind)
		if e.Message != "" {
			msg += ": " + e.Message
		}
		return msg
	case EscalationCreated:
		return fmt.Sprintf("escalation %s for run %s: %s", e.EscalationID, e.RunID, e.Message)
	default:
		msg := fmt.Sprintf("escalation %s: %s", e.EscalationID, e.Status)
		if e.Message != "" {
			msg += " (" + e.Message + ")"
		}
		return msg
	}
}
