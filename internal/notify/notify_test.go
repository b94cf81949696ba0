package notify

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestMulti_CallsEverySink(t *testing.T) {
	var calls int
	count := SinkFunc(func(context.Context, Event) error {
		calls++
		return nil
	})
	boom := errors.New("boom")
	failing := SinkFunc(func(context.Context, Event) error {
		calls++
		return boom
	})

	err := Multi{failing, nil, count}.Notify(context.Background(), Event{Kind: StepStarted})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestSend_StampsTimestamp(t *testing.T) {
	var got Event
	sink := SinkFunc(func(_ context.Context, e Event) error {
		got = e
		return nil
	})
	Send(context.Background(), sink, nil, Event{Kind: EscalationCreated})
	if got.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}

	// Failures are logged, not returned.
	Send(context.Background(), SinkFunc(func(context.Context, Event) error {
		return errors.New("down")
	}), nil, Event{Kind: EscalationCreated})
	Send(context.Background(), nil, nil, Event{})
}

func TestConsoleSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewConsoleSink(&buf, false)

	ts := time.Date(2025, 1, 2, 10, 30, 0, 0, time.UTC)
	events := []Event{
		{Kind: RunStateChanged, RunID: "r1", From: "not_started", Status: "in_progress", Timestamp: ts},
		{Kind: StepFailed, RunID: "r1", StepID: "build", Message: "exit 1", Timestamp: ts},
		{Kind: EscalationCreated, RunID: "r1", EscalationID: "e1", Message: "Which region?", Timestamp: ts},
	}
	for _, e := range events {
		if err := s.Notify(context.Background(), e); err != nil {
			t.Fatalf("Notify failed: %v", err)
		}
	}

	out := buf.String()
	for _, want := range []string{
		"10:30:00 run r1: not_started -> in_progress",
		"✗ 10:30:00 run r1 step build: step_failed: exit 1",
		"escalation e1 for run r1: Which region?",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
