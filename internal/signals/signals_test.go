package signals

import (
	"testing"
	"time"
)

func TestDir_RequestAndClear(t *testing.T) {
	d, err := NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewDir failed: %v", err)
	}

	if d.PauseRequested("run-1") {
		t.Error("pause should not be requested initially")
	}
	if err := d.RequestPause("run-1"); err != nil {
		t.Fatalf("RequestPause failed: %v", err)
	}
	if err := d.RequestCancel("run-1"); err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}
	if !d.PauseRequested("run-1") || !d.CancelRequested("run-1") {
		t.Error("signals should be raised")
	}
	if d.PauseRequested("run-2") {
		t.Error("signals must be per run")
	}

	if err := d.ClearKind("run-1", Pause); err != nil {
		t.Fatalf("ClearKind failed: %v", err)
	}
	if d.PauseRequested("run-1") || !d.CancelRequested("run-1") {
		t.Error("ClearKind should only clear pause")
	}

	if err := d.Clear("run-1"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if err := d.Clear("run-1"); err != nil {
		t.Errorf("Clear should be idempotent: %v", err)
	}
	if d.CancelRequested("run-1") {
		t.Error("cancel should be cleared")
	}
}

func TestParseName(t *testing.T) {
	tests := []struct {
		name  string
		runID string
		kind  Kind
		ok    bool
	}{
		{"run-1.pause", "run-1", Pause, true},
		{"a.b.cancel", "a.b", Cancel, true},
		{"run-1.stop", "", "", false},
		{".pause", "", "", false},
		{"pause", "", "", false},
	}
	for _, tt := range tests {
		runID, kind, ok := parseName(tt.name)
		if runID != tt.runID || kind != tt.kind || ok != tt.ok {
			t.Errorf("parseName(%q) = %q, %q, %v", tt.name, runID, kind, ok)
		}
	}
}

func TestWatcher(t *testing.T) {
	d, err := NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewDir failed: %v", err)
	}

	type sig struct {
		runID string
		kind  Kind
	}
	got := make(chan sig, 8)
	w, err := d.Watch(func(runID string, kind Kind) { got <- sig{runID, kind} })
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer w.Close()

	if err := d.RequestCancel("run-9"); err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}

	select {
	case s := <-got:
		if s.runID != "run-9" || s.kind != Cancel {
			t.Errorf("got %+v", s)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("signal not observed")
	}

	if err := w.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	w.Close()
}
