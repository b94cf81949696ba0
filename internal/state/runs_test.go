package state

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ShayCichocki/conductor/pkg/models"
)

func newRun(id string) *models.WorkflowRunState {
	s := models.NewRunState(id, "solutioning", 3)
	return s
}

func TestCreateAndGetRun(t *testing.T) {
	db := setupTestDB(t)

	s := newRun("run-1")
	started := time.Now().UTC()
	s.Status = models.RunInProgress
	s.StartedAt = &started
	s.Variables["prd.doc"] = models.StringValue("prd.md")

	if err := db.CreateRun(s, []byte(`{"name":"solutioning"}`)); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	got, err := db.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetRun returned nil")
	}
	if got.Status != models.RunInProgress {
		t.Errorf("Status = %s, want in_progress", got.Status)
	}
	if got.Variables["prd.doc"].String() != "prd.md" {
		t.Errorf("variable lost: %v", got.Variables)
	}

	def, err := db.GetDefinition("run-1")
	if err != nil {
		t.Fatalf("GetDefinition failed: %v", err)
	}
	if string(def) != `{"name":"solutioning"}` {
		t.Errorf("definition = %s", def)
	}
}

func TestCreateRun_Duplicate(t *testing.T) {
	db := setupTestDB(t)

	if err := db.CreateRun(newRun("run-1"), []byte("{}")); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	err := db.CreateRun(newRun("run-1"), []byte("{}"))
	if !errors.Is(err, ErrRunExists) {
		t.Fatalf("second CreateRun error = %v, want ErrRunExists", err)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	db := setupTestDB(t)

	got, err := db.GetRun("missing")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got != nil {
		t.Errorf("GetRun = %+v, want nil", got)
	}
}

func TestSaveRunIf_UpdatesSummaryColumns(t *testing.T) {
	db := setupTestDB(t)

	s := newRun("run-1")
	if err := db.CreateRun(s, []byte("{}")); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	created := ExpectOf(s)
	s.Status = models.RunAwaitingEscalation
	s.PendingEscalationID = "esc-1"
	s.MarkCompleted("prd")
	s.RecomputeProgress()
	if err := db.SaveRunIf(s, created); err != nil {
		t.Fatalf("SaveRunIf failed: %v", err)
	}

	got, _ := db.GetRun("run-1")
	if got.Status != models.RunAwaitingEscalation || got.PendingEscalationID != "esc-1" {
		t.Errorf("got status=%s pending=%s", got.Status, got.PendingEscalationID)
	}

	status := models.RunAwaitingEscalation
	runs, err := db.ListRuns(&status)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 || runs[0].PendingEscalationID != "esc-1" {
		t.Errorf("ListRuns = %+v", runs)
	}
}

func TestSaveRunIf_Unknown(t *testing.T) {
	db := setupTestDB(t)
	ghost := newRun("ghost")
	if err := db.SaveRunIf(ghost, ExpectOf(ghost)); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("SaveRunIf error = %v, want ErrRunNotFound", err)
	}
}

func TestListRuns_All(t *testing.T) {
	db := setupTestDB(t)
	for _, id := range []string{"a", "b", "c"} {
		if err := db.CreateRun(newRun(id), []byte("{}")); err != nil {
			t.Fatalf("CreateRun(%s) failed: %v", id, err)
		}
	}
	runs, err := db.ListRuns(nil)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 3 {
		t.Errorf("len(runs) = %d, want 3", len(runs))
	}
}

func TestStatusWriter_MirrorsSavedRuns(t *testing.T) {
	dir := t.TempDir()
	w := NewStatusWriter(filepath.Join(dir, "runs"))
	db, err := Open(filepath.Join(dir, "state.db"), WithStatusWriter(w))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	s := newRun("run-1")
	if err := db.CreateRun(s, []byte("{}")); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	created := ExpectOf(s)
	s.Status = models.RunFailed
	s.Error = &models.ErrorSummary{StepID: "build", Class: models.ErrorClassTransient, Retries: 3, Message: "timeout"}
	if err := db.SaveRunIf(s, created); err != nil {
		t.Fatalf("SaveRunIf failed: %v", err)
	}

	rec, err := w.Read("run-1")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if rec == nil {
		t.Fatal("status record missing")
	}
	if rec.Status != models.RunFailed {
		t.Errorf("status = %s, want failed", rec.Status)
	}
	if rec.Error == nil || rec.Error.StepID != "build" || rec.Error.Retries != 3 {
		t.Errorf("error summary = %+v", rec.Error)
	}

	missing, err := w.Read("nope")
	if err != nil || missing != nil {
		t.Errorf("Read(nope) = %v, %v; want nil, nil", missing, err)
	}
}

func TestSaveRunIf(t *testing.T) {
	db := setupTestDB(t)

	s := newRun("run-1")
	s.Status = models.RunAwaitingEscalation
	s.PendingEscalationID = "esc-1"
	if err := db.CreateRun(s, []byte("{}")); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	parked := ExpectOf(s)

	first := s.Clone()
	first.Status = models.RunInProgress
	first.PendingEscalationID = ""
	if err := db.SaveRunIf(first, parked); err != nil {
		t.Fatalf("first SaveRunIf failed: %v", err)
	}

	// A second resumer holding the same expectation loses.
	second := s.Clone()
	second.Status = models.RunInProgress
	second.PendingEscalationID = ""
	second.Variables["late"] = models.BoolValue(true)
	if err := db.SaveRunIf(second, parked); !errors.Is(err, ErrConflict) {
		t.Fatalf("second SaveRunIf error = %v, want ErrConflict", err)
	}

	got, _ := db.GetRun("run-1")
	if _, ok := got.Variables["late"]; ok {
		t.Error("conflicting save must not be written")
	}

	if _, err := db.SaveRunWithCheckpointIf(second, parked, "prd", "after-step"); !errors.Is(err, ErrConflict) {
		t.Fatalf("SaveRunWithCheckpointIf error = %v, want ErrConflict", err)
	}
	if cp, _ := db.LatestCheckpoint("run-1"); cp != nil {
		t.Error("conflicting save must not append a checkpoint")
	}

	if err := db.SaveRunIf(newRun("ghost"), parked); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("SaveRunIf(ghost) error = %v, want ErrRunNotFound", err)
	}
}

func TestSaveRunIf_PausedIsPartOfTheExpectation(t *testing.T) {
	db := setupTestDB(t)

	s := newRun("run-1")
	s.Status = models.RunInProgress
	s.Paused = true
	if err := db.CreateRun(s, []byte("{}")); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	paused := ExpectOf(s)
	if !paused.Paused {
		t.Fatal("ExpectOf should carry the paused flag")
	}

	// Two resumers both loaded the paused run; only the first unpauses it.
	first := s.Clone()
	first.Paused = false
	if err := db.SaveRunIf(first, paused); err != nil {
		t.Fatalf("first unpause failed: %v", err)
	}
	second := s.Clone()
	second.Paused = false
	if err := db.SaveRunIf(second, paused); !errors.Is(err, ErrConflict) {
		t.Fatalf("second unpause error = %v, want ErrConflict", err)
	}

	// The winner keeps saving against the unpaused row.
	first.CurrentStepID = "build"
	if err := db.SaveRunIf(first, ExpectOf(first)); err != nil {
		t.Fatalf("save after unpause failed: %v", err)
	}

	var stored bool
	if err := db.QueryRow("SELECT paused FROM runs WHERE id = ?", "run-1").Scan(&stored); err != nil {
		t.Fatalf("read paused column: %v", err)
	}
	if stored {
		t.Error("paused column should be cleared")
	}
}
