package state

import (
	"fmt"
	"sync"
	"testing"

	"github.com/ShayCichocki/conductor/pkg/models"
)

func createRun(t *testing.T, db *DB, id string) *models.WorkflowRunState {
	t.Helper()
	s := newRun(id)
	if err := db.CreateRun(s, []byte("{}")); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	return s
}

func TestAppendCheckpoint_MonotonicSequence(t *testing.T) {
	db := setupTestDB(t)
	s := createRun(t, db, "run-1")

	for i := 1; i <= 3; i++ {
		s.MarkCompleted(fmt.Sprintf("step%d", i))
		cp, err := db.AppendCheckpoint(s, fmt.Sprintf("step%d", i), "after")
		if err != nil {
			t.Fatalf("AppendCheckpoint failed: %v", err)
		}
		if cp.Sequence != int64(i) {
			t.Errorf("sequence = %d, want %d", cp.Sequence, i)
		}
	}

	latest, err := db.LatestCheckpoint("run-1")
	if err != nil {
		t.Fatalf("LatestCheckpoint failed: %v", err)
	}
	if latest.Sequence != 3 || len(latest.State.CompletedStepIDs) != 3 {
		t.Errorf("latest = seq %d completed %v", latest.Sequence, latest.State.CompletedStepIDs)
	}

	prev, err := db.PreviousCheckpoint("run-1")
	if err != nil {
		t.Fatalf("PreviousCheckpoint failed: %v", err)
	}
	if prev.Sequence != 2 || len(prev.State.CompletedStepIDs) != 2 {
		t.Errorf("previous = seq %d completed %v", prev.Sequence, prev.State.CompletedStepIDs)
	}
}

func TestAppendCheckpoint_SnapshotIsImmutable(t *testing.T) {
	db := setupTestDB(t)
	s := createRun(t, db, "run-1")
	s.Variables["x"] = models.StringValue("before")

	if _, err := db.AppendCheckpoint(s, "a", "before"); err != nil {
		t.Fatalf("AppendCheckpoint failed: %v", err)
	}
	s.Variables["x"] = models.StringValue("after")

	cp, _ := db.GetCheckpoint("run-1", 1)
	if cp.State.Variables["x"].String() != "before" {
		t.Errorf("checkpoint changed after state mutation: %v", cp.State.Variables["x"])
	}
}

func TestAppendCheckpoint_ConcurrentRuns(t *testing.T) {
	db := setupTestDB(t)
	runs := []*models.WorkflowRunState{createRun(t, db, "a"), createRun(t, db, "b")}

	var wg sync.WaitGroup
	for _, s := range runs {
		wg.Add(1)
		go func(s *models.WorkflowRunState) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if _, err := db.AppendCheckpoint(s.Clone(), "step", "after"); err != nil {
					t.Errorf("AppendCheckpoint(%s) failed: %v", s.RunID, err)
					return
				}
			}
		}(s)
	}
	wg.Wait()

	for _, s := range runs {
		cps, err := db.ListCheckpoints(s.RunID)
		if err != nil {
			t.Fatalf("ListCheckpoints failed: %v", err)
		}
		if len(cps) != 10 {
			t.Fatalf("%s has %d checkpoints, want 10", s.RunID, len(cps))
		}
		for i, cp := range cps {
			if cp.Sequence != int64(i+1) {
				t.Errorf("%s checkpoint %d has sequence %d", s.RunID, i, cp.Sequence)
			}
		}
	}
}

func TestSaveRunWithCheckpointIf(t *testing.T) {
	db := setupTestDB(t)
	s := createRun(t, db, "run-1")

	created := ExpectOf(s)
	s.Status = models.RunInProgress
	s.MarkCompleted("prd")
	cp, err := db.SaveRunWithCheckpointIf(s, created, "prd", "after")
	if err != nil {
		t.Fatalf("SaveRunWithCheckpointIf failed: %v", err)
	}
	if cp.Sequence != 1 || cp.CreatedAtStepID != "prd" {
		t.Errorf("checkpoint = %+v", cp)
	}

	got, _ := db.GetRun("run-1")
	if !got.IsCompleted("prd") {
		t.Error("run record not updated")
	}
}

func TestLatestCheckpoint_None(t *testing.T) {
	db := setupTestDB(t)
	createRun(t, db, "run-1")

	cp, err := db.LatestCheckpoint("run-1")
	if err != nil || cp != nil {
		t.Errorf("LatestCheckpoint = %v, %v; want nil, nil", cp, err)
	}
	prev, err := db.PreviousCheckpoint("run-1")
	if err != nil || prev != nil {
		t.Errorf("PreviousCheckpoint = %v, %v; want nil, nil", prev, err)
	}
}

func TestPruneCheckpoints_KeepsCurrentAndPrevious(t *testing.T) {
	db := setupTestDB(t)
	s := createRun(t, db, "run-1")
	for i := 0; i < 6; i++ {
		if _, err := db.AppendCheckpoint(s, "step", "after"); err != nil {
			t.Fatalf("AppendCheckpoint failed: %v", err)
		}
	}

	deleted, err := db.PruneCheckpoints("run-1", 0)
	if err != nil {
		t.Fatalf("PruneCheckpoints failed: %v", err)
	}
	if deleted != 4 {
		t.Errorf("deleted = %d, want 4", deleted)
	}

	cps, _ := db.ListCheckpoints("run-1")
	if len(cps) != 2 || cps[0].Sequence != 5 || cps[1].Sequence != 6 {
		t.Errorf("remaining checkpoints = %+v", cps)
	}

	// Sequence keeps counting after a prune.
	cp, err := db.AppendCheckpoint(s, "step", "after")
	if err != nil {
		t.Fatalf("AppendCheckpoint failed: %v", err)
	}
	if cp.Sequence != 7 {
		t.Errorf("sequence after prune = %d, want 7", cp.Sequence)
	}
}
