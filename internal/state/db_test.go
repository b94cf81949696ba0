package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// setupTestDB opens a migrated database in a fresh directory.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func schemaVersions(t *testing.T, db *DB) []int {
	t.Helper()
	rows, err := db.Query("SELECT version FROM schema_version ORDER BY version")
	if err != nil {
		t.Fatalf("read schema_version: %v", err)
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			t.Fatalf("scan version: %v", err)
		}
		out = append(out, v)
	}
	return out
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return string(b)
}

func TestOpen_DataDirLayout(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "nested", "conductor")
	path := DefaultDBPath(dataDir)

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("database file missing: %v", err)
	}
	if _, err := Open("/proc/conductor/state.db"); err == nil {
		t.Error("expected error for a directory that cannot be created")
	}
}

func TestMigrate_RepeatedOpensKeepOneSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	// Every CLI command opens and migrates the same file.
	for i := 0; i < 3; i++ {
		db, err := Open(path)
		if err != nil {
			t.Fatalf("Open #%d failed: %v", i, err)
		}
		if err := db.Migrate(); err != nil {
			t.Fatalf("Migrate #%d failed: %v", i, err)
		}
		if i < 2 {
			db.Close()
			continue
		}
		defer db.Close()

		got := schemaVersions(t, db)
		want := []int{1, 2, 3}
		if len(got) != len(want) {
			t.Fatalf("schema versions = %v, want %v", got, want)
		}
		for j := range want {
			if got[j] != want[j] {
				t.Errorf("schema versions = %v, want %v", got, want)
			}
		}
		for _, col := range []string{"definition", "state", "pending_escalation_id", "paused"} {
			var n int
			if err := db.QueryRow("SELECT COUNT(*) FROM pragma_table_info('runs') WHERE name = ?", col).Scan(&n); err != nil {
				t.Fatalf("table_info: %v", err)
			}
			if n != 1 {
				t.Errorf("runs.%s missing", col)
			}
		}
	}
}

func TestMigrate_BackfillsPausedFromState(t *testing.T) {
	db := setupTestDB(t)

	// Roll the file back to a version 2 schema holding a paused run.
	for _, stmt := range []string{
		"DELETE FROM schema_version WHERE version = 3",
		"ALTER TABLE runs DROP COLUMN paused",
	} {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("%s: %v", stmt, err)
		}
	}
	s := newRun("run-old")
	s.Status = models.RunInProgress
	s.Paused = true
	for _, r := range []*models.WorkflowRunState{s, newRun("run-idle")} {
		if _, err := db.Exec(`INSERT INTO runs (id, workflow_name, status, updated_at, definition, state)
			VALUES (?, ?, ?, ?, '{}', ?)`, r.RunID, r.WorkflowName, string(r.Status), formatTime(r.UpdatedAt), mustJSON(t, r)); err != nil {
			t.Fatalf("insert %s: %v", r.RunID, err)
		}
	}

	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	for id, want := range map[string]bool{"run-old": true, "run-idle": false} {
		var paused bool
		if err := db.QueryRow("SELECT paused FROM runs WHERE id = ?", id).Scan(&paused); err != nil {
			t.Fatalf("read %s: %v", id, err)
		}
		if paused != want {
			t.Errorf("%s paused = %t, want %t", id, paused, want)
		}
	}

	// The backfilled flag guards conditional saves straight away.
	resumed := s.Clone()
	resumed.Paused = false
	if err := db.SaveRunIf(resumed, Expect{Status: models.RunInProgress}); !errors.Is(err, ErrConflict) {
		t.Errorf("save expecting an unpaused run = %v, want ErrConflict", err)
	}
	if err := db.SaveRunIf(resumed, ExpectOf(s)); err != nil {
		t.Errorf("save expecting the paused run failed: %v", err)
	}
}

func TestOpen_PragmasApplyToEveryConnection(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	// Hold two pooled connections at once so the pool cannot hand back
	// the same one.
	var conns []*sql.Conn
	for i := 0; i < 2; i++ {
		c, err := db.conn.Conn(ctx)
		if err != nil {
			t.Fatalf("Conn #%d: %v", i, err)
		}
		defer c.Close()
		conns = append(conns, c)
	}

	for i, c := range conns {
		var fk, busy int
		var journal string
		if err := c.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil {
			t.Fatalf("conn %d foreign_keys: %v", i, err)
		}
		if err := c.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busy); err != nil {
			t.Fatalf("conn %d busy_timeout: %v", i, err)
		}
		if err := c.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journal); err != nil {
			t.Fatalf("conn %d journal_mode: %v", i, err)
		}
		if fk != 1 || busy != 5000 || !strings.EqualFold(journal, "wal") {
			t.Errorf("conn %d: foreign_keys=%d busy_timeout=%d journal_mode=%s", i, fk, busy, journal)
		}
	}
}

func TestCheckpoints_RequireTheirRun(t *testing.T) {
	db := setupTestDB(t)

	_, err := db.AppendCheckpoint(newRun("ghost"), "build", "before-step")
	if err == nil {
		t.Fatal("checkpoint of an unknown run should be rejected")
	}
	if cps, _ := db.ListCheckpoints("ghost"); len(cps) != 0 {
		t.Errorf("orphan checkpoints stored: %v", cps)
	}
}

func TestTransaction_RollsBackRunAndCheckpointTogether(t *testing.T) {
	db := setupTestDB(t)
	s := createRun(t, db, "run-1")

	boom := errors.New("disk full")
	err := db.Transaction(func(tx *sql.Tx) error {
		expect := ExpectOf(s)
		s.CurrentStepID = "deploy"
		if err := saveRunTx(tx, s, expect); err != nil {
			return err
		}
		if _, err := appendCheckpointTx(tx, s, "deploy", "before-step"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Transaction error = %v, want %v", err, boom)
	}

	got, _ := db.GetRun("run-1")
	if got.CurrentStepID != "" {
		t.Errorf("current step = %q, the update should be rolled back", got.CurrentStepID)
	}
	if cp, _ := db.LatestCheckpoint("run-1"); cp != nil {
		t.Errorf("checkpoint %d survived the rollback", cp.Sequence)
	}
}

func TestSaveRunIf_OneWinnerAcrossHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	var handles []*DB
	for i := 0; i < 4; i++ {
		db, err := Open(path)
		if err != nil {
			t.Fatalf("Open #%d failed: %v", i, err)
		}
		if err := db.Migrate(); err != nil {
			t.Fatalf("Migrate #%d failed: %v", i, err)
		}
		t.Cleanup(func() { db.Close() })
		handles = append(handles, db)
	}

	s := newRun("run-1")
	s.Status = models.RunAwaitingEscalation
	s.PendingEscalationID = "esc-1"
	if err := handles[0].CreateRun(s, []byte("{}")); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	parked := ExpectOf(s)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		won       int
		conflicts int
	)
	for i, db := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := s.Clone()
			next.Status = models.RunInProgress
			next.PendingEscalationID = ""
			next.CurrentStepID = "step-" + string(rune('a'+i))
			err := db.SaveRunIf(next, parked)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("handle %d: %v", i, err)
			}
		}()
	}
	wg.Wait()

	if won != 1 || conflicts != len(handles)-1 {
		t.Errorf("won=%d conflicts=%d, want 1 and %d", won, conflicts, len(handles)-1)
	}
}

func TestDefaultDataDir(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/srv/data")
	if got := DefaultDataDir(); got != "/srv/data/conductor" {
		t.Errorf("DefaultDataDir() = %q, want /srv/data/conductor", got)
	}

	t.Setenv("XDG_DATA_HOME", "")
	home, _ := os.UserHomeDir()
	if got, want := DefaultDataDir(), filepath.Join(home, ".local", "share", "conductor"); got != want {
		t.Errorf("DefaultDataDir() = %q, want %q", got, want)
	}
}

func TestStoredTimes(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 30, 0, 123456789, time.FixedZone("CET", 3600))

	parsed, err := parseTime(formatTime(at))
	if err != nil {
		t.Fatalf("parseTime failed: %v", err)
	}
	if !parsed.Equal(at) || parsed.Location() != time.UTC {
		t.Errorf("parsed = %v, want %v in UTC", parsed, at)
	}

	tests := []struct {
		name string
		in   sql.NullString
		want bool
	}{
		{"null", sql.NullString{}, false},
		{"garbage", sql.NullString{String: "yesterday", Valid: true}, false},
		{"stored", sql.NullString{String: *formatNullableTime(&at), Valid: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseNullableTime(tt.in); (got != nil) != tt.want {
				t.Errorf("parseNullableTime(%q) = %v", tt.in.String, got)
			}
		})
	}
	if formatNullableTime(nil) != nil {
		t.Error("nil time should store as NULL")
	}
}
