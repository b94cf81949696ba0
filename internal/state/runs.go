package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// ErrRunExists is returned when creating a run whose id is already stored.
var ErrRunExists = errors.New("run already exists")

// ErrRunNotFound is returned when updating a run that was never created.
var ErrRunNotFound = errors.New("run not found")

// ErrConflict is returned by conditional saves when the stored run no
// longer matches the expected status.
var ErrConflict = errors.New("run was modified concurrently")

// Expect is the stored state a conditional save requires.
type Expect struct {
	Status              models.RunStatus
	PendingEscalationID string
	Paused              bool
}

// ExpectOf returns the Expect matching s as it is now.
func ExpectOf(s *models.WorkflowRunState) Expect {
	return Expect{Status: s.Status, PendingEscalationID: s.PendingEscalationID, Paused: s.Paused}
}

// CreateRun stores a new run together with the definition it executes.
func (db *DB) CreateRun(s *models.WorkflowRunState, definition []byte) error {
	stateJSON, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode run state: %w", err)
	}

	err = db.Transaction(func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRow("SELECT COUNT(*) FROM runs WHERE id = ?", s.RunID).Scan(&count); err != nil {
			return fmt.Errorf("check run: %w", err)
		}
		if count > 0 {
			return ErrRunExists
		}
		_, err := tx.Exec(`
			INSERT INTO runs (id, workflow_name, status, current_step, progress, pending_escalation_id,
				paused, started_at, completed_at, updated_at, definition, state)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, s.RunID, s.WorkflowName, string(s.Status), s.CurrentStepID, s.ProgressPercentage, s.PendingEscalationID, s.Paused,
			formatNullableTime(s.StartedAt), formatNullableTime(s.CompletedAt), formatTime(s.UpdatedAt),
			string(definition), string(stateJSON))
		return err
	})
	if err != nil {
		if errors.Is(err, ErrRunExists) {
			return fmt.Errorf("create run %s: %w", s.RunID, err)
		}
		return fmt.Errorf("create run: %w", err)
	}
	return db.writeStatus(s)
}

// SaveRunIf persists s only if the stored run still matches expect.
// Otherwise it returns ErrConflict and nothing is written.
func (db *DB) SaveRunIf(s *models.WorkflowRunState, expect Expect) error {
	err := db.Transaction(func(tx *sql.Tx) error {
		return saveRunTx(tx, s, expect)
	})
	if err != nil {
		return err
	}
	return db.writeStatus(s)
}

// SaveRunWithCheckpointIf persists the run state guarded by expect and
// appends a checkpoint of it in a single transaction.
func (db *DB) SaveRunWithCheckpointIf(s *models.WorkflowRunState, expect Expect, stepID, label string) (*models.Checkpoint, error) {
	var cp *models.Checkpoint
	err := db.Transaction(func(tx *sql.Tx) error {
		if err := saveRunTx(tx, s, expect); err != nil {
			return err
		}
		var err error
		cp, err = appendCheckpointTx(tx, s, stepID, label)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := db.writeStatus(s); err != nil {
		return cp, err
	}
	return cp, nil
}

func saveRunTx(tx *sql.Tx, s *models.WorkflowRunState, expect Expect) error {
	stateJSON, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode run state: %w", err)
	}

	query := `
		UPDATE runs SET status = ?, current_step = ?, progress = ?, pending_escalation_id = ?, paused = ?,
			started_at = ?, completed_at = ?, updated_at = ?, state = ?
		WHERE id = ? AND status = ? AND COALESCE(pending_escalation_id, '') = ? AND paused = ?`
	res, err := tx.Exec(query,
		string(s.Status), s.CurrentStepID, s.ProgressPercentage, s.PendingEscalationID, s.Paused,
		formatNullableTime(s.StartedAt), formatNullableTime(s.CompletedAt), formatTime(s.UpdatedAt),
		string(stateJSON), s.RunID,
		string(expect.Status), expect.PendingEscalationID, expect.Paused)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var (
		status string
		paused bool
	)
	err = tx.QueryRow("SELECT status, paused FROM runs WHERE id = ?", s.RunID).Scan(&status, &paused)
	if err == sql.ErrNoRows {
		return fmt.Errorf("save run %s: %w", s.RunID, ErrRunNotFound)
	}
	if err != nil {
		return fmt.Errorf("check run: %w", err)
	}
	return fmt.Errorf("save run %s: stored status %s (paused %t), expected %s (paused %t): %w",
		s.RunID, status, paused, expect.Status, expect.Paused, ErrConflict)
}

// GetRun retrieves a run by ID. Returns nil if it does not exist.
func (db *DB) GetRun(id string) (*models.WorkflowRunState, error) {
	var stateJSON string
	err := db.QueryRow("SELECT state FROM runs WHERE id = ?", id).Scan(&stateJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	var s models.WorkflowRunState
	if err := json.Unmarshal([]byte(stateJSON), &s); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", id, err)
	}
	return &s, nil
}

// GetDefinition returns the stored definition payload of a run.
func (db *DB) GetDefinition(runID string) ([]byte, error) {
	var def string
	err := db.QueryRow("SELECT definition FROM runs WHERE id = ?", runID).Scan(&def)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("get definition %s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get definition: %w", err)
	}
	return []byte(def), nil
}

// RunSummary is the indexed portion of a run record used for listings.
type RunSummary struct {
	RunID               string
	WorkflowName        string
	Status              models.RunStatus
	CurrentStepID       string
	ProgressPercentage  float64
	PendingEscalationID string
	StartedAt           *time.Time
	CompletedAt         *time.Time
	UpdatedAt           time.Time
}

// ListRuns lists runs, optionally filtered by status, most recently
// updated first.
func (db *DB) ListRuns(status *models.RunStatus) ([]RunSummary, error) {
	var rows *sql.Rows
	var err error

	const cols = `id, workflow_name, status, current_step, progress, pending_escalation_id,
		started_at, completed_at, updated_at`
	if status != nil {
		rows, err = db.Query("SELECT "+cols+" FROM runs WHERE status = ? ORDER BY updated_at DESC", string(*status))
	} else {
		rows, err = db.Query("SELECT " + cols + " FROM runs ORDER BY updated_at DESC")
	}
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var r RunSummary
		var current, pending sql.NullString
		var started, completed sql.NullString
		var updated string
		if err := rows.Scan(&r.RunID, &r.WorkflowName, &r.Status, &current, &r.ProgressPercentage, &pending,
			&started, &completed, &updated); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.CurrentStepID = current.String
		r.PendingEscalationID = pending.String
		r.StartedAt = parseNullableTime(started)
		r.CompletedAt = parseNullableTime(completed)
		r.UpdatedAt, _ = parseTime(updated)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (db *DB) writeStatus(s *models.WorkflowRunState) error {
	if db.status == nil {
		return nil
	}
	if err := db.status.Write(s); err != nil {
		return fmt.Errorf("write status record: %w", err)
	}
	return nil
}
