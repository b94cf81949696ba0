package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// MinCheckpointRetention is the smallest number of checkpoints kept per
// run: the current one and the one before it.
const MinCheckpointRetention = 2

// AppendCheckpoint stores an immutable snapshot of s with the next
// sequence number for its run.
func (db *DB) AppendCheckpoint(s *models.WorkflowRunState, stepID, label string) (*models.Checkpoint, error) {
	var cp *models.Checkpoint
	err := db.Transaction(func(tx *sql.Tx) error {
		var err error
		cp, err = appendCheckpointTx(tx, s, stepID, label)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

func appendCheckpointTx(tx *sql.Tx, s *models.WorkflowRunState, stepID, label string) (*models.Checkpoint, error) {
	var seq int64
	if err := tx.QueryRow("SELECT COALESCE(MAX(sequence), 0) FROM checkpoints WHERE run_id = ?", s.RunID).Scan(&seq); err != nil {
		return nil, fmt.Errorf("next checkpoint sequence: %w", err)
	}
	seq++

	snapshot := s.Clone()
	stateJSON, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	now := time.Now().UTC()

	if _, err := tx.Exec(`
		INSERT INTO checkpoints (run_id, sequence, step_id, label, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.RunID, seq, stepID, label, string(stateJSON), formatTime(now)); err != nil {
		return nil, fmt.Errorf("append checkpoint: %w", err)
	}

	return &models.Checkpoint{
		RunID:           s.RunID,
		Sequence:        seq,
		CreatedAtStepID: stepID,
		Label:           label,
		State:           *snapshot,
		CreatedAt:       now,
	}, nil
}

const checkpointCols = "run_id, sequence, step_id, label, state, created_at"

func scanCheckpoint(row interface{ Scan(...any) error }) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	var stepID sql.NullString
	var stateJSON, createdAt string
	if err := row.Scan(&cp.RunID, &cp.Sequence, &stepID, &cp.Label, &stateJSON, &createdAt); err != nil {
		return nil, err
	}
	cp.CreatedAtStepID = stepID.String
	cp.CreatedAt, _ = parseTime(createdAt)
	if err := json.Unmarshal([]byte(stateJSON), &cp.State); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s#%d: %w", cp.RunID, cp.Sequence, err)
	}
	return &cp, nil
}

// LatestCheckpoint returns the highest committed checkpoint of a run, or
// nil if the run has none.
func (db *DB) LatestCheckpoint(runID string) (*models.Checkpoint, error) {
	return db.checkpointAt(runID, 0)
}

// PreviousCheckpoint returns the checkpoint before the latest one, or nil.
func (db *DB) PreviousCheckpoint(runID string) (*models.Checkpoint, error) {
	return db.checkpointAt(runID, 1)
}

func (db *DB) checkpointAt(runID string, offset int) (*models.Checkpoint, error) {
	row := db.QueryRow(`
		SELECT `+checkpointCols+` FROM checkpoints
		WHERE run_id = ? ORDER BY sequence DESC LIMIT 1 OFFSET ?
	`, runID, offset)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return cp, nil
}

// GetCheckpoint returns a specific checkpoint, or nil if it was pruned or
// never existed.
func (db *DB) GetCheckpoint(runID string, sequence int64) (*models.Checkpoint, error) {
	row := db.QueryRow("SELECT "+checkpointCols+" FROM checkpoints WHERE run_id = ? AND sequence = ?", runID, sequence)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return cp, nil
}

// ListCheckpoints returns every retained checkpoint of a run in sequence order.
func (db *DB) ListCheckpoints(runID string) ([]models.Checkpoint, error) {
	rows, err := db.Query("SELECT "+checkpointCols+" FROM checkpoints WHERE run_id = ? ORDER BY sequence", runID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []models.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, *cp)
	}
	return out, rows.Err()
}

// PruneCheckpoints deletes all but the newest retain checkpoints of a run.
// retain is raised to MinCheckpointRetention. Returns the number deleted.
func (db *DB) PruneCheckpoints(runID string, retain int) (int64, error) {
	if retain < MinCheckpointRetention {
		retain = MinCheckpointRetention
	}
	res, err := db.Exec(`
		DELETE FROM checkpoints WHERE run_id = ? AND sequence <= (
			SELECT COALESCE(MAX(sequence), 0) FROM checkpoints WHERE run_id = ?
		) - ?
	`, runID, runID, retain)
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return n, nil
}
