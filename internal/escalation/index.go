package escalation

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// Index is a queryable projection of the escalation records. The JSON
// files remain the source of truth; the index can always be rebuilt from
// them with Store.Reindex.
type Index struct {
	db *sql.DB
}

// OpenIndex opens (creating if needed) the index database at dbPath.
func OpenIndex(dbPath string) (*Index, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	// Indexes written before claims carried a timestamp are dropped; the
	// empty index is rebuilt from the records.
	var hasClaimedAt int
	err = db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('escalations') WHERE name = 'claimed_at'`).Scan(&hasClaimedAt)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("inspect index: %w", err)
	}
	if hasClaimedAt == 0 {
		if _, err := db.Exec(`DROP TABLE IF EXISTS escalations`); err != nil {
			db.Close()
			return nil, fmt.Errorf("drop old index: %w", err)
		}
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS escalations (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			step_id TEXT,
			category TEXT,
			status TEXT NOT NULL,
			confidence REAL,
			created_at INTEGER NOT NULL,
			resolved_at INTEGER,
			resolution_ms INTEGER,
			claimed_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_escalations_status ON escalations(status);
		CREATE INDEX IF NOT EXISTS idx_escalations_run ON escalations(run_id);
		CREATE INDEX IF NOT EXISTS idx_escalations_category ON escalations(category);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	return &Index{db: db}, nil
}

// Close closes the index database.
func (x *Index) Close() error {
	return x.db.Close()
}

// Upsert writes the index row for esc, replacing any existing row and
// any claim on it.
func (x *Index) Upsert(esc *models.Escalation) error {
	var resolvedAt, resolutionMs sql.NullInt64
	if esc.ResolvedAt != nil {
		resolvedAt = sql.NullInt64{Int64: esc.ResolvedAt.UnixMilli(), Valid: true}
	}
	if esc.ResolutionTimeMs != nil {
		resolutionMs = sql.NullInt64{Int64: *esc.ResolutionTimeMs, Valid: true}
	}

	_, err := x.db.Exec(`
		INSERT INTO escalations (id, run_id, step_id, category, status, confidence, created_at, resolved_at, resolution_ms, claimed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(id) DO UPDATE SET
			run_id = excluded.run_id,
			step_id = excluded.step_id,
			category = excluded.category,
			status = excluded.status,
			confidence = excluded.confidence,
			created_at = excluded.created_at,
			resolved_at = excluded.resolved_at,
			resolution_ms = excluded.resolution_ms,
			claimed_at = NULL
	`, esc.ID, esc.WorkflowRunID, esc.StepID, esc.Category, string(esc.Status), esc.Confidence,
		esc.CreatedAt.UnixMilli(), resolvedAt, resolutionMs)
	if err != nil {
		return fmt.Errorf("upsert escalation %s: %w", esc.ID, err)
	}
	return nil
}

// Claim atomically moves a pending row to status, stamped with at. It
// returns false when the row is missing or no longer pending, which is
// how concurrent responders in different processes are serialized.
func (x *Index) Claim(id string, status models.EscalationStatus, at time.Time, resolutionMs *int64) (bool, error) {
	var ms sql.NullInt64
	if resolutionMs != nil {
		ms = sql.NullInt64{Int64: *resolutionMs, Valid: true}
	}
	var resolvedAt sql.NullInt64
	if status == models.EscalationResolved {
		resolvedAt = sql.NullInt64{Int64: at.UnixMilli(), Valid: true}
	}

	result, err := x.db.Exec(`
		UPDATE escalations SET status = ?, resolved_at = ?, resolution_ms = ?, claimed_at = ?
		WHERE id = ? AND status = ?
	`, string(status), resolvedAt, ms, at.UnixMilli(), id, string(models.EscalationPending))
	if err != nil {
		return false, fmt.Errorf("claim escalation %s: %w", id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows == 1, nil
}

// Release returns a claimed row to pending after a failed record write.
func (x *Index) Release(id string) error {
	_, err := x.db.Exec(`
		UPDATE escalations SET status = ?, resolved_at = NULL, resolution_ms = NULL, claimed_at = NULL
		WHERE id = ?
	`, string(models.EscalationPending), id)
	if err != nil {
		return fmt.Errorf("release escalation %s: %w", id, err)
	}
	return nil
}

// ReleaseStale returns id to pending if it was claimed before cutoff.
// It reports whether the row was released.
func (x *Index) ReleaseStale(id string, cutoff time.Time) (bool, error) {
	result, err := x.db.Exec(`
		UPDATE escalations SET status = ?, resolved_at = NULL, resolution_ms = NULL, claimed_at = NULL
		WHERE id = ? AND status != ? AND claimed_at IS NOT NULL AND claimed_at < ?
	`, string(models.EscalationPending), id, string(models.EscalationPending), cutoff.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("release stale claim %s: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows == 1, nil
}

// Delete removes the row for id.
func (x *Index) Delete(id string) error {
	if _, err := x.db.Exec(`DELETE FROM escalations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete escalation %s: %w", id, err)
	}
	return nil
}

// Status returns the indexed status of id, or "" when it is not indexed.
func (x *Index) Status(id string) (models.EscalationStatus, error) {
	var status string
	err := x.db.QueryRow(`SELECT status FROM escalations WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query status: %w", err)
	}
	return models.EscalationStatus(status), nil
}

// IDs returns the ids matching filter, oldest first.
func (x *Index) IDs(filter models.EscalationFilter) ([]string, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.WorkflowRunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.WorkflowRunID)
	}
	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, filter.Category)
	}

	query := `SELECT id FROM escalations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := x.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query escalations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan escalation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Count returns the number of indexed escalations.
func (x *Index) Count() (int, error) {
	var n int
	if err := x.db.QueryRow(`SELECT COUNT(*) FROM escalations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count escalations: %w", err)
	}
	return n, nil
}

// Metrics aggregates every indexed escalation in two queries.
func (x *Index) Metrics() (models.EscalationMetrics, error) {
	m := models.EscalationMetrics{CategoryBreakdown: make(map[string]int)}

	var avg sql.NullFloat64
	err := x.db.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'resolved' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END), 0),
			AVG(CASE WHEN status = 'resolved' THEN resolution_ms END)
		FROM escalations
	`).Scan(&m.TotalEscalations, &m.PendingCount, &m.ResolvedCount, &m.CancelledCount, &avg)
	if err != nil {
		return m, fmt.Errorf("aggregate escalations: %w", err)
	}
	if avg.Valid {
		m.AverageResolutionTimeMs = avg.Float64
	}

	rows, err := x.db.Query(`SELECT COALESCE(category, ''), COUNT(*) FROM escalations GROUP BY category`)
	if err != nil {
		return m, fmt.Errorf("group escalations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			category string
			n        int
		)
		if err := rows.Scan(&category, &n); err != nil {
			return m, fmt.Errorf("scan category: %w", err)
		}
		m.CategoryBreakdown[category] += n
	}
	return m, rows.Err()
}
