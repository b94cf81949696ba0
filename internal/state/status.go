package state

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/conductor/internal/fsutil"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// StatusRecord is the human-readable status file written per run.
type StatusRecord struct {
	RunID               string               `yaml:"run_id"`
	Workflow            string               `yaml:"workflow"`
	Status              models.RunStatus     `yaml:"status"`
	CurrentStep         string               `yaml:"current_step,omitempty"`
	CompletedSteps      []string             `yaml:"completed_steps"`
	Progress            float64              `yaml:"progress"`
	StartedAt           *time.Time           `yaml:"started_at,omitempty"`
	CompletedAt         *time.Time           `yaml:"completed_at,omitempty"`
	UpdatedAt           time.Time            `yaml:"updated_at"`
	PendingEscalationID string               `yaml:"pending_escalation_id,omitempty"`
	EscalationCount     int                  `yaml:"escalation_count"`
	Paused              bool                 `yaml:"paused,omitempty"`
	Workspace           string               `yaml:"workspace,omitempty"`
	Error               *models.ErrorSummary `yaml:"error,omitempty"`
}

// StatusWriter writes one YAML status record per run into a directory.
type StatusWriter struct {
	dir string
}

// NewStatusWriter creates a writer rooted at dir.
func NewStatusWriter(dir string) *StatusWriter {
	return &StatusWriter{dir: dir}
}

// Dir returns the directory holding status records.
func (w *StatusWriter) Dir() string {
	return w.dir
}

// Path returns the status file path of a run.
func (w *StatusWriter) Path(runID string) string {
	return filepath.Join(w.dir, runID+".yaml")
}

// Write atomically replaces the status record of s.
func (w *StatusWriter) Write(s *models.WorkflowRunState) error {
	rec := StatusRecord{
		RunID:               s.RunID,
		Workflow:            s.WorkflowName,
		Status:              s.Status,
		CurrentStep:         s.CurrentStepID,
		CompletedSteps:      s.CompletedStepIDs,
		Progress:            s.ProgressPercentage,
		StartedAt:           s.StartedAt,
		CompletedAt:         s.CompletedAt,
		UpdatedAt:           s.UpdatedAt,
		PendingEscalationID: s.PendingEscalationID,
		EscalationCount:     s.EscalationCount,
		Paused:              s.Paused,
		Error:               s.Error,
	}
	if s.Workspace != nil {
		rec.Workspace = s.Workspace.Path
	}
	data, err := yaml.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	return fsutil.WriteFileAtomic(w.Path(s.RunID), data, 0644)
}

// Read loads the status record of a run. Returns nil if none exists.
func (w *StatusWriter) Read(runID string) (*StatusRecord, error) {
	data, err := os.ReadFile(w.Path(runID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read status: %w", err)
	}
	var rec StatusRecord
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode status %s: %w", runID, err)
	}
	return &rec, nil
}
