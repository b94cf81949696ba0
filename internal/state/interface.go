package state

import (
	"io"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// RunStore handles run record persistence. Updates are conditional on
// the stored record so concurrent processes cannot both advance a run.
type RunStore interface {
	CreateRun(s *models.WorkflowRunState, definition []byte) error
	SaveRunIf(s *models.WorkflowRunState, expect Expect) error
	GetRun(id string) (*models.WorkflowRunState, error)
	GetDefinition(runID string) ([]byte, error)
	ListRuns(status *models.RunStatus) ([]RunSummary, error)
}

// CheckpointStore handles the append-only checkpoint chain of each run.
type CheckpointStore interface {
	AppendCheckpoint(s *models.WorkflowRunState, stepID, label string) (*models.Checkpoint, error)
	SaveRunWithCheckpointIf(s *models.WorkflowRunState, expect Expect, stepID, label string) (*models.Checkpoint, error)
	LatestCheckpoint(runID string) (*models.Checkpoint, error)
	PreviousCheckpoint(runID string) (*models.Checkpoint, error)
	GetCheckpoint(runID string, sequence int64) (*models.Checkpoint, error)
	ListCheckpoints(runID string) ([]models.Checkpoint, error)
	PruneCheckpoints(runID string, retain int) (int64, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	Migrate() error
}

// StateStore is the full persistence surface the CLI opens per command.
type StateStore interface {
	io.Closer
	Migrator
	RunStore
	CheckpointStore
}

var _ StateStore = (*DB)(nil)
