// Package workspace allocates an isolated working area per run.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/ShayCichocki/conductor/internal/git"
	"github.com/ShayCichocki/conductor/pkg/models"
)

const (
	KindDir      = "dir"
	KindWorktree = "worktree"
)

// Manager creates and destroys run workspaces.
type Manager interface {
	Create(ctx context.Context, name string) (models.WorkspaceHandle, error)
	Destroy(ctx context.Context, h models.WorkspaceHandle) error
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// UniqueName derives a collision-safe workspace name for runID.
func UniqueName(runID string) string {
	clean := strings.Trim(unsafeChars.ReplaceAllString(runID, "-"), "-.")
	if clean == "" {
		clean = uuid.New().String()
	}
	return "run-" + clean
}

// DirManager gives each run a plain directory under a base directory.
type DirManager struct {
	base string
}

// NewDirManager creates a manager rooted at base.
func NewDirManager(base string) *DirManager {
	return &DirManager{base: base}
}

// Create makes a fresh directory. If name is taken a random suffix is
// appended so concurrent runs never share a directory.
func (m *DirManager) Create(_ context.Context, name string) (models.WorkspaceHandle, error) {
	if err := os.MkdirAll(m.base, 0755); err != nil {
		return models.WorkspaceHandle{}, fmt.Errorf("create workspace base: %w", err)
	}

	candidate := name
	for i := 0; i < 5; i++ {
		path := filepath.Join(m.base, candidate)
		err := os.Mkdir(path, 0755)
		if err == nil {
			return models.WorkspaceHandle{Name: candidate, Path: path, Kind: KindDir}, nil
		}
		if !os.IsExist(err) {
			return models.WorkspaceHandle{}, fmt.Errorf("create workspace %s: %w", candidate, err)
		}
		candidate = name + "-" + uuid.New().String()[:8]
	}
	return models.WorkspaceHandle{}, fmt.Errorf("create workspace %s: name collision", name)
}

// Destroy removes the workspace directory. Missing directories are fine.
func (m *DirManager) Destroy(_ context.Context, h models.WorkspaceHandle) error {
	if h.Path == "" {
		return nil
	}
	if err := m.owns(h.Path); err != nil {
		return err
	}
	if err := os.RemoveAll(h.Path); err != nil {
		return fmt.Errorf("remove workspace %s: %w", h.Name, err)
	}
	return nil
}

func (m *DirManager) owns(path string) error {
	rel, err := filepath.Rel(m.base, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("workspace %s is outside %s", path, m.base)
	}
	return nil
}

// WorktreeManager gives each run a git worktree on its own branch.
type WorktreeManager struct {
	git  git.Runner
	base string
	// BaseRef is the ref new branches start from. Empty means HEAD.
	BaseRef string
}

// NewWorktreeManager creates a manager placing worktrees under base.
func NewWorktreeManager(runner git.Runner, base string) *WorktreeManager {
	return &WorktreeManager{git: runner, base: base}
}

// Create adds a worktree on branch conductor/<name>.
func (m *WorktreeManager) Create(ctx context.Context, name string) (models.WorkspaceHandle, error) {
	if err := os.MkdirAll(m.base, 0755); err != nil {
		return models.WorkspaceHandle{}, fmt.Errorf("create worktree base: %w", err)
	}

	candidate := name
	for i := 0; i < 5; i++ {
		path := filepath.Join(m.base, candidate)
		branch := "conductor/" + candidate

		_, statErr := os.Stat(path)
		exists, err := m.git.BranchExists(ctx, branch)
		if err != nil {
			return models.WorkspaceHandle{}, err
		}
		if statErr == nil || exists {
			candidate = name + "-" + uuid.New().String()[:8]
			continue
		}

		if err := m.git.WorktreeAddNewBranch(ctx, path, branch, m.BaseRef); err != nil {
			return models.WorkspaceHandle{}, fmt.Errorf("create worktree %s: %w", candidate, err)
		}
		return models.WorkspaceHandle{Name: candidate, Path: path, Kind: KindWorktree, Branch: branch}, nil
	}
	return models.WorkspaceHandle{}, fmt.Errorf("create worktree %s: name collision", name)
}

// Destroy removes the worktree and its branch.
func (m *WorktreeManager) Destroy(ctx context.Context, h models.WorkspaceHandle) error {
	if h.Path == "" {
		return nil
	}
	if err := m.git.WorktreeRemove(ctx, h.Path); err != nil {
		if _, statErr := os.Stat(h.Path); statErr == nil {
			return err
		}
		// Already gone; drop the stale entry.
		if err := m.git.WorktreePrune(ctx); err != nil {
			return err
		}
	}
	if h.Branch != "" {
		exists, err := m.git.BranchExists(ctx, h.Branch)
		if err != nil {
			return err
		}
		if exists {
			return m.git.DeleteBranch(ctx, h.Branch)
		}
	}
	return nil
}
