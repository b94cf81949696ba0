package git

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ExecRunner implements Runner by shelling out to git.
type ExecRunner struct {
	repoPath string
}

// NewRunner creates a runner for the repository at repoPath.
func NewRunner(repoPath string) *ExecRunner {
	return &ExecRunner{repoPath: repoPath}
}

// RepoPath returns the repository the runner operates on.
func (r *ExecRunner) RepoPath() string {
	return r.repoPath
}

func (r *ExecRunner) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.repoPath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// CurrentBranch returns the name of the current branch.
func (r *ExecRunner) CurrentBranch(ctx context.Context) (string, error) {
	return r.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// BranchExists returns true if the branch exists.
func (r *ExecRunner) BranchExists(ctx context.Context, name string) (bool, error) {
	out, err := r.run(ctx, "branch", "--list", name)
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// DeleteBranch force-deletes the branch.
func (r *ExecRunner) DeleteBranch(ctx context.Context, name string) error {
	_, err := r.run(ctx, "branch", "-D", name)
	return err
}

// WorktreeAddNewBranch creates a worktree with a new branch. An empty
// base starts from HEAD.
func (r *ExecRunner) WorktreeAddNewBranch(ctx context.Context, path, branch, base string) error {
	args := []string{"worktree", "add", "-b", branch, path}
	if base != "" {
		args = append(args, base)
	}
	_, err := r.run(ctx, args...)
	return err
}

// WorktreeRemove removes the worktree at path.
func (r *ExecRunner) WorktreeRemove(ctx context.Context, path string) error {
	_, err := r.run(ctx, "worktree", "remove", "--force", path)
	return err
}

// WorktreePrune removes stale worktree entries.
func (r *ExecRunner) WorktreePrune(ctx context.Context) error {
	_, err := r.run(ctx, "worktree", "prune")
	return err
}

// WorktreeList returns a list of worktree paths.
func (r *ExecRunner) WorktreeList(ctx context.Context) ([]string, error) {
	out, err := r.run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "worktree ") {
			paths = append(paths, strings.TrimPrefix(line, "worktree "))
		}
	}
	return paths, nil
}
