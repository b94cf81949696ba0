// Package git runs the git commands needed to give each run its own
// worktree.
package git

import "context"

// WorktreeOperations defines the git operations used by the worktree
// workspace manager.
type WorktreeOperations interface {
	// WorktreeAddNewBranch creates a worktree at path on a new branch
	// started from base (git worktree add -b).
	WorktreeAddNewBranch(ctx context.Context, path, branch, base string) error
	// WorktreeRemove force-removes the worktree at path.
	WorktreeRemove(ctx context.Context, path string) error
	// WorktreePrune removes stale worktree entries.
	WorktreePrune(ctx context.Context) error
	// WorktreeList returns the paths of all worktrees.
	WorktreeList(ctx context.Context) ([]string, error)
}

// BranchOperations defines the branch bookkeeping around worktrees.
type BranchOperations interface {
	// CurrentBranch returns the name of the current branch.
	CurrentBranch(ctx context.Context) (string, error)
	// BranchExists returns true if the branch exists.
	BranchExists(ctx context.Context, name string) (bool, error)
	// DeleteBranch force-deletes the branch.
	DeleteBranch(ctx context.Context, name string) error
}

// Runner is the complete set of git operations.
type Runner interface {
	WorktreeOperations
	BranchOperations
}

var _ Runner = (*ExecRunner)(nil)
