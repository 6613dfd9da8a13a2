package engine

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// captureBaseCommit returns the HEAD commit hash of the repository at dir.
// Returns empty string without error when dir is not a git repository.
func captureBaseCommit(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "HEAD")
	out, err := cmd.Output()
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return "", nil
		}
		return "", fmt.Errorf("git rev-parse: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// createWorktree adds a detached git worktree for the issue under the
// repository's .devboard directory and returns its path. Re-running for the
// same issue reuses the existing worktree.
func createWorktree(ctx context.Context, repoDir, issueID string) (string, error) {
	path := filepath.Join(repoDir, ".devboard", "worktrees", issueID)

	cmd := exec.CommandContext(ctx, "git", "-C", repoDir, "worktree", "add", "--detach", path)
	if out, err := cmd.CombinedOutput(); err != nil {
		if strings.Contains(string(out), "already exists") {
			return path, nil
		}
		return "", fmt.Errorf("git worktree add: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return path, nil
}
