package session

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

const gitSnapshotTimeout = 10 * time.Second

// gitSnapshotSHA captures a Task's before/after git state: HEAD's SHA, with
// a "-dirty" suffix when the working tree has uncommitted changes. Unlike
// everything Spawn runs, this always executes as the daemon's own user —
// git plumbing never goes through the impersonated executor subprocess.
// "unknown" is returned rather than an error so a git hiccup never blocks
// the prompt pipeline's durable steps.
func gitSnapshotSHA(ctx context.Context, worktreePath string) string {
	sha := gitOutput(ctx, worktreePath, "rev-parse", "HEAD")
	if sha == "" {
		return "unknown"
	}
	if gitOutput(ctx, worktreePath, "status", "--porcelain") != "" {
		return sha + "-dirty"
	}
	return sha
}

func gitOutput(ctx context.Context, dir string, args ...string) string {
	ctx, cancel := context.WithTimeout(ctx, gitSnapshotTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
