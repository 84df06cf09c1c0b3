// Package worktree is Agor's worktree orchestrator (C4): git worktree
// lifecycle, deterministic port derivation, and Unix group/ACL sync.
package worktree

import "errors"

var (
	ErrRepoNotGit        = errors.New("worktree: repository path is not a git repository")
	ErrInvalidBaseRef    = errors.New("worktree: base ref does not exist")
	ErrGitCommandFailed  = errors.New("worktree: git command failed")
)
