package worktree

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agor-dev/agor/internal/common/apperror"
	"github.com/agor-dev/agor/internal/common/config"
	"github.com/agor-dev/agor/internal/common/idutil"
	"github.com/agor-dev/agor/internal/common/logger"
	"github.com/agor-dev/agor/internal/common/unixname"
	"github.com/agor-dev/agor/internal/store"
	"github.com/agor-dev/agor/internal/unixexec"
)

const (
	gitCommandTimeout = 30 * time.Second
	branchSuffixAlpha  = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// repoLockEntry serializes concurrent git operations against one repository
// checkout; "git worktree add/remove" is not safe to run concurrently
// against the same .git directory.
type repoLockEntry struct {
	mu       sync.Mutex
	refCount int
}

// Manager is C4: it turns Worktree create/remove requests into git worktree
// operations plus Unix group/ACL provisioning, and keeps C2's Worktree rows
// in sync with what is actually on disk.
type Manager struct {
	cfg      config.WorktreeConfig
	unixCfg  config.UnixConfig
	repos    *store.Repositories
	accounts *unixexec.AccountManager
	log      *logger.Logger

	repoLocksMu sync.Mutex
	repoLocks   map[string]*repoLockEntry
}

func NewManager(cfg config.WorktreeConfig, unixCfg config.UnixConfig, repos *store.Repositories, accounts *unixexec.AccountManager, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		cfg:       cfg,
		unixCfg:   unixCfg,
		repos:     repos,
		accounts:  accounts,
		log:       log.WithFields(zap.String("component", "worktree-manager")),
		repoLocks: make(map[string]*repoLockEntry),
	}
}

func (m *Manager) lockRepo(repoID string) func() {
	m.repoLocksMu.Lock()
	entry, ok := m.repoLocks[repoID]
	if !ok {
		entry = &repoLockEntry{}
		m.repoLocks[repoID] = entry
	}
	entry.refCount++
	m.repoLocksMu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		m.repoLocksMu.Lock()
		entry.refCount--
		if entry.refCount <= 0 {
			delete(m.repoLocks, repoID)
		}
		m.repoLocksMu.Unlock()
	}
}

// CreateRequest describes a new Worktree.
type CreateRequest struct {
	RepoID         string
	Name           string
	Ref            string
	RefType        store.RefType
	BaseRef        string
	NewBranch      bool
	CreatedBy      string
	OthersCan      store.OthersCan
	OthersFSAccess store.OthersFSAccess
}

// Create provisions a new git worktree on disk and the Unix group/ACL state
// that backs it, and records the result in C2. On any failure after the
// directory is created, it removes the directory before returning.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*store.Worktree, error) {
	repo, err := m.repos.Repos.Get(ctx, req.RepoID)
	if err != nil {
		return nil, err
	}
	if !isGitRepo(repo.LocalPath) {
		return nil, apperror.Wrap(apperror.GitError, "repository path is not a git checkout", ErrRepoNotGit)
	}

	uniqueID, err := m.repos.Repos.NextWorktreeUniqueID(ctx, req.RepoID)
	if err != nil {
		return nil, err
	}

	unlock := m.lockRepo(req.RepoID)
	defer unlock()

	baseRef := req.BaseRef
	if baseRef == "" {
		baseRef = req.Ref
	}
	if !req.NewBranch && !refExists(repo.LocalPath, req.Ref) {
		return nil, apperror.Wrap(apperror.GitError, fmt.Sprintf("ref %q not found", req.Ref), ErrInvalidBaseRef)
	}

	dirName := fmt.Sprintf("%s_%s", SanitizeForBranch(req.Name, 32), shortSuffix(6))
	basePath, err := ExpandBasePath(m.cfg.BasePath)
	if err != nil {
		return nil, apperror.Wrap(apperror.FilesystemError, "resolving worktree base path", err)
	}
	worktreePath := filepath.Join(basePath, fmt.Sprintf("repo_%d", uniqueID), dirName)

	wtID := idutil.New()
	wt := &store.Worktree{
		ID:               wtID,
		RepoID:           req.RepoID,
		Name:             req.Name,
		Ref:              req.Ref,
		RefType:          req.RefType,
		Path:             worktreePath,
		BaseRef:          baseRef,
		NewBranch:        req.NewBranch,
		WorktreeUniqueID: uniqueID,
		CreatedBy:        req.CreatedBy,
		FilesystemStatus: store.FSCreating,
		OthersCan:        req.OthersCan,
		OthersFSAccess:   req.OthersFSAccess,
		UnixGroup:        unixname.WorktreeGroup(wtID),
	}

	if err := m.repos.Worktrees.Create(ctx, wt); err != nil {
		return nil, err
	}

	if err := m.gitWorktreeAdd(ctx, repo.LocalPath, worktreePath, req.Ref, baseRef, req.NewBranch); err != nil {
		_ = m.repos.Worktrees.PatchFilesystemStatus(ctx, wt.ID, store.FSFailed, err.Error())
		return nil, err
	}

	if err := m.provisionGroupAndACL(ctx, wt); err != nil {
		m.log.WithError(err).Warn("worktree group/ACL provisioning failed", zap.String("worktree_id", wt.ID))
		_ = m.repos.Worktrees.PatchFilesystemStatus(ctx, wt.ID, store.FSFailed, err.Error())
		_ = m.removeWorktreeDir(ctx, worktreePath, repo.LocalPath)
		return nil, err
	}

	if err := m.repos.Worktrees.PatchFilesystemStatus(ctx, wt.ID, store.FSReady, ""); err != nil {
		_ = m.removeWorktreeDir(ctx, worktreePath, repo.LocalPath)
		return nil, err
	}
	wt.FilesystemStatus = store.FSReady

	m.log.Info("created worktree",
		zap.String("worktree_id", wt.ID),
		zap.String("repo_id", req.RepoID),
		zap.Int("unique_id", uniqueID),
		zap.String("path", worktreePath))

	return wt, nil
}

func (m *Manager) provisionGroupAndACL(ctx context.Context, wt *store.Worktree) error {
	if m.accounts == nil {
		return nil
	}
	if err := m.accounts.EnsureGroup(ctx, wt.UnixGroup); err != nil {
		return err
	}
	if wt.OthersFSAccess == store.FSAccessNone {
		return nil
	}
	perm := "read"
	if wt.OthersFSAccess == store.FSAccessWrite {
		perm = "write"
	}
	return m.accounts.SetACL(ctx, wt.Path, wt.UnixGroup, perm)
}

// Remove tears down a Worktree's git checkout and marks it removed. The
// Worktree row is kept (status "removed") rather than deleted so Session and
// Task history referencing it remains resolvable.
func (m *Manager) Remove(ctx context.Context, worktreeID string) error {
	wt, err := m.repos.Worktrees.Get(ctx, worktreeID)
	if err != nil {
		return err
	}
	repo, err := m.repos.Repos.Get(ctx, wt.RepoID)
	if err != nil {
		return err
	}

	unlock := m.lockRepo(wt.RepoID)
	defer unlock()

	if err := m.removeWorktreeDir(ctx, wt.Path, repo.LocalPath); err != nil {
		m.log.WithError(err).Warn("failed to remove worktree directory", zap.String("worktree_id", wt.ID))
	}

	if m.accounts != nil && wt.UnixGroup != "" {
		if err := m.accounts.RemoveACL(ctx, wt.Path, wt.UnixGroup); err != nil {
			m.log.WithError(err).Debug("failed to strip worktree ACL (directory may already be gone)")
		}
	}

	if err := m.repos.Worktrees.PatchFilesystemStatus(ctx, wt.ID, store.FSRemoved, ""); err != nil {
		return err
	}

	m.log.Info("removed worktree", zap.String("worktree_id", wt.ID), zap.String("path", wt.Path))
	return nil
}

// SyncWorktree reconciles a Worktree's Unix group ACL with its current
// others_fs_access setting (the unix.sync-worktree executor operation).
func (m *Manager) SyncWorktree(ctx context.Context, worktreeID string) error {
	wt, err := m.repos.Worktrees.Get(ctx, worktreeID)
	if err != nil {
		return err
	}
	if m.accounts == nil || wt.FilesystemStatus != store.FSReady {
		return nil
	}
	if wt.OthersFSAccess == store.FSAccessNone {
		return m.accounts.RemoveACL(ctx, wt.Path, wt.UnixGroup)
	}
	return m.provisionGroupAndACL(ctx, wt)
}

// SyncRepo ensures a Repo's Unix group exists (the unix.sync-repo operation).
func (m *Manager) SyncRepo(ctx context.Context, repoID string) error {
	repo, err := m.repos.Repos.Get(ctx, repoID)
	if err != nil {
		return err
	}
	if m.accounts == nil || repo.UnixGroup == "" {
		return nil
	}
	return m.accounts.EnsureGroup(ctx, repo.UnixGroup)
}

// SyncUser provisions or updates userID's Unix account under the daemon's
// impersonation Mode and ensures membership in every Worktree group the user
// owns (the unix.sync-user operation). Calling this twice with unchanged
// inputs leaves the account unchanged.
func (m *Manager) SyncUser(ctx context.Context, userID string) error {
	if m.unixCfg.Mode == "simple" || m.accounts == nil {
		return nil
	}
	user, err := m.repos.Users.Get(ctx, userID)
	if err != nil {
		return err
	}
	username := user.UnixUsername
	if username == "" {
		return fmt.Errorf("worktree: user %s has no derived unix_username", userID)
	}

	owned, err := m.repos.WorktreeOwners.ListOwnedWorktrees(ctx, userID)
	if err != nil {
		return err
	}
	groups := make([]string, 0, len(owned))
	for _, wt := range owned {
		if wt.UnixGroup != "" {
			groups = append(groups, wt.UnixGroup)
		}
	}
	return m.accounts.EnsureUser(ctx, username, groups)
}

// ReconcileStaleCreating fails any Worktree stuck in "creating" past
// olderThanSeconds, for the startup reconciliation sweep.
func (m *Manager) ReconcileStaleCreating(ctx context.Context, olderThanSeconds int) (int, error) {
	stale, err := m.repos.Worktrees.ListStaleCreating(ctx, olderThanSeconds)
	if err != nil {
		return 0, err
	}
	for _, wt := range stale {
		if err := m.repos.Worktrees.PatchFilesystemStatus(ctx, wt.ID, store.FSFailed, "stuck in creating at startup"); err != nil {
			m.log.WithError(err).Warn("failed to mark stale worktree as failed", zap.String("worktree_id", wt.ID))
		}
	}
	return len(stale), nil
}

func (m *Manager) gitWorktreeAdd(ctx context.Context, repoPath, worktreePath, ref, baseRef string, newBranch bool) error {
	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o755); err != nil {
		return apperror.Wrap(apperror.FilesystemError, "creating worktree parent directory", err)
	}

	args := []string{"worktree", "add"}
	if newBranch {
		args = append(args, "-b", ref, worktreePath, baseRef)
	} else {
		args = append(args, worktreePath, ref)
	}

	cmd := nonInteractiveGit(ctx, repoPath, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return apperror.Wrap(apperror.GitError, fmt.Sprintf("git worktree add failed: %s", strings.TrimSpace(string(output))), ErrGitCommandFailed)
	}
	return nil
}

func (m *Manager) removeWorktreeDir(ctx context.Context, worktreePath, repoPath string) error {
	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", worktreePath)
	cmd.Dir = repoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		m.log.Debug("git worktree remove failed, falling back to rm -rf", zap.String("output", string(output)))
		if err := os.RemoveAll(worktreePath); err != nil {
			return apperror.Wrap(apperror.FilesystemError, "removing worktree directory", err)
		}
		pruneCmd := exec.CommandContext(ctx, "git", "worktree", "prune")
		pruneCmd.Dir = repoPath
		_ = pruneCmd.Run()
	}
	return nil
}

func isGitRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return info.IsDir() || info.Mode().IsRegular()
}

func refExists(repoPath, ref string) bool {
	cmd := exec.Command("git", "rev-parse", "--verify", ref)
	cmd.Dir = repoPath
	return cmd.Run() == nil
}

func nonInteractiveGit(ctx context.Context, repoPath string, args ...string) *exec.Cmd {
	ctx, cancel := context.WithTimeout(ctx, gitCommandTimeout)
	_ = cancel // the caller runs cmd; the timeout context is released when it expires or ctx is done
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repoPath
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_ASKPASS=echo",
		"SSH_ASKPASS=/bin/false",
		"GIT_SSH_COMMAND=ssh -oBatchMode=yes",
	)
	return cmd
}

func shortSuffix(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return strings.Repeat("x", n)
	}
	for i := range buf {
		buf[i] = branchSuffixAlpha[int(buf[i])%len(branchSuffixAlpha)]
	}
	return string(buf)
}
