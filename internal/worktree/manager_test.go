package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/agor-dev/agor/internal/common/config"
	"github.com/agor-dev/agor/internal/store"
	"github.com/agor-dev/agor/internal/unixexec"
)

// fakeRepoRepo/fakeWorktreeRepo provide just enough of store.RepoRepository
// and store.WorktreeRepository for Manager.Create/Remove to exercise
// against a real git checkout without a database.

type fakeRepoRepo struct {
	store.RepoRepository
	repos map[string]*store.Repo
}

func (f *fakeRepoRepo) Get(ctx context.Context, id string) (*store.Repo, error) {
	r, ok := f.repos[id]
	if !ok {
		return nil, store.NotFound("repo", id)
	}
	return r, nil
}

func (f *fakeRepoRepo) NextWorktreeUniqueID(ctx context.Context, repoID string) (int, error) {
	return 1, nil
}

type fakeWorktreeRepo struct {
	store.WorktreeRepository
	mu        sync.Mutex
	worktrees map[string]*store.Worktree
}

func newFakeWorktreeRepo() *fakeWorktreeRepo {
	return &fakeWorktreeRepo{worktrees: make(map[string]*store.Worktree)}
}

func (f *fakeWorktreeRepo) Create(ctx context.Context, w *store.Worktree) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.worktrees[w.ID] = w
	return nil
}

func (f *fakeWorktreeRepo) Get(ctx context.Context, id string) (*store.Worktree, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.worktrees[id]
	if !ok {
		return nil, store.NotFound("worktree", id)
	}
	return w, nil
}

func (f *fakeWorktreeRepo) PatchFilesystemStatus(ctx context.Context, id string, status store.FilesystemStatus, fsErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.worktrees[id]
	if !ok {
		return store.NotFound("worktree", id)
	}
	w.FilesystemStatus = status
	w.FilesystemError = fsErr
	return nil
}

func initTempGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	runGit(t, dir, "add", "README.md")
	runGit(t, dir, "commit", "-m", "initial")
	return dir
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, out)
	}
}

func newTestManager(t *testing.T, repoPath string) (*Manager, *fakeWorktreeRepo) {
	t.Helper()
	wtRepo := newFakeWorktreeRepo()
	repos := &store.Repositories{
		Repos: &fakeRepoRepo{repos: map[string]*store.Repo{
			"repo-1": {ID: "repo-1", LocalPath: repoPath, DefaultBranch: "main"},
		}},
		Worktrees: wtRepo,
	}
	accounts := unixexec.NewAccountManager(unixexec.NewRunner("noop", nil), "/bin/bash")
	base := t.TempDir()
	cfg := config.WorktreeConfig{BasePath: base, PortRangeStart: 20000, PortRangeEnd: 21000}
	unixCfg := config.UnixConfig{Mode: "simple"}
	return NewManager(cfg, unixCfg, repos, accounts, nil), wtRepo
}

func TestManagerCreateNewBranch(t *testing.T) {
	repoPath := initTempGitRepo(t)
	mgr, wtRepo := newTestManager(t, repoPath)

	wt, err := mgr.Create(context.Background(), CreateRequest{
		RepoID:    "repo-1",
		Name:      "feature one",
		Ref:       "feature-one",
		RefType:   store.RefType("branch"),
		BaseRef:   "main",
		NewBranch: true,
		CreatedBy: "user-1",
	})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if wt.FilesystemStatus != store.FSReady {
		t.Errorf("FilesystemStatus = %q, want %q", wt.FilesystemStatus, store.FSReady)
	}
	if _, err := os.Stat(wt.Path); err != nil {
		t.Errorf("worktree directory not created: %v", err)
	}

	stored, err := wtRepo.Get(context.Background(), wt.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if stored.WorktreeUniqueID != 1 {
		t.Errorf("WorktreeUniqueID = %d, want 1", stored.WorktreeUniqueID)
	}
}

func TestManagerCreateRejectsNonGitRepo(t *testing.T) {
	dir := t.TempDir()
	mgr, _ := newTestManager(t, dir)

	_, err := mgr.Create(context.Background(), CreateRequest{
		RepoID:    "repo-1",
		Name:      "whatever",
		Ref:       "main",
		BaseRef:   "main",
		NewBranch: false,
	})
	if err == nil {
		t.Fatal("expected error for non-git repo path")
	}
}

func TestDerivePortsDeterministicAndDistinct(t *testing.T) {
	p1, err := DerivePorts(20000, 21000, 1)
	if err != nil {
		t.Fatalf("DerivePorts() failed: %v", err)
	}
	p1Again, err := DerivePorts(20000, 21000, 1)
	if err != nil {
		t.Fatalf("DerivePorts() failed: %v", err)
	}
	if p1 != p1Again {
		t.Errorf("DerivePorts not deterministic: %+v != %+v", p1, p1Again)
	}

	p2, err := DerivePorts(20000, 21000, 2)
	if err != nil {
		t.Fatalf("DerivePorts() failed: %v", err)
	}
	if p1.SSH == p2.SSH || p1.App == p2.App {
		t.Errorf("DerivePorts collision between unique ids 1 and 2: %+v, %+v", p1, p2)
	}
}

func TestDerivePortsRejectsInvalidInput(t *testing.T) {
	if _, err := DerivePorts(20000, 21000, 0); err == nil {
		t.Error("expected error for uniqueID < 1")
	}
	if _, err := DerivePorts(20000, 20002, 1); err == nil {
		t.Error("expected error for too-narrow port range")
	}
}

func TestSanitizeForBranch(t *testing.T) {
	cases := map[string]string{
		"Feature One!!":     "feature-one",
		"  already-clean  ": "already-clean",
		"a_b__c":            "a-b-c",
	}
	for in, want := range cases {
		if got := SanitizeForBranch(in, 64); got != want {
			t.Errorf("SanitizeForBranch(%q) = %q, want %q", in, got, want)
		}
	}
	if got := SanitizeForBranch("abcdefghij", 5); got != "abcde" {
		t.Errorf("SanitizeForBranch truncation = %q, want %q", got, "abcde")
	}
}
