package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agor-dev/agor/internal/auth"
	"github.com/agor-dev/agor/internal/common/apperror"
	"github.com/agor-dev/agor/internal/common/config"
	"github.com/agor-dev/agor/internal/common/idutil"
	"github.com/agor-dev/agor/internal/executor"
	"github.com/agor-dev/agor/internal/store"
	"github.com/agor-dev/agor/internal/tool"
)

// --- minimal in-memory fakes for the repositories Engine touches ---

type fakeUsers struct {
	mu    sync.Mutex
	byID  map[string]*store.User
}

func newFakeUsers(users ...*store.User) *fakeUsers {
	f := &fakeUsers{byID: make(map[string]*store.User)}
	for _, u := range users {
		f.byID[u.ID] = u
	}
	return f
}

func (f *fakeUsers) Create(ctx context.Context, u *store.User) error { f.byID[u.ID] = u; return nil }
func (f *fakeUsers) Get(ctx context.Context, id string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return nil, apperror.New(apperror.NotFound, "user not found")
	}
	return u, nil
}
func (f *fakeUsers) GetByEmail(ctx context.Context, email string) (*store.User, error) {
	return nil, apperror.New(apperror.NotFound, "not implemented")
}
func (f *fakeUsers) Update(ctx context.Context, u *store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[u.ID] = u
	return nil
}
func (f *fakeUsers) Delete(ctx context.Context, id string) error { return nil }
func (f *fakeUsers) List(ctx context.Context) ([]*store.User, error) { return nil, nil }

type fakeWorktrees struct {
	mu   sync.Mutex
	byID map[string]*store.Worktree
}

func newFakeWorktrees(wts ...*store.Worktree) *fakeWorktrees {
	f := &fakeWorktrees{byID: make(map[string]*store.Worktree)}
	for _, w := range wts {
		f.byID[w.ID] = w
	}
	return f
}

func (f *fakeWorktrees) Create(ctx context.Context, w *store.Worktree) error { return nil }
func (f *fakeWorktrees) Get(ctx context.Context, id string) (*store.Worktree, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.byID[id]
	if !ok {
		return nil, apperror.New(apperror.NotFound, "worktree not found")
	}
	return w, nil
}
func (f *fakeWorktrees) Update(ctx context.Context, w *store.Worktree) error { return nil }
func (f *fakeWorktrees) PatchFilesystemStatus(ctx context.Context, id string, status store.FilesystemStatus, fsErr string) error {
	return nil
}
func (f *fakeWorktrees) Delete(ctx context.Context, id string) error { return nil }
func (f *fakeWorktrees) ListByRepo(ctx context.Context, repoID string) ([]*store.Worktree, error) {
	return nil, nil
}
func (f *fakeWorktrees) ListStaleCreating(ctx context.Context, olderThanSeconds int) ([]*store.Worktree, error) {
	return nil, nil
}

type fakeSessions struct {
	mu   sync.Mutex
	byID map[string]*store.Session
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{byID: make(map[string]*store.Session)}
}

func (f *fakeSessions) Create(ctx context.Context, s *store.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[s.ID] = s
	return nil
}
func (f *fakeSessions) Get(ctx context.Context, id string) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[id]
	if !ok {
		return nil, apperror.New(apperror.NotFound, "session not found")
	}
	return s, nil
}
func (f *fakeSessions) Update(ctx context.Context, s *store.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[s.ID] = s
	return nil
}
func (f *fakeSessions) AppendTaskID(ctx context.Context, sessionID, taskID string) ([]string, error) {
	return nil, nil
}
func (f *fakeSessions) ListTaskIDs(ctx context.Context, sessionID string) ([]string, error) {
	return nil, nil
}
func (f *fakeSessions) IncrementMessageCount(ctx context.Context, sessionID string, delta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.byID[sessionID]; ok {
		s.MessageCount += delta
	}
	return nil
}
func (f *fakeSessions) Archive(ctx context.Context, sessionID string) error { return nil }
func (f *fakeSessions) ListByWorktree(ctx context.Context, worktreeID string) ([]*store.Session, error) {
	return nil, nil
}

type fakeTasks struct {
	mu   sync.Mutex
	byID map[string]*store.Task
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{byID: make(map[string]*store.Task)}
}

func (f *fakeTasks) Create(ctx context.Context, t *store.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[t.ID] = t
	return nil
}
func (f *fakeTasks) Get(ctx context.Context, id string) (*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byID[id]
	if !ok {
		return nil, apperror.New(apperror.NotFound, "task not found")
	}
	return t, nil
}
func (f *fakeTasks) Update(ctx context.Context, t *store.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[t.ID] = t
	return nil
}
func (f *fakeTasks) ActiveTask(ctx context.Context, sessionID string) (*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.byID {
		if t.SessionID == sessionID && t.Status.IsNonTerminal() {
			return t, nil
		}
	}
	return nil, nil
}
func (f *fakeTasks) LatestTerminal(ctx context.Context, sessionID, beforeTaskID string) (*store.Task, error) {
	return nil, nil
}
func (f *fakeTasks) ListBySession(ctx context.Context, sessionID string) ([]*store.Task, error) {
	return nil, nil
}
func (f *fakeTasks) ListStalePending(ctx context.Context, olderThanSeconds int) ([]*store.Task, error) {
	return nil, nil
}

type fakeMessages struct {
	mu   sync.Mutex
	byID map[string]*store.Message
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{byID: make(map[string]*store.Message)}
}

func (f *fakeMessages) Create(ctx context.Context, m *store.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[m.ID] = m
	return nil
}
func (f *fakeMessages) Get(ctx context.Context, id string) (*store.Message, error) {
	return nil, apperror.New(apperror.NotFound, "not implemented")
}
func (f *fakeMessages) ListBySession(ctx context.Context, sessionID string) ([]*store.Message, error) {
	return nil, nil
}
func (f *fakeMessages) ListByTask(ctx context.Context, taskID string) ([]*store.Message, error) {
	return nil, nil
}

// blockingSpawner blocks until release is closed, letting a test hold a
// Task in "running" for as long as it needs to exercise the gate.
type blockingSpawner struct {
	release chan struct{}
}

func (s *blockingSpawner) Spawn(ctx context.Context, req SpawnRequest) (*executor.ExecutorResult, error) {
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	res := executor.ResultOK(map[string]any{
		"userMessageId":       "",
		"assistantMessageIds": []string{},
		"wasStopped":          false,
		"rawSdkResponse":      []byte("{}"),
	})
	return &res, nil
}

func newTestEngine(repos *store.Repositories, spawner Spawner) *Engine {
	aborts := NewAbortController(2*time.Second, 2*time.Second, nil)
	perms := NewPermissionBroker()
	tokens := auth.NewTokenIssuer(config.AuthConfig{JWTSecret: "test-secret", TokenDuration: 3600})
	tools := tool.NewRegistry()
	execCfg := config.ExecutorConfig{
		BinPath:              "agor-executor",
		PromptTimeoutSeconds: 30,
		StopGraceSeconds:     1,
		KillGraceSeconds:     1,
	}
	return NewEngine(repos, tools, spawner, aborts, perms, nil, tokens, config.UnixConfig{Mode: "simple"}, execCfg, "", nil)
}

func TestPrompt_RejectsSecondPromptWhileTaskActive(t *testing.T) {
	ctx := context.Background()
	user := &store.User{ID: idutil.New(), Email: "dev@example.com", Role: store.RoleMember}
	wt := &store.Worktree{ID: idutil.New(), Path: "/tmp/agor-test-worktree"}

	repos := &store.Repositories{
		Users:     newFakeUsers(user),
		Worktrees: newFakeWorktrees(wt),
		Sessions:  newFakeSessions(),
		Tasks:     newFakeTasks(),
		Messages:  newFakeMessages(),
	}

	spawner := &blockingSpawner{release: make(chan struct{})}
	defer close(spawner.release)
	eng := newTestEngine(repos, spawner)

	sess, err := eng.CreateSession(ctx, CreateSessionRequest{
		WorktreeID:     wt.ID,
		CreatedBy:      user.ID,
		AgenticTool:    "claude-code",
		PermissionMode: "default",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if _, err := eng.Prompt(ctx, PromptRequest{SessionID: sess.ID, Prompt: "first"}); err != nil {
		t.Fatalf("first Prompt: %v", err)
	}

	_, err = eng.Prompt(ctx, PromptRequest{SessionID: sess.ID, Prompt: "second"})
	if err == nil {
		t.Fatal("expected second Prompt to be rejected while a task is active")
	}
	if kind, ok := apperror.KindOf(err); !ok || kind != apperror.SessionBusy {
		t.Fatalf("expected SessionBusy, got %v", err)
	}
}

func TestStopTask_TerminalTaskIsNoop(t *testing.T) {
	ctx := context.Background()
	user := &store.User{ID: idutil.New(), Email: "dev@example.com", Role: store.RoleMember}
	wt := &store.Worktree{ID: idutil.New(), Path: "/tmp/agor-test-worktree"}
	sessID := idutil.New()

	now := time.Now()
	task := &store.Task{
		ID:          idutil.New(),
		SessionID:   sessID,
		Status:      store.TaskCompleted,
		FullPrompt:  "already done",
		CompletedAt: &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tasks := newFakeTasks()
	tasks.byID[task.ID] = task

	repos := &store.Repositories{
		Users:     newFakeUsers(user),
		Worktrees: newFakeWorktrees(wt),
		Sessions:  newFakeSessions(),
		Tasks:     tasks,
		Messages:  newFakeMessages(),
	}

	eng := newTestEngine(repos, &blockingSpawner{release: make(chan struct{})})

	got, err := eng.StopTask(ctx, sessID, task.ID)
	if err != nil {
		t.Fatalf("StopTask: %v", err)
	}
	if got.Status != store.TaskCompleted {
		t.Fatalf("expected terminal task to be left unchanged, got status %q", got.Status)
	}
}
