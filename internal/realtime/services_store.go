package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agor-dev/agor/internal/common/apperror"
	"github.com/agor-dev/agor/internal/common/idutil"
	"github.com/agor-dev/agor/internal/repoclone"
	"github.com/agor-dev/agor/internal/session"
	"github.com/agor-dev/agor/internal/store"
	"github.com/agor-dev/agor/internal/worktree"
)

// RepoService is the "repo" named service: plain CRUD over store.Repo. A
// registered repo whose remote URL isn't already present on disk is cloned
// synchronously on creation, so every subsequent worktree create can assume
// repos.LocalPath already points at a usable bare or working clone.
type RepoService struct {
	Unimplemented
	repos  *store.Repositories
	cloner *repoclone.Cloner
	github *repoclone.GitHubResolver
}

func NewRepoService(repos *store.Repositories, cloner *repoclone.Cloner, github *repoclone.GitHubResolver) *RepoService {
	return &RepoService{repos: repos, cloner: cloner, github: github}
}

func (s *RepoService) Schema() map[string]CoerceFunc {
	return map[string]CoerceFunc{"slug": CoerceString}
}

func (s *RepoService) Find(ctx context.Context, p Params) (any, error) {
	all, err := s.repos.Repos.List(ctx)
	if err != nil {
		return nil, err
	}
	if slug, ok := p.Query.Filters["slug"].(string); ok {
		filtered := all[:0]
		for _, r := range all {
			if r.Slug == slug {
				filtered = append(filtered, r)
			}
		}
		all = filtered
	}
	return Paginate(all, p.Query, func(a, b *store.Repo, field string) int {
		return compareField(field, a.Slug, b.Slug, a.CreatedAt, b.CreatedAt)
	}), nil
}

func (s *RepoService) Get(ctx context.Context, p Params) (any, error) {
	return s.repos.Repos.Get(ctx, p.ID)
}

func (s *RepoService) Create(ctx context.Context, p Params, data []byte) (any, error) {
	var req struct {
		Slug          string `json:"slug"`
		RemoteURL     string `json:"remoteUrl"`
		LocalPath     string `json:"localPath"`
		DefaultBranch string `json:"defaultBranch"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, apperror.Wrap(apperror.ValidationFailed, "invalid repo payload", err)
	}
	if req.Slug == "" {
		return nil, apperror.New(apperror.ValidationFailed, "slug is required")
	}
	now := time.Now()
	repo := &store.Repo{
		ID:            idutil.New(),
		Slug:          req.Slug,
		RemoteURL:     req.RemoteURL,
		LocalPath:     req.LocalPath,
		DefaultBranch: req.DefaultBranch,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if repo.DefaultBranch == "" {
		repo.DefaultBranch = "main"
		if s.github != nil && repoclone.IsGitHubRemote(repo.RemoteURL) {
			owner, name := splitSlug(repo.Slug)
			if branch, err := s.github.ResolveDefaultBranch(ctx, owner, name); err == nil && branch != "" {
				repo.DefaultBranch = branch
			}
		}
	}
	if repo.LocalPath == "" && repo.RemoteURL != "" && s.cloner != nil {
		owner, name := splitSlug(repo.Slug)
		path, err := s.cloner.EnsureCloned(ctx, repo.RemoteURL, owner, name)
		if err != nil {
			return nil, apperror.Wrap(apperror.GitError, "failed to clone repo", err)
		}
		repo.LocalPath = path
	}
	if err := s.repos.Repos.Create(ctx, repo); err != nil {
		return nil, err
	}
	return repo, nil
}

// splitSlug divides a "owner/name" repo slug into its two path components,
// falling back to treating the whole slug as the name when there's no slash.
func splitSlug(slug string) (owner, name string) {
	for i := len(slug) - 1; i >= 0; i-- {
		if slug[i] == '/' {
			return slug[:i], slug[i+1:]
		}
	}
	return "", slug
}

func (s *RepoService) Patch(ctx context.Context, p Params, data []byte) (any, error) {
	repo, err := s.repos.Repos.Get(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	var req struct {
		DefaultBranch *string `json:"defaultBranch"`
		RemoteURL     *string `json:"remoteUrl"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, apperror.Wrap(apperror.ValidationFailed, "invalid repo patch", err)
	}
	if req.DefaultBranch != nil {
		repo.DefaultBranch = *req.DefaultBranch
	}
	if req.RemoteURL != nil {
		repo.RemoteURL = *req.RemoteURL
	}
	repo.UpdatedAt = time.Now()
	if err := s.repos.Repos.Update(ctx, repo); err != nil {
		return nil, err
	}
	return repo, nil
}

func (s *RepoService) Remove(ctx context.Context, p Params) (any, error) {
	if err := s.repos.Repos.Delete(ctx, p.ID); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

// WorktreeService wraps worktree.Manager (C4) rather than the repository
// directly: creation/removal must go through the Manager to provision the
// git worktree and Unix group/ACL state, not just insert a row.
type WorktreeService struct {
	Unimplemented
	repos   *store.Repositories
	manager *worktree.Manager
}

func NewWorktreeService(repos *store.Repositories, manager *worktree.Manager) *WorktreeService {
	return &WorktreeService{repos: repos, manager: manager}
}

func (s *WorktreeService) Schema() map[string]CoerceFunc {
	return map[string]CoerceFunc{"repoId": CoerceString}
}

func (s *WorktreeService) Find(ctx context.Context, p Params) (any, error) {
	repoID, _ := p.Query.Filters["repoId"].(string)
	if repoID == "" {
		return nil, apperror.New(apperror.ValidationFailed, "repoId filter is required")
	}
	items, err := s.repos.Worktrees.ListByRepo(ctx, repoID)
	if err != nil {
		return nil, err
	}
	return Paginate(items, p.Query, func(a, b *store.Worktree, field string) int {
		return compareField(field, a.Name, b.Name, a.CreatedAt, b.CreatedAt)
	}), nil
}

func (s *WorktreeService) Get(ctx context.Context, p Params) (any, error) {
	return s.repos.Worktrees.Get(ctx, p.ID)
}

func (s *WorktreeService) Create(ctx context.Context, p Params, data []byte) (any, error) {
	var req struct {
		RepoID    string `json:"repoId"`
		Name      string `json:"name"`
		Ref       string `json:"ref"`
		BaseRef   string `json:"baseRef"`
		NewBranch bool   `json:"newBranch"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, apperror.Wrap(apperror.ValidationFailed, "invalid worktree payload", err)
	}
	createdBy := ""
	if p.Claims != nil {
		createdBy = p.Claims.UserID
	}
	return s.manager.Create(ctx, worktree.CreateRequest{
		RepoID:    req.RepoID,
		Name:      req.Name,
		Ref:       req.Ref,
		RefType:   store.RefBranch,
		BaseRef:   req.BaseRef,
		NewBranch: req.NewBranch,
		CreatedBy: createdBy,
	})
}

func (s *WorktreeService) Remove(ctx context.Context, p Params) (any, error) {
	if err := s.manager.Remove(ctx, p.ID); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

// SessionService exposes read access plus the two mutations that aren't
// custom routes: creating a Session and archiving one. Prompting and
// stopping are deliberately NOT verbs here — they're registered as custom
// routes (sessions/:id/prompt, task stop) because they drive the engine's
// async pipeline rather than a plain repository write.
type SessionService struct {
	Unimplemented
	repos  *store.Repositories
	engine *session.Engine
}

func NewSessionService(repos *store.Repositories, engine *session.Engine) *SessionService {
	return &SessionService{repos: repos, engine: engine}
}

func (s *SessionService) Schema() map[string]CoerceFunc {
	return map[string]CoerceFunc{"worktreeId": CoerceString}
}

func (s *SessionService) Find(ctx context.Context, p Params) (any, error) {
	worktreeID, _ := p.Query.Filters["worktreeId"].(string)
	if worktreeID == "" {
		return nil, apperror.New(apperror.ValidationFailed, "worktreeId filter is required")
	}
	items, err := s.repos.Sessions.ListByWorktree(ctx, worktreeID)
	if err != nil {
		return nil, err
	}
	return Paginate(items, p.Query, func(a, b *store.Session, field string) int {
		return compareField(field, a.ID, b.ID, a.CreatedAt, b.CreatedAt)
	}), nil
}

func (s *SessionService) Get(ctx context.Context, p Params) (any, error) {
	return s.repos.Sessions.Get(ctx, p.ID)
}

func (s *SessionService) Create(ctx context.Context, p Params, data []byte) (any, error) {
	var req struct {
		WorktreeID     string         `json:"worktreeId"`
		AgenticTool    string         `json:"agenticTool"`
		PermissionMode string         `json:"permissionMode"`
		ModelConfig    map[string]any `json:"modelConfig"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, apperror.Wrap(apperror.ValidationFailed, "invalid session payload", err)
	}
	createdBy := ""
	if p.Claims != nil {
		createdBy = p.Claims.UserID
	}
	return s.engine.CreateSession(ctx, session.CreateSessionRequest{
		WorktreeID:     req.WorktreeID,
		CreatedBy:      createdBy,
		AgenticTool:    req.AgenticTool,
		PermissionMode: req.PermissionMode,
		ModelConfig:    req.ModelConfig,
	})
}

func (s *SessionService) Patch(ctx context.Context, p Params, data []byte) (any, error) {
	var req struct {
		Archived *bool `json:"archived"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, apperror.Wrap(apperror.ValidationFailed, "invalid session patch", err)
	}
	if req.Archived == nil || !*req.Archived {
		return nil, apperror.New(apperror.ValidationFailed, "only {\"archived\":true} is supported")
	}
	if err := s.repos.Sessions.Archive(ctx, p.ID); err != nil {
		return nil, err
	}
	return s.repos.Sessions.Get(ctx, p.ID)
}

// TaskService is read-only from the service layer's perspective: tasks are
// only ever created/mutated by the engine's own pipeline.
type TaskService struct {
	Unimplemented
	repos *store.Repositories
}

func NewTaskService(repos *store.Repositories) *TaskService { return &TaskService{repos: repos} }

func (s *TaskService) Schema() map[string]CoerceFunc {
	return map[string]CoerceFunc{"sessionId": CoerceString}
}

func (s *TaskService) Find(ctx context.Context, p Params) (any, error) {
	sessionID, _ := p.Query.Filters["sessionId"].(string)
	if sessionID == "" {
		return nil, apperror.New(apperror.ValidationFailed, "sessionId filter is required")
	}
	items, err := s.repos.Tasks.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return Paginate(items, p.Query, func(a, b *store.Task, field string) int {
		return compareField(field, a.ID, b.ID, a.CreatedAt, b.CreatedAt)
	}), nil
}

func (s *TaskService) Get(ctx context.Context, p Params) (any, error) {
	return s.repos.Tasks.Get(ctx, p.ID)
}

// MessageService is read-only: Messages are appended only by the engine.
type MessageService struct {
	Unimplemented
	repos *store.Repositories
}

func NewMessageService(repos *store.Repositories) *MessageService {
	return &MessageService{repos: repos}
}

func (s *MessageService) Schema() map[string]CoerceFunc {
	return map[string]CoerceFunc{"sessionId": CoerceString, "taskId": CoerceString}
}

func (s *MessageService) Find(ctx context.Context, p Params) (any, error) {
	if taskID, ok := p.Query.Filters["taskId"].(string); ok && taskID != "" {
		items, err := s.repos.Messages.ListByTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		return Paginate(items, p.Query, messageCmp), nil
	}
	sessionID, _ := p.Query.Filters["sessionId"].(string)
	if sessionID == "" {
		return nil, apperror.New(apperror.ValidationFailed, "sessionId or taskId filter is required")
	}
	items, err := s.repos.Messages.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return Paginate(items, p.Query, messageCmp), nil
}

func messageCmp(a, b *store.Message, field string) int {
	return compareField(field, a.ID, b.ID, a.Timestamp, b.Timestamp)
}

// BoardService covers the Board entity; BoardObject/BoardComment are
// exposed as their own services below since they key off a BoardID/
// BoardObjectID rather than their own ID for Find.
type BoardService struct {
	Unimplemented
	repos *store.Repositories
}

func NewBoardService(repos *store.Repositories) *BoardService { return &BoardService{repos: repos} }

func (s *BoardService) Find(ctx context.Context, p Params) (any, error) {
	items, err := s.repos.Boards.ListBoards(ctx)
	if err != nil {
		return nil, err
	}
	return Paginate(items, p.Query, func(a, b *store.Board, field string) int {
		return compareField(field, a.Name, b.Name, a.CreatedAt, b.CreatedAt)
	}), nil
}

func (s *BoardService) Get(ctx context.Context, p Params) (any, error) {
	return s.repos.Boards.GetBoard(ctx, p.ID)
}

func (s *BoardService) Create(ctx context.Context, p Params, data []byte) (any, error) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, apperror.Wrap(apperror.ValidationFailed, "invalid board payload", err)
	}
	createdBy := ""
	if p.Claims != nil {
		createdBy = p.Claims.UserID
	}
	now := time.Now()
	board := &store.Board{ID: idutil.New(), Name: req.Name, CreatedBy: createdBy, CreatedAt: now, UpdatedAt: now}
	if err := s.repos.Boards.CreateBoard(ctx, board); err != nil {
		return nil, err
	}
	return board, nil
}

func (s *BoardService) Remove(ctx context.Context, p Params) (any, error) {
	if err := s.repos.Boards.DeleteBoard(ctx, p.ID); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

// BoardObjectService manages the movable nodes on a Board's canvas.
type BoardObjectService struct {
	Unimplemented
	repos *store.Repositories
}

func NewBoardObjectService(repos *store.Repositories) *BoardObjectService {
	return &BoardObjectService{repos: repos}
}

func (s *BoardObjectService) Schema() map[string]CoerceFunc {
	return map[string]CoerceFunc{"boardId": CoerceString}
}

func (s *BoardObjectService) Find(ctx context.Context, p Params) (any, error) {
	boardID, _ := p.Query.Filters["boardId"].(string)
	if boardID == "" {
		return nil, apperror.New(apperror.ValidationFailed, "boardId filter is required")
	}
	items, err := s.repos.Boards.ListObjects(ctx, boardID)
	if err != nil {
		return nil, err
	}
	return Paginate(items, p.Query, func(a, b *store.BoardObject, field string) int {
		return compareField(field, a.ID, b.ID, a.CreatedAt, b.CreatedAt)
	}), nil
}

func (s *BoardObjectService) Create(ctx context.Context, p Params, data []byte) (any, error) {
	var obj store.BoardObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, apperror.Wrap(apperror.ValidationFailed, "invalid board object payload", err)
	}
	obj.ID = idutil.New()
	now := time.Now()
	obj.CreatedAt, obj.UpdatedAt = now, now
	if err := s.repos.Boards.CreateObject(ctx, &obj); err != nil {
		return nil, err
	}
	return &obj, nil
}

func (s *BoardObjectService) Patch(ctx context.Context, p Params, data []byte) (any, error) {
	var req struct {
		X, Y          *float64
		Width, Height *float64
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, apperror.Wrap(apperror.ValidationFailed, "invalid board object patch", err)
	}
	// BoardObject has no single-row Get in BoardRepository; patches are
	// expected to carry the full object client-side and round-trip via ID.
	obj := &store.BoardObject{ID: p.ID}
	if err := json.Unmarshal(data, obj); err != nil {
		return nil, apperror.Wrap(apperror.ValidationFailed, "invalid board object patch", err)
	}
	obj.ID = p.ID
	obj.UpdatedAt = time.Now()
	if err := s.repos.Boards.UpdateObject(ctx, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func (s *BoardObjectService) Remove(ctx context.Context, p Params) (any, error) {
	if err := s.repos.Boards.DeleteObject(ctx, p.ID); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

// BoardCommentService manages pinned annotations on a BoardObject.
type BoardCommentService struct {
	Unimplemented
	repos *store.Repositories
}

func NewBoardCommentService(repos *store.Repositories) *BoardCommentService {
	return &BoardCommentService{repos: repos}
}

func (s *BoardCommentService) Schema() map[string]CoerceFunc {
	return map[string]CoerceFunc{"boardObjectId": CoerceString}
}

func (s *BoardCommentService) Find(ctx context.Context, p Params) (any, error) {
	boardObjectID, _ := p.Query.Filters["boardObjectId"].(string)
	if boardObjectID == "" {
		return nil, apperror.New(apperror.ValidationFailed, "boardObjectId filter is required")
	}
	items, err := s.repos.Boards.ListComments(ctx, boardObjectID)
	if err != nil {
		return nil, err
	}
	return Paginate(items, p.Query, func(a, b *store.BoardComment, field string) int {
		return compareField(field, a.ID, b.ID, a.CreatedAt, b.CreatedAt)
	}), nil
}

func (s *BoardCommentService) Create(ctx context.Context, p Params, data []byte) (any, error) {
	var req struct {
		BoardObjectID string `json:"boardObjectId"`
		Text          string `json:"text"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, apperror.Wrap(apperror.ValidationFailed, "invalid board comment payload", err)
	}
	authorID := ""
	if p.Claims != nil {
		authorID = p.Claims.UserID
	}
	comment := &store.BoardComment{
		ID:            idutil.New(),
		BoardObjectID: req.BoardObjectID,
		AuthorID:      authorID,
		Text:          req.Text,
		CreatedAt:     time.Now(),
	}
	if err := s.repos.Boards.CreateComment(ctx, comment); err != nil {
		return nil, err
	}
	return comment, nil
}

// MCPServerService covers registry CRUD; attach/detach are handled as
// direct WS actions in routes.go since they operate on the Session/MCPServer
// junction rather than the MCPServer row itself.
type MCPServerService struct {
	Unimplemented
	repos *store.Repositories
}

func NewMCPServerService(repos *store.Repositories) *MCPServerService {
	return &MCPServerService{repos: repos}
}

func (s *MCPServerService) Find(ctx context.Context, p Params) (any, error) {
	items, err := s.repos.MCPServers.List(ctx)
	if err != nil {
		return nil, err
	}
	return Paginate(items, p.Query, func(a, b *store.MCPServer, field string) int {
		return compareField(field, a.Name, b.Name, a.CreatedAt, b.CreatedAt)
	}), nil
}

func (s *MCPServerService) Get(ctx context.Context, p Params) (any, error) {
	return s.repos.MCPServers.Get(ctx, p.ID)
}

func (s *MCPServerService) Create(ctx context.Context, p Params, data []byte) (any, error) {
	var req struct {
		Name    string `json:"name"`
		URL     string `json:"url"`
		Command string `json:"command"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, apperror.Wrap(apperror.ValidationFailed, "invalid mcp server payload", err)
	}
	createdBy := ""
	if p.Claims != nil {
		createdBy = p.Claims.UserID
	}
	srv := &store.MCPServer{
		ID: idutil.New(), Name: req.Name, URL: req.URL, Command: req.Command,
		CreatedBy: createdBy, CreatedAt: time.Now(),
	}
	if err := s.repos.MCPServers.Create(ctx, srv); err != nil {
		return nil, err
	}
	return srv, nil
}

func (s *MCPServerService) Remove(ctx context.Context, p Params) (any, error) {
	if err := s.repos.MCPServers.Delete(ctx, p.ID); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

// GatewayChannelService covers C9's configured channel bindings. onMutate,
// when set, is called after every Create/Patch/Remove; cmd/agord uses it to
// re-run the gateway router's Refresh so its active-channel flag reflects
// the change without a daemon restart. Connector listeners are not started
// or stopped by it.
type GatewayChannelService struct {
	Unimplemented
	repos    *store.Repositories
	onMutate func()
}

func NewGatewayChannelService(repos *store.Repositories, onMutate func()) *GatewayChannelService {
	return &GatewayChannelService{repos: repos, onMutate: onMutate}
}

func (s *GatewayChannelService) notifyMutated() {
	if s.onMutate != nil {
		s.onMutate()
	}
}

func (s *GatewayChannelService) Find(ctx context.Context, p Params) (any, error) {
	items, err := s.repos.GatewayChannels.ListEnabled(ctx)
	if err != nil {
		return nil, err
	}
	return Paginate(items, p.Query, func(a, b *store.GatewayChannel, field string) int {
		return compareField(field, a.ID, b.ID, a.CreatedAt, b.CreatedAt)
	}), nil
}

func (s *GatewayChannelService) Get(ctx context.Context, p Params) (any, error) {
	return s.repos.GatewayChannels.Get(ctx, p.ID)
}

func (s *GatewayChannelService) Create(ctx context.Context, p Params, data []byte) (any, error) {
	var req struct {
		ChannelType      string `json:"channelType"`
		ChannelKey       string `json:"channelKey"`
		TargetWorktreeID string `json:"targetWorktreeId"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, apperror.Wrap(apperror.ValidationFailed, "invalid gateway channel payload", err)
	}
	agorUserID := ""
	if p.Claims != nil {
		agorUserID = p.Claims.UserID
	}
	now := time.Now()
	ch := &store.GatewayChannel{
		ID:               idutil.New(),
		ChannelType:      req.ChannelType,
		ChannelKey:       req.ChannelKey,
		AgorUserID:       agorUserID,
		TargetWorktreeID: req.TargetWorktreeID,
		Enabled:          true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.repos.GatewayChannels.Create(ctx, ch); err != nil {
		return nil, err
	}
	s.notifyMutated()
	return ch, nil
}

func (s *GatewayChannelService) Patch(ctx context.Context, p Params, data []byte) (any, error) {
	ch, err := s.repos.GatewayChannels.Get(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, apperror.Wrap(apperror.ValidationFailed, "invalid gateway channel patch", err)
	}
	if req.Enabled != nil {
		ch.Enabled = *req.Enabled
	}
	ch.UpdatedAt = time.Now()
	if err := s.repos.GatewayChannels.Update(ctx, ch); err != nil {
		return nil, err
	}
	s.notifyMutated()
	return ch, nil
}

func (s *GatewayChannelService) Remove(ctx context.Context, p Params) (any, error) {
	if err := s.repos.GatewayChannels.Delete(ctx, p.ID); err != nil {
		return nil, err
	}
	s.notifyMutated()
	return map[string]bool{"success": true}, nil
}

// compareField is the shared string/time comparator Paginate's cmp callback
// delegates to: every service sorts on either its natural string key or
// its timestamp, never arbitrary reflection.
func compareField(field, aStr, bStr string, aTime, bTime time.Time) int {
	switch field {
	case "createdAt", "timestamp":
		switch {
		case aTime.Before(bTime):
			return -1
		case aTime.After(bTime):
			return 1
		default:
			return 0
		}
	default:
		switch {
		case aStr < bStr:
			return -1
		case aStr > bStr:
			return 1
		default:
			return 0
		}
	}
}
