package store

import "context"

// Repositories bundles every C2 repository the rest of the daemon depends
// on, wired once at startup and passed down by interface.
type Repositories struct {
	Users             UserRepository
	Repos             RepoRepository
	Worktrees         WorktreeRepository
	WorktreeOwners    WorktreeOwnerRepository
	Sessions          SessionRepository
	Tasks             TaskRepository
	Messages          MessageRepository
	Boards            BoardRepository
	MCPServers        MCPServerRepository
	GatewayChannels   GatewayChannelRepository
	ThreadSessionMaps ThreadSessionMapRepository
}

// UserRepository is C2's typed CRUD surface over User.
type UserRepository interface {
	Create(ctx context.Context, u *User) error
	Get(ctx context.Context, idOrShortID string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	Update(ctx context.Context, u *User) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*User, error)
}

// RepoRepository is C2's typed CRUD surface over Repo.
type RepoRepository interface {
	Create(ctx context.Context, r *Repo) error
	Get(ctx context.Context, idOrShortID string) (*Repo, error)
	GetBySlug(ctx context.Context, slug string) (*Repo, error)
	Update(ctx context.Context, r *Repo) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Repo, error)
	// NextWorktreeUniqueID allocates the smallest free worktree_unique_id for
	// a repo (min-free-integer reuse of ids from removed worktrees).
	NextWorktreeUniqueID(ctx context.Context, repoID string) (int, error)
}

// WorktreeRepository is C2's typed CRUD surface over Worktree.
type WorktreeRepository interface {
	Create(ctx context.Context, w *Worktree) error
	Get(ctx context.Context, idOrShortID string) (*Worktree, error)
	Update(ctx context.Context, w *Worktree) error
	// PatchFilesystemStatus deep-merges a filesystem_status/error transition
	// without clobbering concurrent field updates (deep-merge patches).
	PatchFilesystemStatus(ctx context.Context, id string, status FilesystemStatus, fsErr string) error
	Delete(ctx context.Context, id string) error
	ListByRepo(ctx context.Context, repoID string) ([]*Worktree, error)
	// ListStaleCreating returns Worktree rows stuck in filesystem_status
	// "creating" past olderThanSeconds, for the startup reconciliation sweep.
	ListStaleCreating(ctx context.Context, olderThanSeconds int) ([]*Worktree, error)
}

// WorktreeOwnerRepository manages the (worktree_id, user_id) junction.
type WorktreeOwnerRepository interface {
	Add(ctx context.Context, worktreeID, userID string) error
	Remove(ctx context.Context, worktreeID, userID string) error
	ListOwners(ctx context.Context, worktreeID string) ([]*User, error)
	ListOwnedWorktrees(ctx context.Context, userID string) ([]*Worktree, error)
	IsOwner(ctx context.Context, worktreeID, userID string) (bool, error)
}

// SessionRepository is C2's typed CRUD surface over Session.
type SessionRepository interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, idOrShortID string) (*Session, error)
	Update(ctx context.Context, s *Session) error
	// AppendTaskID atomically appends a task ID to session.tasks[] order
	// and returns the resulting ordered list in append order.
	AppendTaskID(ctx context.Context, sessionID, taskID string) ([]string, error)
	ListTaskIDs(ctx context.Context, sessionID string) ([]string, error)
	IncrementMessageCount(ctx context.Context, sessionID string, delta int) error
	Archive(ctx context.Context, sessionID string) error
	ListByWorktree(ctx context.Context, worktreeID string) ([]*Session, error)
}

// TaskRepository is C2's typed CRUD surface over Task.
type TaskRepository interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, idOrShortID string) (*Task, error)
	Update(ctx context.Context, t *Task) error
	// ActiveTask returns the session's single non-terminal task, if any.
	ActiveTask(ctx context.Context, sessionID string) (*Task, error)
	// LatestTerminal returns the most recently completed terminal task for
	// cumulative-usage delta normalization.
	LatestTerminal(ctx context.Context, sessionID string, beforeTaskID string) (*Task, error)
	ListBySession(ctx context.Context, sessionID string) ([]*Task, error)
	// ListStalePending returns Task rows stuck "pending" past olderThanSeconds
	// for the startup reconciliation sweep.
	ListStalePending(ctx context.Context, olderThanSeconds int) ([]*Task, error)
}

// MessageRepository is C2's typed CRUD surface over Message.
type MessageRepository interface {
	Create(ctx context.Context, m *Message) error
	Get(ctx context.Context, id string) (*Message, error)
	ListBySession(ctx context.Context, sessionID string) ([]*Message, error)
	ListByTask(ctx context.Context, taskID string) ([]*Message, error)
}

// BoardRepository is C2's typed CRUD surface over Board/BoardObject/BoardComment.
type BoardRepository interface {
	CreateBoard(ctx context.Context, b *Board) error
	GetBoard(ctx context.Context, idOrShortID string) (*Board, error)
	ListBoards(ctx context.Context) ([]*Board, error)
	DeleteBoard(ctx context.Context, id string) error

	CreateObject(ctx context.Context, o *BoardObject) error
	UpdateObject(ctx context.Context, o *BoardObject) error
	DeleteObject(ctx context.Context, id string) error
	ListObjects(ctx context.Context, boardID string) ([]*BoardObject, error)

	CreateComment(ctx context.Context, c *BoardComment) error
	ListComments(ctx context.Context, boardObjectID string) ([]*BoardComment, error)
}

// MCPServerRepository is C2's typed CRUD surface over MCPServer/SessionMCPServer.
type MCPServerRepository interface {
	Create(ctx context.Context, m *MCPServer) error
	Get(ctx context.Context, idOrShortID string) (*MCPServer, error)
	List(ctx context.Context) ([]*MCPServer, error)
	Delete(ctx context.Context, id string) error

	Attach(ctx context.Context, sessionID, mcpServerID string) error
	Detach(ctx context.Context, sessionID, mcpServerID string) error
	ListAttached(ctx context.Context, sessionID string) ([]*MCPServer, error)
}

// GatewayChannelRepository is C2's typed CRUD surface over GatewayChannel.
type GatewayChannelRepository interface {
	Create(ctx context.Context, c *GatewayChannel) error
	Get(ctx context.Context, idOrShortID string) (*GatewayChannel, error)
	GetByKey(ctx context.Context, channelKey string) (*GatewayChannel, error)
	Update(ctx context.Context, c *GatewayChannel) error
	Delete(ctx context.Context, id string) error
	ListEnabled(ctx context.Context) ([]*GatewayChannel, error)
	TouchLastMessageAt(ctx context.Context, id string) error
}

// ThreadSessionMapRepository is C2's typed CRUD surface over ThreadSessionMap.
type ThreadSessionMapRepository interface {
	Create(ctx context.Context, m *ThreadSessionMap) error
	Get(ctx context.Context, channelID, threadID string) (*ThreadSessionMap, error)
	GetBySessionID(ctx context.Context, sessionID string) (*ThreadSessionMap, error)
	TouchLastMessageAt(ctx context.Context, channelID, threadID string) error
	Close(ctx context.Context, channelID, threadID string) error
}
