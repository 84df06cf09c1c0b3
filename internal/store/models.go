// Package store holds Agor's relational entities and repository contracts
// (C2): typed CRUD, deep-merge patches, short-ID prefix lookup.
package store

import "time"

// UserRole is the closed set of roles a User may hold.
type UserRole string

const (
	RoleOwner  UserRole = "owner"
	RoleAdmin  UserRole = "admin"
	RoleMember UserRole = "member"
	RoleViewer UserRole = "viewer"
)

// AgenticToolConfig is one tool's slice of a User's default_agentic_config.
type AgenticToolConfig struct {
	Model          string         `json:"model,omitempty"`
	PermissionMode string         `json:"permissionMode,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// User is an Agor account.
type User struct {
	ID                    string                       `json:"id" db:"id"`
	Email                 string                       `json:"email" db:"email"`
	PasswordHash          string                       `json:"-" db:"password_hash"`
	Role                  UserRole                     `json:"role" db:"role"`
	UnixUsername          string                       `json:"unixUsername,omitempty" db:"unix_username"`
	MustChangePassword    bool                         `json:"mustChangePassword" db:"must_change_password"`
	DefaultAgenticConfig  map[string]AgenticToolConfig `json:"defaultAgenticConfig,omitempty" db:"-"`
	DefaultAgenticConfigJ string                       `json:"-" db:"default_agentic_config"`
	CreatedAt             time.Time                    `json:"createdAt" db:"created_at"`
	UpdatedAt             time.Time                    `json:"updatedAt" db:"updated_at"`
}

// RefType is the kind of git ref a Worktree was created from.
type RefType string

const (
	RefBranch RefType = "branch"
	RefTag    RefType = "tag"
	RefSHA    RefType = "sha"
)

// Repo is a registered git repository.
type Repo struct {
	ID                  string    `json:"id" db:"id"`
	Slug                string    `json:"slug" db:"slug"`
	RemoteURL           string    `json:"remoteUrl,omitempty" db:"remote_url"`
	LocalPath           string    `json:"localPath" db:"local_path"`
	DefaultBranch       string    `json:"defaultBranch" db:"default_branch"`
	UnixGroup           string    `json:"unixGroup,omitempty" db:"unix_group"`
	EnvironmentConfigJ  string    `json:"-" db:"environment_config"`
	CreatedAt           time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt           time.Time `json:"updatedAt" db:"updated_at"`
}

// FilesystemStatus is a Worktree's on-disk provisioning state.
type FilesystemStatus string

const (
	FSCreating FilesystemStatus = "creating"
	FSReady    FilesystemStatus = "ready"
	FSFailed   FilesystemStatus = "failed"
	FSRemoved  FilesystemStatus = "removed"
)

// OthersCan is the ownership-sharing permission level for non-owners. It is
// stored and returned with the Worktree; no hook or service checks it.
type OthersCan string

const (
	OthersCanNone   OthersCan = "none"
	OthersCanView   OthersCan = "view"
	OthersCanPrompt OthersCan = "prompt"
	OthersCanAll    OthersCan = "all"
)

// OthersFSAccess is the POSIX ACL level granted to the worktree group.
type OthersFSAccess string

const (
	FSAccessNone  OthersFSAccess = "none"
	FSAccessRead  OthersFSAccess = "read"
	FSAccessWrite OthersFSAccess = "write"
)

// Worktree is an isolated git working tree.
type Worktree struct {
	ID                  string           `json:"id" db:"id"`
	RepoID              string           `json:"repoId" db:"repo_id"`
	Name                string           `json:"name" db:"name"`
	Ref                 string           `json:"ref" db:"ref"`
	RefType             RefType          `json:"refType" db:"ref_type"`
	Path                string           `json:"path" db:"path"`
	BaseRef             string           `json:"baseRef,omitempty" db:"base_ref"`
	NewBranch           bool             `json:"newBranch" db:"new_branch"`
	WorktreeUniqueID    int              `json:"worktreeUniqueId" db:"worktree_unique_id"`
	BoardID             string           `json:"boardId,omitempty" db:"board_id"`
	CreatedBy           string           `json:"createdBy" db:"created_by"`
	FilesystemStatus    FilesystemStatus `json:"filesystemStatus" db:"filesystem_status"`
	FilesystemError     string           `json:"filesystemError,omitempty" db:"filesystem_error"`
	OthersCan           OthersCan        `json:"othersCan" db:"others_can"`
	OthersFSAccess      OthersFSAccess   `json:"othersFsAccess" db:"others_fs_access"`
	UnixGroup           string           `json:"unixGroup,omitempty" db:"unix_group"`
	EnvironmentInstance string           `json:"environmentInstance,omitempty" db:"environment_instance"`
	CreatedAt           time.Time        `json:"createdAt" db:"created_at"`
	UpdatedAt           time.Time        `json:"updatedAt" db:"updated_at"`
}

// WorktreeOwner is the (worktree_id, user_id) junction.
type WorktreeOwner struct {
	WorktreeID string    `json:"worktreeId" db:"worktree_id"`
	UserID     string    `json:"userId" db:"user_id"`
	AddedAt    time.Time `json:"addedAt" db:"added_at"`
}

// SessionStatus is the Session state machine's state.
type SessionStatus string

const (
	SessionIdle               SessionStatus = "idle"
	SessionRunning            SessionStatus = "running"
	SessionAwaitingPermission SessionStatus = "awaiting_permission"
	SessionCompleted          SessionStatus = "completed"
	SessionFailed             SessionStatus = "failed"
)

// CodexPermissionConfig is the codex-specific slice of PermissionConfig.
type CodexPermissionConfig struct {
	SandboxMode    string `json:"sandboxMode,omitempty"`
	ApprovalPolicy string `json:"approvalPolicy,omitempty"`
	NetworkAccess  bool   `json:"networkAccess,omitempty"`
}

// PermissionConfig governs how a Session's Tool adapter is allowed to act.
type PermissionConfig struct {
	Mode         string                 `json:"mode"`
	AllowedTools []string               `json:"allowedTools,omitempty"`
	Codex        *CodexPermissionConfig `json:"codex,omitempty"`
}

// Genealogy records a Session's forking/parenting relationship.
type Genealogy struct {
	ParentSessionID  string `json:"parentSessionId,omitempty"`
	ForkedFromSession string `json:"forkedFromSessionId,omitempty"`
}

// Session is a long-running conversation against one Worktree.
type Session struct {
	ID                string            `json:"id" db:"id"`
	WorktreeID        string            `json:"worktreeId" db:"worktree_id"`
	CreatedBy         string            `json:"createdBy" db:"created_by"`
	UnixUsername      string            `json:"unixUsername" db:"unix_username"`
	AgenticTool       string            `json:"agenticTool" db:"agentic_tool"`
	PermissionConfigJ string            `json:"-" db:"permission_config"`
	PermissionConfig  PermissionConfig  `json:"permissionConfig" db:"-"`
	ModelConfigJ      string            `json:"-" db:"model_config"`
	ModelConfig       map[string]any    `json:"modelConfig,omitempty" db:"-"`
	Status            SessionStatus     `json:"status" db:"status"`
	MessageCount      int               `json:"messageCount" db:"message_count"`
	GenealogyJ        string            `json:"-" db:"genealogy"`
	Genealogy         Genealogy         `json:"genealogy" db:"-"`
	CustomContextJ    string            `json:"-" db:"custom_context"`
	CustomContext     map[string]any    `json:"customContext,omitempty" db:"-"`
	Archived          bool              `json:"archived" db:"archived"`
	CreatedAt         time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time         `json:"updatedAt" db:"updated_at"`
}

// TaskStatus is the Task state machine's state.
type TaskStatus string

const (
	TaskPending             TaskStatus = "pending"
	TaskRunning             TaskStatus = "running"
	TaskAwaitingPermission  TaskStatus = "awaiting_permission"
	TaskCompleted           TaskStatus = "completed"
	TaskFailed              TaskStatus = "failed"
	TaskStopped             TaskStatus = "stopped"
)

// nonTerminalTaskStatuses is used to enforce I1/P1's single-active-task gate.
var nonTerminalTaskStatuses = map[TaskStatus]bool{
	TaskPending:            true,
	TaskRunning:            true,
	TaskAwaitingPermission: true,
}

// IsNonTerminal reports whether a Task status counts as "active" under I1/P1.
func (s TaskStatus) IsNonTerminal() bool { return nonTerminalTaskStatuses[s] }

// MessageRange is the contiguous slice of a Session's messages owned by a Task.
type MessageRange struct {
	StartIndex int `json:"startIndex"`
	EndIndex   int `json:"endIndex"`
}

// GitState captures a Task's before/after git SHAs. Either field may be
// "unknown" or carry a "-dirty" suffix.
type GitState struct {
	SHAAtStart string `json:"shaAtStart,omitempty"`
	SHAAtEnd   string `json:"shaAtEnd,omitempty"`
}

// TokenUsage is the normalized token accounting for one Task.
type TokenUsage struct {
	Input         int64 `json:"input"`
	Output        int64 `json:"output"`
	CacheRead     int64 `json:"cacheRead,omitempty"`
	CacheCreation int64 `json:"cacheCreation,omitempty"`
	Total         int64 `json:"total"`
}

// NormalizedSDKResponse is a Tool adapter's normalize() output.
type NormalizedSDKResponse struct {
	TokenUsage         TokenUsage `json:"tokenUsage"`
	PrimaryModel       string     `json:"primaryModel,omitempty"`
	ContextWindowLimit int64      `json:"contextWindowLimit,omitempty"`
	CostUSD            float64    `json:"costUsd,omitempty"`
	DurationMs         int64      `json:"durationMs,omitempty"`
}

// Task is a single agent turn on a Session.
type Task struct {
	ID                     string                 `json:"id" db:"id"`
	SessionID              string                 `json:"sessionId" db:"session_id"`
	Status                 TaskStatus             `json:"status" db:"status"`
	FullPrompt             string                 `json:"fullPrompt" db:"full_prompt"`
	Description            string                 `json:"description,omitempty" db:"description"`
	MessageRangeJ          string                 `json:"-" db:"message_range"`
	MessageRange           MessageRange           `json:"messageRange" db:"-"`
	ToolUseCount           int                    `json:"toolUseCount" db:"tool_use_count"`
	Report                 string                 `json:"report,omitempty" db:"report"`
	GitStateJ              string                 `json:"-" db:"git_state"`
	GitState               GitState               `json:"gitState" db:"-"`
	RawSDKResponse         string                 `json:"rawSdkResponse,omitempty" db:"raw_sdk_response"`
	NormalizedSDKResponseJ string                 `json:"-" db:"normalized_sdk_response"`
	NormalizedSDKResponse  *NormalizedSDKResponse `json:"normalizedSdkResponse,omitempty" db:"-"`
	ComputedContextWindow  int64                  `json:"computedContextWindow,omitempty" db:"computed_context_window"`
	FailureReason          string                 `json:"failureReason,omitempty" db:"failure_reason"`
	CompletedAt            *time.Time             `json:"completedAt,omitempty" db:"completed_at"`
	CreatedAt              time.Time              `json:"createdAt" db:"created_at"`
	UpdatedAt              time.Time              `json:"updatedAt" db:"updated_at"`
}

// MessageRole is who authored a Message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// ContentBlockType is the tag of a Message content block union.
type ContentBlockType string

const (
	BlockText       ContentBlockType = "text"
	BlockToolUse    ContentBlockType = "tool_use"
	BlockToolResult ContentBlockType = "tool_result"
)

// ContentBlock is one element of a Message's ordered content.
type ContentBlock struct {
	Type        ContentBlockType `json:"type"`
	Text        string           `json:"text,omitempty"`
	ToolUseID   string           `json:"toolUseId,omitempty"`
	ToolName    string           `json:"toolName,omitempty"`
	ToolInput   map[string]any   `json:"toolInput,omitempty"`
	ToolContent string           `json:"toolContent,omitempty"`
	IsError     bool             `json:"isError,omitempty"`
}

// Message is one turn's worth of content within a Session.
type Message struct {
	ID               string         `json:"id" db:"id"`
	SessionID        string         `json:"sessionId" db:"session_id"`
	TaskID           string         `json:"taskId" db:"task_id"`
	Role             MessageRole    `json:"role" db:"role"`
	ContentJ         string         `json:"-" db:"content"`
	Content          []ContentBlock `json:"content" db:"-"`
	Timestamp        time.Time      `json:"timestamp" db:"timestamp"`
	ParentToolUseID  string         `json:"parentToolUseId,omitempty" db:"parent_tool_use_id"`
	SequenceIndex    int            `json:"sequenceIndex" db:"sequence_index"`
}

// Board is a spatial workspace canvas, a thin C2 entity.
type Board struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatedBy string    `json:"createdBy" db:"created_by"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// BoardObjectType distinguishes the kinds of nodes a Board can host.
type BoardObjectType string

const (
	BoardObjectWorktree BoardObjectType = "worktree"
	BoardObjectNote     BoardObjectType = "note"
)

// BoardObject is a movable node on a Board's canvas.
type BoardObject struct {
	ID         string          `json:"id" db:"id"`
	BoardID    string          `json:"boardId" db:"board_id"`
	Type       BoardObjectType `json:"type" db:"type"`
	RefID      string          `json:"refId,omitempty" db:"ref_id"`
	X          float64         `json:"x" db:"x"`
	Y          float64         `json:"y" db:"y"`
	Width      float64         `json:"width,omitempty" db:"width"`
	Height     float64         `json:"height,omitempty" db:"height"`
	CreatedAt  time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt  time.Time       `json:"updatedAt" db:"updated_at"`
}

// BoardComment is a pinned annotation on a BoardObject.
type BoardComment struct {
	ID            string    `json:"id" db:"id"`
	BoardObjectID string    `json:"boardObjectId" db:"board_object_id"`
	AuthorID      string    `json:"authorId" db:"author_id"`
	Text          string    `json:"text" db:"text"`
	CreatedAt     time.Time `json:"createdAt" db:"created_at"`
}

// MCPServer is a registered MCP endpoint available for attachment to sessions.
type MCPServer struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	URL       string    `json:"url,omitempty" db:"url"`
	Command   string    `json:"command,omitempty" db:"command"`
	ConfigJ   string    `json:"-" db:"config"`
	CreatedBy string    `json:"createdBy" db:"created_by"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// SessionMCPServer attaches an MCPServer to a Session.
type SessionMCPServer struct {
	SessionID   string    `json:"sessionId" db:"session_id"`
	MCPServerID string    `json:"mcpServerId" db:"mcp_server_id"`
	AttachedAt  time.Time `json:"attachedAt" db:"attached_at"`
}

// GatewayChannel binds an external chat-platform thread namespace to a
// Worktree.
type GatewayChannel struct {
	ID                string    `json:"id" db:"id"`
	ChannelType       string    `json:"channelType" db:"channel_type"`
	ChannelKey        string    `json:"-" db:"channel_key"`
	AgorUserID        string    `json:"agorUserId" db:"agor_user_id"`
	TargetWorktreeID  string    `json:"targetWorktreeId" db:"target_worktree_id"`
	Enabled           bool      `json:"enabled" db:"enabled"`
	ConfigJ           string    `json:"-" db:"config"`
	AgenticConfigJ    string    `json:"-" db:"agentic_config"`
	LastMessageAt     *time.Time `json:"lastMessageAt,omitempty" db:"last_message_at"`
	CreatedAt         time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time `json:"updatedAt" db:"updated_at"`
}

// ThreadSessionMapStatus tracks whether a mapped thread is still active.
type ThreadSessionMapStatus string

const (
	ThreadMapActive ThreadSessionMapStatus = "active"
	ThreadMapClosed ThreadSessionMapStatus = "closed"
)

// ThreadSessionMap is the (channel_id, thread_id) ↔ session_id binding.
type ThreadSessionMap struct {
	ChannelID     string                 `json:"channelId" db:"channel_id"`
	ThreadID      string                 `json:"threadId" db:"thread_id"`
	SessionID     string                 `json:"sessionId" db:"session_id"`
	Status        ThreadSessionMapStatus `json:"status" db:"status"`
	LastMessageAt time.Time              `json:"lastMessageAt" db:"last_message_at"`
	CreatedAt     time.Time              `json:"createdAt" db:"created_at"`
}
