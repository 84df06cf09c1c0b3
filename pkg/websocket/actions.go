package websocket

// Action constants for WebSocket messages exchanged with the real-time
// service framework (C8). Naming follows "<entity>.<verb>" for
// client-initiated requests and "<entity>.<event>" for server-pushed
// notifications.
const (
	// Health
	ActionHealthCheck = "health.check"

	// Repo actions
	ActionRepoList   = "repo.list"
	ActionRepoCreate = "repo.create"
	ActionRepoGet    = "repo.get"
	ActionRepoUpdate = "repo.update"
	ActionRepoDelete = "repo.delete"

	// Worktree actions
	ActionWorktreeList   = "worktree.list"
	ActionWorktreeCreate = "worktree.create"
	ActionWorktreeGet    = "worktree.get"
	ActionWorktreeRemove = "worktree.remove"
	ActionWorktreeSync   = "worktree.sync"

	// Board actions
	ActionBoardList   = "board.list"
	ActionBoardCreate = "board.create"
	ActionBoardGet    = "board.get"
	ActionBoardDelete = "board.delete"

	// BoardObject actions
	ActionBoardObjectList   = "board_object.list"
	ActionBoardObjectCreate = "board_object.create"
	ActionBoardObjectUpdate = "board_object.update"
	ActionBoardObjectDelete = "board_object.delete"

	// BoardComment actions
	ActionBoardCommentList   = "board_comment.list"
	ActionBoardCommentCreate = "board_comment.create"

	// Session actions
	ActionSessionList    = "session.list"
	ActionSessionCreate  = "session.create"
	ActionSessionGet     = "session.get"
	ActionSessionArchive = "session.archive"
	ActionSessionPrompt  = "session.prompt"

	// Task actions
	ActionTaskList            = "task.list"
	ActionTaskGet             = "task.get"
	ActionTaskStop            = "task.stop"
	ActionTaskPermissionDecide = "task.permission_decide"

	// Message actions
	ActionMessageList = "message.list"

	// MCPServer actions
	ActionMCPServerList   = "mcp_server.list"
	ActionMCPServerCreate = "mcp_server.create"
	ActionMCPServerDelete = "mcp_server.delete"
	ActionMCPServerAttach = "mcp_server.attach"
	ActionMCPServerDetach = "mcp_server.detach"

	// GatewayChannel actions
	ActionGatewayChannelList   = "gateway_channel.list"
	ActionGatewayChannelCreate = "gateway_channel.create"
	ActionGatewayChannelUpdate = "gateway_channel.update"
	ActionGatewayChannelDelete = "gateway_channel.delete"

	// Secret actions
	ActionSecretList   = "secret.list"
	ActionSecretCreate = "secret.create"
	ActionSecretUpdate = "secret.update"
	ActionSecretDelete = "secret.delete"
	ActionSecretReveal = "secret.reveal"

	// Terminal actions
	ActionTerminalAttach = "terminal.attach"
	ActionTerminalInput  = "terminal.input"
	ActionTerminalResize = "terminal.resize"
	ActionTerminalDetach = "terminal.detach"

	// Subscription actions — a client subscribes to a channel (scoped to a
	// Worktree, Session, or Board) to receive the notifications below.
	ActionChannelSubscribe   = "channel.subscribe"
	ActionChannelUnsubscribe = "channel.unsubscribe"

	// Notification actions (server -> client)
	ActionSessionUpdated     = "session.updated"
	ActionTaskUpdated        = "task.updated"
	ActionTaskPermission     = "task.permission_requested"
	ActionMessageCreated     = "message.created"
	ActionBoardObjectMoved   = "board_object.moved"
	ActionTerminalOutput     = "terminal.output"
	ActionWorktreeStatus     = "worktree.status_changed"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnauthorized  = "UNAUTHORIZED"
	ErrorCodeForbidden     = "FORBIDDEN"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
