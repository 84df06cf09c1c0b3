// Package sqlite implements Agor's C2 repositories over a *sqlx.DB pool,
// portable to PostgreSQL through internal/db/dialect.
package sqlite

import (
	"github.com/jmoiron/sqlx"

	"github.com/agor-dev/agor/internal/store"
)

// Store wires every repository onto one writer/reader pair.
type Store struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader
	driver string
}

// New creates a Store and ensures its schema exists.
func New(writer, reader *sqlx.DB) (*Store, error) {
	s := &Store{db: writer, ro: reader, driver: writer.DriverName()}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// Repositories returns the store.Repositories bundle backed by this Store.
func (s *Store) Repositories() *store.Repositories {
	return &store.Repositories{
		Users:             &userRepo{s},
		Repos:             &repoRepo{s},
		Worktrees:         &worktreeRepo{s},
		WorktreeOwners:    &worktreeOwnerRepo{s},
		Sessions:          &sessionRepo{s},
		Tasks:             &taskRepo{s},
		Messages:          &messageRepo{s},
		Boards:            &boardRepo{s},
		MCPServers:        &mcpServerRepo{s},
		GatewayChannels:   &gatewayChannelRepo{s},
		ThreadSessionMaps: &threadSessionMapRepo{s},
	}
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL,
			unix_username TEXT NOT NULL DEFAULT '',
			must_change_password INTEGER NOT NULL DEFAULT 0,
			default_agentic_config TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS repos (
			id TEXT PRIMARY KEY,
			slug TEXT NOT NULL UNIQUE,
			remote_url TEXT NOT NULL DEFAULT '',
			local_path TEXT NOT NULL,
			default_branch TEXT NOT NULL DEFAULT 'main',
			unix_group TEXT NOT NULL DEFAULT '',
			environment_config TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS worktrees (
			id TEXT PRIMARY KEY,
			repo_id TEXT NOT NULL REFERENCES repos(id),
			name TEXT NOT NULL,
			ref TEXT NOT NULL,
			ref_type TEXT NOT NULL,
			path TEXT NOT NULL,
			base_ref TEXT NOT NULL DEFAULT '',
			new_branch INTEGER NOT NULL DEFAULT 0,
			worktree_unique_id INTEGER NOT NULL,
			board_id TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL REFERENCES users(id),
			filesystem_status TEXT NOT NULL,
			filesystem_error TEXT NOT NULL DEFAULT '',
			others_can TEXT NOT NULL DEFAULT 'none',
			others_fs_access TEXT NOT NULL DEFAULT 'none',
			unix_group TEXT NOT NULL DEFAULT '',
			environment_instance TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_worktrees_repo ON worktrees(repo_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_worktrees_unique_id ON worktrees(repo_id, worktree_unique_id) WHERE filesystem_status != 'removed'`,
		`CREATE TABLE IF NOT EXISTS worktree_owners (
			worktree_id TEXT NOT NULL REFERENCES worktrees(id),
			user_id TEXT NOT NULL REFERENCES users(id),
			added_at TIMESTAMP NOT NULL,
			PRIMARY KEY (worktree_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			worktree_id TEXT NOT NULL REFERENCES worktrees(id),
			created_by TEXT NOT NULL REFERENCES users(id),
			unix_username TEXT NOT NULL,
			agentic_tool TEXT NOT NULL,
			permission_config TEXT NOT NULL DEFAULT '{}',
			model_config TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL,
			task_ids TEXT NOT NULL DEFAULT '[]',
			message_count INTEGER NOT NULL DEFAULT 0,
			genealogy TEXT NOT NULL DEFAULT '{}',
			custom_context TEXT NOT NULL DEFAULT '{}',
			archived INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_worktree ON sessions(worktree_id)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			status TEXT NOT NULL,
			full_prompt TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			message_range TEXT NOT NULL DEFAULT '{}',
			tool_use_count INTEGER NOT NULL DEFAULT 0,
			report TEXT NOT NULL DEFAULT '',
			git_state TEXT NOT NULL DEFAULT '{}',
			raw_sdk_response TEXT NOT NULL DEFAULT '',
			normalized_sdk_response TEXT NOT NULL DEFAULT '',
			computed_context_window INTEGER NOT NULL DEFAULT 0,
			failure_reason TEXT NOT NULL DEFAULT '',
			completed_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_id)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			task_id TEXT NOT NULL REFERENCES tasks(id),
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '[]',
			timestamp TIMESTAMP NOT NULL,
			parent_tool_use_id TEXT NOT NULL DEFAULT '',
			sequence_index INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, sequence_index)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_task ON messages(task_id)`,
		`CREATE TABLE IF NOT EXISTS boards (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_by TEXT NOT NULL REFERENCES users(id),
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS board_objects (
			id TEXT PRIMARY KEY,
			board_id TEXT NOT NULL REFERENCES boards(id),
			type TEXT NOT NULL,
			ref_id TEXT NOT NULL DEFAULT '',
			x REAL NOT NULL DEFAULT 0,
			y REAL NOT NULL DEFAULT 0,
			width REAL NOT NULL DEFAULT 0,
			height REAL NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_board_objects_board ON board_objects(board_id)`,
		`CREATE TABLE IF NOT EXISTS board_comments (
			id TEXT PRIMARY KEY,
			board_object_id TEXT NOT NULL REFERENCES board_objects(id),
			author_id TEXT NOT NULL REFERENCES users(id),
			text TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS mcp_servers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			url TEXT NOT NULL DEFAULT '',
			command TEXT NOT NULL DEFAULT '',
			config TEXT NOT NULL DEFAULT '{}',
			created_by TEXT NOT NULL REFERENCES users(id),
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS session_mcp_servers (
			session_id TEXT NOT NULL REFERENCES sessions(id),
			mcp_server_id TEXT NOT NULL REFERENCES mcp_servers(id),
			attached_at TIMESTAMP NOT NULL,
			PRIMARY KEY (session_id, mcp_server_id)
		)`,
		`CREATE TABLE IF NOT EXISTS gateway_channels (
			id TEXT PRIMARY KEY,
			channel_type TEXT NOT NULL,
			channel_key TEXT NOT NULL UNIQUE,
			agor_user_id TEXT NOT NULL REFERENCES users(id),
			target_worktree_id TEXT NOT NULL REFERENCES worktrees(id),
			enabled INTEGER NOT NULL DEFAULT 1,
			config TEXT NOT NULL DEFAULT '{}',
			agentic_config TEXT NOT NULL DEFAULT '{}',
			last_message_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS thread_session_maps (
			channel_id TEXT NOT NULL REFERENCES gateway_channels(id),
			thread_id TEXT NOT NULL,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			status TEXT NOT NULL,
			last_message_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (channel_id, thread_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_thread_session_maps_session ON thread_session_maps(session_id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
