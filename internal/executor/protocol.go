// Package executor is C6: the typed payload schema and stdin/stdout
// transport for the privileged subprocess the daemon spawns for every
// action that has to run as a worktree-owning Unix user (prompting a tool,
// git plumbing, account/ACL sync, terminal attach).
package executor

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Command is the closed tagged-union discriminant every Payload carries.
type Command string

const (
	CommandPrompt            Command = "prompt"
	CommandGitClone          Command = "git.clone"
	CommandGitWorktreeAdd    Command = "git.worktree.add"
	CommandGitWorktreeRemove Command = "git.worktree.remove"
	CommandGitWorktreeClean  Command = "git.worktree.clean"
	CommandUnixSyncWorktree  Command = "unix.sync-worktree"
	CommandUnixSyncRepo      Command = "unix.sync-repo"
	CommandUnixSyncUser      Command = "unix.sync-user"
	CommandZellijAttach      Command = "zellij.attach"
	CommandZellijTab         Command = "zellij.tab"
)

var validCommands = map[Command]bool{
	CommandPrompt: true, CommandGitClone: true, CommandGitWorktreeAdd: true,
	CommandGitWorktreeRemove: true, CommandGitWorktreeClean: true,
	CommandUnixSyncWorktree: true, CommandUnixSyncRepo: true, CommandUnixSyncUser: true,
	CommandZellijAttach: true, CommandZellijTab: true,
}

// Payload is what the daemon writes to the executor's stdin. Params is
// re-decoded into a command-specific struct by Dispatch; it is kept as
// json.RawMessage here so ParsePayload can validate the envelope without
// needing to know every command's shape.
type Payload struct {
	Command      Command           `json:"command"`
	SessionToken string            `json:"sessionToken"`
	DaemonURL    string            `json:"daemonUrl,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	DataHome     string            `json:"dataHome,omitempty"`
	Params       json.RawMessage   `json:"params,omitempty"`
}

// ParsePayload decodes and validates one line of stdin. Unknown top-level
// fields are rejected per the strict-parsing rule; an unrecognized command
// is rejected the same way rather than silently ignored.
func ParsePayload(data []byte) (*Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var p Payload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("executor: invalid payload: %w", err)
	}
	if !validCommands[p.Command] {
		return nil, fmt.Errorf("executor: unknown command %q", p.Command)
	}
	if p.SessionToken == "" {
		return nil, fmt.Errorf("executor: missing sessionToken")
	}
	return &p, nil
}

// decodeParams re-decodes Params into dst, rejecting unknown fields the
// same way the envelope itself does.
func decodeParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("executor: missing params")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// ExecutorError is ExecutorResult's failure shape.
type ExecutorError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ExecutorResult is the single line of JSON the executor writes to stdout
// before exiting: 0 on success, non-zero on failure.
type ExecutorResult struct {
	Success bool           `json:"success"`
	Data    any            `json:"data,omitempty"`
	Error   *ExecutorError `json:"error,omitempty"`
}

func ResultOK(data any) ExecutorResult {
	return ExecutorResult{Success: true, Data: data}
}

func ResultErr(code, message string, details map[string]any) ExecutorResult {
	return ExecutorResult{Success: false, Error: &ExecutorError{Code: code, Message: message, Details: details}}
}

// Command-specific param shapes. Field names mirror the daemon-side request
// structs (worktree.CreateRequest, repoclone inputs) rather than introducing
// a second naming scheme for the same data crossing the wire.

type PromptParams struct {
	SessionID      string            `json:"sessionId"`
	TaskID         string            `json:"taskId"`
	Tool           string            `json:"tool"`
	Cwd            string            `json:"cwd"`
	Prompt         string            `json:"prompt"`
	PermissionMode string            `json:"permissionMode"`
	ModelConfig    map[string]any    `json:"modelConfig,omitempty"`
}

type GitCloneParams struct {
	CloneURL string `json:"cloneUrl"`
	Owner    string `json:"owner"`
	Name     string `json:"name"`
}

type GitWorktreeAddParams struct {
	WorktreeID     string `json:"worktreeId"`
	RepoID         string `json:"repoId"`
	RepoPath       string `json:"repoPath"`
	WorktreeName   string `json:"worktreeName"`
	WorktreePath   string `json:"worktreePath"`
	Branch         string `json:"branch,omitempty"`
	SourceBranch   string `json:"sourceBranch,omitempty"`
	CreateBranch   bool   `json:"createBranch,omitempty"`
	InitUnixGroup  bool   `json:"initUnixGroup,omitempty"`
	OthersAccess   string `json:"othersAccess,omitempty"`
	DaemonUser     string `json:"daemonUser,omitempty"`
	RepoUnixGroup  string `json:"repoUnixGroup,omitempty"`
}

type GitWorktreeRemoveParams struct {
	WorktreeID string `json:"worktreeId"`
}

type GitWorktreeCleanParams struct {
	WorktreeID string `json:"worktreeId"`
}

type UnixSyncWorktreeParams struct {
	WorktreeID string `json:"worktreeId"`
}

type UnixSyncRepoParams struct {
	RepoID string `json:"repoId"`
}

type UnixSyncUserParams struct {
	UserID string `json:"userId"`
}

type ZellijAttachParams struct {
	SessionName string `json:"sessionName"`
	Cwd         string `json:"cwd"`
}

type ZellijTabParams struct {
	SessionName string `json:"sessionName"`
	TabName     string `json:"tabName"`
	Cwd         string `json:"cwd,omitempty"`
}
