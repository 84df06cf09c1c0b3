// Package tool is C5: a uniform contract over the four agent SDKs
// (claude-code, codex, gemini, opencode), one Adapter implementation per
// tool, selected at prompt time by a Registry keyed on Session.AgenticTool.
package tool

import (
	"context"

	"github.com/agor-dev/agor/internal/store"
)

// StreamMeta accompanies onStreamStart with whatever the tool knows about
// the message before its first chunk arrives (model name, block type).
type StreamMeta struct {
	Model string
	Block store.ContentBlockType
}

// Callbacks are invoked from the executor process for one Task's streaming
// lifecycle. Delivery across distinct message IDs is best-effort and may be
// out of order; within one message_id, calls are serialized start < chunks
// in emission order < (end xor error).
type Callbacks struct {
	OnStreamStart   func(messageID string, meta StreamMeta)
	OnStreamChunk   func(messageID string, text string)
	OnStreamEnd     func(messageID string)
	OnStreamError   func(messageID string, err error)
	OnThinkingStart func(messageID string)
	OnThinkingChunk func(messageID string, text string)
	OnThinkingEnd   func(messageID string)

	// OnPermissionRequest is called synchronously from the adapter's own
	// read loop when the underlying SDK surfaces a tool-use permission
	// request the configured PermissionMode doesn't auto-resolve. The
	// caller (C7) is expected to flip the Session to awaiting_permission
	// and block this call until a decision endpoint resolves it; returning
	// is what unblocks the adapter's protocol loop to send the response.
	OnPermissionRequest func(req PermissionRequest) PermissionDecision
}

// PermissionRequest describes one tool-use awaiting a permission decision.
type PermissionRequest struct {
	ToolName string
	Input    map[string]any
}

// PermissionDecision is the caller's answer to a PermissionRequest.
// Scope mirrors the session/project/once union the decision endpoint
// accepts; the engine persists session/project grants itself, and the
// bundled adapters read only Allow.
type PermissionDecision struct {
	Allow bool
	Scope string
}

// PromptRequest is the executePrompt input.
type PromptRequest struct {
	SessionID      string
	TaskID         string
	Prompt         string
	PermissionMode string
	Cwd            string
	ModelConfig    map[string]any
	MCPServers     []store.MCPServer
}

// PromptResult is executePrompt's success output. RawSDKResponse is kept
// as opaque bytes so normalize can later reinterpret it with context a
// single call doesn't have (e.g. the previous terminal Task's usage).
type PromptResult struct {
	UserMessageID       string
	AssistantMessageIDs []string
	TokenUsage          *store.TokenUsage
	WasStopped          bool
	RawSDKResponse      []byte
}

// StopResult is stopTask's output.
type StopResult struct {
	Success bool
	Reason  string
}

// NormalizeContext supplies normalize() with the session-scoped state it
// needs to turn cumulative SDK usage reports into per-Task deltas.
type NormalizeContext struct {
	PreviousTerminalUsage *store.TokenUsage
}

// Failure is the error type adapters return for tool-specific breakage,
// distinguishing retryable (transient) conditions from permanent ones.
// Callers translate it to apperror.ToolFailureTransient/Permanent.
type Failure struct {
	Transient bool
	Reason    string
	Cause     error
}

func (f *Failure) Error() string {
	if f.Cause != nil {
		return f.Reason + ": " + f.Cause.Error()
	}
	return f.Reason
}

func (f *Failure) Unwrap() error { return f.Cause }

// Adapter is the contract every tool integration satisfies.
type Adapter interface {
	// Name is the agentic_tool value this adapter serves (e.g. "claude-code").
	Name() string

	// SupportedPermissionModes is the subset of the cross-tool permission
	// mode union this adapter accepts; ExecutePrompt rejects anything else
	// with a non-transient Failure.
	SupportedPermissionModes() []string

	// ExecutePrompt drives one Task's turn to completion or failure.
	ExecutePrompt(ctx context.Context, req PromptRequest, cb Callbacks) (*PromptResult, error)

	// StopTask cooperatively interrupts a running Task. Idempotent: calling
	// it after the Task has already finished is a no-op success.
	StopTask(ctx context.Context, sessionID, taskID string) (*StopResult, error)

	// ComputeContextWindow reports the current context window occupancy,
	// if this tool exposes one, given the most recent raw SDK response.
	ComputeContextWindow(ctx context.Context, sessionID, taskID string, rawSDKResponse []byte) (int64, bool)

	// Normalize turns a raw SDK response into the engine's common shape.
	Normalize(rawSDKResponse []byte, nctx NormalizeContext) (*store.NormalizedSDKResponse, error)
}

// SupportsPermissionMode reports whether mode is in modes, used by adapters
// to implement SupportedPermissionModes-gated rejection uniformly.
func SupportsPermissionMode(modes []string, mode string) bool {
	for _, m := range modes {
		if m == mode {
			return true
		}
	}
	return false
}
