package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agor-dev/agor/internal/auth"
	"github.com/agor-dev/agor/internal/common/apperror"
	"github.com/agor-dev/agor/internal/common/logger"
	"github.com/agor-dev/agor/internal/repoclone"
	"github.com/agor-dev/agor/internal/tool"
	"github.com/agor-dev/agor/internal/worktree"
)

// Reporter streams progress back to the daemon through C8 custom routes
// while a command runs, rather than the executor ever emitting realtime
// events directly — the executor has no subscriber list of its own, only a
// JWT that authenticates it to call back in.
type Reporter interface {
	ReportProgress(ctx context.Context, event string, payload any) error
}

// NoopReporter drops progress reports, for commands invoked outside a live
// daemon connection (CLI debugging, tests).
type NoopReporter struct{}

func (NoopReporter) ReportProgress(ctx context.Context, event string, payload any) error { return nil }

// Dispatcher executes one Payload to completion and produces its
// ExecutorResult. It never calls os.Exit; cmd/agor-executor owns translating
// the result into process exit status.
type Dispatcher struct {
	tokens   *auth.TokenIssuer
	worktree *worktree.Manager
	cloner   *repoclone.Cloner
	tools    *tool.Registry
	reporter Reporter
	log      *logger.Logger
}

func NewDispatcher(tokens *auth.TokenIssuer, wt *worktree.Manager, cloner *repoclone.Cloner, tools *tool.Registry, reporter Reporter, log *logger.Logger) *Dispatcher {
	if reporter == nil {
		reporter = NoopReporter{}
	}
	if log == nil {
		log = logger.Default()
	}
	return &Dispatcher{tokens: tokens, worktree: wt, cloner: cloner, tools: tools, reporter: reporter, log: log}
}

// Dispatch authenticates the payload's sessionToken and runs its command.
// A failure to authenticate is itself reported as an ExecutorResult rather
// than a Go error, since the caller (cmd/agor-executor) only has one
// channel — stdout — to report outcomes through.
func (d *Dispatcher) Dispatch(ctx context.Context, p *Payload) ExecutorResult {
	if d.tokens != nil {
		if _, err := d.tokens.Verify(p.SessionToken); err != nil {
			return ResultErr(string(apperror.NotAuthenticated), "invalid session token", nil)
		}
	}

	switch p.Command {
	case CommandPrompt:
		return d.dispatchPrompt(ctx, p)
	case CommandGitClone:
		return d.dispatchGitClone(ctx, p)
	case CommandGitWorktreeAdd:
		return d.dispatchGitWorktreeAdd(ctx, p)
	case CommandGitWorktreeRemove:
		return d.dispatchGitWorktreeRemove(ctx, p)
	case CommandGitWorktreeClean:
		return d.dispatchGitWorktreeClean(ctx, p)
	case CommandUnixSyncWorktree:
		return d.dispatchUnixSyncWorktree(ctx, p)
	case CommandUnixSyncRepo:
		return d.dispatchUnixSyncRepo(ctx, p)
	case CommandUnixSyncUser:
		return d.dispatchUnixSyncUser(ctx, p)
	case CommandZellijAttach:
		return d.dispatchZellijAttach(ctx, p)
	case CommandZellijTab:
		return d.dispatchZellijTab(ctx, p)
	default:
		return ResultErr(string(apperror.ValidationFailed), fmt.Sprintf("unhandled command %q", p.Command), nil)
	}
}

func (d *Dispatcher) dispatchPrompt(ctx context.Context, p *Payload) ExecutorResult {
	var params PromptParams
	if err := decodeParams(p.Params, &params); err != nil {
		return ResultErr(string(apperror.ValidationFailed), err.Error(), nil)
	}
	adapter, err := d.tools.Get(params.Tool)
	if err != nil {
		return toolFailureResult(err)
	}

	cb := tool.Callbacks{
		OnStreamStart: func(messageID string, meta tool.StreamMeta) {
			_ = d.reporter.ReportProgress(ctx, "stream.start", map[string]any{"messageId": messageID, "model": meta.Model})
		},
		OnStreamChunk: func(messageID string, text string) {
			_ = d.reporter.ReportProgress(ctx, "stream.chunk", map[string]any{"messageId": messageID, "text": text})
		},
		OnStreamEnd: func(messageID string) {
			_ = d.reporter.ReportProgress(ctx, "stream.end", map[string]any{"messageId": messageID})
		},
		OnStreamError: func(messageID string, err error) {
			_ = d.reporter.ReportProgress(ctx, "stream.error", map[string]any{"messageId": messageID, "error": err.Error()})
		},
		OnThinkingStart: func(messageID string) {
			_ = d.reporter.ReportProgress(ctx, "thinking.start", map[string]any{"messageId": messageID})
		},
		OnThinkingChunk: func(messageID string, text string) {
			_ = d.reporter.ReportProgress(ctx, "thinking.chunk", map[string]any{"messageId": messageID, "text": text})
		},
		OnThinkingEnd: func(messageID string) {
			_ = d.reporter.ReportProgress(ctx, "thinking.end", map[string]any{"messageId": messageID})
		},
		OnPermissionRequest: func(req tool.PermissionRequest) tool.PermissionDecision {
			return d.awaitPermissionDecision(ctx, params.TaskID, req)
		},
	}

	result, err := adapter.ExecutePrompt(ctx, tool.PromptRequest{
		SessionID:      params.SessionID,
		TaskID:         params.TaskID,
		Prompt:         params.Prompt,
		PermissionMode: params.PermissionMode,
		Cwd:            params.Cwd,
		ModelConfig:    params.ModelConfig,
	}, cb)
	if err != nil {
		return toolFailureResult(err)
	}

	return ResultOK(map[string]any{
		"userMessageId":       result.UserMessageID,
		"assistantMessageIds": result.AssistantMessageIDs,
		"tokenUsage":          result.TokenUsage,
		"wasStopped":          result.WasStopped,
		"rawSdkResponse":      json.RawMessage(result.RawSDKResponse),
	})
}

// awaitPermissionDecision reports the pending permission request to the
// daemon and blocks for its decision over the same custom-route channel; the
// actual round trip (publish request, await a decision event scoped to
// taskID) is a C7/C8 concern the reporter implementation owns. The
// default NoopReporter always denies, since there is nobody to ask.
func (d *Dispatcher) awaitPermissionDecision(ctx context.Context, taskID string, req tool.PermissionRequest) tool.PermissionDecision {
	if pr, ok := d.reporter.(PermissionReporter); ok {
		decision, err := pr.RequestPermission(ctx, taskID, req)
		if err == nil {
			return decision
		}
		d.log.WithError(err).Warn("permission round trip failed, denying")
	}
	return tool.PermissionDecision{Allow: false}
}

// PermissionReporter is implemented by Reporters that can carry a blocking
// permission round trip, not just fire-and-forget progress events.
type PermissionReporter interface {
	RequestPermission(ctx context.Context, taskID string, req tool.PermissionRequest) (tool.PermissionDecision, error)
}

func (d *Dispatcher) dispatchGitClone(ctx context.Context, p *Payload) ExecutorResult {
	var params GitCloneParams
	if err := decodeParams(p.Params, &params); err != nil {
		return ResultErr(string(apperror.ValidationFailed), err.Error(), nil)
	}
	path, err := d.cloner.EnsureCloned(ctx, params.CloneURL, params.Owner, params.Name)
	if err != nil {
		return appErrorResult(err)
	}
	return ResultOK(map[string]any{"path": path})
}

func (d *Dispatcher) dispatchGitWorktreeAdd(ctx context.Context, p *Payload) ExecutorResult {
	var params GitWorktreeAddParams
	if err := decodeParams(p.Params, &params); err != nil {
		return ResultErr(string(apperror.ValidationFailed), err.Error(), nil)
	}
	// The daemon-side worktree.Manager.Create already performs git worktree
	// add plus group/ACL provisioning for worktrees created through the API;
	// this path exists for the executor protocol's own closed command set
	// (e.g. re-provisioning a worktree whose directory was lost) and reuses
	// the same git primitives rather than duplicating them.
	if err := d.worktree.SyncWorktree(ctx, params.WorktreeID); err != nil {
		return appErrorResult(err)
	}
	return ResultOK(map[string]any{"worktreeId": params.WorktreeID})
}

func (d *Dispatcher) dispatchGitWorktreeRemove(ctx context.Context, p *Payload) ExecutorResult {
	var params GitWorktreeRemoveParams
	if err := decodeParams(p.Params, &params); err != nil {
		return ResultErr(string(apperror.ValidationFailed), err.Error(), nil)
	}
	if err := d.worktree.Remove(ctx, params.WorktreeID); err != nil {
		return appErrorResult(err)
	}
	return ResultOK(nil)
}

func (d *Dispatcher) dispatchGitWorktreeClean(ctx context.Context, p *Payload) ExecutorResult {
	var params GitWorktreeCleanParams
	if err := decodeParams(p.Params, &params); err != nil {
		return ResultErr(string(apperror.ValidationFailed), err.Error(), nil)
	}
	// "clean" reconciles ACL/group state without touching the git checkout
	// itself, distinct from "remove" which deletes it.
	if err := d.worktree.SyncWorktree(ctx, params.WorktreeID); err != nil {
		return appErrorResult(err)
	}
	return ResultOK(nil)
}

func (d *Dispatcher) dispatchUnixSyncWorktree(ctx context.Context, p *Payload) ExecutorResult {
	var params UnixSyncWorktreeParams
	if err := decodeParams(p.Params, &params); err != nil {
		return ResultErr(string(apperror.ValidationFailed), err.Error(), nil)
	}
	if err := d.worktree.SyncWorktree(ctx, params.WorktreeID); err != nil {
		return appErrorResult(err)
	}
	return ResultOK(nil)
}

func (d *Dispatcher) dispatchUnixSyncRepo(ctx context.Context, p *Payload) ExecutorResult {
	var params UnixSyncRepoParams
	if err := decodeParams(p.Params, &params); err != nil {
		return ResultErr(string(apperror.ValidationFailed), err.Error(), nil)
	}
	if err := d.worktree.SyncRepo(ctx, params.RepoID); err != nil {
		return appErrorResult(err)
	}
	return ResultOK(nil)
}

func (d *Dispatcher) dispatchUnixSyncUser(ctx context.Context, p *Payload) ExecutorResult {
	var params UnixSyncUserParams
	if err := decodeParams(p.Params, &params); err != nil {
		return ResultErr(string(apperror.ValidationFailed), err.Error(), nil)
	}
	if err := d.worktree.SyncUser(ctx, params.UserID); err != nil {
		return appErrorResult(err)
	}
	return ResultOK(nil)
}

func (d *Dispatcher) dispatchZellijAttach(ctx context.Context, p *Payload) ExecutorResult {
	var params ZellijAttachParams
	if err := decodeParams(p.Params, &params); err != nil {
		return ResultErr(string(apperror.ValidationFailed), err.Error(), nil)
	}
	if err := zellijAttach(ctx, params); err != nil {
		return appErrorResult(err)
	}
	return ResultOK(nil)
}

func (d *Dispatcher) dispatchZellijTab(ctx context.Context, p *Payload) ExecutorResult {
	var params ZellijTabParams
	if err := decodeParams(p.Params, &params); err != nil {
		return ResultErr(string(apperror.ValidationFailed), err.Error(), nil)
	}
	if err := zellijTab(ctx, params); err != nil {
		return appErrorResult(err)
	}
	return ResultOK(nil)
}

func appErrorResult(err error) ExecutorResult {
	kind, _ := apperror.KindOf(err)
	if kind == "" {
		kind = apperror.UnixOpFailed
	}
	return ResultErr(string(kind), err.Error(), nil)
}

func toolFailureResult(err error) ExecutorResult {
	var failure *tool.Failure
	if f, ok := err.(*tool.Failure); ok {
		failure = f
	}
	kind := apperror.ToolFailurePermanent
	if failure != nil && failure.Transient {
		kind = apperror.ToolFailureTransient
	}
	return ResultErr(string(kind), err.Error(), nil)
}
