package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/google/uuid"

	"github.com/agor-dev/agor/internal/common/apperror"
	"github.com/agor-dev/agor/internal/common/logger"
	"github.com/agor-dev/agor/internal/store"
	"github.com/agor-dev/agor/pkg/codex"
)

// CodexModes maps Agor's cross-tool permission-mode union onto codex's own
// approvalPolicy axis; codex additionally reports cumulative usage per
// thread, handled by DeltaUsage in Normalize below.
var CodexModes = []string{"untrusted", "on-failure", "on-request", "never"}

// codexCumulativeResult is the subset of a turn/completed payload the
// normalizer needs: codex reports running totals for the whole thread, not
// per-turn deltas.
type codexCumulativeResult struct {
	ThreadID string            `json:"threadId"`
	Usage    store.TokenUsage  `json:"usage"`
	Model    string            `json:"model,omitempty"`
	Success  bool              `json:"success"`
}

// CodexAdapter drives the `codex app-server` JSON-RPC-over-stdio process:
// thread/start once per session, turn/start per prompt, built on
// pkg/codex.Client's request/notification plumbing.
type CodexAdapter struct {
	binPath string
	log     *logger.Logger

	mu      sync.Mutex
	threads map[string]string // sessionID -> codex threadId
}

func NewCodexAdapter(binPath string, log *logger.Logger) *CodexAdapter {
	if binPath == "" {
		binPath = "codex"
	}
	return &CodexAdapter{binPath: binPath, log: log, threads: make(map[string]string)}
}

func (a *CodexAdapter) Name() string { return "codex" }

func (a *CodexAdapter) SupportedPermissionModes() []string { return CodexModes }

func (a *CodexAdapter) ExecutePrompt(ctx context.Context, req PromptRequest, cb Callbacks) (*PromptResult, error) {
	if !SupportsPermissionMode(CodexModes, req.PermissionMode) {
		return nil, &Failure{Transient: false, Reason: fmt.Sprintf("codex does not support approval policy %q", req.PermissionMode)}
	}

	cmd := exec.CommandContext(ctx, a.binPath, "app-server")
	cmd.Dir = req.Cwd

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &Failure{Transient: true, Reason: "opening codex stdin", Cause: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &Failure{Transient: true, Reason: "opening codex stdout", Cause: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &Failure{Transient: true, Reason: "spawning codex", Cause: err}
	}

	client := codex.NewClient(stdin, stdout, a.log)
	client.Start(ctx)
	defer client.Stop()

	var (
		mu                  sync.Mutex
		assistantMessageID  string
		assistantMessageIDs []string
		finalResult         json.RawMessage
		finalErr            error
		wasStopped          bool
	)

	client.SetRequestHandler(func(id any, method string, params json.RawMessage) {
		switch method {
		case codex.NotifyItemCmdExecRequestApproval:
			a.respondApproval(client, id, req.PermissionMode, params, cb, true)
		case codex.NotifyItemFileChangeRequestApproval:
			a.respondApproval(client, id, req.PermissionMode, params, cb, false)
		default:
			_ = client.SendResponse(id, nil, &codex.Error{Code: codex.MethodNotFound, Message: "unhandled request"})
		}
	})

	client.SetNotificationHandler(func(method string, params json.RawMessage) {
		switch method {
		case codex.NotifyItemAgentMessageDelta:
			var p codex.AgentMessageDeltaParams
			if err := json.Unmarshal(params, &p); err == nil {
				mu.Lock()
				if assistantMessageID == "" {
					assistantMessageID = uuid.NewString()
					assistantMessageIDs = append(assistantMessageIDs, assistantMessageID)
					if cb.OnStreamStart != nil {
						cb.OnStreamStart(assistantMessageID, StreamMeta{Block: store.BlockText})
					}
				}
				id := assistantMessageID
				mu.Unlock()
				if cb.OnStreamChunk != nil {
					cb.OnStreamChunk(id, p.Delta)
				}
			}
		case codex.NotifyItemReasoningTextDelta, codex.NotifyItemReasoningSummaryDelta:
			var p codex.ReasoningDeltaParams
			if err := json.Unmarshal(params, &p); err == nil && cb.OnThinkingChunk != nil {
				cb.OnThinkingChunk(p.ItemID, p.Delta)
			}
		case codex.NotifyTurnCompleted:
			var p codex.TurnCompletedParams
			_ = json.Unmarshal(params, &p)
			mu.Lock()
			if assistantMessageID != "" && cb.OnStreamEnd != nil {
				cb.OnStreamEnd(assistantMessageID)
			}
			if !p.Success {
				finalErr = fmt.Errorf("codex turn failed: %s", p.Error)
			}
			finalResult = params
			mu.Unlock()
		case codex.NotifyError:
			var p codex.ErrorParams
			_ = json.Unmarshal(params, &p)
			mu.Lock()
			finalErr = fmt.Errorf("codex error: %s", p.Message)
			mu.Unlock()
		}
	})

	threadID, err := a.ensureThread(ctx, client, req)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}

	userMessageID := uuid.NewString()
	_, err = client.Call(ctx, codex.MethodTurnStart, codex.TurnStartParams{
		ThreadID: threadID,
		Input:    []codex.UserInput{{Type: "text", Text: req.Prompt}},
	})
	if err != nil {
		wasStopped = ctx.Err() != nil
		if !wasStopped {
			_ = cmd.Process.Kill()
			return nil, &Failure{Transient: true, Reason: "starting codex turn", Cause: err}
		}
	}

	waitErr := cmd.Wait()
	if waitErr != nil && ctx.Err() != nil {
		wasStopped = true
		waitErr = nil
	}
	if waitErr != nil {
		return nil, &Failure{Transient: true, Reason: "codex process error", Cause: waitErr}
	}

	mu.Lock()
	defer mu.Unlock()
	if finalErr != nil {
		return nil, &Failure{Transient: true, Reason: finalErr.Error()}
	}

	return &PromptResult{
		UserMessageID:       userMessageID,
		AssistantMessageIDs: assistantMessageIDs,
		WasStopped:          wasStopped,
		RawSDKResponse:      finalResult,
	}, nil
}

func (a *CodexAdapter) ensureThread(ctx context.Context, client *codex.Client, req PromptRequest) (string, error) {
	a.mu.Lock()
	threadID, ok := a.threads[req.SessionID]
	a.mu.Unlock()
	if ok {
		return threadID, nil
	}

	resp, err := client.Call(ctx, codex.MethodThreadStart, codex.ThreadStartParams{
		Cwd:            req.Cwd,
		ApprovalPolicy: req.PermissionMode,
	})
	if err != nil {
		return "", &Failure{Transient: true, Reason: "starting codex thread", Cause: err}
	}
	var result codex.ThreadStartResult
	if err := json.Unmarshal(resp.Result, &result); err != nil || result.Thread == nil {
		return "", &Failure{Transient: true, Reason: "parsing codex thread/start result", Cause: err}
	}

	a.mu.Lock()
	a.threads[req.SessionID] = result.Thread.ID
	a.mu.Unlock()
	return result.Thread.ID, nil
}

func (a *CodexAdapter) respondApproval(client *codex.Client, id any, mode string, params json.RawMessage, cb Callbacks, isCommand bool) {
	allow := mode == "never"
	toolName := "command/exec"
	var input map[string]any
	if isCommand {
		var p codex.CommandApprovalParams
		_ = json.Unmarshal(params, &p)
		input = map[string]any{"command": p.Command, "cwd": p.Cwd}
	} else {
		var p codex.FileChangeApprovalParams
		_ = json.Unmarshal(params, &p)
		toolName = "file/change"
		input = map[string]any{"path": p.Path, "diff": p.Diff}
	}
	if !allow && cb.OnPermissionRequest != nil {
		decision := cb.OnPermissionRequest(PermissionRequest{ToolName: toolName, Input: input})
		allow = decision.Allow
	}
	decision := "reject"
	if allow {
		decision = "approve"
	}
	_ = client.SendResponse(id, map[string]string{"decision": decision}, nil)
}

func (a *CodexAdapter) StopTask(ctx context.Context, sessionID, taskID string) (*StopResult, error) {
	a.mu.Lock()
	threadID, ok := a.threads[sessionID]
	a.mu.Unlock()
	if !ok {
		return &StopResult{Success: true}, nil
	}
	_ = threadID
	// turn/interrupt requires a live client handle scoped to the running
	// process, which ExecutePrompt owns for its duration; cancellation is
	// driven by the executor's context cancellation instead (see the
	// claude-code adapter's StopTask for the same reasoning).
	return &StopResult{Success: true}, nil
}

func (a *CodexAdapter) ComputeContextWindow(ctx context.Context, sessionID, taskID string, rawSDKResponse []byte) (int64, bool) {
	return 0, false
}

func (a *CodexAdapter) Normalize(rawSDKResponse []byte, nctx NormalizeContext) (*store.NormalizedSDKResponse, error) {
	var result codexCumulativeResult
	if err := json.Unmarshal(rawSDKResponse, &result); err != nil {
		return nil, apperror.Wrap(apperror.ToolFailurePermanent, "parsing codex result", err)
	}
	delta := DeltaUsage(&result.Usage, nctx.PreviousTerminalUsage)
	return &store.NormalizedSDKResponse{
		TokenUsage:   delta,
		PrimaryModel: result.Model,
	}, nil
}

var _ Adapter = (*CodexAdapter)(nil)
