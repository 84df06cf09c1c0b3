package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agor-dev/agor/internal/common/apperror"
	"github.com/agor-dev/agor/internal/common/logger"
	"github.com/agor-dev/agor/internal/store"
	"github.com/agor-dev/agor/pkg/claudecode"
)

// ClaudeCodeModes is the permission-mode subset the Claude Code CLI accepts.
var ClaudeCodeModes = []string{"default", "acceptEdits", "bypassPermissions", "plan"}

// ClaudeCodeAdapter drives the `claude` CLI in stream-json mode over a
// subprocess's stdin/stdout: spawn one short-lived CLI process per Task,
// wire pkg/claudecode.Client's handlers to Callbacks, and tear the process
// down when the turn resolves.
type ClaudeCodeAdapter struct {
	binPath string
	log     *logger.Logger
}

func NewClaudeCodeAdapter(binPath string, log *logger.Logger) *ClaudeCodeAdapter {
	if binPath == "" {
		binPath = "claude"
	}
	return &ClaudeCodeAdapter{binPath: binPath, log: log}
}

func (a *ClaudeCodeAdapter) Name() string { return "claude-code" }

func (a *ClaudeCodeAdapter) SupportedPermissionModes() []string { return ClaudeCodeModes }

func (a *ClaudeCodeAdapter) ExecutePrompt(ctx context.Context, req PromptRequest, cb Callbacks) (*PromptResult, error) {
	if !SupportsPermissionMode(ClaudeCodeModes, req.PermissionMode) {
		return nil, &Failure{Transient: false, Reason: fmt.Sprintf("claude-code does not support permission mode %q", req.PermissionMode)}
	}

	cmd := exec.CommandContext(ctx, a.binPath,
		"--print", "--input-format", "stream-json", "--output-format", "stream-json",
		"--permission-mode", req.PermissionMode,
	)
	cmd.Dir = req.Cwd

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &Failure{Transient: true, Reason: "opening claude-code stdin", Cause: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &Failure{Transient: true, Reason: "opening claude-code stdout", Cause: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &Failure{Transient: true, Reason: "spawning claude-code", Cause: err}
	}

	client := claudecode.NewClient(stdin, stdout, a.log)

	var (
		mu                  sync.Mutex
		assistantMessageIDs []string
		currentMessageID    string
		resultRaw           json.RawMessage
		usage               *store.TokenUsage
		finalErr            error
	)

	client.SetRequestHandler(func(requestID string, cr *claudecode.ControlRequest) {
		if cr.Subtype != claudecode.SubtypeCanUseTool {
			_ = client.SendControlResponse(&claudecode.ControlResponseMessage{
				Type: claudecode.MessageTypeControlResponse, RequestID: requestID,
				Response: &claudecode.ControlResponse{Subtype: "error", Error: "unsupported control request"},
			})
			return
		}
		decision := a.resolvePermission(req.PermissionMode, cr, cb)
		behavior := claudecode.BehaviorDeny
		if decision.Allow {
			behavior = claudecode.BehaviorAllow
		}
		_ = client.SendControlResponse(&claudecode.ControlResponseMessage{
			Type: claudecode.MessageTypeControlResponse, RequestID: requestID,
			Response: &claudecode.ControlResponse{
				Subtype: "success",
				Result:  &claudecode.PermissionResult{Behavior: behavior},
			},
		})
	})

	client.SetMessageHandler(func(msg *claudecode.CLIMessage) {
		switch msg.Type {
		case claudecode.MessageTypeAssistant:
			mu.Lock()
			if currentMessageID == "" {
				currentMessageID = uuid.NewString()
				assistantMessageIDs = append(assistantMessageIDs, currentMessageID)
				if cb.OnStreamStart != nil {
					model := ""
					if msg.Message != nil {
						model = msg.Message.Model
					}
					cb.OnStreamStart(currentMessageID, StreamMeta{Model: model, Block: store.BlockText})
				}
			}
			id := currentMessageID
			mu.Unlock()
			if msg.Message != nil && cb.OnStreamChunk != nil {
				if text := msg.Message.GetContentString(); text != "" {
					cb.OnStreamChunk(id, text)
				}
				for _, block := range msg.Message.GetContentBlocks() {
					if block.Type == "text" && block.Text != "" {
						cb.OnStreamChunk(id, block.Text)
					}
					if block.Type == "thinking" && block.Thinking != "" && cb.OnThinkingChunk != nil {
						cb.OnThinkingChunk(id, block.Thinking)
					}
				}
			}
		case claudecode.MessageTypeResult:
			mu.Lock()
			if currentMessageID != "" && cb.OnStreamEnd != nil {
				cb.OnStreamEnd(currentMessageID)
			}
			resultRaw = msg.RawContent
			if msg.TotalInputTokens > 0 || msg.TotalOutputTokens > 0 {
				usage = &store.TokenUsage{
					Input:  msg.TotalInputTokens,
					Output: msg.TotalOutputTokens,
					Total:  msg.TotalInputTokens + msg.TotalOutputTokens,
				}
			}
			if msg.IsError {
				finalErr = fmt.Errorf("claude-code reported an error result: %v", msg.Errors)
			}
			mu.Unlock()
		}
	})

	ready := client.Start(ctx)
	select {
	case <-ready:
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return nil, ctx.Err()
	}

	if _, err := client.Initialize(ctx, 30*time.Second); err != nil {
		a.log.WithError(err).Warn("claude-code initialize failed, continuing without slash commands")
	}

	userMessageID := uuid.NewString()
	if err := client.SendUserMessage(req.Prompt); err != nil {
		_ = cmd.Process.Kill()
		return nil, &Failure{Transient: true, Reason: "sending prompt to claude-code", Cause: err}
	}

	waitErr := cmd.Wait()
	client.Stop()

	mu.Lock()
	defer mu.Unlock()

	if finalErr != nil {
		return nil, &Failure{Transient: true, Reason: finalErr.Error()}
	}
	wasStopped := ctx.Err() != nil
	if waitErr != nil && !wasStopped {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			return nil, &Failure{Transient: false, Reason: fmt.Sprintf("claude-code exited %d", exitErr.ExitCode()), Cause: waitErr}
		}
		return nil, &Failure{Transient: true, Reason: "claude-code process error", Cause: waitErr}
	}

	return &PromptResult{
		UserMessageID:       userMessageID,
		AssistantMessageIDs: assistantMessageIDs,
		TokenUsage:          usage,
		WasStopped:          wasStopped,
		RawSDKResponse:      resultRaw,
	}, nil
}

func (a *ClaudeCodeAdapter) resolvePermission(mode string, cr *claudecode.ControlRequest, cb Callbacks) PermissionDecision {
	switch mode {
	case "bypassPermissions":
		return PermissionDecision{Allow: true}
	case "acceptEdits":
		switch cr.ToolName {
		case claudecode.ToolEdit, claudecode.ToolWrite, claudecode.ToolNotebookEdit:
			return PermissionDecision{Allow: true}
		}
	case "plan":
		return PermissionDecision{Allow: false}
	}
	if cb.OnPermissionRequest == nil {
		return PermissionDecision{Allow: false}
	}
	return cb.OnPermissionRequest(PermissionRequest{ToolName: cr.ToolName, Input: cr.Input})
}

func (a *ClaudeCodeAdapter) StopTask(ctx context.Context, sessionID, taskID string) (*StopResult, error) {
	// Cooperative stop is driven by the executor cancelling the prompt's
	// context, which tears the CLI subprocess down via exec.CommandContext;
	// there is no separate SDK-level interrupt call for claude-code's
	// stream-json mode, so this is a no-op success for the adapter layer.
	return &StopResult{Success: true}, nil
}

func (a *ClaudeCodeAdapter) ComputeContextWindow(ctx context.Context, sessionID, taskID string, rawSDKResponse []byte) (int64, bool) {
	var msg claudecode.CLIMessage
	if err := json.Unmarshal(rawSDKResponse, &msg); err != nil {
		return 0, false
	}
	for _, stats := range msg.ModelUsage {
		if stats.ContextWindow != nil {
			return *stats.ContextWindow, true
		}
	}
	return 0, false
}

func (a *ClaudeCodeAdapter) Normalize(rawSDKResponse []byte, nctx NormalizeContext) (*store.NormalizedSDKResponse, error) {
	var msg claudecode.CLIMessage
	if err := json.Unmarshal(rawSDKResponse, &msg); err != nil {
		return nil, apperror.Wrap(apperror.ToolFailurePermanent, "parsing claude-code result", err)
	}
	model := ""
	var contextWindow int64
	for name, stats := range msg.ModelUsage {
		model = name
		if stats.ContextWindow != nil {
			contextWindow = *stats.ContextWindow
		}
		break
	}
	return &store.NormalizedSDKResponse{
		TokenUsage: store.TokenUsage{
			Input:  msg.TotalInputTokens,
			Output: msg.TotalOutputTokens,
			Total:  msg.TotalInputTokens + msg.TotalOutputTokens,
		},
		PrimaryModel:       model,
		ContextWindowLimit: contextWindow,
		CostUSD:            msg.CostUSD,
		DurationMs:         msg.DurationMS,
	}, nil
}

var _ Adapter = (*ClaudeCodeAdapter)(nil)
