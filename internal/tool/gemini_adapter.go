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
	"github.com/agor-dev/agor/pkg/acp"
	"github.com/agor-dev/agor/pkg/acp/jsonrpc"
)

// GeminiModes maps onto the two-value allow/ask union ACP sessions accept.
var GeminiModes = []string{"ask", "allow"}

// geminiTurnResult is the shape Normalize expects in RawSDKResponse; gemini
// via ACP has no SDK-native token accounting, so the adapter records only
// what it can observe (model name is configuration, not protocol-reported).
type geminiTurnResult struct {
	Success bool `json:"success"`
}

// GeminiAdapter drives a gemini-cli ACP bridge process over JSON-RPC 2.0
// stdio, grounded on pkg/acp's transport and the wire types and ACP
// method/notify shapes in pkg/acp/jsonrpc (session/new, session/prompt, session/update,
// session/request_permission). There is no cumulative usage report in the
// ACP wire format, so Normalize always passes usage through as zero/unknown
// rather than guessing at a delta.
type GeminiAdapter struct {
	binPath string
	log     *logger.Logger

	mu       sync.Mutex
	sessions map[string]string // our sessionID -> acp sessionId
}

func NewGeminiAdapter(binPath string, log *logger.Logger) *GeminiAdapter {
	if binPath == "" {
		binPath = "gemini"
	}
	return &GeminiAdapter{binPath: binPath, log: log, sessions: make(map[string]string)}
}

func (a *GeminiAdapter) Name() string { return "gemini" }

func (a *GeminiAdapter) SupportedPermissionModes() []string { return GeminiModes }

func (a *GeminiAdapter) ExecutePrompt(ctx context.Context, req PromptRequest, cb Callbacks) (*PromptResult, error) {
	if !SupportsPermissionMode(GeminiModes, req.PermissionMode) {
		return nil, &Failure{Transient: false, Reason: fmt.Sprintf("gemini does not support permission mode %q", req.PermissionMode)}
	}

	cmd := exec.CommandContext(ctx, a.binPath, "--experimental-acp")
	cmd.Dir = req.Cwd

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &Failure{Transient: true, Reason: "opening gemini stdin", Cause: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &Failure{Transient: true, Reason: "opening gemini stdout", Cause: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &Failure{Transient: true, Reason: "spawning gemini", Cause: err}
	}

	client := acp.NewClient(stdin, stdout, a.log)
	client.Start(ctx)
	defer client.Stop()

	var (
		mu                  sync.Mutex
		assistantMessageID  string
		assistantMessageIDs []string
		finalErr            error
		wasStopped          bool
		success             bool
	)

	client.SetRequestHandler(func(id any, method string, params json.RawMessage) {
		if method != jsonrpc.MethodRequestPermission {
			_ = client.Respond(id, nil, &jsonrpc.Error{Code: jsonrpc.MethodNotFound, Message: "unhandled request"})
			return
		}
		var p jsonrpc.RequestPermissionParams
		_ = json.Unmarshal(params, &p)

		allow := req.PermissionMode == "allow"
		if !allow && cb.OnPermissionRequest != nil {
			decision := cb.OnPermissionRequest(PermissionRequest{ToolName: p.ToolCall.Title, Input: map[string]any{"toolCallId": p.ToolCall.ToolCallID}})
			allow = decision.Allow
		}
		outcome := jsonrpc.PermissionOutcome{Outcome: "cancelled"}
		for _, opt := range p.Options {
			if allow && (opt.Kind == "allow_once" || opt.Kind == "allow_always") {
				outcome = jsonrpc.PermissionOutcome{Outcome: "selected", OptionID: opt.OptionID}
				break
			}
			if !allow && (opt.Kind == "reject_once" || opt.Kind == "reject_always") {
				outcome = jsonrpc.PermissionOutcome{Outcome: "selected", OptionID: opt.OptionID}
				break
			}
		}
		_ = client.Respond(id, jsonrpc.RequestPermissionResult{Outcome: outcome}, nil)
	})

	client.SetNotificationHandler(func(method string, params json.RawMessage) {
		if method != jsonrpc.NotificationSessionUpdate {
			return
		}
		var update jsonrpc.SessionUpdate
		if json.Unmarshal(params, &update) != nil {
			return
		}
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

		switch update.Type {
		case "content":
			var c jsonrpc.SessionUpdateContent
			if json.Unmarshal(update.Data, &c) == nil && cb.OnStreamChunk != nil {
				cb.OnStreamChunk(id, c.Text)
			}
		case "thinking":
			var c jsonrpc.SessionUpdateContent
			if json.Unmarshal(update.Data, &c) == nil && cb.OnThinkingChunk != nil {
				cb.OnThinkingChunk(id, c.Text)
			}
		case "error":
			mu.Lock()
			finalErr = fmt.Errorf("gemini session update error")
			mu.Unlock()
		case "complete":
			var c jsonrpc.SessionUpdateComplete
			_ = json.Unmarshal(update.Data, &c)
			mu.Lock()
			success = c.Success
			if cb.OnStreamEnd != nil {
				cb.OnStreamEnd(id)
			}
			mu.Unlock()
		}
	})

	if _, err := client.Call(ctx, jsonrpc.MethodInitialize, jsonrpc.InitializeParams{
		ProtocolVersion: 1,
		ClientInfo:      jsonrpc.ClientInfo{Name: "agor", Version: "1"},
	}); err != nil {
		_ = cmd.Process.Kill()
		return nil, &Failure{Transient: true, Reason: "initializing gemini ACP session", Cause: err}
	}

	sessionID, err := a.ensureSession(ctx, client, req)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}

	userMessageID := uuid.NewString()
	_, err = client.Call(ctx, jsonrpc.MethodSessionPrompt, jsonrpc.SessionPromptParams{
		SessionID: sessionID,
		Prompt:    []jsonrpc.ContentBlock{{Type: "text", Text: req.Prompt}},
	})
	if err != nil {
		if ctx.Err() != nil {
			wasStopped = true
		} else {
			_ = cmd.Process.Kill()
			return nil, &Failure{Transient: true, Reason: "sending gemini prompt", Cause: err}
		}
	}

	waitErr := cmd.Wait()
	if waitErr != nil && ctx.Err() != nil {
		wasStopped = true
		waitErr = nil
	}

	mu.Lock()
	defer mu.Unlock()
	if finalErr != nil {
		return nil, &Failure{Transient: true, Reason: finalErr.Error()}
	}
	if waitErr != nil && !wasStopped {
		return nil, &Failure{Transient: true, Reason: "gemini process error", Cause: waitErr}
	}

	raw, _ := json.Marshal(geminiTurnResult{Success: success})
	return &PromptResult{
		UserMessageID:       userMessageID,
		AssistantMessageIDs: assistantMessageIDs,
		WasStopped:          wasStopped,
		RawSDKResponse:      raw,
	}, nil
}

func (a *GeminiAdapter) ensureSession(ctx context.Context, client *acp.Client, req PromptRequest) (string, error) {
	a.mu.Lock()
	sessionID, ok := a.sessions[req.SessionID]
	a.mu.Unlock()
	if ok {
		return sessionID, nil
	}

	resp, err := client.Call(ctx, jsonrpc.MethodSessionNew, jsonrpc.SessionNewParams{
		Cwd:        req.Cwd,
		McpServers: []jsonrpc.McpServer{},
	})
	if err != nil {
		return "", &Failure{Transient: true, Reason: "creating gemini ACP session", Cause: err}
	}
	var result jsonrpc.SessionNewResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", &Failure{Transient: true, Reason: "parsing session/new result", Cause: err}
	}

	a.mu.Lock()
	a.sessions[req.SessionID] = result.SessionID
	a.mu.Unlock()
	return result.SessionID, nil
}

func (a *GeminiAdapter) StopTask(ctx context.Context, sessionID, taskID string) (*StopResult, error) {
	return &StopResult{Success: true}, nil
}

func (a *GeminiAdapter) ComputeContextWindow(ctx context.Context, sessionID, taskID string, rawSDKResponse []byte) (int64, bool) {
	return 0, false
}

func (a *GeminiAdapter) Normalize(rawSDKResponse []byte, nctx NormalizeContext) (*store.NormalizedSDKResponse, error) {
	var result geminiTurnResult
	if err := json.Unmarshal(rawSDKResponse, &result); err != nil {
		return nil, apperror.Wrap(apperror.ToolFailurePermanent, "parsing gemini result", err)
	}
	return &store.NormalizedSDKResponse{TokenUsage: store.TokenUsage{}}, nil
}

var _ Adapter = (*GeminiAdapter)(nil)
