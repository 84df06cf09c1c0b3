package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/agor-dev/agor/internal/common/apperror"
	"github.com/agor-dev/agor/internal/common/logger"
	"github.com/agor-dev/agor/internal/store"
	"github.com/agor-dev/agor/pkg/opencode"
)

// OpencodeModes mirrors opencode's own permission union: "ask" surfaces
// every tool call through permission.asked; "allow" auto-approves.
var OpencodeModes = []string{"ask", "allow"}

// OpencodeAdapter drives `opencode serve`: spawn the server bound to a
// loopback port, wait for health, open one session per Task, send the
// prompt, and consume its SSE event stream until the session goes idle or
// errors. pkg/opencode.Client owns the HTTP+SSE plumbing; the adapter only
// interprets SDKEventEnvelope payloads.
type OpencodeAdapter struct {
	binPath string
	log     *logger.Logger
}

func NewOpencodeAdapter(binPath string, log *logger.Logger) *OpencodeAdapter {
	if binPath == "" {
		binPath = "opencode"
	}
	return &OpencodeAdapter{binPath: binPath, log: log}
}

func (a *OpencodeAdapter) Name() string { return "opencode" }

func (a *OpencodeAdapter) SupportedPermissionModes() []string { return OpencodeModes }

func (a *OpencodeAdapter) ExecutePrompt(ctx context.Context, req PromptRequest, cb Callbacks) (*PromptResult, error) {
	if !SupportsPermissionMode(OpencodeModes, req.PermissionMode) {
		return nil, &Failure{Transient: false, Reason: fmt.Sprintf("opencode does not support permission mode %q", req.PermissionMode)}
	}

	port, err := freePort()
	if err != nil {
		return nil, &Failure{Transient: true, Reason: "allocating opencode server port", Cause: err}
	}
	password := opencode.GenerateServerPassword()

	cmd := exec.CommandContext(ctx, a.binPath, "serve", "--port", strconv.Itoa(port), "--password", password)
	cmd.Dir = req.Cwd
	if err := cmd.Start(); err != nil {
		return nil, &Failure{Transient: true, Reason: "spawning opencode serve", Cause: err}
	}
	defer func() { _ = cmd.Process.Kill() }()

	client := opencode.NewClient(fmt.Sprintf("http://127.0.0.1:%d", port), req.Cwd, password, a.log)
	defer client.Close()

	if err := client.WaitForHealth(ctx); err != nil {
		return nil, &Failure{Transient: true, Reason: "waiting for opencode health", Cause: err}
	}

	sessionID, err := client.CreateSession(ctx)
	if err != nil {
		return nil, &Failure{Transient: true, Reason: "creating opencode session", Cause: err}
	}

	var (
		mu                  sync.Mutex
		assistantMessageIDs = map[string]string{} // opencode part.MessageID -> our message id
		usage               *store.TokenUsage
		primaryModel        string
		lastEnvelope        *opencode.SDKEventEnvelope
		wasStopped          bool
		finalErr            error
		done                = make(chan struct{})
	)

	idOf := func(opencodeMessageID string) string {
		mu.Lock()
		defer mu.Unlock()
		if id, ok := assistantMessageIDs[opencodeMessageID]; ok {
			return id
		}
		id := uuid.NewString()
		assistantMessageIDs[opencodeMessageID] = id
		if cb.OnStreamStart != nil {
			cb.OnStreamStart(id, StreamMeta{Block: store.BlockText})
		}
		return id
	}

	client.SetEventHandler(func(event *opencode.SDKEventEnvelope) {
		switch event.Type {
		case opencode.SDKEventMessageUpdated:
			var p opencode.MessageUpdatedProperties
			if json.Unmarshal(event.Properties, &p) == nil && p.Info.Role == "assistant" && p.Info.Tokens != nil {
				mu.Lock()
				usage = &store.TokenUsage{
					Input:  int64(p.Info.Tokens.Input),
					Output: int64(p.Info.Tokens.Output),
					Total:  int64(p.Info.Tokens.Input + p.Info.Tokens.Output),
				}
				if p.Info.Model != nil {
					primaryModel = p.Info.Model.ModelID
				}
				mu.Unlock()
			}
		case opencode.SDKEventMessagePartUpdated:
			var p opencode.MessagePartUpdatedProperties
			if json.Unmarshal(event.Properties, &p) != nil {
				return
			}
			switch p.Part.Type {
			case opencode.PartTypeText:
				if cb.OnStreamChunk != nil && p.Delta != "" {
					cb.OnStreamChunk(idOf(p.Part.MessageID), p.Delta)
				}
			case opencode.PartTypeReasoning:
				if cb.OnThinkingChunk != nil && p.Delta != "" {
					cb.OnThinkingChunk(idOf(p.Part.MessageID), p.Delta)
				}
			}
		case opencode.SDKEventPermissionAsked:
			var p opencode.PermissionAskedProperties
			if json.Unmarshal(event.Properties, &p) != nil {
				return
			}
			allow := req.PermissionMode == "allow"
			if !allow && cb.OnPermissionRequest != nil {
				decision := cb.OnPermissionRequest(PermissionRequest{ToolName: p.Permission, Input: p.Metadata})
				allow = decision.Allow
			}
			reply := opencode.PermissionReplyReject
			if allow {
				reply = opencode.PermissionReplyOnce
			}
			_ = client.ReplyPermission(ctx, p.ID, reply, nil)
		case opencode.SDKEventSessionError:
			var p opencode.SessionErrorProperties
			_ = json.Unmarshal(event.Properties, &p)
			mu.Lock()
			if p.Error != nil {
				finalErr = fmt.Errorf("opencode session error: %s", p.Error.GetMessage())
			} else {
				finalErr = fmt.Errorf("opencode session error")
			}
			mu.Unlock()
			closeDone(done)
		case opencode.SDKEventSessionIdle:
			mu.Lock()
			for _, id := range assistantMessageIDs {
				if cb.OnStreamEnd != nil {
					cb.OnStreamEnd(id)
				}
			}
			le := *event
			lastEnvelope = &le
			mu.Unlock()
			closeDone(done)
		}
	})

	if err := client.StartEventStream(ctx, sessionID); err != nil {
		return nil, &Failure{Transient: true, Reason: "starting opencode event stream", Cause: err}
	}

	userMessageID := uuid.NewString()
	if err := client.SendPrompt(ctx, sessionID, req.Prompt, nil, "", ""); err != nil {
		return nil, &Failure{Transient: true, Reason: "sending opencode prompt", Cause: err}
	}

	select {
	case <-done:
	case <-ctx.Done():
		_ = client.Abort(context.Background(), sessionID)
		wasStopped = true
	}

	mu.Lock()
	defer mu.Unlock()
	if finalErr != nil {
		return nil, &Failure{Transient: true, Reason: finalErr.Error()}
	}

	ids := make([]string, 0, len(assistantMessageIDs))
	for _, id := range assistantMessageIDs {
		ids = append(ids, id)
	}

	var raw []byte
	if lastEnvelope != nil {
		raw, _ = json.Marshal(struct {
			Model string           `json:"model"`
			Usage *store.TokenUsage `json:"usage,omitempty"`
		}{Model: primaryModel, Usage: usage})
	}

	return &PromptResult{
		UserMessageID:       userMessageID,
		AssistantMessageIDs: ids,
		TokenUsage:          usage,
		WasStopped:          wasStopped,
		RawSDKResponse:      raw,
	}, nil
}

func closeDone(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func (a *OpencodeAdapter) StopTask(ctx context.Context, sessionID, taskID string) (*StopResult, error) {
	return &StopResult{Success: true}, nil
}

func (a *OpencodeAdapter) ComputeContextWindow(ctx context.Context, sessionID, taskID string, rawSDKResponse []byte) (int64, bool) {
	return 0, false
}

func (a *OpencodeAdapter) Normalize(rawSDKResponse []byte, nctx NormalizeContext) (*store.NormalizedSDKResponse, error) {
	var parsed struct {
		Model string            `json:"model"`
		Usage *store.TokenUsage `json:"usage,omitempty"`
	}
	if err := json.Unmarshal(rawSDKResponse, &parsed); err != nil {
		return nil, apperror.Wrap(apperror.ToolFailurePermanent, "parsing opencode result", err)
	}
	usage := store.TokenUsage{}
	if parsed.Usage != nil {
		usage = *parsed.Usage
	}
	return &store.NormalizedSDKResponse{
		TokenUsage:   usage,
		PrimaryModel: parsed.Model,
	}, nil
}

var _ Adapter = (*OpencodeAdapter)(nil)
