// Package session is C7: the Session/Task engine. It owns the prompt
// pipeline (gate a Session to one non-terminal Task, durably record the
// user's turn, spawn the privileged executor subprocess that actually
// drives a tool SDK, and fold its result back into Task/Session state),
// cooperative cancellation, permission-mode gating, and context-window/
// token-delta accounting. It never talks to a tool SDK directly — that is
// C5/C6's job, reached only through a spawned agor-executor process.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agor-dev/agor/internal/auth"
	"github.com/agor-dev/agor/internal/common/apperror"
	"github.com/agor-dev/agor/internal/common/appctx"
	"github.com/agor-dev/agor/internal/common/config"
	"github.com/agor-dev/agor/internal/common/idutil"
	"github.com/agor-dev/agor/internal/common/logger"
	"github.com/agor-dev/agor/internal/events"
	"github.com/agor-dev/agor/internal/events/bus"
	"github.com/agor-dev/agor/internal/executor"
	"github.com/agor-dev/agor/internal/store"
	"github.com/agor-dev/agor/internal/tool"
)

// Engine coordinates every Session/Task state transition. One Engine is
// shared by every C8 custom route handler and C9's gateway dispatch; its
// methods are safe for concurrent use across Sessions (the only serialized
// resource is a single Session's Tasks, enforced by the ActiveTask gate).
type Engine struct {
	repos      *store.Repositories
	tools      *tool.Registry
	spawner    Spawner
	aborts     *AbortController
	perms      *PermissionBroker
	eventBus   bus.EventBus
	tokens     *auth.TokenIssuer
	unixCfg    config.UnixConfig
	execCfg    config.ExecutorConfig
	daemonURL  string
	log        *logger.Logger
	shutdownCh chan struct{}
	shutdownOn sync.Once
}

func NewEngine(
	repos *store.Repositories,
	tools *tool.Registry,
	spawner Spawner,
	aborts *AbortController,
	perms *PermissionBroker,
	eventBus bus.EventBus,
	tokens *auth.TokenIssuer,
	unixCfg config.UnixConfig,
	execCfg config.ExecutorConfig,
	daemonURL string,
	log *logger.Logger,
) *Engine {
	if log == nil {
		log = logger.Default()
	}
	return &Engine{
		repos:      repos,
		tools:      tools,
		spawner:    spawner,
		aborts:     aborts,
		perms:      perms,
		eventBus:   eventBus,
		tokens:     tokens,
		unixCfg:    unixCfg,
		execCfg:    execCfg,
		daemonURL:  daemonURL,
		log:        log,
		shutdownCh: make(chan struct{}),
	}
}

// Shutdown aborts every in-flight Task and stops accepting new background
// work; called once from the daemon's graceful-shutdown path.
func (e *Engine) Shutdown() {
	e.shutdownOn.Do(func() { close(e.shutdownCh) })
	e.aborts.StopAll()
}

// CreateSessionRequest is the input to CreateSession.
type CreateSessionRequest struct {
	WorktreeID     string
	CreatedBy      string
	AgenticTool    string
	PermissionMode string
	ModelConfig    map[string]any
}

// CreateSession resolves the Unix identity a Session's Tasks will run as
// (impersonation mode) and persists the Session row. Git operations on the
// Session's Worktree always run as the daemon's own user regardless of this
// resolution — only the tool-SDK-driving executor subprocess is impersonated.
func (e *Engine) CreateSession(ctx context.Context, req CreateSessionRequest) (*store.Session, error) {
	wt, err := e.repos.Worktrees.Get(ctx, req.WorktreeID)
	if err != nil {
		return nil, err
	}
	user, err := e.repos.Users.Get(ctx, req.CreatedBy)
	if err != nil {
		return nil, err
	}
	unixUsername, err := e.resolveImpersonationUser(user)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &store.Session{
		ID:           idutil.New(),
		WorktreeID:   wt.ID,
		CreatedBy:    user.ID,
		UnixUsername: unixUsername,
		AgenticTool:  req.AgenticTool,
		PermissionConfig: store.PermissionConfig{
			Mode: req.PermissionMode,
		},
		ModelConfig: req.ModelConfig,
		Status:      store.SessionIdle,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.repos.Sessions.Create(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// resolveImpersonationUser implements the impersonation modes: "simple"
// always runs as the daemon's own user (empty UnixUsername), "insulated"
// runs every Task as one shared configured account, "strict" impersonates
// the requesting user's own provisioned Unix account.
func (e *Engine) resolveImpersonationUser(user *store.User) (string, error) {
	switch e.unixCfg.Mode {
	case "insulated":
		if e.unixCfg.InsulatedUser == "" {
			return "", apperror.New(apperror.ValidationFailed, "unix.insulatedUser is not configured")
		}
		return e.unixCfg.InsulatedUser, nil
	case "strict":
		if user.UnixUsername == "" {
			return "", apperror.New(apperror.ValidationFailed, "user has no provisioned unix account for strict impersonation")
		}
		return user.UnixUsername, nil
	default: // "simple"
		return "", nil
	}
}

// PromptRequest is the prompt pipeline's input.
type PromptRequest struct {
	SessionID              string
	Prompt                 string
	PermissionModeOverride string
}

// Prompt runs the prompt pipeline's durable steps synchronously (gate,
// git snapshot, persist the Task row and the user's Message) and returns as
// soon as they commit, continuing the rest (spawn, stream, completion) on a
// detached goroutine. A crash between the durable steps and the spawn is
// exactly the window Reconciler.Sweep cleans up on next startup.
func (e *Engine) Prompt(ctx context.Context, req PromptRequest) (*store.Task, error) {
	sess, err := e.repos.Sessions.Get(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	// Step 1: single-writer gate — at most one non-terminal Task per
	// Session. awaiting_permission counts as non-terminal, so a Session
	// blocked on a human decision also rejects new prompts here.
	if active, err := e.repos.Tasks.ActiveTask(ctx, sess.ID); err != nil {
		return nil, err
	} else if active != nil {
		return nil, apperror.New(apperror.SessionBusy, "session already has a non-terminal task").
			WithDetails(map[string]any{"taskId": active.ID, "status": string(active.Status)})
	}

	wt, err := e.repos.Worktrees.Get(ctx, sess.WorktreeID)
	if err != nil {
		return nil, err
	}

	// Step 2: git snapshot.
	shaStart := gitSnapshotSHA(ctx, wt.Path)

	permissionMode := sess.PermissionConfig.Mode
	if req.PermissionModeOverride != "" {
		permissionMode = req.PermissionModeOverride
	}

	now := time.Now()
	task := &store.Task{
		ID:         idutil.New(),
		SessionID:  sess.ID,
		Status:     store.TaskPending,
		FullPrompt: req.Prompt,
		MessageRange: store.MessageRange{
			StartIndex: sess.MessageCount,
			EndIndex:   sess.MessageCount,
		},
		GitState:  store.GitState{SHAAtStart: shaStart},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.repos.Tasks.Create(ctx, task); err != nil {
		return nil, err
	}
	if _, err := e.repos.Sessions.AppendTaskID(ctx, sess.ID, task.ID); err != nil {
		return nil, err
	}

	// Step 3: durable user message.
	userMsg := &store.Message{
		ID:        idutil.New(),
		SessionID: sess.ID,
		TaskID:    task.ID,
		Role:      store.RoleUser,
		Content:   []store.ContentBlock{{Type: store.BlockText, Text: req.Prompt}},
		Timestamp: now,
		SequenceIndex: sess.MessageCount,
	}
	if err := e.repos.Messages.Create(ctx, userMsg); err != nil {
		return nil, err
	}
	if err := e.repos.Sessions.IncrementMessageCount(ctx, sess.ID, 1); err != nil {
		return nil, err
	}
	task.MessageRange.EndIndex = sess.MessageCount + 1
	if err := e.repos.Tasks.Update(ctx, task); err != nil {
		return nil, err
	}

	runCtx, cancel := appctx.Detached(ctx, e.shutdownCh, e.execCfg.PromptTimeout())
	go func() {
		defer cancel()
		e.runTask(runCtx, sess, task, permissionMode, wt.Path)
	}()

	return task, nil
}

// runTask is steps 4-7: spawn the executor, then fold its outcome back into
// Task/Session state. Runs on its own goroutine so Prompt can return once
// the durable steps above commit.
func (e *Engine) runTask(ctx context.Context, sess *store.Session, task *store.Task, permissionMode, cwd string) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("session engine: runTask panicked", zap.Any("recover", r), zap.String("taskId", task.ID))
		}
	}()

	now := time.Now()
	task.Status = store.TaskRunning
	task.UpdatedAt = now
	if err := e.repos.Tasks.Update(ctx, task); err != nil {
		e.log.WithError(err).Error("failed to mark task running", zap.String("taskId", task.ID))
	}
	sess.Status = store.SessionRunning
	sess.UpdatedAt = now
	if err := e.repos.Sessions.Update(ctx, sess); err != nil {
		e.log.WithError(err).Error("failed to mark session running", zap.String("sessionId", sess.ID))
	}
	e.publish(ctx, events.AgentStarted, sess.ID, task.ID, nil)

	sessionToken, err := e.issueExecutorToken(ctx, sess.CreatedBy)
	if err != nil {
		e.failTask(ctx, sess, task, apperror.Wrap(apperror.ExecutorSpawnFailed, "failed to issue executor session token", err))
		return
	}

	params, err := json.Marshal(executor.PromptParams{
		SessionID:      sess.ID,
		TaskID:         task.ID,
		Tool:           sess.AgenticTool,
		Cwd:            cwd,
		Prompt:         task.FullPrompt,
		PermissionMode: permissionMode,
		ModelConfig:    sess.ModelConfig,
	})
	if err != nil {
		e.failTask(ctx, sess, task, apperror.Wrap(apperror.ExecutorSpawnFailed, "failed to encode prompt params", err))
		return
	}

	payload := executor.Payload{
		Command:      executor.CommandPrompt,
		SessionToken: sessionToken,
		DaemonURL:    e.daemonURL,
		DataHome:     config.DataHome(),
		Params:       params,
	}

	result, spawnErr := e.spawner.Spawn(ctx, SpawnRequest{
		TaskID:       task.ID,
		UnixUsername: sess.UnixUsername,
		Payload:      payload,
	})

	switch {
	case e.aborts.wasStopRequested(task.ID),
		spawnErr == nil && result.Error != nil && result.Error.Code == "stopped":
		e.completeStopped(ctx, sess, task)
	case spawnErr != nil:
		e.failTask(ctx, sess, task, spawnErr)
	case !result.Success:
		e.failTask(ctx, sess, task, resultToError(result))
	default:
		e.completeTask(ctx, sess, task, result, cwd)
	}
}

func (e *Engine) completeTask(ctx context.Context, sess *store.Session, task *store.Task, result *executor.ExecutorResult, cwd string) {
	data, err := json.Marshal(result.Data)
	if err != nil {
		e.failTask(ctx, sess, task, apperror.Wrap(apperror.ExecutorCrashed, "malformed executor result payload", err))
		return
	}
	var parsed struct {
		UserMessageID       string          `json:"userMessageId"`
		AssistantMessageIDs []string        `json:"assistantMessageIds"`
		TokenUsage          *store.TokenUsage `json:"tokenUsage"`
		WasStopped          bool            `json:"wasStopped"`
		RawSDKResponse      json.RawMessage `json:"rawSdkResponse"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		e.failTask(ctx, sess, task, apperror.Wrap(apperror.ExecutorCrashed, "malformed executor result payload", err))
		return
	}

	adapter, err := e.tools.Get(sess.AgenticTool)
	if err != nil {
		e.failTask(ctx, sess, task, err)
		return
	}

	var nctx tool.NormalizeContext
	if prev, perr := e.repos.Tasks.LatestTerminal(ctx, sess.ID, task.ID); perr == nil && prev != nil && prev.NormalizedSDKResponse != nil {
		usage := prev.NormalizedSDKResponse.TokenUsage
		nctx.PreviousTerminalUsage = &usage
	}
	normalized, nerr := adapter.Normalize(parsed.RawSDKResponse, nctx)
	if nerr != nil {
		e.log.WithError(nerr).Warn("normalize failed, task will carry raw response only", zap.String("taskId", task.ID))
	}
	contextWindow, _ := adapter.ComputeContextWindow(ctx, sess.ID, task.ID, parsed.RawSDKResponse)

	now := time.Now()
	task.Status = store.TaskCompleted
	if parsed.WasStopped {
		task.Status = store.TaskStopped
	}
	task.RawSDKResponse = string(parsed.RawSDKResponse)
	task.NormalizedSDKResponse = normalized
	task.ComputedContextWindow = contextWindow
	task.GitState.SHAAtEnd = gitSnapshotSHA(ctx, cwd)
	task.CompletedAt = &now
	task.UpdatedAt = now
	if err := e.repos.Tasks.Update(ctx, task); err != nil {
		e.log.WithError(err).Error("failed to persist completed task", zap.String("taskId", task.ID))
	}

	sess.Status = store.SessionIdle
	sess.UpdatedAt = now
	if err := e.repos.Sessions.Update(ctx, sess); err != nil {
		e.log.WithError(err).Error("failed to persist session idle transition", zap.String("sessionId", sess.ID))
	}

	e.publish(ctx, events.AgentCompleted, sess.ID, task.ID, map[string]any{"status": string(task.Status)})
}

func (e *Engine) failTask(ctx context.Context, sess *store.Session, task *store.Task, taskErr error) {
	kind, ok := apperror.KindOf(taskErr)
	if !ok {
		kind = apperror.ExecutorCrashed
	}
	now := time.Now()
	task.Status = store.TaskFailed
	task.FailureReason = string(kind) + ": " + taskErr.Error()
	task.CompletedAt = &now
	task.UpdatedAt = now
	if err := e.repos.Tasks.Update(ctx, task); err != nil {
		e.log.WithError(err).Error("failed to persist failed task", zap.String("taskId", task.ID))
	}

	sess.Status = store.SessionIdle
	sess.UpdatedAt = now
	if err := e.repos.Sessions.Update(ctx, sess); err != nil {
		e.log.WithError(err).Error("failed to persist session idle transition after task failure", zap.String("sessionId", sess.ID))
	}

	e.log.WithError(taskErr).Warn("task failed", zap.String("taskId", task.ID))
	e.publish(ctx, events.AgentFailed, sess.ID, task.ID, map[string]any{"reason": task.FailureReason})
}

func (e *Engine) completeStopped(ctx context.Context, sess *store.Session, task *store.Task) {
	now := time.Now()
	task.Status = store.TaskStopped
	task.CompletedAt = &now
	task.UpdatedAt = now
	if err := e.repos.Tasks.Update(ctx, task); err != nil {
		e.log.WithError(err).Error("failed to persist stopped task", zap.String("taskId", task.ID))
	}

	sess.Status = store.SessionIdle
	sess.UpdatedAt = now
	if err := e.repos.Sessions.Update(ctx, sess); err != nil {
		e.log.WithError(err).Error("failed to persist session idle transition after stop", zap.String("sessionId", sess.ID))
	}

	e.publish(ctx, events.AgentStopped, sess.ID, task.ID, nil)
}

// StopTask cancels a Session's running Task (or a specific TaskID, if
// given). Idempotent: stopping an already-terminal Task is a no-op that
// returns its current state rather than an error (R2).
func (e *Engine) StopTask(ctx context.Context, sessionID, taskID string) (*store.Task, error) {
	var task *store.Task
	var err error
	if taskID != "" {
		task, err = e.repos.Tasks.Get(ctx, taskID)
	} else {
		task, err = e.repos.Tasks.ActiveTask(ctx, sessionID)
	}
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, apperror.New(apperror.NotFound, "no active task for session")
	}
	if !task.Status.IsNonTerminal() {
		return task, nil
	}

	e.aborts.Stop(task.ID)

	// By the time Stop returns, runTask's own goroutine has either already
	// persisted the stopped transition or is about to; re-read so the
	// caller sees the freshest state we have.
	if fresh, err := e.repos.Tasks.Get(ctx, task.ID); err == nil {
		return fresh, nil
	}
	return task, nil
}

// AwaitPermission is called from the daemon's permission-request custom
// route (itself called by the executor's HTTPReporter) when the running
// Tool adapter surfaces a tool-use awaiting a decision. It flips Task and
// Session to awaiting_permission, blocks on PermissionBroker, then flips
// them back before returning the decision to the (still-blocked) executor.
func (e *Engine) AwaitPermission(ctx context.Context, sessionID, taskID string, req tool.PermissionRequest) (tool.PermissionDecision, error) {
	task, err := e.repos.Tasks.Get(ctx, taskID)
	if err != nil {
		return tool.PermissionDecision{}, err
	}
	sess, err := e.repos.Sessions.Get(ctx, sessionID)
	if err != nil {
		return tool.PermissionDecision{}, err
	}

	if contains(sess.PermissionConfig.AllowedTools, req.ToolName) {
		return tool.PermissionDecision{Allow: true, Scope: "session"}, nil
	}

	now := time.Now()
	task.Status = store.TaskAwaitingPermission
	task.UpdatedAt = now
	_ = e.repos.Tasks.Update(ctx, task)
	sess.Status = store.SessionAwaitingPermission
	sess.UpdatedAt = now
	_ = e.repos.Sessions.Update(ctx, sess)
	e.publish(ctx, events.PermissionRequested, sessionID, taskID, map[string]any{"tool": req.ToolName})

	decision, waitErr := e.perms.Await(ctx, taskID)

	now = time.Now()
	task.Status = store.TaskRunning
	task.UpdatedAt = now
	_ = e.repos.Tasks.Update(ctx, task)
	sess.Status = store.SessionRunning
	sess.UpdatedAt = now
	_ = e.repos.Sessions.Update(ctx, sess)
	e.publish(ctx, events.PermissionDecided, sessionID, taskID, map[string]any{"allow": decision.Allow, "scope": decision.Scope})

	if waitErr != nil {
		return tool.PermissionDecision{Allow: false}, waitErr
	}

	if decision.Allow && (decision.Scope == "session" || decision.Scope == "project") {
		if perr := e.persistAllowedTool(ctx, sess, decision.Scope, req.ToolName); perr != nil {
			e.log.WithError(perr).Warn("failed to persist permission scope", zap.String("sessionId", sessionID), zap.String("scope", decision.Scope))
		}
	}
	return decision, nil
}

// DecidePermission delivers a human (or automated) decision to whichever
// Task is currently blocked in AwaitPermission.
func (e *Engine) DecidePermission(taskID string, decision tool.PermissionDecision) error {
	return e.perms.Decide(taskID, decision)
}

// persistAllowedTool records a session- or project-scoped permission grant
// so future requests for the same tool in the same scope auto-resolve.
// Project scope piggybacks on Repo's environment_config JSON blob (there is
// no dedicated project-permissions table); this replaces that blob's
// allowedTools key only; other keys round-trip unchanged only because no
// other component currently writes that blob.
func (e *Engine) persistAllowedTool(ctx context.Context, sess *store.Session, scope, toolName string) error {
	switch scope {
	case "session":
		if contains(sess.PermissionConfig.AllowedTools, toolName) {
			return nil
		}
		sess.PermissionConfig.AllowedTools = append(sess.PermissionConfig.AllowedTools, toolName)
		return e.repos.Sessions.Update(ctx, sess)
	case "project":
		wt, err := e.repos.Worktrees.Get(ctx, sess.WorktreeID)
		if err != nil {
			return err
		}
		repo, err := e.repos.Repos.Get(ctx, wt.RepoID)
		if err != nil {
			return err
		}
		var cfg struct {
			AllowedTools []string `json:"allowedTools"`
		}
		if repo.EnvironmentConfigJ != "" {
			_ = json.Unmarshal([]byte(repo.EnvironmentConfigJ), &cfg)
		}
		if contains(cfg.AllowedTools, toolName) {
			return nil
		}
		cfg.AllowedTools = append(cfg.AllowedTools, toolName)
		raw, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		repo.EnvironmentConfigJ = string(raw)
		return e.repos.Repos.Update(ctx, repo)
	default:
		return nil
	}
}

func (e *Engine) issueExecutorToken(ctx context.Context, userID string) (string, error) {
	user, err := e.repos.Users.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	return e.tokens.Issue(user)
}

// TaskSession looks up a Task, used by the daemon's executor-callback
// routes to resolve the owning Session before calling AwaitPermission.
func (e *Engine) TaskSession(ctx context.Context, taskID string) (*store.Task, error) {
	return e.repos.Tasks.Get(ctx, taskID)
}

// ReportProgress is called from the daemon's executor-progress callback
// route when the running executor's HTTPReporter forwards a stream/thinking
// event. It resolves the Task's owning Session and republishes onto the
// event bus under the matching messages/streaming event type so C8's
// EventBridge fans it out to subscribers without the engine ever touching
// the Hub directly.
func (e *Engine) ReportProgress(ctx context.Context, taskID, event string, payload map[string]any) error {
	task, err := e.repos.Tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	e.publish(ctx, progressEventType(event), task.SessionID, taskID, payload)
	return nil
}

func progressEventType(event string) string {
	switch event {
	case "stream.start":
		return events.MessageStreamStart
	case "stream.chunk":
		return events.MessageStreamChunk
	case "stream.end":
		return events.MessageStreamEnd
	case "stream.error":
		return events.MessageStreamError
	default:
		return "progress." + event
	}
}

func (e *Engine) publish(ctx context.Context, eventType, sessionID, taskID string, data map[string]any) {
	if e.eventBus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["sessionId"] = sessionID
	if taskID != "" {
		data["taskId"] = taskID
	}
	evt := bus.NewEvent(eventType, "agor-session-engine", data)
	subject := events.BuildSessionSubject(eventType, sessionID)
	if err := e.eventBus.Publish(ctx, subject, evt); err != nil {
		e.log.WithError(err).Warn("failed to publish session engine event", zap.String("event", eventType))
	}
}

func resultToError(result *executor.ExecutorResult) error {
	if result.Error == nil {
		return apperror.New(apperror.ExecutorCrashed, "executor reported failure with no error detail")
	}
	return apperror.New(apperror.Kind(result.Error.Code), result.Error.Message).WithDetails(result.Error.Details)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
