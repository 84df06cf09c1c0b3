package terminal

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agor-dev/agor/internal/common/apperror"
	"github.com/agor-dev/agor/internal/common/config"
	"github.com/agor-dev/agor/internal/common/logger"
	"github.com/agor-dev/agor/internal/realtime"
	"github.com/agor-dev/agor/internal/store"
	"github.com/agor-dev/agor/internal/worktree"
	ws "github.com/agor-dev/agor/pkg/websocket"
)

// Bridge is C10: it owns every live PTY the daemon has opened on behalf of
// a WebSocket client and wires terminal.attach/input/resize/detach onto
// those PTYs, streaming output back out through the same Hub every other
// C8 notification uses. Only {owner,admin} may open a terminal.
type Bridge struct {
	cfg   config.TerminalConfig
	repos *store.Repositories
	wtMgr *worktree.Manager
	hub   *realtime.Hub
	log   *logger.Logger

	mu       sync.Mutex
	sessions map[string]*ptySession // key: userID + ":" + worktreeID
}

func NewBridge(cfg config.TerminalConfig, repos *store.Repositories, wtMgr *worktree.Manager, hub *realtime.Hub, log *logger.Logger) *Bridge {
	if log == nil {
		log = logger.Default()
	}
	return &Bridge{cfg: cfg, repos: repos, wtMgr: wtMgr, hub: hub, log: log, sessions: make(map[string]*ptySession)}
}

func sessionKey(userID, worktreeID string) string { return userID + ":" + worktreeID }

func zellijSessionName(worktreeID string) string { return "agor-" + worktreeID }

func terminalChannel(userID, worktreeID string) string { return "terminal:" + sessionKey(userID, worktreeID) }

// RegisterRoutes wires the four terminal actions onto dispatcher. There is
// no HTTP surface: a terminal only exists as a live PTY behind an
// authenticated WebSocket connection, so attach/input/resize/detach are WS
// actions exactly like the prompt/stop pair in RegisterCustomRoutes.
func (b *Bridge) RegisterRoutes(router *gin.Engine, dispatcher *ws.Dispatcher) {
	dispatcher.RegisterFunc(ws.ActionTerminalAttach, b.handleAttach)
	dispatcher.RegisterFunc(ws.ActionTerminalInput, b.handleInput)
	dispatcher.RegisterFunc(ws.ActionTerminalResize, b.handleResize)
	dispatcher.RegisterFunc(ws.ActionTerminalDetach, b.handleDetach)
}

func (b *Bridge) authorize(ctx context.Context) error {
	claims, ok := realtime.ClaimsFromContext(ctx)
	if !ok || claims == nil {
		return apperror.New(apperror.NotAuthenticated, "authentication required")
	}
	if claims.Role != store.RoleOwner && claims.Role != store.RoleAdmin {
		return apperror.New(apperror.Forbidden, "only owners and admins may open a terminal")
	}
	return nil
}

type attachPayload struct {
	WorktreeID string `json:"worktreeId"`
	Mode       string `json:"mode"`
	TabName    string `json:"tabName,omitempty"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
	EnvFile    string `json:"envFile,omitempty"`
}

func (b *Bridge) handleAttach(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	if err := b.authorize(ctx); err != nil {
		return wsErr(msg, err)
	}
	claims, _ := realtime.ClaimsFromContext(ctx)

	var p attachPayload
	if err := msg.ParsePayload(&p); err != nil || p.WorktreeID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "worktreeId is required", nil)
	}
	if p.Cols <= 0 {
		p.Cols = 80
	}
	if p.Rows <= 0 {
		p.Rows = 24
	}
	mode := Mode(p.Mode)
	if mode == "" {
		mode = Mode(b.cfg.Multiplexer)
	}
	if mode != ModeZellij {
		mode = ModeShell
	}

	wt, err := b.repos.Worktrees.Get(ctx, p.WorktreeID)
	if err != nil {
		return wsErr(msg, err)
	}
	user, err := b.repos.Users.Get(ctx, claims.UserID)
	if err != nil {
		return wsErr(msg, err)
	}

	key := sessionKey(claims.UserID, wt.ID)
	channel := terminalChannel(claims.UserID, wt.ID)

	b.mu.Lock()
	existing, attached := b.sessions[key]
	b.mu.Unlock()

	if attached {
		_ = existing.resize(p.Cols, p.Rows)
		return ws.NewResponse(msg.ID, msg.Action, map[string]any{
			"channel":    channel,
			"reattached": true,
			"snapshot":   existing.snapshot(),
		})
	}

	sess, err := newPtySession(ctx, b.hub, channel, attachParams{
		WorktreeID:   wt.ID,
		UnixUsername: user.UnixUsername,
		Cwd:          wt.Path,
		SessionName:  zellijSessionName(wt.ID),
		TabName:      p.TabName,
		Cols:         p.Cols,
		Rows:         p.Rows,
		Mode:         mode,
		EnvFile:      p.EnvFile,
	}, b.log)
	if err != nil {
		return wsErr(msg, err)
	}

	b.mu.Lock()
	b.sessions[key] = sess
	b.mu.Unlock()

	b.log.Info("terminal attached", zap.String("worktreeId", wt.ID), zap.String("userId", claims.UserID), zap.String("mode", string(mode)))

	return ws.NewResponse(msg.ID, msg.Action, map[string]any{
		"channel":    channel,
		"reattached": false,
	})
}

type ioPayload struct {
	WorktreeID string `json:"worktreeId"`
	Data       string `json:"data"`
}

func (b *Bridge) handleInput(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	if err := b.authorize(ctx); err != nil {
		return wsErr(msg, err)
	}
	claims, _ := realtime.ClaimsFromContext(ctx)

	var p ioPayload
	if err := msg.ParsePayload(&p); err != nil || p.WorktreeID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "worktreeId is required", nil)
	}
	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "data must be base64", nil)
	}

	sess, err := b.lookup(claims.UserID, p.WorktreeID)
	if err != nil {
		return wsErr(msg, err)
	}
	if err := sess.write(data); err != nil {
		return wsErr(msg, apperror.Wrap(apperror.UnixOpFailed, "failed to write to terminal", err))
	}
	return nil, nil
}

type resizePayload struct {
	WorktreeID string `json:"worktreeId"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
}

func (b *Bridge) handleResize(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	if err := b.authorize(ctx); err != nil {
		return wsErr(msg, err)
	}
	claims, _ := realtime.ClaimsFromContext(ctx)

	var p resizePayload
	if err := msg.ParsePayload(&p); err != nil || p.WorktreeID == "" || p.Cols <= 0 || p.Rows <= 0 {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "worktreeId, cols and rows are required", nil)
	}
	sess, err := b.lookup(claims.UserID, p.WorktreeID)
	if err != nil {
		return wsErr(msg, err)
	}
	if err := sess.resize(p.Cols, p.Rows); err != nil {
		return wsErr(msg, apperror.Wrap(apperror.UnixOpFailed, "failed to resize terminal", err))
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]bool{"success": true})
}

type detachPayload struct {
	WorktreeID string `json:"worktreeId"`
}

// handleDetach kills this client's PTY process. In zellij mode the
// multiplexer session itself is untouched (only `zellij attach` dies, the
// same as a client-side Ctrl-o d); in shell mode the shell is gone for
// good since it has no persistent session to return to.
func (b *Bridge) handleDetach(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	if err := b.authorize(ctx); err != nil {
		return wsErr(msg, err)
	}
	claims, _ := realtime.ClaimsFromContext(ctx)

	var p detachPayload
	if err := msg.ParsePayload(&p); err != nil || p.WorktreeID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "worktreeId is required", nil)
	}

	key := sessionKey(claims.UserID, p.WorktreeID)
	b.mu.Lock()
	sess, ok := b.sessions[key]
	if ok {
		delete(b.sessions, key)
	}
	b.mu.Unlock()
	if !ok {
		return ws.NewResponse(msg.ID, msg.Action, map[string]bool{"success": true})
	}

	sess.close()
	return ws.NewResponse(msg.ID, msg.Action, map[string]bool{"success": true})
}

func (b *Bridge) lookup(userID, worktreeID string) (*ptySession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.sessions[sessionKey(userID, worktreeID)]
	if !ok {
		return nil, apperror.New(apperror.NotFound, fmt.Sprintf("no open terminal for worktree %s", worktreeID))
	}
	return sess, nil
}

func wsErr(msg *ws.Message, err error) (*ws.Message, error) {
	kind, _ := apperror.KindOf(err)
	return ws.NewError(msg.ID, msg.Action, string(kind), err.Error(), nil)
}
