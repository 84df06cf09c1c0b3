package realtime

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agor-dev/agor/internal/auth"
	"github.com/agor-dev/agor/internal/common/apperror"
	"github.com/agor-dev/agor/internal/common/httpmw"
	"github.com/agor-dev/agor/internal/common/idutil"
	"github.com/agor-dev/agor/internal/common/logger"
	"github.com/agor-dev/agor/internal/secrets"
	"github.com/agor-dev/agor/internal/session"
	"github.com/agor-dev/agor/internal/store"
	"github.com/agor-dev/agor/internal/tool"
	"github.com/agor-dev/agor/internal/worktree"
	ws "github.com/agor-dev/agor/pkg/websocket"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// CRUDActions names the WS actions mapped onto a Service's five verbs.
// An empty field means that verb has no WS action (HTTP-only).
type CRUDActions struct {
	List   string
	Get    string
	Create string
	Update string
	Delete string
}

// serviceRoute binds a named Service to its find/get/create/patch/remove
// HTTP paths and WS actions. Every registered service gets this shape for
// free; custom routes (below) are the exceptions that need their own.
type serviceRoute struct {
	name     string
	httpPath string // e.g. "/repos", relative to the /api/v1 group
	actions  CRUDActions
}

// DefaultServiceRoutes lists every registered service's HTTP path and WS
// action mapping. cmd/agord passes this straight to RegisterServiceRoutes;
// serviceRoute itself stays unexported since nothing outside this package
// needs to construct one.
func DefaultServiceRoutes() []serviceRoute {
	return []serviceRoute{
		{name: "repo", httpPath: "/repos", actions: CRUDActions{
			List: ws.ActionRepoList, Get: ws.ActionRepoGet, Create: ws.ActionRepoCreate, Update: ws.ActionRepoUpdate, Delete: ws.ActionRepoDelete,
		}},
		{name: "worktree", httpPath: "/worktrees", actions: CRUDActions{
			List: ws.ActionWorktreeList, Get: ws.ActionWorktreeGet, Create: ws.ActionWorktreeCreate, Delete: ws.ActionWorktreeRemove,
		}},
		{name: "session", httpPath: "/sessions", actions: CRUDActions{
			List: ws.ActionSessionList, Get: ws.ActionSessionGet, Create: ws.ActionSessionCreate, Update: ws.ActionSessionArchive,
		}},
		{name: "task", httpPath: "/tasks", actions: CRUDActions{
			List: ws.ActionTaskList, Get: ws.ActionTaskGet,
		}},
		{name: "message", httpPath: "/messages", actions: CRUDActions{
			List: ws.ActionMessageList,
		}},
		{name: "board", httpPath: "/boards", actions: CRUDActions{
			List: ws.ActionBoardList, Get: ws.ActionBoardGet, Create: ws.ActionBoardCreate, Delete: ws.ActionBoardDelete,
		}},
		{name: "board_object", httpPath: "/board-objects", actions: CRUDActions{
			List: ws.ActionBoardObjectList, Create: ws.ActionBoardObjectCreate, Update: ws.ActionBoardObjectUpdate, Delete: ws.ActionBoardObjectDelete,
		}},
		{name: "board_comment", httpPath: "/board-comments", actions: CRUDActions{
			List: ws.ActionBoardCommentList, Create: ws.ActionBoardCommentCreate,
		}},
		{name: "mcp_server", httpPath: "/mcp-servers", actions: CRUDActions{
			List: ws.ActionMCPServerList, Create: ws.ActionMCPServerCreate, Delete: ws.ActionMCPServerDelete,
		}},
		{name: "gateway_channel", httpPath: "/gateway-channels", actions: CRUDActions{
			List: ws.ActionGatewayChannelList, Create: ws.ActionGatewayChannelCreate, Update: ws.ActionGatewayChannelUpdate, Delete: ws.ActionGatewayChannelDelete,
		}},
	}
}

// RegisterServiceRoutes wires the five verbs of every serviceRoute onto both
// the HTTP router and the WS dispatcher, delegating to registry.Call so the
// hook pipeline and mutation broadcast run uniformly regardless of transport.
func RegisterServiceRoutes(router *gin.Engine, dispatcher *ws.Dispatcher, registry *Registry, routes []serviceRoute, tokens *auth.TokenIssuer, log *logger.Logger) {
	api := router.Group("/api/v1")
	api.Use(httpmw.RequireAuth(tokens))

	for _, rt := range routes {
		rt := rt
		api.GET(rt.httpPath, httpFind(registry, rt.name, log))
		api.GET(rt.httpPath+"/:id", httpGet(registry, rt.name, log))
		api.POST(rt.httpPath, httpCreate(registry, rt.name, log))
		api.PATCH(rt.httpPath+"/:id", httpPatch(registry, rt.name, log))
		api.DELETE(rt.httpPath+"/:id", httpRemove(registry, rt.name, log))

		if rt.actions.List != "" {
			dispatcher.RegisterFunc(rt.actions.List, wsFind(registry, rt.name))
		}
		if rt.actions.Get != "" {
			dispatcher.RegisterFunc(rt.actions.Get, wsGet(registry, rt.name))
		}
		if rt.actions.Create != "" {
			dispatcher.RegisterFunc(rt.actions.Create, wsCreate(registry, rt.name))
		}
		if rt.actions.Update != "" {
			dispatcher.RegisterFunc(rt.actions.Update, wsPatch(registry, rt.name))
		}
		if rt.actions.Delete != "" {
			dispatcher.RegisterFunc(rt.actions.Delete, wsRemove(registry, rt.name))
		}
	}
}

func claimsFromGin(c *gin.Context) *auth.Claims {
	claims, _ := httpmw.ClaimsFromContext(c)
	return claims
}

func writeErr(c *gin.Context, err error) {
	if ae, ok := err.(*apperror.Error); ok {
		c.JSON(ae.HTTPStatus(), ae)
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func httpFind(registry *Registry, name string, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		q, err := registry.ParseFindQuery(name, c.Request.URL.Query())
		if err != nil {
			writeErr(c, err)
			return
		}
		result, err := registry.Call(c.Request.Context(), name, VerbFind, Params{Claims: claimsFromGin(c), Query: q}, nil)
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func httpGet(registry *Registry, name string, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := registry.Call(c.Request.Context(), name, VerbGet, Params{Claims: claimsFromGin(c), ID: c.Param("id")}, nil)
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func httpCreate(registry *Registry, name string, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
			return
		}
		result, err := registry.Call(c.Request.Context(), name, VerbCreate, Params{Claims: claimsFromGin(c)}, body)
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusCreated, result)
	}
}

func httpPatch(registry *Registry, name string, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
			return
		}
		result, err := registry.Call(c.Request.Context(), name, VerbPatch, Params{Claims: claimsFromGin(c), ID: c.Param("id")}, body)
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func httpRemove(registry *Registry, name string, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := registry.Call(c.Request.Context(), name, VerbRemove, Params{Claims: claimsFromGin(c), ID: c.Param("id")}, nil)
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func wsFind(registry *Registry, name string) ws.HandlerFunc {
	return func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var raw map[string][]string
		var flat map[string]string
		if err := msg.ParsePayload(&flat); err == nil && flat != nil {
			raw = make(map[string][]string, len(flat))
			for k, v := range flat {
				raw[k] = []string{v}
			}
		}
		claims, _ := ClaimsFromContext(ctx)
		q, err := registry.ParseFindQuery(name, raw)
		if err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, err.Error(), nil)
		}
		result, err := registry.Call(ctx, name, VerbFind, Params{Claims: claims, Query: q}, nil)
		if err != nil {
			return wsErr(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, result)
	}
}

func wsGet(registry *Registry, name string) ws.HandlerFunc {
	return func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var payload struct {
			ID string `json:"id"`
		}
		if err := msg.ParsePayload(&payload); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload", nil)
		}
		claims, _ := ClaimsFromContext(ctx)
		result, err := registry.Call(ctx, name, VerbGet, Params{Claims: claims, ID: payload.ID}, nil)
		if err != nil {
			return wsErr(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, result)
	}
}

func wsCreate(registry *Registry, name string) ws.HandlerFunc {
	return func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		claims, _ := ClaimsFromContext(ctx)
		result, err := registry.Call(ctx, name, VerbCreate, Params{Claims: claims}, msg.Payload)
		if err != nil {
			return wsErr(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, result)
	}
}

func wsPatch(registry *Registry, name string) ws.HandlerFunc {
	return func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var envelope struct {
			ID string `json:"id"`
		}
		if err := msg.ParsePayload(&envelope); err != nil || envelope.ID == "" {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "payload.id is required", nil)
		}
		claims, _ := ClaimsFromContext(ctx)
		result, err := registry.Call(ctx, name, VerbPatch, Params{Claims: claims, ID: envelope.ID}, msg.Payload)
		if err != nil {
			return wsErr(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, result)
	}
}

func wsRemove(registry *Registry, name string) ws.HandlerFunc {
	return func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var payload struct {
			ID string `json:"id"`
		}
		if err := msg.ParsePayload(&payload); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload", nil)
		}
		claims, _ := ClaimsFromContext(ctx)
		result, err := registry.Call(ctx, name, VerbRemove, Params{Claims: claims, ID: payload.ID}, nil)
		if err != nil {
			return wsErr(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, result)
	}
}

func wsErr(msg *ws.Message, err error) (*ws.Message, error) {
	code := ws.ErrorCodeInternalError
	if ae, ok := err.(*apperror.Error); ok {
		switch ae.Kind {
		case apperror.NotAuthenticated:
			code = ws.ErrorCodeUnauthorized
		case apperror.Forbidden, apperror.PermissionDenied:
			code = ws.ErrorCodeForbidden
		case apperror.NotFound:
			code = ws.ErrorCodeNotFound
		case apperror.ValidationFailed:
			code = ws.ErrorCodeValidation
		}
	}
	return ws.NewError(msg.ID, msg.Action, code, err.Error(), nil)
}

// HandleWebSocket upgrades an authenticated HTTP request to a realtime
// connection. Unlike the HTTP API, the token travels as a query parameter
// because browsers can't set an Authorization header on the handshake.
func HandleWebSocket(hub *Hub, dispatcher *ws.Dispatcher, tokens *auth.TokenIssuer, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := c.Query("token")
		if tokenString == "" {
			tokenString = c.GetHeader("Sec-WebSocket-Protocol")
		}
		claims, err := tokens.Verify(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn("realtime: websocket upgrade failed", zap.Error(err))
			return
		}

		client := NewClient(idutil.New(), claims, conn, hub, dispatcher, log)
		hub.Register(client)
		go client.WritePump()
		client.ReadPump(c.Request.Context())
	}
}

// RegisterCustomRoutes wires the named custom routes the closed five-verb
// service abstraction can't express: the prompt/stop/permission round trip
// that drives the session engine's async pipeline, MCP server
// attach/detach, API key resolution for executor environments, and the SSH
// terminal info lookup. The executor's callback endpoints are registered
// separately by RegisterExecutorRoutes.
func RegisterCustomRoutes(router *gin.Engine, dispatcher *ws.Dispatcher, engine *session.Engine, provider secrets.CredentialProvider, repos *store.Repositories, cfg worktreePortConfig, tokens *auth.TokenIssuer, log *logger.Logger) {
	api := router.Group("/api/v1")
	api.Use(httpmw.RequireAuth(tokens))

	api.POST("/sessions/:id/prompt", func(c *gin.Context) {
		var req struct {
			Prompt                 string `json:"prompt"`
			PermissionModeOverride string `json:"permissionModeOverride"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
		task, err := engine.Prompt(c.Request.Context(), session.PromptRequest{
			SessionID:              c.Param("id"),
			Prompt:                 req.Prompt,
			PermissionModeOverride: req.PermissionModeOverride,
		})
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusAccepted, task)
	})

	api.POST("/sessions/:id/tasks/:taskId/stop", func(c *gin.Context) {
		task, err := engine.StopTask(c.Request.Context(), c.Param("id"), c.Param("taskId"))
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, task)
	})

	api.GET("/config/resolve-api-key", func(c *gin.Context) {
		key := c.Query("key")
		if key == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "key is required"})
			return
		}
		cred, err := provider.GetCredential(c.Request.Context(), key)
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, cred)
	})

	api.GET("/terminals/ssh/:id/info", func(c *gin.Context) {
		wt, err := repos.Worktrees.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeErr(c, err)
			return
		}
		ports, err := worktree.DerivePorts(cfg.RangeStart, cfg.RangeEnd, wt.WorktreeUniqueID)
		if err != nil {
			writeErr(c, apperror.Wrap(apperror.ValidationFailed, "failed to derive ports", err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"worktreeId": wt.ID, "sshPort": ports.SSH, "appPort": ports.App, "path": wt.Path})
	})

	dispatcher.RegisterFunc(ws.ActionSessionPrompt, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var payload struct {
			SessionID              string `json:"sessionId"`
			Prompt                 string `json:"prompt"`
			PermissionModeOverride string `json:"permissionModeOverride"`
		}
		if err := msg.ParsePayload(&payload); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload", nil)
		}
		task, err := engine.Prompt(ctx, session.PromptRequest{
			SessionID:              payload.SessionID,
			Prompt:                 payload.Prompt,
			PermissionModeOverride: payload.PermissionModeOverride,
		})
		if err != nil {
			return wsErr(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, task)
	})

	dispatcher.RegisterFunc(ws.ActionTaskStop, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var payload struct {
			SessionID string `json:"sessionId"`
			TaskID    string `json:"taskId"`
		}
		if err := msg.ParsePayload(&payload); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload", nil)
		}
		task, err := engine.StopTask(ctx, payload.SessionID, payload.TaskID)
		if err != nil {
			return wsErr(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, task)
	})

	dispatcher.RegisterFunc(ws.ActionTaskPermissionDecide, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var payload struct {
			TaskID string `json:"taskId"`
			Allow  bool   `json:"allow"`
			Scope  string `json:"scope"`
		}
		if err := msg.ParsePayload(&payload); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload", nil)
		}
		if err := engine.DecidePermission(payload.TaskID, tool.PermissionDecision{Allow: payload.Allow, Scope: payload.Scope}); err != nil {
			return wsErr(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]bool{"success": true})
	})

	dispatcher.RegisterFunc(ws.ActionMCPServerAttach, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var payload struct {
			SessionID   string `json:"sessionId"`
			MCPServerID string `json:"mcpServerId"`
		}
		if err := msg.ParsePayload(&payload); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload", nil)
		}
		if err := repos.MCPServers.Attach(ctx, payload.SessionID, payload.MCPServerID); err != nil {
			return wsErr(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]bool{"success": true})
	})

	dispatcher.RegisterFunc(ws.ActionMCPServerDetach, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var payload struct {
			SessionID   string `json:"sessionId"`
			MCPServerID string `json:"mcpServerId"`
		}
		if err := msg.ParsePayload(&payload); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload", nil)
		}
		if err := repos.MCPServers.Detach(ctx, payload.SessionID, payload.MCPServerID); err != nil {
			return wsErr(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]bool{"success": true})
	})

	RegisterHealthCheck(dispatcher)
}

// RegisterHealthCheck answers the liveness probe both the WS protocol and
// ad-hoc client SDKs expect as their first exchanged message.
func RegisterHealthCheck(dispatcher *ws.Dispatcher) {
	dispatcher.RegisterFunc(ws.ActionHealthCheck, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]any{"status": "ok", "service": "agord"})
	})
}

// worktreePortConfig is the narrow slice of WorktreeConfig the SSH
// terminal-info route needs, so this package doesn't import the full config
// struct just for two ints.
type worktreePortConfig struct {
	RangeStart int
	RangeEnd   int
}

// NewWorktreePortConfig adapts the daemon's WorktreeConfig into the narrow
// shape RegisterCustomRoutes needs.
func NewWorktreePortConfig(rangeStart, rangeEnd int) worktreePortConfig {
	return worktreePortConfig{RangeStart: rangeStart, RangeEnd: rangeEnd}
}
