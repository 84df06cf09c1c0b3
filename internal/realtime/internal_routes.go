package realtime

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agor-dev/agor/internal/auth"
	"github.com/agor-dev/agor/internal/common/httpmw"
	"github.com/agor-dev/agor/internal/common/logger"
	"github.com/agor-dev/agor/internal/session"
	"github.com/agor-dev/agor/internal/tool"
)

// RegisterExecutorRoutes wires the two callbacks an agor-executor
// subprocess's HTTPReporter calls into: progress events forwarded onto the
// event bus, and the permission round trip that blocks the executor until a
// human (or an already-granted scope) decides. Both requests carry the
// one-shot session token C7 minted for the Task as a bearer token, verified
// the same way every other authenticated route in this package is.
func RegisterExecutorRoutes(router *gin.Engine, engine *session.Engine, tokens *auth.TokenIssuer, log *logger.Logger) {
	api := router.Group("/internal/executor")
	api.Use(httpmw.RequireAuth(tokens))

	api.POST("/progress", func(c *gin.Context) {
		var req struct {
			TaskID  string         `json:"taskId"`
			Event   string         `json:"event"`
			Payload map[string]any `json:"payload"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
		if err := engine.ReportProgress(c.Request.Context(), req.TaskID, req.Event, req.Payload); err != nil {
			writeErr(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	api.POST("/permission-request", func(c *gin.Context) {
		var req struct {
			TaskID   string         `json:"taskId"`
			ToolName string         `json:"toolName"`
			Input    map[string]any `json:"input"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}

		task, err := engine.TaskSession(c.Request.Context(), req.TaskID)
		if err != nil {
			writeErr(c, err)
			return
		}

		decision, err := engine.AwaitPermission(c.Request.Context(), task.SessionID, req.TaskID, tool.PermissionRequest{
			ToolName: req.ToolName,
			Input:    req.Input,
		})
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, decision)
	})
}
