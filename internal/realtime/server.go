package realtime

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agor-dev/agor/internal/auth"
	"github.com/agor-dev/agor/internal/common/httpmw"
	"github.com/agor-dev/agor/internal/common/logger"
	"github.com/agor-dev/agor/internal/events/bus"
	ws "github.com/agor-dev/agor/pkg/websocket"
)

// Server bundles C8's pieces into the one object cmd/agord wires up: the
// Hub (channel-scoped broadcast), the Registry (hooked CRUD services), the
// EventBridge (translating C7's EventBus into Hub broadcasts), the WS
// dispatcher, and the gin router both transports share.
type Server struct {
	Hub        *Hub
	Registry   *Registry
	Bridge     *EventBridge
	Dispatcher *ws.Dispatcher
	Router     *gin.Engine

	httpServer *http.Server
	log        *logger.Logger
}

// NewServer wires the gin router's base middleware (recovery, request
// logging, tracing) the way every daemon surface in this codebase does,
// then constructs the Hub/Registry/Dispatcher/Bridge triple routes.go and
// the caller's service/custom route registration calls will fill in.
func NewServer(eventBus bus.EventBus, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "agord"))
	router.Use(httpmw.OtelTracing("agord"))
	router.Use(corsMiddleware())

	hub := NewHub(log)
	registry := NewRegistry(NewBroadcaster(hub), log)
	bridge := NewEventBridge(eventBus, hub, log)
	dispatcher := ws.NewDispatcher()

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "agord"})
	})

	return &Server{
		Hub:        hub,
		Registry:   registry,
		Bridge:     bridge,
		Dispatcher: dispatcher,
		Router:     router,
		log:        log,
	}
}

// RegisterWebSocketRoute mounts the upgrade endpoint once every custom and
// service route has been registered onto s.Dispatcher.
func (s *Server) RegisterWebSocketRoute(path string, tokens *auth.TokenIssuer) {
	s.Router.GET(path, HandleWebSocket(s.Hub, s.Dispatcher, tokens, s.log))
}

// Start begins serving HTTP/WS traffic on addr and starts the event bridge.
// It returns once the listener is up; ListenAndServe itself runs on its own
// goroutine, mirroring the teacher's unified-binary startup sequence.
func (s *Server) Start(addr string, readTimeout, writeTimeout time.Duration) error {
	if err := s.Bridge.Start(); err != nil {
		return fmt.Errorf("realtime: starting event bridge: %w", err)
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("realtime: http server failed to start: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Shutdown drains in-flight requests within ctx's deadline and closes the
// event bridge subscriptions.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Bridge.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

