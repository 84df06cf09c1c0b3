// Command agord is Agor's daemon: the long-lived process holding the
// relational store, the Session/Task engine, the real-time service
// framework, the gateway router, and the terminal bridge. It never touches
// a worktree's filesystem or a tool SDK directly — every privileged or
// impersonated operation is delegated to a spawned agor-executor subprocess.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/agor-dev/agor/internal/auth"
	"github.com/agor-dev/agor/internal/common/config"
	"github.com/agor-dev/agor/internal/common/logger"
	"github.com/agor-dev/agor/internal/db"
	"github.com/agor-dev/agor/internal/db/dialect"
	"github.com/agor-dev/agor/internal/events/bus"
	"github.com/agor-dev/agor/internal/gateway"
	"github.com/agor-dev/agor/internal/realtime"
	"github.com/agor-dev/agor/internal/repoclone"
	"github.com/agor-dev/agor/internal/secrets"
	"github.com/agor-dev/agor/internal/session"
	"github.com/agor-dev/agor/internal/store"
	"github.com/agor-dev/agor/internal/store/sqlite"
	"github.com/agor-dev/agor/internal/terminal"
	"github.com/agor-dev/agor/internal/tool"
	"github.com/agor-dev/agor/internal/unixexec"
	"github.com/agor-dev/agor/internal/worktree"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "agord: failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig(cfg.Logging))
	if err != nil {
		fmt.Fprintf(os.Stderr, "agord: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting agord")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("connecting to NATS", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		defer natsBus.Close()
	} else {
		log.Info("using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	rawDB, err := db.OpenSQLite(cfg.Database.Path)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	writer := sqlx.NewDb(rawDB, dialect.SQLite3)
	defer writer.Close()

	st, err := sqlite.New(writer, writer)
	if err != nil {
		log.Fatal("failed to initialize store", zap.Error(err))
	}
	repos := st.Repositories()

	tokens := auth.NewTokenIssuer(cfg.Auth)
	runner := unixexec.NewRunner(cfg.Unix.ExecMode, log)
	accounts := unixexec.NewAccountManager(runner, cfg.Unix.ShellPath)
	wtMgr := worktree.NewManager(cfg.Worktree, cfg.Unix, repos, accounts, log)
	cloner := repoclone.NewCloner(repoclone.Config{BasePath: cfg.RepoClone.BasePath}, cfg.RepoClone.Protocol, log)
	githubResolver := repoclone.NewGitHubResolver(cfg.RepoClone.GitHubToken)

	toolRegistry := tool.NewRegistry(
		tool.NewClaudeCodeAdapter(os.Getenv("CLAUDE_CODE_BIN"), log),
		tool.NewCodexAdapter(os.Getenv("CODEX_BIN"), log),
		tool.NewOpencodeAdapter(os.Getenv("OPENCODE_BIN"), log),
		tool.NewGeminiAdapter(os.Getenv("GEMINI_BIN"), log),
	)

	aborts := session.NewAbortController(cfg.Executor.StopGrace(), cfg.Executor.KillGrace(), log)
	perms := session.NewPermissionBroker()
	spawner := session.NewProcessSpawner(cfg.Executor.BinPath, aborts, log)
	daemonURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	engine := session.NewEngine(repos, toolRegistry, spawner, aborts, perms, eventBus, tokens, cfg.Unix, cfg.Executor, daemonURL, log)

	reconciler := session.NewReconciler(repos, 5*time.Minute, log)
	if n, err := reconciler.Sweep(ctx); err != nil {
		log.Warn("startup reconciliation sweep failed", zap.Error(err))
	} else if n > 0 {
		log.Info("reconciled stale sessions/tasks on startup", zap.Int("count", n))
	}

	masterKey, err := secrets.NewMasterKeyProvider(config.DataHome())
	if err != nil {
		log.Fatal("failed to initialize secret master key", zap.Error(err))
	}
	secretStore, closeSecrets, err := secrets.Provide(writer, writer, masterKey)
	if err != nil {
		log.Fatal("failed to initialize secret store", zap.Error(err))
	}
	defer closeSecrets()
	secretsSvc := secrets.NewService(secretStore, log)
	credentialProvider := secrets.NewSecretStoreProvider(secretStore)

	srv := realtime.NewServer(eventBus, log)

	gwRouter := gateway.NewRouter(cfg.Gateway, repos, engine, eventBus, log)

	srv.Registry.Register("repo", realtime.NewRepoService(repos, cloner, githubResolver), nil)
	srv.Registry.Register("worktree", realtime.NewWorktreeService(repos, wtMgr), &realtime.HookSet{Before: []realtime.HookFunc{realtime.RequireAuth()}})
	srv.Registry.Register("session", realtime.NewSessionService(repos, engine), &realtime.HookSet{Before: []realtime.HookFunc{realtime.RequireAuth()}})
	srv.Registry.Register("task", realtime.NewTaskService(repos), &realtime.HookSet{Before: []realtime.HookFunc{realtime.RequireAuth()}})
	srv.Registry.Register("message", realtime.NewMessageService(repos), &realtime.HookSet{Before: []realtime.HookFunc{realtime.RequireAuth()}})
	srv.Registry.Register("board", realtime.NewBoardService(repos), nil)
	srv.Registry.Register("board_object", realtime.NewBoardObjectService(repos), nil)
	srv.Registry.Register("board_comment", realtime.NewBoardCommentService(repos), nil)
	srv.Registry.Register("mcp_server", realtime.NewMCPServerService(repos), &realtime.HookSet{Before: []realtime.HookFunc{realtime.RequireRole(storeAdminRoles()...)}})
	srv.Registry.Register("gateway_channel", realtime.NewGatewayChannelService(repos, func() {
		if err := gwRouter.Refresh(context.Background()); err != nil {
			log.Warn("failed to refresh gateway router after channel mutation", zap.Error(err))
		}
	}), &realtime.HookSet{Before: []realtime.HookFunc{realtime.RequireRole(storeAdminRoles()...)}})

	realtime.RegisterServiceRoutes(srv.Router, srv.Dispatcher, srv.Registry, realtime.DefaultServiceRoutes(), tokens, log)
	realtime.RegisterCustomRoutes(srv.Router, srv.Dispatcher, engine, credentialProvider, repos, realtime.NewWorktreePortConfig(cfg.Worktree.PortRangeStart, cfg.Worktree.PortRangeEnd), tokens, log)
	realtime.RegisterExecutorRoutes(srv.Router, engine, tokens, log)
	secrets.RegisterRoutes(srv.Router, srv.Dispatcher, secretsSvc, log)
	srv.RegisterWebSocketRoute("/ws", tokens)

	termBridge := terminal.NewBridge(cfg.Terminal, repos, wtMgr, srv.Hub, log)
	termBridge.RegisterRoutes(srv.Router, srv.Dispatcher)

	if err := gwRouter.Start(ctx); err != nil {
		log.Error("gateway router failed to start listeners", zap.Error(err))
	}

	if err := srv.Start(fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port), cfg.Server.ReadTimeoutDuration(), cfg.Server.WriteTimeoutDuration()); err != nil {
		log.Fatal("failed to start realtime server", zap.Error(err))
	}
	log.Info("agord listening", zap.Int("port", cfg.Server.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down agord")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("realtime server shutdown error", zap.Error(err))
	}
	gwRouter.Stop()
	engine.Shutdown()

	log.Info("agord stopped")
}

// storeAdminRoles is the set of roles allowed to manage MCP server
// registrations and gateway channel configuration — both are
// instance-wide, credential-bearing resources.
func storeAdminRoles() []store.UserRole {
	return []store.UserRole{store.RoleOwner, store.RoleAdmin}
}
