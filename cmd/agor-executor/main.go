// Command agor-executor is C6's privileged subprocess: the daemon spawns
// one of these, already running as the resolved Unix user, for every
// action that needs to touch a worktree's filesystem or drive a tool SDK.
// It reads one Payload from stdin and writes one ExecutorResult to stdout.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/jmoiron/sqlx"

	"github.com/agor-dev/agor/internal/auth"
	"github.com/agor-dev/agor/internal/common/config"
	"github.com/agor-dev/agor/internal/common/logger"
	"github.com/agor-dev/agor/internal/db"
	"github.com/agor-dev/agor/internal/db/dialect"
	"github.com/agor-dev/agor/internal/executor"
	"github.com/agor-dev/agor/internal/repoclone"
	"github.com/agor-dev/agor/internal/store/sqlite"
	"github.com/agor-dev/agor/internal/tool"
	"github.com/agor-dev/agor/internal/unixexec"
	"github.com/agor-dev/agor/internal/worktree"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		return writeFatal(fmt.Errorf("loading config: %w", err))
	}

	log, err := logger.NewLogger(logger.LoggingConfig(cfg.Logging))
	if err != nil {
		log = logger.Default()
	}

	input, err := io.ReadAll(os.Stdin)
	if err != nil {
		return writeFatal(fmt.Errorf("reading stdin: %w", err))
	}
	payload, err := executor.ParsePayload(input)
	if err != nil {
		return writeFatal(err)
	}

	rawDB, err := db.OpenSQLite(cfg.Database.Path)
	if err != nil {
		return writeFatal(fmt.Errorf("opening database: %w", err))
	}
	writer := sqlx.NewDb(rawDB, dialect.SQLite3)
	defer writer.Close()

	st, err := sqlite.New(writer, writer)
	if err != nil {
		return writeFatal(fmt.Errorf("initializing store: %w", err))
	}
	repos := st.Repositories()

	runner := unixexec.NewRunner(cfg.Unix.ExecMode, log)
	accounts := unixexec.NewAccountManager(runner, cfg.Unix.ShellPath)
	wtMgr := worktree.NewManager(cfg.Worktree, cfg.Unix, repos, accounts, log)
	cloner := repoclone.NewCloner(repoclone.Config{BasePath: cfg.RepoClone.BasePath}, cfg.RepoClone.Protocol, log)
	tokens := auth.NewTokenIssuer(cfg.Auth)

	registry := tool.NewRegistry(
		tool.NewClaudeCodeAdapter(lookupBin(payload.Env, "CLAUDE_CODE_BIN"), log),
		tool.NewCodexAdapter(lookupBin(payload.Env, "CODEX_BIN"), log),
		tool.NewOpencodeAdapter(lookupBin(payload.Env, "OPENCODE_BIN"), log),
		tool.NewGeminiAdapter(lookupBin(payload.Env, "GEMINI_BIN"), log),
	)

	var reporter executor.Reporter = executor.NoopReporter{}
	if payload.DaemonURL != "" {
		reporter = executor.NewHTTPReporter(payload.DaemonURL, payload.SessionToken, promptTaskID(payload))
	}
	dispatcher := executor.NewDispatcher(tokens, wtMgr, cloner, registry, reporter, log)

	result := dispatcher.Dispatch(context.Background(), payload)
	return writeResult(result)
}

func lookupBin(env map[string]string, key string) string {
	if env == nil {
		return ""
	}
	return env[key]
}

// promptTaskID extracts the task ID from a prompt Payload's params so
// HTTPReporter can tag its progress reports; every other command has no
// Task to tag, so the reporter is just constructed with an empty ID.
func promptTaskID(payload *executor.Payload) string {
	if payload.Command != executor.CommandPrompt {
		return ""
	}
	var params executor.PromptParams
	if err := json.Unmarshal(payload.Params, &params); err != nil {
		return ""
	}
	return params.TaskID
}

func writeResult(result executor.ExecutorResult) int {
	enc := json.NewEncoder(os.Stdout)
	if err := enc.Encode(result); err != nil {
		fmt.Fprintln(os.Stderr, "agor-executor: failed to encode result:", err)
		return 1
	}
	if result.Success {
		return 0
	}
	return 1
}

func writeFatal(err error) int {
	return writeResult(executor.ResultErr("executor_spawn_failed", err.Error(), nil))
}
