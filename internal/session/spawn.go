package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"syscall"

	"go.uber.org/zap"

	"github.com/agor-dev/agor/internal/common/apperror"
	"github.com/agor-dev/agor/internal/common/logger"
	"github.com/agor-dev/agor/internal/executor"
)

// maxStderrCapture is the truncation bound for crash diagnostics per the
// executor-crashed error contract (stderr captured up to 4KiB).
const maxStderrCapture = 4 * 1024

// SpawnRequest is one agor-executor invocation.
type SpawnRequest struct {
	TaskID       string
	UnixUsername string // empty runs the executor as the daemon's own user (unix.mode "simple")
	Payload      executor.Payload
}

// Spawner runs one executor Payload to completion and returns its
// ExecutorResult. Implementations are free to run the executor however
// they like; ProcessSpawner runs the real agor-executor binary as a
// subprocess, the shape every non-test caller uses.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (*executor.ExecutorResult, error)
}

// ProcessSpawner runs agor-executor as a privileged subprocess, writing the
// Payload to its stdin and reading one ExecutorResult line from its stdout,
// following the same exec.CommandContext + captured-output idiom the
// account/ACL command runner uses, generalized for a subprocess whose
// lifetime is the whole prompt turn rather than one quick shell command.
type ProcessSpawner struct {
	binPath string
	aborts  *AbortController
	log     *logger.Logger
}

func NewProcessSpawner(binPath string, aborts *AbortController, log *logger.Logger) *ProcessSpawner {
	if log == nil {
		log = logger.Default()
	}
	return &ProcessSpawner{binPath: binPath, aborts: aborts, log: log}
}

func (s *ProcessSpawner) Spawn(ctx context.Context, req SpawnRequest) (*executor.ExecutorResult, error) {
	data, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, apperror.Wrap(apperror.ExecutorSpawnFailed, "failed to encode executor payload", err)
	}

	name := s.binPath
	args := []string(nil)
	if req.UnixUsername != "" {
		// sudo -n -u never opens a controlling TTY and never prompts; sudo
		// itself runs initgroups() for the target user, which is the only
		// way group-derived filesystem access (worktree ACLs) takes effect.
		// Git plumbing is never routed through this path: it always runs as
		// the daemon's own user, from gitSnapshotSHA, never via Spawn.
		name = "sudo"
		args = []string{"-n", "-u", req.UnixUsername, "--", s.binPath}
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = bytes.NewReader(data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, apperror.Wrap(apperror.ExecutorSpawnFailed, "failed to start agor-executor", err)
	}

	s.aborts.register(req.TaskID, cmd)
	defer s.aborts.unregister(req.TaskID)

	waitErr := cmd.Wait()
	stopped := s.aborts.wasStopRequested(req.TaskID)

	var result executor.ExecutorResult
	if decErr := json.Unmarshal(stdout.Bytes(), &result); decErr != nil {
		if stopped {
			// Killed before it could flush a result line; the engine treats
			// this as a clean stop, not a crash.
			return &executor.ExecutorResult{Success: false, Error: &executor.ExecutorError{Code: "stopped", Message: "task stopped before completion"}}, nil
		}
		trimmed := truncate(stderr.String(), maxStderrCapture)
		s.log.Warn("agor-executor produced no parseable result", zap.String("taskId", req.TaskID), zap.String("stderr", trimmed))
		cause := decErr
		if waitErr != nil {
			cause = waitErr
		}
		return nil, apperror.Wrap(apperror.ExecutorCrashed, "agor-executor exited without a result", cause).
			WithDetails(map[string]any{"stderr": trimmed})
	}

	return &result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s... (truncated, %d bytes total)", s[:n], len(s))
}
