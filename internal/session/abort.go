package session

import (
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agor-dev/agor/internal/common/logger"
)

// abortHandle tracks one running executor subprocess so AbortController can
// find and signal it later, and so the engine can tell a cooperative stop
// apart from a crash once the process exits.
type abortHandle struct {
	cmd           *exec.Cmd
	stopRequested atomic.Bool
	done          chan struct{}
}

// AbortController implements the cancellation escalation the cancellation
// flow requires: SIGTERM, a grace window, then SIGKILL, keyed by Task ID
// rather than Session ID since a Task is the unit a running process maps
// to. Every spawned process runs in its own process group (Setpgid) so a
// signal reaches the whole tree a tool SDK may have forked, not just the
// immediate child.
type AbortController struct {
	mu        sync.Mutex
	handles   map[string]*abortHandle
	stopGrace time.Duration
	killGrace time.Duration
	log       *logger.Logger
}

func NewAbortController(stopGrace, killGrace time.Duration, log *logger.Logger) *AbortController {
	if log == nil {
		log = logger.Default()
	}
	return &AbortController{
		handles:   make(map[string]*abortHandle),
		stopGrace: stopGrace,
		killGrace: killGrace,
		log:       log,
	}
}

// register records cmd as taskID's running process. cmd must already be
// Start()ed with SysProcAttr.Setpgid set.
func (a *AbortController) register(taskID string, cmd *exec.Cmd) *abortHandle {
	h := &abortHandle{cmd: cmd, done: make(chan struct{})}
	a.mu.Lock()
	a.handles[taskID] = h
	a.mu.Unlock()
	return h
}

// unregister marks taskID's process as finished. Safe to call once per
// register.
func (a *AbortController) unregister(taskID string) {
	a.mu.Lock()
	h, ok := a.handles[taskID]
	if ok {
		delete(a.handles, taskID)
	}
	a.mu.Unlock()
	if ok {
		close(h.done)
	}
}

// wasStopRequested reports whether Stop(taskID) was called before the
// process registered under taskID finished, distinguishing an operator
// cancellation from a crash. It returns false once unregister has run for
// taskID.
func (a *AbortController) wasStopRequested(taskID string) bool {
	a.mu.Lock()
	h, ok := a.handles[taskID]
	a.mu.Unlock()
	return ok && h.stopRequested.Load()
}

// Stop signals taskID's process group with SIGTERM, waits stopGrace for a
// cooperative exit, escalates to SIGKILL, and waits up to killGrace more.
// Returns false without signalling anything when taskID has no registered
// process — the caller (Engine.StopTask) treats that as the already-
// terminal no-op case rather than an error.
func (a *AbortController) Stop(taskID string) bool {
	a.mu.Lock()
	h, ok := a.handles[taskID]
	a.mu.Unlock()
	if !ok {
		return false
	}

	h.stopRequested.Store(true)
	pid := h.cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGTERM)

	select {
	case <-h.done:
		return true
	case <-time.After(a.stopGrace):
	}

	select {
	case <-h.done:
		return true
	default:
		a.log.Warn("executor did not stop on SIGTERM, escalating", zap.String("taskId", taskID), zap.Int("pid", pid))
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}

	select {
	case <-h.done:
	case <-time.After(a.killGrace):
		a.log.Error("executor did not exit after SIGKILL grace", zap.String("taskId", taskID), zap.Int("pid", pid))
	}
	return true
}

// StopAll signals every currently running process, for daemon shutdown.
func (a *AbortController) StopAll() {
	a.mu.Lock()
	ids := make([]string, 0, len(a.handles))
	for id := range a.handles {
		ids = append(ids, id)
	}
	a.mu.Unlock()
	for _, id := range ids {
		a.Stop(id)
	}
}
