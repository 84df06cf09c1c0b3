package terminal

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/tuzig/vt10x"
	"go.uber.org/zap"

	"github.com/agor-dev/agor/internal/common/apperror"
	"github.com/agor-dev/agor/internal/common/logger"
	"github.com/agor-dev/agor/internal/realtime"
	ws "github.com/agor-dev/agor/pkg/websocket"
)

// Mode picks what startPTY actually runs: a persistent multiplexer session
// a client can detach from and reattach to, or a bare shell that dies with
// the PTY.
type Mode string

const (
	ModeZellij Mode = "zellij"
	ModeShell  Mode = "shell"
)

// ptySession is the PTY for one (userID, worktreeID) pair. It stays open
// until terminal.detach closes it; an attach while it is open reuses it and
// gets a screen snapshot. In zellij mode closing it ends only the `zellij
// attach` client, so the next attach re-runs `zellij attach` into the same
// multiplexer session; in shell mode the shell ends with it.
type ptySession struct {
	channel string
	mode    Mode
	pty     PtyHandle
	cmd     *exec.Cmd
	vt      *vt10x.VT

	mu        sync.Mutex
	attached  int
	closed    bool
}

// newPtySession spawns the PTY for params and starts the output pump that
// both feeds the scrollback emulator and fans every chunk out over hub on
// channel.
func newPtySession(ctx context.Context, hub *realtime.Hub, channel string, params attachParams, log *logger.Logger) (*ptySession, error) {
	name, args, err := commandFor(params)
	if err != nil {
		return nil, err
	}
	name, args = wrapImpersonated(name, args, params.UnixUsername)

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = params.Cwd
	cmd.Env = buildEnv(params.Cwd)

	handle, err := startPTY(cmd, uint16(params.Cols), uint16(params.Rows))
	if err != nil {
		return nil, apperror.Wrap(apperror.UnixOpFailed, "failed to start terminal pty", err)
	}

	vt := vt10x.New(vt10x.WithSize(params.Cols, params.Rows))

	s := &ptySession{channel: channel, mode: params.Mode, pty: handle, cmd: cmd, vt: vt}
	go s.pump(hub, log)
	return s, nil
}

// commandFor resolves the argv for params.Mode: zellij mode attaches (and
// creates if absent) a session named after the worktree so a later
// attachParams for the same worktree reconnects to the same multiplexer
// state; shell mode spawns the user's login shell directly.
func commandFor(params attachParams) (string, []string, error) {
	switch params.Mode {
	case ModeZellij:
		return "zellij", []string{"attach", "--create", params.SessionName}, nil
	case ModeShell, "":
		shell, args := detectShell()
		return shell, args, nil
	default:
		return "", nil, apperror.New(apperror.ValidationFailed, fmt.Sprintf("unknown terminal mode %q", params.Mode))
	}
}

// attachParams is everything a terminal.attach WS payload carries.
type attachParams struct {
	WorktreeID   string
	UnixUsername string
	Cwd          string
	SessionName  string
	TabName      string
	Cols, Rows   int
	Mode         Mode
	EnvFile      string
}

func (s *ptySession) pump(hub *realtime.Hub, log *logger.Logger) {
	buf := make([]byte, 4096)
	for {
		n, err := s.pty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if _, werr := s.vt.Write(chunk); werr != nil {
				log.Debug("terminal: scrollback emulator write failed", zap.Error(werr))
			}
			hub.BroadcastEvent(s.channel, ws.ActionTerminalOutput, map[string]string{
				"data": base64.StdEncoding.EncodeToString(chunk),
			})
		}
		if err != nil {
			if err != io.EOF {
				log.Debug("terminal: pty read error", zap.Error(err))
			}
			return
		}
	}
}

// snapshot renders the emulator's current screen, sent to a client that
// attaches to an already-running session so it sees the live screen
// instead of starting blank.
func (s *ptySession) snapshot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vt.String()
}

func (s *ptySession) write(p []byte) error {
	_, err := s.pty.Write(p)
	return err
}

func (s *ptySession) resize(cols, rows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vt.Resize(cols, rows)
	return s.pty.Resize(uint16(cols), uint16(rows))
}

// addTab runs `zellij action new-tab` against the still-running zellij
// session rather than through the attached PTY, the same non-interactive
// `action` CLI form the executor subprocess uses to open tabs (see
// executor.zellijTab) rather than the interactive attach client.
func (s *ptySession) addTab(ctx context.Context, sessionName, cwd, tabName string) error {
	args := []string{"--session", sessionName, "action", "new-tab"}
	if tabName != "" {
		args = append(args, "--name", tabName)
	}
	if cwd != "" {
		args = append(args, "--cwd", cwd)
	}
	cmd := exec.CommandContext(ctx, "zellij", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return apperror.Wrap(apperror.UnixOpFailed, "zellij new-tab failed", err).WithDetails(map[string]any{"output": string(out)})
	}
	return nil
}

// close kills the PTY's process and releases the handle. In zellij mode
// this detaches the client but leaves the multiplexer session itself
// running server-side, since `zellij attach` is what owns the PTY, not the
// multiplexer session; killing the attach client is exactly a clean
// detach.
func (s *ptySession) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.pty.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}
