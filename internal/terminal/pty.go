// Package terminal is C10's bridge between a Worktree's shell (or a
// persistent zellij multiplexer session inside it) and a WebSocket client:
// one PTY per (userID, worktreeID) pair, with I/O relayed through C8's Hub
// the same way every other notification channel is fanned out.
package terminal

import (
	"io"
	"os"
	"os/exec"
	"runtime"
)

// PtyHandle abstracts PTY operations across Unix and Windows: on Unix this
// wraps creack/pty's *os.File master, on Windows the Windows ConPTY.
type PtyHandle interface {
	io.ReadWriteCloser
	Resize(cols, rows uint16) error
}

// detectShell returns the login shell to spawn in "shell" mode, preferring
// $SHELL on Unix and falling back to common candidates the way an
// interactive terminal application normally does.
func detectShell() (string, []string) {
	if runtime.GOOS == "windows" {
		if _, err := exec.LookPath("pwsh.exe"); err == nil {
			return "pwsh.exe", []string{"-NoLogo"}
		}
		return "powershell.exe", []string{"-NoLogo"}
	}
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell, []string{"-l"}
	}
	for _, sh := range []string{"/bin/bash", "/bin/zsh", "/bin/sh"} {
		if _, err := os.Stat(sh); err == nil {
			return sh, []string{"-l"}
		}
	}
	return "/bin/sh", nil
}

// buildEnv composes the spawned shell/multiplexer's environment: the
// daemon's own environment plus the terminal type and working directory a
// PTY client expects to see reflected in its prompt.
func buildEnv(cwd string) []string {
	env := os.Environ()
	env = append(env, "PWD="+cwd, "TERM=xterm-256color")
	return env
}
