//go:build !windows

package terminal

import (
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// unixPTY wraps a Unix PTY master file descriptor.
type unixPTY struct {
	f *os.File
}

func (p *unixPTY) Read(b []byte) (int, error)  { return p.f.Read(b) }
func (p *unixPTY) Write(b []byte) (int, error) { return p.f.Write(b) }
func (p *unixPTY) Close() error                { return p.f.Close() }

func (p *unixPTY) Resize(cols, rows uint16) error {
	return pty.Setsize(p.f, &pty.Winsize{Cols: cols, Rows: rows})
}

// startPTY starts cmd attached to a new Unix PTY sized cols x rows.
func startPTY(cmd *exec.Cmd, cols, rows uint16) (PtyHandle, error) {
	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, err
	}
	return &unixPTY{f: f}, nil
}

// wrapImpersonated, when unixUsername is set, wraps the command the same way
// ProcessSpawner wraps the executor subprocess: `sudo -n -u <user> --`, so
// the shell or zellij client runs with that user's environment and
// filesystem permissions rather than the daemon's own.
func wrapImpersonated(name string, args []string, unixUsername string) (string, []string) {
	if unixUsername == "" {
		return name, args
	}
	return "sudo", append([]string{"-n", "-u", unixUsername, "--", name}, args...)
}
