//go:build windows

package terminal

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/UserExistsError/conpty"
)

// windowsPTY wraps a Windows ConPTY pseudo-console.
type windowsPTY struct {
	cpty *conpty.ConPty
}

func (p *windowsPTY) Read(b []byte) (int, error)  { return p.cpty.Read(b) }
func (p *windowsPTY) Write(b []byte) (int, error) { return p.cpty.Write(b) }
func (p *windowsPTY) Close() error                { return p.cpty.Close() }

func (p *windowsPTY) Resize(cols, rows uint16) error {
	return p.cpty.Resize(int(cols), int(rows))
}

// startPTY starts cmd under ConPTY. ConPTY manages process creation itself,
// so this rebuilds a command line from cmd's already-resolved path and
// args rather than calling cmd.Start.
func startPTY(cmd *exec.Cmd, cols, rows uint16) (PtyHandle, error) {
	cmdLine := buildCmdLine(append([]string{cmd.Path}, cmd.Args[1:]...))

	opts := []conpty.ConPtyOption{conpty.ConPtyDimensions(int(cols), int(rows))}
	if cmd.Dir != "" {
		opts = append(opts, conpty.ConPtyWorkDir(cmd.Dir))
	}
	if cmd.Env != nil {
		opts = append(opts, conpty.ConPtyEnv(cmd.Env))
	}

	cpty, err := conpty.Start(cmdLine, opts...)
	if err != nil {
		return nil, err
	}
	proc, err := os.FindProcess(int(cpty.Pid()))
	if err != nil {
		_ = cpty.Close()
		return nil, fmt.Errorf("terminal: find conpty process: %w", err)
	}
	cmd.Process = proc
	return &windowsPTY{cpty: cpty}, nil
}

// wrapImpersonated is a no-op on Windows: sudo-style impersonation isn't
// available, so a terminal bridge running on Windows always attaches as
// the daemon's own account regardless of unixUsername.
func wrapImpersonated(name string, args []string, unixUsername string) (string, []string) {
	return name, args
}
