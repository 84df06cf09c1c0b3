// Package unixexec is Agor's privileged command runner (C3): the layer that
// actually shells out to groupadd/useradd/setfacl/chown on the host, behind
// an interface that can be direct, sudo-wrapped, or a logging no-op.
package unixexec

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agor-dev/agor/internal/common/apperror"
	"github.com/agor-dev/agor/internal/common/logger"
)

// Runner executes privileged Unix account/group/ACL commands. Its
// implementation is chosen by unix.execMode and is orthogonal to the
// impersonation Mode used to pick which identity a task runs as.
type Runner interface {
	// Run executes name with args and returns combined stdout/stderr. A
	// non-zero exit is reported as an apperror.UnixOpFailed error carrying
	// the captured output in Details["output"].
	Run(ctx context.Context, name string, args ...string) (string, error)
}

const defaultTimeout = 15 * time.Second

// NewRunner selects a Runner implementation for execMode ("direct", "sudo",
// or "noop").
func NewRunner(execMode string, log *logger.Logger) Runner {
	switch execMode {
	case "sudo":
		return &sudoRunner{log: log}
	case "noop":
		return &noopRunner{log: log}
	default:
		return &directRunner{log: log}
	}
}

// directRunner executes commands as the daemon's own uid. Appropriate when
// the daemon itself runs as root or already holds CAP_SETUID/CAP_CHOWN etc.
type directRunner struct{ log *logger.Logger }

func (r *directRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	return run(ctx, r.log, name, args...)
}

// sudoRunner wraps every command with `sudo -n`, for daemons running as an
// unprivileged service account with a narrowly scoped sudoers entry.
type sudoRunner struct{ log *logger.Logger }

func (r *sudoRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	full := append([]string{"-n", name}, args...)
	return run(ctx, r.log, "sudo", full...)
}

// noopRunner logs the command it would have run and returns success without
// executing anything. Used for local development on machines without root.
type noopRunner struct{ log *logger.Logger }

func (r *noopRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	if r.log != nil {
		r.log.Info("unixexec noop", zap.String("cmd", name), zap.Strings("args", args))
	}
	return "", nil
}

func run(ctx context.Context, log *logger.Logger, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	output := strings.TrimSpace(out.String())
	if err != nil {
		if log != nil {
			log.WithError(err).Warn("unixexec command failed")
		}
		if ctx.Err() == context.DeadlineExceeded {
			return output, apperror.Wrap(apperror.Timeout, fmt.Sprintf("%s timed out", name), err)
		}
		return output, apperror.Wrap(apperror.UnixOpFailed, fmt.Sprintf("%s failed", name), err).WithDetails(map[string]any{"output": output})
	}
	return output, nil
}
