package executor

import (
	"context"
	"os/exec"

	"github.com/agor-dev/agor/internal/common/apperror"
)

// zellijAttach runs `zellij attach --create <sessionName>` to completion
// with its combined output captured (returned in the error details on
// failure); the executor's own stdio is not connected to it. Interactive
// terminals are served by internal/terminal, which runs `zellij attach` in
// its own PTY.
func zellijAttach(ctx context.Context, p ZellijAttachParams) error {
	cmd := exec.CommandContext(ctx, "zellij", "attach", "--create", p.SessionName)
	if p.Cwd != "" {
		cmd.Dir = p.Cwd
	}
	return runInherited(cmd)
}

// zellijTab opens a new tab in an existing zellij session via the zellij
// `action` CLI rather than the interactive client, since this runs
// non-interactively as part of session setup, not as the attached terminal.
func zellijTab(ctx context.Context, p ZellijTabParams) error {
	args := []string{"--session", p.SessionName, "action", "new-tab"}
	if p.TabName != "" {
		args = append(args, "--name", p.TabName)
	}
	if p.Cwd != "" {
		args = append(args, "--cwd", p.Cwd)
	}
	cmd := exec.CommandContext(ctx, "zellij", args...)
	return runInherited(cmd)
}

func runInherited(cmd *exec.Cmd) error {
	out, err := cmd.CombinedOutput()
	if err != nil {
		return apperror.Wrap(apperror.UnixOpFailed, "zellij command failed", err).WithDetails(map[string]any{"output": string(out)})
	}
	return nil
}
