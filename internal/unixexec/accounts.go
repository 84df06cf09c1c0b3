package unixexec

import (
	"context"
	"fmt"
	"strings"

	"github.com/agor-dev/agor/internal/common/unixname"
)

// AccountManager provisions the Unix groups and user accounts Agor's
// impersonation modes (simple/insulated/strict) and worktree ACL sync depend
// on. Every operation is idempotent: calling it again when the target
// already exists in the desired state is a no-op, not an error.
type AccountManager struct {
	runner Runner
	shell  string
}

func NewAccountManager(runner Runner, shellPath string) *AccountManager {
	if shellPath == "" {
		shellPath = "/bin/bash"
	}
	return &AccountManager{runner: runner, shell: shellPath}
}

// EnsureGroup creates group if it doesn't already exist.
func (a *AccountManager) EnsureGroup(ctx context.Context, group string) error {
	if a.groupExists(ctx, group) {
		return nil
	}
	_, err := a.runner.Run(ctx, "groupadd", group)
	return err
}

func (a *AccountManager) groupExists(ctx context.Context, group string) bool {
	_, err := a.runner.Run(ctx, "getent", "group", group)
	return err == nil
}

func (a *AccountManager) userExists(ctx context.Context, username string) bool {
	_, err := a.runner.Run(ctx, "id", "-u", username)
	return err == nil
}

// EnsureUser creates username (home dir, shell, primary group agor_users) if
// it doesn't already exist, then ensures membership in every group listed in
// supplementaryGroups (the global group agor_users plus per-repo/per-worktree
// groups).
func (a *AccountManager) EnsureUser(ctx context.Context, username string, supplementaryGroups []string) error {
	if username == "" {
		return fmt.Errorf("unixexec: empty username")
	}
	if err := a.EnsureGroup(ctx, unixname.GlobalUsersGroup); err != nil {
		return err
	}
	if !a.userExists(ctx, username) {
		args := []string{
			"-m",
			"-g", unixname.GlobalUsersGroup,
			"-s", a.shell,
		}
		if len(supplementaryGroups) > 0 {
			args = append(args, "-G", strings.Join(supplementaryGroups, ","))
		}
		args = append(args, username)
		if _, err := a.runner.Run(ctx, "useradd", args...); err != nil {
			return err
		}
		return nil
	}
	return a.syncSupplementaryGroups(ctx, username, supplementaryGroups)
}

func (a *AccountManager) syncSupplementaryGroups(ctx context.Context, username string, groups []string) error {
	for _, g := range groups {
		if _, err := a.runner.Run(ctx, "usermod", "-a", "-G", g, username); err != nil {
			return err
		}
	}
	return nil
}

// RemoveUser deletes username's account and home directory (userdel -r);
// it is a no-op when the account does not exist. No worktree teardown path
// calls it: accounts are kept, and group membership is what gates
// filesystem access.
func (a *AccountManager) RemoveUser(ctx context.Context, username string) error {
	if !a.userExists(ctx, username) {
		return nil
	}
	_, err := a.runner.Run(ctx, "userdel", "-r", username)
	return err
}

// SetACL grants group perm ("read" or "write") on path via POSIX ACLs, and a
// default ACL so new files created under path inherit it.
func (a *AccountManager) SetACL(ctx context.Context, path, group, perm string) error {
	mode := "r-x"
	if perm == "write" {
		mode = "rwx"
	}
	spec := fmt.Sprintf("g:%s:%s", group, mode)
	if _, err := a.runner.Run(ctx, "setfacl", "-R", "-m", spec, path); err != nil {
		return err
	}
	_, err := a.runner.Run(ctx, "setfacl", "-R", "-d", "-m", spec, path)
	return err
}

// RemoveACL strips group's ACL entry from path entirely (others_fs_access
// transitioning to "none").
func (a *AccountManager) RemoveACL(ctx context.Context, path, group string) error {
	if _, err := a.runner.Run(ctx, "setfacl", "-R", "-x", "g:"+group, path); err != nil {
		return err
	}
	_, err := a.runner.Run(ctx, "setfacl", "-R", "-d", "-x", "g:"+group, path)
	return err
}
