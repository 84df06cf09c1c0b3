// Package unixname derives Unix account and group names for Agor's
// impersonation and worktree-isolation scheme.
package unixname

import (
	"regexp"
	"strings"

	"github.com/agor-dev/agor/internal/common/idutil"
)

const (
	maxUsernameLen = 32
	fallbackUser   = "agor_user"
)

var invalidUsernameChar = regexp.MustCompile(`[^a-z0-9_-]`)

// DeriveUsername derives a Unix username from a user's email address:
// strip the @domain, replace '.' with '_', lowercase, restrict to
// [a-z0-9_-], prefix "u_" if the result starts with a digit or dash,
// truncate to 32 characters, falling back to "agor_user" if the result is
// empty. The function is pure and a fixed point on any string already
// valid under this scheme.
func DeriveUsername(email string) string {
	local := email
	if at := strings.IndexByte(email, '@'); at >= 0 {
		local = email[:at]
	}

	name := strings.ToLower(local)
	name = strings.ReplaceAll(name, ".", "_")
	name = invalidUsernameChar.ReplaceAllString(name, "")

	if name == "" {
		return fallbackUser
	}

	if name[0] >= '0' && name[0] <= '9' || name[0] == '-' {
		name = "u_" + name
	}

	if len(name) > maxUsernameLen {
		name = name[:maxUsernameLen]
	}

	if name == "" {
		return fallbackUser
	}
	return name
}

// GlobalUsersGroup is the single Unix group every provisioned Agor account
// belongs to, independent of any repo.
const GlobalUsersGroup = "agor_users"

// WorktreeGroup derives the per-worktree Unix group name used to grant
// others_fs_access to a Worktree's directory tree.
func WorktreeGroup(worktreeID string) string {
	return "agor_wt_" + idutil.ShortID(worktreeID)
}

// RepoGroup derives the per-repo Unix group name used to grant
// others_can=all collaborators access to every worktree under a Repo.
func RepoGroup(repoID string) string {
	return "agor_repo_" + idutil.ShortID(repoID)
}
