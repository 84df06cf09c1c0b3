package repoclone

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/go-github/v68/github"
)

// GitHubResolver looks up a github.com repository's default branch through
// the GitHub API, so a registered repo whose caller didn't specify one gets
// the project's real default instead of an assumed "main".
type GitHubResolver struct {
	client *github.Client
}

// NewGitHubResolver builds a resolver. An empty token still works against
// GitHub's public, unauthenticated rate limit; it is only required for
// private repositories.
func NewGitHubResolver(token string) *GitHubResolver {
	client := github.NewClient(nil)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	return &GitHubResolver{client: client}
}

// ResolveDefaultBranch returns owner/name's default branch on github.com.
func (r *GitHubResolver) ResolveDefaultBranch(ctx context.Context, owner, name string) (string, error) {
	repo, _, err := r.client.Repositories.Get(ctx, owner, name)
	if err != nil {
		return "", err
	}
	return repo.GetDefaultBranch(), nil
}

// IsGitHubRemote reports whether remoteURL points at github.com, covering
// both the SSH (git@github.com:owner/name.git) and HTTPS
// (https://github.com/owner/name.git) forms CloneURL produces.
func IsGitHubRemote(remoteURL string) bool {
	return strings.Contains(remoteURL, "github.com")
}

// httpStatus extracts the HTTP status code from a *github.ErrorResponse, or
// 0 if err isn't one (e.g. a network error).
func httpStatus(err error) int {
	if ghErr, ok := err.(*github.ErrorResponse); ok && ghErr.Response != nil {
		return ghErr.Response.StatusCode
	}
	return 0
}

// IsNotFound reports whether err is a GitHub 404, meaning owner/name either
// doesn't exist or isn't visible with the configured token.
func IsNotFound(err error) bool {
	return httpStatus(err) == http.StatusNotFound
}
