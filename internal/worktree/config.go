package worktree

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
)

// ExpandBasePath expands a leading "~/" in path to the user's home directory.
func ExpandBasePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

// SanitizeForBranch converts name into a valid git branch name component:
// lowercased, non-alphanumeric runs collapsed to single hyphens, trimmed,
// truncated to maxLen.
func SanitizeForBranch(name string, maxLen int) string {
	if name == "" {
		return ""
	}
	var sb strings.Builder
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('-')
		}
	}
	result := regexp.MustCompile(`-+`).ReplaceAllString(sb.String(), "-")
	result = strings.Trim(result, "-")
	if len(result) > maxLen {
		result = strings.TrimRight(result[:maxLen], "-")
	}
	return result
}
