package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// GitHistory reads earlier revisions of mirror files from the git repository
// that contains the store
type GitHistory struct {
	Dir string // working directory, usually the store root
	Rev string // revision to read from, e.g. "HEAD^"
}

// Previous implements History using `git show <rev>:./<path>`
func (g *GitHistory) Previous(ctx context.Context, relPath string) ([]byte, error) {
	rev := g.Rev
	if rev == "" {
		rev = "HEAD^"
	}

	cmd := exec.CommandContext(ctx, "git", "show", rev+":./"+filepath.ToSlash(relPath))
	cmd.Dir = g.Dir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && isMissingPath(stderr.String()) {
			return nil, fmt.Errorf("%w: %s at %s", ErrNotFound, relPath, rev)
		}
		return nil, fmt.Errorf("git show %s:%s: %w (%s)", rev, relPath, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

func isMissingPath(stderr string) bool {
	return strings.Contains(stderr, "does not exist") ||
		strings.Contains(stderr, "exists on disk, but not in")
}
