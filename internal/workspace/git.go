// Package workspace resolves build-context git roots and owns the registry
// of temporary files a run creates for injected config, both consumed by
// internal/engine's BuildImage and DeleteTemporaryFile steps.
package workspace

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
)

// ErrNotAGitRepository is returned by GitRoot when contextPath is not inside
// a git working tree. Callers treat this as "no content hash available", not
// as a fatal condition: an image build context need not live in a repo.
var ErrNotAGitRepository = errors.New("workspace: not inside a git repository")

// GitRoot walks upward from contextPath looking for a containing git
// repository (mirroring `git rev-parse --show-toplevel`) and returns its
// worktree root.
func GitRoot(contextPath string) (string, error) {
	repo, err := git.PlainOpenWithOptions(contextPath, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return "", ErrNotAGitRepository
		}
		return "", fmt.Errorf("workspace: opening repository containing %s: %w", contextPath, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("workspace: resolving worktree for %s: %w", contextPath, err)
	}
	return wt.Filesystem.Root(), nil
}

// ContentHash returns the git commit hash the context directory's repository
// is currently checked out at, used to tag built images deterministically
// (§4.3's BuildImage step needs some stable tag; the working tree's HEAD
// commit is the natural choice when the context is version-controlled).
// ErrNotAGitRepository is returned unwrapped when contextPath is not in a
// repository, so callers can fall back to an untagged/latest build.
func ContentHash(contextPath string) (string, error) {
	repo, err := git.PlainOpenWithOptions(contextPath, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return "", ErrNotAGitRepository
		}
		return "", fmt.Errorf("workspace: opening repository containing %s: %w", contextPath, err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("workspace: resolving HEAD for %s: %w", contextPath, err)
	}
	return head.Hash().String(), nil
}
