package gitlog

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// RepositoryInfo resolves the remote URL and current branch of the checkout
// containing dir
func RepositoryInfo(dir string) (*Repository, error) {
	repo, err := repositoryInfo(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get repository info: %w", err)
	}
	return repo, nil
}

func repositoryInfo(dir string) (*Repository, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	repo, err := git.PlainOpenWithOptions(abs, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", abs, err)
	}
	remoteURL, err := remoteURL(repo)
	if err != nil {
		return nil, err
	}
	branch, err := currentBranch(repo)
	if err != nil {
		return nil, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("reading worktree: %w", err)
	}
	return &Repository{
		RemoteURL:     remoteURL,
		CurrentBranch: branch,
		Path:          worktree.Filesystem.Root(),
	}, nil
}

// remoteURL prefers origin and falls back to the first configured remote
func remoteURL(repo *git.Repository) (string, error) {
	remote, err := repo.Remote("origin")
	if err != nil {
		if !errors.Is(err, git.ErrRemoteNotFound) {
			return "", fmt.Errorf("reading remote: %w", err)
		}
		remotes, err := repo.Remotes()
		if err != nil {
			return "", fmt.Errorf("listing remotes: %w", err)
		}
		if len(remotes) == 0 {
			return "", errors.New("no remote configured")
		}
		remote = remotes[0]
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", fmt.Errorf("remote %q has no url", remote.Config().Name)
	}
	return urls[0], nil
}

// currentBranch reads HEAD without resolving it, so a branch without any
// commits still has a name. A detached HEAD is reported as "HEAD".
func currentBranch(repo *git.Repository) (string, error) {
	head, err := repo.Reference(plumbing.HEAD, false)
	if err != nil {
		return "", fmt.Errorf("reading HEAD: %w", err)
	}
	if head.Type() == plumbing.SymbolicReference && head.Target().IsBranch() {
		return head.Target().Short(), nil
	}
	return "HEAD", nil
}
