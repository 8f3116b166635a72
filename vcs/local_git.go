package vcs

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// LocalGitManager serves git repositories from a directory holding one
// repository per codebase.
type LocalGitManager struct {
	basePath string
	// Command is the git executable used to render diffs.
	Command string
}

// NewLocalGitManager creates a manager rooted at basePath.
func NewLocalGitManager(basePath string) *LocalGitManager {
	return &LocalGitManager{basePath: absPath(basePath), Command: "git"}
}

// BasePath returns the root directory.
func (m *LocalGitManager) BasePath() string {
	return m.basePath
}

func (m *LocalGitManager) String() string {
	return fmt.Sprintf("LocalGitManager(%q)", m.basePath)
}

func (m *LocalGitManager) Kind() Kind {
	return Git
}

func (m *LocalGitManager) GetBranchURL(codebase, branchName string) *url.URL {
	u := fileURL(filepath.Join(m.basePath, codebase))
	u.RawQuery = url.Values{"branch": {branchName}}.Encode()
	return u
}

func (m *LocalGitManager) GetRepositoryURL(codebase string) *url.URL {
	return fileURL(filepath.Join(m.basePath, codebase))
}

func (m *LocalGitManager) GetBranch(ctx context.Context, codebase, branchName string) (Branch, error) {
	b, err := m.openBranch(codebase, branchName)
	if err != nil {
		var oe *OpenError
		if errors.As(err, &oe) && (oe.Cause == CauseMissing || oe.Cause == CauseUnavailable) {
			return nil, nil
		}
		return nil, err
	}
	return b, nil
}

func (m *LocalGitManager) openBranch(codebase, branchName string) (*gitBranch, error) {
	branchURL := m.GetBranchURL(codebase, branchName).String()
	path := filepath.Join(m.basePath, codebase)
	repo, err := openGitRepository(path)
	if err != nil {
		cause := CauseUnavailable
		if errors.Is(err, git.ErrRepositoryNotExists) {
			cause = CauseMissing
		}
		return nil, &OpenError{Cause: cause, URL: branchURL, Description: err.Error(), Err: err}
	}

	head, err := repo.branchHead(branchName)
	switch {
	case err == nil:
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		return nil, &OpenError{
			Cause:       CauseMissing,
			URL:         branchURL,
			Description: fmt.Sprintf("Branch does not exist: no branch %q in %s", branchName, path),
			Err:         fmt.Errorf("%w: %w", ErrNotBranch, err),
		}
	case errors.Is(err, storer.ErrMaxResolveRecursion):
		return nil, &OpenError{
			Cause:       CauseOther,
			URL:         branchURL,
			Description: err.Error(),
			Err:         fmt.Errorf("%w: %w", ErrBranchReferenceLoop, err),
		}
	default:
		return nil, &OpenError{Cause: CauseUnavailable, URL: branchURL, Description: err.Error(), Err: err}
	}
	return &gitBranch{repo: repo, name: branchName, url: branchURL, head: head}, nil
}

func (m *LocalGitManager) GetRepository(ctx context.Context, codebase string) (Repository, error) {
	repo, err := m.repository(codebase)
	if err != nil || repo == nil {
		return nil, err
	}
	return repo, nil
}

func (m *LocalGitManager) repository(codebase string) (*gitRepository, error) {
	repo, err := openGitRepository(filepath.Join(m.basePath, codebase))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return repo, nil
}

func (m *LocalGitManager) ListRepositories() ([]string, error) {
	return listDirectories(m.basePath)
}

func (m *LocalGitManager) GetDiff(ctx context.Context, codebase string, oldRevID, newRevID RevisionID) ([]byte, error) {
	if oldRevID.Equal(newRevID) {
		return []byte{}, nil
	}
	repo, err := m.mustRepository(codebase)
	if err != nil {
		return nil, err
	}
	oldSHA, err := m.treeish(repo, oldRevID)
	if err != nil {
		return nil, err
	}
	newSHA, err := m.treeish(repo, newRevID)
	if err != nil {
		return nil, err
	}
	return runCommand(ctx, repo.path, nil, m.Command, "diff", oldSHA, newSHA)
}

// treeish resolves id through the repository; null maps to the empty tree.
func (m *LocalGitManager) treeish(repo *gitRepository, id RevisionID) (string, error) {
	if id.IsNull() {
		return EmptyGitTree, nil
	}
	c, err := repo.commit(id)
	if err != nil {
		return "", err
	}
	return c.Hash.String(), nil
}

func (m *LocalGitManager) GetRevisionInfo(ctx context.Context, codebase string, oldRevID, newRevID RevisionID) ([]RevisionInfo, error) {
	repo, err := m.mustRepository(codebase)
	if err != nil {
		return nil, err
	}
	return repo.revisionsBetween(ctx, oldRevID, newRevID)
}

func (m *LocalGitManager) mustRepository(codebase string) (*gitRepository, error) {
	repo, err := m.repository(codebase)
	if err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, fmt.Errorf("no git repository for codebase %q: %w", codebase, os.ErrNotExist)
	}
	return repo, nil
}

func absPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

func fileURL(path string) *url.URL {
	return &url.URL{Scheme: "file", Path: filepath.ToSlash(path)}
}

// listDirectories returns the names of the directories directly under root.
func listDirectories(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("listing repositories: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
