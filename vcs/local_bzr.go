package vcs

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
)

// LocalBzrManager serves bzr shared repositories from a directory holding one
// repository per codebase, with branches as subdirectories.
type LocalBzrManager struct {
	basePath string
	engine   bzrEngine
	locks    *repoLocks
}

// NewLocalBzrManager creates a manager rooted at basePath that runs command
// (usually "bzr" or "brz") for diffs and ancestry walks.
func NewLocalBzrManager(basePath, command string) *LocalBzrManager {
	if command == "" {
		command = "bzr"
	}
	return &LocalBzrManager{
		basePath: absPath(basePath),
		engine:   &bzrCLI{command: command},
		locks:    newRepoLocks(),
	}
}

// BasePath returns the root directory.
func (m *LocalBzrManager) BasePath() string {
	return m.basePath
}

func (m *LocalBzrManager) String() string {
	return fmt.Sprintf("LocalBzrManager(%q)", m.basePath)
}

func (m *LocalBzrManager) Kind() Kind {
	return Bzr
}

func (m *LocalBzrManager) GetBranchURL(codebase, branchName string) *url.URL {
	return fileURL(filepath.Join(m.basePath, codebase, branchName))
}

func (m *LocalBzrManager) GetRepositoryURL(codebase string) *url.URL {
	return fileURL(filepath.Join(m.basePath, codebase))
}

// GetBranch opens a branch of the codebase. Branches live in the shared
// repository of the codebase or, when it has none, carry their own.
func (m *LocalBzrManager) GetBranch(ctx context.Context, codebase, branchName string) (Branch, error) {
	shared, err := m.repository(codebase)
	if err != nil {
		return nil, err
	}
	b, err := openBzrBranch(ctx, readLocalControlFile, m.GetBranchURL(codebase, branchName), branchName, nil)
	if err != nil {
		var oe *OpenError
		if errors.As(err, &oe) && (oe.Cause == CauseMissing || oe.Cause == CauseUnavailable) {
			return nil, nil
		}
		return nil, err
	}
	if shared != nil {
		b.repo = shared
		return b, nil
	}
	own, err := standaloneRepository(b.url)
	if err != nil {
		return nil, err
	}
	b.repo = own
	return b, nil
}

// standaloneRepository opens the repository embedded in the branch at
// branchURL.
func standaloneRepository(branchURL string) (*bzrRepository, error) {
	u, err := url.Parse(branchURL)
	if err != nil {
		return nil, &OpenError{Cause: CauseOther, URL: branchURL, Description: err.Error(), Err: err}
	}
	path := filepath.FromSlash(u.Path)
	_, err = os.Stat(filepath.Join(path, ".bzr", "repository"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, &OpenError{
			Cause:       CauseOther,
			URL:         branchURL,
			Description: "branch has no repository",
			Err:         err,
		}
	}
	if err != nil {
		return nil, fmt.Errorf("opening repository: %w", err)
	}
	return &bzrRepository{location: path}, nil
}

func (m *LocalBzrManager) GetRepository(ctx context.Context, codebase string) (Repository, error) {
	repo, err := m.repository(codebase)
	if err != nil || repo == nil {
		return nil, err
	}
	return repo, nil
}

func (m *LocalBzrManager) repository(codebase string) (*bzrRepository, error) {
	path := filepath.Join(m.basePath, codebase)
	_, err := os.Stat(filepath.Join(path, ".bzr", "repository"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening repository: %w", err)
	}
	return &bzrRepository{location: path}, nil
}

func (m *LocalBzrManager) mustRepository(codebase string) (*bzrRepository, error) {
	repo, err := m.repository(codebase)
	if err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, fmt.Errorf("no bzr repository for codebase %q: %w", codebase, os.ErrNotExist)
	}
	return repo, nil
}

func (m *LocalBzrManager) ListRepositories() ([]string, error) {
	return listDirectories(m.basePath)
}

func (m *LocalBzrManager) GetDiff(ctx context.Context, codebase string, oldRevID, newRevID RevisionID) ([]byte, error) {
	if oldRevID.Equal(newRevID) {
		return []byte{}, nil
	}
	repo, err := m.mustRepository(codebase)
	if err != nil {
		return nil, err
	}
	return m.engine.Diff(ctx, repo.location, oldRevID, newRevID)
}

// GetRevisionInfo walks the mainline of newRevID back to oldRevID while
// holding the repository read lock.
func (m *LocalBzrManager) GetRevisionInfo(ctx context.Context, codebase string, oldRevID, newRevID RevisionID) ([]RevisionInfo, error) {
	repo, err := m.mustRepository(codebase)
	if err != nil {
		return nil, err
	}

	unlock := m.locks.readLock(repo.location)
	defer unlock()

	revs, err := m.engine.LeftHandAncestry(ctx, repo.location, newRevID, oldRevID)
	if err != nil {
		return nil, fmt.Errorf("walking ancestry of %s in %s: %w", newRevID, codebase, err)
	}
	ret := make([]RevisionInfo, 0, len(revs))
	seen := make(map[string]bool, len(revs))
	for _, rev := range revs {
		if rev.RevisionID.Equal(oldRevID) || seen[rev.RevisionID.String()] {
			continue
		}
		seen[rev.RevisionID.String()] = true
		ret = append(ret, rev)
	}
	return ret, nil
}
