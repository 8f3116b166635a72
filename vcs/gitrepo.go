package vcs

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// gitRepository wraps a go-git repository for one codebase.
type gitRepository struct {
	repo *git.Repository
	path string
}

// openGitRepository opens an existing git repository.
func openGitRepository(path string) (*gitRepository, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("opening repository: %w", err)
	}
	return &gitRepository{repo: repo, path: path}, nil
}

func (r *gitRepository) Kind() Kind                     { return Git }
func (r *gitRepository) Location() string               { return r.path }
func (r *gitRepository) GitRepository() *git.Repository { return r.repo }

// branchHead resolves refs/heads/<name> to a commit id.
func (r *gitRepository) branchHead(name string) (plumbing.Hash, error) {
	ref, err := r.repo.Reference(plumbing.NewBranchReferenceName(name), true)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return ref.Hash(), nil
}

// commit looks up the commit a revision id maps to.
func (r *gitRepository) commit(id RevisionID) (*object.Commit, error) {
	hash, err := CommitForRevisionID(id)
	if err != nil {
		return nil, err
	}
	c, err := r.repo.CommitObject(hash)
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchRevision, id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting commit %s: %w", hash, err)
	}
	return c, nil
}

// revisionsBetween walks from newID towards oldID, skipping every ancestor of
// oldID. Each commit is reported once, newest first.
func (r *gitRepository) revisionsBetween(ctx context.Context, oldID, newID RevisionID) ([]RevisionInfo, error) {
	if newID.IsNull() {
		return nil, nil
	}
	head, err := r.commit(newID)
	if err != nil {
		return nil, err
	}

	exclude := make(map[plumbing.Hash]bool)
	if !oldID.IsNull() {
		base, err := r.commit(oldID)
		if err != nil {
			return nil, err
		}
		err = object.NewCommitPreorderIter(base, nil, nil).ForEach(func(c *object.Commit) error {
			exclude[c.Hash] = true
			return ctx.Err()
		})
		if err != nil {
			return nil, fmt.Errorf("walking ancestry of %s: %w", oldID, err)
		}
	}

	var ret []RevisionInfo
	iter := object.NewCommitPreorderIter(head, exclude, nil)
	defer iter.Close()
	for {
		c, err := iter.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("walking ancestry of %s: %w", newID, err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ret = append(ret, RevisionInfo{
			CommitID:   []byte(c.Hash.String()),
			RevisionID: RevisionIDForCommit(c.Hash),
			Message:    c.Message,
		})
	}
	return ret, nil
}

// gitBranch is a branch in a local git repository.
type gitBranch struct {
	repo *gitRepository
	name string
	url  string
	head plumbing.Hash
}

func (b *gitBranch) Name() string           { return b.name }
func (b *gitBranch) URL() string            { return b.url }
func (b *gitBranch) Repository() Repository { return b.repo }

func (b *gitBranch) LastRevision(ctx context.Context) (RevisionID, error) {
	if b.head.IsZero() {
		return NullRevision, nil
	}
	return RevisionIDForCommit(b.head), nil
}
