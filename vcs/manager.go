package vcs

import (
	"context"
	"errors"
	"net/url"

	"github.com/go-git/go-git/v5"
	"k8s.io/klog/v2"
)

// RevisionInfo describes one revision found while walking ancestry.
type RevisionInfo struct {
	CommitID   []byte     `json:"commit-id,omitempty"`
	RevisionID RevisionID `json:"revision-id"`
	Message    string     `json:"message"`
	Link       string     `json:"link,omitempty"`
}

// Repository is an opened codebase repository.
type Repository interface {
	Kind() Kind
	// Location is the filesystem path or URL the repository was opened from.
	Location() string
}

// Branch is an opened branch.
type Branch interface {
	Name() string
	URL() string
	Repository() Repository
	LastRevision(ctx context.Context) (RevisionID, error)
}

// Manager provides access to the repositories of one VCS kind under one
// root directory or store URL. Codebases are named per call.
type Manager interface {
	Kind() Kind

	// GetBranch opens a branch. It returns nil (and no error) when the branch
	// does not exist or is temporarily unreachable.
	GetBranch(ctx context.Context, codebase, branchName string) (Branch, error)
	GetBranchURL(codebase, branchName string) *url.URL

	// GetRepository returns nil if the codebase has no repository yet.
	GetRepository(ctx context.Context, codebase string) (Repository, error)
	GetRepositoryURL(codebase string) *url.URL
	ListRepositories() ([]string, error)

	// GetDiff returns the unified diff between two revisions, empty when they
	// are equal.
	GetDiff(ctx context.Context, codebase string, oldRevID, newRevID RevisionID) ([]byte, error)
	// GetRevisionInfo lists the revisions reachable from newRevID but not from
	// oldRevID, newest first.
	GetRevisionInfo(ctx context.Context, codebase string, oldRevID, newRevID RevisionID) ([]RevisionInfo, error)
}

// gitStore is implemented by repositories backed by a git object store.
type gitStore interface {
	GitRepository() *git.Repository
}

// GitStore returns the git object store of repo, if it has one.
func GitStore(repo Repository) (*git.Repository, bool) {
	if gs, ok := repo.(gitStore); ok && gs.GitRepository() != nil {
		return gs.GitRepository(), true
	}
	return nil, false
}

// RepositoryKind reports the VCS kind of repo. Repositories that expose a git
// object store are git; a nil repository is reported as bzr.
func RepositoryKind(repo Repository) Kind {
	if repo == nil {
		return Bzr
	}
	if _, ok := GitStore(repo); ok {
		return Git
	}
	return repo.Kind()
}

// BranchKind reports the VCS kind of the repository a branch lives in.
func BranchKind(b Branch) Kind {
	return RepositoryKind(b.Repository())
}

// BranchOpener opens branches on a remote transport.
type BranchOpener interface {
	OpenBranch(ctx context.Context, branchURL *url.URL) (Branch, error)
}

// tolerated reports whether err from opening a cached branch only means the
// store has not mirrored the branch yet.
func tolerated(err error) bool {
	switch {
	case errors.Is(err, ErrNotBranch),
		errors.Is(err, ErrRemoteProtocol),
		errors.Is(err, ErrInvalidHTTPResponse),
		errors.Is(err, ErrBranchReferenceLoop):
		return true
	case errors.Is(err, ErrConnection):
		klog.Infof("Unable to reach cache server: %v", err)
		return true
	}
	return false
}

// openCachedBranch opens a branch on a VCS store, treating misses as nil.
func openCachedBranch(ctx context.Context, opener BranchOpener, branchURL *url.URL) (Branch, error) {
	b, err := opener.OpenBranch(ctx, branchURL)
	if err != nil {
		if tolerated(err) {
			return nil, nil
		}
		return nil, err
	}
	return b, nil
}

// OpenBranchExt opens rawURL and converts structured open failures into a
// *BranchOpenFailure using c.
func OpenBranchExt(ctx context.Context, opener BranchOpener, c *Classifier, rawURL string) (Branch, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &BranchOpenFailure{Code: CodeUnknown, Description: err.Error()}
	}
	b, err := opener.OpenBranch(ctx, u)
	if err != nil {
		var oe *OpenError
		if errors.As(err, &oe) {
			return nil, c.Classify(rawURL, oe)
		}
		return nil, err
	}
	return b, nil
}
