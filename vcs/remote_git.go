package vcs

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/pktline"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
)

// RemoteGitManager accesses git repositories through a VCS store server.
type RemoteGitManager struct {
	remoteBase
}

// NewRemoteGitManager creates a manager for the git store at baseURL.
func NewRemoteGitManager(baseURL *url.URL, opts ...RemoteOption) *RemoteGitManager {
	var o remoteOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.opener == nil {
		o.opener = &gitOpener{}
	}
	return &RemoteGitManager{remoteBase{
		kind:          Git,
		store:         newStoreClient(baseURL, o.httpClient),
		opener:        o.opener,
		storeRevision: gitRemoteRevision,
	}}
}

func (m *RemoteGitManager) GetBranchURL(codebase, branchName string) *url.URL {
	u := m.store.codebaseURL(codebase)
	u.RawQuery = url.Values{"branch": {branchName}}.Encode()
	return u
}

func (m *RemoteGitManager) GetBranch(ctx context.Context, codebase, branchName string) (Branch, error) {
	return openCachedBranch(ctx, m.opener, m.GetBranchURL(codebase, branchName))
}

// remoteGitBranch is a branch head as advertised by a git server.
type remoteGitBranch struct {
	name string
	url  string
	repo *remoteRepository
	head plumbing.Hash
}

func (b *remoteGitBranch) Name() string           { return b.name }
func (b *remoteGitBranch) URL() string            { return b.url }
func (b *remoteGitBranch) Repository() Repository { return b.repo }

func (b *remoteGitBranch) LastRevision(ctx context.Context) (RevisionID, error) {
	if b.head.IsZero() {
		return NullRevision, nil
	}
	return RevisionIDForCommit(b.head), nil
}

// gitOpener opens branches over the git smart HTTP protocol. Branch URLs
// carry the branch name in the "branch" query parameter.
type gitOpener struct{}

// splitBranchURL separates the repository URL from the branch parameter.
func splitBranchURL(branchURL *url.URL) (repoURL *url.URL, branch string) {
	u := *branchURL
	branch = u.Query().Get("branch")
	u.RawQuery = ""
	u.Fragment = ""
	return &u, branch
}

func (o *gitOpener) listRefs(ctx context.Context, repoURL *url.URL) ([]*plumbing.Reference, error) {
	remote := git.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: "origin",
		URLs: []string{repoURL.String()},
	})
	return remote.ListContext(ctx, &git.ListOptions{})
}

func (o *gitOpener) OpenBranch(ctx context.Context, branchURL *url.URL) (Branch, error) {
	repoURL, branch := splitBranchURL(branchURL)
	refs, err := o.listRefs(ctx, repoURL)
	if err != nil {
		return nil, convertGitError(branchURL.String(), err)
	}

	want := plumbing.HEAD
	if branch != "" {
		want = plumbing.NewBranchReferenceName(branch)
	}
	head, err := resolveAdvertised(refs, want)
	if err != nil {
		return nil, &OpenError{
			Cause:       CauseMissing,
			URL:         branchURL.String(),
			Description: fmt.Sprintf("Branch does not exist: Not a branch: %q", branchURL.String()),
			Err:         err,
		}
	}
	return &remoteGitBranch{
		name: branch,
		url:  branchURL.String(),
		repo: &remoteRepository{kind: Git, url: repoURL.String()},
		head: head,
	}, nil
}

// OpenRepository probes for a repository. An empty repository exists.
func (o *gitOpener) OpenRepository(ctx context.Context, repoURL *url.URL) (Repository, error) {
	_, err := o.listRefs(ctx, repoURL)
	if err != nil && !errors.Is(err, transport.ErrEmptyRemoteRepository) {
		return nil, convertGitError(repoURL.String(), err)
	}
	return &remoteRepository{kind: Git, url: repoURL.String()}, nil
}

// resolveAdvertised follows symbolic references among advertised refs.
func resolveAdvertised(refs []*plumbing.Reference, name plumbing.ReferenceName) (plumbing.Hash, error) {
	byName := make(map[plumbing.ReferenceName]*plumbing.Reference, len(refs))
	for _, ref := range refs {
		byName[ref.Name()] = ref
	}
	seen := make(map[plumbing.ReferenceName]bool)
	for {
		if seen[name] {
			return plumbing.ZeroHash, fmt.Errorf("%w: %s", ErrBranchReferenceLoop, name)
		}
		seen[name] = true
		ref, ok := byName[name]
		if !ok {
			return plumbing.ZeroHash, fmt.Errorf("%w: %s", ErrNotBranch, name)
		}
		if ref.Type() != plumbing.SymbolicReference {
			return ref.Hash(), nil
		}
		name = ref.Target()
	}
}

// convertGitError converts a go-git transport failure into an OpenError.
func convertGitError(rawURL string, err error) error {
	switch {
	case errors.Is(err, transport.ErrRepositoryNotFound),
		errors.Is(err, transport.ErrEmptyRemoteRepository):
		return &OpenError{
			Cause:       CauseMissing,
			URL:         rawURL,
			Description: fmt.Sprintf("Branch does not exist: Not a branch: %q", rawURL),
			Err:         fmt.Errorf("%w: %w", ErrNotBranch, err),
		}
	case errors.Is(err, transport.ErrAuthenticationRequired):
		return &OpenError{
			Cause:       CauseUnavailable,
			URL:         rawURL,
			Description: fmt.Sprintf("Unexpected HTTP status 401 for %s", rawURL),
			Err:         fmt.Errorf("%w: %w", ErrInvalidHTTPResponse, err),
		}
	case errors.Is(err, transport.ErrAuthorizationFailed):
		return &OpenError{
			Cause:       CauseUnavailable,
			URL:         rawURL,
			Description: fmt.Sprintf("Unexpected HTTP status 403 for %s", rawURL),
			Err:         fmt.Errorf("%w: %w", ErrInvalidHTTPResponse, err),
		}
	case errors.Is(err, packp.ErrEmptyAdvRefs), errors.Is(err, packp.ErrEmptyInput):
		return &OpenError{
			Cause:       CauseUnavailable,
			URL:         rawURL,
			Description: err.Error(),
			Err:         fmt.Errorf("%w: %w", ErrRemoteProtocol, err),
		}
	}

	inner := err
	var unexpected *plumbing.UnexpectedError
	if errors.As(err, &unexpected) && unexpected.Err != nil {
		inner = unexpected.Err
	}

	var httpErr *githttp.Err
	if errors.As(inner, &httpErr) && httpErr.Response != nil {
		return httpOpenError(rawURL, httpErr.Response)
	}
	var errLine *pktline.ErrorLine
	if errors.As(inner, &errLine) {
		return &OpenError{
			Cause:       CauseUnavailable,
			URL:         rawURL,
			Description: errLine.Error(),
			Err:         fmt.Errorf("%w: %w", ErrRemoteProtocol, inner),
		}
	}
	return transportOpenError(rawURL, inner)
}
