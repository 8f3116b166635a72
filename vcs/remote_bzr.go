package vcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RemoteBzrManager accesses bzr repositories through a VCS store server.
type RemoteBzrManager struct {
	remoteBase
}

// NewRemoteBzrManager creates a manager for the bzr store at baseURL.
func NewRemoteBzrManager(baseURL *url.URL, opts ...RemoteOption) *RemoteBzrManager {
	var o remoteOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.opener == nil {
		o.opener = newBzrHTTPOpener(o.httpClient)
	}
	return &RemoteBzrManager{remoteBase{
		kind:          Bzr,
		store:         newStoreClient(baseURL, o.httpClient),
		opener:        o.opener,
		storeRevision: bzrRemoteRevision,
	}}
}

func bzrRemoteRevision(r RevisionID, _ string) (string, error) {
	if r.IsNull() {
		return nullRevision, nil
	}
	return r.String(), nil
}

func (m *RemoteBzrManager) GetBranchURL(codebase, branchName string) *url.URL {
	return m.store.codebaseURL(codebase, branchName)
}

func (m *RemoteBzrManager) GetBranch(ctx context.Context, codebase, branchName string) (Branch, error) {
	return openCachedBranch(ctx, m.opener, m.GetBranchURL(codebase, branchName))
}

// bzrHTTPOpener reads bzr control directories over plain HTTP.
type bzrHTTPOpener struct {
	client *http.Client
}

func newBzrHTTPOpener(client *http.Client) *bzrHTTPOpener {
	if client == nil {
		client = &http.Client{Timeout: time.Minute}
	}
	return &bzrHTTPOpener{client: client}
}

func (o *bzrHTTPOpener) OpenBranch(ctx context.Context, branchURL *url.URL) (Branch, error) {
	segments := strings.Split(strings.TrimSuffix(branchURL.Path, "/"), "/")
	name := segments[len(segments)-1]
	repoURL := branchURL.JoinPath("..")
	b, err := openBzrBranch(ctx, o.readControlFile, branchURL, name,
		&remoteRepository{kind: Bzr, url: repoURL.String()})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// OpenRepository probes for the shared repository at repoURL.
func (o *bzrHTTPOpener) OpenRepository(ctx context.Context, repoURL *url.URL) (Repository, error) {
	if _, err := o.readControlFile(ctx, repoURL, ".bzr/repository/format"); err != nil {
		return nil, err
	}
	return &remoteRepository{kind: Bzr, url: repoURL.String()}, nil
}

func (o *bzrHTTPOpener) readControlFile(ctx context.Context, loc *url.URL, rel string) ([]byte, error) {
	u := loc.JoinPath(rel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &OpenError{Cause: CauseOther, URL: loc.String(), Description: err.Error(), Err: err}
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, transportOpenError(loc.String(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, httpOpenError(loc.String(), resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportOpenError(loc.String(), fmt.Errorf("reading %s: %w", u.Redacted(), err))
	}
	return data, nil
}
