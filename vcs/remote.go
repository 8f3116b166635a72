package vcs

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"
	"k8s.io/klog/v2"
)

// ErrorResponse is the JSON body of store server errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// RemoteOption configures a remote manager.
type RemoteOption func(*remoteOptions)

type remoteOptions struct {
	httpClient *http.Client
	opener     BranchOpener
}

// WithHTTPClient sets the HTTP client used to talk to the store.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(o *remoteOptions) {
		o.httpClient = c
	}
}

// WithBranchOpener replaces the transport used to open branches.
func WithBranchOpener(opener BranchOpener) RemoteOption {
	return func(o *remoteOptions) {
		o.opener = opener
	}
}

// repositoryOpener is implemented by openers that can probe for repositories.
type repositoryOpener interface {
	OpenRepository(ctx context.Context, repoURL *url.URL) (Repository, error)
}

// remoteRepository is a repository on a VCS store.
type remoteRepository struct {
	kind Kind
	url  string
}

func (r *remoteRepository) Kind() Kind       { return r.kind }
func (r *remoteRepository) Location() string { return r.url }

// storeClient talks to a VCS store server.
type storeClient struct {
	baseURL    *url.URL
	httpClient *http.Client
}

func newStoreClient(baseURL *url.URL, httpClient *http.Client) *storeClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &storeClient{baseURL: baseURL, httpClient: httpClient}
}

func (c *storeClient) codebaseURL(codebase string, elem ...string) *url.URL {
	return c.baseURL.JoinPath(append([]string{codebase}, elem...)...)
}

// get fetches u and returns the decoded body.
func (c *storeClient) get(ctx context.Context, u *url.URL) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept-Encoding", "zstd")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", u.Redacted(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}
	return readBody(resp)
}

func readBody(resp *http.Response) ([]byte, error) {
	if resp.Header.Get("Content-Encoding") != "zstd" {
		return io.ReadAll(resp.Body)
	}
	dec, err := zstd.NewReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	defer dec.Close()
	return io.ReadAll(dec)
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		if errResp.Details != "" {
			return fmt.Errorf("%s: %s", errResp.Error, errResp.Details)
		}
		return fmt.Errorf("%s", errResp.Error)
	}
	return fmt.Errorf("server error: %d %s", resp.StatusCode, string(body))
}

// remoteBase implements the parts of the remote managers that only depend on
// the store server layout.
type remoteBase struct {
	kind   Kind
	store  *storeClient
	opener BranchOpener
	// storeRevision renders a revision id for store URLs.
	storeRevision func(id RevisionID, nullFallback string) (string, error)
}

func (m *remoteBase) Kind() Kind {
	return m.kind
}

// BaseURL returns the store URL for this kind.
func (m *remoteBase) BaseURL() *url.URL {
	return m.store.baseURL
}

func (m *remoteBase) String() string {
	return fmt.Sprintf("Remote%sManager(%q)", kindTitle(m.kind), m.store.baseURL.String())
}

func (m *remoteBase) GetRepositoryURL(codebase string) *url.URL {
	return m.store.codebaseURL(codebase)
}

func (m *remoteBase) GetRepository(ctx context.Context, codebase string) (Repository, error) {
	ro, ok := m.opener.(repositoryOpener)
	if !ok {
		return nil, ErrUnsupported
	}
	repo, err := ro.OpenRepository(ctx, m.GetRepositoryURL(codebase))
	if err != nil {
		if errors.Is(err, ErrNotBranch) {
			return nil, nil
		}
		return nil, err
	}
	return repo, nil
}

// ListRepositories is not available on a store.
func (m *remoteBase) ListRepositories() ([]string, error) {
	return nil, ErrUnsupported
}

func (m *remoteBase) revisionQuery(oldRevID, newRevID RevisionID, nullFallback string) (string, error) {
	oldRev, err := m.storeRevision(oldRevID, nullFallback)
	if err != nil {
		return "", err
	}
	newRev, err := m.storeRevision(newRevID, nullFallback)
	if err != nil {
		return "", err
	}
	return url.Values{"old": {oldRev}, "new": {newRev}}.Encode(), nil
}

// DiffURL returns the store URL of the diff between two revisions.
func (m *remoteBase) DiffURL(codebase string, oldRevID, newRevID RevisionID) (*url.URL, error) {
	q, err := m.revisionQuery(oldRevID, newRevID, EmptyGitTree)
	if err != nil {
		return nil, err
	}
	u := m.store.codebaseURL(codebase, "diff")
	u.RawQuery = q
	return u, nil
}

// RevisionInfoURL returns the store URL listing the revisions between two revisions.
func (m *remoteBase) RevisionInfoURL(codebase string, oldRevID, newRevID RevisionID) (*url.URL, error) {
	q, err := m.revisionQuery(oldRevID, newRevID, ZeroSHA)
	if err != nil {
		return nil, err
	}
	u := m.store.codebaseURL(codebase, "revision-info")
	u.RawQuery = q
	return u, nil
}

func (m *remoteBase) GetDiff(ctx context.Context, codebase string, oldRevID, newRevID RevisionID) ([]byte, error) {
	if oldRevID.Equal(newRevID) {
		return []byte{}, nil
	}
	u, err := m.DiffURL(codebase, oldRevID, newRevID)
	if err != nil {
		return nil, err
	}
	body, err := m.store.get(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("getting diff for %s: %w", codebase, err)
	}
	return body, nil
}

func (m *remoteBase) GetRevisionInfo(ctx context.Context, codebase string, oldRevID, newRevID RevisionID) ([]RevisionInfo, error) {
	u, err := m.RevisionInfoURL(codebase, oldRevID, newRevID)
	if err != nil {
		return nil, err
	}
	body, err := m.store.get(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("getting revision info for %s: %w", codebase, err)
	}
	var ret []RevisionInfo
	if err := json.Unmarshal(body, &ret); err != nil {
		return nil, fmt.Errorf("decoding revision info: %w", err)
	}
	return ret, nil
}

func kindTitle(k Kind) string {
	switch k {
	case Git:
		return "Git"
	case Bzr:
		return "Bzr"
	}
	return k.String()
}

// httpOpenError converts an unexpected HTTP status into an OpenError.
func httpOpenError(rawURL string, resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusNotFound:
		return &OpenError{
			Cause:       CauseMissing,
			URL:         rawURL,
			Description: fmt.Sprintf("Branch does not exist: Not a branch: %q", rawURL),
			Err:         ErrNotBranch,
		}
	case http.StatusTooManyRequests:
		oe := &OpenError{
			Cause:       CauseRateLimited,
			URL:         rawURL,
			Description: fmt.Sprintf("Unable to handle http code 429: Too Many Requests for %s", rawURL),
		}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			oe.RetryAfter = &secs
		}
		return oe
	default:
		return &OpenError{
			Cause:       CauseUnavailable,
			URL:         rawURL,
			Description: fmt.Sprintf("Unexpected HTTP status %d for %s", resp.StatusCode, rawURL),
			Err:         ErrInvalidHTTPResponse,
		}
	}
}

// transportOpenError converts a failure to reach rawURL into an OpenError.
// Certificate problems are not connection errors and are never tolerated.
func transportOpenError(rawURL string, err error) error {
	var certErr *tls.CertificateVerificationError
	var authorityErr x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	if errors.As(err, &certErr) || errors.As(err, &authorityErr) || errors.As(err, &hostErr) {
		klog.Warningf("Unable to access cache branch at %s: %v", rawURL, err)
		return &OpenError{Cause: CauseUnavailable, URL: rawURL, Description: err.Error(), Err: err}
	}

	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return &OpenError{
			Cause:       CauseUnavailable,
			URL:         rawURL,
			Description: err.Error(),
			Err:         fmt.Errorf("%w: %w", ErrConnection, err),
		}
	}
	return &OpenError{Cause: CauseOther, URL: rawURL, Description: err.Error(), Err: err}
}
