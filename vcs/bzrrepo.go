package vcs

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	bzrDirFormatPrefix    = "Bazaar-NG meta directory"
	bzrBranchRefFormat    = "Bazaar-NG Branch Reference Format"
	maxBranchReferenceHop = 8
)

// bzrRepository is a bzr repository: either shared by the branches of one
// codebase or embedded in a standalone branch.
type bzrRepository struct {
	location string
}

func (r *bzrRepository) Kind() Kind       { return Bzr }
func (r *bzrRepository) Location() string { return r.location }

// bzrBranch is a branch opened from its control directory.
type bzrBranch struct {
	name     string
	url      string
	repo     Repository
	revision RevisionID
}

func (b *bzrBranch) Name() string           { return b.name }
func (b *bzrBranch) URL() string            { return b.url }
func (b *bzrBranch) Repository() Repository { return b.repo }

func (b *bzrBranch) LastRevision(ctx context.Context) (RevisionID, error) {
	return b.revision, nil
}

// controlFileReader reads a file relative to a bzr control directory location.
type controlFileReader func(ctx context.Context, loc *url.URL, rel string) ([]byte, error)

// openBzrBranch opens the branch at loc, following branch references.
func openBzrBranch(ctx context.Context, read controlFileReader, loc *url.URL, name string, repo Repository) (*bzrBranch, error) {
	seen := make(map[string]bool)
	for hop := 0; ; hop++ {
		if hop > maxBranchReferenceHop || seen[loc.String()] {
			return nil, &OpenError{
				Cause:       CauseOther,
				URL:         loc.String(),
				Description: "branch reference loop",
				Err:         ErrBranchReferenceLoop,
			}
		}
		seen[loc.String()] = true

		dirFormat, err := read(ctx, loc, ".bzr/branch-format")
		if err != nil {
			return nil, err
		}
		if !bytes.HasPrefix(dirFormat, []byte(bzrDirFormatPrefix)) {
			return nil, &OpenError{
				Cause:       CauseUnsupported,
				URL:         loc.String(),
				Description: fmt.Sprintf("unsupported control directory format: %q", strings.TrimSpace(string(dirFormat))),
			}
		}

		branchFormat, err := read(ctx, loc, ".bzr/branch/format")
		if err != nil {
			return nil, err
		}
		if bytes.HasPrefix(branchFormat, []byte(bzrBranchRefFormat)) {
			target, err := read(ctx, loc, ".bzr/branch/location")
			if err != nil {
				return nil, err
			}
			next, err := loc.Parse(strings.TrimSpace(string(target)))
			if err != nil {
				return nil, &OpenError{Cause: CauseOther, URL: loc.String(), Description: err.Error(), Err: err}
			}
			loc = next
			continue
		}

		lastRevision, err := read(ctx, loc, ".bzr/branch/last-revision")
		if err != nil {
			return nil, err
		}
		_, revid, ok := strings.Cut(strings.TrimSpace(string(lastRevision)), " ")
		if !ok {
			return nil, &OpenError{
				Cause:       CauseOther,
				URL:         loc.String(),
				Description: fmt.Sprintf("malformed last-revision file: %q", lastRevision),
			}
		}
		return &bzrBranch{
			name:     name,
			url:      loc.String(),
			repo:     repo,
			revision: RevisionID(revid),
		}, nil
	}
}

// readLocalControlFile reads control files from the local filesystem.
func readLocalControlFile(ctx context.Context, loc *url.URL, rel string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(filepath.FromSlash(loc.Path), filepath.FromSlash(rel)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, &OpenError{
			Cause:       CauseMissing,
			URL:         loc.String(),
			Description: fmt.Sprintf("Branch does not exist: Not a branch: %q", loc.String()),
			Err:         fmt.Errorf("%w: %w", ErrNotBranch, err),
		}
	}
	if err != nil {
		return nil, &OpenError{Cause: CauseUnavailable, URL: loc.String(), Description: err.Error(), Err: err}
	}
	return data, nil
}

// bzrEngine is the part of the bzr toolchain the managers rely on.
type bzrEngine interface {
	// Diff renders the diff between two revisions of the repository at path.
	Diff(ctx context.Context, path string, oldRevID, newRevID RevisionID) ([]byte, error)
	// LeftHandAncestry walks the mainline of newRevID until stop, newest first.
	LeftHandAncestry(ctx context.Context, path string, newRevID, stop RevisionID) ([]RevisionInfo, error)
}

// bzrCLI drives the bzr executable. Commands run inside a branch of the
// repository that contains the requested revisions.
type bzrCLI struct {
	command string
}

func (c *bzrCLI) revisionSpec(id RevisionID) string {
	if id.IsNull() {
		return "0"
	}
	return "revid:" + id.String()
}

func (c *bzrCLI) Diff(ctx context.Context, path string, oldRevID, newRevID RevisionID) ([]byte, error) {
	rng := c.revisionSpec(oldRevID) + ".." + c.revisionSpec(newRevID)
	// bzr diff exits with 1 when the trees differ.
	return c.inBranches(ctx, path, []int{1}, "diff", "-r", rng)
}

func (c *bzrCLI) LeftHandAncestry(ctx context.Context, path string, newRevID, stop RevisionID) ([]RevisionInfo, error) {
	if newRevID.IsNull() {
		return nil, nil
	}
	rng := ".." + c.revisionSpec(newRevID)
	if !stop.IsNull() {
		rng = c.revisionSpec(stop) + rng
	}
	out, err := c.inBranches(ctx, path, nil, "log", "--long", "--show-ids", "--levels=1", "-r", rng)
	if err != nil {
		return nil, err
	}
	var ret []RevisionInfo
	for _, info := range parseBzrLog(out) {
		if info.RevisionID.Equal(stop) {
			break
		}
		ret = append(ret, info)
	}
	return ret, nil
}

// inBranches runs a command in each branch of the repository at path until
// one succeeds.
func (c *bzrCLI) inBranches(ctx context.Context, path string, okStatus []int, args ...string) ([]byte, error) {
	branches, err := bzrBranchDirs(path)
	if err != nil {
		return nil, err
	}
	if len(branches) == 0 {
		return nil, fmt.Errorf("no branches in %s: %w", path, ErrNoSuchRevision)
	}
	var lastErr error
	for _, dir := range branches {
		out, err := runCommand(ctx, dir, okStatus, c.command, args...)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}
	return nil, lastErr
}

// bzrBranchDirs lists the branch directories of a shared repository.
func bzrBranchDirs(path string) ([]string, error) {
	names, err := listDirectories(path)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, name := range names {
		dir := filepath.Join(path, name)
		if _, err := os.Stat(filepath.Join(dir, ".bzr", "branch")); err == nil {
			dirs = append(dirs, dir)
		}
	}
	return dirs, nil
}

const bzrLogSeparator = "------------------------------------------------------------"

// parseBzrLog parses the output of "bzr log --long --show-ids".
func parseBzrLog(out []byte) []RevisionInfo {
	var (
		ret       []RevisionInfo
		cur       *RevisionInfo
		message   []string
		inMessage bool
	)
	flush := func() {
		if cur != nil && len(cur.RevisionID) > 0 {
			cur.Message = strings.Join(message, "\n")
			ret = append(ret, *cur)
		}
		cur, message, inMessage = nil, nil, false
	}

	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.TrimSpace(line) == bzrLogSeparator:
			flush()
			cur = &RevisionInfo{}
		case cur == nil:
		case inMessage:
			message = append(message, strings.TrimPrefix(line, "  "))
		case strings.HasPrefix(line, "revision-id: "):
			cur.RevisionID = RevisionID(strings.TrimPrefix(line, "revision-id: "))
		case line == "message:":
			inMessage = true
		}
	}
	flush()
	return ret
}

// repoLocks hands out one read/write lock per repository path. Entries are
// dropped once no caller holds them.
type repoLocks struct {
	mu sync.Mutex
	m  map[string]*repoLock
}

type repoLock struct {
	sync.RWMutex
	refs int
}

func newRepoLocks() *repoLocks {
	return &repoLocks{m: make(map[string]*repoLock)}
}

func (l *repoLocks) acquire(path string) *repoLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	rl, ok := l.m[path]
	if !ok {
		rl = &repoLock{}
		l.m[path] = rl
	}
	rl.refs++
	return rl
}

func (l *repoLocks) release(path string, rl *repoLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rl.refs--
	if rl.refs == 0 {
		delete(l.m, path)
	}
}

// readLock takes the read lock of the repository at path.
func (l *repoLocks) readLock(path string) (unlock func()) {
	rl := l.acquire(path)
	rl.RLock()
	return func() {
		rl.RUnlock()
		l.release(path, rl)
	}
}
