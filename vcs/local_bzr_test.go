package vcs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func writeBzrRepository(t *testing.T, dir string) {
	t.Helper()
	writeFile(t, filepath.Join(dir, ".bzr", "branch-format"), "Bazaar-NG meta directory, format 1\n")
	writeFile(t, filepath.Join(dir, ".bzr", "repository", "format"), "Bazaar repository format 2a (needs bzr 1.16 or later)\n")
}

func writeBzrBranch(t *testing.T, dir, lastRevision string) {
	t.Helper()
	writeFile(t, filepath.Join(dir, ".bzr", "branch-format"), "Bazaar-NG meta directory, format 1\n")
	writeFile(t, filepath.Join(dir, ".bzr", "branch", "format"), "Bazaar Branch Format 7 (needs bzr 1.6)\n")
	writeFile(t, filepath.Join(dir, ".bzr", "branch", "last-revision"), lastRevision+"\n")
}

func writeBzrReference(t *testing.T, dir, target string) {
	t.Helper()
	writeFile(t, filepath.Join(dir, ".bzr", "branch-format"), "Bazaar-NG meta directory, format 1\n")
	writeFile(t, filepath.Join(dir, ".bzr", "branch", "format"), "Bazaar-NG Branch Reference Format 1\n")
	writeFile(t, filepath.Join(dir, ".bzr", "branch", "location"), fileURL(target).String()+"\n")
}

// fakeBzrEngine records calls and checks the repository lock while walking.
type fakeBzrEngine struct {
	t          *testing.T
	revisions  []RevisionInfo
	diff       []byte
	err        error
	locks      *repoLocks
	lockedPath string
	sawLock    bool
}

func (e *fakeBzrEngine) Diff(ctx context.Context, path string, oldRevID, newRevID RevisionID) ([]byte, error) {
	return e.diff, e.err
}

func (e *fakeBzrEngine) LeftHandAncestry(ctx context.Context, path string, newRevID, stop RevisionID) ([]RevisionInfo, error) {
	e.locks.mu.Lock()
	l, ok := e.locks.m[path]
	e.locks.mu.Unlock()
	if ok {
		if l.TryLock() {
			l.Unlock()
		} else {
			e.sawLock = true
		}
	}
	e.lockedPath = path
	return e.revisions, e.err
}

func newTestBzrManager(t *testing.T, engine *fakeBzrEngine) (*LocalBzrManager, string) {
	base := t.TempDir()
	m := NewLocalBzrManager(base, "")
	engine.locks = m.locks
	m.engine = engine
	return m, base
}

func TestLocalBzrURLs(t *testing.T) {
	m := NewLocalBzrManager("/srv/bzr", "brz")
	if got := m.GetBranchURL("dulwich", "trunk").String(); got != "file:///srv/bzr/dulwich/trunk" {
		t.Errorf("GetBranchURL = %q", got)
	}
	if got := m.GetRepositoryURL("dulwich").String(); got != "file:///srv/bzr/dulwich" {
		t.Errorf("GetRepositoryURL = %q", got)
	}
	if m.Kind() != Bzr {
		t.Errorf("Kind = %v", m.Kind())
	}
}

func TestLocalBzrGetBranch(t *testing.T) {
	ctx := context.Background()
	m, base := newTestBzrManager(t, &fakeBzrEngine{t: t})
	writeBzrRepository(t, filepath.Join(base, "dulwich"))
	writeBzrBranch(t, filepath.Join(base, "dulwich", "trunk"), "3 jelmer@example.com-3")

	b, err := m.GetBranch(ctx, "dulwich", "trunk")
	if err != nil {
		t.Fatalf("GetBranch failed: %v", err)
	}
	if b == nil {
		t.Fatal("GetBranch returned nil for existing branch")
	}
	rev, err := b.LastRevision(ctx)
	if err != nil || rev.String() != "jelmer@example.com-3" {
		t.Errorf("LastRevision = %q, %v", rev, err)
	}
	if BranchKind(b) != Bzr {
		t.Errorf("BranchKind = %v", BranchKind(b))
	}
	if _, ok := GitStore(b.Repository()); ok {
		t.Error("bzr repository claims a git object store")
	}

	b, err = m.GetBranch(ctx, "dulwich", "missing")
	if err != nil || b != nil {
		t.Errorf("GetBranch(missing) = %v, %v; want nil, nil", b, err)
	}
}

func TestLocalBzrStandaloneBranch(t *testing.T) {
	ctx := context.Background()
	m, base := newTestBzrManager(t, &fakeBzrEngine{t: t})
	trunk := filepath.Join(base, "cb", "trunk")
	writeBzrBranch(t, trunk, "2 rev-2")
	writeFile(t, filepath.Join(trunk, ".bzr", "repository", "format"), "Bazaar repository format 2a (needs bzr 1.16 or later)\n")

	b, err := m.GetBranch(ctx, "cb", "trunk")
	if err != nil || b == nil {
		t.Fatalf("GetBranch = %v, %v", b, err)
	}
	if b.Repository() == nil {
		t.Fatal("standalone branch has no repository")
	}
	if got := b.Repository().Location(); got != trunk {
		t.Errorf("repository location = %q, want %q", got, trunk)
	}
	if BranchKind(b) != Bzr {
		t.Errorf("BranchKind = %v", BranchKind(b))
	}
}

func TestLocalBzrBranchWithoutRepository(t *testing.T) {
	m, base := newTestBzrManager(t, &fakeBzrEngine{t: t})
	writeBzrBranch(t, filepath.Join(base, "cb", "trunk"), "2 rev-2")

	b, err := m.GetBranch(context.Background(), "cb", "trunk")
	var oe *OpenError
	if !errors.As(err, &oe) || b != nil {
		t.Fatalf("GetBranch = %v, %v; want OpenError", b, err)
	}
	if oe.Cause != CauseOther {
		t.Errorf("Cause = %v, want other", oe.Cause)
	}
	if RepositoryKind(nil) != Bzr {
		t.Errorf("RepositoryKind(nil) = %v", RepositoryKind(nil))
	}
}

func TestLocalBzrBranchReference(t *testing.T) {
	ctx := context.Background()
	m, base := newTestBzrManager(t, &fakeBzrEngine{t: t})
	writeBzrRepository(t, filepath.Join(base, "dulwich"))
	writeBzrBranch(t, filepath.Join(base, "dulwich", "trunk"), "7 rev-7")
	writeBzrReference(t, filepath.Join(base, "dulwich", "master"), filepath.Join(base, "dulwich", "trunk"))

	b, err := m.GetBranch(ctx, "dulwich", "master")
	if err != nil || b == nil {
		t.Fatalf("GetBranch = %v, %v", b, err)
	}
	rev, _ := b.LastRevision(ctx)
	if rev.String() != "rev-7" {
		t.Errorf("LastRevision = %q, want rev-7", rev)
	}
}

func TestLocalBzrBranchReferenceLoop(t *testing.T) {
	m, base := newTestBzrManager(t, &fakeBzrEngine{t: t})
	a := filepath.Join(base, "dulwich", "a")
	b := filepath.Join(base, "dulwich", "b")
	writeBzrReference(t, a, b)
	writeBzrReference(t, b, a)

	_, err := m.GetBranch(context.Background(), "dulwich", "a")
	if !errors.Is(err, ErrBranchReferenceLoop) {
		t.Errorf("expected reference loop error, got %v", err)
	}
}

func TestLocalBzrGetRepository(t *testing.T) {
	ctx := context.Background()
	m, base := newTestBzrManager(t, &fakeBzrEngine{t: t})
	writeBzrRepository(t, filepath.Join(base, "dulwich"))
	if err := os.Mkdir(filepath.Join(base, "empty"), 0755); err != nil {
		t.Fatal(err)
	}

	repo, err := m.GetRepository(ctx, "dulwich")
	if err != nil || repo == nil {
		t.Fatalf("GetRepository = %v, %v", repo, err)
	}
	if RepositoryKind(repo) != Bzr {
		t.Errorf("RepositoryKind = %v", RepositoryKind(repo))
	}
	for _, codebase := range []string{"empty", "nonexistent"} {
		repo, err := m.GetRepository(ctx, codebase)
		if err != nil || repo != nil {
			t.Errorf("GetRepository(%s) = %v, %v; want nil, nil", codebase, repo, err)
		}
	}
}

func TestLocalBzrListRepositories(t *testing.T) {
	m, base := newTestBzrManager(t, &fakeBzrEngine{t: t})
	for _, name := range []string{"a", "b", "c"} {
		writeBzrRepository(t, filepath.Join(base, name))
	}
	names, err := m.ListRepositories()
	if err != nil {
		t.Fatalf("ListRepositories failed: %v", err)
	}
	got := make(map[string]bool)
	for _, n := range names {
		got[n] = true
	}
	if diff := cmp.Diff(map[string]bool{"a": true, "b": true, "c": true}, got); diff != "" {
		t.Errorf("ListRepositories mismatch (-want +got):\n%s", diff)
	}
}

func TestLocalBzrDiff(t *testing.T) {
	ctx := context.Background()
	engine := &fakeBzrEngine{t: t, diff: []byte("=== modified file 'README'\n")}
	m, base := newTestBzrManager(t, engine)
	writeBzrRepository(t, filepath.Join(base, "dulwich"))

	diff, err := m.GetDiff(ctx, "dulwich", RevisionID("rev-1"), RevisionID("rev-1"))
	if err != nil || len(diff) != 0 {
		t.Errorf("GetDiff(equal) = %q, %v; want empty", diff, err)
	}
	diff, err = m.GetDiff(ctx, "dulwich", RevisionID("rev-1"), RevisionID("rev-2"))
	if err != nil {
		t.Fatalf("GetDiff failed: %v", err)
	}
	if string(diff) != "=== modified file 'README'\n" {
		t.Errorf("GetDiff = %q", diff)
	}
	if _, err := m.GetDiff(ctx, "nonexistent", RevisionID("rev-1"), RevisionID("rev-2")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("GetDiff(nonexistent) error = %v, want not exist", err)
	}
}

func TestLocalBzrRevisionInfo(t *testing.T) {
	ctx := context.Background()
	engine := &fakeBzrEngine{t: t, revisions: []RevisionInfo{
		{RevisionID: RevisionID("rev-3"), Message: "three"},
		{RevisionID: RevisionID("rev-2"), Message: "two"},
		{RevisionID: RevisionID("rev-2"), Message: "two"},
		{RevisionID: RevisionID("rev-1"), Message: "one"},
	}}
	m, base := newTestBzrManager(t, engine)
	writeBzrRepository(t, filepath.Join(base, "dulwich"))

	infos, err := m.GetRevisionInfo(ctx, "dulwich", RevisionID("rev-1"), RevisionID("rev-3"))
	if err != nil {
		t.Fatalf("GetRevisionInfo failed: %v", err)
	}
	if diff := cmp.Diff([]string{"rev-3", "rev-2"}, revids(infos)); diff != "" {
		t.Errorf("revisions mismatch (-want +got):\n%s", diff)
	}
	if !engine.sawLock {
		t.Error("ancestry walk ran without the repository read lock")
	}
	if engine.lockedPath != filepath.Join(base, "dulwich") {
		t.Errorf("walked %q", engine.lockedPath)
	}
	assertLocksReleased(t, m)
}

func assertLocksReleased(t *testing.T, m *LocalBzrManager) {
	t.Helper()
	m.locks.mu.Lock()
	defer m.locks.mu.Unlock()
	if len(m.locks.m) != 0 {
		t.Errorf("%d repository locks still held", len(m.locks.m))
	}
}

func TestLocalBzrRevisionInfoReleasesLockOnError(t *testing.T) {
	engine := &fakeBzrEngine{t: t, err: errors.New("bzr: ERROR: No such revision")}
	m, base := newTestBzrManager(t, engine)
	writeBzrRepository(t, filepath.Join(base, "dulwich"))

	if _, err := m.GetRevisionInfo(context.Background(), "dulwich", NullRevision, RevisionID("rev-9")); err == nil {
		t.Fatal("expected error")
	}
	if !engine.sawLock {
		t.Error("ancestry walk ran without the repository read lock")
	}
	assertLocksReleased(t, m)
}

func TestParseBzrLog(t *testing.T) {
	out := `------------------------------------------------------------
revno: 2
revision-id: jelmer@example.com-2
parent: jelmer@example.com-1
committer: Jelmer <jelmer@example.com>
branch nick: trunk
timestamp: Mon 2024-01-01 00:00:00 +0000
message:
  Second change.
  
  With a body.
------------------------------------------------------------
revno: 1
revision-id: jelmer@example.com-1
committer: Jelmer <jelmer@example.com>
branch nick: trunk
timestamp: Sun 2023-12-31 00:00:00 +0000
message:
  Initial import.
`
	got := parseBzrLog([]byte(out))
	want := []RevisionInfo{
		{RevisionID: RevisionID("jelmer@example.com-2"), Message: "Second change.\n\nWith a body."},
		{RevisionID: RevisionID("jelmer@example.com-1"), Message: "Initial import."},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parseBzrLog mismatch (-want +got):\n%s", diff)
	}
}
