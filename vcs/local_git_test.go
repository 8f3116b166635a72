package vcs

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/go-cmp/cmp"
)

// testGitRepo builds commits directly in a bare repository.
type testGitRepo struct {
	t    *testing.T
	repo *git.Repository
	when time.Time
}

func newTestGitRepo(t *testing.T, path string) *testGitRepo {
	t.Helper()
	repo, err := git.PlainInit(path, true)
	if err != nil {
		t.Fatalf("PlainInit failed: %v", err)
	}
	return &testGitRepo{t: t, repo: repo, when: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (r *testGitRepo) store(obj interface {
	Encode(plumbing.EncodedObject) error
}) plumbing.Hash {
	r.t.Helper()
	enc := r.repo.Storer.NewEncodedObject()
	if err := obj.Encode(enc); err != nil {
		r.t.Fatalf("encoding object: %v", err)
	}
	hash, err := r.repo.Storer.SetEncodedObject(enc)
	if err != nil {
		r.t.Fatalf("storing object: %v", err)
	}
	return hash
}

// commit records a commit holding a single README with content.
func (r *testGitRepo) commit(message, content string, parents ...plumbing.Hash) plumbing.Hash {
	r.t.Helper()
	blob := r.repo.Storer.NewEncodedObject()
	blob.SetType(plumbing.BlobObject)
	w, err := blob.Writer()
	if err != nil {
		r.t.Fatalf("blob writer: %v", err)
	}
	if _, err := w.Write([]byte(content)); err != nil {
		r.t.Fatalf("writing blob: %v", err)
	}
	w.Close()
	blobHash, err := r.repo.Storer.SetEncodedObject(blob)
	if err != nil {
		r.t.Fatalf("storing blob: %v", err)
	}

	tree := r.store(&object.Tree{Entries: []object.TreeEntry{
		{Name: "README", Mode: filemode.Regular, Hash: blobHash},
	}})

	r.when = r.when.Add(time.Minute)
	sig := object.Signature{Name: "Test", Email: "test@example.com", When: r.when}
	return r.store(&object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      message,
		TreeHash:     tree,
		ParentHashes: parents,
	})
}

func (r *testGitRepo) setBranch(name string, hash plumbing.Hash) {
	r.t.Helper()
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(name), hash)
	if err := r.repo.Storer.SetReference(ref); err != nil {
		r.t.Fatalf("SetReference failed: %v", err)
	}
}

func revids(infos []RevisionInfo) []string {
	var ret []string
	for _, info := range infos {
		ret = append(ret, info.RevisionID.String())
	}
	return ret
}

func TestLocalGitURLs(t *testing.T) {
	m := NewLocalGitManager("/srv/git")

	if got := m.GetRepositoryURL("dulwich").String(); got != "file:///srv/git/dulwich" {
		t.Errorf("GetRepositoryURL = %q", got)
	}
	if got := m.GetBranchURL("dulwich", "main").String(); got != "file:///srv/git/dulwich?branch=main" {
		t.Errorf("GetBranchURL = %q", got)
	}
	if got := m.GetBranchURL("dulwich", "debian/main").String(); got != "file:///srv/git/dulwich?branch=debian%2Fmain" {
		t.Errorf("GetBranchURL = %q", got)
	}
	if m.Kind() != Git {
		t.Errorf("Kind = %v", m.Kind())
	}
}

func TestLocalGitGetBranch(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	r := newTestGitRepo(t, filepath.Join(base, "dulwich"))
	c1 := r.commit("initial\n", "hello\n")
	r.setBranch("main", c1)

	m := NewLocalGitManager(base)

	b, err := m.GetBranch(ctx, "dulwich", "main")
	if err != nil {
		t.Fatalf("GetBranch failed: %v", err)
	}
	if b == nil {
		t.Fatal("GetBranch returned nil for existing branch")
	}
	rev, err := b.LastRevision(ctx)
	if err != nil {
		t.Fatalf("LastRevision failed: %v", err)
	}
	if !rev.Equal(RevisionIDForCommit(c1)) {
		t.Errorf("LastRevision = %s, want %s", rev, RevisionIDForCommit(c1))
	}
	if b.Name() != "main" {
		t.Errorf("Name = %q", b.Name())
	}
	if BranchKind(b) != Git {
		t.Errorf("BranchKind = %v", BranchKind(b))
	}
	if _, ok := GitStore(b.Repository()); !ok {
		t.Error("local git repository does not expose its object store")
	}

	b, err = m.GetBranch(ctx, "dulwich", "missing")
	if err != nil || b != nil {
		t.Errorf("GetBranch(missing branch) = %v, %v; want nil, nil", b, err)
	}
	b, err = m.GetBranch(ctx, "nonexistent", "main")
	if err != nil || b != nil {
		t.Errorf("GetBranch(missing codebase) = %v, %v; want nil, nil", b, err)
	}
}

func TestLocalGitGetRepository(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	newTestGitRepo(t, filepath.Join(base, "dulwich"))
	m := NewLocalGitManager(base)

	repo, err := m.GetRepository(ctx, "dulwich")
	if err != nil {
		t.Fatalf("GetRepository failed: %v", err)
	}
	if repo == nil || RepositoryKind(repo) != Git {
		t.Fatalf("GetRepository = %v", repo)
	}
	if repo.Location() != filepath.Join(base, "dulwich") {
		t.Errorf("Location = %q", repo.Location())
	}

	repo, err = m.GetRepository(ctx, "nonexistent")
	if err != nil || repo != nil {
		t.Errorf("GetRepository(nonexistent) = %v, %v; want nil, nil", repo, err)
	}
}

func TestLocalGitListRepositories(t *testing.T) {
	base := t.TempDir()
	for _, name := range []string{"c", "a", "b"} {
		if err := os.Mkdir(filepath.Join(base, name), 0755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(base, "README"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	names, err := NewLocalGitManager(base).ListRepositories()
	if err != nil {
		t.Fatalf("ListRepositories failed: %v", err)
	}
	want := map[string]bool{"a": true, "b": true, "c": true}
	got := make(map[string]bool)
	for _, n := range names {
		got[n] = true
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ListRepositories mismatch (-want +got):\n%s", diff)
	}
}

func TestLocalGitRevisionInfo(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	r := newTestGitRepo(t, filepath.Join(base, "dulwich"))
	c1 := r.commit("one\n", "1\n")
	c2 := r.commit("two\n", "2\n", c1)
	c3 := r.commit("three\n", "3\n", c2)
	m := NewLocalGitManager(base)

	infos, err := m.GetRevisionInfo(ctx, "dulwich", RevisionIDForCommit(c1), RevisionIDForCommit(c3))
	if err != nil {
		t.Fatalf("GetRevisionInfo failed: %v", err)
	}
	want := []string{RevisionIDForCommit(c3).String(), RevisionIDForCommit(c2).String()}
	if diff := cmp.Diff(want, revids(infos)); diff != "" {
		t.Errorf("revisions mismatch (-want +got):\n%s", diff)
	}
	if string(infos[0].CommitID) != c3.String() || infos[0].Message != "three\n" {
		t.Errorf("first revision = %+v", infos[0])
	}

	infos, err = m.GetRevisionInfo(ctx, "dulwich", NullRevision, RevisionIDForCommit(c2))
	if err != nil {
		t.Fatalf("GetRevisionInfo from null failed: %v", err)
	}
	want = []string{RevisionIDForCommit(c2).String(), RevisionIDForCommit(c1).String()}
	if diff := cmp.Diff(want, revids(infos)); diff != "" {
		t.Errorf("revisions from null mismatch (-want +got):\n%s", diff)
	}

	infos, err = m.GetRevisionInfo(ctx, "dulwich", RevisionIDForCommit(c3), RevisionIDForCommit(c3))
	if err != nil {
		t.Fatalf("GetRevisionInfo equal failed: %v", err)
	}
	if len(infos) != 0 {
		t.Errorf("expected no revisions between equal ids, got %v", revids(infos))
	}
}

func TestLocalGitRevisionInfoMerge(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	r := newTestGitRepo(t, filepath.Join(base, "dulwich"))
	root := r.commit("root\n", "0\n")
	left := r.commit("left\n", "l\n", root)
	right := r.commit("right\n", "r\n", root)
	merge := r.commit("merge\n", "m\n", left, right)
	m := NewLocalGitManager(base)

	infos, err := m.GetRevisionInfo(ctx, "dulwich", RevisionIDForCommit(root), RevisionIDForCommit(merge))
	if err != nil {
		t.Fatalf("GetRevisionInfo failed: %v", err)
	}
	got := revids(infos)
	if len(got) != 3 {
		t.Fatalf("expected 3 revisions, got %v", got)
	}
	if got[0] != RevisionIDForCommit(merge).String() {
		t.Errorf("first revision = %s, want the merge", got[0])
	}
	seen := make(map[string]bool)
	for _, id := range got {
		if seen[id] {
			t.Errorf("revision %s reported twice", id)
		}
		seen[id] = true
		if id == RevisionIDForCommit(root).String() {
			t.Error("old revision included")
		}
	}
}

func TestLocalGitRevisionInfoUnknownRevision(t *testing.T) {
	base := t.TempDir()
	newTestGitRepo(t, filepath.Join(base, "dulwich"))
	m := NewLocalGitManager(base)

	missing := RevisionIDForCommit(plumbing.NewHash("0123456789abcdef0123456789abcdef01234567"))
	if _, err := m.GetRevisionInfo(context.Background(), "dulwich", NullRevision, missing); err == nil {
		t.Error("expected error for unknown revision")
	}
	if _, err := m.GetRevisionInfo(context.Background(), "nonexistent", NullRevision, missing); err == nil {
		t.Error("expected error for missing codebase")
	}
}

func TestLocalGitDiffEqualRevisions(t *testing.T) {
	m := NewLocalGitManager(t.TempDir())
	id := RevisionIDForCommit(plumbing.NewHash("0123456789abcdef0123456789abcdef01234567"))

	// Equal revisions never touch the repository, so a missing codebase is fine.
	diff, err := m.GetDiff(context.Background(), "nonexistent", id, id)
	if err != nil {
		t.Fatalf("GetDiff failed: %v", err)
	}
	if len(diff) != 0 {
		t.Errorf("expected empty diff, got %q", diff)
	}
}

func TestLocalGitDiff(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	ctx := context.Background()
	base := t.TempDir()
	r := newTestGitRepo(t, filepath.Join(base, "dulwich"))
	c1 := r.commit("one\n", "hello\n")
	c2 := r.commit("two\n", "hello\nworld\n", c1)
	m := NewLocalGitManager(base)

	diff, err := m.GetDiff(ctx, "dulwich", RevisionIDForCommit(c1), RevisionIDForCommit(c2))
	if err != nil {
		t.Fatalf("GetDiff failed: %v", err)
	}
	if !strings.Contains(string(diff), "+world") {
		t.Errorf("diff does not add world:\n%s", diff)
	}

	diff, err = m.GetDiff(ctx, "dulwich", NullRevision, RevisionIDForCommit(c1))
	if err != nil {
		t.Fatalf("GetDiff from null failed: %v", err)
	}
	if !strings.Contains(string(diff), "+hello") {
		t.Errorf("diff from empty tree does not add hello:\n%s", diff)
	}
}

func TestLocalGitDiffCommandError(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	r := newTestGitRepo(t, filepath.Join(base, "dulwich"))
	c1 := r.commit("one\n", "hello\n")
	c2 := r.commit("two\n", "world\n", c1)
	m := NewLocalGitManager(base)
	m.Command = filepath.Join(base, "no-such-git")

	_, err := m.GetDiff(ctx, "dulwich", RevisionIDForCommit(c1), RevisionIDForCommit(c2))
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError, got %v", err)
	}
	if cmdErr.Dir != filepath.Join(base, "dulwich") {
		t.Errorf("Dir = %q", cmdErr.Dir)
	}
}
