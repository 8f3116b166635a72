package vcs

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
)

// RevisionID identifies a revision within one VCS kind.
type RevisionID []byte

const (
	nullRevision = "null:"
	gitPrefix    = "git-v1:"

	// EmptyGitTree is the object id of the empty tree.
	EmptyGitTree = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"
	// ZeroSHA is the all-zero object id.
	ZeroSHA = "0000000000000000000000000000000000000000"
)

// NullRevision denotes "no history".
var NullRevision = RevisionID(nullRevision)

// IsNull reports whether r is the null revision. An empty id counts as null.
func (r RevisionID) IsNull() bool {
	return len(r) == 0 || string(r) == nullRevision
}

// Equal reports whether two revision ids are byte-identical.
func (r RevisionID) Equal(other RevisionID) bool {
	return bytes.Equal(r, other)
}

func (r RevisionID) String() string {
	return string(r)
}

// MarshalText implements encoding.TextMarshaler.
func (r RevisionID) MarshalText() ([]byte, error) {
	return []byte(r), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *RevisionID) UnmarshalText(text []byte) error {
	*r = append(RevisionID(nil), text...)
	return nil
}

// RevisionIDForCommit maps a git commit id to its revision id.
func RevisionIDForCommit(hash plumbing.Hash) RevisionID {
	return RevisionID(gitPrefix + hash.String())
}

// CommitForRevisionID maps a git revision id back to the commit id.
func CommitForRevisionID(r RevisionID) (plumbing.Hash, error) {
	s := string(r)
	if !strings.HasPrefix(s, gitPrefix) {
		return plumbing.ZeroHash, fmt.Errorf("not a git revision id: %q", s)
	}
	sha := strings.TrimPrefix(s, gitPrefix)
	if len(sha) != 40 || !plumbing.IsHash(sha) {
		return plumbing.ZeroHash, fmt.Errorf("malformed git revision id: %q", s)
	}
	return plumbing.NewHash(sha), nil
}

// gitRemoteRevision returns the form of r used in store URLs: the bare sha,
// or fallback for the null revision.
func gitRemoteRevision(r RevisionID, fallback string) (string, error) {
	if r.IsNull() {
		return fallback, nil
	}
	hash, err := CommitForRevisionID(r)
	if err != nil {
		return "", err
	}
	return hash.String(), nil
}

// ParseStoreRevision converts a revision as it appears in store URLs back
// into a revision id of kind k.
func ParseStoreRevision(k Kind, s string) (RevisionID, error) {
	switch k {
	case Git:
		if s == EmptyGitTree || s == ZeroSHA {
			return NullRevision, nil
		}
		if len(s) != 40 || !plumbing.IsHash(s) {
			return nil, fmt.Errorf("invalid git revision %q", s)
		}
		return RevisionIDForCommit(plumbing.NewHash(s)), nil
	case Bzr:
		if s == "" {
			return nil, fmt.Errorf("empty bzr revision")
		}
		return RevisionID(s), nil
	}
	return nil, fmt.Errorf("unsupported VCS kind %s", k)
}
