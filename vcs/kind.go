// Package vcs provides uniform access to codebase repositories stored in git
// or bzr, either on the local filesystem or behind a VCS store server.
package vcs

import (
	"fmt"
)

// Kind identifies a version control system.
type Kind int

const (
	// Git repositories.
	Git Kind = iota
	// Bzr is the legacy VCS kind.
	Bzr
)

// Kinds lists every supported kind.
var Kinds = []Kind{Git, Bzr}

// String returns the canonical name of the kind ("git" or "bzr").
func (k Kind) String() string {
	switch k {
	case Git:
		return "git"
	case Bzr:
		return "bzr"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind parses a kind name.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "git":
		return Git, nil
	case "bzr":
		return Bzr, nil
	default:
		return 0, fmt.Errorf("unknown VCS type: %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	switch k {
	case Git, Bzr:
		return []byte(k.String()), nil
	default:
		return nil, fmt.Errorf("invalid VCS kind %d", int(k))
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
