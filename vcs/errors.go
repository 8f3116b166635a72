package vcs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotBranch is returned when no branch exists at a location.
	ErrNotBranch = errors.New("not a branch")
	// ErrRemoteProtocol is returned when the remote server reports a protocol level error.
	ErrRemoteProtocol = errors.New("remote protocol error")
	// ErrInvalidHTTPResponse is returned for unexpected HTTP responses.
	ErrInvalidHTTPResponse = errors.New("invalid http response")
	// ErrConnection is returned when the remote server cannot be reached.
	ErrConnection = errors.New("connection error")
	// ErrBranchReferenceLoop is returned when branch references form a cycle.
	ErrBranchReferenceLoop = errors.New("branch reference loop")
	// ErrUnsupported is returned by operations a manager does not implement.
	ErrUnsupported = errors.New("operation not supported")
	// ErrNoSuchRevision is returned when a revision is not present in a repository.
	ErrNoSuchRevision = errors.New("no such revision")
)

// Cause classifies why a branch could not be opened.
type Cause int

const (
	CauseOther Cause = iota
	CauseRateLimited
	CauseUnavailable
	CauseTemporarilyUnavailable
	CauseMissing
	CauseUnsupported
)

func (c Cause) String() string {
	switch c {
	case CauseRateLimited:
		return "rate-limited"
	case CauseUnavailable:
		return "unavailable"
	case CauseTemporarilyUnavailable:
		return "temporarily-unavailable"
	case CauseMissing:
		return "missing"
	case CauseUnsupported:
		return "unsupported"
	default:
		return "other"
	}
}

// OpenError is a structured failure to open a branch.
type OpenError struct {
	Cause       Cause
	URL         string
	Description string
	// RetryAfter is the backoff advertised by a rate limiting host, in seconds.
	RetryAfter *int
	Err        error
}

func (e *OpenError) Error() string {
	if e.URL != "" && !strings.Contains(e.Description, e.URL) {
		return fmt.Sprintf("%s (%s)", e.Description, e.URL)
	}
	return e.Description
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// BranchOpenFailure is the classified form of an OpenError.
type BranchOpenFailure struct {
	Code        string
	Description string
	RetryAfter  *time.Duration
}

func (f *BranchOpenFailure) Error() string {
	if f.RetryAfter != nil {
		return fmt.Sprintf("%s: %s (retry after %s)", f.Code, f.Description, *f.RetryAfter)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Description)
}

// CommandError reports a failed VCS subprocess.
type CommandError struct {
	Command []string
	Dir     string
	Stderr  string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s (in %s) failed: %v: %s",
		strings.Join(e.Command, " "), e.Dir, e.Err, strings.TrimSpace(e.Stderr))
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
