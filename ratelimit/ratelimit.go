// Package ratelimit decides whether a bucket may open another merge proposal,
// based on periodic snapshots of proposal counts.
package ratelimit

import (
	"fmt"
	"maps"
)

// ProposalStatus is the state of a merge proposal.
type ProposalStatus string

const (
	StatusOpen      ProposalStatus = "open"
	StatusMerged    ProposalStatus = "merged"
	StatusApplied   ProposalStatus = "applied"
	StatusClosed    ProposalStatus = "closed"
	StatusAbandoned ProposalStatus = "abandoned"
	StatusRejected  ProposalStatus = "rejected"
)

// Statuses lists every proposal status.
var Statuses = []ProposalStatus{
	StatusOpen, StatusMerged, StatusApplied, StatusClosed, StatusAbandoned, StatusRejected,
}

// ParseProposalStatus parses a proposal status name.
func ParseProposalStatus(s string) (ProposalStatus, error) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown proposal status %q", s)
}

// absorbed reports whether proposals in status st have been taken upstream.
func (st ProposalStatus) absorbed() bool {
	return st == StatusMerged || st == StatusApplied
}

// Counts maps a proposal status to per-bucket proposal counts.
type Counts map[ProposalStatus]map[string]int

// Kind is the outcome of an admission check.
type Kind int

const (
	// Allowed means the bucket may open another proposal.
	Allowed Kind = iota
	// RateLimited means there is no data to decide on yet.
	RateLimited
	// BucketRateLimited means the bucket is over its cap.
	BucketRateLimited
)

// Status is the result of an admission check. Bucket, OpenMPs and MaxOpenMPs
// are only set for BucketRateLimited.
type Status struct {
	Kind       Kind
	Bucket     string
	OpenMPs    int
	MaxOpenMPs int
}

// Allowed reports whether a new proposal may be opened.
func (s Status) Allowed() bool {
	return s.Kind == Allowed
}

func (s Status) String() string {
	switch s.Kind {
	case Allowed:
		return "Allowed"
	case RateLimited:
		return "RateLimited"
	default:
		return fmt.Sprintf("BucketRateLimited: bucket=%s, open_mps=%d, max_open_mps=%d",
			s.Bucket, s.OpenMPs, s.MaxOpenMPs)
	}
}

// Stats reports a number per bucket: the open count for a fixed limiter and
// the effective limit for a slow start limiter.
type Stats struct {
	PerBucket map[string]int
}

// RateLimiter is an admission policy for merge proposals. Implementations are
// not safe for concurrent mutation; see Synchronized.
type RateLimiter interface {
	// SetMPsPerBucket replaces the state with a fresh snapshot.
	SetMPsPerBucket(counts Counts)
	// CheckAllowed decides whether bucket may open another proposal.
	CheckAllowed(bucket string) Status
	// Inc records a newly opened proposal in bucket.
	Inc(bucket string)
	// GetStats returns nil until the first snapshot.
	GetStats() *Stats
	// GetMaxOpen returns the cap for bucket, if the limiter declares one.
	GetMaxOpen(bucket string) (int, bool)
}

// NonRateLimiter allows everything.
type NonRateLimiter struct{}

// NewNonRateLimiter creates a limiter that never limits.
func NewNonRateLimiter() *NonRateLimiter {
	return &NonRateLimiter{}
}

func (*NonRateLimiter) SetMPsPerBucket(Counts)        {}
func (*NonRateLimiter) CheckAllowed(string) Status    { return Status{Kind: Allowed} }
func (*NonRateLimiter) Inc(string)                    {}
func (*NonRateLimiter) GetStats() *Stats              { return nil }
func (*NonRateLimiter) GetMaxOpen(string) (int, bool) { return 0, false }

// FixedRateLimiter caps the number of open proposals per bucket.
type FixedRateLimiter struct {
	maxMPsPerBucket int
	open            map[string]int
}

// NewFixedRateLimiter creates a limiter admitting buckets with at most
// maxMPsPerBucket open proposals.
func NewFixedRateLimiter(maxMPsPerBucket int) *FixedRateLimiter {
	return &FixedRateLimiter{maxMPsPerBucket: maxMPsPerBucket}
}

func (l *FixedRateLimiter) SetMPsPerBucket(counts Counts) {
	l.open = openCounts(counts)
}

func (l *FixedRateLimiter) CheckAllowed(bucket string) Status {
	if l.open == nil {
		// No snapshot yet.
		return Status{Kind: RateLimited}
	}
	if current := l.open[bucket]; current > l.maxMPsPerBucket {
		return Status{Kind: BucketRateLimited, Bucket: bucket, OpenMPs: current, MaxOpenMPs: l.maxMPsPerBucket}
	}
	return Status{Kind: Allowed}
}

func (l *FixedRateLimiter) Inc(bucket string) {
	if l.open != nil {
		l.open[bucket]++
	}
}

func (l *FixedRateLimiter) GetStats() *Stats {
	if l.open == nil {
		return nil
	}
	return &Stats{PerBucket: maps.Clone(l.open)}
}

// GetMaxOpen reports the fixed cap for every bucket, even before a snapshot
// has been loaded.
func (l *FixedRateLimiter) GetMaxOpen(string) (int, bool) {
	return l.maxMPsPerBucket, true
}

// SlowStartRateLimiter lets a bucket hold one more open proposal than it has
// had merged or applied, up to an optional hard cap.
type SlowStartRateLimiter struct {
	maxMPsPerBucket *int
	open            map[string]int
	absorbed        map[string]int
}

// NewSlowStartRateLimiter creates a slow start limiter. A nil maxMPsPerBucket
// means no hard cap; such a limiter never admits anything.
func NewSlowStartRateLimiter(maxMPsPerBucket *int) *SlowStartRateLimiter {
	return &SlowStartRateLimiter{maxMPsPerBucket: maxMPsPerBucket}
}

func (l *SlowStartRateLimiter) SetMPsPerBucket(counts Counts) {
	l.open = openCounts(counts)
	absorbed := make(map[string]int)
	for status, perBucket := range counts {
		if !status.absorbed() {
			continue
		}
		for bucket, n := range perBucket {
			absorbed[bucket] += n
		}
	}
	l.absorbed = absorbed
}

// limit is the derived cap for bucket: one more than its absorbed count.
func (l *SlowStartRateLimiter) limit(bucket string) int {
	return l.absorbed[bucket] + 1
}

func (l *SlowStartRateLimiter) effectiveLimit(bucket string) int {
	limit := l.limit(bucket)
	if l.maxMPsPerBucket != nil {
		limit = min(limit, *l.maxMPsPerBucket)
	}
	return limit
}

func (l *SlowStartRateLimiter) CheckAllowed(bucket string) Status {
	if l.maxMPsPerBucket == nil || l.open == nil {
		return Status{Kind: RateLimited}
	}
	if current := l.open[bucket]; current > *l.maxMPsPerBucket {
		return Status{Kind: BucketRateLimited, Bucket: bucket, OpenMPs: current, MaxOpenMPs: *l.maxMPsPerBucket}
	}
	return Status{Kind: Allowed}
}

func (l *SlowStartRateLimiter) Inc(bucket string) {
	if l.open != nil {
		l.open[bucket]++
	}
}

func (l *SlowStartRateLimiter) GetStats() *Stats {
	if l.open == nil {
		return nil
	}
	perBucket := make(map[string]int, len(l.open))
	for bucket := range l.open {
		perBucket[bucket] = l.effectiveLimit(bucket)
	}
	return &Stats{PerBucket: perBucket}
}

func (l *SlowStartRateLimiter) GetMaxOpen(bucket string) (int, bool) {
	if l.absorbed == nil {
		return 0, false
	}
	return l.effectiveLimit(bucket), true
}

// openCounts copies the open proposal counts out of a snapshot. A snapshot
// without open counts leaves the limiter without data.
func openCounts(counts Counts) map[string]int {
	open, ok := counts[StatusOpen]
	if !ok {
		return nil
	}
	ret := maps.Clone(open)
	if ret == nil {
		ret = make(map[string]int)
	}
	return ret
}
