package vcs

import (
	"errors"
	"net/url"
	"strings"
	"time"
)

// Failure codes reported in BranchOpenFailure.Code.
const (
	CodeTooManyRequests        = "too-many-requests"
	CodeHostedOnAlioth         = "hosted-on-alioth"
	CodeUnauthorized           = "401-unauthorized"
	CodeBadGateway             = "502-bad-gateway"
	CodeUnsupportedSvn         = "unsupported-vcs-svn"
	CodeUnsupportedHg          = "unsupported-vcs-hg"
	CodeUnsupportedDarcs       = "unsupported-vcs-darcs"
	CodeUnsupportedFossil      = "unsupported-vcs-fossil"
	CodeUnsupportedCvs         = "unsupported-vcs-cvs"
	CodeUnsupportedProtocol    = "unsupported-vcs-protocol"
	CodeUnsupportedVcs         = "unsupported-vcs"
	CodeBranchMissing          = "branch-missing"
	CodeBranchUnavailable      = "branch-unavailable"
	CodeTemporarilyUnavailable = "branch-temporarily-unavailable"
	CodeUnknown                = "unknown"
)

// Codes is the complete failure code vocabulary.
var Codes = []string{
	CodeTooManyRequests,
	CodeHostedOnAlioth,
	CodeUnauthorized,
	CodeBadGateway,
	CodeUnsupportedSvn,
	CodeUnsupportedHg,
	CodeUnsupportedDarcs,
	CodeUnsupportedFossil,
	CodeUnsupportedCvs,
	CodeUnsupportedProtocol,
	CodeUnsupportedVcs,
	CodeBranchMissing,
	CodeBranchUnavailable,
	CodeTemporarilyUnavailable,
	CodeUnknown,
}

// DefaultLegacyHosts are the hosts of the retired Alioth hosting service.
var DefaultLegacyHosts = []string{
	"svn.debian.org",
	"bzr.debian.org",
	"anonscm.debian.org",
	"hg.debian.org",
	"git.debian.org",
	"alioth.debian.org",
}

// IsAliothURL reports whether rawURL points at one of the default legacy hosts.
func IsAliothURL(rawURL string) bool {
	return hostIn(rawURL, DefaultLegacyHosts)
}

// IsAuthenticatedURL reports whether rawURL uses an authenticated transport.
func IsAuthenticatedURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Scheme == "git+ssh" || u.Scheme == "bzr+ssh"
}

func hostIn(rawURL string, hosts []string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	for _, h := range hosts {
		if host == h {
			return true
		}
	}
	return false
}

// match is a predicate over the failure description and the URL being opened.
type match func(description, rawURL string) bool

type rule struct {
	match match
	code  string
}

func contains(subs ...string) match {
	return func(description, _ string) bool {
		for _, s := range subs {
			if strings.Contains(description, s) {
				return true
			}
		}
		return false
	}
}

func allOf(ms ...match) match {
	return func(description, rawURL string) bool {
		for _, m := range ms {
			if !m(description, rawURL) {
				return false
			}
		}
		return true
	}
}

func urlOnHost(hosts []string) match {
	return func(_, rawURL string) bool {
		return hostIn(rawURL, hosts)
	}
}

const unsupportedProtocol = "Unsupported protocol for url "

var foreignVcsRules = []rule{
	{contains("Subversion branches are not yet"), CodeUnsupportedSvn},
	{contains("Mercurial branches are not yet"), CodeUnsupportedHg},
	{contains("Darcs branches are not yet"), CodeUnsupportedDarcs},
	{contains("Fossil branches are not yet"), CodeUnsupportedFossil},
}

// Classifier converts OpenErrors into BranchOpenFailures.
type Classifier struct {
	unavailable []rule
	missing     []rule
	unsupported []rule
}

// NewClassifier builds a classifier treating legacyHosts as retired hosting.
func NewClassifier(legacyHosts []string) *Classifier {
	if len(legacyHosts) == 0 {
		legacyHosts = DefaultLegacyHosts
	}

	var missingMarkers []string
	for _, h := range legacyHosts {
		missingMarkers = append(missingMarkers, `Not a branch: "https://`+h)
	}

	unavailable := []rule{
		{contains("http code 429: Too Many Requests"), CodeTooManyRequests},
		{urlOnHost(legacyHosts), CodeHostedOnAlioth},
		{contains("Unable to handle http code 401: Unauthorized", "Unexpected HTTP status 401 for "), CodeUnauthorized},
		{contains("Unable to handle http code 502: Bad Gateway", "Unexpected HTTP status 502 for "), CodeBadGateway},
	}
	unavailable = append(unavailable, foreignVcsRules...)

	unsupported := []rule{
		{allOf(contains(unsupportedProtocol), contains(legacyHosts...)), CodeHostedOnAlioth},
		{allOf(contains(unsupportedProtocol), contains("svn://")), CodeUnsupportedSvn},
		{allOf(contains(unsupportedProtocol), contains("cvs+pserver://")), CodeUnsupportedCvs},
		{contains(unsupportedProtocol), CodeUnsupportedProtocol},
	}
	unsupported = append(unsupported, foreignVcsRules...)

	return &Classifier{
		unavailable: unavailable,
		missing: []rule{
			{contains(missingMarkers...), CodeHostedOnAlioth},
		},
		unsupported: unsupported,
	}
}

// DefaultClassifier uses DefaultLegacyHosts.
var DefaultClassifier = NewClassifier(nil)

func firstMatch(rules []rule, description, rawURL, fallback string) string {
	for _, r := range rules {
		if r.match(description, rawURL) {
			return r.code
		}
	}
	return fallback
}

// Classify converts e, raised while opening vcsURL, into a BranchOpenFailure.
// Missing and temporarily unavailable failures name the URL in their
// description.
func (c *Classifier) Classify(vcsURL string, e *OpenError) *BranchOpenFailure {
	f := &BranchOpenFailure{Description: e.Description}

	switch e.Cause {
	case CauseRateLimited:
		f.Code = CodeTooManyRequests
		if e.RetryAfter != nil {
			d := time.Duration(*e.RetryAfter) * time.Second
			f.RetryAfter = &d
		}
	case CauseTemporarilyUnavailable:
		f.Code = CodeTemporarilyUnavailable
		f.Description = e.Error()
	case CauseUnavailable:
		f.Code = firstMatch(c.unavailable, e.Description, vcsURL, CodeBranchUnavailable)
	case CauseMissing:
		f.Code = firstMatch(c.missing, e.Description, vcsURL, CodeBranchMissing)
		f.Description = e.Error()
	case CauseUnsupported:
		f.Code = firstMatch(c.unsupported, e.Description, vcsURL, CodeUnsupportedVcs)
	default:
		f.Code = CodeUnknown
	}
	if f.Description == "" {
		f.Description = f.Code
	}
	return f
}

// ClassifyError converts any error raised while opening vcsURL. Errors that are
// not OpenErrors are classified as CodeUnknown.
func (c *Classifier) ClassifyError(vcsURL string, err error) *BranchOpenFailure {
	var failure *BranchOpenFailure
	if errors.As(err, &failure) {
		return failure
	}
	var oe *OpenError
	if errors.As(err, &oe) {
		return c.Classify(vcsURL, oe)
	}
	return &BranchOpenFailure{Code: CodeUnknown, Description: err.Error()}
}
