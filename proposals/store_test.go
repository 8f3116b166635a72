package proposals

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"janitor/ratelimit"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "db", "janitor.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndGet(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	when := time.UnixMilli(1700000000000)
	p := Proposal{
		URL:       "https://github.com/jelmer/dulwich/pull/1",
		Codebase:  "dulwich",
		Bucket:    "lintian-fixes",
		Status:    ratelimit.StatusOpen,
		UpdatedAt: when,
	}
	if err := s.Record(ctx, p); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	got, err := s.Get(ctx, p.URL)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if diff := cmp.Diff(p, *got); diff != "" {
		t.Errorf("proposal mismatch (-want +got):\n%s", diff)
	}

	p.Status = ratelimit.StatusMerged
	if err := s.Record(ctx, p); err != nil {
		t.Fatalf("Record update failed: %v", err)
	}
	got, err = s.Get(ctx, p.URL)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != ratelimit.StatusMerged {
		t.Errorf("Status = %q, want merged", got.Status)
	}
}

func TestGetNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Get(context.Background(), "https://example.com/mp/404"); !errors.Is(err, ErrProposalNotFound) {
		t.Errorf("expected ErrProposalNotFound, got %v", err)
	}
}

func TestRecordValidation(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.Record(ctx, Proposal{Codebase: "dulwich", Status: ratelimit.StatusOpen}); err == nil {
		t.Error("expected error for missing URL")
	}
	if err := s.Record(ctx, Proposal{URL: "https://example.com/mp/1", Status: "pending"}); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestCountsByStatus(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	counts, err := s.CountsByStatus(ctx)
	if err != nil {
		t.Fatalf("CountsByStatus failed: %v", err)
	}
	if diff := cmp.Diff(ratelimit.Counts{ratelimit.StatusOpen: {}}, counts); diff != "" {
		t.Errorf("empty counts mismatch (-want +got):\n%s", diff)
	}

	for i, p := range []Proposal{
		{Bucket: "lintian-fixes", Status: ratelimit.StatusOpen},
		{Bucket: "lintian-fixes", Status: ratelimit.StatusOpen},
		{Bucket: "lintian-fixes", Status: ratelimit.StatusMerged},
		{Bucket: "fresh-releases", Status: ratelimit.StatusOpen},
		{Bucket: "fresh-releases", Status: ratelimit.StatusApplied},
		{Bucket: "fresh-releases", Status: ratelimit.StatusRejected},
	} {
		p.URL = "https://example.com/mp/" + string(rune('a'+i))
		p.Codebase = "dulwich"
		if err := s.Record(ctx, p); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	counts, err = s.CountsByStatus(ctx)
	if err != nil {
		t.Fatalf("CountsByStatus failed: %v", err)
	}
	want := ratelimit.Counts{
		ratelimit.StatusOpen:     {"lintian-fixes": 2, "fresh-releases": 1},
		ratelimit.StatusMerged:   {"lintian-fixes": 1},
		ratelimit.StatusApplied:  {"fresh-releases": 1},
		ratelimit.StatusRejected: {"fresh-releases": 1},
	}
	if diff := cmp.Diff(want, counts); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}
}
