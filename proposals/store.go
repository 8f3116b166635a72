// Package proposals keeps track of merge proposals and feeds their counts to
// the admission rate limiter.
package proposals

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"janitor/ratelimit"
)

//go:embed schema.sql
var schemaSQL string

//go:embed pragmas.sql
var pragmasSQL string

// ErrProposalNotFound is returned when no proposal has the requested URL.
var ErrProposalNotFound = errors.New("merge proposal not found")

// Proposal is a merge proposal opened against a codebase.
type Proposal struct {
	URL       string
	Codebase  string
	Bucket    string
	Status    ratelimit.ProposalStatus
	UpdatedAt time.Time
}

// Store is a SQLite-backed merge proposal table.
type Store struct {
	conn *sql.DB
	path string
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// A single connection keeps the pragmas in effect for every query.
	conn.SetMaxOpenConns(1)

	for _, pragma := range strings.Split(pragmasSQL, "\n") {
		pragma = strings.TrimSpace(pragma)
		if pragma == "" || strings.HasPrefix(pragma, "--") {
			continue
		}
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", pragma, err)
		}
	}

	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{conn: conn, path: path}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Record inserts p or updates the proposal with the same URL.
func (s *Store) Record(ctx context.Context, p Proposal) error {
	if p.URL == "" {
		return errors.New("merge proposal URL is required")
	}
	if _, err := ratelimit.ParseProposalStatus(string(p.Status)); err != nil {
		return err
	}
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO merge_proposal (url, codebase, bucket, status, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			codebase = excluded.codebase,
			bucket = excluded.bucket,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		p.URL, p.Codebase, p.Bucket, string(p.Status), updated.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("recording merge proposal %s: %w", p.URL, err)
	}
	return nil
}

// Get returns the proposal with the given URL.
func (s *Store) Get(ctx context.Context, url string) (*Proposal, error) {
	var (
		p       Proposal
		status  string
		updated int64
	)
	err := s.conn.QueryRowContext(ctx,
		`SELECT url, codebase, bucket, status, updated_at FROM merge_proposal WHERE url = ?`, url,
	).Scan(&p.URL, &p.Codebase, &p.Bucket, &status, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrProposalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying merge proposal: %w", err)
	}
	p.Status = ratelimit.ProposalStatus(status)
	p.UpdatedAt = time.UnixMilli(updated)
	return &p, nil
}

// CountsByStatus returns the number of proposals per status and bucket. The
// result always has an entry for open proposals, so a limiter fed from an
// empty table starts admitting.
func (s *Store) CountsByStatus(ctx context.Context) (ratelimit.Counts, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT status, bucket, COUNT(*) FROM merge_proposal GROUP BY status, bucket`)
	if err != nil {
		return nil, fmt.Errorf("counting merge proposals: %w", err)
	}
	defer rows.Close()

	counts := ratelimit.Counts{ratelimit.StatusOpen: {}}
	for rows.Next() {
		var (
			status, bucket string
			n              int
		)
		if err := rows.Scan(&status, &bucket, &n); err != nil {
			return nil, fmt.Errorf("scanning merge proposal counts: %w", err)
		}
		st := ratelimit.ProposalStatus(status)
		if counts[st] == nil {
			counts[st] = make(map[string]int)
		}
		counts[st][bucket] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("counting merge proposals: %w", err)
	}
	return counts, nil
}
