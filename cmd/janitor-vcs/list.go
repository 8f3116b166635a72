package main

import (
	"fmt"
	"slices"

	"github.com/bmatcuk/doublestar/v4"

	"janitor/vcs"
)

// listRepositories returns the sorted codebases of m matching pattern. An
// empty pattern matches everything.
func listRepositories(m vcs.Manager, pattern string) ([]string, error) {
	if pattern != "" && !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid match pattern %q: %w", pattern, doublestar.ErrBadPattern)
	}
	names, err := m.ListRepositories()
	if err != nil {
		return nil, err
	}
	var ret []string
	for _, name := range names {
		if pattern != "" {
			if ok, _ := doublestar.Match(pattern, name); !ok {
				continue
			}
		}
		ret = append(ret, name)
	}
	slices.Sort(ret)
	return ret, nil
}
