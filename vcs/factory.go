package vcs

import (
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"janitor/config"
)

// ManagersFromLocation creates managers from a location string. A plain
// location is a base holding "git" and "bzr" subdirectories or store paths;
// otherwise the location lists "kind=location" pairs separated by commas.
// URLs yield remote managers and filesystem paths local ones.
func ManagersFromLocation(location string, opts ...RemoteOption) (map[Kind]Manager, error) {
	ret := make(map[Kind]Manager)
	if !strings.Contains(location, "=") {
		for _, kind := range Kinds {
			m, err := newManager(kind, joinLocation(location, kind.String()), "", opts)
			if err != nil {
				return nil, err
			}
			ret[kind] = m
		}
		return ret, nil
	}

	for _, part := range strings.Split(location, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, loc, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid VCS location %q: expected kind=location", part)
		}
		kind, err := ParseKind(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		m, err := newManager(kind, strings.TrimSpace(loc), "", opts)
		if err != nil {
			return nil, err
		}
		ret[kind] = m
	}
	return ret, nil
}

// ManagersFromConfig creates a manager for every configured location.
func ManagersFromConfig(cfg *config.Config, opts ...RemoteOption) (map[Kind]Manager, error) {
	ret := make(map[Kind]Manager)
	locations := []struct {
		kind     Kind
		location string
		command  string
	}{
		{Git, cfg.GitLocation, cfg.GitCommand},
		{Bzr, cfg.BzrLocation, cfg.BzrCommand},
	}
	for _, l := range locations {
		if l.location == "" {
			continue
		}
		m, err := newManager(l.kind, l.location, l.command, opts)
		if err != nil {
			return nil, err
		}
		ret[l.kind] = m
	}
	return ret, nil
}

// newManager picks a local manager for file locations and a remote one for
// anything else.
func newManager(kind Kind, location, command string, opts []RemoteOption) (Manager, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("invalid %s location %q: %w", kind, location, err)
	}
	switch u.Scheme {
	case "", "file":
		path := location
		if u.Scheme == "file" {
			path = u.Path
		}
		switch kind {
		case Git:
			m := NewLocalGitManager(path)
			if command != "" {
				m.Command = command
			}
			return m, nil
		case Bzr:
			return NewLocalBzrManager(path, command), nil
		}
	default:
		switch kind {
		case Git:
			return NewRemoteGitManager(u, opts...), nil
		case Bzr:
			return NewRemoteBzrManager(u, opts...), nil
		}
	}
	return nil, fmt.Errorf("unsupported VCS kind %s", kind)
}

func joinLocation(base, elem string) string {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" {
		return filepath.Join(base, elem)
	}
	return u.JoinPath(elem).String()
}

// NewBranchOpener returns the network transport for branches of kind.
func NewBranchOpener(kind Kind, httpClient *http.Client) (BranchOpener, error) {
	switch kind {
	case Git:
		return &gitOpener{}, nil
	case Bzr:
		return newBzrHTTPOpener(httpClient), nil
	}
	return nil, fmt.Errorf("unsupported VCS kind %s", kind)
}
