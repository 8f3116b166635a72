package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing/format/pktline"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/server"
	"k8s.io/klog/v2"
	"lukechampine.com/blake3"

	"janitor/config"
	"janitor/vcs"
)

// Handler serves local repositories for the VCS store.
type Handler struct {
	managers map[vcs.Kind]vcs.Manager
	cfg      *config.Config
}

// NewHandler creates a new API handler.
func NewHandler(managers map[vcs.Kind]vcs.Manager, cfg *config.Config) *Handler {
	return &Handler{managers: managers, cfg: cfg}
}

// NewRouter creates the HTTP router with all routes registered. Each kind
// is served under its own prefix, "/git/" and "/bzr/".
func NewRouter(managers map[vcs.Kind]vcs.Manager, cfg *config.Config) http.Handler {
	h := NewHandler(managers, cfg)
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ready", h.Ready)

	for _, kind := range vcs.Kinds {
		m, ok := managers[kind]
		if !ok {
			continue
		}
		withManager := WithManager(m)
		prefix := "/" + kind.String()

		mux.Handle("GET "+prefix+"/{$}", withManager(http.HandlerFunc(h.ListRepositories)))
		mux.Handle("GET "+prefix+"/{codebase}/diff", withManager(http.HandlerFunc(h.Diff)))
		mux.Handle("GET "+prefix+"/{codebase}/revision-info", withManager(http.HandlerFunc(h.RevisionInfo)))

		switch kind {
		case vcs.Git:
			mux.Handle("GET /git/{codebase}/info/refs", withManager(http.HandlerFunc(h.InfoRefs)))
			mux.Handle("POST /git/{codebase}/git-upload-pack", withManager(http.HandlerFunc(h.UploadPack)))
		case vcs.Bzr:
			mux.Handle("GET /bzr/{codebase}/{path...}", withManager(http.HandlerFunc(h.ControlFile)))
		}
	}

	return mux
}

// ----- Health -----

func (h *Handler) kinds() []string {
	var ret []string
	for _, kind := range vcs.Kinds {
		if _, ok := h.managers[kind]; ok {
			ret = append(ret, kind.String())
		}
	}
	return ret
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Kinds: h.kinds()})
}

// Ready reports whether every served base directory can be listed.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	for _, kind := range vcs.Kinds {
		m, ok := h.managers[kind]
		if !ok {
			continue
		}
		if _, err := m.ListRepositories(); err != nil {
			writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("%s store not ready", kind), err)
			return
		}
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ready", Kinds: h.kinds()})
}

// ----- Repositories -----

func (h *Handler) ListRepositories(w http.ResponseWriter, r *http.Request) {
	m := ManagerFrom(r.Context())

	pattern := r.URL.Query().Get("match")
	if pattern != "" && !doublestar.ValidatePattern(pattern) {
		writeError(w, http.StatusBadRequest, "invalid match pattern", doublestar.ErrBadPattern)
		return
	}

	names, err := m.ListRepositories()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list repositories", err)
		return
	}

	ret := make([]string, 0, len(names))
	for _, name := range names {
		if pattern != "" {
			if ok, _ := doublestar.Match(pattern, name); !ok {
				continue
			}
		}
		ret = append(ret, name)
	}
	slices.Sort(ret)

	writeJSON(w, http.StatusOK, RepositoryListResponse{Repositories: ret})
}

// ----- Revisions -----

func (h *Handler) Diff(w http.ResponseWriter, r *http.Request) {
	m := ManagerFrom(r.Context())
	codebase, err := codebaseFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid codebase", err)
		return
	}
	oldRevID, newRevID, err := revisionsFrom(m.Kind(), r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid revision", err)
		return
	}

	diff, err := m.GetDiff(r.Context(), codebase, oldRevID, newRevID)
	if err != nil {
		writeManagerError(w, codebase, err)
		return
	}

	sum := blake3.Sum256(diff)
	etag := `"` + hex.EncodeToString(sum[:]) + `"`
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "text/x-diff")
	w.WriteHeader(http.StatusOK)
	w.Write(diff)
}

func (h *Handler) RevisionInfo(w http.ResponseWriter, r *http.Request) {
	m := ManagerFrom(r.Context())
	codebase, err := codebaseFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid codebase", err)
		return
	}
	oldRevID, newRevID, err := revisionsFrom(m.Kind(), r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid revision", err)
		return
	}

	infos, err := m.GetRevisionInfo(r.Context(), codebase, oldRevID, newRevID)
	if err != nil {
		writeManagerError(w, codebase, err)
		return
	}
	if infos == nil {
		infos = []vcs.RevisionInfo{}
	}
	writeJSON(w, http.StatusOK, infos)
}

// ----- Git smart HTTP -----

// repositoryLoader loads git object stores through a manager.
type repositoryLoader struct {
	ctx     context.Context
	manager vcs.Manager
}

func (l *repositoryLoader) Load(ep *transport.Endpoint) (storer.Storer, error) {
	codebase := strings.TrimPrefix(ep.Path, "/")
	repo, err := l.manager.GetRepository(l.ctx, codebase)
	if err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, transport.ErrRepositoryNotFound
	}
	gr, ok := vcs.GitStore(repo)
	if !ok {
		return nil, transport.ErrRepositoryNotFound
	}
	return gr.Storer, nil
}

func uploadPackSession(ctx context.Context, m vcs.Manager, codebase string) (transport.UploadPackSession, error) {
	srv := server.NewServer(&repositoryLoader{ctx: ctx, manager: m})
	return srv.NewUploadPackSession(&transport.Endpoint{Protocol: "file", Path: "/" + codebase}, nil)
}

func writeSessionError(w http.ResponseWriter, codebase string, err error) {
	if errors.Is(err, transport.ErrRepositoryNotFound) {
		writeError(w, http.StatusNotFound, "repository not found", nil)
		return
	}
	klog.Errorf("opening upload-pack session for %s: %v", codebase, err)
	writeError(w, http.StatusInternalServerError, "internal error", err)
}

// InfoRefs advertises the references of a repository to smart HTTP clients.
func (h *Handler) InfoRefs(w http.ResponseWriter, r *http.Request) {
	codebase, err := codebaseFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid codebase", err)
		return
	}
	if service := r.URL.Query().Get("service"); service != transport.UploadPackServiceName {
		writeError(w, http.StatusForbidden, "unsupported service", fmt.Errorf("service %q", service))
		return
	}

	sess, err := uploadPackSession(r.Context(), ManagerFrom(r.Context()), codebase)
	if err != nil {
		writeSessionError(w, codebase, err)
		return
	}
	defer sess.Close()

	ar, err := sess.AdvertisedReferencesContext(r.Context())
	if errors.Is(err, transport.ErrEmptyRemoteRepository) {
		ar, err = packp.NewAdvRefs(), nil
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to advertise references", err)
		return
	}
	ar.Prefix = [][]byte{
		[]byte("# service=" + transport.UploadPackServiceName + "\n"),
		pktline.Flush,
	}

	w.Header().Set("Content-Type", "application/x-git-upload-pack-advertisement")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if err := ar.Encode(w); err != nil {
		klog.Errorf("encoding advertisement for %s: %v", codebase, err)
	}
}

// UploadPack answers a stateless fetch request.
func (h *Handler) UploadPack(w http.ResponseWriter, r *http.Request) {
	codebase, err := codebaseFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid codebase", err)
		return
	}

	sess, err := uploadPackSession(r.Context(), ManagerFrom(r.Context()), codebase)
	if err != nil {
		writeSessionError(w, codebase, err)
		return
	}
	defer sess.Close()

	req := packp.NewUploadPackRequest()
	if err := req.Decode(r.Body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid upload-pack request", err)
		return
	}
	resp, err := sess.UploadPack(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "upload-pack failed", err)
		return
	}
	defer resp.Close()

	w.Header().Set("Content-Type", "application/x-git-upload-pack-result")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if err := resp.Encode(w); err != nil {
		klog.Errorf("encoding pack for %s: %v", codebase, err)
	}
}

// ----- Bzr dumb HTTP -----

// ControlFile serves files from the .bzr control directories of a codebase.
func (h *Handler) ControlFile(w http.ResponseWriter, r *http.Request) {
	local, ok := ManagerFrom(r.Context()).(interface{ BasePath() string })
	if !ok {
		writeError(w, http.StatusNotFound, "not found", nil)
		return
	}
	codebase, err := codebaseFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid codebase", err)
		return
	}
	rel := r.PathValue("path")
	if !isControlPath(rel) {
		writeError(w, http.StatusNotFound, "not found", nil)
		return
	}

	fs := osfs.New(filepath.Join(local.BasePath(), codebase), osfs.WithBoundOS())
	fi, err := fs.Stat(rel)
	if err != nil || fi.IsDir() {
		writeError(w, http.StatusNotFound, "not found", nil)
		return
	}
	f, err := fs.Open(rel)
	if err != nil {
		writeError(w, http.StatusNotFound, "not found", nil)
		return
	}
	defer f.Close()

	http.ServeContent(w, r, fi.Name(), fi.ModTime(), f)
}

// isControlPath reports whether rel names a file inside a .bzr directory.
func isControlPath(rel string) bool {
	inControlDir := false
	for _, seg := range strings.Split(rel, "/") {
		switch seg {
		case "", ".", "..":
			return false
		case ".bzr":
			inControlDir = true
		}
	}
	return inControlDir
}

// ----- Helpers -----

func codebaseFrom(r *http.Request) (string, error) {
	name := r.PathValue("codebase")
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid codebase name %q", name)
	}
	return name, nil
}

func revisionsFrom(kind vcs.Kind, r *http.Request) (oldRevID, newRevID vcs.RevisionID, err error) {
	q := r.URL.Query()
	oldRevID, err = vcs.ParseStoreRevision(kind, q.Get("old"))
	if err != nil {
		return nil, nil, fmt.Errorf("old: %w", err)
	}
	newRevID, err = vcs.ParseStoreRevision(kind, q.Get("new"))
	if err != nil {
		return nil, nil, fmt.Errorf("new: %w", err)
	}
	return oldRevID, newRevID, nil
}

// writeManagerError maps a manager failure to a response. A missing local
// repository is reported as temporarily inaccessible.
func writeManagerError(w http.ResponseWriter, codebase string, err error) {
	var cmdErr *vcs.CommandError
	switch {
	case errors.Is(err, os.ErrNotExist):
		writeError(w, http.StatusServiceUnavailable,
			fmt.Sprintf("Local VCS repository for %s temporarily inaccessible", codebase), nil)
	case errors.Is(err, vcs.ErrNoSuchRevision):
		writeError(w, http.StatusNotFound, "revision not found", err)
	case errors.As(err, &cmdErr):
		klog.Errorf("%s: %v", codebase, err)
		writeError(w, http.StatusInternalServerError, "VCS command failed", err)
	default:
		klog.Errorf("%s: %v", codebase, err)
		writeError(w, http.StatusInternalServerError, "internal error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	resp := vcs.ErrorResponse{Error: msg}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
