// Package api provides HTTP middleware for the VCS store.
package api

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"k8s.io/klog/v2"

	"janitor/vcs"
)

// RequestIDHeader carries the request id in requests and responses.
const RequestIDHeader = "X-Request-ID"

// WithDefaults wraps a handler with standard middleware. A zero timeout
// disables the request timeout.
func WithDefaults(h http.Handler, timeout time.Duration) http.Handler {
	h = CompressMiddleware(h)
	if timeout > 0 {
		h = TimeoutMiddleware(h, timeout)
	}
	return RequestIDMiddleware(LoggingMiddleware(h))
}

// RequestIDMiddleware assigns every request an id, reusing the caller's.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware logs all requests.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(lw, r)
		klog.Infof("%s %s %d %s [%s]", r.Method, r.URL.Path, lw.status, time.Since(start), RequestIDFrom(r.Context()))
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (lw *loggingResponseWriter) WriteHeader(status int) {
	lw.status = status
	lw.ResponseWriter.WriteHeader(status)
}

// TimeoutMiddleware adds a timeout to requests.
func TimeoutMiddleware(next http.Handler, timeout time.Duration) http.Handler {
	return http.TimeoutHandler(next, timeout, "request timeout")
}

// CompressMiddleware decompresses gzip request bodies and compresses
// successful responses with zstd or gzip, whichever the client accepts.
func CompressMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Encoding") == "gzip" {
			gr, err := gzip.NewReader(r.Body)
			if err != nil {
				http.Error(w, "invalid gzip body", http.StatusBadRequest)
				return
			}
			defer gr.Close()
			r.Body = io.NopCloser(gr)
		}

		encoding := negotiateEncoding(r.Header.Get("Accept-Encoding"))
		if encoding == "" {
			next.ServeHTTP(w, r)
			return
		}
		cw := &compressResponseWriter{ResponseWriter: w, encoding: encoding}
		defer cw.Close()
		next.ServeHTTP(cw, r)
	})
}

// negotiateEncoding picks the response encoding from an Accept-Encoding header.
func negotiateEncoding(header string) string {
	accepted := make(map[string]bool)
	for _, part := range strings.Split(header, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.ReplaceAll(strings.TrimSpace(params), " ", "") == "q=0" {
			continue
		}
		accepted[strings.ToLower(strings.TrimSpace(name))] = true
	}
	switch {
	case accepted["zstd"]:
		return "zstd"
	case accepted["gzip"]:
		return "gzip"
	}
	return ""
}

// compressResponseWriter compresses 200 responses. Other statuses, and
// responses that already carry an encoding, pass through unchanged.
type compressResponseWriter struct {
	http.ResponseWriter
	encoding    string
	enc         io.WriteCloser
	wroteHeader bool
}

func (cw *compressResponseWriter) WriteHeader(status int) {
	if cw.wroteHeader {
		return
	}
	cw.wroteHeader = true
	h := cw.Header()
	if status == http.StatusOK && h.Get("Content-Encoding") == "" {
		if enc := newEncoder(cw.encoding, cw.ResponseWriter); enc != nil {
			h.Set("Content-Encoding", cw.encoding)
			h.Del("Content-Length")
			h.Add("Vary", "Accept-Encoding")
			cw.enc = enc
		}
	}
	cw.ResponseWriter.WriteHeader(status)
}

func (cw *compressResponseWriter) Write(p []byte) (int, error) {
	if !cw.wroteHeader {
		cw.WriteHeader(http.StatusOK)
	}
	if cw.enc != nil {
		return cw.enc.Write(p)
	}
	return cw.ResponseWriter.Write(p)
}

func (cw *compressResponseWriter) Close() error {
	if cw.enc == nil {
		return nil
	}
	return cw.enc.Close()
}

func newEncoder(encoding string, w io.Writer) io.WriteCloser {
	switch encoding {
	case "zstd":
		enc, err := zstd.NewWriter(w)
		if err != nil {
			klog.Errorf("creating zstd encoder: %v", err)
			return nil
		}
		return enc
	case "gzip":
		return gzip.NewWriter(w)
	}
	return nil
}

// Context keys for request-scoped values.
type ctxKey int

const (
	requestIDKey ctxKey = iota
	managerKey
)

// RequestIDFrom returns the request id from request context.
func RequestIDFrom(ctx context.Context) string {
	if v := ctx.Value(requestIDKey); v != nil {
		return v.(string)
	}
	return ""
}

// WithManager is middleware that injects the manager serving a route.
func WithManager(m vcs.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), managerKey, m)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ManagerFrom returns the manager from request context.
func ManagerFrom(ctx context.Context) vcs.Manager {
	if v := ctx.Value(managerKey); v != nil {
		return v.(vcs.Manager)
	}
	return nil
}
