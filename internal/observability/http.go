package observability

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const traceHeader = "X-Trace-ID"

// TraceMiddleware adopts the caller's trace ID or mints one, and echoes it
// back in the response header.
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(traceHeader)
		if traceID == "" {
			traceID = newTraceID()
		}
		w.Header().Set(traceHeader, traceID)
		next.ServeHTTP(w, r.WithContext(ContextWithTraceID(r.Context(), traceID)))
	})
}

// LoggingMiddleware emits one line per request. Session-scoped requests
// carry the session ID as its own attribute next to the raw path.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			tracked := &trackedResponse{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(tracked, r)

			args := []any{
				slog.String("trace_id", TraceIDFromContext(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
				slog.Int("status", tracked.status),
				slog.Int64("bytes", tracked.bytes),
				slog.Duration("elapsed", time.Since(start)),
			}
			if id := sessionFromPath(r.URL.Path); id != "" {
				args = append(args, slog.String("session_id", id))
			}
			logger.InfoContext(r.Context(), "http_request", args...)
		})
	}
}

// MetricsMiddleware records request counts and latency. Paths are reduced
// to their route pattern first; labeling by raw path would mint a new
// series per session ID.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		tracked := &trackedResponse{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(tracked, r)

		route := routePattern(r.URL.Path)
		status := strconv.Itoa(tracked.status)
		httpRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		httpRequestDurationSeconds.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

type trackedResponse struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (t *trackedResponse) WriteHeader(status int) {
	t.status = status
	t.ResponseWriter.WriteHeader(status)
}

func (t *trackedResponse) Write(body []byte) (int, error) {
	n, err := t.ResponseWriter.Write(body)
	t.bytes += int64(n)
	return n, err
}

const sessionPrefix = "/v1/sessions/"

// routePattern collapses the session ID path segment to a placeholder.
func routePattern(path string) string {
	rest, ok := strings.CutPrefix(path, sessionPrefix)
	if !ok || rest == "" {
		return path
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return sessionPrefix + "{session}" + rest[i:]
	}
	return sessionPrefix + "{session}"
}

// sessionFromPath extracts the session ID segment, or "" for other routes.
func sessionFromPath(path string) string {
	rest, ok := strings.CutPrefix(path, sessionPrefix)
	if !ok || rest == "" {
		return ""
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i]
	}
	return rest
}

func newTraceID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(buf)
}
