package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tabletalk/tabletalk/internal/agent"
	"github.com/tabletalk/tabletalk/internal/config"
	"github.com/tabletalk/tabletalk/internal/observability"
	"github.com/tabletalk/tabletalk/internal/session"
	"github.com/tabletalk/tabletalk/internal/source"
)

type ReadinessCheck func(ctx context.Context) error

var errNoAPIKey = errors.New("ai api key is not configured")

// QuestionRunner answers one question against a session's source.
type QuestionRunner interface {
	Run(ctx context.Context, question string, conv *agent.Conversation) (agent.Outcome, error)
}

// SessionStore is the slice of the registry the handlers need.
type SessionStore interface {
	Create(src source.Source, dir, filename string) *session.Session
	Get(id string) (*session.Session, error)
	Delete(id string) error
}

// StageFunc materializes an upload into a queryable source.
type StageFunc func(ctx context.Context, r io.Reader, filename, tempRoot string) (source.Source, string, error)

type Dependencies struct {
	Logger         *slog.Logger
	Readiness      ReadinessCheck
	AuthMiddleware func(http.Handler) http.Handler
	Sessions       SessionStore
	Stage          StageFunc
	NewRunner      func(src source.Source) QuestionRunner
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		if err := deps.Readiness(r.Context()); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	protected := http.NewServeMux()
	protected.HandleFunc("POST /v1/datasets", func(w http.ResponseWriter, r *http.Request) {
		handleUpload(cfg, deps, w, r)
	})
	protected.HandleFunc("POST /v1/sessions/{session}/query", func(w http.ResponseWriter, r *http.Request) {
		handleAsk(cfg, deps, w, r)
	})
	protected.HandleFunc("GET /v1/sessions/{session}", func(w http.ResponseWriter, r *http.Request) {
		handleSessionInfo(deps, w, r)
	})
	protected.HandleFunc("GET /v1/sessions/{session}/schema", func(w http.ResponseWriter, r *http.Request) {
		handleSessionSchema(cfg, deps, w, r)
	})
	protected.HandleFunc("DELETE /v1/sessions/{session}", func(w http.ResponseWriter, r *http.Request) {
		handleSessionDelete(deps, w, r)
	})

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	mux.Handle("POST /v1/datasets", protectedHandler)
	mux.Handle("POST /v1/sessions/{session}/query", protectedHandler)
	mux.Handle("GET /v1/sessions/{session}", protectedHandler)
	mux.Handle("GET /v1/sessions/{session}/schema", protectedHandler)
	mux.Handle("DELETE /v1/sessions/{session}", protectedHandler)

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
		corsMiddleware(cfg.CORS.AllowedOrigins),
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

func CheckAIConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.AI.APIKey == "" {
			return errNoAPIKey
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
