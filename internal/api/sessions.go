package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tabletalk/tabletalk/internal/auth"
	"github.com/tabletalk/tabletalk/internal/config"
	"github.com/tabletalk/tabletalk/internal/session"
)

type sessionInfoResponse struct {
	SessionID string    `json:"session_id"`
	Filename  string    `json:"filename"`
	Dialect   string    `json:"dialect"`
	Tables    []string  `json:"tables"`
	CreatedAt time.Time `json:"created_at"`
	Questions int       `json:"questions"`
}

type sessionSchemaResponse struct {
	SessionID string   `json:"session_id"`
	Tables    []string `json:"tables"`
	Schema    string   `json:"schema"`
}

func handleSessionInfo(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "session dependencies are not configured", false, nil)
		return
	}
	if err := requireRole(r, "query"); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	sess, err := deps.Sessions.Get(r.PathValue("session"))
	if err != nil {
		writeError(r.Context(), w, http.StatusNotFound, "SESSION_NOT_FOUND", err.Error(), false, nil)
		return
	}

	src, release, err := sess.Acquire()
	if err != nil {
		if errors.Is(err, session.ErrClosed) {
			writeError(r.Context(), w, http.StatusGone, "SESSION_DELETED", "session was deleted", false, nil)
			return
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "SESSION_UNAVAILABLE", err.Error(), true, nil)
		return
	}
	tables, err := src.ListTables(r.Context())
	release()
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "SESSION_INFO_FAILED", "failed to list tables", true, map[string]any{"details": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, sessionInfoResponse{
		SessionID: sess.ID,
		Filename:  sess.Filename,
		Dialect:   sess.Dialect,
		Tables:    tables,
		CreatedAt: sess.CreatedAt,
		Questions: sess.Questions(),
	})
}

func handleSessionSchema(cfg config.Config, deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "session dependencies are not configured", false, nil)
		return
	}
	if err := requireRole(r, "query"); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	sess, err := deps.Sessions.Get(r.PathValue("session"))
	if err != nil {
		writeError(r.Context(), w, http.StatusNotFound, "SESSION_NOT_FOUND", err.Error(), false, nil)
		return
	}

	src, release, err := sess.Acquire()
	if err != nil {
		if errors.Is(err, session.ErrClosed) {
			writeError(r.Context(), w, http.StatusGone, "SESSION_DELETED", "session was deleted", false, nil)
			return
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "SESSION_UNAVAILABLE", err.Error(), true, nil)
		return
	}
	defer release()

	tables, err := src.ListTables(r.Context())
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "SCHEMA_FAILED", "failed to list tables", true, map[string]any{"details": err.Error()})
		return
	}
	schema, err := src.DescribeTables(r.Context(), tables, cfg.Agent.SchemaSamples)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "SCHEMA_FAILED", "failed to describe tables", true, map[string]any{"details": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, sessionSchemaResponse{
		SessionID: sess.ID,
		Tables:    tables,
		Schema:    schema,
	})
}

func handleSessionDelete(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "session dependencies are not configured", false, nil)
		return
	}
	if err := requireRole(r, "datasets"); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	id := r.PathValue("session")
	if err := deps.Sessions.Delete(id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(r.Context(), w, http.StatusNotFound, "SESSION_NOT_FOUND", err.Error(), false, nil)
			return
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "SESSION_DELETE_FAILED", err.Error(), true, nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "session_id": id})
}

func requireRole(r *http.Request, role string) error {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return nil
	}
	if identity.HasRole(role) {
		return nil
	}
	return fmt.Errorf("missing required role %q", role)
}
