package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/tabletalk/tabletalk/internal/agent"
	"github.com/tabletalk/tabletalk/internal/config"
	"github.com/tabletalk/tabletalk/internal/llm"
	"github.com/tabletalk/tabletalk/internal/session"
)

type askRequest struct {
	Question string `json:"question"`
}

type askResponse struct {
	SessionID string `json:"session_id"`
	Answer    string `json:"answer"`
	SQL       string `json:"sql,omitempty"`
	Steps     int    `json:"steps"`
}

func handleAsk(cfg config.Config, deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil || deps.NewRunner == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "question dependencies are not configured", false, nil)
		return
	}
	if err := requireRole(r, "query"); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var request askRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid question request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.Question) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
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

	ctx := r.Context()
	if cfg.Agent.QuestionBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Agent.QuestionBudget)
		defer cancel()
	}

	outcome, err := deps.NewRunner(src).Run(ctx, request.Question, sess.Conversation)
	if err != nil {
		switch {
		case errors.Is(err, agent.ErrMaxSteps):
			writeError(r.Context(), w, http.StatusUnprocessableEntity, "MAX_STEPS_EXCEEDED", "could not produce an answer within the step budget, try a more specific question", false, map[string]any{"steps": outcome.Steps})
		case errors.Is(err, llm.ErrUnavailable):
			writeError(r.Context(), w, http.StatusBadGateway, "MODEL_UNAVAILABLE", "language model request failed", true, map[string]any{"details": err.Error()})
		case errors.Is(err, context.DeadlineExceeded):
			writeError(r.Context(), w, http.StatusGatewayTimeout, "QUESTION_TIMEOUT", "question exceeded the time budget", true, nil)
		default:
			writeError(r.Context(), w, http.StatusInternalServerError, "QUESTION_FAILED", "failed to answer question", true, map[string]any{"details": err.Error()})
		}
		return
	}
	sess.CountQuestion()

	writeJSON(w, http.StatusOK, askResponse{
		SessionID: sess.ID,
		Answer:    outcome.Answer,
		SQL:       outcome.SQL,
		Steps:     outcome.Steps,
	})
}
