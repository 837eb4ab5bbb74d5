package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/tabletalk/tabletalk/internal/config"
	"github.com/tabletalk/tabletalk/internal/dataset"
	"github.com/tabletalk/tabletalk/internal/observability"
)

type uploadResponse struct {
	SessionID string   `json:"session_id"`
	Filename  string   `json:"filename"`
	Dialect   string   `json:"dialect"`
	Tables    []string `json:"tables"`
}

func handleUpload(cfg config.Config, deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil || deps.Stage == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "UPLOAD_NOT_CONFIGURED", "upload dependencies are not configured", false, nil)
		return
	}
	if err := requireRole(r, "datasets"); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, cfg.Upload.MaxBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(r.Context(), w, http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE", "uploaded file exceeds the size limit", false, map[string]any{"max_bytes": cfg.Upload.MaxBytes})
			return
		}
		writeError(r.Context(), w, http.StatusBadRequest, "UPLOAD_FILE_REQUIRED", "multipart field \"file\" is required", false, map[string]any{"details": err.Error()})
		return
	}
	defer file.Close()

	observability.ObserveUploadSize(header.Size)

	src, dir, err := deps.Stage(r.Context(), file, header.Filename, cfg.Upload.TempRoot)
	if err != nil {
		switch {
		case errors.Is(err, dataset.ErrUnsupported):
			writeError(r.Context(), w, http.StatusUnsupportedMediaType, "UPLOAD_UNSUPPORTED_FORMAT", err.Error(), false, nil)
		case errors.Is(err, dataset.ErrInvalid):
			writeError(r.Context(), w, http.StatusBadRequest, "UPLOAD_INVALID_FILE", err.Error(), false, nil)
		default:
			writeError(r.Context(), w, http.StatusInternalServerError, "UPLOAD_FAILED", "failed to stage uploaded dataset", true, map[string]any{"details": err.Error()})
		}
		return
	}

	sess := deps.Sessions.Create(src, dir, header.Filename)

	tables, err := src.ListTables(r.Context())
	if err != nil {
		if deps.Logger != nil {
			deps.Logger.WarnContext(r.Context(), "listing tables after upload failed",
				slog.String("session_id", sess.ID), slog.Any("error", err))
		}
		tables = nil
	}

	writeJSON(w, http.StatusCreated, uploadResponse{
		SessionID: sess.ID,
		Filename:  sess.Filename,
		Dialect:   sess.Dialect,
		Tables:    tables,
	})
}
