package http

import (
	"bytes"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apierrors "keygate/internal/errors"
	"keygate/internal/exporter"
	keymw "keygate/internal/middleware"
	"keygate/internal/services"
)

// AdminHandler serves the operator endpoints. Callers mount it behind
// middleware.AdminAuth.
type AdminHandler struct {
	service      services.KeyService
	flagsFile    string
	logger       *slog.Logger
	errorHandler *apierrors.ErrorHandler
}

// NewAdminHandler creates a new admin handler. flagsFile is the path
// re-read by the reload endpoint; it may be empty.
func NewAdminHandler(service services.KeyService, flagsFile string, logger *slog.Logger, errorHandler *apierrors.ErrorHandler) *AdminHandler {
	return &AdminHandler{
		service:      service,
		flagsFile:    flagsFile,
		logger:       logger.With(slog.String("handler", "admin")),
		errorHandler: errorHandler,
	}
}

// Routes returns the admin router
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/keys", h.ListKeys)
	r.Get("/keys/export", h.ExportKeys)
	r.Get("/keys/{key}", h.GetKey)
	r.Post("/flags/reload", h.ReloadFlags)

	return r
}

// ListKeys handles GET /api/admin/keys
func (h *AdminHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	keys := h.service.ListKeys(r.Context())
	render.JSON(w, r, map[string]interface{}{
		"success": true,
		"keys":    keys,
		"count":   len(keys),
		"stats":   h.service.Stats(r.Context()),
	})
}

// GetKey handles GET /api/admin/keys/{key}
func (h *AdminHandler) GetKey(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.GetKey(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]interface{}{
		"success": true,
		"key":     summary,
	})
}

// ExportKeys handles GET /api/admin/keys/export?format=csv|xlsx&mask=true.
// The document is built in memory so a failure can still be answered with a
// problem response.
func (h *AdminHandler) ExportKeys(w http.ResponseWriter, r *http.Request) {
	format, err := exporter.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		h.errorHandler.HandleError(w, r, apierrors.NewWithDetails(
			http.StatusBadRequest,
			"INVALID_FORMAT",
			err.Error(),
			map[string]interface{}{"allowed": []string{"csv", "xlsx"}},
		))
		return
	}

	opts := exporter.Options{BOMPrefix: format == exporter.FormatCSV}
	if raw := r.URL.Query().Get("mask"); raw != "" {
		mask, err := strconv.ParseBool(raw)
		if err != nil {
			h.errorHandler.HandleError(w, r, apierrors.NewWithDetails(
				http.StatusBadRequest,
				"INVALID_REQUEST",
				"mask must be a boolean",
				raw,
			))
			return
		}
		opts.Mask = mask
	}

	var buf bytes.Buffer
	if err := h.service.ExportKeys(r.Context(), &buf, format, opts); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "key export served",
		slog.String("request_id", keymw.GetReqID(r.Context())),
		slog.String("format", string(format)),
		slog.Int("bytes", buf.Len()))

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="`+format.FileName(time.Now())+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

// ReloadFlags handles POST /api/admin/flags/reload
func (h *AdminHandler) ReloadFlags(w http.ResponseWriter, r *http.Request) {
	if h.flagsFile == "" {
		h.errorHandler.HandleError(w, r, apierrors.New(
			http.StatusConflict,
			"FLAGS_FILE_NOT_CONFIGURED",
			"No flags file is configured",
		))
		return
	}
	if err := h.service.ReloadFlags(r.Context(), h.flagsFile); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]interface{}{
		"success": true,
		"message": "flag sets reloaded",
	})
}
