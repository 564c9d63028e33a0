package http

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apierrors "keygate/internal/errors"
	"keygate/internal/license"
	keymw "keygate/internal/middleware"
	"keygate/internal/services"
)

// KeyHandler serves the public key endpoints
type KeyHandler struct {
	service      services.KeyService
	validator    *keymw.Validator
	logger       *slog.Logger
	errorHandler *apierrors.ErrorHandler
}

// NewKeyHandler creates a new key handler
func NewKeyHandler(service services.KeyService, logger *slog.Logger, errorHandler *apierrors.ErrorHandler) *KeyHandler {
	return &KeyHandler{
		service:      service,
		validator:    keymw.NewValidator(),
		logger:       logger.With(slog.String("handler", "key")),
		errorHandler: errorHandler,
	}
}

// Routes mounts the key endpoints on r
func (h *KeyHandler) Routes(r chi.Router) {
	r.Post("/generate-key", h.GenerateKey)
	r.Post("/activate-key", h.ActivateKey)
	r.Post("/scan", h.Scan)
}

// GenerateKeyRequest is the issuance payload. Duration is the name older
// clients send for the entitlement class.
type GenerateKeyRequest struct {
	EntitlementClass string `json:"entitlement_class" validate:"required"`
	Duration         string `json:"duration,omitempty"`
}

// ActivateKeyRequest is the activation payload
type ActivateKeyRequest struct {
	Key string `json:"key" validate:"required"`
}

// ScanRequest is the metered lookup payload. DiscordID and APIKey are
// accepted as aliases.
type ScanRequest struct {
	SubjectID string `json:"subject_id" validate:"required,max=64"`
	Key       string `json:"key" validate:"required"`
	DiscordID string `json:"discordId,omitempty"`
	APIKey    string `json:"apiKey,omitempty"`
}

// GenerateKeyResponse is returned by POST /api/generate-key
type GenerateKeyResponse struct {
	Success          bool   `json:"success"`
	Key              string `json:"key"`
	EntitlementClass string `json:"entitlement_class"`
	UsageLimit       int    `json:"usage_limit"`
	Unlimited        bool   `json:"unlimited"`
}

// ActivateKeyResponse is returned by POST /api/activate-key
type ActivateKeyResponse struct {
	Success          bool   `json:"success"`
	EntitlementClass string `json:"entitlement_class"`
	Remaining        int    `json:"remaining"`
	Limit            int    `json:"limit"`
	UsageCount       int    `json:"usage_count"`
	Unlimited        bool   `json:"unlimited"`
}

// ScanResponse is returned by POST /api/scan
type ScanResponse struct {
	Success               bool   `json:"success"`
	DisplayName           string `json:"display_name"`
	Discriminator         string `json:"discriminator"`
	SubjectID             string `json:"subject_id"`
	AvatarRef             string `json:"avatar_ref"`
	Flagged               bool   `json:"flagged"`
	SecondaryFlagged      bool   `json:"secondary_flagged"`
	FlaggedCount          int    `json:"flagged_count"`
	SecondaryFlaggedCount int    `json:"secondary_flagged_count"`
	Remaining             int    `json:"remaining"`
	Unlimited             bool   `json:"unlimited"`
	EntitlementClass      string `json:"entitlement_class"`
}

// decode reads a JSON body into v. An empty body decodes to the zero value
// so that missing fields are reported as missing parameters.
func decode(r *http.Request, v interface{}) error {
	if err := render.DecodeJSON(r.Body, v); err != nil && !errors.Is(err, io.EOF) {
		return apierrors.InvalidRequestWithError(err)
	}
	return nil
}

// GenerateKey handles POST /api/generate-key
func (h *KeyHandler) GenerateKey(w http.ResponseWriter, r *http.Request) {
	var req GenerateKeyRequest
	if err := decode(r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	if req.EntitlementClass == "" {
		req.EntitlementClass = req.Duration
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	key, err := h.service.GenerateKey(r.Context(), req.EntitlementClass)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.logger.DebugContext(r.Context(), "generate-key served",
		slog.String("request_id", keymw.GetReqID(r.Context())),
		slog.String("entitlement_class", key.EntitlementClass))

	render.JSON(w, r, GenerateKeyResponse{
		Success:          true,
		Key:              key.Key,
		EntitlementClass: key.EntitlementClass,
		UsageLimit:       key.UsageLimit,
		Unlimited:        key.Unlimited,
	})
}

// ActivateKey handles POST /api/activate-key
func (h *KeyHandler) ActivateKey(w http.ResponseWriter, r *http.Request) {
	var req ActivateKeyRequest
	if err := decode(r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	result, err := h.service.ActivateKey(r.Context(), req.Key)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	render.JSON(w, r, ActivateKeyResponse{
		Success:          true,
		EntitlementClass: result.EntitlementClass,
		Remaining:        result.Remaining,
		Limit:            result.Limit,
		UsageCount:       result.UsageCount,
		Unlimited:        result.Unlimited,
	})
}

// Scan handles POST /api/scan
func (h *KeyHandler) Scan(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if err := decode(r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	if req.SubjectID == "" {
		req.SubjectID = req.DiscordID
	}
	if req.Key == "" {
		req.Key = req.APIKey
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	result, err := h.service.ScanSubject(r.Context(), req.SubjectID, req.Key)
	if err != nil {
		h.logger.InfoContext(r.Context(), "scan rejected",
			slog.String("request_id", keymw.GetReqID(r.Context())),
			slog.String("key", license.MaskKey(license.NormalizeKey(req.Key))),
			slog.String("code", license.Code(err)))
		h.errorHandler.HandleError(w, r, err)
		return
	}

	render.JSON(w, r, ScanResponse{
		Success:               true,
		DisplayName:           result.Subject.DisplayName,
		Discriminator:         result.Subject.Discriminator,
		SubjectID:             result.SubjectID,
		AvatarRef:             result.Subject.AvatarRef,
		Flagged:               result.Flags.Flagged,
		SecondaryFlagged:      result.Flags.SecondaryFlagged,
		FlaggedCount:          result.Flags.FlaggedCount,
		SecondaryFlaggedCount: result.Flags.SecondaryFlaggedCount,
		Remaining:             result.Remaining,
		Unlimited:             result.Unlimited,
		EntitlementClass:      result.EntitlementClass,
	})
}
