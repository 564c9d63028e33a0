package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/render"

	"keygate/internal/infrastructure"
	"keygate/internal/license"
	"keygate/internal/lookup"
)

// Problem types following RFC 7807
const (
	TypeValidation    = "/errors/validation"
	TypeNotFound      = "/errors/not-found"
	TypeUnauthorized  = "/errors/unauthorized"
	TypeForbidden     = "/errors/forbidden"
	TypeRateLimit     = "/errors/rate-limit"
	TypeInternal      = "/errors/internal"
	TypeServiceDown   = "/errors/service-unavailable"
	TypeTimeout       = "/errors/timeout"
	TypeBadRequest    = "/errors/bad-request"
	TypeMethodInvalid = "/errors/method-not-allowed"
)

// Domain-specific problem types
const (
	TypeMissingParameter   = "/errors/key/missing-parameter"
	TypeInvalidKey         = "/errors/key/invalid"
	TypeQuotaExhausted     = "/errors/key/quota-exhausted"
	TypeUnknownEntitlement = "/errors/key/unknown-entitlement"
	TypeLookupNotFound     = "/errors/lookup/not-found"
	TypeLookupUnavailable  = "/errors/lookup/unavailable"
)

// ErrorHandler converts errors into RFC 7807 responses. Every problem carries
// success=false, a machine readable code and the error message, which is the
// shape the key endpoints have always answered with.
type ErrorHandler struct {
	logger       *slog.Logger
	includeStack bool
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *slog.Logger, includeStack bool) *ErrorHandler {
	return &ErrorHandler{
		logger:       infrastructure.WithComponent(logger, "error_handler"),
		includeStack: includeStack,
	}
}

// HandleError converts any error to RFC 7807 format and responds
func (h *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}

	problem := h.ErrorToProblem(err, r)
	traceID := infrastructure.GetTraceID(r.Context())
	if traceID != "" {
		problem.WithExtension("trace_id", traceID)
	}

	level := slog.LevelInfo
	if problem.Status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.Log(r.Context(), level, "request failed",
		slog.String("error", err.Error()),
		slog.Int("status", problem.Status),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
	)

	render.Render(w, r, problem)
}

// ErrorToProblem converts an error to RFC 7807 Problem Details
func (h *ErrorHandler) ErrorToProblem(err error, r *http.Request) *ProblemDetails {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return h.apiErrorToProblem(apiErr, r)
	}

	var quotaErr *license.QuotaError
	switch {
	case errors.Is(err, license.ErrMissingParameter):
		return domainProblem(http.StatusBadRequest, TypeMissingParameter, license.ErrCodeMissingParameter,
			"Missing Parameter", err.Error(), r)

	case errors.Is(err, license.ErrUnknownEntitlement):
		return domainProblem(http.StatusBadRequest, TypeUnknownEntitlement, license.ErrCodeUnknownEntitlement,
			"Unknown Entitlement", err.Error(), r)

	case errors.Is(err, license.ErrInvalidKey):
		return domainProblem(http.StatusNotFound, TypeInvalidKey, license.ErrCodeInvalidKey,
			"Invalid Key", "Invalid API key", r)

	case errors.As(err, &quotaErr):
		return domainProblem(http.StatusForbidden, TypeQuotaExhausted, license.ErrCodeQuotaExhausted,
			"Scan Limit Reached", "Scan limit reached for this key", r).
			WithExtension("limit_reached", true).
			WithExtension("remaining", 0).
			WithExtension("usage_count", quotaErr.Record.UsageCount).
			WithExtension("usage_limit", quotaErr.Record.UsageLimit).
			WithExtension("entitlement_class", quotaErr.Record.EntitlementClass)

	case errors.Is(err, license.ErrQuotaExhausted):
		return domainProblem(http.StatusForbidden, TypeQuotaExhausted, license.ErrCodeQuotaExhausted,
			"Scan Limit Reached", "Scan limit reached for this key", r).
			WithExtension("limit_reached", true).
			WithExtension("remaining", 0)

	case errors.Is(err, license.ErrLookupFailed) && errors.Is(err, lookup.ErrSubjectNotFound):
		return domainProblem(http.StatusNotFound, TypeLookupNotFound, license.ErrCodeLookupFailed,
			"Lookup Failed", "User not found or error fetching data", r)

	case errors.Is(err, license.ErrLookupFailed):
		return domainProblem(http.StatusBadGateway, TypeLookupUnavailable, license.ErrCodeLookupFailed,
			"Lookup Failed", "Error fetching data from the identity provider", r)

	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return domainProblem(http.StatusGatewayTimeout, TypeTimeout, "TIMEOUT",
			"Request Timeout", "The request took too long to process and was cancelled", r)

	default:
		// store invariant violations and persistence failures land here
		return domainProblem(http.StatusInternalServerError, TypeInternal, license.ErrCodeInternal,
			"Internal Server Error", "An unexpected error occurred while processing your request", r)
	}
}

func domainProblem(status int, problemType, code, title, detail string, r *http.Request) *ProblemDetails {
	return NewProblemDetails(status, problemType, title, detail, r.URL.Path).
		WithExtension("success", false).
		WithExtension("code", code).
		WithExtension("error", detail)
}

// apiErrorToProblem converts APIError to ProblemDetails
func (h *ErrorHandler) apiErrorToProblem(apiErr *APIError, r *http.Request) *ProblemDetails {
	problemType := TypeInternal
	switch apiErr.ErrorCode {
	case "VALIDATION_FAILED":
		problemType = TypeValidation
	case "INVALID_REQUEST":
		problemType = TypeBadRequest
	case "NOT_FOUND":
		problemType = TypeNotFound
	case "UNAUTHORIZED":
		problemType = TypeUnauthorized
	case "FORBIDDEN":
		problemType = TypeForbidden
	case "RATE_LIMIT_EXCEEDED":
		problemType = TypeRateLimit
	case "SERVICE_UNAVAILABLE":
		problemType = TypeServiceDown
	}

	problem := domainProblem(apiErr.StatusCode, problemType, apiErr.ErrorCode,
		http.StatusText(apiErr.StatusCode), apiErr.Message, r)

	if apiErr.Details != nil {
		problem.WithExtension("details", apiErr.Details)
	}

	return problem
}

// HandlePanic renders a 500 problem for a recovered panic
func (h *ErrorHandler) HandlePanic(w http.ResponseWriter, r *http.Request, recovered interface{}) {
	h.logger.ErrorContext(r.Context(), "panic recovered",
		slog.Any("panic", recovered),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("stack", string(debug.Stack())),
	)

	problem := domainProblem(http.StatusInternalServerError, TypeInternal, license.ErrCodeInternal,
		"Internal Server Error", "An unexpected error occurred", r)
	if traceID := infrastructure.GetTraceID(r.Context()); traceID != "" {
		problem.WithExtension("trace_id", traceID)
	}

	if h.includeStack {
		problem.WithExtension("panic", fmt.Sprintf("%v", recovered))
		problem.WithExtension("stack", string(debug.Stack()))
	}

	render.Render(w, r, problem)
}

// NotFound returns a standard 404 error
func (h *ErrorHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	render.Render(w, r, domainProblem(http.StatusNotFound, TypeNotFound, "NOT_FOUND",
		"Not Found", "The requested resource was not found", r))
}

// MethodNotAllowed returns a standard 405 error
func (h *ErrorHandler) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	render.Render(w, r, domainProblem(http.StatusMethodNotAllowed, TypeMethodInvalid, "METHOD_NOT_ALLOWED",
		"Method Not Allowed", fmt.Sprintf("Method %s is not allowed for this endpoint", r.Method), r))
}
