package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	apierrors "keygate/internal/errors"
)

// AdminAuth guards operator routes with a bearer token checked against a
// bcrypt hash. The plain token never lives in configuration.
func AdminAuth(tokenHash string, handler *apierrors.ErrorHandler, logger *slog.Logger) func(next http.Handler) http.Handler {
	logger = logger.With(slog.String("component", "admin_auth"))
	hash := []byte(tokenHash)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				logger.WarnContext(r.Context(), "missing admin credentials",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", clientIP(r)))
				w.Header().Set("WWW-Authenticate", `Bearer realm="keygate-admin"`)
				handler.HandleError(w, r, apierrors.ErrUnauthorized)
				return
			}

			if err := bcrypt.CompareHashAndPassword(hash, []byte(token)); err != nil {
				logger.WarnContext(r.Context(), "admin authentication failed",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", clientIP(r)))
				handler.HandleError(w, r, apierrors.ErrForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// HashAdminToken returns the bcrypt hash to put in security.admin_token_hash.
func HashAdminToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
