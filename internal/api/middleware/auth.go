package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/magickapi/internal/api/response"
	"github.com/kiranshivaraju/magickapi/internal/auth"
	"github.com/kiranshivaraju/magickapi/pkg/models"
)

// Authorizer grants or denies a credential a permission.
type Authorizer interface {
	Authorize(ctx context.Context, credential string, permission models.Permission) (*auth.Result, error)
}

// Auth provides API key authentication and permission checks.
type Auth struct {
	authorizer Authorizer
	disabled   bool
}

// NewAuth creates a new Auth middleware. When disabled is true every
// request passes through unauthenticated.
func NewAuth(a Authorizer, disabled bool) *Auth {
	return &Auth{authorizer: a, disabled: disabled}
}

// Require returns middleware that admits only requests whose API key
// grants permission. The authenticated key is stored in the request context.
func (a *Auth) Require(permission models.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a.disabled {
				next.ServeHTTP(w, r)
				return
			}

			res, err := a.authorizer.Authorize(r.Context(), extractCredential(r), permission)
			switch {
			case err == nil:
			case errors.Is(err, auth.ErrUnauthenticated):
				response.Unauthorized(w)
				return
			case errors.Is(err, auth.ErrForbidden):
				response.Error(w, http.StatusForbidden,
					response.CodeForbidden, "API key lacks the "+string(permission)+" permission", nil)
				return
			default:
				slog.Error("authorize request", "error", err, "path", r.URL.Path)
				response.Error(w, http.StatusInternalServerError,
					response.CodeInternal, "Failed to validate API key", nil)
				return
			}

			next.ServeHTTP(w, r.WithContext(SetAPIKey(r.Context(), res)))
		})
	}
}

// Optional behaves like Require when a credential is presented and
// passes anonymous requests through.
func (a *Auth) Optional(permission models.Permission) func(http.Handler) http.Handler {
	require := a.Require(permission)
	return func(next http.Handler) http.Handler {
		checked := require(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if extractCredential(r) == "" {
				next.ServeHTTP(w, r)
				return
			}
			checked.ServeHTTP(w, r)
		})
	}
}

func extractCredential(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
