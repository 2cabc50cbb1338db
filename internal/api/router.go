package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	mw "github.com/kiranshivaraju/magickapi/internal/api/middleware"
	"github.com/kiranshivaraju/magickapi/internal/api/response"
	"github.com/kiranshivaraju/magickapi/pkg/models"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit // nil disables rate limiting
	Signature *mw.Signature // nil disables signature checks

	// HealthRequiresKey puts the health endpoint behind the health permission.
	HealthRequiresKey bool
	CORSOrigins       []string
	MaxUploadBytes    int64
	LogRequests       bool

	HealthHandler         http.HandlerFunc
	ProcessHandler        http.HandlerFunc
	WebhookProcessHandler http.HandlerFunc
	CreateKeyHandler      http.HandlerFunc
	ListKeysHandler       http.HandlerFunc
	GetKeyHandler         http.HandlerFunc
	RenameKeyHandler      http.HandlerFunc
	RevokeKeyHandler      http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	if deps.LogRequests {
		r.Use(mw.Logger)
	}
	r.Use(mw.Recovery)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: deps.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key",
			mw.SignatureHeader, mw.TimestampHeader, mw.RequestIDHeader},
		ExposedHeaders: []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset",
			"Retry-After", mw.RequestIDHeader},
		MaxAge: 300,
	}))
	r.Use(limitBody(deps.MaxUploadBytes))

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if deps.HealthRequiresKey {
				r.Use(deps.Auth.Require(models.PermissionHealth))
			} else {
				r.Use(deps.Auth.Optional(models.PermissionHealth))
			}
			r.Get("/health", orNotImplemented(deps.HealthHandler))
		})

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.Require(models.PermissionProcess))
			if deps.RateLimit != nil {
				r.Use(deps.RateLimit.Limit)
			}

			r.Post("/process", orNotImplemented(deps.ProcessHandler))

			r.Group(func(r chi.Router) {
				if deps.Signature != nil {
					r.Use(deps.Signature.Verify)
				}
				r.Post("/webhook/process", orNotImplemented(deps.WebhookProcessHandler))
			})
		})

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.Require(models.PermissionAdmin))

			r.Post("/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Get("/admin/keys/{keyID}", orNotImplemented(deps.GetKeyHandler))
			r.Patch("/admin/keys/{keyID}", orNotImplemented(deps.RenameKeyHandler))
			r.Delete("/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotFound, response.CodeNotFound, "Endpoint not found", nil)
	})

	return r
}

func limitBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if n <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
