package handler

import (
	"context"
	"net/http"
	"time"

	mw "github.com/kiranshivaraju/magickapi/internal/api/middleware"
	"github.com/kiranshivaraju/magickapi/internal/api/response"
)

// Detector reports which ImageMagick binary is available.
type Detector interface {
	Detect(ctx context.Context) (string, error)
}

// Pinger is implemented by the optional backing services.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthDeps holds what the health endpoint reports on. Nil pingers are
// reported as disabled.
type HealthDeps struct {
	Magick      Detector
	Cache       Pinger
	Database    Pinger
	AuthEnabled bool
}

// NewHealthHandler returns an http.HandlerFunc for GET /api/v1/health.
func NewHealthHandler(deps HealthDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		body := map[string]any{
			"status":                "healthy",
			"imagemagick_installed": false,
			"magick_command":        nil,
			"api_auth_enabled":      deps.AuthEnabled,
			"timestamp":             time.Now().UTC().Format(time.RFC3339),
		}

		if cmd, err := deps.Magick.Detect(ctx); err == nil {
			body["imagemagick_installed"] = true
			body["magick_command"] = cmd
		} else {
			body["status"] = "degraded"
		}

		body["rate_limit"] = dependencyStatus(ctx, deps.Cache)
		body["database"] = dependencyStatus(ctx, deps.Database)
		if body["rate_limit"] == "unavailable" || body["database"] == "unavailable" {
			body["status"] = "degraded"
		}

		if key, ok := mw.GetAPIKey(r); ok {
			body["authenticated_as"] = key.Name
		}

		response.JSON(w, body)
	}
}

func dependencyStatus(ctx context.Context, p Pinger) string {
	if p == nil {
		return "disabled"
	}
	if err := p.Ping(ctx); err != nil {
		return "unavailable"
	}
	return "ok"
}
