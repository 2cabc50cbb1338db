package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/magickapi/internal/api/response"
	"github.com/kiranshivaraju/magickapi/internal/keystore"
	"github.com/kiranshivaraju/magickapi/pkg/models"
)

// KeyManager is the keystore surface used by the admin endpoints.
type KeyManager interface {
	Create(ctx context.Context, params keystore.CreateParams) (*models.APIKey, string, error)
	Find(ctx context.Context, keyID string) (*models.APIKey, error)
	List(ctx context.Context) ([]*models.APIKey, error)
	Rename(ctx context.Context, keyID, name string) (*models.APIKey, error)
	Revoke(ctx context.Context, keyID string) error
}

type keyView struct {
	*models.APIKey
	Active bool `json:"active"`
}

type createdKey struct {
	keyView
	Credential string `json:"api_key"`
}

func newKeyView(k *models.APIKey, now time.Time) keyView {
	return keyView{APIKey: k, Active: k.Active(now)}
}

// NewCreateKeyHandler returns an http.HandlerFunc for POST /api/v1/admin/keys.
// The raw credential appears in this response only.
func NewCreateKeyHandler(keys KeyManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name        string   `json:"name"`
			Permissions []string `json:"permissions"`
			ExpiresDays *int     `json:"expires_days"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Invalid JSON body", nil)
			return
		}

		params := keystore.CreateParams{Name: req.Name, Permissions: req.Permissions}
		if req.ExpiresDays != nil {
			if *req.ExpiresDays <= 0 {
				response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "expires_days must be positive", nil)
				return
			}
			params.ExpiresIn = time.Duration(*req.ExpiresDays) * 24 * time.Hour
		}

		key, raw, err := keys.Create(r.Context(), params)
		if err != nil {
			writeKeyError(w, r, "create api key", err)
			return
		}

		response.Created(w, createdKey{keyView: newKeyView(key, time.Now()), Credential: raw})
	}
}

// NewListKeysHandler returns an http.HandlerFunc for GET /api/v1/admin/keys.
func NewListKeysHandler(keys KeyManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := keys.List(r.Context())
		if err != nil {
			writeKeyError(w, r, "list api keys", err)
			return
		}

		now := time.Now()
		views := make([]keyView, 0, len(list))
		for _, k := range list {
			views = append(views, newKeyView(k, now))
		}
		response.JSON(w, views)
	}
}

// NewGetKeyHandler returns an http.HandlerFunc for GET /api/v1/admin/keys/{keyID}.
func NewGetKeyHandler(keys KeyManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := keys.Find(r.Context(), chi.URLParam(r, "keyID"))
		if err != nil {
			writeKeyError(w, r, "find api key", err)
			return
		}
		response.JSON(w, newKeyView(key, time.Now()))
	}
}

// NewRenameKeyHandler returns an http.HandlerFunc for PATCH /api/v1/admin/keys/{keyID}.
func NewRenameKeyHandler(keys KeyManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Invalid JSON body", nil)
			return
		}

		key, err := keys.Rename(r.Context(), chi.URLParam(r, "keyID"), req.Name)
		if err != nil {
			writeKeyError(w, r, "rename api key", err)
			return
		}
		response.JSON(w, newKeyView(key, time.Now()))
	}
}

// NewRevokeKeyHandler returns an http.HandlerFunc for DELETE /api/v1/admin/keys/{keyID}.
func NewRevokeKeyHandler(keys KeyManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keyID := chi.URLParam(r, "keyID")
		if err := keys.Revoke(r.Context(), keyID); err != nil {
			writeKeyError(w, r, "revoke api key", err)
			return
		}
		response.JSON(w, map[string]any{"key_id": keyID, "revoked": true})
	}
}

func writeKeyError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, keystore.ErrValidation):
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, err.Error(), nil)
	case errors.Is(err, keystore.ErrNotFound):
		response.Error(w, http.StatusNotFound, response.CodeNotFound, "API key not found", nil)
	default:
		slog.Error(op, "error", err, "path", r.URL.Path)
		response.Error(w, http.StatusInternalServerError, response.CodeInternal, "Failed to "+op, nil)
	}
}
