// Package auth decides whether a presented API key grants a permission.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/magickapi/internal/keystore"
	"github.com/kiranshivaraju/magickapi/pkg/models"
)

var (
	// ErrUnauthenticated covers missing, unknown, wrong, revoked and expired
	// credentials alike so callers cannot learn a key's state.
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
)

// KeyStore is the subset of the keystore the authenticator depends on.
type KeyStore interface {
	Verify(ctx context.Context, keyID, raw string) (*models.APIKey, error)
	RecordUsage(ctx context.Context, keyID string) (*models.APIKey, error)
}

// Result describes the key that was granted access.
type Result struct {
	KeyID       string              `json:"key_id"`
	Name        string              `json:"name"`
	Permissions []models.Permission `json:"permissions"`
}

// Authenticator checks credentials against a KeyStore.
type Authenticator struct {
	keys   KeyStore
	now    func() time.Time
	logger *slog.Logger
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) { a.now = now }
}

// WithLogger sets the audit logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Authenticator) { a.logger = l }
}

// New creates an Authenticator.
func New(keys KeyStore, opts ...Option) *Authenticator {
	a := &Authenticator{
		keys:   keys,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authorize resolves credential to its key, verifies it and checks that
// permission is granted. Success is recorded as one usage of the key.
func (a *Authenticator) Authorize(ctx context.Context, credential string, permission models.Permission) (*Result, error) {
	if credential == "" {
		return nil, ErrUnauthenticated
	}

	keyID := keystore.KeyIDFromCredential(credential)

	key, err := a.keys.Verify(ctx, keyID, credential)
	switch {
	case errors.Is(err, keystore.ErrNotFound):
		return nil, a.deny(keyID, "unknown_key")
	case errors.Is(err, keystore.ErrMismatch):
		return nil, a.deny(keyID, "bad_secret")
	case err != nil:
		return nil, fmt.Errorf("verify api key: %w", err)
	}

	now := a.now()
	if key.Revoked {
		return nil, a.deny(keyID, "revoked")
	}
	if key.Expired(now) {
		return nil, a.deny(keyID, "expired")
	}

	if !key.HasPermission(permission) {
		a.logger.Warn("api key lacks permission",
			"key_id", keyID,
			"required", string(permission),
		)
		return nil, ErrForbidden
	}

	used, err := a.keys.RecordUsage(ctx, keyID)
	switch {
	case errors.Is(err, keystore.ErrInactive), errors.Is(err, keystore.ErrNotFound):
		return nil, a.deny(keyID, "revoked_during_request")
	case err != nil:
		return nil, fmt.Errorf("record api key usage: %w", err)
	}

	a.logger.Debug("api key authorized", "key_id", keyID, "permission", string(permission))
	return &Result{
		KeyID:       used.KeyID,
		Name:        used.Name,
		Permissions: used.Permissions,
	}, nil
}

// deny logs the internal reason for an authentication failure and returns
// the uniform error.
func (a *Authenticator) deny(keyID, reason string) error {
	a.logger.Warn("api key rejected", "key_id", keyID, "reason", reason)
	return ErrUnauthenticated
}
