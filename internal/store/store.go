// Package store persists API keys in Postgres.
package store

import (
	"context"

	"github.com/kiranshivaraju/magickapi/internal/keystore"
	"github.com/kiranshivaraju/magickapi/pkg/models"
)

// ErrNotFound is returned by GetAPIKey for an unknown key id. It is the
// keystore sentinel so PostgresStore satisfies keystore.Persister as is.
var ErrNotFound = keystore.ErrNotFound

// Store is the data access interface for the api_keys table.
type Store interface {
	Ping(ctx context.Context) error

	// Load returns every stored key, oldest first.
	Load(ctx context.Context) ([]*models.APIKey, error)
	// Save writes the complete key set in one transaction.
	Save(ctx context.Context, keys []*models.APIKey) error
	GetAPIKey(ctx context.Context, keyID string) (*models.APIKey, error)
	// Lock takes a database-wide advisory lock on the api_keys table.
	Lock(ctx context.Context) (func(), error)
}
