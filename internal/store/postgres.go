package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/magickapi/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// apiKeysLockID is the pg_advisory_lock key guarding load-modify-save cycles
// on api_keys.
const apiKeysLockID int64 = 0x6d61676963

// Lock holds a session advisory lock on a dedicated pooled connection until
// unlock is called.
func (s *PostgresStore) Lock(ctx context.Context) (func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, apiKeysLockID); err != nil {
		conn.Release()
		return nil, fmt.Errorf("lock api keys: %w", err)
	}
	return func() {
		if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, apiKeysLockID); err != nil {
			// A session lock outlives Release, so the connection must not return to the pool.
			conn.Conn().Close(context.Background())
		}
		conn.Release()
	}, nil
}

const selectAPIKeys = `SELECT key_id, name, secret_hash, salt, hash_iterations, permissions,
	created_at, expires_at, revoked, usage_count, last_used_at FROM api_keys`

func (s *PostgresStore) Load(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx, selectAPIKeys+` ORDER BY created_at, key_id`)
	if err != nil {
		return nil, fmt.Errorf("load api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) GetAPIKey(ctx context.Context, keyID string) (*models.APIKey, error) {
	k, err := scanAPIKey(s.pool.QueryRow(ctx, selectAPIKeys+` WHERE key_id = $1`, keyID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return k, nil
}

// Save upserts every key inside a single transaction. Keys are never deleted,
// so the table after commit equals the given set.
func (s *PostgresStore) Save(ctx context.Context, keys []*models.APIKey) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, k := range keys {
			batch.Queue(
				`INSERT INTO api_keys (key_id, name, secret_hash, salt, hash_iterations, permissions,
				   created_at, expires_at, revoked, usage_count, last_used_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
				 ON CONFLICT (key_id) DO UPDATE SET
				   name = EXCLUDED.name,
				   permissions = EXCLUDED.permissions,
				   expires_at = EXCLUDED.expires_at,
				   revoked = EXCLUDED.revoked,
				   usage_count = EXCLUDED.usage_count,
				   last_used_at = EXCLUDED.last_used_at`,
				k.KeyID, k.Name, k.SecretHash, k.Salt, k.HashIterations, k.PermissionStrings(),
				k.CreatedAt, k.ExpiresAt, k.Revoked, k.UsageCount, k.LastUsedAt,
			)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("save api keys: %w", err)
	}
	return nil
}

func scanAPIKey(row pgx.Row) (*models.APIKey, error) {
	var (
		k     models.APIKey
		perms []string
	)
	if err := row.Scan(&k.KeyID, &k.Name, &k.SecretHash, &k.Salt, &k.HashIterations, &perms,
		&k.CreatedAt, &k.ExpiresAt, &k.Revoked, &k.UsageCount, &k.LastUsedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan api key: %w", err)
	}
	k.Permissions = make([]models.Permission, len(perms))
	for i, p := range perms {
		k.Permissions[i] = models.Permission(p)
	}
	return &k, nil
}
