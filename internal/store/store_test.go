package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/magickapi/internal/auth"
	"github.com/kiranshivaraju/magickapi/internal/keystore"
	"github.com/kiranshivaraju/magickapi/internal/store"
	"github.com/kiranshivaraju/magickapi/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	_ store.Store         = (*store.PostgresStore)(nil)
	_ keystore.Persister = (*store.PostgresStore)(nil)
)

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("magickapi_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, store.RunMigrations(connStr))
	// Applying twice is a no-op.
	require.NoError(t, store.RunMigrations(connStr))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

func testKey(id, name string, created time.Time) *models.APIKey {
	return &models.APIKey{
		KeyID:          id,
		Name:           name,
		SecretHash:     "hash-" + id,
		Salt:           "salt-" + id,
		HashIterations: keystore.MinHashIterations,
		Permissions:    []models.Permission{models.PermissionProcess, models.PermissionHealth},
		CreatedAt:      created,
	}
}

func TestPostgres_SaveAndLoad(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	first := testKey("aaaaaaaaaaaaaaaa", "first", now)
	second := testKey("bbbbbbbbbbbbbbbb", "second", now.Add(time.Second))
	exp := now.Add(time.Hour)
	second.ExpiresAt = &exp

	require.NoError(t, s.Save(ctx, []*models.APIKey{first, second}))

	keys, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "first", keys[0].Name)
	assert.Equal(t, "hash-aaaaaaaaaaaaaaaa", keys[0].SecretHash)
	assert.Equal(t, first.Permissions, keys[0].Permissions)
	assert.Nil(t, keys[0].ExpiresAt)
	require.NotNil(t, keys[1].ExpiresAt)
	assert.True(t, exp.Equal(*keys[1].ExpiresAt))
}

func TestPostgres_SaveUpdatesMutableFields(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	k := testKey("cccccccccccccccc", "before", now)
	require.NoError(t, s.Save(ctx, []*models.APIKey{k}))

	updated := k.Clone()
	updated.Name = "after"
	updated.Revoked = true
	updated.UsageCount = 4
	updated.LastUsedAt = &now
	require.NoError(t, s.Save(ctx, []*models.APIKey{updated}))

	got, err := s.GetAPIKey(ctx, k.KeyID)
	require.NoError(t, err)
	assert.Equal(t, "after", got.Name)
	assert.True(t, got.Revoked)
	assert.Equal(t, int64(4), got.UsageCount)
	require.NotNil(t, got.LastUsedAt)
}

func TestPostgres_GetAPIKeyNotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	_, err := s.GetAPIKey(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPostgres_BackingKeystoreSurvivesRestart(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	ctx := context.Background()
	hasher := keystore.WithHasher(keystore.NewHasher(keystore.MinHashIterations))

	ks, err := keystore.Open(ctx, store.NewPostgresStore(pool), hasher)
	require.NoError(t, err)

	key, raw, err := ks.Create(ctx, keystore.CreateParams{Name: "pg", Permissions: []string{"process"}})
	require.NoError(t, err)
	revoked, _, err := ks.Create(ctx, keystore.CreateParams{Name: "pg-revoked"})
	require.NoError(t, err)
	require.NoError(t, ks.Revoke(ctx, revoked.KeyID))

	restarted, err := keystore.Open(ctx, store.NewPostgresStore(pool), hasher)
	require.NoError(t, err)

	_, err = auth.New(restarted).Authorize(ctx, raw, models.PermissionProcess)
	require.NoError(t, err)

	got, err := restarted.Find(ctx, revoked.KeyID)
	require.NoError(t, err)
	assert.True(t, got.Revoked)

	got, err = restarted.Find(ctx, key.KeyID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.UsageCount)
}

func TestPostgres_SharedTableSeesOtherWriters(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	ctx := context.Background()
	hasher := keystore.WithHasher(keystore.NewHasher(keystore.MinHashIterations))

	server, err := keystore.Open(ctx, store.NewPostgresStore(pool), hasher)
	require.NoError(t, err)
	kept, keptRaw, err := server.Create(ctx, keystore.CreateParams{Name: "kept", Permissions: []string{"process"}})
	require.NoError(t, err)
	doomed, doomedRaw, err := server.Create(ctx, keystore.CreateParams{Name: "doomed", Permissions: []string{"process"}})
	require.NoError(t, err)

	admin, err := keystore.Open(ctx, store.NewPostgresStore(pool), hasher)
	require.NoError(t, err)
	require.NoError(t, admin.Revoke(ctx, doomed.KeyID))
	added, _, err := admin.Create(ctx, keystore.CreateParams{Name: "added"})
	require.NoError(t, err)

	authn := auth.New(server)
	_, err = authn.Authorize(ctx, doomedRaw, models.PermissionProcess)
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
	_, err = authn.Authorize(ctx, keptRaw, models.PermissionProcess)
	require.NoError(t, err)

	pg := store.NewPostgresStore(pool)
	got, err := pg.GetAPIKey(ctx, doomed.KeyID)
	require.NoError(t, err)
	assert.True(t, got.Revoked)
	_, err = pg.GetAPIKey(ctx, added.KeyID)
	assert.NoError(t, err)
	got, err = pg.GetAPIKey(ctx, kept.KeyID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.UsageCount)
}

func TestPostgres_LockIsExclusive(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	unlock, err := s.Lock(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = s.Lock(ctx)
	assert.Error(t, err)

	unlock()
	again, err := s.Lock(context.Background())
	require.NoError(t, err)
	again()
}

func TestMigrationsEmbedded(t *testing.T) {
	matches, err := filepath.Glob(filepath.Join("migrations", "*.up.sql"))
	require.NoError(t, err)
	assert.NotEmpty(t, matches)
}
