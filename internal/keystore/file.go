package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/gofrs/flock"
	"github.com/kiranshivaraju/magickapi/pkg/models"
)

const lockRetryDelay = 10 * time.Millisecond

// FilePersister stores all keys in a single JSON document.
// Writes go to a temp file in the same directory which then replaces the
// target by rename, so a failed write leaves the previous document intact.
// Lock takes an exclusive flock on a sibling "<path>.lock" file.
type FilePersister struct {
	path string
}

// NewFilePersister returns a persister for the JSON document at path.
func NewFilePersister(path string) *FilePersister {
	return &FilePersister{path: path}
}

// Path returns the document location.
func (p *FilePersister) Path() string {
	return p.path
}

// Lock blocks until the lock file is held or ctx is done.
func (p *FilePersister) Lock(ctx context.Context) (func(), error) {
	fl := flock.New(p.path + ".lock")
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", fl.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("lock %s: %w", fl.Path(), ctx.Err())
	}
	return func() { fl.Unlock() }, nil
}

type fileDocument struct {
	Keys map[string]fileRecord `json:"keys"`
}

type fileRecord struct {
	Name           string     `json:"name"`
	SecretHash     string     `json:"secret_hash"`
	Salt           string     `json:"salt"`
	HashIterations int        `json:"hash_iterations"`
	Permissions    []string   `json:"permissions"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      *time.Time `json:"expires_at"`
	Revoked        bool       `json:"revoked"`
	UsageCount     int64      `json:"usage_count"`
	LastUsedAt     *time.Time `json:"last_used_at"`
}

func fileRecordFromModel(k *models.APIKey) fileRecord {
	return fileRecord{
		Name:           k.Name,
		SecretHash:     k.SecretHash,
		Salt:           k.Salt,
		HashIterations: k.HashIterations,
		Permissions:    k.PermissionStrings(),
		CreatedAt:      k.CreatedAt,
		ExpiresAt:      k.ExpiresAt,
		Revoked:        k.Revoked,
		UsageCount:     k.UsageCount,
		LastUsedAt:     k.LastUsedAt,
	}
}

func (r fileRecord) toModel(keyID string) *models.APIKey {
	perms := make([]models.Permission, len(r.Permissions))
	for i, p := range r.Permissions {
		perms[i] = models.Permission(p)
	}
	return &models.APIKey{
		KeyID:          keyID,
		Name:           r.Name,
		SecretHash:     r.SecretHash,
		Salt:           r.Salt,
		HashIterations: r.HashIterations,
		Permissions:    perms,
		CreatedAt:      r.CreatedAt,
		ExpiresAt:      r.ExpiresAt,
		Revoked:        r.Revoked,
		UsageCount:     r.UsageCount,
		LastUsedAt:     r.LastUsedAt,
	}
}

// Load reads the document. A missing file is an empty store.
func (p *FilePersister) Load(ctx context.Context) ([]*models.APIKey, error) {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p.path, err)
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", p.path, err)
	}

	keys := make([]*models.APIKey, 0, len(doc.Keys))
	for id, rec := range doc.Keys {
		keys = append(keys, rec.toModel(id))
	}
	return keys, nil
}

// GetAPIKey reads the document and returns the record for keyID.
func (p *FilePersister) GetAPIKey(ctx context.Context, keyID string) (*models.APIKey, error) {
	keys, err := p.Load(ctx)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if k.KeyID == keyID {
			return k, nil
		}
	}
	return nil, ErrNotFound
}

// Save atomically replaces the document with keys.
func (p *FilePersister) Save(ctx context.Context, keys []*models.APIKey) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	doc := fileDocument{Keys: make(map[string]fileRecord, len(keys))}
	for _, k := range keys {
		doc.Keys[k.KeyID] = fileRecordFromModel(k)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode keys: %w", err)
	}

	dir := filepath.Dir(p.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(p.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if err = tmp.Chmod(0o600); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmpName, p.path); err != nil {
		return fmt.Errorf("replace %s: %w", p.path, err)
	}
	if err := syncDir(dir); err != nil {
		return fmt.Errorf("sync %s: %w", dir, err)
	}
	return nil
}

// syncDir flushes the directory entry so a completed rename survives a crash.
func syncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
