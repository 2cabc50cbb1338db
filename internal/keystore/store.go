// Package keystore owns the set of issued API keys. Storage may be shared with
// other processes (the server and magickctl), so every mutation reloads the
// persisted state under the persister's lock, applies the change and saves it
// before the new snapshot becomes visible to readers.
package keystore

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kiranshivaraju/magickapi/pkg/models"
)

var (
	ErrNotFound   = errors.New("api key not found")
	ErrValidation = errors.New("invalid api key request")
	ErrMismatch   = errors.New("api key secret mismatch")
	ErrInactive   = errors.New("api key revoked or expired")

	errKeyIDTaken = errors.New("key id already in use")
)

// StorageError reports that the persister failed to read or write the store.
// When returned from a mutation, neither the in-memory nor the persisted state changed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("keystore %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Persister reads and writes the complete set of keys as one atomic unit.
type Persister interface {
	Load(ctx context.Context) ([]*models.APIKey, error)
	Save(ctx context.Context, keys []*models.APIKey) error
	// GetAPIKey returns the persisted record for keyID, or an error matching
	// ErrNotFound.
	GetAPIKey(ctx context.Context, keyID string) (*models.APIKey, error)
	// Lock excludes every other Lock holder on the same storage, in this or any
	// other process, until unlock is called.
	Lock(ctx context.Context) (func(), error)
}

// CreateParams describes a key to issue. Empty Permissions means
// models.DefaultPermissions; a zero ExpiresIn means the key never expires.
type CreateParams struct {
	Name        string
	Permissions []string
	ExpiresIn   time.Duration
}

const maxCreateAttempts = 5

type snapshot struct {
	keys  map[string]*models.APIKey
	order []string
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		keys:  make(map[string]*models.APIKey, len(s.keys)+1),
		order: make([]string, len(s.order), len(s.order)+1),
	}
	for id, k := range s.keys {
		next.keys[id] = k
	}
	copy(next.order, s.order)
	return next
}

func (s *snapshot) list() []*models.APIKey {
	out := make([]*models.APIKey, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.keys[id])
	}
	return out
}

// update replaces the record for id with a modified copy. Records already
// published in a snapshot are never modified in place.
func (s *snapshot) update(id string, fn func(k *models.APIKey)) {
	c := s.keys[id].Clone()
	fn(c)
	s.keys[id] = c
}

// Option configures a Store.
type Option func(*Store)

// WithHasher sets the hasher used for newly created keys.
func WithHasher(h *Hasher) Option {
	return func(s *Store) { s.hasher = h }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger for mutation events.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store is the key table backed by a Persister. Reads go to the persister;
// mutations are serialized by mu within the process and by the persister lock
// across processes.
type Store struct {
	mu        sync.Mutex
	current   atomic.Pointer[snapshot]
	persister Persister
	hasher    *Hasher
	now       func() time.Time
	logger    *slog.Logger
	dummySalt []byte
}

// Open loads the persisted state and returns a ready Store.
func Open(ctx context.Context, p Persister, opts ...Option) (*Store, error) {
	s := &Store{
		persister: p,
		hasher:    NewHasher(DefaultHashIterations),
		now:       time.Now,
		logger:    slog.Default(),
		dummySalt: make([]byte, saltBytes),
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := rand.Read(s.dummySalt); err != nil {
		return nil, fmt.Errorf("generate dummy salt: %w", err)
	}

	snap, err := s.load(ctx, "load")
	if err != nil {
		return nil, err
	}
	s.current.Store(snap)

	return s, nil
}

// load reads the persisted state into a fresh snapshot.
func (s *Store) load(ctx context.Context, op string) (*snapshot, error) {
	records, err := s.persister.Load(ctx)
	if err != nil {
		return nil, &StorageError{Op: op, Err: err}
	}

	snap := &snapshot{keys: make(map[string]*models.APIKey, len(records))}
	for _, k := range records {
		if k == nil || k.KeyID == "" {
			return nil, &StorageError{Op: op, Err: errors.New("record without key id")}
		}
		if _, dup := snap.keys[k.KeyID]; dup {
			return nil, &StorageError{Op: op, Err: fmt.Errorf("duplicate key id %q", k.KeyID)}
		}
		snap.keys[k.KeyID] = k.Clone()
		snap.order = append(snap.order, k.KeyID)
	}
	sort.SliceStable(snap.order, func(i, j int) bool {
		a, b := snap.keys[snap.order[i]], snap.keys[snap.order[j]]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.KeyID < b.KeyID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return snap, nil
}

// Len returns the number of keys in the last loaded or written state,
// revoked ones included.
func (s *Store) Len() int {
	return len(s.current.Load().order)
}

// Create issues a new key. The returned raw credential is not retrievable again.
func (s *Store) Create(ctx context.Context, params CreateParams) (*models.APIKey, string, error) {
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return nil, "", fmt.Errorf("%w: name is required", ErrValidation)
	}
	if params.ExpiresIn < 0 {
		return nil, "", fmt.Errorf("%w: expiry must not be negative", ErrValidation)
	}
	perms, err := normalizePermissions(params.Permissions)
	if err != nil {
		return nil, "", err
	}

	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		raw, err := GenerateCredential()
		if err != nil {
			return nil, "", err
		}
		secretHash, salt, err := s.hasher.hash(raw)
		if err != nil {
			return nil, "", err
		}

		now := s.now().UTC()
		key := &models.APIKey{
			KeyID:          KeyIDFromCredential(raw),
			Name:           name,
			SecretHash:     secretHash,
			Salt:           salt,
			HashIterations: s.hasher.Iterations(),
			Permissions:    perms,
			CreatedAt:      now,
		}
		if params.ExpiresIn > 0 {
			exp := now.Add(params.ExpiresIn)
			key.ExpiresAt = &exp
		}

		err = s.mutate(ctx, "create", func(next *snapshot) (bool, error) {
			if _, exists := next.keys[key.KeyID]; exists {
				return false, errKeyIDTaken
			}
			next.keys[key.KeyID] = key
			next.order = append(next.order, key.KeyID)
			return true, nil
		})
		if errors.Is(err, errKeyIDTaken) {
			continue
		}
		if err != nil {
			return nil, "", err
		}

		s.logger.Info("api key created", "key_id", key.KeyID, "name", name, "permissions", key.PermissionStrings())
		return key.Redacted(), raw, nil
	}

	return nil, "", fmt.Errorf("create api key: no unique key id after %d attempts", maxCreateAttempts)
}

// Find returns the persisted key with the given id, without secret material.
func (s *Store) Find(ctx context.Context, keyID string) (*models.APIKey, error) {
	k, err := s.persister.GetAPIKey(ctx, keyID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "find", Err: err}
	}
	return k.Redacted(), nil
}

// List returns all persisted keys ordered by creation time, without secret material.
func (s *Store) List(ctx context.Context) ([]*models.APIKey, error) {
	snap, err := s.load(ctx, "list")
	if err != nil {
		return nil, err
	}
	keys := snap.list()
	out := make([]*models.APIKey, len(keys))
	for i, k := range keys {
		out[i] = k.Redacted()
	}
	return out, nil
}

// Revoke permanently invalidates a key. Revoking an already revoked key is a no-op.
func (s *Store) Revoke(ctx context.Context, keyID string) error {
	err := s.mutate(ctx, "revoke", func(next *snapshot) (bool, error) {
		k, ok := next.keys[keyID]
		if !ok {
			return false, ErrNotFound
		}
		if k.Revoked {
			return false, nil
		}
		next.update(keyID, func(k *models.APIKey) { k.Revoked = true })
		return true, nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("api key revoked", "key_id", keyID)
	return nil
}

// Rename changes the human readable label of a key.
func (s *Store) Rename(ctx context.Context, keyID, name string) (*models.APIKey, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}

	var updated *models.APIKey
	err := s.mutate(ctx, "rename", func(next *snapshot) (bool, error) {
		k, ok := next.keys[keyID]
		if !ok {
			return false, ErrNotFound
		}
		if k.Name == name {
			updated = k
			return false, nil
		}
		next.update(keyID, func(k *models.APIKey) { k.Name = name })
		updated = next.keys[keyID]
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return updated.Redacted(), nil
}

// RecordUsage counts one successful authentication. It returns ErrInactive,
// leaving the key unchanged, if the key was revoked or expired in the meantime.
func (s *Store) RecordUsage(ctx context.Context, keyID string) (*models.APIKey, error) {
	var updated *models.APIKey
	err := s.mutate(ctx, "record usage", func(next *snapshot) (bool, error) {
		k, ok := next.keys[keyID]
		if !ok {
			return false, ErrNotFound
		}
		now := s.now().UTC()
		if !k.Active(now) {
			return false, ErrInactive
		}
		next.update(keyID, func(k *models.APIKey) {
			k.UsageCount++
			k.LastUsedAt = &now
		})
		updated = next.keys[keyID]
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return updated.Redacted(), nil
}

// Verify checks raw against the persisted hash of keyID in constant time and
// returns the key without secret material, including its current revoked and
// expiry state. Unknown ids cost one hash as well.
func (s *Store) Verify(ctx context.Context, keyID, raw string) (*models.APIKey, error) {
	k, err := s.persister.GetAPIKey(ctx, keyID)
	if errors.Is(err, ErrNotFound) {
		derive(raw, s.dummySalt, s.hasher.Iterations())
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "verify", Err: err}
	}
	if !matches(raw, k) {
		return nil, ErrMismatch
	}
	return k.Redacted(), nil
}

// mutate holds the persister lock across one load, fn and save cycle so that
// writes from other processes are never overwritten. fn receives a copy of the
// freshly loaded state and reports whether it changed anything; unchanged
// copies are discarded. The published snapshot is the persisted state after
// the cycle, whether or not fn's change was saved.
func (s *Store) mutate(ctx context.Context, op string, fn func(next *snapshot) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.persister.Lock(ctx)
	if err != nil {
		return &StorageError{Op: op, Err: fmt.Errorf("lock: %w", err)}
	}
	defer unlock()

	fresh, err := s.load(ctx, op)
	if err != nil {
		return err
	}
	s.current.Store(fresh)

	next := fresh.clone()
	changed, err := fn(next)
	if err != nil || !changed {
		return err
	}

	if err := s.persister.Save(ctx, next.list()); err != nil {
		s.logger.Error("persist api keys failed", "op", op, "error", err)
		return &StorageError{Op: op, Err: err}
	}
	s.current.Store(next)
	return nil
}

func normalizePermissions(in []string) ([]models.Permission, error) {
	if len(in) == 0 {
		return append([]models.Permission(nil), models.DefaultPermissions...), nil
	}

	requested := make(map[models.Permission]bool, len(in))
	for _, raw := range in {
		p, ok := models.ParsePermission(strings.TrimSpace(raw))
		if !ok {
			return nil, fmt.Errorf("%w: unknown permission %q", ErrValidation, raw)
		}
		requested[p] = true
	}

	out := make([]models.Permission, 0, len(requested))
	for _, p := range models.Permissions {
		if requested[p] {
			out = append(out, p)
		}
	}
	return out, nil
}
