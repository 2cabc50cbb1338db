package models

import (
	"slices"
	"time"
)

// Permission is a capability tag gating one category of operations.
type Permission string

const (
	PermissionProcess Permission = "process"
	PermissionHealth  Permission = "health"
	PermissionAdmin   Permission = "admin"
)

// Permissions lists the full vocabulary in canonical order.
var Permissions = []Permission{PermissionProcess, PermissionHealth, PermissionAdmin}

// DefaultPermissions is granted when a key is created without explicit permissions.
var DefaultPermissions = []Permission{PermissionProcess, PermissionHealth}

// ParsePermission reports whether s names a known permission.
func ParsePermission(s string) (Permission, bool) {
	p := Permission(s)
	return p, slices.Contains(Permissions, p)
}

// APIKey is one issued credential and its state.
// The raw credential is shown once at creation; only its salted hash is stored.
type APIKey struct {
	KeyID          string       `json:"key_id"`
	Name           string       `json:"name"`
	SecretHash     string       `json:"-"`
	Salt           string       `json:"-"`
	HashIterations int          `json:"-"`
	Permissions    []Permission `json:"permissions"`
	CreatedAt      time.Time    `json:"created_at"`
	ExpiresAt      *time.Time   `json:"expires_at,omitempty"`
	Revoked        bool         `json:"revoked"`
	UsageCount     int64        `json:"usage_count"`
	LastUsedAt     *time.Time   `json:"last_used_at,omitempty"`
}

// HasPermission reports whether p is granted to the key.
func (k *APIKey) HasPermission(p Permission) bool {
	return slices.Contains(k.Permissions, p)
}

// Expired reports whether the key's expiry has been reached at now.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// Active reports whether the key may still authenticate at now.
func (k *APIKey) Active(now time.Time) bool {
	return !k.Revoked && !k.Expired(now)
}

// Clone returns a deep copy of the key.
func (k *APIKey) Clone() *APIKey {
	c := *k
	c.Permissions = slices.Clone(k.Permissions)
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		c.ExpiresAt = &t
	}
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		c.LastUsedAt = &t
	}
	return &c
}

// Redacted returns a copy with all secret material removed.
func (k *APIKey) Redacted() *APIKey {
	c := k.Clone()
	c.SecretHash = ""
	c.Salt = ""
	c.HashIterations = 0
	return c
}

// PermissionStrings returns the permissions as plain strings.
func (k *APIKey) PermissionStrings() []string {
	out := make([]string, len(k.Permissions))
	for i, p := range k.Permissions {
		out[i] = string(p)
	}
	return out
}
