package keystore

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/kiranshivaraju/magickapi/pkg/models"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultHashIterations is the PBKDF2 work factor used when none is configured.
	DefaultHashIterations = 100000
	// MinHashIterations is the lowest accepted work factor.
	MinHashIterations = 1000

	// CredentialPrefix marks raw credentials issued by this service.
	CredentialPrefix = "mk_"

	secretBytes = 32
	saltBytes   = 32
	hashBytes   = 32
	keyIDLen    = 16
)

// Hasher derives salted PBKDF2-HMAC-SHA256 hashes of raw credentials.
type Hasher struct {
	iterations int
}

// NewHasher returns a Hasher with the given work factor. Values below
// MinHashIterations fall back to DefaultHashIterations.
func NewHasher(iterations int) *Hasher {
	if iterations < MinHashIterations {
		iterations = DefaultHashIterations
	}
	return &Hasher{iterations: iterations}
}

// Iterations returns the configured work factor.
func (h *Hasher) Iterations() int {
	return h.iterations
}

// hash returns the hex encoded hash and salt for raw.
func (h *Hasher) hash(raw string) (string, string, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", "", fmt.Errorf("generate salt: %w", err)
	}
	sum := derive(raw, salt, h.iterations)
	return hex.EncodeToString(sum), hex.EncodeToString(salt), nil
}

func derive(raw string, salt []byte, iterations int) []byte {
	if iterations <= 0 {
		iterations = DefaultHashIterations
	}
	return pbkdf2.Key([]byte(raw), salt, iterations, hashBytes, sha256.New)
}

// matches recomputes the hash of raw with the record's salt and compares in constant time.
func matches(raw string, k *models.APIKey) bool {
	salt, err := hex.DecodeString(k.Salt)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(k.SecretHash)
	if err != nil {
		return false
	}
	got := derive(raw, salt, k.HashIterations)
	return subtle.ConstantTimeCompare(got, want) == 1
}

// GenerateCredential returns a fresh random raw credential.
func GenerateCredential() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate credential: %w", err)
	}
	return CredentialPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// KeyIDFromCredential returns the key id a raw credential resolves to:
// the first 16 hex characters of its SHA-256 digest.
func KeyIDFromCredential(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:keyIDLen]
}
