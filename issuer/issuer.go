package issuer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Issuer is the interface for nacme to onboard a host: allocate an
// address and hostname, obtain signed certificate material, and persist
// the lease.
type Issuer interface {
	Issue(ctx context.Context, req AddRequest) (*CertBundle, error)
}

var (
	// ErrInvalidCredential is returned when no credential matches the
	// presented key.
	ErrInvalidCredential = errors.New("invalid API key")

	// ErrCredentialExpired is returned for a credential past its expiry.
	ErrCredentialExpired = errors.New("API key expired")

	// ErrCredentialSpent is returned for a credential with no uses left.
	ErrCredentialSpent = errors.New("no uses remaining on API key")

	// ErrGroupNotPermitted is returned when the request asks for a group
	// outside the credential's permitted set.
	ErrGroupNotPermitted = errors.New("group not permitted by API key")

	// ErrPublicKeyRequired is returned when no public key was supplied and
	// server-side key generation is disabled.
	ErrPublicKeyRequired = errors.New("public key is required")

	// ErrInvalidPublicKey is returned when the supplied public key fails
	// validation before any signing attempt.
	ErrInvalidPublicKey = errors.New("invalid public key")

	// ErrExhausted is returned when no unique address/hostname pair could
	// be persisted within the retry bound.
	ErrExhausted = errors.New("could not allocate unique address and hostname")
)

// HashKey returns the hex SHA-256 of an API key. Keys are high-entropy
// random strings, so a plain digest is the stored form.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
