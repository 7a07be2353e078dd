package signer

import (
	"context"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"time"
)

// PEM block types used by nebula key and certificate material.
const (
	PublicKeyBanner   = "NEBULA X25519 PUBLIC KEY"
	PrivateKeyBanner  = "NEBULA X25519 PRIVATE KEY"
	CertificateBanner = "NEBULA CERTIFICATE"
)

const publicKeyLength = 32

// Kind classifies a signing failure precisely enough for the caller to
// tell a bad request from a broken server.
type Kind int

const (
	KindUnknown Kind = iota
	// KindBinaryNotFound means the signing executable is missing.
	KindBinaryNotFound
	// KindPermissionDenied means CA material or the working directory was
	// not accessible.
	KindPermissionDenied
	// KindInvalidCAFile means the CA certificate or key did not parse.
	KindInvalidCAFile
	// KindInvalidIdentityParameters means the tool rejected the address or
	// group parameters.
	KindInvalidIdentityParameters
	// KindInvalidPublicKey means the tool rejected the supplied public key.
	KindInvalidPublicKey
	// KindTimeout means the invocation exceeded its deadline and was killed.
	KindTimeout
	// KindEmptyArtifact means an expected output file was missing or empty.
	KindEmptyArtifact
	// KindMalformedArtifact means an output file was not valid PEM of the
	// expected type.
	KindMalformedArtifact
)

func (k Kind) String() string {
	switch k {
	case KindBinaryNotFound:
		return "binary not found"
	case KindPermissionDenied:
		return "permission denied"
	case KindInvalidCAFile:
		return "invalid CA file"
	case KindInvalidIdentityParameters:
		return "invalid identity parameters"
	case KindInvalidPublicKey:
		return "invalid public key"
	case KindTimeout:
		return "timeout"
	case KindEmptyArtifact:
		return "empty artifact"
	case KindMalformedArtifact:
		return "malformed artifact"
	}
	return "unknown failure"
}

// Error is a classified signing failure.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("signing failed (%s): %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("signing failed (%s)", e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Kind
	}
	return KindUnknown
}

// Identity is the validated parameter set for one certificate.
type Identity struct {
	Name      string
	IP        net.IP
	PrefixLen int
	Groups    []string
	Duration  time.Duration

	// PublicKeyPEM is the caller's public key. When nil the signer mints a
	// keypair itself (legacy path) and the bundle carries the private key.
	PublicKeyPEM []byte
}

// Bundle is the produced certificate material.
type Bundle struct {
	CertPEM []byte
	// KeyPEM is set only on the legacy server-side keygen path.
	KeyPEM []byte
}

// Signer produces signed certificate material for an identity, or a
// classified *Error. Implementations must never be handed raw caller input.
type Signer interface {
	Sign(ctx context.Context, id Identity) (*Bundle, error)
}

// ValidatePublicKey checks encoding, algorithm banner, and exact key length
// before any signing attempt.
func ValidatePublicKey(pemBytes []byte) error {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return fmt.Errorf("public key is not valid PEM")
	}
	if block.Type != PublicKeyBanner {
		return fmt.Errorf("public key must be an X25519 nebula public key, got %q", block.Type)
	}
	if len(block.Bytes) != publicKeyLength {
		return fmt.Errorf("public key is not a valid X25519 key (got %d bytes, want %d)", len(block.Bytes), publicKeyLength)
	}
	return nil
}
