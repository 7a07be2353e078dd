package issuer

import (
	"net"
	"time"

	uuid "github.com/satori/go.uuid"

	"github.com/noblepayne/NACME/types"
)

// AddRequest is a validated issuance request.
type AddRequest struct {
	APIKey         string
	HostnamePrefix string
	// PublicKeyPEM is the caller's public key; nil requests the legacy
	// server-side keypair.
	PublicKeyPEM []byte
	// SuggestedIP is a best-effort address preference, nil if absent.
	SuggestedIP net.IP
	// Groups is the requested subset of the credential's groups; empty
	// means all of them.
	Groups []string
}

// CertBundle is what a successful issuance returns to the caller.
type CertBundle struct {
	CACert   []byte
	HostCert []byte
	// HostKey is present only when the server generated the keypair.
	HostKey   []byte
	IP        types.IP
	PrefixLen int
	Hostname  string
	Expiry    time.Time
}

// Credential is a group-scoped permission bundle identified by the hash of
// its secret. Lifecycle is owned by the admin surface; issuance only reads
// it and decrements uses.
type Credential struct {
	ID            int64        `db:"id"`
	KeyHash       string       `db:"key_hash"`
	Groups        types.Groups `db:"groups_json"`
	Expiration    *int64       `db:"expiration"`
	UsesRemaining *int64       `db:"uses_remaining"`
	CreatedAt     int64        `db:"created_at"`
	UpdatedAt     int64        `db:"updated_at"`
}

// Expired reports whether the credential is past its expiry at now.
func (c *Credential) Expired(now time.Time) bool {
	return c.Expiration != nil && *c.Expiration < now.Unix()
}

// Spent reports whether the credential has a use counter that reached zero.
func (c *Credential) Spent() bool {
	return c.UsesRemaining != nil && *c.UsesRemaining <= 0
}

// Lease binds an allocated address and hostname to issued certificate
// material. Leases are never mutated or deleted here; expiry is advisory.
type Lease struct {
	ID          int64        `db:"id"`
	UUID        uuid.UUID    `db:"uuid"`
	Hostname    string       `db:"hostname"`
	IPAddress   types.IP     `db:"ip_address"`
	Groups      types.Groups `db:"groups_json"`
	Expiry      int64        `db:"expiry"`
	Certificate string       `db:"certificate"`
	CreatedAt   int64        `db:"created_at"`
}
