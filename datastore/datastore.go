package datastore

import (
	"context"
	"errors"
	"net"

	"github.com/noblepayne/NACME/issuer"
	"github.com/noblepayne/NACME/types"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrIPConflict is returned when an insert violates the address
	// uniqueness constraint. This is the collision-detection signal the
	// issuance retry loop keys on.
	ErrIPConflict = errors.New("ip address already leased")

	// ErrHostnameConflict is the same signal for hostnames.
	ErrHostnameConflict = errors.New("hostname already leased")
)

// Datastore is an interface for nacme to perform CRUD operations. It also
// serves as the allocator's AddressBook.
type Datastore interface {
	GetCredential(ctx context.Context, keyHash string) (*issuer.Credential, error)
	CreateCredential(ctx context.Context, keyHash string, groups types.Groups, expiration, usesRemaining *int64) (*issuer.Credential, error)
	ConsumeCredentialUse(ctx context.Context, id int64) error

	CreateLease(ctx context.Context, lease issuer.Lease) (*issuer.Lease, error)
	ListLeases(ctx context.Context) ([]issuer.Lease, error)

	Addresses(ctx context.Context) (map[string]struct{}, error)
	InUse(ctx context.Context, ip net.IP) (bool, error)

	SeedConfig(ctx context.Context, key, value string) error
	GetConfig(ctx context.Context, key string) (string, error)

	Close() error
}
