package sqlite

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	uuid "github.com/satori/go.uuid"

	"github.com/noblepayne/NACME/datastore"
	"github.com/noblepayne/NACME/issuer"
	"github.com/noblepayne/NACME/types"
)

func newTestStore(t *testing.T) datastore.Datastore {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db") + "?cache=shared"
	ds, err := New(context.Background(), dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ds.Close() })
	return ds
}

func testLease(hostname, ip string) issuer.Lease {
	return issuer.Lease{
		UUID:        uuid.NewV4(),
		Hostname:    hostname,
		IPAddress:   types.IP(net.ParseIP(ip)),
		Groups:      types.Groups{"servers"},
		Expiry:      time.Now().Add(24 * time.Hour).Unix(),
		Certificate: "-----BEGIN NEBULA CERTIFICATE-----\ndGVzdA==\n-----END NEBULA CERTIFICATE-----\n",
		CreatedAt:   time.Now().Unix(),
	}
}

func TestCreateLeaseAndList(t *testing.T) {
	ds := newTestStore(t)
	ctx := context.Background()

	created, err := ds.CreateLease(ctx, testLease("node-aaaaaa", "10.100.0.1"))
	if err != nil {
		t.Fatal(err)
	}
	if created.ID == 0 {
		t.Fatal("inserted lease should carry its row id")
	}

	leases, err := ds.ListLeases(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(leases) != 1 {
		t.Fatalf("want 1 lease, got %d", len(leases))
	}
	if leases[0].Hostname != "node-aaaaaa" {
		t.Fatalf("unexpected hostname %q", leases[0].Hostname)
	}
	if leases[0].IPAddress.String() != "10.100.0.1" {
		t.Fatalf("unexpected address %q", leases[0].IPAddress.String())
	}
	if !leases[0].Groups.Contains("servers") {
		t.Fatalf("groups did not round-trip: %v", leases[0].Groups)
	}
}

func TestCreateLeaseDuplicateIP(t *testing.T) {
	ds := newTestStore(t)
	ctx := context.Background()

	if _, err := ds.CreateLease(ctx, testLease("node-aaaaaa", "10.100.0.1")); err != nil {
		t.Fatal(err)
	}
	_, err := ds.CreateLease(ctx, testLease("node-bbbbbb", "10.100.0.1"))
	if !errors.Is(err, datastore.ErrIPConflict) {
		t.Fatalf("want ErrIPConflict, got %v", err)
	}
}

func TestCreateLeaseDuplicateHostname(t *testing.T) {
	ds := newTestStore(t)
	ctx := context.Background()

	if _, err := ds.CreateLease(ctx, testLease("node-aaaaaa", "10.100.0.1")); err != nil {
		t.Fatal(err)
	}
	_, err := ds.CreateLease(ctx, testLease("node-aaaaaa", "10.100.0.2"))
	if !errors.Is(err, datastore.ErrHostnameConflict) {
		t.Fatalf("want ErrHostnameConflict, got %v", err)
	}
}

func TestAddressesAndInUse(t *testing.T) {
	ds := newTestStore(t)
	ctx := context.Background()

	for i, ip := range []string{"10.100.0.1", "10.100.0.2"} {
		lease := testLease("node-"+string(rune('a'+i))+"aaaaa", ip)
		if _, err := ds.CreateLease(ctx, lease); err != nil {
			t.Fatal(err)
		}
	}

	used, err := ds.Addresses(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(used) != 2 {
		t.Fatalf("want 2 used addresses, got %d", len(used))
	}
	if _, ok := used["10.100.0.1"]; !ok {
		t.Fatal("10.100.0.1 should be reported used")
	}

	inUse, err := ds.InUse(ctx, net.ParseIP("10.100.0.1"))
	if err != nil {
		t.Fatal(err)
	}
	if !inUse {
		t.Fatal("10.100.0.1 should be in use")
	}
	inUse, err = ds.InUse(ctx, net.ParseIP("10.100.0.3"))
	if err != nil {
		t.Fatal(err)
	}
	if inUse {
		t.Fatal("10.100.0.3 should be free")
	}
}

func TestCredentialRoundtrip(t *testing.T) {
	ds := newTestStore(t)
	ctx := context.Background()

	hash := issuer.HashKey("some-api-key")
	uses := int64(5)
	created, err := ds.CreateCredential(ctx, hash, types.Groups{"servers", "dev"}, nil, &uses)
	if err != nil {
		t.Fatal(err)
	}

	got, err := ds.GetCredential(ctx, hash)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != created.ID {
		t.Fatalf("want id %d, got %d", created.ID, got.ID)
	}
	if !got.Groups.Contains("dev") {
		t.Fatalf("groups did not round-trip: %v", got.Groups)
	}
	if got.Expiration != nil {
		t.Fatal("expiration should be unset")
	}
	if got.UsesRemaining == nil || *got.UsesRemaining != 5 {
		t.Fatalf("uses_remaining did not round-trip: %v", got.UsesRemaining)
	}
}

func TestGetCredentialNotFound(t *testing.T) {
	ds := newTestStore(t)
	_, err := ds.GetCredential(context.Background(), issuer.HashKey("never-created"))
	if !errors.Is(err, datastore.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestConsumeCredentialUse(t *testing.T) {
	ds := newTestStore(t)
	ctx := context.Background()

	uses := int64(2)
	hash := issuer.HashKey("counted-key")
	cred, err := ds.CreateCredential(ctx, hash, types.Groups{"servers"}, nil, &uses)
	if err != nil {
		t.Fatal(err)
	}

	if err := ds.ConsumeCredentialUse(ctx, cred.ID); err != nil {
		t.Fatal(err)
	}
	got, err := ds.GetCredential(ctx, hash)
	if err != nil {
		t.Fatal(err)
	}
	if got.UsesRemaining == nil || *got.UsesRemaining != 1 {
		t.Fatalf("want 1 use remaining, got %v", got.UsesRemaining)
	}
}

func TestConsumeCredentialUseUnlimited(t *testing.T) {
	ds := newTestStore(t)
	ctx := context.Background()

	hash := issuer.HashKey("unlimited-key")
	cred, err := ds.CreateCredential(ctx, hash, types.Groups{"servers"}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := ds.ConsumeCredentialUse(ctx, cred.ID); err != nil {
		t.Fatal(err)
	}
	got, err := ds.GetCredential(ctx, hash)
	if err != nil {
		t.Fatal(err)
	}
	if got.UsesRemaining != nil {
		t.Fatalf("unlimited credential should stay unlimited, got %v", got.UsesRemaining)
	}
}

func TestSeedConfigFirstWriterWins(t *testing.T) {
	ds := newTestStore(t)
	ctx := context.Background()

	if err := ds.SeedConfig(ctx, "cidr", "10.100.0.0/24"); err != nil {
		t.Fatal(err)
	}
	if err := ds.SeedConfig(ctx, "cidr", "192.168.0.0/16"); err != nil {
		t.Fatal(err)
	}

	got, err := ds.GetConfig(ctx, "cidr")
	if err != nil {
		t.Fatal(err)
	}
	if got != "10.100.0.0/24" {
		t.Fatalf("first seeded value must win, got %q", got)
	}
}

func TestGetConfigNotFound(t *testing.T) {
	ds := newTestStore(t)
	_, err := ds.GetConfig(context.Background(), "nope")
	if !errors.Is(err, datastore.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}
