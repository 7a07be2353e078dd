package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/jmoiron/sqlx"

	"github.com/noblepayne/NACME/datastore"
	"github.com/noblepayne/NACME/issuer"
	"github.com/noblepayne/NACME/types"
)

// SQLite is
type SQLite struct {
	db *sqlx.DB
}

// New is
func New(ctx context.Context, dsn string) (datastore.Datastore, error) {
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite connection: %w", err)
	}

	// A single connection serializes writers; the UNIQUE constraints stay
	// the sole collision signal and SQLITE_LOCKED never surfaces.
	db.SetMaxOpenConns(1)

	// Concurrent readers must not block the writer, and transient lock
	// contention is absorbed by the busy timeout rather than surfaced.
	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=10000`,
		`PRAGMA synchronous=NORMAL`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	err = createTable(db)
	if err != nil {
		return nil, err
	}

	return &SQLite{
		db: db,
	}, nil
}

// GetCredential is
func (s *SQLite) GetCredential(ctx context.Context, keyHash string) (*issuer.Credential, error) {
	query := `SELECT id, key_hash, groups_json, expiration, uses_remaining, created_at, updated_at FROM credential WHERE key_hash = ?`
	stmt, err := s.db.Preparex(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}
	var cred issuer.Credential
	err = stmt.GetContext(ctx, &cred, keyHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("credential: %w", datastore.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return &cred, nil
}

// CreateCredential is
func (s *SQLite) CreateCredential(ctx context.Context, keyHash string, groups types.Groups, expiration, usesRemaining *int64) (*issuer.Credential, error) {
	now := time.Now().Unix()
	query := `INSERT INTO credential(key_hash, groups_json, expiration, uses_remaining, created_at, updated_at) VALUES(?, ?, ?, ?, ?, ?)`
	stmt, err := s.db.Preparex(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}
	ret, err := stmt.ExecContext(ctx, keyHash, groups, expiration, usesRemaining, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create new credential: %w", err)
	}
	id, err := ret.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get inserted id: %w", err)
	}

	return &issuer.Credential{
		ID:            id,
		KeyHash:       keyHash,
		Groups:        groups,
		Expiration:    expiration,
		UsesRemaining: usesRemaining,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// ConsumeCredentialUse decrements the remaining-use counter when one is set.
func (s *SQLite) ConsumeCredentialUse(ctx context.Context, id int64) error {
	query := `UPDATE credential SET uses_remaining = uses_remaining - 1, updated_at = ? WHERE id = ? AND uses_remaining IS NOT NULL`
	stmt, err := s.db.Preparex(query)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	_, err = stmt.ExecContext(ctx, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to consume credential use: %w", err)
	}
	return nil
}

// CreateLease inserts the lease atomically. The UNIQUE constraints on
// ip_address and hostname are the collision detector: a violation comes
// back as ErrIPConflict or ErrHostnameConflict for the issuance loop to
// retry on.
func (s *SQLite) CreateLease(ctx context.Context, lease issuer.Lease) (*issuer.Lease, error) {
	query := `INSERT INTO lease(uuid, hostname, ip_address, groups_json, expiry, certificate, created_at) VALUES(?, ?, ?, ?, ?, ?, ?)`
	stmt, err := s.db.Preparex(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}
	ret, err := stmt.ExecContext(ctx, lease.UUID, lease.Hostname, lease.IPAddress, lease.Groups, lease.Expiry, lease.Certificate, lease.CreatedAt)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		switch {
		case strings.Contains(err.Error(), "lease.ip_address"):
			return nil, fmt.Errorf("%s: %w", lease.IPAddress.String(), datastore.ErrIPConflict)
		case strings.Contains(err.Error(), "lease.hostname"):
			return nil, fmt.Errorf("%s: %w", lease.Hostname, datastore.ErrHostnameConflict)
		}
		return nil, fmt.Errorf("failed to create new lease: %w", err)
	} else if err != nil {
		return nil, fmt.Errorf("failed to create new lease: %w", err)
	}
	id, err := ret.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get inserted id: %w", err)
	}
	lease.ID = id

	return &lease, nil
}

// ListLeases is
func (s *SQLite) ListLeases(ctx context.Context) ([]issuer.Lease, error) {
	query := `SELECT id, uuid, hostname, ip_address, groups_json, expiry, certificate, created_at FROM lease`
	var leases []issuer.Lease
	err := s.db.SelectContext(ctx, &leases, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list leases: %w", err)
	}
	return leases, nil
}

// Addresses returns every leased address keyed by string form.
func (s *SQLite) Addresses(ctx context.Context) (map[string]struct{}, error) {
	query := `SELECT ip_address FROM lease`
	var addrs []string
	err := s.db.SelectContext(ctx, &addrs, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list leased addresses: %w", err)
	}
	used := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		used[a] = struct{}{}
	}
	return used, nil
}

// InUse is
func (s *SQLite) InUse(ctx context.Context, ip net.IP) (bool, error) {
	query := `SELECT COUNT(*) FROM lease WHERE ip_address = ?`
	stmt, err := s.db.Preparex(query)
	if err != nil {
		return false, fmt.Errorf("failed to prepare statement: %w", err)
	}
	var count int
	err = stmt.GetContext(ctx, &count, ip.String())
	if err != nil {
		return false, fmt.Errorf("failed to check address: %w", err)
	}
	return count > 0, nil
}

// SeedConfig stores a config value unless one already exists; the first
// writer wins so values survive restarts with changed flags.
func (s *SQLite) SeedConfig(ctx context.Context, key, value string) error {
	query := `INSERT INTO config(key, value) VALUES(?, ?)`
	stmt, err := s.db.Preparex(query)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	_, err = stmt.ExecContext(ctx, key, value)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to seed config %s: %w", key, err)
	}
	return nil
}

// GetConfig is
func (s *SQLite) GetConfig(ctx context.Context, key string) (string, error) {
	query := `SELECT value FROM config WHERE key = ?`
	stmt, err := s.db.Preparex(query)
	if err != nil {
		return "", fmt.Errorf("failed to prepare statement: %w", err)
	}
	var value string
	err = stmt.GetContext(ctx, &value, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("config %s: %w", key, datastore.ErrNotFound)
	} else if err != nil {
		return "", fmt.Errorf("failed to get config %s: %w", key, err)
	}
	return value, nil
}

// Close closes the database connections.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func createTable(db *sqlx.DB) error {
	for _, table := range tables {
		_, err := db.Exec(table)
		if err != nil {
			return fmt.Errorf("failed to create nacme tables: %w", err)
		}
	}
	for _, index := range indexes {
		_, err := db.Exec(index)
		if err != nil {
			return fmt.Errorf("failed to create nacme indexes: %w", err)
		}
	}
	return nil
}
