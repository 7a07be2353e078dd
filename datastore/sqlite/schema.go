package sqlite

var tables = map[string]string{
	"config": `CREATE TABLE IF NOT EXISTS config(
key TEXT PRIMARY KEY,
value TEXT NOT NULL
)`,
	"credential": `CREATE TABLE IF NOT EXISTS credential(
id INTEGER PRIMARY KEY AUTOINCREMENT,
key_hash TEXT NOT NULL UNIQUE,
groups_json TEXT NOT NULL,
expiration INTEGER,
uses_remaining INTEGER,
created_at INTEGER NOT NULL,
updated_at INTEGER NOT NULL
)`,
	"lease": `CREATE TABLE IF NOT EXISTS lease(
id INTEGER PRIMARY KEY AUTOINCREMENT,
uuid TEXT NOT NULL UNIQUE,
hostname TEXT NOT NULL UNIQUE,
ip_address TEXT NOT NULL UNIQUE,
groups_json TEXT NOT NULL,
expiry INTEGER NOT NULL,
certificate TEXT NOT NULL,
created_at INTEGER NOT NULL
)`,
}

// Indexes run after every table exists.
var indexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_lease_expiry ON lease(expiry)`,
	`CREATE INDEX IF NOT EXISTS idx_credential_key_hash ON credential(key_hash)`,
}
