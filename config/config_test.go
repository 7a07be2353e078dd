package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nacme.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
master_key: super-secret
subnet: 10.100.0.0/24
ca_cert: /etc/nebula/ca.crt
ca_key: /etc/nebula/ca.key
default_expiry_days: 30
hostname_prefix: web
sign_timeout: 10s
`)
	c, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.MasterKey != "super-secret" {
		t.Fatalf("unexpected master key %q", c.MasterKey)
	}
	if c.Subnet.String() != "10.100.0.0/24" {
		t.Fatalf("unexpected subnet %q", c.Subnet.String())
	}
	if c.HostnamePrefix != "web" {
		t.Fatalf("unexpected prefix %q", c.HostnamePrefix)
	}
	if c.SignTimeout != 10*time.Second {
		t.Fatalf("unexpected sign timeout %s", c.SignTimeout)
	}
	if c.DefaultExpiry() != 30*24*time.Hour {
		t.Fatalf("unexpected expiry %s", c.DefaultExpiry())
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
master_key: super-secret
subnet: 10.100.0.0/24
`)
	c, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.PublicAddr != "0.0.0.0:8000" {
		t.Fatalf("unexpected public addr %q", c.PublicAddr)
	}
	if c.AdminAddr != "0.0.0.0:9000" {
		t.Fatalf("unexpected admin addr %q", c.AdminAddr)
	}
	if c.DSN != "file:nacme.db?cache=shared" {
		t.Fatalf("unexpected dsn %q", c.DSN)
	}
	if c.SignerBinary != "nebula-cert" {
		t.Fatalf("unexpected signer binary %q", c.SignerBinary)
	}
	if c.DefaultExpiryDays != 365 {
		t.Fatalf("unexpected expiry days %d", c.DefaultExpiryDays)
	}
	if c.SuffixLength != 6 {
		t.Fatalf("unexpected suffix length %d", c.SuffixLength)
	}
	if c.HostnamePrefix != "node" {
		t.Fatalf("unexpected prefix %q", c.HostnamePrefix)
	}
	if c.SignTimeout != 30*time.Second {
		t.Fatalf("unexpected sign timeout %s", c.SignTimeout)
	}
	if c.AllowServerKeygen {
		t.Fatal("server keygen must default to off")
	}
}

func TestLoadConfigRequiresMasterKey(t *testing.T) {
	path := writeConfig(t, `
subnet: 10.100.0.0/24
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("missing master_key must be rejected")
	}
}

func TestLoadConfigRequiresSubnet(t *testing.T) {
	path := writeConfig(t, `
master_key: super-secret
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("missing subnet must be rejected")
	}
}

func TestLoadConfigRejectsTinySubnet(t *testing.T) {
	path := writeConfig(t, `
master_key: super-secret
subnet: 10.100.0.0/31
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("a /31 must be rejected")
	}
}

func TestLoadConfigRejectsBadSubnet(t *testing.T) {
	path := writeConfig(t, `
master_key: super-secret
subnet: not-a-cidr
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("an unparseable subnet must be rejected")
	}
}
