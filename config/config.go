package config

import (
	"fmt"
	"net"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/noblepayne/NACME/types"
)

// Config is nacme config struct.
type Config struct {
	PublicAddr string `yaml:"public_addr"`
	AdminAddr  string `yaml:"admin_addr"`

	MasterKey string `yaml:"master_key"`

	DSN string `yaml:"dsn"`

	CACert       string `yaml:"ca_cert"`
	CAKey        string `yaml:"ca_key"`
	SignerBinary string `yaml:"signer_binary"`

	Subnet            types.IPNet `yaml:"subnet"`
	DefaultExpiryDays int         `yaml:"default_expiry_days"`
	SuffixLength      int         `yaml:"random_suffix_length"`
	HostnamePrefix    string      `yaml:"hostname_prefix"`

	// SignTimeout bounds a single nebula-cert invocation.
	SignTimeout time.Duration `yaml:"sign_timeout"`

	// AllowServerKeygen enables the legacy path where the signer mints the
	// keypair because the caller supplied no public key. The private key
	// transits server memory on this path; leave it off.
	AllowServerKeygen bool `yaml:"allow_server_keygen"`
}

// LoadConfig is
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	d := yaml.NewDecoder(f)

	var c Config
	err = d.Decode(&c)
	if err != nil {
		return nil, err
	}

	if err := c.validate(); err != nil {
		return nil, err
	}

	return &c, nil
}

func (c *Config) validate() error {
	if c.PublicAddr == "" {
		c.PublicAddr = "0.0.0.0:8000"
	}
	if c.AdminAddr == "" {
		c.AdminAddr = "0.0.0.0:9000"
	}
	if c.MasterKey == "" {
		return fmt.Errorf("master_key must be set and non-empty")
	}
	if c.DSN == "" {
		c.DSN = "file:nacme.db?cache=shared"
	}
	if c.CACert == "" {
		c.CACert = "./ca.crt"
	}
	if c.CAKey == "" {
		c.CAKey = "./ca.key"
	}
	if c.SignerBinary == "" {
		c.SignerBinary = "nebula-cert"
	}
	if c.DefaultExpiryDays == 0 {
		c.DefaultExpiryDays = 365
	}
	if c.SuffixLength == 0 {
		c.SuffixLength = 6
	}
	if c.HostnamePrefix == "" {
		c.HostnamePrefix = "node"
	}
	if c.SignTimeout == 0 {
		c.SignTimeout = 30 * time.Second
	}

	network := net.IPNet(c.Subnet)
	if network.IP == nil {
		return fmt.Errorf("subnet is required (CIDR of the mesh network, e.g. \"10.100.0.0/24\")")
	}
	ones, bits := network.Mask.Size()
	if bits-ones < 2 {
		return fmt.Errorf("subnet %s too small (need at least /30 for IPv4 or /126 for IPv6)", network.String())
	}

	return nil
}

// DefaultExpiry returns the configured certificate validity period.
func (c *Config) DefaultExpiry() time.Duration {
	return time.Duration(c.DefaultExpiryDays) * 24 * time.Hour
}
