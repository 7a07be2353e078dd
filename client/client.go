package client

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/curve25519"

	"github.com/noblepayne/NACME/httpd"
	"github.com/noblepayne/NACME/signer"
)

// Config is the onboarding client configuration.
type Config struct {
	ServerURL string
	APIKey    string

	OutDir   string
	CAFile   string
	CertFile string
	KeyFile  string

	HostnamePrefix string
	SuggestedIP    string

	Timeout time.Duration
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server URL is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("API key is required")
	}
	if c.OutDir == "" {
		c.OutDir = "/etc/nebula"
	}
	if c.CAFile == "" {
		c.CAFile = "ca.crt"
	}
	if c.CertFile == "" {
		c.CertFile = "host.crt"
	}
	if c.KeyFile == "" {
		c.KeyFile = "host.key"
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	return nil
}

// Keypair is a locally generated X25519 keypair in nebula PEM form. The
// private key never leaves this process.
type Keypair struct {
	PublicPEM  []byte
	PrivatePEM []byte
}

// GenerateKeypair mints a fresh X25519 keypair.
func GenerateKeypair() (*Keypair, error) {
	private := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(private); err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	public, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	return &Keypair{
		PublicPEM:  pem.EncodeToMemory(&pem.Block{Type: signer.PublicKeyBanner, Bytes: public}),
		PrivatePEM: pem.EncodeToMemory(&pem.Block{Type: signer.PrivateKeyBanner, Bytes: private}),
	}, nil
}

// Client onboards this host against a nacme server and writes the
// resulting material to disk.
type Client struct {
	cfg    Config
	httpc  *http.Client
	logger *zap.Logger
}

// New is
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Client{
		cfg:    cfg,
		httpc:  &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

// Run performs one onboarding. It is idempotent: when the certificate and
// key already exist on disk nothing is requested.
func (c *Client) Run(ctx context.Context) error {
	certPath := filepath.Join(c.cfg.OutDir, c.cfg.CertFile)
	keyPath := filepath.Join(c.cfg.OutDir, c.cfg.KeyFile)
	caPath := filepath.Join(c.cfg.OutDir, c.cfg.CAFile)

	if fileExists(certPath) && fileExists(keyPath) {
		c.logger.Info("host files already exist, skipping",
			zap.String("cert", certPath),
			zap.String("key", keyPath))
		return nil
	}

	if err := os.MkdirAll(c.cfg.OutDir, 0755); err != nil {
		// May already exist with stricter ownership; the writes below will
		// fail loudly if the directory is genuinely unusable.
		c.logger.Warn("could not create output directory", zap.String("dir", c.cfg.OutDir), zap.Error(err))
	}

	keys, err := GenerateKeypair()
	if err != nil {
		return err
	}

	bundle, err := c.add(ctx, keys)
	if err != nil {
		return err
	}

	if err := atomicWrite(caPath, []byte(bundle.CACert), 0644); err != nil {
		return fmt.Errorf("failed to write CA certificate: %w", err)
	}
	if err := atomicWrite(certPath, []byte(bundle.HostCert), 0644); err != nil {
		return fmt.Errorf("failed to write host certificate: %w", err)
	}
	if err := atomicWrite(keyPath, keys.PrivatePEM, 0600); err != nil {
		return fmt.Errorf("failed to write host key: %w", err)
	}

	c.logger.Info("host onboarded",
		zap.String("hostname", bundle.Hostname),
		zap.String("ip", bundle.IP),
		zap.Int64("expiry", bundle.Expiry))
	return nil
}

func (c *Client) add(ctx context.Context, keys *Keypair) (*httpd.CertBundle, error) {
	payload := httpd.AddRequest{
		APIKey:         c.cfg.APIKey,
		HostnamePrefix: c.cfg.HostnamePrefix,
		PublicKey:      string(keys.PublicPEM),
		SuggestedIP:    c.cfg.SuggestedIP,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimRight(c.cfg.ServerURL, "/") + "/add"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr httpd.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("server rejected request (%d): %s", resp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("server rejected request (%d)", resp.StatusCode)
	}

	var bundle httpd.CertBundle
	if err := json.NewDecoder(resp.Body).Decode(&bundle); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &bundle, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// atomicWrite lands content via a temporary file and rename so a crashed
// run never leaves a truncated certificate or key behind.
func atomicWrite(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".nacme-")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
