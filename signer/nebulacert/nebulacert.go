package nebulacert

import (
	"bytes"
	"context"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noblepayne/NACME/signer"
)

// NebulaCert drives the nebula-cert executable to sign host certificates.
// Arguments are built only from already-validated identity fields; raw
// caller input never reaches the command line.
type NebulaCert struct {
	binary  string
	caCert  string
	caKey   string
	timeout time.Duration
	logger  *zap.Logger
}

// New is
func New(binary, caCert, caKey string, timeout time.Duration, logger *zap.Logger) (*NebulaCert, error) {
	return &NebulaCert{
		binary:  binary,
		caCert:  caCert,
		caKey:   caKey,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Preflight verifies the signing environment before any request is served:
// the binary resolves and runs, and the CA material is readable. A failure
// here should abort startup.
func (n *NebulaCert) Preflight(ctx context.Context) error {
	if _, err := exec.LookPath(n.binary); err != nil {
		return &signer.Error{Kind: signer.KindBinaryNotFound, Detail: fmt.Sprintf("%s not found in PATH", n.binary), Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, n.binary, "-version")
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return n.classify(ctx, err, stderr.String())
	}

	for _, path := range []string{n.caCert, n.caKey} {
		if err := checkReadable(path); err != nil {
			return err
		}
	}

	return nil
}

func checkReadable(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsPermission(err) {
			return &signer.Error{Kind: signer.KindPermissionDenied, Detail: fmt.Sprintf("cannot read %s", path), Err: err}
		}
		return &signer.Error{Kind: signer.KindInvalidCAFile, Detail: fmt.Sprintf("cannot read %s", path), Err: err}
	}
	if block, _ := pem.Decode(buf); block == nil {
		return &signer.Error{Kind: signer.KindInvalidCAFile, Detail: fmt.Sprintf("%s is not PEM encoded", path)}
	}
	return nil
}

// Sign invokes nebula-cert sign in a private temporary directory. The
// directory is removed on every exit path; artifacts from a timed-out or
// failed invocation are never read back.
func (n *NebulaCert) Sign(ctx context.Context, id signer.Identity) (*signer.Bundle, error) {
	tmp, err := os.MkdirTemp("", "nacme-sign-")
	if err != nil {
		return nil, &signer.Error{Kind: signer.KindPermissionDenied, Detail: "cannot create working directory", Err: err}
	}
	defer os.RemoveAll(tmp)

	outCrt := filepath.Join(tmp, "host.crt")
	outKey := filepath.Join(tmp, "host.key")

	args := []string{
		"sign",
		"-ca-crt", n.caCert,
		"-ca-key", n.caKey,
		"-name", id.Name,
		"-ip", fmt.Sprintf("%s/%d", id.IP.String(), id.PrefixLen),
		"-groups", strings.Join(id.Groups, ","),
		"-duration", fmt.Sprintf("%dh", int64(id.Duration.Hours())),
		"-out-crt", outCrt,
	}

	legacyKeygen := id.PublicKeyPEM == nil
	if legacyKeygen {
		args = append(args, "-out-key", outKey)
	} else {
		inPub := filepath.Join(tmp, "host.pub")
		if err := os.WriteFile(inPub, id.PublicKeyPEM, 0600); err != nil {
			return nil, &signer.Error{Kind: signer.KindPermissionDenied, Detail: "cannot write public key input", Err: err}
		}
		args = append(args, "-in-pub", inPub)
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, n.binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	n.logger.Debug("invoking signer",
		zap.String("name", id.Name),
		zap.String("ip", id.IP.String()),
		zap.Strings("groups", id.Groups))

	if err := cmd.Run(); err != nil {
		serr := n.classify(ctx, err, stderr.String())
		n.logger.Error("signer invocation failed",
			zap.String("name", id.Name),
			zap.String("ip", id.IP.String()),
			zap.String("stderr", strings.TrimSpace(stderr.String())),
			zap.Error(serr))
		return nil, serr
	}

	certPEM, err := readArtifact(outCrt, signer.CertificateBanner)
	if err != nil {
		return nil, err
	}

	bundle := &signer.Bundle{CertPEM: certPEM}
	if legacyKeygen {
		keyPEM, err := readArtifact(outKey, signer.PrivateKeyBanner)
		if err != nil {
			return nil, err
		}
		bundle.KeyPEM = keyPEM
	}

	return bundle, nil
}

// readArtifact loads an expected output file and checks it parses as PEM of
// the expected type. The banner prefix match tolerates versioned banners
// such as "NEBULA CERTIFICATE V2".
func readArtifact(path, banner string) ([]byte, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, &signer.Error{Kind: signer.KindEmptyArtifact, Detail: fmt.Sprintf("expected output %s missing", filepath.Base(path)), Err: err}
	}
	if len(buf) == 0 {
		return nil, &signer.Error{Kind: signer.KindEmptyArtifact, Detail: fmt.Sprintf("output %s is empty", filepath.Base(path))}
	}
	block, _ := pem.Decode(buf)
	if block == nil || !strings.HasPrefix(block.Type, banner) {
		return nil, &signer.Error{Kind: signer.KindMalformedArtifact, Detail: fmt.Sprintf("output %s is not a %s", filepath.Base(path), banner)}
	}
	return buf, nil
}

// classify maps an invocation failure onto a signer error kind using the
// exec error, the context state, and the tool's stderr.
func (n *NebulaCert) classify(ctx context.Context, err error, stderr string) *signer.Error {
	detail := strings.TrimSpace(stderr)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &signer.Error{Kind: signer.KindTimeout, Detail: fmt.Sprintf("%s did not finish within %s", n.binary, n.timeout), Err: err}
	}

	var execErr *exec.Error
	if errors.As(err, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound) {
		return &signer.Error{Kind: signer.KindBinaryNotFound, Detail: fmt.Sprintf("%s not found", n.binary), Err: err}
	}
	if os.IsPermission(err) {
		return &signer.Error{Kind: signer.KindPermissionDenied, Detail: detail, Err: err}
	}

	s := strings.ToLower(stderr)
	switch {
	case strings.Contains(s, "permission denied") || strings.Contains(s, "access denied"):
		return &signer.Error{Kind: signer.KindPermissionDenied, Detail: detail, Err: err}
	case strings.Contains(s, "ca-crt") || strings.Contains(s, "ca-key") ||
		(strings.Contains(s, "invalid") && strings.Contains(s, "certificate")):
		return &signer.Error{Kind: signer.KindInvalidCAFile, Detail: detail, Err: err}
	case strings.Contains(s, "invalid") && strings.Contains(s, "ip"):
		return &signer.Error{Kind: signer.KindInvalidIdentityParameters, Detail: detail, Err: err}
	case strings.Contains(s, "invalid") && strings.Contains(s, "group"):
		return &signer.Error{Kind: signer.KindInvalidIdentityParameters, Detail: detail, Err: err}
	case strings.Contains(s, "in-pub") || strings.Contains(s, "public key"):
		return &signer.Error{Kind: signer.KindInvalidPublicKey, Detail: detail, Err: err}
	}

	return &signer.Error{Kind: signer.KindUnknown, Detail: detail, Err: err}
}
