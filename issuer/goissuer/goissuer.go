package goissuer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	uuid "github.com/satori/go.uuid"

	"go.uber.org/zap"

	"github.com/noblepayne/NACME/allocator"
	"github.com/noblepayne/NACME/datastore"
	"github.com/noblepayne/NACME/issuer"
	"github.com/noblepayne/NACME/signer"
	"github.com/noblepayne/NACME/types"
)

// Attempt bound for the allocate-sign-persist loop. Only a uniqueness
// conflict at persistence time consumes an attempt.
const maxAttempts = 10

// Options carry the process-wide issuance settings, read once at startup.
type Options struct {
	CACert            []byte
	DefaultPrefix     string
	DefaultExpiry     time.Duration
	AllowServerKeygen bool
}

// GoIssuer coordinates allocation, signing, and persistence. It holds no
// lock across the three steps; the store's uniqueness constraints are the
// only serialization point, so concurrent requests that race to the same
// candidate pair lose at insert time and retry with a fresh pair.
type GoIssuer struct {
	ds     datastore.Datastore
	alloc  *allocator.Allocator
	signer signer.Signer
	opts   Options
	logger *zap.Logger
}

// New is
func New(ds datastore.Datastore, alloc *allocator.Allocator, sgn signer.Signer, opts Options, logger *zap.Logger) (issuer.Issuer, error) {
	if len(opts.CACert) == 0 {
		return nil, fmt.Errorf("CA certificate is required")
	}
	return &GoIssuer{
		ds:     ds,
		alloc:  alloc,
		signer: sgn,
		opts:   opts,
		logger: logger,
	}, nil
}

// Issue is
func (g *GoIssuer) Issue(ctx context.Context, req issuer.AddRequest) (*issuer.CertBundle, error) {
	now := time.Now()

	cred, err := g.ds.GetCredential(ctx, issuer.HashKey(req.APIKey))
	if errors.Is(err, datastore.ErrNotFound) {
		g.logger.Warn("invalid key attempt", zap.String("prefix", req.HostnamePrefix))
		return nil, issuer.ErrInvalidCredential
	} else if err != nil {
		return nil, err
	}
	if cred.Expired(now) {
		return nil, issuer.ErrCredentialExpired
	}
	if cred.Spent() {
		return nil, issuer.ErrCredentialSpent
	}

	groups, err := authorizeGroups(cred, req.Groups)
	if err != nil {
		return nil, err
	}

	if req.PublicKeyPEM == nil {
		if !g.opts.AllowServerKeygen {
			return nil, issuer.ErrPublicKeyRequired
		}
		g.logger.Warn("legacy server-side keygen requested", zap.String("prefix", req.HostnamePrefix))
	} else if err := signer.ValidatePublicKey(req.PublicKeyPEM); err != nil {
		return nil, fmt.Errorf("%w: %s", issuer.ErrInvalidPublicKey, err.Error())
	}

	prefix := req.HostnamePrefix
	if prefix == "" {
		prefix = g.opts.DefaultPrefix
	}
	if _, err := allocator.SanitizePrefix(prefix); err != nil {
		return nil, err
	}

	if req.SuggestedIP != nil {
		if err := g.alloc.ValidateSuggested(req.SuggestedIP); err != nil {
			return nil, err
		}
	}

	expiry := now.Add(g.opts.DefaultExpiry)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		// The suggestion is honored on the first attempt only; once it has
		// conflicted there is no point proposing it again.
		ip, err := g.candidateAddress(ctx, req.SuggestedIP, attempt)
		if err != nil {
			return nil, err
		}

		hostname, err := g.alloc.Hostname(prefix)
		if err != nil {
			return nil, err
		}

		// Signing failures are about input or environment validity, never
		// about a resource collision; they are fatal for the request.
		bundle, err := g.signer.Sign(ctx, signer.Identity{
			Name:         hostname,
			IP:           ip,
			PrefixLen:    g.alloc.PrefixLen(),
			Groups:       groups,
			Duration:     g.opts.DefaultExpiry,
			PublicKeyPEM: req.PublicKeyPEM,
		})
		if err != nil {
			return nil, err
		}

		_, err = g.ds.CreateLease(ctx, issuer.Lease{
			UUID:        uuid.NewV4(),
			Hostname:    hostname,
			IPAddress:   types.IP(ip),
			Groups:      types.Groups(groups),
			Expiry:      expiry.Unix(),
			Certificate: string(bundle.CertPEM),
			CreatedAt:   now.Unix(),
		})
		if errors.Is(err, datastore.ErrIPConflict) || errors.Is(err, datastore.ErrHostnameConflict) {
			g.logger.Warn("allocation collision",
				zap.Int("attempt", attempt+1),
				zap.String("ip", ip.String()),
				zap.String("hostname", hostname),
				zap.Error(err))
			continue
		} else if err != nil {
			return nil, err
		}

		if cred.UsesRemaining != nil {
			if err := g.ds.ConsumeCredentialUse(ctx, cred.ID); err != nil {
				// The lease is already persisted; losing one decrement is
				// preferable to failing the onboarding.
				g.logger.Error("failed to consume credential use", zap.Int64("credential_id", cred.ID), zap.Error(err))
			}
		}

		g.logger.Info("host added",
			zap.String("hostname", hostname),
			zap.String("ip", ip.String()),
			zap.Strings("groups", groups),
			zap.Bool("client_key", req.PublicKeyPEM != nil))

		return &issuer.CertBundle{
			CACert:    g.opts.CACert,
			HostCert:  bundle.CertPEM,
			HostKey:   bundle.KeyPEM,
			IP:        types.IP(ip),
			PrefixLen: g.alloc.PrefixLen(),
			Hostname:  hostname,
			Expiry:    expiry,
		}, nil
	}

	return nil, fmt.Errorf("%w after %d attempts", issuer.ErrExhausted, maxAttempts)
}

func (g *GoIssuer) candidateAddress(ctx context.Context, suggested net.IP, attempt int) (net.IP, error) {
	if suggested != nil && attempt == 0 {
		inUse, err := g.ds.InUse(ctx, suggested)
		if err != nil {
			return nil, err
		}
		if !inUse {
			g.logger.Info("suggested ip accepted", zap.String("ip", suggested.String()))
			return suggested, nil
		}
		g.logger.Warn("suggested ip taken, falling back to auto allocation", zap.String("suggested", suggested.String()))
	}

	ip, err := g.alloc.Allocate(ctx, g.ds)
	if errors.Is(err, allocator.ErrExhausted) {
		return nil, fmt.Errorf("%w: %s", issuer.ErrExhausted, err.Error())
	} else if err != nil {
		return nil, err
	}
	return ip, nil
}

func authorizeGroups(cred *issuer.Credential, requested []string) ([]string, error) {
	if len(cred.Groups) == 0 {
		return nil, fmt.Errorf("credential has no groups defined")
	}
	if len(requested) == 0 {
		return []string(cred.Groups), nil
	}
	for _, group := range requested {
		if !cred.Groups.Contains(group) {
			return nil, fmt.Errorf("%w: %s", issuer.ErrGroupNotPermitted, group)
		}
	}
	return requested, nil
}
