package nacme

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noblepayne/NACME/allocator"
	"github.com/noblepayne/NACME/config"
	"github.com/noblepayne/NACME/datastore"
	"github.com/noblepayne/NACME/datastore/sqlite"
	"github.com/noblepayne/NACME/httpd/gohttpd"
	"github.com/noblepayne/NACME/issuer/goissuer"
	"github.com/noblepayne/NACME/signer/nebulacert"
	"github.com/noblepayne/NACME/types"
)

var (
	version  = "dev"
	revision = "unknown"
)

// Config table keys seeded at first startup; the stored values win over
// the config file on later runs so the subnet cannot drift under
// existing leases.
const (
	configKeyCIDR         = "cidr"
	configKeyExpiryDays   = "default_expiry_days"
	configKeySuffixLength = "random_suffix_length"
)

// Run the nacme server.
func Run(ctx context.Context) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	var (
		configPath string
		dsn        string
	)
	flags := flag.NewFlagSet(fmt.Sprintf("nacme (v%s rev:%s)", version, revision), flag.ContinueOnError)
	flags.StringVar(&configPath, "config", "nacme.yaml", "config file path")
	flags.StringVar(&dsn, "dsn", "", "sqlite3 dsn (overrides config)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config %s: %w", configPath, err)
	}
	if dsn != "" {
		cfg.DSN = dsn
	}

	// Fail fast on a broken signing environment before serving anything.
	sgn, err := nebulacert.New(cfg.SignerBinary, cfg.CACert, cfg.CAKey, cfg.SignTimeout, logger)
	if err != nil {
		return err
	}
	if err := sgn.Preflight(ctx); err != nil {
		return fmt.Errorf("startup validation failed: %w", err)
	}

	caCert, err := os.ReadFile(cfg.CACert)
	if err != nil {
		return fmt.Errorf("failed to cache CA certificate: %w", err)
	}

	ds, err := sqlite.New(ctx, cfg.DSN)
	if err != nil {
		return err
	}
	defer ds.Close()

	subnet, expiryDays, suffixLen, err := effectiveConfig(ctx, ds, cfg, logger)
	if err != nil {
		return err
	}

	network := net.IPNet(*subnet)
	alloc, err := allocator.New(&network, suffixLen)
	if err != nil {
		return err
	}

	iss, err := goissuer.New(ds, alloc, sgn, goissuer.Options{
		CACert:            caCert,
		DefaultPrefix:     cfg.HostnamePrefix,
		DefaultExpiry:     time.Duration(expiryDays) * 24 * time.Hour,
		AllowServerKeygen: cfg.AllowServerKeygen,
	}, logger)
	if err != nil {
		return err
	}

	public, err := gohttpd.NewPublic(iss, logger)
	if err != nil {
		return err
	}
	admin, err := gohttpd.NewAdmin(ds, cfg.MasterKey, logger)
	if err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		logger.Info("starting public httpd", zap.String("addr", cfg.PublicAddr))
		return public.Serve(ctx, cfg.PublicAddr)
	})
	eg.Go(func() error {
		logger.Info("starting admin httpd", zap.String("addr", cfg.AdminAddr))
		return admin.Serve(ctx, cfg.AdminAddr)
	})

	logger.Info("nacme server started",
		zap.String("subnet", subnet.String()),
		zap.Int("default_expiry_days", expiryDays),
		zap.Int("random_suffix_length", suffixLen))

	return eg.Wait()
}

// effectiveConfig seeds the runtime config table on first start and reads
// the stored values back, so restarts with a changed config file keep the
// allocation parameters the existing leases were created under.
func effectiveConfig(ctx context.Context, ds datastore.Datastore, cfg *config.Config, logger *zap.Logger) (*types.IPNet, int, int, error) {
	seeds := map[string]string{
		configKeyCIDR:         cfg.Subnet.String(),
		configKeyExpiryDays:   strconv.Itoa(cfg.DefaultExpiryDays),
		configKeySuffixLength: strconv.Itoa(cfg.SuffixLength),
	}
	for key, value := range seeds {
		if err := ds.SeedConfig(ctx, key, value); err != nil {
			return nil, 0, 0, err
		}
	}

	cidr, err := ds.GetConfig(ctx, configKeyCIDR)
	if err != nil {
		return nil, 0, 0, err
	}
	subnet, err := types.ParseCIDR(cidr)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("stored cidr %q is invalid: %w", cidr, err)
	}
	if cidr != cfg.Subnet.String() {
		logger.Warn("configured subnet differs from stored subnet, using stored",
			zap.String("configured", cfg.Subnet.String()),
			zap.String("stored", cidr))
	}

	expiryDays, err := storedInt(ctx, ds, configKeyExpiryDays)
	if err != nil {
		return nil, 0, 0, err
	}
	suffixLen, err := storedInt(ctx, ds, configKeySuffixLength)
	if err != nil {
		return nil, 0, 0, err
	}

	return subnet, expiryDays, suffixLen, nil
}

func storedInt(ctx context.Context, ds datastore.Datastore, key string) (int, error) {
	value, err := ds.GetConfig(ctx, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("stored %s %q is invalid: %w", key, value, err)
	}
	return n, nil
}
