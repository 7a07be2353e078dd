package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/noblepayne/NACME/client"
)

// Flags override the NACME_* environment variables.
func loadConfig() client.Config {
	var cfg client.Config
	flag.StringVar(&cfg.ServerURL, "server", os.Getenv("NACME_SERVER_URL"), "server URL")
	flag.StringVar(&cfg.APIKey, "key", os.Getenv("NACME_API_KEY"), "API key")
	flag.StringVar(&cfg.HostnamePrefix, "prefix", os.Getenv("NACME_HOSTNAME_PREFIX"), "hostname prefix")
	flag.StringVar(&cfg.SuggestedIP, "ip", os.Getenv("NACME_SUGGESTED_IP"), "suggested IP address")
	flag.StringVar(&cfg.OutDir, "out-dir", os.Getenv("NACME_OUT_DIR"), "output directory")
	flag.StringVar(&cfg.CAFile, "ca-file", os.Getenv("NACME_CA_FILE"), "CA cert filename")
	flag.StringVar(&cfg.CertFile, "cert-file", os.Getenv("NACME_CERT_FILE"), "host cert filename")
	flag.StringVar(&cfg.KeyFile, "key-file", os.Getenv("NACME_KEY_FILE"), "host key filename")
	flag.Parse()
	return cfg
}

func main() {
	cfg := loadConfig()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	c, err := client.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
	if err := c.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
}
