// Package config содержит логику чтения конфигурации сервиса подписок SVPN.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"

	"github.com/mmeshcher/svpn-ledger/internal/validation"
)

const (
	defaultRunAddress     = "localhost:8080"
	defaultGatewayTimeout = 10 * time.Second
)

// Config содержит параметры конфигурации сервиса подписок.
type Config struct {
	RunAddress     string        `env:"RUN_ADDRESS"`
	DatabaseURI    string        `env:"DATABASE_URI"`
	GatewayAddress string        `env:"GATEWAY_ADDRESS"`
	AdminAddress   string        `env:"ADMIN_ADDRESS"`
	LedgerAddress  string        `env:"LEDGER_ADDRESS"`
	AuthSecret     string        `env:"AUTH_SECRET"`
	CatalogFile    string        `env:"CATALOG_FILE"`
	GatewayTimeout time.Duration `env:"GATEWAY_TIMEOUT"`

	// Admin и Ledger заполняются из AdminAddress и LedgerAddress при разборе.
	Admin  common.Address
	Ledger common.Address
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	fromEnv := *cfg

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, in-memory store when empty")
	flag.StringVar(&cfg.GatewayAddress, "g", "", "value transfer gateway address, in-memory gateway when empty")
	flag.StringVar(&cfg.AdminAddress, "o", "", "administrator account address")
	flag.StringVar(&cfg.LedgerAddress, "l", "", "ledger account address on the gateway")
	flag.StringVar(&cfg.AuthSecret, "s", "", "HMAC secret for caller tokens")
	flag.StringVar(&cfg.CatalogFile, "c", "", "YAML file with the seed catalog")
	flag.DurationVar(&cfg.GatewayTimeout, "t", defaultGatewayTimeout, "timeout for each gateway call")

	flag.Parse()

	if fromEnv.RunAddress != "" {
		cfg.RunAddress = fromEnv.RunAddress
	}
	if fromEnv.DatabaseURI != "" {
		cfg.DatabaseURI = fromEnv.DatabaseURI
	}
	if fromEnv.GatewayAddress != "" {
		cfg.GatewayAddress = fromEnv.GatewayAddress
	}
	if fromEnv.AdminAddress != "" {
		cfg.AdminAddress = fromEnv.AdminAddress
	}
	if fromEnv.LedgerAddress != "" {
		cfg.LedgerAddress = fromEnv.LedgerAddress
	}
	if fromEnv.AuthSecret != "" {
		cfg.AuthSecret = fromEnv.AuthSecret
	}
	if fromEnv.CatalogFile != "" {
		cfg.CatalogFile = fromEnv.CatalogFile
	}
	if fromEnv.GatewayTimeout != 0 {
		cfg.GatewayTimeout = fromEnv.GatewayTimeout
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}

	if err := cfg.resolveAccounts(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) resolveAccounts() error {
	if c.AdminAddress == "" {
		return errors.New("administrator address is required")
	}
	if c.LedgerAddress == "" {
		return errors.New("ledger address is required")
	}

	admin, err := validation.ParseAddress(c.AdminAddress)
	if err != nil {
		return fmt.Errorf("admin address: %w", err)
	}
	ledger, err := validation.ParseAddress(c.LedgerAddress)
	if err != nil {
		return fmt.Errorf("ledger address: %w", err)
	}

	c.Admin = admin
	c.Ledger = ledger
	return nil
}
