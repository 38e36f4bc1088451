// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// CurrencyConfig holds the RPC endpoints for one configured currency.
// A currency is only registered when both a daemon and a wallet RPC URI
// are present; a partially configured currency is a startup error rather
// than a silently skipped one.
type CurrencyConfig struct {
	Code            string // Upper-case currency code, e.g. "WOW"
	DaemonRPCURI    string // Daemon JSON-RPC endpoint (sync state)
	WalletRPCURI    string // wallet-rpc JSON-RPC endpoint (view-only keys)
	WalletDirectory string // Wallet storage directory (informational)
	AccountIndex    int64  // Wallet account new deposit addresses are derived under
}

// Config holds application configuration
type Config struct {
	DataDir       string // Base directory for the invoice database (always absolute)
	Port          int
	DevMode       bool
	LogLevel      string
	SweepSchedule string // Cron expression for the failsafe reconciliation sweep
	Currencies    map[string]CurrencyConfig
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Determine data directory, always resolved to an absolute path
	dataDir := getEnv("PAYSERVER_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:       absDataDir,
		Port:          getEnvAsInt("PAYSERVER_PORT", 8170),
		DevMode:       getEnvAsBool("DEV_MODE", false),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		SweepSchedule: getEnv("SWEEP_SCHEDULE", "@hourly"),
		Currencies:    map[string]CurrencyConfig{},
	}

	// CHAINS lists the currency codes to enable, comma separated.
	// Each enabled chain needs <CODE>_DAEMON_URI and <CODE>_WALLET_DAEMON_URI.
	chains := strings.Split(getEnv("CHAINS", "wow"), ",")
	for _, chain := range chains {
		code := strings.ToUpper(strings.TrimSpace(chain))
		if code == "" {
			continue
		}

		item, err := loadCurrencyConfig(code)
		if err != nil {
			return nil, err
		}
		cfg.Currencies[code] = item
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadCurrencyConfig reads the per-currency settings for one chain code.
func loadCurrencyConfig(code string) (CurrencyConfig, error) {
	daemonURI := getEnv(code+"_DAEMON_URI", "")
	walletURI := getEnv(code+"_WALLET_DAEMON_URI", "")
	if daemonURI == "" || walletURI == "" {
		return CurrencyConfig{}, fmt.Errorf("%s is misconfigured: %s_DAEMON_URI and %s_WALLET_DAEMON_URI are required", code, code, code)
	}

	for _, uri := range []string{daemonURI, walletURI} {
		if _, err := url.ParseRequestURI(uri); err != nil {
			return CurrencyConfig{}, fmt.Errorf("%s is misconfigured: invalid RPC URI %q: %w", code, uri, err)
		}
	}

	accountIndex := int64(getEnvAsInt(code+"_ACCOUNT_INDEX", 0))
	if accountIndex < 0 {
		return CurrencyConfig{}, fmt.Errorf("%s is misconfigured: account index must not be negative", code)
	}

	return CurrencyConfig{
		Code:            code,
		DaemonRPCURI:    daemonURI,
		WalletRPCURI:    walletURI,
		WalletDirectory: getEnv(code+"_WALLET_DAEMON_WALLETDIR", ""),
		AccountIndex:    accountIndex,
	}, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if len(c.Currencies) == 0 {
		return fmt.Errorf("no currencies configured: set CHAINS and the per-chain RPC URIs")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

// Codes returns the configured currency codes.
func (c *Config) Codes() []string {
	codes := make([]string, 0, len(c.Currencies))
	for code := range c.Currencies {
		codes = append(codes, code)
	}
	return codes
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
