package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config carries the process configuration, read once at startup from the
// environment.
type Config struct {
	ServiceName string
	Env         string
	Addr        string

	// DatabaseDSN selects the durable Postgres store. When empty the
	// service runs on in-memory repositories, which only makes sense for
	// local development.
	DatabaseDSN string

	StripeSecretKey string
	Currency        string

	RetryPollInterval time.Duration
	RetryBatchSize    int
}

const (
	defaultAddr              = ":8080"
	defaultServiceName       = "marketplace-payments"
	defaultEnv               = "dev"
	defaultCurrency          = "usd"
	defaultRetryPollInterval = time.Minute
	defaultRetryBatchSize    = 50
)

// Load reads configuration from the environment. The Stripe secret key is
// the only hard requirement; everything else has a development default.
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName:       getenvDefault("SERVICE_NAME", defaultServiceName),
		Env:               getenvDefault("ENV", defaultEnv),
		Addr:              getenvDefault("ADDR", defaultAddr),
		DatabaseDSN:       os.Getenv("DATABASE_DSN"),
		StripeSecretKey:   os.Getenv("STRIPE_SECRET_KEY"),
		Currency:          getenvDefault("CURRENCY", defaultCurrency),
		RetryPollInterval: defaultRetryPollInterval,
		RetryBatchSize:    defaultRetryBatchSize,
	}

	if cfg.StripeSecretKey == "" {
		return nil, fmt.Errorf("config: STRIPE_SECRET_KEY is required")
	}

	if v := os.Getenv("RETRY_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("config: RETRY_POLL_INTERVAL: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("config: RETRY_POLL_INTERVAL must be positive")
		}
		cfg.RetryPollInterval = d
	}

	if v := os.Getenv("RETRY_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: RETRY_BATCH_SIZE: %w", err)
		}
		if n <= 0 {
			return nil, fmt.Errorf("config: RETRY_BATCH_SIZE must be positive")
		}
		cfg.RetryBatchSize = n
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
