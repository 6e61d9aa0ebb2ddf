// Package config loads the demo configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

// Config is the full configuration of the storefront demo.
type Config struct {
	// x402 payment gate.
	FacilitatorURL string `envconfig:"FAREMETER_FACILITATOR_URL" required:"true"`
	Network        string `envconfig:"FAREMETER_NETWORK" default:"devnet"`
	PayToAddress   string `envconfig:"PAYTO_ADDRESS" required:"true"`
	AssetAddress   string `envconfig:"ASSET_ADDRESS" required:"true"`

	// Product.
	AmazonASIN string  `envconfig:"AMAZON_ASIN" required:"true"`
	PriceUSD   float64 `envconfig:"AMAZON_PRICE" required:"true"`
	HostOrigin string  `envconfig:"HOST_ORIGIN" required:"true"`

	// Crossmint provider.
	CrossmintAPIKey        string `envconfig:"CROSSMINT_API_KEY" required:"true"`
	CrossmintBaseURL       string `envconfig:"CROSSMINT_BASE_URL"`
	CrossmintWebhookSecret string `envconfig:"CROSSMINT_WEBHOOK_SECRET"`

	// Merchant wallet. The keypair is either a JSON byte array or base58.
	PayToKeypair   string        `envconfig:"PAYTO_KEYPAIR_JSON" required:"true"`
	RPCURL         string        `envconfig:"RPC_URL" required:"true"`
	ConfirmTimeout time.Duration `envconfig:"CONFIRM_TIMEOUT" default:"90s"`

	// Storage.
	RedisAddr string `envconfig:"REDIS_ADDR" default:"localhost:6379"`

	// Notifications. Email is disabled when the API key is empty.
	ResendAPIKey string `envconfig:"RESEND_API_KEY"`
	EmailFrom    string `envconfig:"EMAIL_FROM"`

	// Server.
	ListenAddr     string        `envconfig:"LISTEN_ADDR" default:":8080"`
	SweepInterval  time.Duration `envconfig:"SWEEP_INTERVAL" default:"2m"`
	StuckThreshold time.Duration `envconfig:"STUCK_THRESHOLD" default:"5m"`
}

// Load reads .env (when present) and the process environment.
func Load() (*Config, error) {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, errors.Wrap(err, "load configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks constraints envconfig tags cannot express.
func (c *Config) Validate() error {
	if c.PriceUSD <= 0 {
		return errors.Errorf("AMAZON_PRICE must be positive, got %v", c.PriceUSD)
	}
	if c.ResendAPIKey != "" && c.EmailFrom == "" {
		return errors.New("EMAIL_FROM must be set when RESEND_API_KEY is set")
	}
	if c.SweepInterval <= 0 {
		return errors.Errorf("SWEEP_INTERVAL must be positive, got %v", c.SweepInterval)
	}
	return nil
}
