// Package config provides environment configuration for the service.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all environment configuration. Leaving DATABASE_URL or
// REDIS_URL unset selects the in-memory store or broker (dev mode).
type Config struct {
	Port         string `env:"PORT"          envDefault:"8080"`
	DatabaseURL  string `env:"DATABASE_URL"`
	RedisURL     string `env:"REDIS_URL"`
	ConsumerName string `env:"CONSUMER_NAME" envDefault:"webhook-consumer-1"`
	LogLevel     string `env:"LOG_LEVEL"     envDefault:"info"`

	// Webhook delivery knobs.
	SkipURLVerification bool          `env:"WEBHOOK_SKIP_URL_VERIFICATION" envDefault:"false"`
	WebhookTimeout      time.Duration `env:"WEBHOOK_TIMEOUT"               envDefault:"5s"`
	WebhookMaxRetries   int           `env:"WEBHOOK_MAX_RETRIES"           envDefault:"20"`
	WebhookRateLimit    float64       `env:"WEBHOOK_RATE_LIMIT"            envDefault:"100"` // outbound POSTs per second
	UserAgent           string        `env:"WEBHOOK_USER_AGENT"            envDefault:"streamhooks"`

	// Auth verifier knobs (dev, hmac, jwks).
	AuthMode       string `env:"AUTH_MODE"        envDefault:"dev"`
	AuthHMACSecret string `env:"AUTH_HMAC_SECRET"`
	AuthJWKSURL    string `env:"AUTH_JWKS_URL"`

	Migrate bool `env:"DB_MIGRATE" envDefault:"true"`
}

// Load parses environment variables into a Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
