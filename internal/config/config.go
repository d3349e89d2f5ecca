package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Config captures runtime configuration values used by the backend service.
// Values come from the environment; cmd/* loads .env files beforehand.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on. Defaults to ":18111".
	ServerAddress string `env:"BACKEND_ADDR" envDefault:":18111"`

	// DatabaseURL is the Postgres DSN used by database/sql. It must carry the
	// administrative role: the webhook has no caller session to write with.
	DatabaseURL string `env:"DATABASE_URL"`

	// AppURL is the public front-end origin, used for redirects when a request
	// carries no Origin header.
	AppURL string `env:"APP_URL" envDefault:"http://localhost:5173"`

	// CORSOrigins lists origins allowed to call the API from a browser.
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`

	// TrustProxyHeaders takes the client IP from X-Forwarded-For / X-Real-IP.
	// Enable it only behind a proxy that overwrites those headers.
	TrustProxyHeaders bool `env:"TRUST_PROXY_HEADERS" envDefault:"false"`

	// OpsToken guards the job queue inspection endpoints; they are not
	// mounted when it is empty.
	OpsToken string `env:"OPS_TOKEN"`

	Stripe   StripeConfig
	Auth     AuthConfig
	Mail     MailConfig
	Logging  LoggingConfig
	Checkout CheckoutConfig
}

// StripeConfig holds payment provider credentials.
type StripeConfig struct {
	SecretKey     string `env:"STRIPE_SECRET_KEY"`
	WebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`

	// PriceIDs are the prices the front-end may offer. They are checked
	// against the account by `dbtool prices` and at startup when PriceLookup is on.
	PriceIDs []string `env:"STRIPE_PRICE_IDS" envSeparator:","`

	// PriceLookup loads active prices once at startup so checkout can fix
	// the casing of configured price ids.
	PriceLookup bool `env:"STRIPE_PRICE_LOOKUP" envDefault:"false"`
}

// AuthConfig describes how bearer tokens from the auth provider are verified.
type AuthConfig struct {
	ProjectURL string `env:"SUPABASE_URL"`
	JWTSecret  string `env:"SUPABASE_JWT_SECRET"`
	JWKSURL    string `env:"SUPABASE_JWKS_URL"`
	Audience   string `env:"SUPABASE_JWT_AUDIENCE" envDefault:"authenticated"`
}

// Issuer is the expected iss claim, derived from the project URL.
func (a AuthConfig) Issuer() string {
	if a.ProjectURL == "" {
		return ""
	}
	return strings.TrimRight(a.ProjectURL, "/") + "/auth/v1"
}

// KeySetURL returns the JWKS endpoint, defaulting to the provider's well-known path.
func (a AuthConfig) KeySetURL() string {
	if a.JWKSURL != "" {
		return a.JWKSURL
	}
	if a.ProjectURL == "" || a.JWTSecret != "" {
		return ""
	}
	return a.Issuer() + "/.well-known/jwks.json"
}

// MailConfig configures the upgrade email. Delivery is disabled when no
// Postmark server token is set.
type MailConfig struct {
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	From                 string `env:"MAIL_FROM" envDefault:"no-reply@partilhapro.app"`
}

// LoggingConfig selects log verbosity and encoding.
type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

// CheckoutConfig rate limits checkout creation per client IP.
type CheckoutConfig struct {
	RateLimit float64 `env:"CHECKOUT_RATE_LIMIT" envDefault:"1"`
	RateBurst int     `env:"CHECKOUT_RATE_BURST" envDefault:"5"`
}

const (
	defaultServerAddress   = ":18111"
	envServerAddress       = "BACKEND_ADDR"
	envDatabaseURL         = "DATABASE_URL"
	envStripeSecretKey     = "STRIPE_SECRET_KEY"
	envStripeWebhookSecret = "STRIPE_WEBHOOK_SECRET"
	envSupabaseURL         = "SUPABASE_URL"
	envSupabaseJWTSecret   = "SUPABASE_JWT_SECRET"
)

// Load reads configuration for the HTTP server. Every secret the request
// path needs is required here so a misconfigured process never serves traffic.
func Load() (Config, error) {
	cfg, err := parse()
	if err != nil {
		return Config{}, err
	}

	if err := requireDatabase(cfg); err != nil {
		return Config{}, err
	}
	if cfg.Stripe.SecretKey == "" {
		return Config{}, fmt.Errorf("%s is required", envStripeSecretKey)
	}
	if cfg.Stripe.WebhookSecret == "" {
		return Config{}, fmt.Errorf("%s is required", envStripeWebhookSecret)
	}
	if cfg.Auth.JWTSecret == "" && cfg.Auth.KeySetURL() == "" {
		return Config{}, fmt.Errorf("%s or %s is required", envSupabaseJWTSecret, envSupabaseURL)
	}
	if _, err := url.Parse(cfg.AppURL); err != nil {
		return Config{}, fmt.Errorf("invalid APP_URL: %w", err)
	}

	return cfg, nil
}

// LoadDatabase reads configuration for tools that only touch the database.
func LoadDatabase() (Config, error) {
	cfg, err := parse()
	if err != nil {
		return Config{}, err
	}
	if err := requireDatabase(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadStripe reads configuration for tools that only call the Stripe API.
func LoadStripe() (Config, error) {
	cfg, err := parse()
	if err != nil {
		return Config{}, err
	}
	if cfg.Stripe.SecretKey == "" {
		return Config{}, fmt.Errorf("%s is required", envStripeSecretKey)
	}
	return cfg, nil
}

func parse() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if strings.TrimSpace(cfg.ServerAddress) == "" {
		cfg.ServerAddress = defaultServerAddress
	}
	cfg.Stripe.PriceIDs = compact(cfg.Stripe.PriceIDs)
	cfg.CORSOrigins = compact(cfg.CORSOrigins)
	return cfg, nil
}

func requireDatabase(cfg Config) error {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return errors.New(envDatabaseURL + " is required")
	}
	return nil
}

func compact(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
