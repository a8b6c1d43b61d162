// Package config loads authd settings from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"lavka.dev/internal/federation"
)

// Link policies for federated identities whose email matches a local account.
const (
	LinkByVerifiedEmail = "verified_email"
	LinkAlwaysCreate    = "always_create"
)

// Config is the full runtime configuration of authd.
type Config struct {
	Addr   string `env:"AUTHD_ADDR" envDefault:":8080"`
	PGDSN  string `env:"AUTHD_PG_DSN"`
	Issuer string `env:"AUTHD_ISSUER" envDefault:"lavka.dev/authd"`

	JWTSecret  string        `env:"AUTHD_JWT_SECRET"`
	AccessTTL  time.Duration `env:"AUTHD_ACCESS_TTL" envDefault:"15m"`
	RefreshTTL time.Duration `env:"AUTHD_REFRESH_TTL" envDefault:"720h"`
	ResetTTL   time.Duration `env:"AUTHD_RESET_TTL" envDefault:"30m"`
	VerifyTTL  time.Duration `env:"AUTHD_VERIFY_TTL" envDefault:"24h"`

	BcryptCost int `env:"AUTHD_BCRYPT_COST" envDefault:"12"`

	LoginWindow      time.Duration `env:"AUTHD_LOGIN_WINDOW" envDefault:"15m"`
	LoginMaxFailures int           `env:"AUTHD_LOGIN_MAX_FAILURES" envDefault:"5"`

	OAuthStateTTL time.Duration `env:"AUTHD_OAUTH_STATE_TTL" envDefault:"10m"`
	LinkPolicy    string        `env:"AUTHD_LINK_POLICY" envDefault:"verified_email"`

	GoogleClientID     string `env:"AUTHD_OAUTH_GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"AUTHD_OAUTH_GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURI  string `env:"AUTHD_OAUTH_GOOGLE_REDIRECT_URI"`

	GitHubClientID     string `env:"AUTHD_OAUTH_GITHUB_CLIENT_ID"`
	GitHubClientSecret string `env:"AUTHD_OAUTH_GITHUB_CLIENT_SECRET"`
	GitHubRedirectURI  string `env:"AUTHD_OAUTH_GITHUB_REDIRECT_URI"`
}

// Load parses the environment into a validated Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.JWTSecret == "" {
		return errors.New("config: AUTHD_JWT_SECRET is required")
	}
	if c.PGDSN == "" {
		return errors.New("config: AUTHD_PG_DSN is required")
	}
	switch c.LinkPolicy {
	case LinkByVerifiedEmail, LinkAlwaysCreate:
	default:
		return fmt.Errorf("config: unknown AUTHD_LINK_POLICY %q", c.LinkPolicy)
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 || c.ResetTTL <= 0 || c.VerifyTTL <= 0 {
		return errors.New("config: token TTLs must be positive")
	}
	if c.LoginMaxFailures <= 0 || c.LoginWindow <= 0 {
		return errors.New("config: login limiter settings must be positive")
	}
	return nil
}

// OAuthProviders builds the federation providers that have credentials
// configured. An empty result simply disables federated login.
func (c Config) OAuthProviders() []federation.Provider {
	var providers []federation.Provider
	if c.GoogleClientID != "" && c.GoogleClientSecret != "" {
		providers = append(providers,
			federation.Google(c.GoogleClientID, c.GoogleClientSecret, c.GoogleRedirectURI))
	}
	if c.GitHubClientID != "" && c.GitHubClientSecret != "" {
		providers = append(providers,
			federation.GitHub(c.GitHubClientID, c.GitHubClientSecret, c.GitHubRedirectURI))
	}
	return providers
}
