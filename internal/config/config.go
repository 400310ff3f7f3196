// Package config handles application configuration via environment variables.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for the authorization server.
type Config struct {
	// Server settings
	Host string `env:"OUTPOST_HOST" env-default:"0.0.0.0"`
	Port int    `env:"OUTPOST_PORT" env-default:"8080"`

	// Issuer URL advertised in discovery and token claims
	IssuerURL string `env:"OUTPOST_ISSUER_URL" env-default:"http://localhost:8080"`

	// Storage settings
	DataDir string `env:"OUTPOST_DATA_DIR" env-default:"./data"`

	// Bounded per-request timeout. Store operations observe the request
	// context, so a slow store surfaces internal_error rather than
	// hanging the request.
	RequestTimeout time.Duration `env:"OUTPOST_REQUEST_TIMEOUT" env-default:"30s"`

	// Token settings
	AccessTokenTTL  time.Duration `env:"OUTPOST_ACCESS_TOKEN_TTL" env-default:"15m"`
	RefreshTokenTTL time.Duration `env:"OUTPOST_REFRESH_TOKEN_TTL" env-default:"168h"` // 7 days
	AuthCodeTTL     time.Duration `env:"OUTPOST_AUTH_CODE_TTL" env-default:"10m"`
	// Refresh token rotation: the presented token is revoked and
	// superseded by a new one on every refresh.
	RotateRefreshTokens bool `env:"OUTPOST_ROTATE_REFRESH_TOKENS" env-default:"true"`

	// Account security guard
	LockoutThreshold int           `env:"OUTPOST_LOCKOUT_THRESHOLD" env-default:"5"`
	LockoutDuration  time.Duration `env:"OUTPOST_LOCKOUT_DURATION" env-default:"15m"`
	PasswordMinLen   int           `env:"OUTPOST_PASSWORD_MIN_LEN" env-default:"10"`
	PasswordHistory  int           `env:"OUTPOST_PASSWORD_HISTORY" env-default:"5"`

	// Session settings
	SessionDuration time.Duration `env:"OUTPOST_SESSION_DURATION" env-default:"24h"`
	CookieSecure    bool          `env:"OUTPOST_COOKIE_SECURE" env-default:"false"`
	CookieDomain    string        `env:"OUTPOST_COOKIE_DOMAIN" env-default:""`

	// Signing key rotation
	SigningKeyRotationDays int `env:"OUTPOST_SIGNING_KEY_ROTATION_DAYS" env-default:"30"`

	// Rate limiting (requests per minute per IP)
	LoginRateLimit int `env:"OUTPOST_LOGIN_RATE_LIMIT" env-default:"10"`
	TokenRateLimit int `env:"OUTPOST_TOKEN_RATE_LIMIT" env-default:"60"`

	// Origins allowed to call the API cross-origin (for SPA clients).
	// Empty disables CORS entirely.
	CORSOrigins []string `env:"OUTPOST_CORS_ORIGINS" env-separator:","`

	// Logging
	LogLevel  string `env:"OUTPOST_LOG_LEVEL" env-default:"info"`
	LogFormat string `env:"OUTPOST_LOG_FORMAT" env-default:"json"` // json or text
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.LockoutThreshold < 0 {
		return nil, fmt.Errorf("lockout threshold must not be negative")
	}
	if cfg.PasswordHistory < 0 {
		return nil, fmt.Errorf("password history size must not be negative")
	}
	return &cfg, nil
}

// Addr returns the server address in host:port format.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GenerateSecret generates a cryptographically secure random string of
// the given byte length, base64url-encoded without padding.
func GenerateSecret(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}
