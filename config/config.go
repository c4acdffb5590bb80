// Package config loads application configuration from a yaml file and EPIC_*
// environment variables.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the server.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Session   SessionConfig   `mapstructure:"session"`
	Security  SecurityConfig  `mapstructure:"security"`
	Email     EmailConfig     `mapstructure:"email"`
	OAuth     OAuthConfig     `mapstructure:"oauth"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// ServerConfig holds HTTP server configuration. TrustedProxies lists the proxy
// addresses or CIDRs whose X-Forwarded-For is believed; when empty, clients are
// keyed on the connection address.
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	BaseURL        string        `mapstructure:"base_url"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	TrustedProxies []string      `mapstructure:"trusted_proxies"`
	LogLevel       string        `mapstructure:"log_level"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig selects the store. Driver is "sqlite" or "postgres".
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// RedisConfig enables the shared rate limiter when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SessionConfig holds cookie signing material. Secrets are base64 encoded;
// the first one signs new cookies.
type SessionConfig struct {
	Secrets        []string `mapstructure:"secrets"`
	EncryptionKeys []string `mapstructure:"encryption_keys"`
	Domain         string   `mapstructure:"domain"`
	Secure         bool     `mapstructure:"secure"`
}

// SecurityConfig holds session and verification lifetimes.
type SecurityConfig struct {
	SessionLifetime     time.Duration `mapstructure:"session_lifetime"`
	VerificationTTL     time.Duration `mapstructure:"verification_ttl"`
	TwoFactorFreshness  time.Duration `mapstructure:"two_factor_freshness"`
	MaxLoginAttempts    int           `mapstructure:"max_login_attempts"`
	LockoutDuration     time.Duration `mapstructure:"lockout_duration"`
	BreachCheckURL      string        `mapstructure:"breach_check_url"`
	BreachCheckTimeout  time.Duration `mapstructure:"breach_check_timeout"`
	BreachCheckFailOpen bool          `mapstructure:"breach_check_fail_open"`
	PermissionCacheTTL  time.Duration `mapstructure:"permission_cache_ttl"`
}

// EmailConfig configures the mailer.
type EmailConfig struct {
	Provider     string `mapstructure:"provider"`
	APIKey       string `mapstructure:"api_key"`
	FromEmail    string `mapstructure:"from_email"`
	FromName     string `mapstructure:"from_name"`
	AppName      string `mapstructure:"app_name"`
	SupportEmail string `mapstructure:"support_email"`
}

// OAuthProvider holds one provider's client credentials.
type OAuthProvider struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
}

// Enabled reports whether credentials are present.
func (p OAuthProvider) Enabled() bool {
	return p.ClientID != "" && p.ClientSecret != ""
}

// OAuthConfig holds provider credentials. Callback URLs are derived from
// Server.BaseURL.
type OAuthConfig struct {
	GitHub OAuthProvider `mapstructure:"github"`
	Google OAuthProvider `mapstructure:"google"`
}

// RateLimitConfig bounds requests to the verification and login routes.
type RateLimitConfig struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// Load reads configuration from the optional file at path (or config.yaml in
// the usual places when path is empty) and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/epic-auth")
	}

	v.SetEnvPrefix("EPIC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.base_url", "http://localhost:3000")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:*"})
	v.SetDefault("server.log_level", "info")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:data.db")

	v.SetDefault("redis.db", 0)

	v.SetDefault("session.secure", false)

	v.SetDefault("security.session_lifetime", "720h")
	v.SetDefault("security.verification_ttl", "30m")
	v.SetDefault("security.two_factor_freshness", "2h")
	v.SetDefault("security.max_login_attempts", 5)
	v.SetDefault("security.lockout_duration", "15m")
	v.SetDefault("security.breach_check_url", "https://api.pwnedpasswords.com")
	v.SetDefault("security.breach_check_timeout", "1s")
	v.SetDefault("security.breach_check_fail_open", true)
	v.SetDefault("security.permission_cache_ttl", "15s")

	v.SetDefault("email.provider", "log")
	v.SetDefault("email.from_email", "hello@epicstack.dev")
	v.SetDefault("email.app_name", "Epic Notes")
	v.SetDefault("email.support_email", "support@epicstack.dev")

	v.SetDefault("rate_limit.requests", 10)
	v.SetDefault("rate_limit.window", "1m")
}

// bindEnv registers keys that have no default so AutomaticEnv can see them
// during Unmarshal.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"server.trusted_proxies",
		"redis.addr",
		"redis.password",
		"session.secrets",
		"session.encryption_keys",
		"session.domain",
		"email.api_key",
		"email.from_name",
		"oauth.github.client_id",
		"oauth.github.client_secret",
		"oauth.google.client_id",
		"oauth.google.client_secret",
	} {
		_ = v.BindEnv(key)
	}
}

// Validate checks the settings Load cannot default.
func (c *Config) Validate() error {
	if len(c.Session.Secrets) == 0 {
		return errors.New("session.secrets is required (EPIC_SESSION_SECRETS)")
	}
	if _, err := c.Session.DecodedSecrets(); err != nil {
		return err
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	return nil
}

// DecodedSecrets returns the base64-decoded signing secrets.
func (c SessionConfig) DecodedSecrets() ([][]byte, error) {
	return decodeAll("session.secrets", c.Secrets)
}

// DecodedEncryptionKeys returns the base64-decoded encryption keys.
func (c SessionConfig) DecodedEncryptionKeys() ([][]byte, error) {
	return decodeAll("session.encryption_keys", c.EncryptionKeys)
}

func decodeAll(field string, values []string) ([][]byte, error) {
	out := make([][]byte, 0, len(values))
	for i, s := range values {
		b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("%s[%d] is not valid base64: %w", field, i, err)
		}
		out = append(out, b)
	}
	return out, nil
}
