// Package config loads and validates server configuration using Viper.
//
// Sources, lowest precedence first: built-in defaults, an optional config
// file, TURNSTILE_* environment variables, then any command-line flags
// bound to the returned Viper instance.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jmcleod/turnstile/internal/util"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config holds the server configuration.
type Config struct {
	// Listen is the address the HTTP server binds (e.g. :8443).
	Listen string `mapstructure:"listen"`
	// Env selects development or production behaviour. Outside development
	// session cookies are always Secure and a secret key is mandatory.
	Env string `mapstructure:"env"`
	// SecretKey is the V1- encoded process secret that session keys are derived from.
	SecretKey string `mapstructure:"secret_key"`
	// TrustedProxies are CIDRs whose forwarding headers are honoured.
	TrustedProxies []string `mapstructure:"trusted_proxies"`

	Session SessionConfig       `mapstructure:"session"`
	Reset   ResetConfig         `mapstructure:"reset"`
	Store   StoreConfig         `mapstructure:"store"`
	Redis   RedisConfig         `mapstructure:"redis"`
	Hash    util.Argon2idParams `mapstructure:"hash"`
	Log     LogConfig           `mapstructure:"log"`
	TLS     TLSConfig           `mapstructure:"tls"`
}

type SessionConfig struct {
	Lifetime   time.Duration `mapstructure:"lifetime"`
	CookieName string        `mapstructure:"cookie_name"`
	// Codec is "sealed" (AES-GCM) or "jwt" (HS256).
	Codec  string `mapstructure:"codec"`
	Bearer bool   `mapstructure:"bearer"`
	// Revocation is "none", "memory" or "redis".
	Revocation string `mapstructure:"revocation"`
}

type ResetConfig struct {
	Lifetime time.Duration `mapstructure:"lifetime"`
	// URL is the link template mailed to users; "{token}" is replaced by
	// the token, otherwise the token is appended as a path segment.
	URL        string `mapstructure:"url"`
	WebhookURL string `mapstructure:"webhook_url"`
	// WebhookAuth is an optional "Header: Value" pair sent with webhook calls.
	WebhookAuth string `mapstructure:"webhook_auth"`
}

type StoreConfig struct {
	// Driver is "memory", "bbolt" or "postgres".
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TLSConfig struct {
	Cert string `mapstructure:"cert"`
	Key  string `mapstructure:"key"`
}

// New returns a Viper instance with defaults and environment binding
// applied. Callers may bind flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("TURNSTILE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	hash := util.DefaultArgon2idParams()
	defaults := map[string]any{
		"listen":              ":8443",
		"env":                 EnvProduction,
		"secret_key":          "",
		"trusted_proxies":     []string{},
		"session.lifetime":    365 * 24 * time.Hour,
		"session.cookie_name": "turnstile_session",
		"session.codec":       "sealed",
		"session.bearer":      false,
		"session.revocation":  "none",
		"reset.lifetime":      time.Hour,
		"reset.url":           "",
		"reset.webhook_url":   "",
		"reset.webhook_auth":  "",
		"store.driver":        "bbolt",
		"store.path":          "./data/turnstile.db",
		"store.dsn":           "",
		"redis.addr":          "",
		"redis.password":      "",
		"redis.db":            0,
		"hash.time":           hash.Time,
		"hash.memory_kib":     hash.MemoryKiB,
		"hash.parallelism":    hash.Parallelism,
		"hash.key_len":        hash.KeyLen,
		"hash.salt_len":       hash.SaltLen,
		"log.level":           "info",
		"log.format":          "json",
		"tls.cert":            "",
		"tls.key":             "",
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	return v
}

// Load reads the optional config file at path into v, then decodes and
// validates the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field values and cross-field requirements.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("config: "+format, args...))
		}
	}

	check(c.Listen != "", "listen must be set")
	check(oneOf(c.Env, EnvDevelopment, EnvProduction), "env must be %q or %q, got %q", EnvDevelopment, EnvProduction, c.Env)
	check(c.SecretKey != "" || c.Development(), "secret_key is required outside development")
	check(c.Session.Lifetime > 0, "session.lifetime must be positive")
	check(c.Session.CookieName != "", "session.cookie_name must be set")
	check(oneOf(c.Session.Codec, "sealed", "jwt"), "session.codec must be sealed or jwt, got %q", c.Session.Codec)
	check(oneOf(c.Session.Revocation, "none", "memory", "redis"), "session.revocation must be none, memory or redis, got %q", c.Session.Revocation)
	check(c.Session.Revocation != "redis" || c.Redis.Addr != "", "redis.addr is required when session.revocation is redis")
	check(c.Reset.Lifetime > 0, "reset.lifetime must be positive")
	check(c.Reset.WebhookURL != "" || c.Development(), "reset.webhook_url is required outside development")
	check(oneOf(c.Store.Driver, "memory", "bbolt", "postgres"), "store.driver must be memory, bbolt or postgres, got %q", c.Store.Driver)
	check(c.Store.Driver != "bbolt" || c.Store.Path != "", "store.path is required for the bbolt driver")
	check(c.Store.Driver != "postgres" || c.Store.DSN != "", "store.dsn is required for the postgres driver")
	check(oneOf(c.Log.Format, "json", "text"), "log.format must be json or text, got %q", c.Log.Format)
	check((c.TLS.Cert == "") == (c.TLS.Key == ""), "tls.cert and tls.key must be set together")
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, fmt.Errorf("config: log.level: %w", err))
	}
	if err := util.ValidateArgon2idParams(c.Hash); err != nil {
		errs = append(errs, fmt.Errorf("config: hash: %w", err))
	}
	return errors.Join(errs...)
}

// Development reports whether the server runs in development mode.
func (c *Config) Development() bool {
	return c.Env == EnvDevelopment
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var lvl slog.Level
	err := lvl.UnmarshalText([]byte(c.Log.Level))
	return lvl, err
}

func oneOf(s string, options ...string) bool {
	for _, o := range options {
		if s == o {
			return true
		}
	}
	return false
}
