package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TURNSTILE_ENV", EnvDevelopment)

	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, ":8443", cfg.Listen)
	assert.True(t, cfg.Development())
	assert.Equal(t, 365*24*time.Hour, cfg.Session.Lifetime)
	assert.Equal(t, "turnstile_session", cfg.Session.CookieName)
	assert.Equal(t, "sealed", cfg.Session.Codec)
	assert.False(t, cfg.Session.Bearer)
	assert.Equal(t, "none", cfg.Session.Revocation)
	assert.Equal(t, time.Hour, cfg.Reset.Lifetime)
	assert.Equal(t, "bbolt", cfg.Store.Driver)
	assert.Equal(t, uint32(3), cfg.Hash.Time)
	assert.Equal(t, uint32(64*1024), cfg.Hash.MemoryKiB)
	assert.Equal(t, uint8(2), cfg.Hash.Parallelism)
	assert.Equal(t, uint32(16), cfg.Hash.SaltLen)

	lvl, err := cfg.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, lvl)
}

func TestLoad_ProductionRequiresSecretKey(t *testing.T) {
	_, err := Load(New(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secret_key is required")
	assert.Contains(t, err.Error(), "reset.webhook_url is required")

	t.Setenv("TURNSTILE_SECRET_KEY", "V1-placeholder")
	_, err = Load(New(), "")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret_key")
	assert.Contains(t, err.Error(), "reset.webhook_url is required")

	t.Setenv("TURNSTILE_RESET_WEBHOOK_URL", "https://mailer.internal/reset")
	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.False(t, cfg.Development())
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("TURNSTILE_ENV", EnvDevelopment)
	t.Setenv("TURNSTILE_LISTEN", ":9090")
	t.Setenv("TURNSTILE_SESSION_LIFETIME", "720h")
	t.Setenv("TURNSTILE_SESSION_CODEC", "jwt")
	t.Setenv("TURNSTILE_SESSION_BEARER", "true")
	t.Setenv("TURNSTILE_STORE_DRIVER", "memory")
	t.Setenv("TURNSTILE_HASH_PARALLELISM", "4")
	t.Setenv("TURNSTILE_TRUSTED_PROXIES", "10.0.0.0/8,192.168.0.0/16")

	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, 720*time.Hour, cfg.Session.Lifetime)
	assert.Equal(t, "jwt", cfg.Session.Codec)
	assert.True(t, cfg.Session.Bearer)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, uint8(4), cfg.Hash.Parallelism)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.0.0/16"}, cfg.TrustedProxies)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "turnstile.yaml")
	data := []byte(`
env: development
listen: ":7000"
session:
  revocation: redis
redis:
  addr: localhost:6379
reset:
  lifetime: 30m
  url: https://shop.example.com/reset/{token}
store:
  driver: postgres
  dsn: postgres://localhost/turnstile
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(New(), path)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Listen)
	assert.Equal(t, "redis", cfg.Session.Revocation)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 30*time.Minute, cfg.Reset.Lifetime)
	assert.Equal(t, "https://shop.example.com/reset/{token}", cfg.Reset.URL)
	assert.Equal(t, "postgres", cfg.Store.Driver)
}

func TestLoad_EnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "turnstile.yaml")
	require.NoError(t, os.WriteFile(path, []byte("env: development\nlisten: \":7000\"\n"), 0o600))
	t.Setenv("TURNSTILE_LISTEN", ":7100")

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, ":7100", cfg.Listen)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Setenv("TURNSTILE_ENV", EnvDevelopment)
	valid := func(t *testing.T) *Config {
		cfg, err := Load(New(), "")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown env", func(c *Config) { c.Env = "staging" }, "env must be"},
		{"unknown codec", func(c *Config) { c.Session.Codec = "paseto" }, "session.codec"},
		{"redis revocation without addr", func(c *Config) { c.Session.Revocation = "redis" }, "redis.addr"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }, "store.dsn"},
		{"bbolt without path", func(c *Config) { c.Store.Path = "" }, "store.path"},
		{"zero session lifetime", func(c *Config) { c.Session.Lifetime = 0 }, "session.lifetime"},
		{"production without webhook", func(c *Config) { c.Env = EnvProduction; c.SecretKey = "V1-placeholder" }, "reset.webhook_url"},
		{"zero reset lifetime", func(c *Config) { c.Reset.Lifetime = 0 }, "reset.lifetime"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"tls cert without key", func(c *Config) { c.TLS.Cert = "cert.pem" }, "tls.cert and tls.key"},
		{"weak hash", func(c *Config) { c.Hash.MemoryKiB = 1024 }, "hash"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
