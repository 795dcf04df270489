package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/jmcleod/turnstile/credential"
	"github.com/jmcleod/turnstile/crypto"
	"github.com/jmcleod/turnstile/internal/config"
	"github.com/jmcleod/turnstile/reset"
	"github.com/jmcleod/turnstile/session"
	"github.com/jmcleod/turnstile/storage"
	bboltstorage "github.com/jmcleod/turnstile/storage/bbolt"
	"github.com/jmcleod/turnstile/storage/memory"
	"github.com/jmcleod/turnstile/storage/postgres"
	"github.com/jmcleod/turnstile/token"
)

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	lvl, _ := cfg.LogLevel()
	opts := &slog.HandlerOptions{Level: lvl}
	if cfg.Log.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// openStore opens the configured credential store. Postgres schemas are
// migrated on open.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		return memory.NewStore(), nil
	case "bbolt":
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		s, err := bboltstorage.NewStoreFromFile(cfg.Store.Path, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to open bbolt store: %w", err)
		}
		return s, nil
	case "postgres":
		s, err := postgres.NewStoreFromDSN(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// loadSecret parses the configured secret key. In development an
// ephemeral key is generated when none is configured, so sessions do not
// survive a restart.
func loadSecret(cfg *config.Config, logger *slog.Logger) (*crypto.SecretKey, error) {
	if cfg.SecretKey != "" {
		return crypto.ParseSecretKey(cfg.SecretKey)
	}
	if !cfg.Development() {
		return nil, errors.New("secret_key is required outside development")
	}
	logger.Warn("no secret_key configured; using an ephemeral key, sessions will not survive a restart")
	return crypto.NewSecretKey()
}

func newCodec(cfg *config.Config, secret *crypto.SecretKey) (token.Codec, func(), error) {
	switch cfg.Session.Codec {
	case "jwt":
		c, err := token.NewJWTCodec(secret)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	default:
		c, err := token.NewSealedCodec(secret)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	}
}

func newHasher(cfg *config.Config) (*credential.Hasher, error) {
	return credential.NewHasher(cfg.Hash)
}

// newDenylist returns the configured revocation list, or nil when
// revocation is disabled.
func newDenylist(ctx context.Context, cfg *config.Config) (session.Denylist, func() error, error) {
	switch cfg.Session.Revocation {
	case "memory":
		return session.NewMemoryDenylist(), func() error { return nil }, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Addr, err)
		}
		return session.NewRedisDenylist(client), client.Close, nil
	default:
		return nil, func() error { return nil }, nil
	}
}

// newNotifier returns the reset-link notifier: a webhook when one is
// configured. Logging the link is only allowed in development since the
// link carries the raw token.
func newNotifier(cfg *config.Config, logger *slog.Logger) (reset.Notifier, func(), error) {
	if cfg.Reset.WebhookURL != "" {
		n := reset.NewWebhookNotifier(cfg.Reset.WebhookURL, cfg.Reset.URL, cfg.Reset.WebhookAuth, logger)
		return n, n.Close, nil
	}
	if !cfg.Development() {
		return nil, nil, errors.New("reset.webhook_url is required outside development")
	}
	logger.Warn("no reset.webhook_url configured; reset links will be written to the log")
	return reset.NewLogNotifier(logger, cfg.Reset.URL), func() {}, nil
}

// services bundles everything the server and admin commands share.
type services struct {
	logger    *slog.Logger
	store     storage.Store
	hasher    *credential.Hasher
	authority *session.Authority
	resets    *reset.Lifecycle
	closers   []func()
}

func (s *services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// buildServices wires the store, codec, hasher, authority and reset
// lifecycle from cfg. Callers must Close the result.
func buildServices(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*services, error) {
	s := &services{logger: logger}
	fail := func(err error) (*services, error) {
		s.Close()
		return nil, err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	s.store = store
	s.closers = append(s.closers, func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", "error", err)
		}
	})

	hasher, err := newHasher(cfg)
	if err != nil {
		return fail(fmt.Errorf("invalid hash parameters: %w", err))
	}
	s.hasher = hasher

	secret, err := loadSecret(cfg, logger)
	if err != nil {
		return fail(err)
	}
	codec, closeCodec, err := newCodec(cfg, secret)
	if err != nil {
		return fail(fmt.Errorf("failed to initialise session codec: %w", err))
	}
	s.closers = append(s.closers, closeCodec)

	denylist, closeDenylist, err := newDenylist(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	s.closers = append(s.closers, func() {
		if err := closeDenylist(); err != nil {
			logger.Error("closing denylist", "error", err)
		}
	})

	opts := []session.Option{
		session.WithLifetime(cfg.Session.Lifetime),
		session.WithBearer(cfg.Session.Bearer),
		session.WithLogger(logger),
	}
	if denylist != nil {
		opts = append(opts, session.WithDenylist(denylist))
	}
	cookies := session.NewCookieStore(cfg.Session.CookieName, cfg.Session.Lifetime, !cfg.Development())
	s.authority = session.NewAuthority(codec, cookies, hasher, store, opts...)

	notifier, closeNotifier, err := newNotifier(cfg, logger)
	if err != nil {
		return fail(err)
	}
	s.closers = append(s.closers, closeNotifier)
	s.resets = reset.New(store, hasher,
		reset.WithNotifier(notifier),
		reset.WithLifetime(cfg.Reset.Lifetime),
		reset.WithLogger(logger),
	)
	return s, nil
}
