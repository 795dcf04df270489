package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/turnstile/api"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the session service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg, os.Stderr)
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		svc, err := buildServices(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer svc.Close()

		apiOpts := []api.Option{
			api.WithLogger(logger),
			api.WithAlertFunc(func(e api.AlertEvent) {
				logger.Warn("security alert", "type", e.Type, "message", e.Message,
					"count", e.Count, "threshold", e.Threshold)
			}),
		}
		if len(cfg.TrustedProxies) > 0 {
			opt, err := api.WithTrustedProxies(cfg.TrustedProxies)
			if err != nil {
				return err
			}
			apiOpts = append(apiOpts, opt)
		}
		a := api.New(svc.authority, svc.resets, apiOpts...)
		go a.RunSweeper(ctx, 10*time.Minute)

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})

		r.Mount("/api/v1", a.Router())

		server := &http.Server{
			Addr:              cfg.Listen,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		useTLS := cfg.TLS.Cert != ""
		if useTLS {
			cert, err := tls.LoadX509KeyPair(cfg.TLS.Cert, cfg.TLS.Key)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			server.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		} else if !cfg.Development() {
			logger.Warn("serving plain HTTP; TLS must be terminated by a proxy")
		}

		done := make(chan error, 1)
		go func() {
			var err error
			if useTLS {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner(cmd.OutOrStdout())
		logger.Info("server started",
			"listen", cfg.Listen,
			"env", cfg.Env,
			"store", cfg.Store.Driver,
			"codec", cfg.Session.Codec,
			"revocation", cfg.Session.Revocation,
			"tls", useTLS,
		)

		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	flags := serverCmd.Flags()
	flags.String("listen", ":8443", "Address to listen on")
	flags.String("tls-cert", "", "Path to TLS certificate file")
	flags.String("tls-key", "", "Path to TLS key file")
	flags.Bool("bearer", false, "Also accept session tokens in an Authorization: Bearer header")
	flags.String("revocation", "none", "Session revocation list: none, memory or redis")
	flags.StringSlice("trusted-proxies", nil, "CIDRs whose forwarding headers are trusted")
	bindFlag(flags, "listen", "listen")
	bindFlag(flags, "tls.cert", "tls-cert")
	bindFlag(flags, "tls.key", "tls-key")
	bindFlag(flags, "session.bearer", "bearer")
	bindFlag(flags, "session.revocation", "revocation")
	bindFlag(flags, "trusted_proxies", "trusted-proxies")
}
