package api

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/turnstile/reset"
	"github.com/jmcleod/turnstile/session"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	auth           *session.Authority
	resets         *reset.Lifecycle
	rateLimiter    *loginRateLimiter
	ipLimiter      *ipRateLimiter
	globalLimiter  *globalRateLimiter
	forgotLimiter  *requestIPLimiter
	resetLimiter   *resetIPLimiter
	audit          *auditLogger
	alertFn        AlertFunc
	trustedProxies []netip.Prefix
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithAlertFunc registers a callback for anomaly alerts such as login
// failure spikes.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithTrustedProxies configures the CIDR ranges whose forwarding headers
// are honoured when determining the client IP. A bare address is treated
// as a single-host prefix.
func WithTrustedProxies(cidrs []string) (Option, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
		}
		prefixes = append(prefixes, p.Masked())
	}
	return func(a *API) {
		a.trustedProxies = prefixes
	}, nil
}

// New creates a new API instance.
func New(auth *session.Authority, resets *reset.Lifecycle, opts ...Option) *API {
	a := &API{
		auth:          auth,
		resets:        resets,
		rateLimiter:   newLoginRateLimiter(),
		ipLimiter:     newIPRateLimiter(),
		globalLimiter: newGlobalRateLimiter(),
		forgotLimiter: newRequestIPLimiter(),
		resetLimiter:  newResetIPLimiter(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	a.audit.metrics = newMetricsCollector(a.alertFn)
	return a
}

// RunSweeper periodically drops expired rate-limit records until ctx is done.
func (a *API) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.rateLimiter.sweep()
			a.ipLimiter.sweep()
			a.forgotLimiter.sweep()
			a.resetLimiter.sweep()
		}
	}
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Group(func(r chi.Router) {
		r.Use(SecurityHeaders)
		r.Use(a.SessionMiddleware)
		r.Use(a.CSRFMiddleware)

		r.Get("/auth/session", a.GetSession)
		r.Post("/auth/login", a.Login)
		r.Post("/auth/logout", a.Logout)
		r.With(a.RequireSession).Post("/auth/password", a.ChangePassword)

		r.Post("/auth/password/forgot", a.ForgotPassword)
		r.Get("/auth/password/reset/{token}", a.ValidateResetToken)
		r.Post("/auth/password/reset", a.ResetPassword)

		r.With(a.RequireAdmin).Post("/admin/users/{userID}/reset-tokens", a.IssueResetToken)
	})

	return r
}
