package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jmcleod/turnstile/autherr"
	"github.com/jmcleod/turnstile/credential"
	"github.com/jmcleod/turnstile/internal/util"
	"github.com/jmcleod/turnstile/internal/uuid"
	"github.com/jmcleod/turnstile/storage"
	"github.com/jmcleod/turnstile/token"
)

// DefaultLifetime is how long an issued session remains valid.
const DefaultLifetime = 365 * 24 * time.Hour

// ErrInvalidCredentials is returned by Login for an unknown account or a
// wrong password. The two cases are deliberately indistinguishable.
var ErrInvalidCredentials = autherr.New(autherr.ErrUnauthenticated, "invalid email or password")

// ErrIncorrectPassword is returned by ChangePassword when the current
// password does not match.
var ErrIncorrectPassword = autherr.New(autherr.ErrValidation, "current password is incorrect")

// Authority verifies incoming requests and issues sessions.
type Authority struct {
	codec    token.Codec
	cookies  *CookieStore
	hasher   *credential.Hasher
	store    storage.Store
	denylist Denylist
	bearer   bool
	lifetime time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures an Authority.
type Option func(*Authority)

// WithDenylist enables revocation checks and makes Logout revoke the
// presented session.
func WithDenylist(d Denylist) Option {
	return func(a *Authority) {
		a.denylist = d
	}
}

// WithBearer additionally accepts tokens in an "Authorization: Bearer" header.
func WithBearer(enabled bool) Option {
	return func(a *Authority) {
		a.bearer = enabled
	}
}

func WithLifetime(d time.Duration) Option {
	return func(a *Authority) {
		if d > 0 {
			a.lifetime = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Authority) {
		a.now = now
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Authority) {
		a.logger = l
	}
}

func NewAuthority(codec token.Codec, cookies *CookieStore, hasher *credential.Hasher, store storage.Store, opts ...Option) *Authority {
	a := &Authority{
		codec:    codec,
		cookies:  cookies,
		hasher:   hasher,
		store:    store,
		lifetime: DefaultLifetime,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	a.logger = a.logger.With("component", "session")
	return a
}

func (a *Authority) Lifetime() time.Duration {
	return a.lifetime
}

func (a *Authority) Cookies() *CookieStore {
	return a.cookies
}

// presentedToken returns the token carried by r and whether it came from
// the cookie.
func (a *Authority) presentedToken(r *http.Request) (string, bool, bool) {
	if tok, ok := a.cookies.Read(r); ok {
		return tok, true, true
	}
	if !a.bearer {
		return "", false, false
	}
	h := r.Header.Get("Authorization")
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(tok) == "" {
		return "", false, false
	}
	return strings.TrimSpace(tok), false, true
}

// VerifyRequest resolves r to a session. It never fails: a missing,
// unreadable, expired or revoked token is simply anonymous. When the
// offending token came from the cookie, the cookie is cleared so the
// client stops resending it.
func (a *Authority) VerifyRequest(w http.ResponseWriter, r *http.Request) Session {
	raw, fromCookie, ok := a.presentedToken(r)
	if !ok {
		return Anonymous()
	}

	reject := func(reason string) Session {
		a.logger.Debug("session rejected", "reason", reason)
		if fromCookie && w != nil {
			a.cookies.Clear(w, r)
		}
		return Anonymous()
	}

	p, err := a.codec.Decode(raw)
	if err != nil {
		return reject("invalid")
	}
	if p.Expired(a.now()) {
		return reject("expired")
	}
	if a.denylist != nil && p.SessionID != "" {
		revoked, err := a.denylist.Revoked(r.Context(), p.SessionID)
		if err != nil {
			a.logger.Error("denylist lookup failed", "error", err)
		} else if revoked {
			return reject("revoked")
		}
	}
	return Authenticated(p)
}

// Login checks identifier and password against the store and, on
// success, writes a fresh session cookie and returns the token.
func (a *Authority) Login(ctx context.Context, w http.ResponseWriter, r *http.Request, identifier, password string) (string, Session, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return "", Anonymous(), autherr.New(autherr.ErrValidation, "email and password are required")
	}

	user, err := a.store.FindUser(ctx, lookupKey(identifier))
	if errors.Is(err, storage.ErrNotFound) {
		a.hasher.VerifyAbsent(password)
		return "", Anonymous(), ErrInvalidCredentials
	}
	if err != nil {
		return "", Anonymous(), autherr.Internal("looking up user", err)
	}
	if !a.hasher.Verify(password, user.PasswordHash) {
		return "", Anonymous(), ErrInvalidCredentials
	}

	if a.hasher.NeedsRehash(user.PasswordHash) {
		a.upgradeHash(ctx, user.ID, password)
	}

	return a.Issue(w, r, user)
}

func (a *Authority) upgradeHash(ctx context.Context, userID, password string) {
	hash, err := a.hasher.Hash(password)
	if err == nil {
		err = a.store.UpdateUserPassword(ctx, userID, hash)
	}
	if err != nil {
		a.logger.Warn("password rehash failed", "user_id", userID, "error", err)
	}
}

// Issue encodes a new session for user and writes it as the session
// cookie. Role and profile fields are copied from user as they are now.
func (a *Authority) Issue(w http.ResponseWriter, r *http.Request, user *storage.User) (string, Session, error) {
	now := a.now()
	p := token.Payload{
		SessionID: uuid.New(),
		UserID:    user.ID,
		Email:     user.Email,
		Name:      user.Name,
		Admin:     user.Admin,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(a.lifetime).Unix(),
	}
	tok, err := a.codec.Encode(p)
	if err != nil {
		return "", Anonymous(), autherr.Internal("encoding session", err)
	}
	a.cookies.Write(w, r, tok)
	return tok, Authenticated(p), nil
}

// Logout clears the session cookie and, when a denylist is configured,
// revokes the presented session until its expiry. It always succeeds.
func (a *Authority) Logout(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if a.denylist != nil {
		if raw, _, ok := a.presentedToken(r); ok {
			if p, err := a.codec.Decode(raw); err == nil && p.SessionID != "" {
				if err := a.denylist.Revoke(ctx, p.SessionID, p.Expiry()); err != nil {
					a.logger.Error("session revocation failed", "error", err)
				}
			}
		}
	}
	a.cookies.Clear(w, r)
}

// ChangePassword replaces the password of the session's user after
// re-checking the current one, then reissues the session cookie.
func (a *Authority) ChangePassword(ctx context.Context, w http.ResponseWriter, r *http.Request, sess Session, current, next string) (string, Session, error) {
	if err := Require(sess); err != nil {
		return "", Anonymous(), err
	}
	if current == "" {
		return "", Anonymous(), autherr.New(autherr.ErrValidation, "current password is required")
	}
	if err := credential.ValidatePassword(next); err != nil {
		return "", Anonymous(), err
	}

	user, err := a.store.FindUser(ctx, sess.UserID())
	if errors.Is(err, storage.ErrNotFound) {
		return "", Anonymous(), autherr.New(autherr.ErrUnauthenticated, "authentication required")
	}
	if err != nil {
		return "", Anonymous(), autherr.Internal("looking up user", err)
	}
	if !a.hasher.Verify(current, user.PasswordHash) {
		return "", Anonymous(), ErrIncorrectPassword
	}

	hash, err := a.hasher.Hash(next)
	if err != nil {
		return "", Anonymous(), autherr.Internal("hashing password", err)
	}
	if err := a.store.UpdateUserPassword(ctx, user.ID, hash); err != nil {
		return "", Anonymous(), autherr.Internal("updating password", err)
	}

	if a.denylist != nil {
		if p, ok := sess.Payload(); ok && p.SessionID != "" {
			if err := a.denylist.Revoke(ctx, p.SessionID, p.Expiry()); err != nil {
				a.logger.Error("session revocation failed", "error", err)
			}
		}
	}
	return a.Issue(w, r, user)
}

// lookupKey normalises identifiers that look like email addresses.
func lookupKey(identifier string) string {
	if strings.Contains(identifier, "@") {
		return util.NormalizeEmail(identifier)
	}
	return identifier
}
