package api

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jmcleod/turnstile/autherr"
	"github.com/jmcleod/turnstile/internal/util"
	"github.com/jmcleod/turnstile/session"
)

// accountKey derives the rate-limit and audit key for an email address.
// It is a SHA-256 digest so neither limiter state nor logs hold the address.
func accountKey(email string) string {
	sum := sha256.Sum256([]byte(util.NormalizeEmail(email)))
	return hex.EncodeToString(sum[:])
}

func userInfo(sess session.Session) *UserInfo {
	p, ok := sess.Payload()
	if !ok {
		return nil
	}
	return &UserInfo{ID: p.UserID, Email: p.Email, Name: p.Name, Admin: p.Admin}
}

func loginResponse(token string, sess session.Session) LoginResponse {
	p, _ := sess.Payload()
	return LoginResponse{Token: token, ExpiresAt: p.ExpiresAt, User: *userInfo(sess)}
}

// GetSession handles GET /auth/session.
func (a *API) GetSession(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())
	writeJSON(w, http.StatusOK, SessionResponse{
		IsAuthenticated: sess.Authenticated(),
		User:            userInfo(sess),
	})
}

// Login handles POST /auth/login.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[LoginRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	accountID := accountKey(req.Email)
	clientIP := a.extractClientIP(r)

	// Check rate limits before any expensive work: global, IP, per-account.
	if blocked, retryAfter := a.globalLimiter.check(); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "global rate limited")
		writeRateLimited(w, retryAfter)
		return
	}
	if blocked, retryAfter := a.ipLimiter.check(clientIP); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "ip rate limited",
			slog.String("client_ip", clientIP))
		writeRateLimited(w, retryAfter)
		return
	}
	if blocked, retryAfter := a.rateLimiter.check(accountID); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "rate limited",
			slog.String("account_key", accountID))
		writeRateLimited(w, retryAfter)
		return
	}

	token, sess, err := a.auth.Login(r.Context(), w, r, req.Email, req.Password)
	if err != nil {
		if isClass(err, autherr.ErrUnauthenticated) {
			a.globalLimiter.recordFailure()
			a.ipLimiter.recordFailure(clientIP)
			a.rateLimiter.recordFailure(accountID)
			a.audit.logFailure(AuditLoginFailure, r, "invalid credentials",
				slog.String("account_key", accountID),
				slog.String("client_ip", clientIP))
		}
		a.mapError(w, r, err)
		return
	}

	a.rateLimiter.recordSuccess(accountID)
	a.ipLimiter.recordSuccess(clientIP)

	a.writeCSRFCookie(w, r)
	a.audit.logEvent(AuditLoginSuccess, r, sess.UserID())
	writeJSON(w, http.StatusOK, loginResponse(token, sess))
}

// Logout handles POST /auth/logout. It succeeds whether or not a session
// was present.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())
	a.auth.Logout(r.Context(), w, r)
	a.clearCSRFCookie(w, r)
	if sess.Authenticated() {
		a.audit.logEvent(AuditLogout, r, sess.UserID())
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// ChangePassword handles POST /auth/password.
func (a *API) ChangePassword(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[ChangePasswordRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	sess := sessionFromContext(r.Context())

	// Guessing the current password is throttled like a login, per account
	// and per IP.
	accountID := accountKey(sess.Email())
	clientIP := a.extractClientIP(r)
	if blocked, retryAfter := a.ipLimiter.check(clientIP); blocked {
		a.audit.logFailure(AuditPasswordFailure, r, "ip rate limited",
			userAttr(sess.UserID()), slog.String("client_ip", clientIP))
		writeRateLimited(w, retryAfter)
		return
	}
	if blocked, retryAfter := a.rateLimiter.check(accountID); blocked {
		a.audit.logFailure(AuditPasswordFailure, r, "rate limited",
			userAttr(sess.UserID()))
		writeRateLimited(w, retryAfter)
		return
	}

	token, next, err := a.auth.ChangePassword(r.Context(), w, r, sess, req.CurrentPassword, req.NewPassword)
	if err != nil {
		if errors.Is(err, session.ErrIncorrectPassword) {
			a.ipLimiter.recordFailure(clientIP)
			a.rateLimiter.recordFailure(accountID)
		}
		if autherr.ClassOf(err) != autherr.ErrInternal {
			a.audit.logFailure(AuditPasswordFailure, r, autherr.PublicMessage(err),
				userAttr(sess.UserID()))
		}
		a.mapError(w, r, err)
		return
	}

	a.rateLimiter.recordSuccess(accountID)
	a.writeCSRFCookie(w, r)
	a.audit.logEvent(AuditPasswordChanged, r, next.UserID())
	writeJSON(w, http.StatusOK, loginResponse(token, next))
}
