package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/turnstile/autherr"
	"github.com/jmcleod/turnstile/reset"
)

// ForgotPassword handles POST /auth/password/forgot. The response is 202
// whether or not the address belongs to an account.
func (a *API) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	clientIP := a.extractClientIP(r)
	if blocked, retryAfter := a.forgotLimiter.check(clientIP); blocked {
		a.audit.logFailure(AuditResetRateLimited, r, "ip rate limited",
			slog.String("client_ip", clientIP))
		writeRequestRateLimited(w, retryAfter)
		return
	}

	req, ok := decodeJSON[ForgotPasswordRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	a.forgotLimiter.record(clientIP)

	issued, err := a.resets.Request(r.Context(), req.Email)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	if issued != nil {
		a.audit.logEvent(AuditResetRequested, r, issued.User.ID)
	} else {
		a.audit.logFailure(AuditResetRequested, r, "unknown account",
			slog.String("account_key", accountKey(req.Email)))
	}
	writeJSON(w, http.StatusAccepted, SuccessResponse{Success: true})
}

// ValidateResetToken handles GET /auth/password/reset/{token}. Unknown,
// expired and used tokens all report valid=false.
func (a *API) ValidateResetToken(w http.ResponseWriter, r *http.Request) {
	_, err := a.resets.Validate(r.Context(), chi.URLParam(r, "token"))
	if err != nil && !isClass(err, autherr.ErrValidation) {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ValidateResetResponse{Valid: err == nil})
}

// ResetPassword handles POST /auth/password/reset.
func (a *API) ResetPassword(w http.ResponseWriter, r *http.Request) {
	clientIP := a.extractClientIP(r)
	if blocked, retryAfter := a.resetLimiter.check(clientIP); blocked {
		a.audit.logFailure(AuditResetRateLimited, r, "ip rate limited",
			slog.String("client_ip", clientIP))
		writeRequestRateLimited(w, retryAfter)
		return
	}

	req, ok := decodeJSON[ResetPasswordRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}

	userID, err := a.resets.Consume(r.Context(), req.Token, req.Password)
	if err != nil {
		if errors.Is(err, reset.ErrInvalidToken) {
			a.resetLimiter.recordFailure(clientIP)
		}
		if isClass(err, autherr.ErrValidation) {
			a.audit.logFailure(AuditResetFailed, r, autherr.PublicMessage(err),
				slog.String("client_ip", clientIP))
		}
		a.mapError(w, r, err)
		return
	}

	a.audit.logEvent(AuditResetCompleted, r, userID)
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// IssueResetToken handles POST /admin/users/{userID}/reset-tokens. The raw
// token is returned so an operator can hand it over out of band.
func (a *API) IssueResetToken(w http.ResponseWriter, r *http.Request) {
	issued, err := a.resets.Issue(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}

	admin := sessionFromContext(r.Context())
	a.audit.logEvent(AuditResetIssued, r, issued.User.ID,
		slog.String("issued_by", admin.UserID()))
	writeJSON(w, http.StatusCreated, IssueResetResponse{
		Token:     issued.Token,
		UserID:    issued.User.ID,
		ExpiresAt: issued.Reset.ExpiresAt.UTC().Format(time.RFC3339),
	})
}
