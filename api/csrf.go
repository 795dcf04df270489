package api

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/jmcleod/turnstile/internal/uuid"
)

const (
	csrfCookieName = "turnstile_csrf"
	csrfHeaderName = "X-CSRF-Token"
)

// CSRFMiddleware enforces double-submit cookie CSRF protection for
// mutating requests that authenticate with the session cookie. Safe
// methods, anonymous requests and bearer-authenticated requests are exempt.
// It must run after SessionMiddleware.
func (a *API) CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		// Cross-origin requests cannot set the Authorization header, so
		// only a live cookie session needs the double-submit check.
		if !sessionFromContext(r.Context()).Authenticated() {
			next.ServeHTTP(w, r)
			return
		}
		if _, ok := a.auth.Cookies().Read(r); !ok {
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(csrfCookieName)
		if err != nil || cookie.Value == "" {
			writeError(w, http.StatusForbidden, "missing CSRF token")
			return
		}
		header := r.Header.Get(csrfHeaderName)
		if subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(header)) != 1 {
			writeError(w, http.StatusForbidden, "invalid CSRF token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeCSRFCookie sets the CSRF double-submit cookie. It is not HttpOnly
// so that browser code can echo it back in the request header. Lifetime
// and Secure follow the session cookie.
func (a *API) writeCSRFCookie(w http.ResponseWriter, r *http.Request) {
	cookies := a.auth.Cookies()
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    uuid.New(),
		Path:     "/",
		MaxAge:   int(cookies.Lifetime / time.Second),
		HttpOnly: false,
		Secure:   cookies.Secure(r),
		SameSite: http.SameSiteLaxMode,
	})
}

// clearCSRFCookie removes the CSRF cookie on logout.
func (a *API) clearCSRFCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: false,
		Secure:   a.auth.Cookies().Secure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}
