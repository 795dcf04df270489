package session

import (
	"net/http"
	"strings"
	"time"
)

const DefaultCookieName = "turnstile_session"

// CookieStore carries session tokens in a single HttpOnly cookie.
type CookieStore struct {
	Name     string
	Lifetime time.Duration
	// AlwaysSecure marks the cookie Secure regardless of how the request
	// arrived. It is set outside local development.
	AlwaysSecure bool
}

// NewCookieStore returns a CookieStore using DefaultCookieName when name is empty.
func NewCookieStore(name string, lifetime time.Duration, alwaysSecure bool) *CookieStore {
	if name == "" {
		name = DefaultCookieName
	}
	return &CookieStore{Name: name, Lifetime: lifetime, AlwaysSecure: alwaysSecure}
}

// Write sets the session cookie, replacing any previous value.
func (c *CookieStore) Write(w http.ResponseWriter, r *http.Request, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    token,
		Path:     "/",
		MaxAge:   int(c.Lifetime / time.Second),
		HttpOnly: true,
		Secure:   c.Secure(r),
		SameSite: http.SameSiteLaxMode,
	})
}

// Read returns the raw cookie value, or false when no non-empty cookie is present.
func (c *CookieStore) Read(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(c.Name)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return cookie.Value, true
}

// Clear expires the session cookie. Calling it without a cookie present is harmless.
func (c *CookieStore) Clear(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   c.Secure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

// Secure reports whether cookies written for r carry the Secure attribute.
func (c *CookieStore) Secure(r *http.Request) bool {
	return c.AlwaysSecure || RequestIsSecure(r)
}

// RequestIsSecure reports whether r arrived over TLS, directly or via a
// proxy that says so.
func RequestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
