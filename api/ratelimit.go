package api

import (
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"
)

type attemptRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

// backoffLimiter keys failure counts by an opaque string and locks a key
// out with exponential backoff once threshold failures accumulate.
type backoffLimiter struct {
	mu        sync.Mutex
	attempts  map[string]*attemptRecord
	threshold int
	base      time.Duration
	max       time.Duration
	expiry    time.Duration
}

func newBackoffLimiter(threshold int, base, max, expiry time.Duration) *backoffLimiter {
	return &backoffLimiter{
		attempts:  make(map[string]*attemptRecord),
		threshold: threshold,
		base:      base,
		max:       max,
		expiry:    expiry,
	}
}

// check returns true if key is currently locked out, along with how long
// the caller should wait. A zero duration means the request may proceed.
func (rl *backoffLimiter) check(key string) (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[key]
	if !ok {
		return false, 0
	}
	if time.Since(rec.lastFailure) > rl.expiry {
		delete(rl.attempts, key)
		return false, 0
	}
	if time.Now().Before(rec.lockedUntil) {
		return true, time.Until(rec.lockedUntil)
	}
	return false, 0
}

// recordFailure increments the failure counter and applies exponential
// backoff once the threshold is reached.
func (rl *backoffLimiter) recordFailure(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[key]
	if !ok {
		rec = &attemptRecord{}
		rl.attempts[key] = rec
	}
	rec.failures++
	rec.lastFailure = time.Now()

	if rec.failures >= rl.threshold {
		// base * 2^(failures - threshold), capped at max.
		shift := rec.failures - rl.threshold
		lockout := rl.base
		for i := 0; i < shift; i++ {
			lockout *= 2
			if lockout > rl.max {
				lockout = rl.max
				break
			}
		}
		rec.lockedUntil = time.Now().Add(lockout)
	}
}

func (rl *backoffLimiter) recordSuccess(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, key)
}

// sweep removes expired records. Call periodically from a background goroutine.
func (rl *backoffLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for key, rec := range rl.attempts {
		if now.Sub(rec.lastFailure) > rl.expiry {
			delete(rl.attempts, key)
		}
	}
}

// ---------------------------------------------------------------------------
// Per-account login limiter
// ---------------------------------------------------------------------------

const (
	// maxFailures is the number of consecutive failures before lockout begins.
	maxFailures = 5
	// baseLockout is the initial lockout duration after maxFailures is reached.
	baseLockout = 1 * time.Minute
	// maxLockout caps the exponential backoff.
	maxLockout = 15 * time.Minute
	// attemptExpiry is how long after the last failure before the record is
	// garbage-collected.
	attemptExpiry = 1 * time.Hour
)

// loginRateLimiter tracks failed logins per account. The key is
// accountKey(email), so limiter state never holds a raw address.
type loginRateLimiter struct {
	*backoffLimiter
}

func newLoginRateLimiter() *loginRateLimiter {
	return &loginRateLimiter{newBackoffLimiter(maxFailures, baseLockout, maxLockout, attemptExpiry)}
}

// writeRateLimited sends a 429 Too Many Requests response.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, "too many failed login attempts; try again later")
}

func retryAfterString(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// ---------------------------------------------------------------------------
// Per-IP login limiter
// ---------------------------------------------------------------------------

const (
	ipMaxFailures = 20
	ipBaseLockout = 1 * time.Minute
	ipMaxLockout  = 30 * time.Minute
)

// ipRateLimiter tracks failed login attempts per source IP.
type ipRateLimiter struct {
	*backoffLimiter
}

func newIPRateLimiter() *ipRateLimiter {
	return &ipRateLimiter{newBackoffLimiter(ipMaxFailures, ipBaseLockout, ipMaxLockout, attemptExpiry)}
}

// ---------------------------------------------------------------------------
// Global login limiter (sliding window)
// ---------------------------------------------------------------------------

const (
	globalWindow      = 1 * time.Minute
	globalMaxFailures = 100
	globalLockout     = 5 * time.Minute
)

// globalRateLimiter tracks total failed login attempts across all accounts
// using a sliding window.
type globalRateLimiter struct {
	mu          sync.Mutex
	failures    []time.Time
	lockedUntil time.Time
}

func newGlobalRateLimiter() *globalRateLimiter {
	return &globalRateLimiter{}
}

func (rl *globalRateLimiter) check() (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if time.Now().Before(rl.lockedUntil) {
		return true, time.Until(rl.lockedUntil)
	}
	return false, 0
}

func (rl *globalRateLimiter) recordFailure() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	rl.failures = append(rl.failures, now)
	rl.failures = trimWindow(rl.failures, now, globalWindow)

	if len(rl.failures) >= globalMaxFailures {
		rl.lockedUntil = now.Add(globalLockout)
	}
}

// ---------------------------------------------------------------------------
// Reset request limiter
// ---------------------------------------------------------------------------
//
// Every forgot-password request counts, not just failures: the endpoint
// answers identically for known and unknown addresses, so there is no
// failure signal, and each request may send an email.

const (
	forgotIPMaxRequests = 5
	forgotIPBaseLockout = 5 * time.Minute
	forgotIPMaxLockout  = 1 * time.Hour
	forgotIPExpiry      = 1 * time.Hour
)

// requestIPLimiter throttles reset requests per source IP.
type requestIPLimiter struct {
	*backoffLimiter
}

func newRequestIPLimiter() *requestIPLimiter {
	return &requestIPLimiter{newBackoffLimiter(forgotIPMaxRequests, forgotIPBaseLockout, forgotIPMaxLockout, forgotIPExpiry)}
}

// record counts a request from ip.
func (rl *requestIPLimiter) record(ip string) {
	rl.recordFailure(ip)
}

// writeRequestRateLimited sends a 429 response for reset-request throttling.
func writeRequestRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, "too many requests; try again later")
}

// ---------------------------------------------------------------------------
// Reset token limiter
// ---------------------------------------------------------------------------

const (
	resetIPMaxFailures = 10
	resetIPBaseLockout = 1 * time.Minute
	resetIPMaxLockout  = 30 * time.Minute
)

// resetIPLimiter tracks reset attempts with unusable tokens per source IP.
// Each attempt would otherwise cost a password hash.
type resetIPLimiter struct {
	*backoffLimiter
}

func newResetIPLimiter() *resetIPLimiter {
	return &resetIPLimiter{newBackoffLimiter(resetIPMaxFailures, resetIPBaseLockout, resetIPMaxLockout, attemptExpiry)}
}

// ---------------------------------------------------------------------------
// Helper: extract client IP
// ---------------------------------------------------------------------------

// extractClientIP returns the client IP for rate limiting. It delegates to
// extractClientIPWithProxies using the API's configured trusted proxies.
func (a *API) extractClientIP(r *http.Request) string {
	return extractClientIPWithProxies(r, a.trustedProxies)
}

// extractClientIPWithProxies returns the best-effort client IP address.
//
// Proxy headers (X-Forwarded-For, Forwarded, X-Real-IP) are only honoured
// when the request's RemoteAddr falls inside one of trustedProxies. With no
// trusted proxies configured, RemoteAddr is always used.
//
// Priority when proxy headers are trusted:
// 1. First valid entry in X-Forwarded-For
// 2. First valid "for=" value in Forwarded
// 3. X-Real-IP
// 4. RemoteAddr
func extractClientIPWithProxies(r *http.Request, trustedProxies []netip.Prefix) string {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)

	proxyTrusted := false
	if len(trustedProxies) > 0 && remoteIP != "" {
		if addr, err := netip.ParseAddr(remoteIP); err == nil {
			for _, prefix := range trustedProxies {
				if prefix.Contains(addr) {
					proxyTrusted = true
					break
				}
			}
		}
	}

	if proxyTrusted {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			for _, part := range strings.Split(xff, ",") {
				if ip, ok := parseIPCandidate(part); ok {
					return ip
				}
			}
		}

		if fwd := strings.TrimSpace(r.Header.Get("Forwarded")); fwd != "" {
			for _, elem := range strings.Split(fwd, ",") {
				for _, param := range strings.Split(elem, ";") {
					param = strings.TrimSpace(param)
					if !strings.HasPrefix(strings.ToLower(param), "for=") {
						continue
					}
					if ip, ok := parseIPCandidate(param[4:]); ok {
						return ip
					}
				}
			}
		}

		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			if ip, ok := parseIPCandidate(xrip); ok {
				return ip
			}
		}
	}

	return remoteIP
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, "\"")
	if s == "" {
		return "", false
	}

	// RFC 7239 quoted IPv6 may appear as [::1]:1234.
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}

	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	// Drop zone if any (e.g. fe80::1%eth0).
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}

	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.Unmap().String(), true
	}
	return "", false
}
