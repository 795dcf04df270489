package reset

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/turnstile/storage"
)

func sampleIssued() *Issued {
	return &Issued{
		Token: "raw-token",
		Reset: &storage.ResetToken{UserID: "u1", ExpiresAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		User:  &storage.User{ID: "u1", Email: "a@x.io", Name: "A"},
	}
}

func TestResetURL(t *testing.T) {
	assert.Equal(t, "abc", ResetURL("", "abc"))
	assert.Equal(t, "https://shop.example/reset/abc", ResetURL("https://shop.example/reset/", "abc"))
	assert.Equal(t, "https://shop.example/r?t=abc", ResetURL("https://shop.example/r?t={token}", "abc"))
}

func TestWebhook_SuccessfulDelivery(t *testing.T) {
	var received webhookMessage
	var auth string
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		auth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "https://shop.example/reset", "Authorization: Bearer s3cret", discard)
	require.NoError(t, n.NotifyReset(context.Background(), sampleIssued()))
	n.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "password_reset_requested", received.Event)
	assert.Equal(t, "a@x.io", received.Email)
	assert.Equal(t, "https://shop.example/reset/raw-token", received.ResetURL)
	assert.Equal(t, "2026-01-01T00:00:00Z", received.ExpiresAt)
	assert.Equal(t, "Bearer s3cret", auth)
}

func TestWebhook_RetryOn500(t *testing.T) {
	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "", "", discard)
	n.retryDelay = time.Millisecond
	require.NoError(t, n.NotifyReset(context.Background(), sampleIssued()))
	n.Close()

	assert.Equal(t, int32(2), attempts.Load(), "should have retried once after 500")
}

func TestWebhook_NoRetryOn400(t *testing.T) {
	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "", "", discard)
	require.NoError(t, n.NotifyReset(context.Background(), sampleIssued()))
	n.Close()

	assert.Equal(t, int32(1), attempts.Load())
}

func TestWebhook_CloseIsIdempotent(t *testing.T) {
	n := NewWebhookNotifier("http://127.0.0.1:1", "", "", discard)
	n.Close()
	assert.NotPanics(t, n.Close)
}

func TestWebhook_NotifyAfterCloseReturnsError(t *testing.T) {
	n := NewWebhookNotifier("http://127.0.0.1:1", "", "", discard)
	n.Close()

	var err error
	require.NotPanics(t, func() { err = n.NotifyReset(t.Context(), sampleIssued()) })
	assert.ErrorIs(t, err, ErrNotifierClosed)
}
