package reset

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ErrNotifierClosed is returned when a reset is issued after the notifier
// has shut down.
var ErrNotifierClosed = errors.New("reset notifier closed")

// Notifier delivers a freshly issued reset token to its owner.
type Notifier interface {
	NotifyReset(ctx context.Context, issued *Issued) error
}

// ResetURL builds the link a user follows to reset their password. An
// empty base yields the bare token.
func ResetURL(base, token string) string {
	if base == "" {
		return token
	}
	if strings.Contains(base, "{token}") {
		return strings.ReplaceAll(base, "{token}", url.PathEscape(token))
	}
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(token)
}

// LogNotifier writes reset links to the log. It is meant for local
// development, where no mailer is configured.
type LogNotifier struct {
	logger  *slog.Logger
	baseURL string
}

func NewLogNotifier(logger *slog.Logger, baseURL string) *LogNotifier {
	return &LogNotifier{logger: logger, baseURL: baseURL}
}

func (n *LogNotifier) NotifyReset(_ context.Context, issued *Issued) error {
	n.logger.Info("password reset link issued",
		"user_id", issued.User.ID,
		"email", issued.User.Email,
		"link", ResetURL(n.baseURL, issued.Token),
		"expires_at", issued.Reset.ExpiresAt.Format(time.RFC3339),
	)
	return nil
}

// webhookQueueSize is the bounded channel capacity for outbound notifications.
const webhookQueueSize = 1024

// webhookMessage is the JSON payload POSTed to the mailer endpoint.
type webhookMessage struct {
	Event     string `json:"event"`
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	ResetURL  string `json:"reset_url"`
	ExpiresAt string `json:"expires_at"`
}

// WebhookNotifier hands reset links to an external mailer over HTTP.
// Messages are queued non-blockingly into a bounded channel and sent by a
// background goroutine; when the queue is full the message is dropped and
// the caller gets an error.
type WebhookNotifier struct {
	url        string
	baseURL    string
	authHeader string // "Header: Value" format, e.g., "Authorization: Bearer xxx"
	client     *http.Client
	logger     *slog.Logger
	messages   chan webhookMessage
	retryDelay time.Duration
	wg         sync.WaitGroup
	closeOnce  sync.Once

	mu     sync.Mutex
	closed bool
}

// NewWebhookNotifier creates a notifier and starts its delivery loop.
func NewWebhookNotifier(endpoint, baseURL, authHeader string, logger *slog.Logger) *WebhookNotifier {
	n := &WebhookNotifier{
		url:        endpoint,
		baseURL:    baseURL,
		authHeader: authHeader,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With("component", "reset_webhook"),
		messages:   make(chan webhookMessage, webhookQueueSize),
		retryDelay: time.Second,
	}
	n.wg.Add(1)
	go n.loop()
	return n
}

func (n *WebhookNotifier) NotifyReset(_ context.Context, issued *Issued) error {
	msg := webhookMessage{
		Event:     "password_reset_requested",
		UserID:    issued.User.ID,
		Email:     issued.User.Email,
		Name:      issued.User.Name,
		ResetURL:  ResetURL(n.baseURL, issued.Token),
		ExpiresAt: issued.Reset.ExpiresAt.UTC().Format(time.RFC3339),
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrNotifierClosed
	}
	select {
	case n.messages <- msg:
		return nil
	default:
		return fmt.Errorf("reset webhook queue full")
	}
}

// Close stops accepting messages and waits for queued ones to be sent.
// NotifyReset returns ErrNotifierClosed afterwards.
func (n *WebhookNotifier) Close() {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		n.closed = true
		close(n.messages)
		n.mu.Unlock()
		n.wg.Wait()
	})
}

func (n *WebhookNotifier) loop() {
	defer n.wg.Done()
	for msg := range n.messages {
		n.send(msg)
	}
}

// send POSTs the message with one retry on 5xx or transport failure.
func (n *WebhookNotifier) send(msg webhookMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		n.logger.Warn("marshal failed", "error", err)
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(n.retryDelay)
		}

		req, err := http.NewRequest(http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			n.logger.Warn("request creation failed", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Turnstile-Reset-Webhook/1.0")

		if name, value, ok := strings.Cut(n.authHeader, ":"); ok {
			req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}

		resp, err := n.client.Do(req)
		if err != nil {
			n.logger.Warn("request failed", "error", err, "attempt", attempt+1)
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return
		case resp.StatusCode >= 500:
			n.logger.Warn("server error", "status", resp.StatusCode, "attempt", attempt+1)
			continue
		default:
			n.logger.Warn("client error", "status", resp.StatusCode, "user_id", msg.UserID)
			return
		}
	}
}
