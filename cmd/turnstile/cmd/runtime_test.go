package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/turnstile/crypto"
	"github.com/jmcleod/turnstile/internal/config"
	"github.com/jmcleod/turnstile/storage"
)

func productionConfig(t *testing.T) *config.Config {
	t.Helper()
	secret, err := crypto.NewSecretKey()
	require.NoError(t, err)

	t.Setenv("TURNSTILE_ENV", config.EnvDevelopment)
	t.Setenv("TURNSTILE_STORE_DRIVER", "memory")
	cfg, err := config.Load(config.New(), "")
	require.NoError(t, err)
	cfg.Env = config.EnvProduction
	cfg.SecretKey = secret.String()
	cfg.Reset.URL = "https://shop.example.com/reset/{token}"
	return cfg
}

func TestBuildServices_ProductionRequiresWebhook(t *testing.T) {
	cfg := productionConfig(t)
	var logs bytes.Buffer

	svc, err := buildServices(t.Context(), cfg, newLogger(cfg, &logs))
	require.Error(t, err)
	assert.Nil(t, svc)
	assert.Contains(t, err.Error(), "reset.webhook_url")
}

func TestBuildServices_ResetTokenStaysOutOfLog(t *testing.T) {
	delivered := make(chan map[string]string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg map[string]string
		if err := json.NewDecoder(r.Body).Decode(&msg); err == nil {
			delivered <- msg
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := productionConfig(t)
	cfg.Reset.WebhookURL = srv.URL
	var logs bytes.Buffer

	svc, err := buildServices(t.Context(), cfg, newLogger(cfg, &logs))
	require.NoError(t, err)

	require.NoError(t, svc.store.PutUser(t.Context(), &storage.User{
		ID: "u-1", Email: "shopper@example.com", PasswordHash: "unused",
	}))
	issued, err := svc.resets.Request(t.Context(), "shopper@example.com")
	require.NoError(t, err)
	require.NotNil(t, issued)
	svc.Close()

	assert.NotContains(t, logs.String(), issued.Token)
	select {
	case msg := <-delivered:
		assert.Equal(t, "https://shop.example.com/reset/"+issued.Token, msg["reset_url"])
	default:
		t.Fatal("webhook never received the reset link")
	}
}
