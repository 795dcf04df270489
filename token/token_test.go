package token

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/turnstile/crypto"
)

func newSecret(t *testing.T) *crypto.SecretKey {
	t.Helper()
	sk, err := crypto.NewSecretKey()
	require.NoError(t, err)
	return sk
}

func samplePayload() Payload {
	return Payload{
		SessionID: "6d1f8a52-1f2c-4b4e-9c61-2f1e8a0c7b3d",
		UserID:    "u1",
		Email:     "a@x.io",
		Name:      "A",
		Admin:     false,
		IssuedAt:  time.Now().Unix(),
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	}
}

func codecs(t *testing.T, secret *crypto.SecretKey) map[string]Codec {
	t.Helper()
	sealed, err := NewSealedCodec(secret)
	require.NoError(t, err)
	t.Cleanup(sealed.Close)
	signed, err := NewJWTCodec(secret)
	require.NoError(t, err)
	t.Cleanup(signed.Close)
	return map[string]Codec{"Sealed": sealed, "JWT": signed}
}

func TestCodecRoundTrip(t *testing.T) {
	for name, c := range codecs(t, newSecret(t)) {
		t.Run(name, func(t *testing.T) {
			p := samplePayload()
			tok, err := c.Encode(p)
			require.NoError(t, err)

			got, err := c.Decode(tok)
			require.NoError(t, err)
			assert.Equal(t, p, got)
		})
	}
}

func TestJWTKeyIsLocked(t *testing.T) {
	c, err := NewJWTCodec(newSecret(t))
	require.NoError(t, err)
	assert.True(t, c.key.IsAlive())
	assert.False(t, c.key.IsMutable())

	_, err = c.Encode(samplePayload())
	require.NoError(t, err)

	c.Close()
	assert.False(t, c.key.IsAlive())
}

func TestCodecWrongKey(t *testing.T) {
	issuers := codecs(t, newSecret(t))
	verifiers := codecs(t, newSecret(t))
	for name, c := range issuers {
		t.Run(name, func(t *testing.T) {
			tok, err := c.Encode(samplePayload())
			require.NoError(t, err)

			_, err = verifiers[name].Decode(tok)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestCodecRejectsGarbage(t *testing.T) {
	inputs := []string{
		"",
		"garbage",
		"v1.",
		"v1.!!!not-base64!!!",
		"v1." + base64.RawURLEncoding.EncodeToString([]byte("short")),
		"eyJhbGciOiJub25lIn0.eyJzdWIiOiJ1MSJ9.",
	}
	for name, c := range codecs(t, newSecret(t)) {
		t.Run(name, func(t *testing.T) {
			for _, in := range inputs {
				_, err := c.Decode(in)
				assert.ErrorIs(t, err, ErrInvalid, "input %q", in)
			}
		})
	}
}

func TestCodecRejectsTampering(t *testing.T) {
	for name, c := range codecs(t, newSecret(t)) {
		t.Run(name, func(t *testing.T) {
			tok, err := c.Encode(samplePayload())
			require.NoError(t, err)

			i := len(tok) / 2
			flipped := byte('A')
			if tok[i] == 'A' {
				flipped = 'B'
			}
			tampered := tok[:i] + string(flipped) + tok[i+1:]

			_, err = c.Decode(tampered)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestDecodeIgnoresExpiry(t *testing.T) {
	for name, c := range codecs(t, newSecret(t)) {
		t.Run(name, func(t *testing.T) {
			p := samplePayload()
			p.ExpiresAt = time.Now().Add(-24 * time.Hour).Unix()
			tok, err := c.Encode(p)
			require.NoError(t, err)

			got, err := c.Decode(tok)
			require.NoError(t, err)
			assert.True(t, got.Expired(time.Now()))
		})
	}
}

func TestEncodeRequiresUserAndExpiry(t *testing.T) {
	for name, c := range codecs(t, newSecret(t)) {
		t.Run(name, func(t *testing.T) {
			_, err := c.Encode(Payload{Email: "a@x.io", ExpiresAt: 10})
			assert.Error(t, err)
			_, err = c.Encode(Payload{UserID: "u1"})
			assert.Error(t, err)
		})
	}
}

func TestSealedTokensAreRandomised(t *testing.T) {
	c, err := NewSealedCodec(newSecret(t))
	require.NoError(t, err)
	defer c.Close()

	p := samplePayload()
	a, err := c.Encode(p)
	require.NoError(t, err)
	b, err := c.Encode(p)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "v1."))
	assert.NotContains(t, a, p.Email)
}

func TestPayloadExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p := Payload{UserID: "u1", ExpiresAt: now.Unix()}
	assert.True(t, p.Expired(now), "expiry equal to now is expired")
	assert.False(t, p.Expired(now.Add(-time.Second)))
	assert.Equal(t, now, p.Expiry())
}
