// Package crypto holds the process-wide secret that keys session tokens.
package crypto

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/turnstile/internal/util"
)

const (
	secretKeyVersion = 1
	secretKeyPrefix  = "V1-"
	secretKeySize    = 32
)

// ErrInvalidSecretKey is returned when a configured key cannot be parsed.
var ErrInvalidSecretKey = errors.New("invalid secret key")

// SecretKey is the root secret from which session token keys are derived.
// The raw bytes live in a memguard enclave and are only decrypted while a
// subkey is being derived. Replacing the key invalidates every session
// issued under the previous one.
type SecretKey struct {
	enclave *memguard.Enclave
}

// ParseSecretKey parses the "V1-<base64url>" form produced by String.
func ParseSecretKey(str string) (*SecretKey, error) {
	str = strings.TrimSpace(str)
	if !strings.HasPrefix(str, secretKeyPrefix) {
		return nil, fmt.Errorf("%w: missing %q prefix", ErrInvalidSecretKey, secretKeyPrefix)
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(str, secretKeyPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecretKey, err)
	}
	if len(raw) != secretKeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidSecretKey, len(raw), secretKeySize)
	}
	return newSecretKey(raw), nil
}

// NewSecretKey generates a new random secret key.
func NewSecretKey() (*SecretKey, error) {
	raw, err := util.RandomBytes(secretKeySize)
	if err != nil {
		return nil, fmt.Errorf("generating secret key: %w", err)
	}
	return newSecretKey(raw), nil
}

// newSecretKey takes ownership of raw and wipes it.
func newSecretKey(raw []byte) *SecretKey {
	return &SecretKey{enclave: memguard.NewEnclave(raw)}
}

func (s *SecretKey) Version() int {
	return secretKeyVersion
}

// String returns the parseable form of the key, or "" if the enclave
// cannot be opened. Only the keygen command should print it.
func (s *SecretKey) String() string {
	buf, err := s.enclave.Open()
	if err != nil {
		return ""
	}
	defer buf.Destroy()
	return secretKeyPrefix + base64.RawURLEncoding.EncodeToString(buf.Bytes())
}

// Derive returns a 32-byte subkey bound to purpose.
func (s *SecretKey) Derive(purpose string) ([]byte, error) {
	buf, err := s.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("opening secret key enclave: %w", err)
	}
	defer buf.Destroy()

	return util.HKDF(buf.Bytes(), nil, []byte("turnstile/"+purpose))
}
