package token

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/turnstile/crypto"
	"github.com/jmcleod/turnstile/internal/util"
)

const (
	sealedPrefix  = "v1."
	sealedPurpose = "session-token"
)

var sealedAAD = []byte("turnstile:session:v1")

// SealedCodec encrypts payloads with AES-256-GCM. Tokens are confidential
// as well as tamper-evident; only holders of the secret can read them.
type SealedCodec struct {
	key *memguard.LockedBuffer
}

// NewSealedCodec derives the token key from secret.
func NewSealedCodec(secret *crypto.SecretKey) (*SealedCodec, error) {
	raw, err := secret.Derive(sealedPurpose)
	if err != nil {
		return nil, fmt.Errorf("deriving token key: %w", err)
	}
	key := memguard.NewBufferFromBytes(raw)
	key.Freeze()
	return &SealedCodec{key: key}, nil
}

func (c *SealedCodec) Encode(p Payload) (string, error) {
	if !p.valid() {
		return "", fmt.Errorf("encoding session token: payload missing user id or expiry")
	}
	plain, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshaling payload: %w", err)
	}
	defer util.WipeBytes(plain)

	sealed, err := util.SealAES(plain, c.key.Bytes(), sealedAAD)
	if err != nil {
		return "", fmt.Errorf("sealing payload: %w", err)
	}
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (c *SealedCodec) Decode(s string) (Payload, error) {
	body, ok := strings.CutPrefix(s, sealedPrefix)
	if !ok {
		return Payload{}, ErrInvalid
	}
	sealed, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return Payload{}, ErrInvalid
	}
	plain, err := util.OpenAES(sealed, c.key.Bytes(), sealedAAD)
	if err != nil {
		return Payload{}, ErrInvalid
	}
	defer util.WipeBytes(plain)

	var p Payload
	if err := json.Unmarshal(plain, &p); err != nil || !p.valid() {
		return Payload{}, ErrInvalid
	}
	return p, nil
}

// Close destroys the in-memory key.
func (c *SealedCodec) Close() {
	c.key.Destroy()
}
