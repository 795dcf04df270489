package token

import (
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"github.com/golang-jwt/jwt/v5"

	"github.com/jmcleod/turnstile/crypto"
)

const jwtPurpose = "session-jwt"

type sessionClaims struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Admin bool   `json:"admin"`
	jwt.RegisteredClaims
}

// JWTCodec signs payloads as HS256 JWTs. The claims are readable by
// anyone holding the token, so it suits deployments where a sibling
// service shares the secret and needs to inspect sessions. The signing
// key is held in a frozen memguard buffer until Close.
type JWTCodec struct {
	key    *memguard.LockedBuffer
	parser *jwt.Parser
}

func NewJWTCodec(secret *crypto.SecretKey) (*JWTCodec, error) {
	raw, err := secret.Derive(jwtPurpose)
	if err != nil {
		return nil, fmt.Errorf("deriving jwt key: %w", err)
	}
	key := memguard.NewBufferFromBytes(raw)
	key.Freeze()
	return &JWTCodec{
		key: key,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
	}, nil
}

func (c *JWTCodec) Encode(p Payload) (string, error) {
	if !p.valid() {
		return "", fmt.Errorf("encoding session token: payload missing user id or expiry")
	}
	claims := sessionClaims{
		Email: p.Email,
		Name:  p.Name,
		Admin: p.Admin,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        p.SessionID,
			Subject:   p.UserID,
			ExpiresAt: jwt.NewNumericDate(time.Unix(p.ExpiresAt, 0)),
		},
	}
	if p.IssuedAt != 0 {
		claims.IssuedAt = jwt.NewNumericDate(time.Unix(p.IssuedAt, 0))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key.Bytes())
	if err != nil {
		return "", fmt.Errorf("signing session token: %w", err)
	}
	return signed, nil
}

func (c *JWTCodec) Decode(s string) (Payload, error) {
	var claims sessionClaims
	_, err := c.parser.ParseWithClaims(s, &claims, func(*jwt.Token) (any, error) {
		return c.key.Bytes(), nil
	})
	if err != nil || claims.ExpiresAt == nil {
		return Payload{}, ErrInvalid
	}
	p := Payload{
		SessionID: claims.ID,
		UserID:    claims.Subject,
		Email:     claims.Email,
		Name:      claims.Name,
		Admin:     claims.Admin,
		ExpiresAt: claims.ExpiresAt.Unix(),
	}
	if claims.IssuedAt != nil {
		p.IssuedAt = claims.IssuedAt.Unix()
	}
	if !p.valid() {
		return Payload{}, ErrInvalid
	}
	return p, nil
}

// Close destroys the signing key.
func (c *JWTCodec) Close() {
	c.key.Destroy()
}
