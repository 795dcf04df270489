// Package credential hashes and verifies user passwords.
//
// New hashes are argon2id in the PHC string format. bcrypt hashes are
// accepted on verify so that imported accounts keep working; NeedsRehash
// flags them for upgrade on the next successful login.
package credential

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"

	"github.com/jmcleod/turnstile/autherr"
	"github.com/jmcleod/turnstile/internal/util"
)

const (
	MinPasswordLength = 8
	MaxPasswordLength = 256
)

var (
	errMalformedHash = errors.New("malformed password hash")
	b64              = base64.RawStdEncoding
)

// Hasher produces and checks password hashes. It is safe for concurrent use.
type Hasher struct {
	params util.Argon2idParams
	dummy  string
}

// NewHasher returns a Hasher using params for new hashes.
func NewHasher(params util.Argon2idParams) (*Hasher, error) {
	if err := util.ValidateArgon2idParams(params); err != nil {
		return nil, err
	}
	h := &Hasher{params: params}
	dummy, err := h.Hash("turnstile-timing-equaliser")
	if err != nil {
		return nil, err
	}
	h.dummy = dummy
	return h, nil
}

func (h *Hasher) Params() util.Argon2idParams {
	return h.params
}

// Hash returns a salted argon2id hash of plaintext.
func (h *Hasher) Hash(plaintext string) (string, error) {
	salt, err := util.RandomBytes(int(h.params.SaltLen))
	if err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	pw := []byte(plaintext)
	defer util.WipeBytes(pw)

	key := util.DeriveArgon2idKey(pw, salt, h.params)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.params.MemoryKiB, h.params.Time, h.params.Parallelism,
		b64.EncodeToString(salt), b64.EncodeToString(key)), nil
}

// Verify reports whether plaintext matches hash. Malformed or unsupported
// hashes never match.
func (h *Hasher) Verify(plaintext, hash string) bool {
	if isBcrypt(hash) {
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
	}

	params, salt, want, err := decodeArgon2id(hash)
	if err != nil {
		return false
	}
	pw := []byte(plaintext)
	defer util.WipeBytes(pw)

	got := util.DeriveArgon2idKey(pw, salt, params)
	return subtle.ConstantTimeCompare(got, want) == 1
}

// VerifyAbsent burns the same work as a real Verify so that a login for an
// unknown account takes as long as one with a wrong password.
func (h *Hasher) VerifyAbsent(plaintext string) {
	h.Verify(plaintext, h.dummy)
}

// NeedsRehash reports whether hash should be replaced with one made under
// the current parameters.
func (h *Hasher) NeedsRehash(hash string) bool {
	if isBcrypt(hash) {
		return true
	}
	params, _, _, err := decodeArgon2id(hash)
	if err != nil {
		return true
	}
	return params.Weaker(h.params)
}

func isBcrypt(hash string) bool {
	return strings.HasPrefix(hash, "$2a$") ||
		strings.HasPrefix(hash, "$2b$") ||
		strings.HasPrefix(hash, "$2y$")
}

// decodeArgon2id parses $argon2id$v=19$m=65536,t=3,p=2$<salt>$<key>.
func decodeArgon2id(hash string) (util.Argon2idParams, []byte, []byte, error) {
	var p util.Argon2idParams
	parts := strings.Split(hash, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return p, nil, nil, errMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return p, nil, nil, errMalformedHash
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.MemoryKiB, &p.Time, &p.Parallelism); err != nil {
		return p, nil, nil, errMalformedHash
	}
	if p.Time == 0 || p.MemoryKiB == 0 || p.Parallelism == 0 || p.MemoryKiB > 4*1024*1024 {
		return p, nil, nil, errMalformedHash
	}

	salt, err := b64.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return p, nil, nil, errMalformedHash
	}
	key, err := b64.DecodeString(parts[5])
	if err != nil || len(key) < 16 || len(key) > 128 {
		return p, nil, nil, errMalformedHash
	}
	p.SaltLen = uint32(len(salt))
	p.KeyLen = uint32(len(key))
	return p, salt, key, nil
}

// ValidatePassword checks a new password against the length policy.
func ValidatePassword(plaintext string) error {
	n := utf8.RuneCountInString(plaintext)
	switch {
	case n == 0:
		return autherr.New(autherr.ErrValidation, "password is required")
	case n < MinPasswordLength:
		return autherr.New(autherr.ErrValidation, fmt.Sprintf("password must be at least %d characters", MinPasswordLength))
	case n > MaxPasswordLength:
		return autherr.New(autherr.ErrValidation, fmt.Sprintf("password must be at most %d characters", MaxPasswordLength))
	}
	return nil
}
