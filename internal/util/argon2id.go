package util

import (
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Lower bounds accepted for password hashing parameters (OWASP minimum
// for argon2id is m=19 MiB, t=2, p=1; t=1 is tolerated with more memory).
const (
	MinArgon2Time      uint32 = 1
	MinArgon2MemoryKiB uint32 = 19 * 1024
	MinArgon2Parallel  uint8  = 1
)

type Argon2idParams struct {
	Time        uint32 `json:"time" mapstructure:"time"`
	MemoryKiB   uint32 `json:"memory" mapstructure:"memory_kib"`
	Parallelism uint8  `json:"parallelism" mapstructure:"parallelism"`
	KeyLen      uint32 `json:"key_len" mapstructure:"key_len"`
	SaltLen     uint32 `json:"salt_len" mapstructure:"salt_len"`
}

func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		Time:        3,
		MemoryKiB:   64 * 1024,
		Parallelism: 2,
		KeyLen:      32,
		SaltLen:     16,
	}
}

func ValidateArgon2idParams(p Argon2idParams) error {
	switch {
	case p.Time < MinArgon2Time:
		return fmt.Errorf("argon2id time %d below minimum %d", p.Time, MinArgon2Time)
	case p.MemoryKiB < MinArgon2MemoryKiB:
		return fmt.Errorf("argon2id memory %d KiB below minimum %d KiB", p.MemoryKiB, MinArgon2MemoryKiB)
	case p.Parallelism < MinArgon2Parallel:
		return fmt.Errorf("argon2id parallelism %d below minimum %d", p.Parallelism, MinArgon2Parallel)
	case p.KeyLen < 16:
		return fmt.Errorf("argon2id key length %d too short", p.KeyLen)
	case p.SaltLen < 8:
		return fmt.Errorf("argon2id salt length %d too short", p.SaltLen)
	}
	return nil
}

// Weaker reports whether p is cheaper than target in any dimension.
func (p Argon2idParams) Weaker(target Argon2idParams) bool {
	return p.Time < target.Time ||
		p.MemoryKiB < target.MemoryKiB ||
		p.Parallelism < target.Parallelism ||
		p.KeyLen < target.KeyLen
}

func DeriveArgon2idKey(password, salt []byte, params Argon2idParams) []byte {
	return argon2.IDKey(password, salt, params.Time, params.MemoryKiB, params.Parallelism, params.KeyLen)
}
