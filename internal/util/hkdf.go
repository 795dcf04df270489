package util

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDFKeyLength is the size of every derived subkey.
const HKDFKeyLength = 32

// HKDF derives a subkey from seed for the purpose named by info. Keys
// derived under different info strings are independent.
func HKDF(seed, salt, info []byte) ([]byte, error) {
	prk := hkdf.Extract(sha256.New, seed, salt)
	key := make([]byte, HKDFKeyLength)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, info), key); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return key, nil
}
