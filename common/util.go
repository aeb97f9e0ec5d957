package common

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// GenerateRandBytes returns size cryptographically random bytes.
func GenerateRandBytes(size int) ([]byte, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("reading random bytes: %w", err)
	}
	return b, nil
}

// MakeRandHexString returns the hex encoding of size random bytes,
// i.e. a string of length size*2.
func MakeRandHexString(size int) (string, error) {
	b, err := GenerateRandBytes(size)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// WipeByteArray zeroes the buffer in place. Use it to scrub key material
// once it is no longer needed.
func WipeByteArray(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
