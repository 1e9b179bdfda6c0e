// Package credential generates and hashes the two credentials an account
// owns: the secret key, used to log in, and the recovery key, used to rotate
// a secret key.
//
// Both keys are bearer secrets. They are handed to the user exactly once and
// only a salted hash is ever persisted. A short prefix of each key (see KeyID)
// is stored in the clear so the owning account can be found without scanning
// every hash.
package credential

import (
	"encoding/hex"
	"fmt"
	"io"
)

const (
	SecretKeyPrefix   = "sk-"
	RecoveryKeyPrefix = "rk-"

	secretKeyBytes   = 32
	recoveryKeyBytes = 48

	// KeyIDLength is how many leading characters of a key are kept
	// in the clear as its lookup identifier.
	KeyIDLength = 16
)

type (
	// GenerationError is returned when the random source cannot provide
	// enough entropy. It is fatal for the request that triggered it.
	GenerationError struct {
		Kind  string
		Cause error
	}
)

func (g GenerationError) Error() string {
	return fmt.Sprintf("unable to generate %v, cause %v", g.Kind, g.Cause)
}

func (g GenerationError) Unwrap() error {
	return g.Cause
}

// NewSecretKey reads 32 bytes from r and returns them as a hex encoded
// secret key.
func NewSecretKey(r io.Reader) (string, error) {
	return newKey(r, "secret key", SecretKeyPrefix, secretKeyBytes)
}

// NewRecoveryKey reads 48 bytes from r and returns them as a hex encoded
// recovery key.
func NewRecoveryKey(r io.Reader) (string, error) {
	return newKey(r, "recovery key", RecoveryKeyPrefix, recoveryKeyBytes)
}

// KeyID returns the lookup identifier of the given key.
func KeyID(key string) string {
	if len(key) < KeyIDLength {
		return key
	}
	return key[:KeyIDLength]
}

func newKey(r io.Reader, kind, prefix string, size int) (string, error) {
	buf := make([]byte, size)
	defer zero(buf)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", GenerationError{Kind: kind, Cause: err}
	}
	return prefix + hex.EncodeToString(buf), nil
}

func zero(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
