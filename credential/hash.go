package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

const (
	AlgorithmBcrypt   = "bcrypt"
	AlgorithmArgon2id = "argon2id"

	DefaultBcryptCost = 12

	argon2Prefix = "$argon2id$"
)

type (
	// Hasher turns a plaintext key into a salted, self describing hash.
	// Verify must run in time independent of where plain and the hashed
	// value first differ.
	Hasher interface {
		Hash(plain string) (string, error)
		Verify(plain, encoded string) bool
	}

	Bcrypt struct {
		Cost int
	}

	Argon2id struct {
		Memory      uint32
		Time        uint32
		Parallelism uint8
		SaltLength  uint32
		KeyLength   uint32
	}

	// Dispatcher hashes new keys with Primary and verifies any hash
	// produced by one of the supported algorithms.
	Dispatcher struct {
		Primary Hasher
	}

	UnknownAlgorithm struct {
		Name string
	}
)

func (u UnknownAlgorithm) Error() string {
	return fmt.Sprintf("hash algorithm %q is not supported", u.Name)
}

// NewHasher returns a Dispatcher whose primary hasher is the named algorithm.
func NewHasher(algorithm string, bcryptCost int) (*Dispatcher, error) {
	switch algorithm {
	case "", AlgorithmBcrypt:
		if bcryptCost == 0 {
			bcryptCost = DefaultBcryptCost
		}
		if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
			return nil, fmt.Errorf("bcrypt cost %v outside of [%v, %v]", bcryptCost, bcrypt.MinCost, bcrypt.MaxCost)
		}
		return &Dispatcher{Primary: Bcrypt{Cost: bcryptCost}}, nil
	case AlgorithmArgon2id:
		return &Dispatcher{Primary: DefaultArgon2id()}, nil
	}
	return nil, UnknownAlgorithm{Name: algorithm}
}

func (d *Dispatcher) Hash(plain string) (string, error) {
	return d.Primary.Hash(plain)
}

func (d *Dispatcher) Verify(plain, encoded string) bool {
	switch {
	case strings.HasPrefix(encoded, argon2Prefix):
		return Argon2id{}.Verify(plain, encoded)
	case strings.HasPrefix(encoded, "$2"):
		return Bcrypt{}.Verify(plain, encoded)
	}
	return false
}

// bcrypt ignores anything past 72 bytes and recovery keys are longer than
// that, so keys are reduced with SHA-256 first.
func bcryptInput(plain string) []byte {
	sum := sha256.Sum256([]byte(plain))
	out := make([]byte, base64.RawStdEncoding.EncodedLen(len(sum)))
	base64.RawStdEncoding.Encode(out, sum[:])
	return out
}

func (b Bcrypt) Hash(plain string) (string, error) {
	cost := b.Cost
	if cost == 0 {
		cost = DefaultBcryptCost
	}
	buf, err := bcrypt.GenerateFromPassword(bcryptInput(plain), cost)
	if err != nil {
		return "", fmt.Errorf("unable to compute bcrypt hash, cause %w", err)
	}
	return string(buf), nil
}

func (b Bcrypt) Verify(plain, encoded string) bool {
	return bcrypt.CompareHashAndPassword([]byte(encoded), bcryptInput(plain)) == nil
}

func DefaultArgon2id() Argon2id {
	return Argon2id{
		Memory:      64 * 1024,
		Time:        1,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

func (a Argon2id) Hash(plain string) (string, error) {
	salt := make([]byte, a.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", GenerationError{Kind: "argon2 salt", Cause: err}
	}
	sum := argon2.IDKey([]byte(plain), salt, a.Time, a.Memory, a.Parallelism, a.KeyLength)
	return fmt.Sprintf("%sv=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2Prefix, argon2.Version, a.Memory, a.Time, a.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum)), nil
}

// Verify ignores the receiver parameters, the encoded hash carries its own.
func (Argon2id) Verify(plain, encoded string) bool {
	params, salt, expected, err := parseArgon2(encoded)
	if err != nil {
		return false
	}
	actual := argon2.IDKey([]byte(plain), salt, params.Time, params.Memory, params.Parallelism, uint32(len(expected)))
	return subtle.ConstantTimeCompare(actual, expected) == 1
}

func parseArgon2(encoded string) (Argon2id, []byte, []byte, error) {
	var params Argon2id
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != AlgorithmArgon2id {
		return params, nil, nil, errors.New("invalid argon2id hash format")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return params, nil, nil, errors.New("unsupported argon2 version")
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.Memory, &params.Time, &params.Parallelism); err != nil {
		return params, nil, nil, fmt.Errorf("invalid argon2 parameters, cause %w", err)
	}
	if params.Memory == 0 || params.Time == 0 || params.Parallelism == 0 {
		return params, nil, nil, errors.New("invalid argon2 parameters")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return params, nil, nil, fmt.Errorf("invalid argon2 salt, cause %w", err)
	}
	sum, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(sum) == 0 {
		return params, nil, nil, errors.New("invalid argon2 digest")
	}
	return params, salt, sum, nil
}
