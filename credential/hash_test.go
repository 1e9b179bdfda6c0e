package credential

import (
	"crypto/rand"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func fastArgon2() Argon2id {
	return Argon2id{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}
}

func TestHashers(t *testing.T) {
	rk, err := NewRecoveryKey(rand.Reader)
	require.NoError(t, err)

	for name, h := range map[string]Hasher{
		"bcrypt":   Bcrypt{Cost: bcrypt.MinCost},
		"argon2id": fastArgon2(),
	} {
		t.Run(name, func(t *testing.T) {
			encoded, err := h.Hash(rk)
			require.NoError(t, err)
			require.NotContains(t, encoded, rk)
			require.True(t, h.Verify(rk, encoded))

			// differs only on the last character, which bcrypt would
			// ignore without the sha256 reduction
			wrong := rk[:len(rk)-1] + flip(rk[len(rk)-1])
			require.False(t, h.Verify(wrong, encoded))
			require.False(t, h.Verify("", encoded))

			again, err := h.Hash(rk)
			require.NoError(t, err)
			require.NotEqual(t, encoded, again, "hashes must be salted")
		})
	}
}

func TestDispatcherVerifiesEveryAlgorithm(t *testing.T) {
	d, err := NewHasher(AlgorithmBcrypt, bcrypt.MinCost)
	require.NoError(t, err)

	fromBcrypt, err := d.Hash("sk-abc")
	require.NoError(t, err)
	fromArgon, err := fastArgon2().Hash("sk-abc")
	require.NoError(t, err)

	require.True(t, d.Verify("sk-abc", fromBcrypt))
	require.True(t, d.Verify("sk-abc", fromArgon))
	require.False(t, d.Verify("sk-abd", fromArgon))
	require.False(t, d.Verify("sk-abc", "plain-text"))
	require.False(t, d.Verify("sk-abc", "$argon2id$v=19$m=0,t=0,p=0$$"))
}

func TestNewHasher(t *testing.T) {
	d, err := NewHasher(AlgorithmArgon2id, 0)
	require.NoError(t, err)
	require.IsType(t, Argon2id{}, d.Primary)

	d, err = NewHasher("", 0)
	require.NoError(t, err)
	require.Equal(t, Bcrypt{Cost: DefaultBcryptCost}, d.Primary)

	_, err = NewHasher("md5", 0)
	require.True(t, errors.As(err, &UnknownAlgorithm{}))

	_, err = NewHasher(AlgorithmBcrypt, 99)
	require.Error(t, err)
}

func flip(c byte) string {
	if c == '0' {
		return "1"
	}
	return "0"
}
