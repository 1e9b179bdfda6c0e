package credential

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestNewKeys(t *testing.T) {
	sk, err := NewSecretKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(sk, SecretKeyPrefix) || len(sk) != len(SecretKeyPrefix)+2*secretKeyBytes {
		t.Fatalf("unexpected secret key shape: %v", len(sk))
	}
	rk, err := NewRecoveryKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(rk, RecoveryKeyPrefix) || len(rk) != len(RecoveryKeyPrefix)+2*recoveryKeyBytes {
		t.Fatalf("unexpected recovery key shape: %v", len(rk))
	}
	other, err := NewSecretKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if other == sk {
		t.Fatal("two secret keys should never be equal")
	}
}

func TestNewKeysExhaustedSource(t *testing.T) {
	_, err := NewSecretKey(io.LimitReader(rand.Reader, 4))
	var genErr GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("expecting GenerationError got %v", err)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("cause should be preserved, got %v", err)
	}
	_, err = NewRecoveryKey(bytes.NewReader(nil))
	if !errors.As(err, &genErr) {
		t.Fatalf("expecting GenerationError got %v", err)
	}
}

func TestKeyID(t *testing.T) {
	for _, tc := range []struct {
		key string
		id  string
	}{
		{"sk-0123456789abcdef0123", "sk-0123456789abc"},
		{"sk-short", "sk-short"},
		{"", ""},
	} {
		if got := KeyID(tc.key); got != tc.id {
			t.Errorf("KeyID(%q) should be %q got %q", tc.key, tc.id, got)
		}
	}
}
