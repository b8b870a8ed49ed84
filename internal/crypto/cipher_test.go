package crypto

import (
	"bytes"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/membershiphub/esign/internal/config"
)

func testKey() []byte {
	return bytes.Repeat([]byte("k"), 32)
}

func testCipher(t *testing.T) *FieldCipher {
	t.Helper()
	c, err := NewFieldCipher(testKey())
	if err != nil {
		t.Fatalf("NewFieldCipher() error: %v", err)
	}
	return c
}

func TestNewFieldCipher_KeyLength(t *testing.T) {
	for _, n := range []int{0, 16, 31, 33, 64} {
		if _, err := NewFieldCipher(make([]byte, n)); !errors.Is(err, ErrKeyLengthInvalid) {
			t.Errorf("NewFieldCipher(len=%d) error = %v, want ErrKeyLengthInvalid", n, err)
		}
	}
}

func TestSealOpen_RoundTrip(t *testing.T) {
	c := testCipher(t)
	plaintext := "data:image/png;base64,iVBORw0KGgo="

	sealed, err := c.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
	if !IsSealed(sealed) || strings.Contains(sealed, "iVBOR") {
		t.Fatalf("sealed value leaks plaintext or lacks prefix: %q", sealed)
	}

	got, err := c.Open(sealed)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if got != plaintext {
		t.Errorf("Open() = %q, want %q", got, plaintext)
	}
}

func TestSeal_UniqueNonce(t *testing.T) {
	c := testCipher(t)
	a, _ := c.Seal("same")
	b, _ := c.Seal("same")
	if a == b {
		t.Error("two seals of the same plaintext should differ")
	}
}

func TestSeal_EmptyPassthrough(t *testing.T) {
	c := testCipher(t)
	got, err := c.Seal("")
	if err != nil || got != "" {
		t.Errorf("Seal(\"\") = %q, %v; want empty, nil", got, err)
	}
}

func TestOpen_UnsealedPassthrough(t *testing.T) {
	c := testCipher(t)
	legacy := "data:image/png;base64,AAAA"
	got, err := c.Open(legacy)
	if err != nil || got != legacy {
		t.Errorf("Open(legacy) = %q, %v; want passthrough", got, err)
	}
}

func TestOpen_Failures(t *testing.T) {
	c := testCipher(t)
	sealed, _ := c.Seal("secret")

	other, _ := NewFieldCipher(bytes.Repeat([]byte("x"), 32))

	tampered := []byte(sealed)
	tampered[len(tampered)-2] ^= 0x01

	tests := []struct {
		name   string
		cipher *FieldCipher
		value  string
		want   error
	}{
		{"bad base64", c, sealedPrefix + "!!!", ErrCiphertextCorrupted},
		{"too short", c, sealedPrefix + "AAAA", ErrCiphertextCorrupted},
		{"wrong key", other, sealed, ErrDecryptionFailed},
		{"tampered", c, string(tampered), ErrDecryptionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.cipher.Open(tt.value); !errors.Is(err, tt.want) {
				t.Errorf("Open() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDeriveFieldCipher(t *testing.T) {
	salt := bytes.Repeat([]byte("s"), 16)
	a, err := DeriveFieldCipher("correct horse", salt)
	if err != nil {
		t.Fatalf("DeriveFieldCipher() error: %v", err)
	}
	b, _ := DeriveFieldCipher("correct horse", salt)

	sealed, _ := a.Seal("payload")
	if got, err := b.Open(sealed); err != nil || got != "payload" {
		t.Errorf("same passphrase and salt should derive the same key: %q, %v", got, err)
	}

	if _, err := DeriveFieldCipher("p", []byte("short")); !errors.Is(err, ErrSaltTooShort) {
		t.Errorf("short salt error = %v, want ErrSaltTooShort", err)
	}
}

func TestFromConfig(t *testing.T) {
	t.Run("nothing configured", func(t *testing.T) {
		c, err := FromConfig(config.EncryptionConfig{})
		if err != nil || c != nil {
			t.Errorf("FromConfig(empty) = %v, %v; want nil, nil", c, err)
		}
	})

	t.Run("hex key", func(t *testing.T) {
		c, err := FromConfig(config.EncryptionConfig{Key: hex.EncodeToString(testKey())})
		if err != nil || c == nil {
			t.Fatalf("FromConfig(key) = %v, %v", c, err)
		}
		sealed, _ := c.Seal("x")
		if got, _ := testCipher(t).Open(sealed); got != "x" {
			t.Error("hex key should decode to the raw key bytes")
		}
	})

	t.Run("invalid hex", func(t *testing.T) {
		if _, err := FromConfig(config.EncryptionConfig{Key: "not-hex"}); err == nil {
			t.Error("expected error for non-hex key")
		}
	})

	t.Run("short hex key", func(t *testing.T) {
		if _, err := FromConfig(config.EncryptionConfig{Key: "abcd"}); !errors.Is(err, ErrKeyLengthInvalid) {
			t.Errorf("error = %v, want ErrKeyLengthInvalid", err)
		}
	})

	t.Run("passphrase", func(t *testing.T) {
		c, err := FromConfig(config.EncryptionConfig{Passphrase: "pw", Salt: strings.Repeat("s", 16)})
		if err != nil || c == nil {
			t.Errorf("FromConfig(passphrase) = %v, %v", c, err)
		}
	})
}

func TestGenerateKey(t *testing.T) {
	k, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	if c, err := FromConfig(config.EncryptionConfig{Key: k}); err != nil || c == nil {
		t.Errorf("generated key not accepted: %v", err)
	}
}
