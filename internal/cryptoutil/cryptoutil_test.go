package cryptoutil

import (
	"bytes"
	"testing"
)

func TestDeriveKeyDeterministic(t *testing.T) {
	salt := bytes.Repeat([]byte{0x42}, 16)
	k1, err := DeriveKey([]byte("hunter2"), salt)
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	k2, err := DeriveKey([]byte("hunter2"), salt)
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	if k1 != k2 {
		t.Fatalf("DeriveKey() not deterministic: %x != %x", k1, k2)
	}

	k3, err := DeriveKey([]byte("different"), salt)
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	if k1 == k3 {
		t.Fatalf("DeriveKey() collided across distinct passwords")
	}
}

func TestDeriveKeyEmptySalt(t *testing.T) {
	if _, err := DeriveKey([]byte("x"), nil); err == nil {
		t.Fatalf("DeriveKey() with empty salt: want error, got nil")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		plain []byte
	}{
		{"empty", []byte{}},
		{"short", []byte("a@b")},
		{"binary", []byte{0x00, 0xff, 0x10, 0x00}},
	}

	key, err := SecretboxKeygen()
	if err != nil {
		t.Fatalf("SecretboxKeygen() error = %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var nonce [NonceSize]byte
			copy(nonce[:], bytes.Repeat([]byte{0x07}, NonceSize))

			boxed := Encrypt(tt.plain, &nonce, &key)
			if len(boxed) != len(tt.plain)+MACSize {
				t.Fatalf("Encrypt() len = %d, want %d", len(boxed), len(tt.plain)+MACSize)
			}

			plain, err := Decrypt(boxed, &nonce, &key)
			if err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if !bytes.Equal(plain, tt.plain) {
				t.Fatalf("Decrypt() = %x, want %x", plain, tt.plain)
			}
		})
	}
}

func TestDecryptTamperedFails(t *testing.T) {
	key, _ := SecretboxKeygen()
	var nonce [NonceSize]byte
	boxed := Encrypt([]byte("secret"), &nonce, &key)
	boxed[0] ^= 0xff

	if _, err := Decrypt(boxed, &nonce, &key); err == nil {
		t.Fatalf("Decrypt() of tampered box: want error, got nil")
	}
}

func TestKeyedHashDeterministicAndKeyed(t *testing.T) {
	data := []byte("the quick brown fox")
	key1 := bytes.Repeat([]byte{0x01}, KeySize)
	key2 := bytes.Repeat([]byte{0x02}, KeySize)

	h1, err := KeyedHash(data, key1)
	if err != nil {
		t.Fatalf("KeyedHash() error = %v", err)
	}
	h1again, err := KeyedHash(data, key1)
	if err != nil {
		t.Fatalf("KeyedHash() error = %v", err)
	}
	if h1 != h1again {
		t.Fatalf("KeyedHash() not deterministic")
	}

	h2, err := KeyedHash(data, key2)
	if err != nil {
		t.Fatalf("KeyedHash() error = %v", err)
	}
	if h1 == h2 {
		t.Fatalf("KeyedHash() ignored the key")
	}
}

func TestIncrementalHashMatchesOneShot(t *testing.T) {
	key := bytes.Repeat([]byte{0x09}, KeySize)
	data := bytes.Repeat([]byte("chunk-"), 500)

	oneShot, err := KeyedHash(data, key)
	if err != nil {
		t.Fatalf("KeyedHash() error = %v", err)
	}

	inc, err := NewIncrementalHash(key)
	if err != nil {
		t.Fatalf("NewIncrementalHash() error = %v", err)
	}
	for i := 0; i < len(data); i += 1024 {
		end := i + 1024
		if end > len(data) {
			end = len(data)
		}
		inc.Write(data[i:end])
	}

	if got := inc.Sum(); got != oneShot {
		t.Fatalf("IncrementalHash.Sum() = %x, want %x", got, oneShot)
	}
}

func TestRandomDistinctAndSized(t *testing.T) {
	a, err := Random(32)
	if err != nil {
		t.Fatalf("Random() error = %v", err)
	}
	b, err := Random(32)
	if err != nil {
		t.Fatalf("Random() error = %v", err)
	}
	if len(a) != 32 || len(b) != 32 {
		t.Fatalf("Random() wrong length")
	}
	if bytes.Equal(a, b) {
		t.Fatalf("Random() produced identical output twice")
	}
}
