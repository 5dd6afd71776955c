// Package cryptoutil is the vault's pure crypto primitives facade: secret-box
// authenticated encryption, a keyed hash for at-rest integrity, a
// memory-hard password KDF, and CSPRNG bytes. It performs no I/O and holds
// no state beyond what a caller passes in, so every function can be
// exercised directly in tests without a vault file.
package cryptoutil

import (
	"crypto/rand"
	"fmt"

	"github.com/lpassig/vaultengine/internal/vaulterr"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// NonceSize is the secret-box nonce size, in bytes.
	NonceSize = 24
	// KeySize is the secret-box and master-key size, in bytes.
	KeySize = 32
	// MACSize is the secret-box authentication tag size, in bytes.
	MACSize = secretbox.Overhead
	// HashSize is the keyed-hash digest size, in bytes.
	HashSize = 32
)

// argon2id "moderate" cost profile, chosen to match libsodium's
// crypto_pwhash_OPSLIMIT_MODERATE / MEMLIMIT_MODERATE on a modern machine:
// 3 passes over 64 MiB with 4 lanes.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
)

// DeriveKey runs Argon2id over password and salt at the moderate cost
// profile, returning a deterministic 32-byte key suitable as a secret-box
// key. The salt must be random and fixed-size (SALT_SIZE, owned by the
// caller); this function does not generate it.
func DeriveKey(password, salt []byte) ([KeySize]byte, error) {
	var out [KeySize]byte
	if len(salt) == 0 {
		return out, vaulterr.New(vaulterr.CryptoErr, fmt.Errorf("empty salt"))
	}
	derived := argon2.IDKey(password, salt, argonTime, argonMemory, argonThreads, KeySize)
	copy(out[:], derived)
	return out, nil
}

// Encrypt seals plain under key with nonce, returning ciphertext||MAC.
func Encrypt(plain []byte, nonce *[NonceSize]byte, key *[KeySize]byte) []byte {
	return secretbox.Seal(nil, plain, nonce, key)
}

// Decrypt opens a ciphertext||MAC box produced by Encrypt. It returns
// vaulterr.CryptoErr if authentication fails.
func Decrypt(boxed []byte, nonce *[NonceSize]byte, key *[KeySize]byte) ([]byte, error) {
	plain, ok := secretbox.Open(nil, boxed, nonce, key)
	if !ok {
		return nil, vaulterr.New(vaulterr.CryptoErr, fmt.Errorf("secretbox: authentication failed"))
	}
	return plain, nil
}

// KeyedHash returns the 32-byte BLAKE2b digest of data keyed with key. This
// is the Go equivalent of libsodium's crypto_generichash used by the
// original vault format for the per-entry and whole-file MACs.
func KeyedHash(data []byte, key []byte) ([HashSize]byte, error) {
	var out [HashSize]byte
	h, err := blake2b.New256(key)
	if err != nil {
		return out, vaulterr.New(vaulterr.CryptoErr, err)
	}
	h.Write(data)
	copy(out[:], h.Sum(nil))
	return out, nil
}

// IncrementalHash is the streaming form of KeyedHash, used by RehashFile to
// avoid holding the whole file in memory.
type IncrementalHash struct {
	inner interface {
		Write([]byte) (int, error)
		Sum([]byte) []byte
	}
}

// NewIncrementalHash starts a new keyed hash state.
func NewIncrementalHash(key []byte) (*IncrementalHash, error) {
	h, err := blake2b.New256(key)
	if err != nil {
		return nil, vaulterr.New(vaulterr.CryptoErr, err)
	}
	return &IncrementalHash{inner: h}, nil
}

func (h *IncrementalHash) Write(p []byte) {
	h.inner.Write(p)
}

func (h *IncrementalHash) Sum() [HashSize]byte {
	var out [HashSize]byte
	copy(out[:], h.inner.Sum(nil))
	return out
}

// Random returns n cryptographically secure random bytes.
func Random(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, vaulterr.New(vaulterr.CryptoErr, err)
	}
	return buf, nil
}

// SecretboxKeygen returns a fresh random secret-box key.
func SecretboxKeygen() ([KeySize]byte, error) {
	var key [KeySize]byte
	b, err := Random(KeySize)
	if err != nil {
		return key, err
	}
	copy(key[:], b)
	return key, nil
}
