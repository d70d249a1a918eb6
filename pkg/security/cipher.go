// Package security implements the record store's encryption-at-rest:
// an authenticated cipher (AES-256-GCM) whose key is derived
// deterministically from a per-node seed, so a restarted node can
// decrypt its own records but a disk image copied to a different
// identity cannot (spec.md §4.1). Encryption itself is not
// deterministic: each Encrypt call draws a fresh random nonce, so the
// same plaintext encrypts to a different ciphertext every time.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
)

// SeedSize is the width of the seed taken from the node's peer identity
// (the first 16 bytes of its byte encoding, per spec.md §4.1).
const SeedSize = 16

// RecordCipher encrypts and decrypts record payloads with AES-256-GCM,
// keyed by a 32-byte key derived from the node's identity seed.
type RecordCipher struct {
	key []byte // 32 bytes, AES-256
}

// NewRecordCipher derives a 32-byte AES-256 key from a 16-byte identity
// seed via SHA-256 and returns a cipher bound to it. The same seed always
// derives the same key, so records written before a restart remain
// readable; a different node's seed derives an unrelated key, so a
// record store directory is not portable between identities.
func NewRecordCipher(seed [SeedSize]byte) *RecordCipher {
	key := sha256.Sum256(seed[:])
	return &RecordCipher{key: key[:]}
}

// NewRecordCipherFromKey builds a cipher directly from a 32-byte key,
// bypassing seed derivation; a key of any other length is rejected.
func NewRecordCipherFromKey(key []byte) (*RecordCipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}
	return &RecordCipher{key: key}, nil
}

// SeedFromIdentity takes the first SeedSize bytes of a peer identity's
// byte encoding. Identities shorter than SeedSize are hashed first so a
// seed is always derivable regardless of the identity's key type.
func SeedFromIdentity(identity []byte) [SeedSize]byte {
	var seed [SeedSize]byte
	if len(identity) >= SeedSize {
		copy(seed[:], identity[:SeedSize])
		return seed
	}
	hash := sha256.Sum256(identity)
	copy(seed[:], hash[:SeedSize])
	return seed
}

// Encrypt encrypts plaintext with AES-256-GCM, prepending the random nonce
// to the returned ciphertext.
func (c *RecordCipher) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt. It fails (and must fail) when the ciphertext
// was sealed under a different key, which is the basis of spec.md §8
// Property 3 (decrypting with a different seed fails).
func (c *RecordCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt record: %w", err)
	}

	return plaintext, nil
}
