// Package rowcrypt implements row-level encryption with per-row data
// encryption keys under KMS envelope encryption, tenant-scoped decrypt
// authorization, and a store layer with bulk key rotation.
package rowcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

// KMS is the envelope-encryption primitive the row layer depends on.
// The production KMS is process-external; LocalKMS backs tests and
// single-node deployments.
type KMS interface {
	// GenerateDataKey mints a fresh DEK, returning the plaintext key
	// and its wrapped form.
	GenerateDataKey() (plaintext, wrapped []byte, err error)

	// UnwrapDataKey recovers the plaintext DEK from its wrapped form.
	UnwrapDataKey(wrapped []byte) ([]byte, error)

	// Encrypt seals plaintext under the wrapped DEK, binding aad.
	Encrypt(wrapped, plaintext, aad []byte) (nonce, ciphertext []byte, err error)

	// Decrypt opens a ciphertext sealed by Encrypt.
	Decrypt(wrapped, nonce, ciphertext, aad []byte) ([]byte, error)
}

// ─── Local KMS ──────────────────────────────────────────────────────────────

// LocalKMS wraps DEKs under an in-process AES-256-GCM master key.
type LocalKMS struct {
	master cipher.AEAD
}

// NewLocalKMS creates a KMS from a 32-byte master key.
func NewLocalKMS(masterKey []byte) (*LocalKMS, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(masterKey))
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &LocalKMS{master: aead}, nil
}

// NewLocalKMSRandom creates a KMS with a random master key.
func NewLocalKMSRandom() (*LocalKMS, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return NewLocalKMS(key)
}

// GenerateDataKey implements KMS.
func (k *LocalKMS) GenerateDataKey() ([]byte, []byte, error) {
	dek := make([]byte, 32)
	if _, err := rand.Read(dek); err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, k.master.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	wrapped := append(append([]byte(nil), nonce...), k.master.Seal(nil, nonce, dek, nil)...)
	return dek, wrapped, nil
}

// UnwrapDataKey implements KMS.
func (k *LocalKMS) UnwrapDataKey(wrapped []byte) ([]byte, error) {
	ns := k.master.NonceSize()
	if len(wrapped) < ns {
		return nil, fmt.Errorf("wrapped DEK too short")
	}
	return k.master.Open(nil, wrapped[:ns], wrapped[ns:], nil)
}

// Encrypt implements KMS.
func (k *LocalKMS) Encrypt(wrapped, plaintext, aad []byte) ([]byte, []byte, error) {
	aead, err := k.dekAEAD(wrapped)
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return nonce, aead.Seal(nil, nonce, plaintext, aad), nil
}

// Decrypt implements KMS.
func (k *LocalKMS) Decrypt(wrapped, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := k.dekAEAD(wrapped)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, aad)
}

func (k *LocalKMS) dekAEAD(wrapped []byte) (cipher.AEAD, error) {
	dek, err := k.UnwrapDataKey(wrapped)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
