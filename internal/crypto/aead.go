package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

const (
	nonceSize = 12
	tagSize   = 16
)

// Encrypt seals plaintext with AES-256-GCM under a derived shared key.
// A fresh random nonce is generated per call and prepended to the output.
// Wire format: nonce[12] + ciphertext[N+16].
func Encrypt(plaintext, key []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, nonceSize+len(plaintext)+tagSize)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// Decrypt opens a nonce-prefixed AES-256-GCM ciphertext. A tag mismatch
// yields ErrAuthenticationFailed, distinct from every other failure, so
// callers never act on partially decrypted data.
func Decrypt(ciphertext, key []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < nonceSize+tagSize {
		return nil, fmt.Errorf("ciphertext too short: %d bytes, minimum %d", len(ciphertext), nonceSize+tagSize)
	}

	nonce := ciphertext[:nonceSize]
	plaintext, err := aead.Open(nil, nonce, ciphertext[nonceSize:], nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != sharedKeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrInvalidKey, sharedKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return cipher.NewGCM(block)
}
