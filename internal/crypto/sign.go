package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
)

// Sign produces an ASN.1 ECDSA signature over the SHA-384 digest of data,
// returned base64-encoded for embedding in wire messages.
func Sign(data []byte, kp *KeyPair) (string, error) {
	digest := sha512.Sum384(data)
	sig, err := ecdsa.SignASN1(rand.Reader, kp.private, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a base64 ECDSA signature over the SHA-384 digest of data.
func Verify(data []byte, signatureB64 string, pub *ecdsa.PublicKey) error {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("%w: invalid base64 encoding", ErrInvalidSignature)
	}
	digest := sha512.Sum384(data)
	if !ecdsa.VerifyASN1(pub, digest[:], sig) {
		return ErrInvalidSignature
	}
	return nil
}
