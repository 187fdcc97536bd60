// Package crypto implements the cryptographic primitives of the protocol:
// ECDH key agreement on P-384, HKDF-SHA384 key derivation, AES-256-GCM
// payload encryption and ECDSA signatures.
package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidKey           = errors.New("invalid key")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrInvalidSignature     = errors.New("invalid signature")
)

// hkdfInfo binds derived keys to this protocol version.
const hkdfInfo = "meshlink-ecdh-v1"

// sharedKeySize is 32 bytes for AES-256.
const sharedKeySize = 32

// KeyPair holds a P-384 key pair. The same key is used for ECDH key
// agreement and ECDSA signing, matching the protocol's single-identity-key
// model. The private half must never leave the owning entity.
type KeyPair struct {
	private *ecdsa.PrivateKey
}

// GenerateKeyPair produces a fresh P-384 key pair from the system's
// cryptographically secure random source.
func GenerateKeyPair() (*KeyPair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate P-384 key: %w", err)
	}
	return &KeyPair{private: key}, nil
}

// Public returns the public half of the key pair.
func (kp *KeyPair) Public() *ecdsa.PublicKey {
	return &kp.private.PublicKey
}

// Private returns the private half of the key pair.
func (kp *KeyPair) Private() *ecdsa.PrivateKey {
	return kp.private
}

// DeriveSharedSecret performs ECDH between a private key and a peer public
// key and expands the raw shared point through HKDF-SHA384 into a 32-byte
// AES-256 key. Returns ErrInvalidKey if the peer key is not a valid point
// on the curve.
func DeriveSharedSecret(private *ecdsa.PrivateKey, peer *ecdsa.PublicKey) ([]byte, error) {
	ecdhPriv, err := private.ECDH()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	ecdhPeer, err := peer.ECDH()
	if err != nil {
		return nil, fmt.Errorf("%w: peer key is not on the curve", ErrInvalidKey)
	}

	secret, err := ecdhPriv.ECDH(ecdhPeer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	reader := hkdf.New(sha512.New384, secret, nil, []byte(hkdfInfo))
	key := make([]byte, sharedKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive shared key: %w", err)
	}
	return key, nil
}

// MarshalPublicKey encodes a public key as base64 PKIX DER, safe to embed
// in JSON payloads and certificates.
func MarshalPublicKey(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("encode public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// ParsePublicKey decodes a base64 PKIX DER public key. Returns
// ErrInvalidKey for anything that is not a P-384 ECDSA key.
func ParsePublicKey(encoded string) (*ecdsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 encoding", ErrInvalidKey)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an ECDSA key", ErrInvalidKey)
	}
	if pub.Curve != elliptic.P384() {
		return nil, fmt.Errorf("%w: expected P-384, got %s", ErrInvalidKey, pub.Curve.Params().Name)
	}
	return pub, nil
}

// MarshalPrivateKey encodes a private key as base64 PKCS#8 DER for key
// files. Callers must never log or transmit the result.
func MarshalPrivateKey(kp *KeyPair) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(kp.private)
	if err != nil {
		return "", fmt.Errorf("encode private key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// ParsePrivateKey decodes a base64 PKCS#8 DER private key.
func ParsePrivateKey(encoded string) (*KeyPair, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 encoding", ErrInvalidKey)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an ECDSA key", ErrInvalidKey)
	}
	if key.Curve != elliptic.P384() {
		return nil, fmt.Errorf("%w: expected P-384, got %s", ErrInvalidKey, key.Curve.Params().Name)
	}
	return &KeyPair{private: key}, nil
}
