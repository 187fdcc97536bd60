// Package cert implements the certificate authority: issuing and verifying
// identity certificates that bind an entity id to a public key for a
// bounded validity window.
package cert

import (
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/meshlink-protocol/meshlink/internal/crypto"
)

var (
	ErrInvalidPeriod = errors.New("certificate validity period must be positive")
	ErrExpired       = errors.New("certificate expired")
	ErrNotYetValid   = errors.New("certificate not yet valid")
	ErrBadSignature  = errors.New("certificate signature invalid")
	ErrRevoked       = errors.New("certificate revoked")
	ErrMalformed     = errors.New("malformed certificate")
)

const (
	armorHeader = "-----BEGIN MESHLINK CERTIFICATE-----"
	armorFooter = "-----END MESHLINK CERTIFICATE-----"
)

// Certificate binds an entity id to a public key with a validity window,
// signed by an issuing authority. The signature covers every field except
// itself, over the canonical JSON encoding.
type Certificate struct {
	SerialNumber int64  `json:"serial_number"`
	EntityID     string `json:"entity_id"`
	PublicKey    string `json:"public_key"` // base64 PKIX DER
	Issuer       string `json:"issuer"`
	IssuedAt     int64  `json:"issued_at"`    // unix seconds
	ValidUntil   int64  `json:"valid_until"`  // unix seconds
	Signature    string `json:"signature,omitempty"`
}

// Info is the result of a successful verification.
type Info struct {
	EntityID  string
	ExpiresAt time.Time
}

// SubjectKey decodes the subject public key carried by the certificate.
func (c *Certificate) SubjectKey() (*ecdsa.PublicKey, error) {
	return crypto.ParsePublicKey(c.PublicKey)
}

// signingBytes is the canonical encoding covered by the signature.
func (c *Certificate) signingBytes() ([]byte, error) {
	unsigned := *c
	unsigned.Signature = ""
	return json.Marshal(unsigned)
}

// Encode serializes the certificate to its transport-safe armored text
// form: base64 JSON between BEGIN/END markers.
func (c *Certificate) Encode() (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode certificate: %w", err)
	}
	return armorHeader + "\n" + base64.StdEncoding.EncodeToString(raw) + "\n" + armorFooter, nil
}

// Decode parses an armored certificate. The result round-trips losslessly
// through Encode.
func Decode(armored string) (*Certificate, error) {
	trimmed := strings.TrimSpace(armored)
	if !strings.HasPrefix(trimmed, armorHeader) || !strings.HasSuffix(trimmed, armorFooter) {
		return nil, fmt.Errorf("%w: missing armor markers", ErrMalformed)
	}
	body := strings.TrimSpace(trimmed[len(armorHeader) : len(trimmed)-len(armorFooter)])
	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 encoding", ErrMalformed)
	}
	var c Certificate
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if c.EntityID == "" || c.PublicKey == "" {
		return nil, fmt.Errorf("%w: missing entity_id or public_key", ErrMalformed)
	}
	return &c, nil
}

// Verify checks a certificate against a trust root public key at the given
// instant. Signature validity is checked before the time window so a forged
// certificate is never reported as merely expired. The distinct error kinds
// let callers react differently (retry after NotYetValid, reject forever on
// BadSignature).
func Verify(c *Certificate, issuerPub *ecdsa.PublicKey, now time.Time) (*Info, error) {
	if c.Signature == "" {
		return nil, ErrBadSignature
	}
	data, err := c.signingBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := crypto.Verify(data, c.Signature, issuerPub); err != nil {
		return nil, ErrBadSignature
	}

	ts := now.Unix()
	if ts < c.IssuedAt {
		return nil, ErrNotYetValid
	}
	if ts > c.ValidUntil {
		return nil, ErrExpired
	}

	return &Info{EntityID: c.EntityID, ExpiresAt: time.Unix(c.ValidUntil, 0).UTC()}, nil
}

// Authority issues certificates under one named trust root key.
type Authority struct {
	name string
	keys *crypto.KeyPair

	mu      sync.Mutex
	serial  int64
	revoked map[int64]struct{}
}

// NewAuthority creates an authority signing under the given name and key
// pair. The authority's public key is the trust root entities verify
// against.
func NewAuthority(name string, keys *crypto.KeyPair) *Authority {
	return &Authority{
		name:    name,
		keys:    keys,
		revoked: make(map[int64]struct{}),
	}
}

// Name returns the authority's issuer name.
func (a *Authority) Name() string {
	return a.name
}

// TrustRoot returns the public key certificates issued by this authority
// verify against.
func (a *Authority) TrustRoot() *ecdsa.PublicKey {
	return a.keys.Public()
}

// Issue signs a certificate binding the entity id to the public key,
// valid from now for the given period. Fails with ErrInvalidPeriod when
// the period is not positive.
func (a *Authority) Issue(entityID string, pub *ecdsa.PublicKey, validity time.Duration) (*Certificate, error) {
	if validity <= 0 {
		return nil, ErrInvalidPeriod
	}
	if entityID == "" {
		return nil, fmt.Errorf("%w: empty entity id", ErrMalformed)
	}

	encodedPub, err := crypto.MarshalPublicKey(pub)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.serial++
	serial := a.serial
	a.mu.Unlock()

	now := time.Now()
	c := &Certificate{
		SerialNumber: serial,
		EntityID:     entityID,
		PublicKey:    encodedPub,
		Issuer:       a.name,
		IssuedAt:     now.Unix(),
		ValidUntil:   now.Add(validity).Unix(),
	}

	data, err := c.signingBytes()
	if err != nil {
		return nil, fmt.Errorf("encode certificate: %w", err)
	}
	sig, err := crypto.Sign(data, a.keys)
	if err != nil {
		return nil, err
	}
	c.Signature = sig
	return c, nil
}

// SeedSerial advances the serial counter past n, so certificates issued
// after a restart never collide with already persisted serials.
func (a *Authority) SeedSerial(n int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n > a.serial {
		a.serial = n
	}
}

// Revoke marks a serial number as revoked for future verifications
// through this authority.
func (a *Authority) Revoke(serial int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.revoked[serial] = struct{}{}
}

// Verify checks a certificate against this authority's own trust root,
// including its revocation set.
func (a *Authority) Verify(c *Certificate, now time.Time) (*Info, error) {
	a.mu.Lock()
	_, revoked := a.revoked[c.SerialNumber]
	a.mu.Unlock()
	if revoked {
		return nil, ErrRevoked
	}
	return Verify(c, a.TrustRoot(), now)
}
