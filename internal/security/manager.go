// Package security implements the per-entity security facade: message
// signing, sender authentication against a trust root, and payload
// encryption over cached ECDH shared secrets.
package security

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meshlink-protocol/meshlink/internal/cert"
	"github.com/meshlink-protocol/meshlink/internal/crypto"
	"github.com/meshlink-protocol/meshlink/internal/models"
)

var (
	ErrUntrustedSender  = errors.New("untrusted sender")
	ErrTamperedMessage  = errors.New("tampered message")
	ErrUnknownPeer      = errors.New("no certificate known for peer")
	ErrMissingSignature = errors.New("message is not signed")
)

// Level selects which protections SecureMessage applies on the outbound
// path. Inbound, protections are verified whenever a message carries
// them; only LevelPinned makes sender authentication mandatory for
// unprotected traffic.
type Level int

const (
	// LevelSigning signs outbound messages.
	LevelSigning Level = 1
	// LevelEncryption signs and encrypts outbound messages.
	LevelEncryption Level = 2
	// LevelPinned additionally rejects any inbound message whose sender
	// certificate cannot be verified, regardless of policy.
	LevelPinned Level = 3
)

// Valid reports whether l is a recognized security level.
func (l Level) Valid() bool {
	return l >= LevelSigning && l <= LevelPinned
}

// Manager is the security facade for one entity. It holds the entity's
// key pair and identity certificate, verifies peers against a trust root,
// and caches peer certificates and derived shared secrets. Secrets are
// invalidated whenever the peer's certificate changes.
type Manager struct {
	entityID  string
	keys      *crypto.KeyPair
	cert      *cert.Certificate
	trustRoot *ecdsa.PublicKey
	level     Level
	log       zerolog.Logger

	mu        sync.Mutex
	peerCerts map[string]*cert.Certificate
	secrets   map[string][]byte
}

// NewManager creates a security manager for an entity. The certificate
// may be nil at LevelSigning when the entity only verifies others.
func NewManager(entityID string, keys *crypto.KeyPair, certificate *cert.Certificate, trustRoot *ecdsa.PublicKey, level Level, log zerolog.Logger) *Manager {
	return &Manager{
		entityID:  entityID,
		keys:      keys,
		cert:      certificate,
		trustRoot: trustRoot,
		level:     level,
		log:       log.With().Str("component", "security").Str("entity", entityID).Logger(),
		peerCerts: make(map[string]*cert.Certificate),
		secrets:   make(map[string][]byte),
	}
}

// NewVerifier creates a manager that authenticates peers against the
// trust root but holds no keys of its own, so it can neither sign nor
// decrypt. The router falls back to one for recipients registered
// without a security manager.
func NewVerifier(trustRoot *ecdsa.PublicKey, log zerolog.Logger) *Manager {
	return NewManager("", nil, nil, trustRoot, LevelSigning, log)
}

// EntityID returns the id of the entity this manager belongs to.
func (m *Manager) EntityID() string { return m.entityID }

// Level returns the configured security level.
func (m *Manager) Level() Level { return m.level }

// Certificate returns the entity's own identity certificate, or nil.
func (m *Manager) Certificate() *cert.Certificate { return m.cert }

// PublicKey returns the entity's public key.
func (m *Manager) PublicKey() *ecdsa.PublicKey { return m.keys.Public() }

// canonicalBytes is the signing bundle: the identity fields plus a hash of
// the content, so tampering with any one of them is detectable without
// verifying the payload twice.
func canonicalBytes(msg models.Message) ([]byte, error) {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	digest := sha256.Sum256(payload)
	bundle := fmt.Sprintf("%s|%s|%s|%s|%.6f",
		msg.Sender, msg.Recipient, msg.Intent, hex.EncodeToString(digest[:]), msg.Timestamp)
	return []byte(bundle), nil
}

// SignMessage returns a copy of the message carrying a signature over its
// canonical identity bundle.
func (m *Manager) SignMessage(msg models.Message) (models.Message, error) {
	data, err := canonicalBytes(msg)
	if err != nil {
		return models.Message{}, err
	}
	sig, err := crypto.Sign(data, m.keys)
	if err != nil {
		return models.Message{}, err
	}
	return msg.WithSignature(sig), nil
}

// Authenticate verifies the sender certificate against the trust root,
// then the message signature against the certified key. Certificate
// problems surface as ErrUntrustedSender (an identity problem); signature
// mismatches as ErrTamperedMessage (corruption or attack). The detailed
// kind is for internal callers and telemetry only; transports must relay
// a generic denial to the remote peer.
func (m *Manager) Authenticate(msg models.Message, senderCert *cert.Certificate) error {
	if senderCert == nil {
		return fmt.Errorf("%w: no certificate presented", ErrUntrustedSender)
	}

	info, err := cert.Verify(senderCert, m.trustRoot, time.Now())
	if err != nil {
		m.log.Warn().Err(err).Str("sender", msg.Sender).Msg("certificate verification failed")
		return fmt.Errorf("%w: %v", ErrUntrustedSender, err)
	}
	if info.EntityID != msg.Sender {
		m.log.Warn().Str("sender", msg.Sender).Str("subject", info.EntityID).Msg("certificate subject mismatch")
		return fmt.Errorf("%w: certificate subject %q does not match sender %q", ErrUntrustedSender, info.EntityID, msg.Sender)
	}

	if msg.Signature == "" {
		return ErrMissingSignature
	}
	senderPub, err := senderCert.SubjectKey()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUntrustedSender, err)
	}
	data, err := canonicalBytes(msg)
	if err != nil {
		return err
	}
	if err := crypto.Verify(data, msg.Signature, senderPub); err != nil {
		m.log.Warn().Str("sender", msg.Sender).Msg("message signature verification failed")
		return fmt.Errorf("%w: signature mismatch", ErrTamperedMessage)
	}

	m.rememberPeer(msg.Sender, senderCert)
	return nil
}

// rememberPeer caches the peer certificate, dropping any derived shared
// secret when the certificate changed since last seen.
func (m *Manager) rememberPeer(peerID string, c *cert.Certificate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.peerCerts[peerID]
	if ok && (prev.SerialNumber != c.SerialNumber || prev.Signature != c.Signature) {
		delete(m.secrets, peerID)
	}
	m.peerCerts[peerID] = c
}

// SetPeerCertificate installs a peer certificate without authenticating a
// message, for use during registration handshakes.
func (m *Manager) SetPeerCertificate(peerID string, c *cert.Certificate) {
	m.rememberPeer(peerID, c)
}

// sharedSecret returns the cached secret for the peer, deriving it from
// the peer's certified key on first use.
func (m *Manager) sharedSecret(peerID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if secret, ok := m.secrets[peerID]; ok {
		return secret, nil
	}
	peerCert, ok := m.peerCerts[peerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	peerPub, err := peerCert.SubjectKey()
	if err != nil {
		return nil, err
	}
	secret, err := crypto.DeriveSharedSecret(m.keys.Private(), peerPub)
	if err != nil {
		return nil, err
	}
	m.secrets[peerID] = secret
	return secret, nil
}

// EncryptContent seals a payload for the peer, returning the base64 wire
// form. The peer's certificate must already be known to this manager.
func (m *Manager) EncryptContent(payload any, peerID string) (string, error) {
	secret, err := m.sharedSecret(peerID)
	if err != nil {
		return "", err
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	sealed, err := crypto.Encrypt(plaintext, secret)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptContent opens a base64 payload sealed by the peer.
func (m *Manager) DecryptContent(encoded, peerID string) (any, error) {
	secret, err := m.sharedSecret(peerID)
	if err != nil {
		return nil, err
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 encoding", crypto.ErrInvalidKey)
	}
	plaintext, err := crypto.Decrypt(sealed, secret)
	if err != nil {
		return nil, err
	}
	var payload any
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return payload, nil
}

// EncryptMessage returns a copy of the message with its payload sealed for
// the recipient.
func (m *Manager) EncryptMessage(msg models.Message) (models.Message, error) {
	sealed, err := m.EncryptContent(msg.Payload, msg.Recipient)
	if err != nil {
		return models.Message{}, err
	}
	msg.Payload = sealed
	msg.Encrypted = true
	return msg, nil
}

// SecureMessage applies the protections the level demands on the outbound
// path: encryption first (level 2 and above), then signing, so receivers
// can authenticate the wire form before any decryption happens.
func (m *Manager) SecureMessage(msg models.Message) (models.Message, error) {
	var err error
	if m.level >= LevelEncryption {
		msg, err = m.EncryptMessage(msg)
		if err != nil {
			return models.Message{}, err
		}
	}
	return m.SignMessage(msg)
}

// DecryptMessage returns a copy of the message with its payload opened.
// Messages not marked encrypted pass through unchanged.
func (m *Manager) DecryptMessage(msg models.Message) (models.Message, error) {
	if !msg.Encrypted {
		return msg, nil
	}
	encoded, ok := msg.Payload.(string)
	if !ok {
		return models.Message{}, fmt.Errorf("%w: encrypted payload is not a string", ErrTamperedMessage)
	}
	payload, err := m.DecryptContent(encoded, msg.Sender)
	if err != nil {
		return models.Message{}, err
	}
	msg.Payload = payload
	msg.Encrypted = false
	return msg, nil
}
