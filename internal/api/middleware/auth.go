package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/meshlink-protocol/meshlink/internal/cert"
	"github.com/meshlink-protocol/meshlink/internal/crypto"
	"github.com/meshlink-protocol/meshlink/internal/store"
)

type contextKey string

// EntityContextKey carries the authenticated entity id through the request
// context.
const EntityContextKey contextKey = "entity"

// AuthMiddleware verifies request signatures for authenticated endpoints.
// Clients sign sha256(body)|nonce|timestamp with their certified key; the
// certificate of record comes from the trust store. Failures are reported
// to the remote peer as a generic denial only; the detailed kind goes to
// the log.
type AuthMiddleware struct {
	trust  store.TrustStore
	nonces store.NonceStore
	window time.Duration
	log    zerolog.Logger
	verify func(c *cert.Certificate, now time.Time) (*cert.Info, error)
}

// NewAuthMiddleware creates an auth middleware verifying certificates with
// the given verifier (typically Authority.Verify).
func NewAuthMiddleware(trust store.TrustStore, nonces store.NonceStore, verify func(c *cert.Certificate, now time.Time) (*cert.Info, error), log zerolog.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		trust:  trust,
		nonces: nonces,
		verify: verify,
		window: 30 * time.Second, // Tight window to minimize replay attack surface
		log:    log.With().Str("component", "auth").Logger(),
	}
}

// SignaturePayload creates the canonical data a client signs.
// Format: bodyHash|nonce|timestamp
func SignaturePayload(bodyHash, nonce string, timestamp int64) []byte {
	return []byte(fmt.Sprintf("%s|%s|%d", bodyHash, nonce, timestamp))
}

// RequireAuth verifies ECDSA request signatures.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Extract headers
		entityID := r.Header.Get("X-Mesh-Entity")
		nonce := r.Header.Get("X-Mesh-Nonce")
		timestamp := r.Header.Get("X-Mesh-Timestamp")
		signature := r.Header.Get("X-Mesh-Signature")

		if entityID == "" || nonce == "" || timestamp == "" || signature == "" {
			m.deny(w, "missing auth headers")
			return
		}

		// Parse and validate timestamp
		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil || !m.isTimestampValid(ts) {
			m.deny(w, "timestamp invalid or expired")
			return
		}

		// Validate nonce format (min 24 chars for adequate entropy)
		if len(nonce) < 24 {
			m.deny(w, "nonce too short")
			return
		}

		// Check nonce not reused
		if m.nonces.IsNonceUsed(r.Context(), entityID, nonce) {
			m.deny(w, "nonce already used")
			return
		}

		// Look up the entity's certificate of record
		certificate, err := m.trust.GetCertificate(r.Context(), entityID)
		if err != nil || certificate == nil {
			m.deny(w, "no certificate of record")
			return
		}
		if _, err := m.verify(certificate, time.Now()); err != nil {
			m.deny(w, "certificate verification failed")
			return
		}

		// Read body and compute hash
		body, err := io.ReadAll(r.Body)
		if err != nil {
			m.deny(w, "failed to read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewBuffer(body)) // Reset for handler

		pub, err := certificate.SubjectKey()
		if err != nil {
			m.deny(w, "invalid certified key")
			return
		}

		signedData := SignaturePayload(sha256Hex(body), nonce, ts)
		if err := crypto.Verify(signedData, signature, pub); err != nil {
			m.deny(w, "invalid signature")
			return
		}

		// Mark nonce as used. Fail closed: a nonce that cannot be
		// recorded would let the same request replay once the store
		// recovers.
		if err := m.nonces.MarkNonceUsed(r.Context(), entityID, nonce, 3*time.Minute); err != nil {
			m.log.Error().Err(err).Msg("nonce store write failed")
			m.deny(w, "nonce store unavailable")
			return
		}

		ctx := context.WithValue(r.Context(), EntityContextKey, entityID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// deny logs the detailed reason and sends the generic unauthorized body,
// so the remote peer cannot probe which check failed.
func (m *AuthMiddleware) deny(w http.ResponseWriter, reason string) {
	m.log.Warn().Str("reason", reason).Msg("request authentication failed")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
}

func (m *AuthMiddleware) isTimestampValid(ts int64) bool {
	now := time.Now().UnixMilli()
	windowMs := m.window.Milliseconds()
	// Only accept timestamps from the past (within window), reject future timestamps
	return ts > now-windowMs && ts <= now
}

func sha256Hex(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// EntityFromContext retrieves the authenticated entity id from the request
// context.
func EntityFromContext(ctx context.Context) string {
	id, _ := ctx.Value(EntityContextKey).(string)
	return id
}
