package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/meshlink-protocol/meshlink/internal/cert"
	"github.com/meshlink-protocol/meshlink/internal/crypto"
	"github.com/meshlink-protocol/meshlink/internal/policy"
	"github.com/meshlink-protocol/meshlink/internal/store"
)

// stubTrust serves certificates from memory for middleware tests.
type stubTrust struct {
	certs map[string]*cert.Certificate
}

func (s *stubTrust) Close() {}

func (s *stubTrust) Ping(context.Context) error { return nil }

func (s *stubTrust) SaveCertificate(_ context.Context, c *cert.Certificate) error {
	s.certs[c.EntityID] = c
	return nil
}

func (s *stubTrust) GetCertificate(_ context.Context, entityID string) (*cert.Certificate, error) {
	return s.certs[entityID], nil
}

func (s *stubTrust) RevokeCertificate(context.Context, int64) error { return nil }

func (s *stubTrust) IsRevoked(context.Context, int64) (bool, error) { return false, nil }

func (s *stubTrust) ListRevocations(context.Context) ([]int64, error) { return nil, nil }

func (s *stubTrust) CountCertificates(context.Context) (int64, error) { return 0, nil }

func (s *stubTrust) MaxSerial(context.Context) (int64, error) { return 0, nil }

func (s *stubTrust) SavePolicy(context.Context, *policy.Policy) error { return nil }

func (s *stubTrust) GetPolicy(context.Context, string) (*policy.Policy, error) { return nil, nil }

func (s *stubTrust) ListPolicies(context.Context) ([]*policy.Policy, error) { return nil, nil }

// failingNonceStore accepts reads but refuses writes, simulating a nonce
// backend that is down while the rest of the pipeline works.
type failingNonceStore struct {
	*store.MemoryNonceStore
}

func (failingNonceStore) MarkNonceUsed(context.Context, string, string, time.Duration) error {
	return errors.New("nonce backend down")
}

type authFixture struct {
	keys      *crypto.KeyPair
	auth      *AuthMiddleware
	protected http.Handler
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	return newAuthFixtureWith(t, store.NewMemoryNonceStore())
}

func newAuthFixtureWith(t *testing.T, nonces store.NonceStore) *authFixture {
	t.Helper()
	issuerKeys, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	authority := cert.NewAuthority("test-root", issuerKeys)

	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	c, err := authority.Issue("alice", keys.Public(), time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	trust := &stubTrust{certs: map[string]*cert.Certificate{"alice": c}}
	auth := NewAuthMiddleware(trust, nonces, authority.Verify, zerolog.Nop())

	protected := auth.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if EntityFromContext(r.Context()) != "alice" {
			http.Error(w, "wrong entity", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	return &authFixture{keys: keys, auth: auth, protected: protected}
}

func (f *authFixture) signedRequest(t *testing.T, body []byte, nonce string) *http.Request {
	t.Helper()
	ts := time.Now().UnixMilli()
	sig, err := crypto.Sign(SignaturePayload(sha256Hex(body), nonce, ts), f.keys)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/send", bytes.NewReader(body))
	req.Header.Set("X-Mesh-Entity", "alice")
	req.Header.Set("X-Mesh-Nonce", nonce)
	req.Header.Set("X-Mesh-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Mesh-Signature", sig)
	return req
}

func TestRequireAuthAccepts(t *testing.T) {
	f := newAuthFixture(t)
	req := f.signedRequest(t, []byte(`{"hello":"world"}`), "nonce-0000000000000000000001")

	rec := httptest.NewRecorder()
	f.protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRequireAuthRejectsReplay(t *testing.T) {
	f := newAuthFixture(t)
	body := []byte(`{}`)
	nonce := "nonce-0000000000000000000002"

	rec := httptest.NewRecorder()
	f.protected.ServeHTTP(rec, f.signedRequest(t, body, nonce))
	if rec.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	f.protected.ServeHTTP(rec, f.signedRequest(t, body, nonce))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("replayed nonce should be rejected, got %d", rec.Code)
	}
}

// A nonce that cannot be recorded must deny the request: letting it
// through would allow the same signature to replay once the store
// recovers within the auth window.
func TestRequireAuthFailsClosedOnNonceStoreError(t *testing.T) {
	f := newAuthFixtureWith(t, failingNonceStore{store.NewMemoryNonceStore()})
	req := f.signedRequest(t, []byte(`{}`), "nonce-0000000000000000000009")

	rec := httptest.NewRecorder()
	f.protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 when the nonce store is down, got %d", rec.Code)
	}
}

func TestRequireAuthRejectsTamperedBody(t *testing.T) {
	f := newAuthFixture(t)
	req := f.signedRequest(t, []byte(`{"amount":1}`), "nonce-0000000000000000000003")
	req.Body = httptest.NewRequest(http.MethodPost, "/send", bytes.NewReader([]byte(`{"amount":9999}`))).Body

	rec := httptest.NewRecorder()
	f.protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("tampered body should be rejected, got %d", rec.Code)
	}
}

func TestRequireAuthRejectsMissingHeaders(t *testing.T) {
	f := newAuthFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/send", bytes.NewReader([]byte(`{}`)))

	rec := httptest.NewRecorder()
	f.protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing headers should be rejected, got %d", rec.Code)
	}
}

func TestRequireAuthRejectsShortNonce(t *testing.T) {
	f := newAuthFixture(t)
	req := f.signedRequest(t, []byte(`{}`), "short")

	rec := httptest.NewRecorder()
	f.protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("short nonce should be rejected, got %d", rec.Code)
	}
}

func TestRequireAuthRejectsFutureTimestamp(t *testing.T) {
	f := newAuthFixture(t)
	body := []byte(`{}`)
	nonce := "nonce-0000000000000000000004"
	ts := time.Now().Add(time.Minute).UnixMilli()
	sig, err := crypto.Sign(SignaturePayload(sha256Hex(body), nonce, ts), f.keys)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/send", bytes.NewReader(body))
	req.Header.Set("X-Mesh-Entity", "alice")
	req.Header.Set("X-Mesh-Nonce", nonce)
	req.Header.Set("X-Mesh-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Mesh-Signature", sig)

	rec := httptest.NewRecorder()
	f.protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("future timestamp should be rejected, got %d", rec.Code)
	}
}

func TestRequireAuthRejectsUnknownEntity(t *testing.T) {
	f := newAuthFixture(t)
	req := f.signedRequest(t, []byte(`{}`), "nonce-0000000000000000000005")
	req.Header.Set("X-Mesh-Entity", "stranger")

	rec := httptest.NewRecorder()
	f.protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unknown entity should be rejected, got %d", rec.Code)
	}
}
