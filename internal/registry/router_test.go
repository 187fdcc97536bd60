package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/meshlink-protocol/meshlink/internal/cert"
	"github.com/meshlink-protocol/meshlink/internal/conversation"
	"github.com/meshlink-protocol/meshlink/internal/crypto"
	"github.com/meshlink-protocol/meshlink/internal/models"
	"github.com/meshlink-protocol/meshlink/internal/policy"
	"github.com/meshlink-protocol/meshlink/internal/security"
)

type fixture struct {
	authority *cert.Authority
	registry  *Registry
	contexts  *conversation.Manager
	router    *Router
}

func newFixture(t *testing.T, level security.Level) *fixture {
	t.Helper()
	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	reg := NewRegistry(false, zerolog.Nop())
	contexts := conversation.NewManager()
	authority := cert.NewAuthority("test-root", keys)
	verifier := security.NewVerifier(authority.TrustRoot(), zerolog.Nop())
	return &fixture{
		authority: authority,
		registry:  reg,
		contexts:  contexts,
		router:    NewRouter(reg, contexts, level, verifier, zerolog.Nop()),
	}
}

// secured creates an entity with its own key pair, certificate and
// security manager, registered or not as the caller chooses.
func (f *fixture) secured(t *testing.T, id string) (*testEntity, *security.Manager) {
	t.Helper()
	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	c, err := f.authority.Issue(id, keys.Public(), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	sec := security.NewManager(id, keys, c, f.authority.TrustRoot(), f.router.Level(), zerolog.Nop())
	return newTestEntity(id), sec
}

// allowAll installs a policy letting any intent reach the entity.
func (f *fixture) allowAll(id string) {
	p := policy.New(id)
	p.Add(policy.Permission{Resource: "*", Action: "*", Effect: policy.Allow})
	f.router.SetPolicy(p)
}

func TestRouteDeliversAndReturnsResponse(t *testing.T) {
	f := newFixture(t, security.LevelSigning)
	bob := newTestEntity("bob")
	bob.respond = func(msg models.Message, _ *conversation.Context) (*models.Message, error) {
		resp := models.NewResponse(msg, models.IntentResponse, "pong")
		return &resp, nil
	}
	if err := f.registry.Register(bob, nil, nil); err != nil {
		t.Fatal(err)
	}
	f.allowAll("bob")

	msg := models.New("alice", "bob", models.IntentQuery, "ping")
	resp, err := f.router.Route(context.Background(), msg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp == nil || resp.Payload != "pong" {
		t.Fatalf("expected pong response, got %+v", resp)
	}
	if resp.ID != "response-"+msg.ID {
		t.Fatalf("expected derived response id, got %q", resp.ID)
	}
	if len(bob.received()) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(bob.received()))
	}
}

func TestRouteUnknownRecipient(t *testing.T) {
	f := newFixture(t, security.LevelSigning)
	msg := models.New("alice", "ghost", models.IntentQuery, nil)
	msg.ContextID = "conv-1"

	_, err := f.router.Route(context.Background(), msg, nil)
	if !errors.Is(err, ErrUnknownRecipient) {
		t.Fatalf("expected ErrUnknownRecipient, got %v", err)
	}
	// A failed route must leave no trace in the conversation store.
	if _, ok := f.contexts.Get("conv-1"); ok {
		t.Fatal("failed route should not materialize the context")
	}
}

func TestRouteDeniedWithoutPolicy(t *testing.T) {
	f := newFixture(t, security.LevelSigning)
	if err := f.registry.Register(newTestEntity("bob"), nil, nil); err != nil {
		t.Fatal(err)
	}

	msg := models.New("alice", "bob", models.IntentQuery, nil)
	_, err := f.router.Route(context.Background(), msg, nil)
	if !errors.Is(err, ErrPolicyDenied) {
		t.Fatalf("an entity without a policy should accept nothing, got %v", err)
	}
}

func TestRoutePolicyDeny(t *testing.T) {
	f := newFixture(t, security.LevelSigning)
	bob := newTestEntity("bob")
	if err := f.registry.Register(bob, nil, nil); err != nil {
		t.Fatal(err)
	}

	p := policy.New("bob")
	p.Add(policy.Permission{Resource: "entity:bob", Action: "*", Effect: policy.Allow})
	p.Add(policy.Permission{Resource: "entity:bob", Action: "device.shutdown", Effect: policy.Deny})
	f.router.SetPolicy(p)

	if _, err := f.router.Route(context.Background(), models.New("alice", "bob", models.IntentQuery, nil), nil); err != nil {
		t.Fatal(err)
	}
	_, err := f.router.Route(context.Background(), models.New("alice", "bob", "device.shutdown", nil), nil)
	if !errors.Is(err, ErrPolicyDenied) {
		t.Fatalf("expected ErrPolicyDenied, got %v", err)
	}
	if len(bob.received()) != 1 {
		t.Fatalf("denied message should not reach the entity, got %d deliveries", len(bob.received()))
	}
}

func TestRouteExpiredMessage(t *testing.T) {
	f := newFixture(t, security.LevelSigning)
	bob := newTestEntity("bob")
	if err := f.registry.Register(bob, nil, nil); err != nil {
		t.Fatal(err)
	}
	f.allowAll("bob")

	msg := models.New("alice", "bob", models.IntentQuery, nil)
	msg.Timestamp -= 120 // two minutes old
	msg.TTL = 60

	_, err := f.router.Route(context.Background(), msg, nil)
	if !errors.Is(err, ErrMessageExpired) {
		t.Fatalf("expected ErrMessageExpired, got %v", err)
	}
	if len(bob.received()) != 0 {
		t.Fatal("expired message should not be delivered")
	}
}

func TestRouteHandlerFailure(t *testing.T) {
	f := newFixture(t, security.LevelSigning)
	bob := newTestEntity("bob")
	bob.respond = func(models.Message, *conversation.Context) (*models.Message, error) {
		return nil, errors.New("boom")
	}
	if err := f.registry.Register(bob, nil, nil); err != nil {
		t.Fatal(err)
	}
	f.allowAll("bob")

	_, err := f.router.Route(context.Background(), models.New("alice", "bob", models.IntentQuery, nil), nil)
	if !errors.Is(err, ErrHandlerFailed) {
		t.Fatalf("expected ErrHandlerFailed, got %v", err)
	}
}

func TestRouteHandlerFailureDiscardsContext(t *testing.T) {
	f := newFixture(t, security.LevelSigning)
	bob := newTestEntity("bob")
	bob.respond = func(models.Message, *conversation.Context) (*models.Message, error) {
		return nil, errors.New("boom")
	}
	if err := f.registry.Register(bob, nil, nil); err != nil {
		t.Fatal(err)
	}
	f.allowAll("bob")

	msg := models.New("alice", "bob", models.IntentQuery, nil).WithContext("conv-9")
	_, err := f.router.Route(context.Background(), msg, nil)
	if !errors.Is(err, ErrHandlerFailed) {
		t.Fatalf("expected ErrHandlerFailed, got %v", err)
	}
	// The context was materialized for this delivery only; the failed
	// route must not leave it behind empty.
	if _, ok := f.contexts.Get("conv-9"); ok {
		t.Fatal("failed route should not leave an empty context behind")
	}

	// A context that existed before the route is kept.
	prior, _ := f.contexts.GetOrCreate("conv-10")
	prior.Metadata = map[string]any{"topic": "history"}
	msg = models.New("alice", "bob", models.IntentQuery, nil).WithContext("conv-10")
	if _, err := f.router.Route(context.Background(), msg, nil); !errors.Is(err, ErrHandlerFailed) {
		t.Fatalf("expected ErrHandlerFailed, got %v", err)
	}
	if _, ok := f.contexts.Get("conv-10"); !ok {
		t.Fatal("pre-existing context should survive a failed route")
	}
}

func TestRouteRecordsExchangeInContext(t *testing.T) {
	f := newFixture(t, security.LevelSigning)
	bob := newTestEntity("bob")
	bob.respond = func(msg models.Message, _ *conversation.Context) (*models.Message, error) {
		resp := models.NewResponse(msg, models.IntentResponse, "pong")
		return &resp, nil
	}
	if err := f.registry.Register(bob, nil, nil); err != nil {
		t.Fatal(err)
	}
	f.allowAll("bob")

	msg := models.New("alice", "bob", models.IntentQuery, "ping").WithContext("conv-1")
	resp, err := f.router.Route(context.Background(), msg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.ContextID != "conv-1" {
		t.Fatalf("response should inherit the context, got %q", resp.ContextID)
	}

	conv, ok := f.contexts.Get("conv-1")
	if !ok {
		t.Fatal("context should be materialized on demand")
	}
	msgs := conv.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected request and response recorded, got %d", len(msgs))
	}
	if msgs[0].ID != msg.ID || msgs[1].ID != resp.ID {
		t.Fatal("exchange should be recorded request first, response second")
	}
}

func TestRoutePartialDelivery(t *testing.T) {
	f := newFixture(t, security.LevelSigning)
	bob := newTestEntity("bob")
	bob.respond = func(msg models.Message, _ *conversation.Context) (*models.Message, error) {
		// Simulate a context evicted mid-delivery.
		f.contexts.Delete(msg.ContextID)
		resp := models.NewResponse(msg, models.IntentResponse, "done")
		return &resp, nil
	}
	if err := f.registry.Register(bob, nil, nil); err != nil {
		t.Fatal(err)
	}
	f.allowAll("bob")

	msg := models.New("alice", "bob", models.IntentQuery, nil).WithContext("conv-1")
	resp, err := f.router.Route(context.Background(), msg, nil)
	if !errors.Is(err, ErrPartialDelivery) {
		t.Fatalf("expected ErrPartialDelivery, got %v", err)
	}
	if resp == nil || resp.Payload != "done" {
		t.Fatal("the response should still be returned alongside ErrPartialDelivery")
	}
}

func TestRouteAuthenticatesSignedMessage(t *testing.T) {
	f := newFixture(t, security.LevelSigning)
	_, aliceSec := f.secured(t, "alice")
	bob, bobSec := f.secured(t, "bob")
	if err := f.registry.Register(bob, bobSec.Certificate(), bobSec); err != nil {
		t.Fatal(err)
	}
	f.allowAll("bob")

	signed, err := aliceSec.SignMessage(models.New("alice", "bob", models.IntentQuery, "hi"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.router.Route(context.Background(), signed, aliceSec.Certificate()); err != nil {
		t.Fatal(err)
	}

	// The same message with a modified payload must be rejected.
	tampered := signed
	tampered.Payload = "evil"
	_, err = f.router.Route(context.Background(), tampered, aliceSec.Certificate())
	if !errors.Is(err, security.ErrTamperedMessage) {
		t.Fatalf("expected ErrTamperedMessage, got %v", err)
	}
}

// Below level 3 protections are verified when a message carries them but
// are not demanded of plain traffic; the transport's request signatures
// cover authenticity there.
func TestRouteUnprotectedBelowPinned(t *testing.T) {
	f := newFixture(t, security.LevelEncryption)
	bob := newTestEntity("bob")
	if err := f.registry.Register(bob, nil, nil); err != nil {
		t.Fatal(err)
	}
	f.allowAll("bob")

	msg := models.New("alice", "bob", models.IntentQuery, "hi")
	if _, err := f.router.Route(context.Background(), msg, nil); err != nil {
		t.Fatal(err)
	}
	if len(bob.received()) != 1 {
		t.Fatal("plain message should be delivered below level 3")
	}
}

// Mailbox-style entities register with a certificate but no security
// manager; the router's verify-only fallback still authenticates traffic
// addressed to them.
func TestRouteSignedMessageToManagerlessRecipient(t *testing.T) {
	f := newFixture(t, security.LevelPinned)
	_, aliceSec := f.secured(t, "alice")
	bob, bobSec := f.secured(t, "bob")
	if err := f.registry.Register(bob, bobSec.Certificate(), nil); err != nil {
		t.Fatal(err)
	}
	f.allowAll("bob")

	signed, err := aliceSec.SignMessage(models.New("alice", "bob", models.IntentQuery, "hi"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.router.Route(context.Background(), signed, aliceSec.Certificate()); err != nil {
		t.Fatal(err)
	}
	if len(bob.received()) != 1 {
		t.Fatal("signed message should reach a recipient without a manager")
	}

	tampered := signed
	tampered.Payload = "evil"
	_, err = f.router.Route(context.Background(), tampered, aliceSec.Certificate())
	if !errors.Is(err, security.ErrTamperedMessage) {
		t.Fatalf("expected ErrTamperedMessage, got %v", err)
	}
}

// Without the recipient's keys the router cannot open an encrypted
// payload; it authenticates the wire form and delivers it still sealed
// for the far end to decrypt.
func TestRouteEncryptedPayloadStaysSealed(t *testing.T) {
	f := newFixture(t, security.LevelEncryption)
	_, aliceSec := f.secured(t, "alice")
	bob, bobSec := f.secured(t, "bob")
	aliceSec.SetPeerCertificate("bob", bobSec.Certificate())
	if err := f.registry.Register(bob, bobSec.Certificate(), nil); err != nil {
		t.Fatal(err)
	}
	f.allowAll("bob")

	secured, err := aliceSec.SecureMessage(models.New("alice", "bob", models.IntentQuery, map[string]any{"q": "state"}))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.router.Route(context.Background(), secured, aliceSec.Certificate()); err != nil {
		t.Fatal(err)
	}

	got := bob.received()
	if len(got) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(got))
	}
	if !got[0].Encrypted {
		t.Fatal("payload should be delivered still sealed")
	}
	if _, ok := got[0].Payload.(string); !ok {
		t.Fatalf("sealed payload should stay in wire form, got %T", got[0].Payload)
	}
}

func TestRouteLevelThreeRequiresCertificate(t *testing.T) {
	f := newFixture(t, security.LevelPinned)
	bob, bobSec := f.secured(t, "bob")
	if err := f.registry.Register(bob, bobSec.Certificate(), bobSec); err != nil {
		t.Fatal(err)
	}
	f.allowAll("bob")

	// Unsigned, certificate-less traffic is rejected before policy.
	msg := models.New("alice", "bob", models.IntentQuery, nil)
	_, err := f.router.Route(context.Background(), msg, nil)
	if !errors.Is(err, security.ErrUntrustedSender) {
		t.Fatalf("expected ErrUntrustedSender, got %v", err)
	}
	if len(bob.received()) != 0 {
		t.Fatal("unauthenticated message should not be delivered at level 3")
	}
}

func TestBroadcastFanOut(t *testing.T) {
	f := newFixture(t, security.LevelSigning)
	var receivers []*testEntity
	for _, id := range []string{"bob", "carol", "dave"} {
		e := newTestEntity(id)
		receivers = append(receivers, e)
		if err := f.registry.Register(e, nil, nil); err != nil {
			t.Fatal(err)
		}
		f.allowAll(id)
	}
	alice := newTestEntity("alice")
	if err := f.registry.Register(alice, nil, nil); err != nil {
		t.Fatal(err)
	}
	f.allowAll("alice")

	msg := models.New("alice", models.Broadcast, models.IntentStatusRequest, nil)
	resp, err := f.router.Route(context.Background(), msg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp != nil {
		t.Fatal("broadcast should not return a response")
	}

	for _, e := range receivers {
		got := e.received()
		if len(got) != 1 {
			t.Fatalf("%s expected 1 delivery, got %d", e.ID(), len(got))
		}
		if got[0].Recipient != e.ID() {
			t.Fatalf("fan-out copy should be readdressed, got %q", got[0].Recipient)
		}
	}
	if len(alice.received()) != 0 {
		t.Fatal("sender should not receive its own broadcast")
	}
}

func TestBroadcastSurvivesPerEntityFailure(t *testing.T) {
	f := newFixture(t, security.LevelSigning)
	failing := newTestEntity("failing")
	failing.respond = func(models.Message, *conversation.Context) (*models.Message, error) {
		return nil, errors.New("boom")
	}
	ok := newTestEntity("ok")
	for _, e := range []*testEntity{failing, ok} {
		if err := f.registry.Register(e, nil, nil); err != nil {
			t.Fatal(err)
		}
		f.allowAll(e.ID())
	}

	msg := models.New("alice", models.Broadcast, models.IntentStatusRequest, nil)
	if _, err := f.router.Route(context.Background(), msg, nil); err != nil {
		t.Fatalf("broadcast should not fail on one entity, got %v", err)
	}
	if len(ok.received()) != 1 {
		t.Fatal("healthy entity should still receive the broadcast")
	}
}

// TestSecureConversation walks a full exchange at security level 2: the
// sender encrypts and signs, the router authenticates the wire form,
// decrypts for the recipient and records both directions.
func TestSecureConversation(t *testing.T) {
	f := newFixture(t, security.LevelEncryption)
	_, aliceSec := f.secured(t, "alice")
	bob, bobSec := f.secured(t, "bob")

	aliceSec.SetPeerCertificate("bob", bobSec.Certificate())
	bobSec.SetPeerCertificate("alice", aliceSec.Certificate())

	bob.respond = func(msg models.Message, _ *conversation.Context) (*models.Message, error) {
		resp := models.NewResponse(msg, models.IntentResponse, map[string]any{"status": "armed"})
		return &resp, nil
	}
	if err := f.registry.Register(bob, bobSec.Certificate(), bobSec); err != nil {
		t.Fatal(err)
	}

	p := policy.New("bob")
	p.Add(policy.Permission{Resource: "entity:bob", Action: "status.request", Effect: policy.Allow})
	f.router.SetPolicy(p)

	plain := models.New("alice", "bob", models.IntentStatusRequest, map[string]any{"detail": "full"}).WithContext("conv-1")
	secured, err := aliceSec.SecureMessage(plain)
	if err != nil {
		t.Fatal(err)
	}
	if !secured.Encrypted {
		t.Fatal("level 2 outbound message should be encrypted")
	}

	resp, err := f.router.Route(context.Background(), secured, aliceSec.Certificate())
	if err != nil {
		t.Fatal(err)
	}

	// Bob sees the decrypted payload, not the wire form.
	got := bob.received()
	if len(got) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(got))
	}
	payload, ok := got[0].Payload.(map[string]any)
	if !ok || payload["detail"] != "full" {
		t.Fatalf("recipient should see plaintext, got %v", got[0].Payload)
	}
	if got[0].Encrypted {
		t.Fatal("delivered message should not stay marked encrypted")
	}

	if resp == nil {
		t.Fatal("expected a response")
	}
	status := resp.Payload.(map[string]any)
	if status["status"] != "armed" {
		t.Fatalf("unexpected response payload %v", resp.Payload)
	}

	conv, ok := f.contexts.Get("conv-1")
	if !ok || conv.Len() != 2 {
		t.Fatal("exchange should be recorded in the conversation")
	}
}
