package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meshlink-protocol/meshlink/internal/cert"
	"github.com/meshlink-protocol/meshlink/internal/conversation"
	"github.com/meshlink-protocol/meshlink/internal/metrics"
	"github.com/meshlink-protocol/meshlink/internal/models"
	"github.com/meshlink-protocol/meshlink/internal/policy"
	"github.com/meshlink-protocol/meshlink/internal/security"
)

var (
	ErrUnknownRecipient = errors.New("unknown recipient")
	ErrPolicyDenied     = errors.New("denied by policy")
	ErrPartialDelivery  = errors.New("partial delivery: handler executed but context append failed")
	ErrMessageExpired   = errors.New("message expired")
	ErrHandlerFailed    = errors.New("handler failed")
)

// Router drives the delivery pipeline: resolve the recipient, authenticate
// and decrypt through the recipient's security manager, authorize through
// the recipient's policy, deliver, then record both directions in the
// conversation context. It holds no lock while the handler runs, so a slow
// entity never blocks unrelated traffic.
type Router struct {
	registry *Registry
	contexts *conversation.Manager
	level    security.Level
	verifier *security.Manager
	log      zerolog.Logger

	mu       sync.RWMutex
	policies map[string]*policy.Policy
}

// NewRouter creates a router over a registry and a context store,
// enforcing the given security level on every route. The verifier
// authenticates traffic addressed to entities that registered without a
// security manager of their own; it may be nil, in which case such
// entities can only receive unprotected messages.
func NewRouter(reg *Registry, contexts *conversation.Manager, level security.Level, verifier *security.Manager, log zerolog.Logger) *Router {
	return &Router{
		registry: reg,
		contexts: contexts,
		level:    level,
		verifier: verifier,
		log:      log.With().Str("component", "router").Logger(),
		policies: make(map[string]*policy.Policy),
	}
}

// SetPolicy installs the policy governing deliveries to an entity,
// replacing any previous one.
func (rt *Router) SetPolicy(p *policy.Policy) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.policies[p.EntityID()] = p
}

// Policy returns the policy governing deliveries to an entity.
func (rt *Router) Policy(entityID string) (*policy.Policy, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	p, ok := rt.policies[entityID]
	return p, ok
}

// Level returns the security level the router enforces.
func (rt *Router) Level() security.Level {
	return rt.level
}

// Route delivers one message. On success it returns the recipient's
// optional response; the caller is responsible for routing a non-nil
// response in turn, the router never chains recursively. The sender
// certificate is required whenever the message is signed or encrypted,
// and always at security level 3.
func (rt *Router) Route(ctx context.Context, msg models.Message, senderCert *cert.Certificate) (*models.Message, error) {
	if msg.Expired(time.Now()) {
		metrics.MessagesRouted.WithLabelValues("expired").Inc()
		return nil, fmt.Errorf("%w: %s", ErrMessageExpired, msg.ID)
	}

	if msg.IsBroadcast() {
		return nil, rt.broadcast(ctx, msg, senderCert)
	}
	return rt.routeOne(ctx, msg, senderCert)
}

func (rt *Router) routeOne(ctx context.Context, msg models.Message, senderCert *cert.Certificate) (*models.Message, error) {
	// Step 1: resolve the recipient.
	en, ok := rt.registry.resolve(msg.Recipient)
	if !ok {
		metrics.MessagesRouted.WithLabelValues("unknown_recipient").Inc()
		return nil, fmt.Errorf("%w: %s", ErrUnknownRecipient, msg.Recipient)
	}

	// Step 2: authenticate and decrypt. Protections are verified
	// whenever the message carries them; at level 3 a sender without a
	// verifiable certificate is rejected even if policy would allow.
	var err error
	msg, err = rt.secure(msg, en, senderCert)
	if err != nil {
		return nil, err
	}

	// Step 3: authorize. The recipient's policy owns the decision;
	// an entity without a policy accepts nothing.
	if !rt.authorized(msg) {
		metrics.MessagesRouted.WithLabelValues("denied").Inc()
		metrics.PolicyDenials.Inc()
		rt.log.Warn().
			Str("sender", msg.Sender).
			Str("recipient", msg.Recipient).
			Str("intent", msg.Intent).
			Msg("message denied by policy")
		return nil, fmt.Errorf("%w: %s may not send %q to %s", ErrPolicyDenied, msg.Sender, msg.Intent, msg.Recipient)
	}

	// Step 4: deliver. The context is materialized on demand and no
	// registry or context lock is held while the handler runs. Once
	// delivery begins it runs to completion or failure.
	var conv *conversation.Context
	var created bool
	if msg.ContextID != "" {
		conv, created = rt.contexts.GetOrCreate(msg.ContextID)
	}

	start := time.Now()
	response, err := en.entity.Process(ctx, msg, conv)
	metrics.HandlerDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		// A failed route leaves no trace: a context materialized for
		// this delivery is discarded again unless something was
		// appended to it in the meantime.
		if created {
			rt.contexts.DeleteIfEmpty(msg.ContextID)
		}
		metrics.MessagesRouted.WithLabelValues("handler_error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrHandlerFailed, err)
	}

	// Step 5: record both directions. The handler's side effects are
	// not rolled back on append failure; the caller learns about the
	// gap through ErrPartialDelivery instead of silence.
	if msg.ContextID != "" {
		if response != nil && response.ContextID == "" {
			response.ContextID = msg.ContextID
		}
		if appendErr := rt.appendExchange(msg, response); appendErr != nil {
			metrics.MessagesRouted.WithLabelValues("partial").Inc()
			return response, fmt.Errorf("%w: %v", ErrPartialDelivery, appendErr)
		}
	}

	metrics.MessagesRouted.WithLabelValues("delivered").Inc()
	rt.log.Debug().
		Str("id", msg.ID).
		Str("sender", msg.Sender).
		Str("recipient", msg.Recipient).
		Str("intent", msg.Intent).
		Bool("response", response != nil).
		Msg("message delivered")

	// Step 6: hand the response back for the caller to route in turn.
	return response, nil
}

// secure runs authentication and decryption for one delivery according to
// the enforced level. Error kinds from the security layer propagate so
// internal callers can distinguish identity problems from tampering; the
// transport maps them all to a generic denial for the remote peer.
func (rt *Router) secure(msg models.Message, en *entry, senderCert *cert.Certificate) (models.Message, error) {
	// Protections are verified whenever present; at level 3 they are
	// mandatory: a sender whose certificate cannot be verified is
	// rejected before policy is even consulted.
	needsAuth := msg.Signature != "" || msg.Encrypted || rt.level >= security.LevelPinned
	if needsAuth {
		sec := en.sec
		if sec == nil {
			// Entities registered without a manager, such as remote
			// mailboxes, are covered by the router's verify-only
			// fallback.
			sec = rt.verifier
		}
		if sec == nil {
			metrics.MessagesRouted.WithLabelValues("auth_failed").Inc()
			return models.Message{}, fmt.Errorf("%w: no verifier for recipient %s", security.ErrUntrustedSender, msg.Recipient)
		}
		if err := sec.Authenticate(msg, senderCert); err != nil {
			metrics.MessagesRouted.WithLabelValues("auth_failed").Inc()
			metrics.AuthFailures.WithLabelValues(authKind(err)).Inc()
			return models.Message{}, err
		}
	}

	// Decryption needs the recipient's keys. Without them the payload
	// stays sealed and the far end opens it after the transport hands
	// the message over.
	if msg.Encrypted && en.sec != nil {
		decrypted, err := en.sec.DecryptMessage(msg)
		if err != nil {
			metrics.MessagesRouted.WithLabelValues("auth_failed").Inc()
			metrics.AuthFailures.WithLabelValues("decrypt_failed").Inc()
			return models.Message{}, err
		}
		msg = decrypted
	}
	return msg, nil
}

func (rt *Router) authorized(msg models.Message) bool {
	p, ok := rt.Policy(msg.Recipient)
	if !ok {
		return false
	}
	return p.Allowed("entity:"+msg.Recipient, msg.Intent)
}

// appendExchange serializes on the context lock only for the append, in
// arrival order at the manager.
func (rt *Router) appendExchange(msg models.Message, response *models.Message) error {
	if err := rt.contexts.Append(msg.ContextID, msg); err != nil {
		return err
	}
	metrics.ContextAppends.Inc()
	if response != nil {
		if err := rt.contexts.Append(msg.ContextID, *response); err != nil {
			return err
		}
		metrics.ContextAppends.Inc()
	}
	return nil
}

// broadcast fans a message out to every live entity except the sender.
// Deliveries are fire-and-forget: responses are discarded and per-entity
// failures are logged without aborting the fan-out.
func (rt *Router) broadcast(ctx context.Context, msg models.Message, senderCert *cert.Certificate) error {
	for id := range rt.registry.Find(nil) {
		if id == msg.Sender {
			continue
		}
		copied := msg
		copied.Recipient = id
		if _, err := rt.routeOne(ctx, copied, senderCert); err != nil {
			rt.log.Warn().Err(err).Str("recipient", id).Str("id", msg.ID).Msg("broadcast delivery failed")
		}
	}
	return nil
}

func authKind(err error) string {
	switch {
	case errors.Is(err, security.ErrTamperedMessage):
		return "tampered_message"
	default:
		return "untrusted_sender"
	}
}
