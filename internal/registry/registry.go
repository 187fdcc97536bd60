// Package registry implements the authoritative entity registry and the
// message router that enforces authentication and authorization on every
// delivery.
package registry

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/meshlink-protocol/meshlink/internal/cert"
	"github.com/meshlink-protocol/meshlink/internal/conversation"
	"github.com/meshlink-protocol/meshlink/internal/metrics"
	"github.com/meshlink-protocol/meshlink/internal/models"
	"github.com/meshlink-protocol/meshlink/internal/security"
)

var (
	ErrAlreadyRegistered = errors.New("entity already registered")
	ErrNotFound          = errors.New("entity not found")
)

// Entity is the capability the registry dispatches to: process an
// incoming message with its conversation context, optionally producing a
// response. The registry holds only this handle, never a concrete type;
// entity logic belongs to the embedding application.
type Entity interface {
	ID() string
	Process(ctx context.Context, msg models.Message, conv *conversation.Context) (*models.Message, error)
}

// entry is one registration. The live flag goes false at unregistration;
// in-flight routes that already resolved the entry run to completion while
// new routes fail to resolve it.
type entry struct {
	entity Entity
	cert   *cert.Certificate
	sec    *security.Manager
	live   atomic.Bool
}

// Registry maps entity ids to live registrations. At most one live entry
// exists per id: registering a live id fails with ErrAlreadyRegistered
// unless replace-on-register is enabled, in which case the old entry is
// explicitly unregistered first. Re-registration after unregistration is
// always permitted and creates a fresh entry.
type Registry struct {
	replaceOnRegister bool
	log               zerolog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates an empty registry. With replaceOnRegister a
// registration of a live id displaces the old entry, matching
// reconnect-heavy transports; the default rejects so a stale client can
// never capture another's delivery.
func NewRegistry(replaceOnRegister bool, log zerolog.Logger) *Registry {
	return &Registry{
		replaceOnRegister: replaceOnRegister,
		log:               log.With().Str("component", "registry").Logger(),
		entries:           make(map[string]*entry),
	}
}

// Register adds an entity to the registry. The certificate and security
// manager are optional: for an entity without a manager the router
// authenticates inbound traffic through its verify-only fallback and
// delivers encrypted payloads still sealed.
func (r *Registry) Register(e Entity, certificate *cert.Certificate, sec *security.Manager) error {
	id := e.ID()
	if id == "" || id == models.Broadcast {
		return fmt.Errorf("invalid entity id %q", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.entries[id]; ok {
		if !r.replaceOnRegister {
			return fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
		}
		old.live.Store(false)
		metrics.UnregistrationsTotal.Inc()
		r.log.Info().Str("entity", id).Msg("entity replaced on re-registration")
	}

	en := &entry{entity: e, cert: certificate, sec: sec}
	en.live.Store(true)
	r.entries[id] = en

	metrics.RegistrationsTotal.Inc()
	metrics.EntitiesLive.Set(float64(len(r.entries)))
	r.log.Info().Str("entity", id).Msg("entity registered")
	return nil
}

// Unregister marks the entity's entry dead and removes it. In-flight
// routes already dispatched to it complete; new routes fail resolution.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	en, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	en.live.Store(false)
	delete(r.entries, id)

	metrics.UnregistrationsTotal.Inc()
	metrics.EntitiesLive.Set(float64(len(r.entries)))
	r.log.Info().Str("entity", id).Msg("entity unregistered")
	return nil
}

// resolve returns the live entry for an id.
func (r *Registry) resolve(id string) (*entry, bool) {
	r.mu.RLock()
	en, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok || !en.live.Load() {
		return nil, false
	}
	return en, true
}

// Contains reports whether the id is currently registered and live.
func (r *Registry) Contains(id string) bool {
	_, ok := r.resolve(id)
	return ok
}

// Certificate returns the certificate registered for the entity, if any.
func (r *Registry) Certificate(id string) (*cert.Certificate, bool) {
	en, ok := r.resolve(id)
	if !ok || en.cert == nil {
		return nil, false
	}
	return en.cert, true
}

// Find returns a lazy, restartable sequence of live entity ids satisfying
// the predicate. Each restart takes a fresh snapshot: a registration
// concurrent with iteration may or may not appear, but no id is yielded
// twice within one pass.
func (r *Registry) Find(pred func(id string) bool) iter.Seq[string] {
	return func(yield func(string) bool) {
		r.mu.RLock()
		ids := make([]string, 0, len(r.entries))
		for id, en := range r.entries {
			if en.live.Load() {
				ids = append(ids, id)
			}
		}
		r.mu.RUnlock()

		for _, id := range ids {
			if pred != nil && !pred(id) {
				continue
			}
			if !yield(id) {
				return
			}
		}
	}
}

// Len returns the number of live registrations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
