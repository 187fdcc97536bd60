// Package conversation manages conversation contexts: append-only ordered
// message logs with metadata, one lock per context so independent
// conversations never contend.
package conversation

import (
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/meshlink-protocol/meshlink/internal/models"
)

var ErrNotFound = errors.New("context not found")

// Context is one conversation: an ordered, append-only log of messages
// plus arbitrary metadata. Message order is arrival order at the manager.
type Context struct {
	ID        string
	Metadata  map[string]any
	CreatedAt time.Time

	mu       sync.Mutex
	messages []models.Message
}

// Messages returns a snapshot copy of the log in append order.
func (c *Context) Messages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len returns the number of messages in the log.
func (c *Context) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func (c *Context) append(msg models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
}

// Manager owns the context store. It is safe for concurrent use; appends
// to the same context serialize on that context's lock while distinct
// contexts proceed in parallel.
type Manager struct {
	mu       sync.RWMutex
	contexts map[string]*Context
}

// NewManager creates an empty context store.
func NewManager() *Manager {
	return &Manager{contexts: make(map[string]*Context)}
}

// Create allocates a context with a fresh time-ordered id.
func (m *Manager) Create(metadata map[string]any) *Context {
	c := &Context{
		ID:        ulid.Make().String(),
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	m.mu.Lock()
	m.contexts[c.ID] = c
	m.mu.Unlock()
	return c
}

// GetOrCreate returns the context with the given id, materializing an
// empty one when it does not exist yet. Routing never fails merely
// because a context id is unknown. The second return reports whether
// the context was created by this call, so the caller can discard it
// again when the delivery it was materialized for never happens.
func (m *Manager) GetOrCreate(id string) (*Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.contexts[id]; ok {
		return c, false
	}
	c := &Context{ID: id, CreatedAt: time.Now().UTC()}
	m.contexts[id] = c
	return c, true
}

// Get returns the context with the given id.
func (m *Manager) Get(id string) (*Context, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contexts[id]
	return c, ok
}

// Append adds a message to a context in arrival order. Fails with
// ErrNotFound when the context does not exist.
func (m *Manager) Append(id string, msg models.Message) error {
	m.mu.RLock()
	c, ok := m.contexts[id]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	c.append(msg)
	return nil
}

// Delete removes a context, reporting whether it existed. Eviction policy
// is the embedding application's concern; the manager only provides the
// primitive.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.contexts[id]
	delete(m.contexts, id)
	return ok
}

// DeleteIfEmpty removes a context only if it holds no messages,
// reporting whether it was removed. Routing uses it to discard a
// context that was materialized for a delivery that then failed.
func (m *Manager) DeleteIfEmpty(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contexts[id]
	if !ok {
		return false
	}
	c.mu.Lock()
	empty := len(c.messages) == 0
	c.mu.Unlock()
	if !empty {
		return false
	}
	delete(m.contexts, id)
	return true
}

// Len returns the number of live contexts.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.contexts)
}
