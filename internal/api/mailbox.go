package api

import (
	"context"
	"sync"

	"github.com/meshlink-protocol/meshlink/internal/conversation"
	"github.com/meshlink-protocol/meshlink/internal/models"
)

// mailboxCap bounds the per-entity queue; the oldest message is dropped
// when a slow client lets its mailbox fill.
const mailboxCap = 256

// mailboxEntity is the delivery handle the transport registers on behalf
// of a remote client. Its handler queues delivered messages for the client
// to drain over the inbox endpoint; it never produces a response itself.
type mailboxEntity struct {
	id string

	mu      sync.Mutex
	queue   []models.Message
	dropped int
}

func newMailboxEntity(id string) *mailboxEntity {
	return &mailboxEntity{id: id}
}

func (m *mailboxEntity) ID() string { return m.id }

func (m *mailboxEntity) Process(_ context.Context, msg models.Message, _ *conversation.Context) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) >= mailboxCap {
		m.queue = m.queue[1:]
		m.dropped++
	}
	m.queue = append(m.queue, msg)
	return nil, nil
}

// Drain returns and clears the queued messages.
func (m *mailboxEntity) Drain() (msgs []models.Message, dropped int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs = m.queue
	dropped = m.dropped
	m.queue = nil
	m.dropped = 0
	return msgs, dropped
}
