// Package models defines the wire-level message type exchanged between
// entities on the mesh.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Broadcast is the recipient id addressing every live entity.
const Broadcast = "*"

// Standard intents understood across the mesh. Custom intents use the
// "domain.action" form, see CustomIntent.
const (
	IntentGreeting       = "greeting"
	IntentQuery          = "query"
	IntentResponse       = "response"
	IntentError          = "error"
	IntentAck            = "ack"
	IntentStatusRequest  = "status.request"
	IntentStatusResponse = "status.response"
	IntentRegister       = "registry.register"
	IntentDiscover       = "registry.discover"
)

// CustomIntent builds a namespaced intent from a domain and an action.
func CustomIntent(domain, action string) string {
	return domain + "." + action
}

var ErrMissingField = errors.New("missing required message field")

// Message is the fundamental unit of communication. Once created it is
// treated as a value: mutating operations return modified copies.
type Message struct {
	ID        string  `json:"id"`
	Sender    string  `json:"sender"`
	Recipient string  `json:"recipient"`
	Intent    string  `json:"intent"`
	Payload   any     `json:"payload"`
	ContextID string  `json:"context_id,omitempty"`
	Timestamp float64 `json:"timestamp"` // seconds since epoch, fractional
	TTL       int64   `json:"ttl,omitempty"`
	Encrypted bool    `json:"encrypted,omitempty"`
	Signature string  `json:"signature,omitempty"`
}

// New creates a message with a fresh time-ordered id and the current timestamp.
func New(sender, recipient, intent string, payload any) Message {
	return Message{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Sender:    sender,
		Recipient: recipient,
		Intent:    intent,
		Payload:   payload,
		Timestamp: now(),
	}
}

func now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// NewResponse creates a reply to a request, swapping sender and recipient
// and carrying the request's conversation forward.
func NewResponse(request Message, intent string, payload any) Message {
	return Message{
		ID:        "response-" + request.ID,
		Sender:    request.Recipient,
		Recipient: request.Sender,
		Intent:    intent,
		Payload:   payload,
		ContextID: request.ContextID,
		Timestamp: now(),
	}
}

// NewErrorResponse creates an error reply carrying a machine-readable code.
func NewErrorResponse(request Message, code, message string) Message {
	return NewResponse(request, IntentError, map[string]any{
		"error_code":      code,
		"error_message":   message,
		"original_intent": request.Intent,
	})
}

// NewAck creates an acknowledgment reply to a request.
func NewAck(request Message) Message {
	return NewResponse(request, IntentAck, map[string]any{
		"original_intent": request.Intent,
		"timestamp":       now(),
	})
}

// IsBroadcast reports whether the message addresses every live entity.
func (m Message) IsBroadcast() bool {
	return m.Recipient == Broadcast
}

// Expired reports whether the message's TTL has elapsed as of now.
// Messages without a TTL never expire.
func (m Message) Expired(nowTime time.Time) bool {
	if m.TTL <= 0 {
		return false
	}
	return float64(nowTime.UnixNano())/float64(time.Second) > m.Timestamp+float64(m.TTL)
}

// WithSignature returns a copy of the message carrying the signature.
func (m Message) WithSignature(sig string) Message {
	m.Signature = sig
	return m
}

// WithContext returns a copy of the message bound to the conversation.
func (m Message) WithContext(contextID string) Message {
	m.ContextID = contextID
	return m
}

// MarshalWire encodes the message to its JSON wire form.
func (m Message) MarshalWire() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalWire decodes a message from its JSON wire form, validating that
// the required fields are present and filling in id and timestamp when the
// far end omitted them.
func UnmarshalWire(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if m.Sender == "" {
		return Message{}, fmt.Errorf("%w: sender", ErrMissingField)
	}
	if m.Recipient == "" {
		return Message{}, fmt.Errorf("%w: recipient", ErrMissingField)
	}
	if m.Intent == "" {
		return Message{}, fmt.Errorf("%w: intent", ErrMissingField)
	}
	if m.ID == "" {
		m.ID = uuid.Must(uuid.NewV7()).String()
	}
	if m.Timestamp == 0 {
		m.Timestamp = now()
	}
	return m, nil
}
