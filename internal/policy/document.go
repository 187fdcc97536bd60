package policy

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMalformedDocument = errors.New("malformed policy document")

// Document is the persistence form of a policy.
type Document struct {
	EntityID    string       `json:"entity_id"`
	Permissions []Permission `json:"permissions"`
}

// Load parses a policy document. Validation happens before any rule is
// applied, so a malformed document never yields a partially loaded policy.
func Load(data []byte) (*Policy, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	if doc.EntityID == "" {
		return nil, fmt.Errorf("%w: missing entity_id", ErrMalformedDocument)
	}
	for i, perm := range doc.Permissions {
		if perm.Resource == "" || perm.Action == "" {
			return nil, fmt.Errorf("%w: permission %d missing resource or action", ErrMalformedDocument, i)
		}
		if perm.Effect != Allow && perm.Effect != Deny {
			return nil, fmt.Errorf("%w: permission %d has unknown effect %q", ErrMalformedDocument, i, perm.Effect)
		}
	}

	p := New(doc.EntityID)
	p.rules = append(p.rules, doc.Permissions...)
	return p, nil
}

// Marshal serializes the policy to its document form.
func (p *Policy) Marshal() ([]byte, error) {
	return json.Marshal(Document{
		EntityID:    p.entityID,
		Permissions: p.Rules(),
	})
}
