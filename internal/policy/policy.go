// Package policy implements rule-based access control: ordered allow/deny
// permissions with single-segment wildcards, evaluated most-specific-first
// with a default of deny.
package policy

import (
	"strings"
	"sync"
)

// Effect is the outcome a matching rule produces.
type Effect string

const (
	Allow Effect = "allow"
	Deny  Effect = "deny"
)

// Permission is one rule: patterns over a resource and an action, and the
// effect applied when both match. A "*" segment matches exactly one
// ":"-separated token; a pattern that is the sole token "*" matches
// anything.
type Permission struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
	Effect   Effect `json:"effect"`
}

// Policy is the rule set owned by one entity. Evaluation is deterministic
// for a fixed rule set and input.
type Policy struct {
	entityID string

	mu    sync.RWMutex
	rules []Permission
}

// New creates an empty policy owned by the entity. An empty policy denies
// everything.
func New(entityID string) *Policy {
	return &Policy{entityID: entityID}
}

// EntityID returns the id of the entity owning this policy.
func (p *Policy) EntityID() string {
	return p.entityID
}

// Add appends a permission rule.
func (p *Policy) Add(perm Permission) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules = append(p.rules, perm)
}

// RemoveIf removes every rule the predicate selects and reports how many
// were removed.
func (p *Policy) RemoveIf(pred func(Permission) bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.rules[:0]
	removed := 0
	for _, r := range p.rules {
		if pred(r) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	p.rules = kept
	return removed
}

// Rules returns a copy of the rule set.
func (p *Policy) Rules() []Permission {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Permission, len(p.rules))
	copy(out, p.rules)
	return out
}

// Allowed evaluates the rule set for a resource and an action. The most
// specific matching rule wins; on equal specificity deny takes precedence
// over allow; with no matching rule the default is deny. A permissive
// default would be unsafe for access control, so absence of rules means
// absence of access.
func (p *Policy) Allowed(resource, action string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	best := -1
	effect := Deny
	for _, r := range p.rules {
		rs, ok := matchPattern(r.Resource, resource)
		if !ok {
			continue
		}
		as, ok := matchPattern(r.Action, action)
		if !ok {
			continue
		}
		spec := rs + as
		switch {
		case spec > best:
			best = spec
			effect = r.Effect
		case spec == best && r.Effect == Deny:
			effect = Deny
		}
	}
	if best < 0 {
		return false
	}
	return effect == Allow
}

// matchPattern matches a ":"-segmented value against a pattern and returns
// the match specificity: the count of literal (non-wildcard) segments. The
// sole token "*" matches everything at specificity zero; otherwise segment
// counts must agree and "*" consumes exactly one segment.
func matchPattern(pattern, value string) (specificity int, ok bool) {
	if pattern == "*" {
		return 0, true
	}
	pSegs := strings.Split(pattern, ":")
	vSegs := strings.Split(value, ":")
	if len(pSegs) != len(vSegs) {
		return 0, false
	}
	for i, seg := range pSegs {
		if seg == "*" {
			continue
		}
		if seg != vSegs[i] {
			return 0, false
		}
		specificity++
	}
	return specificity, true
}
