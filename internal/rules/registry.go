package rules

import (
	"sort"
	"sync/atomic"
)

// Registry is an immutable, validated rule set. Workers share one
// registry freely; it is never mutated after Load.
type Registry struct {
	// defs sorted by rule_id so Match output is deterministic and
	// per-device evaluation order is reproducible across restarts.
	defs []Definition
}

// Load validates definitions and builds a registry. Any validation
// failure returns a ConfigError and no registry.
func Load(defs []Definition) (*Registry, error) {
	seen := make(map[string]struct{}, len(defs))
	for i := range defs {
		if err := defs[i].validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[defs[i].RuleID]; dup {
			return nil, &ConfigError{RuleID: defs[i].RuleID, Reason: "duplicate rule_id"}
		}
		seen[defs[i].RuleID] = struct{}{}
	}

	sorted := make([]Definition, len(defs))
	copy(sorted, defs)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].RuleID < sorted[j].RuleID
	})
	return &Registry{defs: sorted}, nil
}

// Match returns the rules whose scope covers the device, in stable
// rule_id order. The returned slice must not be mutated.
func (r *Registry) Match(deviceID string) []*Definition {
	var out []*Definition
	for i := range r.defs {
		if r.defs[i].AppliesTo(deviceID) {
			out = append(out, &r.defs[i])
		}
	}
	return out
}

// Len returns the number of loaded rules.
func (r *Registry) Len() int { return len(r.defs) }

// All returns every definition in rule_id order.
func (r *Registry) All() []Definition { return r.defs }

// Provider hands out the current registry and supports atomic
// replacement: readers always see either the old or the new rule set,
// never a partial update.
type Provider struct {
	current atomic.Pointer[Registry]
}

// NewProvider creates a provider serving the given registry.
func NewProvider(reg *Registry) *Provider {
	p := &Provider{}
	p.current.Store(reg)
	return p
}

// Current returns the live registry snapshot.
func (p *Provider) Current() *Registry {
	return p.current.Load()
}

// Swap atomically replaces the live registry.
func (p *Provider) Swap(reg *Registry) {
	p.current.Store(reg)
}
