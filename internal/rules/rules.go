// Package rules holds the immutable rule definition registry and the
// predicate logic rules evaluate against telemetry messages.
package rules

import (
	"fmt"

	"vigil/internal/models"
)

// RuleType discriminates stateless from windowed rules.
type RuleType string

const (
	TypeInstant    RuleType = "instant"
	TypePersistent RuleType = "persistent"
)

// ScopeAll matches every device.
const ScopeAll = "*"

// Comparison operators a predicate may use.
const (
	OpGT  = "gt"
	OpGTE = "gte"
	OpLT  = "lt"
	OpLTE = "lte"
	OpEQ  = "eq"
	OpNE  = "ne"
)

// ConfigError marks a malformed rule set. It is fatal at load time; the
// engine never starts against a registry that failed validation.
type ConfigError struct {
	RuleID string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.RuleID == "" {
		return fmt.Sprintf("rule config: %s", e.Reason)
	}
	return fmt.Sprintf("rule config: %s: %s", e.RuleID, e.Reason)
}

// Predicate is a pure boolean test over one message's numeric fields.
type Predicate struct {
	Field string  `yaml:"field" json:"field"`
	Op    string  `yaml:"op" json:"op"`
	Value float64 `yaml:"value" json:"value"`
}

// Eval applies the predicate to a message. Unknown fields were rejected
// at load time, so a false second return here means a programming error
// upstream and evaluates to no match.
func (p Predicate) Eval(msg *models.TelemetryMessage) bool {
	v, ok := msg.Field(p.Field)
	if !ok {
		return false
	}
	switch p.Op {
	case OpGT:
		return v > p.Value
	case OpGTE:
		return v >= p.Value
	case OpLT:
		return v < p.Value
	case OpLTE:
		return v <= p.Value
	case OpEQ:
		return v == p.Value
	case OpNE:
		return v != p.Value
	default:
		return false
	}
}

func validOp(op string) bool {
	switch op {
	case OpGT, OpGTE, OpLT, OpLTE, OpEQ, OpNE:
		return true
	default:
		return false
	}
}

// Definition is one immutable rule spec. Definitions never change after
// load; reconfiguration swaps the whole registry.
type Definition struct {
	RuleID    string    `yaml:"rule_id" json:"rule_id"`
	Type      RuleType  `yaml:"type" json:"type"`
	Scope     string    `yaml:"scope" json:"scope"`
	Predicate Predicate `yaml:"predicate" json:"predicate"`
	Threshold int       `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	Severity  int       `yaml:"severity" json:"severity"`
}

// AppliesTo reports whether the rule's scope covers the device.
func (d *Definition) AppliesTo(deviceID string) bool {
	return d.Scope == ScopeAll || d.Scope == deviceID
}

func (d *Definition) validate() error {
	if d.RuleID == "" {
		return &ConfigError{Reason: "rule_id is required"}
	}
	if d.Scope == "" {
		return &ConfigError{RuleID: d.RuleID, Reason: "scope is required"}
	}
	switch d.Type {
	case TypeInstant:
		if d.Threshold != 0 {
			return &ConfigError{RuleID: d.RuleID, Reason: "threshold is only valid for persistent rules"}
		}
	case TypePersistent:
		if d.Threshold <= 0 {
			return &ConfigError{RuleID: d.RuleID, Reason: "persistent rule requires threshold > 0"}
		}
	default:
		return &ConfigError{RuleID: d.RuleID, Reason: fmt.Sprintf("unknown rule type %q", d.Type)}
	}
	if !models.IsNumericField(d.Predicate.Field) {
		return &ConfigError{RuleID: d.RuleID, Reason: fmt.Sprintf("unknown field %q", d.Predicate.Field)}
	}
	if !validOp(d.Predicate.Op) {
		return &ConfigError{RuleID: d.RuleID, Reason: fmt.Sprintf("unknown operator %q", d.Predicate.Op)}
	}
	return nil
}
