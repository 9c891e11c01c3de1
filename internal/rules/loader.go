package rules

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type rulesFile struct {
	Rules []Definition `yaml:"rules"`
}

// LoadFile reads a YAML rules file and builds a validated registry.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return LoadYAML(data)
}

// LoadYAML parses a YAML document of the form:
//
//	rules:
//	  - rule_id: instant_42_a_gt_5
//	    type: instant
//	    scope: "42"
//	    predicate: {field: field_a, op: gt, value: 5}
//	    severity: 1
func LoadYAML(data []byte) (*Registry, error) {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("parse rules yaml: %v", err)}
	}
	if len(f.Rules) == 0 {
		return nil, &ConfigError{Reason: "rules file defines no rules"}
	}
	return Load(f.Rules)
}
