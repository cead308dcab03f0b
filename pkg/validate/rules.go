package validate

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Severity grades an issue. A dataset is rejected iff any issue is
// SeverityHigh.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Issue is one finding from a validation pass.
type Issue struct {
	Type     string   `json:"type"`
	Field    string   `json:"field,omitempty"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail,omitempty"`
}

// Outcome is the result of validating one dataset.
type Outcome struct {
	Valid  bool    `json:"valid"`
	Issues []Issue `json:"issues"`
}

// Range bounds a numeric field.
type Range struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// PatternRule is a CEL expression evaluated against each record.
// A record for which the expression is true raises an issue with
// the rule's severity (high when unset): these encode the known
// suspicious-value signatures for sensitive categories.
type PatternRule struct {
	Name     string   `yaml:"name" json:"name"`
	Expr     string   `yaml:"expr" json:"expr"`
	Severity Severity `yaml:"severity,omitempty" json:"severity,omitempty"`
}

// CategoryRules collects the structural expectations for one
// category. Schema, when present, is a JSON Schema applied to the
// whole payload.
type CategoryRules struct {
	Category       string           `yaml:"category" json:"category"`
	RequiredFields []string         `yaml:"required_fields" json:"required_fields"`
	Ranges         map[string]Range `yaml:"ranges" json:"ranges"`
	Patterns       []PatternRule    `yaml:"patterns" json:"patterns"`
	Schema         string           `yaml:"schema,omitempty" json:"schema,omitempty"`
}

// RuleSet is the on-disk YAML layout of validation rules.
type RuleSet struct {
	Categories []CategoryRules `yaml:"categories"`
}

// LoadRules reads a rule set from a YAML file.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	return &rs, nil
}
