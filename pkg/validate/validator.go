// Package validate inspects a single fetched dataset: structural
// integrity (required fields, value ranges, JSON Schema shape, CEL
// suspicious-pattern rules) and statistical drift against a stored
// baseline. Both checks are pure functions of their inputs.
package validate

import (
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/healthsignal/sentinel/pkg/dataset"
)

const (
	// Drift thresholds: per-field average deviation from baseline.
	driftMediumPct = 20.0
	driftHighPct   = 50.0
)

type compiledPattern struct {
	rule    PatternRule
	program cel.Program
}

type categoryChecks struct {
	rules    CategoryRules
	patterns []compiledPattern
	schema   *jsonschema.Schema
}

// Validator holds compiled per-category checks.
type Validator struct {
	checks map[string]categoryChecks
	logger *slog.Logger
}

// New compiles the rule set. CEL expressions see one variable,
// `record`, bound to the row under inspection; compile errors fail
// construction so bad rules surface at startup, not per request.
func New(rs *RuleSet) (*Validator, error) {
	env, err := cel.NewEnv(
		cel.Variable("record", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create rule environment: %w", err)
	}

	v := &Validator{
		checks: make(map[string]categoryChecks),
		logger: slog.Default().With("component", "validate"),
	}
	if rs == nil {
		return v, nil
	}

	for _, cr := range rs.Categories {
		cc := categoryChecks{rules: cr}

		for _, p := range cr.Patterns {
			ast, issues := env.Compile(p.Expr)
			if issues != nil && issues.Err() != nil {
				return nil, fmt.Errorf("category %s pattern %q: %w", cr.Category, p.Name, issues.Err())
			}
			prg, err := env.Program(ast)
			if err != nil {
				return nil, fmt.Errorf("category %s pattern %q: %w", cr.Category, p.Name, err)
			}
			if p.Severity == "" {
				p.Severity = SeverityHigh
			}
			cc.patterns = append(cc.patterns, compiledPattern{rule: p, program: prg})
		}

		if strings.TrimSpace(cr.Schema) != "" {
			schema, err := jsonschema.CompileString(cr.Category+".schema.json", cr.Schema)
			if err != nil {
				return nil, fmt.Errorf("category %s schema: %w", cr.Category, err)
			}
			cc.schema = schema
		}

		v.checks[strings.ToLower(cr.Category)] = cc
	}
	return v, nil
}

// Structural runs the shape and value checks for a category.
// Categories without configured rules pass trivially.
func (v *Validator) Structural(category string, data dataset.Value) Outcome {
	cc, ok := v.checks[strings.ToLower(category)]
	if !ok {
		return Outcome{Valid: true}
	}

	var issues []Issue
	rows := data.Rows()

	// Required fields must appear in every row.
	for _, field := range cc.rules.RequiredFields {
		missing := len(rows) == 0
		for _, row := range rows {
			if _, present := row[field]; !present {
				missing = true
				break
			}
		}
		if missing {
			issues = append(issues, Issue{
				Type:     "missing_field",
				Field:    field,
				Severity: SeverityHigh,
				Detail:   "required field absent",
			})
		}
	}

	// Configured numeric ranges.
	for field, r := range cc.rules.Ranges {
		for _, row := range rows {
			f, ok := row.Float(field)
			if !ok {
				continue
			}
			if f < r.Min || f > r.Max {
				issues = append(issues, Issue{
					Type:     "out_of_range",
					Field:    field,
					Severity: SeverityMedium,
					Detail:   fmt.Sprintf("value %.2f outside [%.2f, %.2f]", f, r.Min, r.Max),
				})
				break // one issue per field is enough
			}
		}
	}

	// Suspicious-pattern rules, one issue per matching rule.
	for _, cp := range cc.patterns {
		for _, row := range rows {
			matched, err := evalPattern(cp.program, row)
			if err != nil {
				v.logger.Warn("pattern evaluation failed",
					"category", category, "pattern", cp.rule.Name, "error", err)
				break
			}
			if matched {
				issues = append(issues, Issue{
					Type:     "suspicious_pattern",
					Field:    cp.rule.Name,
					Severity: cp.rule.Severity,
					Detail:   "record matched suspicious-value signature",
				})
				break
			}
		}
	}

	// Whole-payload schema check.
	if cc.schema != nil {
		if err := cc.schema.Validate(data.Interface()); err != nil {
			issues = append(issues, Issue{
				Type:     "schema_violation",
				Severity: SeverityMedium,
				Detail:   err.Error(),
			})
		}
	}

	return outcome(issues)
}

// Drift compares per-field averages of candidate against baseline.
// Deviation beyond 20% is medium, beyond 50% high. Only fields
// numeric in the baseline participate.
func (v *Validator) Drift(baseline, candidate dataset.Value) []Issue {
	var issues []Issue
	for _, field := range baseline.NumericFields() {
		base, ok := baseline.FieldAverage(field)
		if !ok || base == 0 {
			continue
		}
		cur, ok := candidate.FieldAverage(field)
		if !ok {
			continue
		}
		pct := math.Abs(cur-base) / math.Abs(base) * 100
		switch {
		case pct > driftHighPct:
			issues = append(issues, Issue{
				Type:     "baseline_drift",
				Field:    field,
				Severity: SeverityHigh,
				Detail:   fmt.Sprintf("average moved %.1f%% from baseline", pct),
			})
		case pct > driftMediumPct:
			issues = append(issues, Issue{
				Type:     "baseline_drift",
				Field:    field,
				Severity: SeverityMedium,
				Detail:   fmt.Sprintf("average moved %.1f%% from baseline", pct),
			})
		}
	}
	return issues
}

// Validate combines the structural check with the optional
// baseline-drift check.
func (v *Validator) Validate(category string, data dataset.Value, baseline *dataset.Value) Outcome {
	structural := v.Structural(category, data)
	issues := structural.Issues
	if baseline != nil {
		issues = append(issues, v.Drift(*baseline, data)...)
	}
	return outcome(issues)
}

func outcome(issues []Issue) Outcome {
	o := Outcome{Valid: true, Issues: issues}
	for _, i := range issues {
		if i.Severity == SeverityHigh {
			o.Valid = false
			break
		}
	}
	return o
}

func evalPattern(prg cel.Program, row dataset.Record) (bool, error) {
	out, _, err := prg.Eval(map[string]any{"record": map[string]any(row)})
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("pattern did not evaluate to bool")
	}
	return b, nil
}
