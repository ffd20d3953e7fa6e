package rules

import (
	"fmt"
	"time"
)

// Validator runs sanity range checks on upstream values before they are
// cached, so a malformed API response cannot poison the cache with garbage.
type Validator struct {
	checks map[string]Program
}

// DefaultRangeChecks returns the built-in plausibility bounds per
// indicator. Values outside these windows indicate a parsing problem or an
// upstream data error, not a real market reading.
func DefaultRangeChecks() map[string]string {
	return map[string]string{
		"vix":         "value >= 0.0 && value < 200.0",
		"put-call":    "value > 0.0 && value < 10.0",
		"yield":       "value > -5.0 && value < 30.0",
		"quote-price": "value > 0.0",
	}
}

// NewValidator compiles the given expressions, one per check name.
func NewValidator(env *Environment, checks map[string]string) (*Validator, error) {
	compiled := make(map[string]Program, len(checks))
	for name, expression := range checks {
		program, err := env.Compile(expression)
		if err != nil {
			return nil, fmt.Errorf("rules: range check %s: %w", name, err)
		}
		compiled[name] = program
	}
	return &Validator{checks: compiled}, nil
}

// Validate runs the named check against value. Unknown check names pass:
// new indicators without bounds must not be rejected.
func (v *Validator) Validate(check, indicator string, value float64) error {
	program, ok := v.checks[check]
	if !ok {
		return nil
	}
	valid, err := program.EvalBool(map[string]any{
		"indicator": indicator,
		"symbol":    "",
		"value":     value,
		"values":    map[string]any{},
		"quote":     map[string]any{},
		"stale":     false,
		"now":       time.Now(),
	})
	if err != nil {
		return fmt.Errorf("rules: range check %s: %w", check, err)
	}
	if !valid {
		return fmt.Errorf("rules: %s value %v outside plausible range (%s)", indicator, value, program.Source())
	}
	return nil
}
