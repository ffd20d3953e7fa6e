// Package rules evaluates CEL expressions against fetched market data. It
// backs two concerns: sanity range checks on upstream values before they are
// cached, and user-defined watchlist alerts with templated messages.
package rules

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// Environment builds and compiles CEL programs against the marketgate
// evaluation state.
type Environment struct {
	env *cel.Env
}

// NewEnvironment declares the CEL variables exposed to alert conditions and
// range checks.
func NewEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("indicator", cel.StringType),
		cel.Variable("symbol", cel.StringType),
		cel.Variable("value", cel.DoubleType),
		cel.Variable("values", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("quote", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("stale", cel.BoolType),
		cel.Variable("now", cel.DynType),
		cel.Function("lookup",
			cel.Overload("lookup_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.DynType,
				cel.BinaryBinding(lookupMapValue),
			),
		),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("rules: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

// Program wraps a compiled CEL program that yields a boolean result.
type Program struct {
	source  string
	program cel.Program
}

// Compile prepares the program for execution, ensuring the expression
// yields a boolean.
func (e *Environment) Compile(expression string) (Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return Program{}, fmt.Errorf("rules: compile %q: %w", expression, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return Program{}, fmt.Errorf("rules: %q must yield a boolean, got %s", expression, ast.OutputType())
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return Program{}, fmt.Errorf("rules: program %q: %w", expression, err)
	}
	return Program{source: expression, program: program}, nil
}

// EvalBool executes the program against the provided activation and coerces
// the result to bool.
func (p Program) EvalBool(vars map[string]any) (bool, error) {
	if p.program == nil {
		return false, fmt.Errorf("rules: program not initialized")
	}
	val, _, err := p.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("rules: eval %q: %w", p.source, err)
	}
	switch v := val.(type) {
	case types.Bool:
		return bool(v), nil
	case ref.Val:
		if v.Type() == types.BoolType {
			if b, ok := v.Value().(bool); ok {
				return b, nil
			}
		}
	}
	return false, fmt.Errorf("rules: %q yielded non-bool result %T", p.source, val)
}

// Source returns the original CEL expression for logging.
func (p Program) Source() string { return p.source }

// lookupMapValue resolves a key from a CEL map without erroring on absent
// keys, returning null instead so conditions can guard with != null.
func lookupMapValue(lhs, rhs ref.Val) ref.Val {
	mapper, ok := lhs.(traits.Mapper)
	if !ok {
		return types.NullValue
	}
	value, found := mapper.Find(rhs)
	if !found || value == nil {
		return types.NullValue
	}
	return value
}
