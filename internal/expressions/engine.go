package expressions

import (
	"context"
	"fmt"

	"github.com/rendis/invoiceflow/pkg/schema"
)

// Engine evaluates expressions against an event-derived data map.
// Three implementations: CEL and Expr (step match predicates), GoJQ (field extraction).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Engine names accepted by New.
const (
	EngineExpr = "expr"
	EngineCEL  = "cel"
	EngineJQ   = "jq"
)

// New returns an engine by name. An empty name selects expr.
func New(name string) (Engine, error) {
	switch name {
	case "", EngineExpr:
		return NewExprEngine(), nil
	case EngineCEL:
		e, err := NewCELEngine()
		if err != nil {
			return nil, err
		}
		return e, nil
	case EngineJQ:
		return NewGoJQEngine(), nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown expression engine %q", name)
	}
}

// EvaluateBool evaluates a predicate and requires a boolean result.
func EvaluateBool(ctx context.Context, e Engine, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExpression,
			"%s expression %q returned %s, want bool", e.Name(), expression, typeName(out)).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

func typeName(v any) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%T", v)
}
