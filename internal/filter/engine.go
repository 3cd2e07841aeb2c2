// Package filter evaluates monitoring filter expressions against tracked
// execution snapshots. Three engines: CEL for predicates, Expr for complex
// deterministic logic, GoJQ for transforms over analytics output.
package filter

import (
	"context"

	"github.com/rendis/gantry/pkg/schema"
)

// Engine evaluates one expression language.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Engines bundles the three engines behind one lookup.
type Engines struct {
	CEL  *CELEngine
	Expr *ExprEngine
	JQ   *GoJQEngine
}

// NewEngines builds all three engines. CEL environment construction can fail.
func NewEngines() (*Engines, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Engines{
		CEL:  celEngine,
		Expr: NewExprEngine(),
		JQ:   NewGoJQEngine(),
	}, nil
}

// Get returns the engine for a language name. Empty defaults to CEL.
func (e *Engines) Get(language string) (Engine, error) {
	switch language {
	case "", "cel":
		return e.CEL, nil
	case "expr":
		return e.Expr, nil
	case "jq":
		return e.JQ, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeFilter, "unknown filter language %q", language)
	}
}
