package filter

import (
	"context"
	"encoding/json"

	"github.com/rendis/gantry/pkg/schema"
)

// Scope builds the evaluation scope for one monitoring snapshot. The JSON
// round-trip yields plain map/float64 values, which all three engines
// consume natively.
//
// Scope keys: execution (the full snapshot), state, progress, metrics, retry.
func Scope(snapshot *schema.MonitoringSnapshot) (map[string]any, error) {
	if snapshot == nil {
		return nil, schema.NewError(schema.ErrCodeFilter, "nil monitoring snapshot")
	}

	raw, err := json.Marshal(snapshot)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeFilter, "encode monitoring snapshot").WithCause(err)
	}
	var execution map[string]any
	if err := json.Unmarshal(raw, &execution); err != nil {
		return nil, schema.NewError(schema.ErrCodeFilter, "decode monitoring snapshot").WithCause(err)
	}

	scope := map[string]any{
		"execution": execution,
		"state":     string(snapshot.State),
		"progress":  execution["progress"],
		"metrics":   execution["metrics"],
		"retry":     execution["retry_info"],
	}
	return scope, nil
}

// Matcher turns a filter expression into the predicate monitor queries
// consume. The expression must evaluate to a boolean.
func Matcher(engine Engine, expression string) func(*schema.MonitoringSnapshot) (bool, error) {
	return func(snapshot *schema.MonitoringSnapshot) (bool, error) {
		scope, err := Scope(snapshot)
		if err != nil {
			return false, err
		}
		out, err := engine.Evaluate(context.Background(), expression, scope)
		if err != nil {
			return false, err
		}
		matched, ok := out.(bool)
		if !ok {
			return false, schema.NewErrorf(schema.ErrCodeFilter,
				"filter %q must evaluate to a boolean, got %T", expression, out)
		}
		return matched, nil
	}
}
