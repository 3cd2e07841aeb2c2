package filter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/gantry/pkg/schema"
)

// --- GoJQ Engine Tests ---

func TestGoJQEngine_Transform(t *testing.T) {
	e := NewGoJQEngine()

	data := map[string]any{
		"nodes": []any{
			map[string]any{"id": "a", "duration_ms": 100},
			map[string]any{"id": "b", "duration_ms": 1500},
			map[string]any{"id": "c", "duration_ms": 200},
		},
	}

	out, err := e.Evaluate(context.Background(),
		`[.nodes[] | select(.duration_ms > 150) | .id]`, data)
	require.NoError(t, err)
	assert.Equal(t, []any{"b", "c"}, out)
}

func TestGoJQEngine_SingleOutput(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `.progress.percent_complete`, celScope())
	require.NoError(t, err)
	assert.Equal(t, 62.5, out)
}

func TestGoJQEngine_MultipleOutputs(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.EvaluateAll(context.Background(), `.nodes[].id`, map[string]any{
		"nodes": []any{
			map[string]any{"id": "a"},
			map[string]any{"id": "b"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)
}

func TestGoJQEngine_NormalizesIntegers(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `.count + 1`, map[string]any{"count": int64(41)})
	require.NoError(t, err)
	assert.Equal(t, 42.0, out)
}

func TestGoJQEngine_EnvBlocked(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `env.HOME`, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQEngine_ParseError(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), `.[unclosed`, map[string]any{})
	require.Error(t, err)
	cerr, ok := err.(*schema.ControlError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeFilter, cerr.Code)
}
