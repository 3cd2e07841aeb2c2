package filter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/gantry/pkg/schema"
)

// --- Expr Engine Tests ---

func TestExprEngine_Predicates(t *testing.T) {
	e := NewExprEngine()

	cases := []struct {
		expr string
		want any
	}{
		{`state == "paused"`, true},
		{`progress.percent_complete > 50.0 && retry.attempt_count < 3`, true},
		{`metrics?.peak_memory_mb ?? 0.0`, 512.0},
		{`execution.source in ["n8n", "temporal"]`, true},
	}
	for _, tc := range cases {
		out, err := e.Evaluate(context.Background(), tc.expr, celScope())
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, out, tc.expr)
	}
}

func TestExprEngine_UndefinedVariablesAllowed(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), `nonexistent ?? "fallback"`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)
}

func TestExprEngine_CompileError(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), `state ==`, celScope())
	require.Error(t, err)
	cerr, ok := err.(*schema.ControlError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeFilter, cerr.Code)
}

func TestExprEngine_EmptyExpression(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
}
