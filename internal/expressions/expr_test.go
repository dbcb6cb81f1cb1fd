package expressions

import (
	"context"
	"testing"

	"github.com/rendis/flowgate/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpr_Condition(t *testing.T) {
	e := NewExprEngine()
	assert.Equal(t, "expr", e.Name())

	scope := &Scope{Result: map[string]any{"count": float64(2)}}
	out, err := e.Evaluate(context.Background(), "result.count > 0", scope.Vars())
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExpr_Reshape(t *testing.T) {
	e := NewExprEngine()

	scope := &Scope{Steps: map[string]any{
		"search": map[string]any{"results": []any{
			map[string]any{"title": "a"},
			map[string]any{"title": "b"},
		}},
	}}
	out, err := e.Evaluate(context.Background(), `map(steps.search.results, #.title)`, scope.Vars())
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)
}

func TestExpr_CompileError(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(context.Background(), "1 +", nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestExpr_CacheReusedAcrossShapes(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(context.Background(), "result.value", map[string]any{"result": map[string]any{"value": "s"}})
	require.NoError(t, err)
	out, err := e.Evaluate(context.Background(), "result.value", map[string]any{"result": map[string]any{"value": float64(4)}})
	require.NoError(t, err)
	assert.Equal(t, float64(4), out)
}
