package expressions

import (
	"context"
	"testing"

	"github.com/rendis/flowgate/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoJQ_Extract(t *testing.T) {
	e := NewGoJQEngine()
	assert.Equal(t, "jq", e.Name())

	scope := &Scope{Steps: map[string]any{
		"search": map[string]any{"results": []any{
			map[string]any{"title": "first", "score": 0.9},
			map[string]any{"title": "second", "score": 0.4},
		}},
	}}
	out, err := e.Evaluate(context.Background(),
		`[.steps.search.results[] | select(.score > 0.5) | .title]`, scope.Vars())
	require.NoError(t, err)
	assert.Equal(t, []any{"first"}, out)
}

func TestGoJQ_MultipleOutputs(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), `.trigger.items[]`,
		map[string]any{"trigger": map[string]any{"items": []any{1, 2}}})
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), float64(2)}, out)
}

func TestGoJQ_NoOutput(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), `empty`, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), `.[`, map[string]any{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(context.Background(), `error("boom")`, map[string]any{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeStepFailed))
}

func TestGoJQ_EnvironmentHidden(t *testing.T) {
	t.Setenv("FLOWGATE_SECRET", "leak")
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), `$ENV.FLOWGATE_SECRET`, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}
