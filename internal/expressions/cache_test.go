package expressions

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowgate/pkg/schema"
)

func TestProgramCache_EvictsLeastRecentlyUsed(t *testing.T) {
	compiled := map[string]int{}
	c := newProgramCache(2, func(expr string) (string, error) {
		compiled[expr]++
		return "prog:" + expr, nil
	})

	for _, expr := range []string{"a", "b", "a", "c", "a", "b"} {
		p, err := c.get(expr)
		require.NoError(t, err)
		assert.Equal(t, "prog:"+expr, p)
	}

	assert.Equal(t, 2, c.len())
	assert.Equal(t, 1, compiled["a"], "a stayed hot")
	assert.Equal(t, 2, compiled["b"], "b was evicted by c and compiled again")
	assert.Equal(t, 1, compiled["c"])
}

func TestProgramCache_DoesNotKeepFailures(t *testing.T) {
	calls := 0
	c := newProgramCache(0, func(string) (int, error) {
		calls++
		return 0, errors.New("bad")
	})

	_, err := c.get("x")
	require.Error(t, err)
	_, err = c.get("x")
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 0, c.len())
}

func TestCompileErrors_CarryLanguage(t *testing.T) {
	engines, err := NewEngines()
	require.NoError(t, err)

	for lang, compile := range map[string]func(string) error{
		schema.LanguageCEL:  engines.CEL.Compile,
		schema.LanguageExpr: engines.Expr.Compile,
		schema.TransformJQ:  engines.JQ.Compile,
	} {
		err := compile("((")
		require.Error(t, err, lang)
		var fe *schema.FlowError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, schema.ErrCodeValidation, fe.Code)
		assert.Equal(t, lang, fe.Details["language"])
	}
}
