package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/rendis/flowgate/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCELEngine(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())
}

func TestCEL_ResultComparison(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	scope := &Scope{Result: map[string]any{"count": float64(0)}}
	out, err := e.Evaluate(context.Background(), "result.count > 0", scope.Vars())
	require.NoError(t, err)
	assert.Equal(t, false, out)

	scope.Result = map[string]any{"count": float64(3)}
	out, err = e.Evaluate(context.Background(), "result.count > 0", scope.Vars())
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_StepsAndTrigger(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	scope := &Scope{
		Steps:   map[string]any{"fetch": map[string]any{"status": "ok"}},
		Trigger: map[string]any{"priority": "high"},
	}
	out, err := e.Evaluate(context.Background(),
		`steps.fetch.status == "ok" && trigger.priority == "high"`, scope.Vars())
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_MissingVariablesDefaultToEmpty(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `"x" in steps`, nil)
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestCEL_CompileError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "result.count >", nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Error(t, e.Compile("&&"))
}

func TestCEL_RuntimeError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "result.missing > 0", (&Scope{Result: map[string]any{}}).Vars())
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStepFailed))
}

func TestCEL_ConcurrentCache(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), "1 + 1 == 2", nil)
			assert.NoError(t, err)
			assert.Equal(t, true, out)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, e.programs.len())
}
