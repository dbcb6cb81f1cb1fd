package expressions

import (
	"testing"

	"github.com/rendis/flowgate/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type searchHit struct {
	Title string `json:"title"`
	Score int    `json:"score"`
}

func TestScopeBuilder_NormalizesAndFreezes(t *testing.T) {
	sb := NewScopeBuilder(map[string]any{"q": "x"}, nil)

	hits := []searchHit{{Title: "a", Score: 1}}
	require.NoError(t, sb.AddStepOutput("search", map[string]any{"results": hits}))

	hits[0].Title = "mutated"
	scope := sb.Build("search")
	assert.Equal(t, map[string]any{"results": []any{map[string]any{"title": "a", "score": float64(1)}}}, scope.Result)
	assert.Equal(t, map[string]any{"q": "x"}, scope.Trigger)
}

func TestScopeBuilder_RejectsDuplicate(t *testing.T) {
	sb := NewScopeBuilder(nil, nil)
	require.NoError(t, sb.AddStepOutput("a", "one"))

	err := sb.AddStepOutput("a", "two")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInterpolation))
}

func TestScopeBuilder_SnapshotIsolation(t *testing.T) {
	snapshot := map[string]any{"a": map[string]any{"v": float64(1)}}
	sb := NewScopeBuilder(nil, snapshot)
	snapshot["a"].(map[string]any)["v"] = float64(2)

	scope := sb.Build("a")
	scope.Steps["a"].(map[string]any)["v"] = float64(3)

	assert.Equal(t, map[string]any{"a": map[string]any{"v": float64(1)}}, sb.StepOutputs())
}

func TestScope_Vars(t *testing.T) {
	vars := (&Scope{}).Vars()
	assert.Equal(t, map[string]any{}, vars["steps"])
	assert.Contains(t, vars, "trigger")
	assert.Contains(t, vars, "result")
}
