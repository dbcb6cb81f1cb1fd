package expressions

import (
	"encoding/json"
	"testing"

	"github.com/rendis/flowgate/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testScope() *Scope {
	return &Scope{
		Steps: map[string]any{
			"start": map[string]any{"email": "a@b.c", "name": "Ada"},
			"search": map[string]any{
				"count":   float64(2),
				"results": []any{map[string]any{"title": "Doc"}},
			},
		},
		Trigger: map[string]any{"email": "a@b.c"},
		Result:  map[string]any{"count": float64(2)},
	}
}

func TestInterpolator_WholePlaceholderKeepsType(t *testing.T) {
	interp := NewInterpolator()

	v, err := interp.ResolveString("{{search.count}}", testScope())
	require.NoError(t, err)
	assert.Equal(t, float64(2), v)

	v, err = interp.ResolveString("{{ search.results }}", testScope())
	require.NoError(t, err)
	assert.Len(t, v, 1)
}

func TestInterpolator_InlineRendering(t *testing.T) {
	interp := NewInterpolator()

	v, err := interp.ResolveString("Hi {{start.name}}, {{search.count}} hits: {{search.results.0.title}}", testScope())
	require.NoError(t, err)
	assert.Equal(t, "Hi Ada, 2 hits: Doc", v)

	s, err := interp.RenderText("{{search.results}}", testScope())
	require.NoError(t, err)
	assert.JSONEq(t, `[{"title":"Doc"}]`, s)
}

func TestInterpolator_Namespaces(t *testing.T) {
	interp := NewInterpolator()

	v, err := interp.ResolveString("{{trigger.email}}", testScope())
	require.NoError(t, err)
	assert.Equal(t, "a@b.c", v)

	v, err = interp.ResolveString("{{result.count}}", testScope())
	require.NoError(t, err)
	assert.Equal(t, float64(2), v)
}

func TestInterpolator_ResolveJSON(t *testing.T) {
	interp := NewInterpolator()

	raw := json.RawMessage(`{"to":"{{start.email}}","hits":"{{search.count}}","static":[1,"x"]}`)
	v, err := interp.ResolveJSON(raw, testScope())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"to":     "a@b.c",
		"hits":   float64(2),
		"static": []any{float64(1), "x"},
	}, v)

	v, err = interp.ResolveJSON(nil, testScope())
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestInterpolator_Errors(t *testing.T) {
	interp := NewInterpolator()

	cases := map[string]string{
		"unknown step":  "{{nope.field}}",
		"unknown field": "{{start.missing}}",
		"bad index":     "{{search.results.5}}",
		"unclosed":      "x {{start.name",
		"empty":         "{{}}",
		"scalar":        "{{start.name.first}}",
	}
	for name, tpl := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := interp.ResolveString(tpl, testScope())
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeInterpolation))
		})
	}
}

func TestReferences(t *testing.T) {
	assert.Equal(t, []string{"start", "search"}, References("{{start.email}} and {{ search.count }}"))
	assert.Empty(t, References("no placeholders"))
}

func TestInterpolator_LeavesSecretReferences(t *testing.T) {
	interp := NewInterpolator()

	got, err := interp.RenderText("Bearer ${{secrets.TOKEN}} for {{trigger.email}}", testScope())
	require.NoError(t, err)
	assert.Equal(t, "Bearer ${{secrets.TOKEN}} for a@b.c", got)

	v, err := interp.ResolveString("${{secrets.TOKEN}}", testScope())
	require.NoError(t, err)
	assert.Equal(t, "${{secrets.TOKEN}}", v)

	assert.Equal(t, []string{"trigger"}, References("${{secrets.TOKEN}} {{trigger.email}}"))
}
