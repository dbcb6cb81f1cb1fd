package expressions

import (
	"context"

	"github.com/itchyny/gojq"

	"github.com/rendis/flowgate/pkg/schema"
)

// GoJQEngine reshapes step outputs in "jq" transform steps.
type GoJQEngine struct {
	programs *programCache[*gojq.Code]
}

// NewGoJQEngine creates a jq engine with the default cache size.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{programs: newProgramCache(DefaultCacheSize, compileJQ)}
}

func compileJQ(expression string) (*gojq.Code, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, compileError(schema.TransformJQ, expression, err)
	}
	// Transforms must not see the process environment.
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, compileError(schema.TransformJQ, expression, err)
	}
	return code, nil
}

// Name returns the engine identifier.
func (e *GoJQEngine) Name() string {
	return schema.TransformJQ
}

// Evaluate runs a jq program with the scope variables as its input object.
// A single output is returned as is, several are collected into a []any and
// none yields nil.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}
	code, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	var results []any
	iter := code.RunWithContext(ctx, normalizeForJQ(data))
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, evalError(schema.TransformJQ, expression, err)
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// Compile checks that the expression parses and compiles.
func (e *GoJQEngine) Compile(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

// normalizeForJQ converts Go native numbers to float64, which is what gojq
// expects for every JSON number.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = normalizeForJQ(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = normalizeForJQ(v)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

var _ Engine = (*GoJQEngine)(nil)
