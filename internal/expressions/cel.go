package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/rendis/flowgate/pkg/schema"
)

// CELEngine evaluates condition steps, the default condition language.
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

// NewCELEngine creates a new CEL expression engine.
// The environment exposes three top-level variables matching Scope:
//   - steps:   map(string, dyn), step outputs keyed by step ID
//   - trigger: dyn, the execution's trigger payload
//   - result:  dyn, the output of the step that led to the current one
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("steps", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("trigger", cel.DynType),
		cel.Variable("result", cel.DynType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	e := &CELEngine{env: env}
	e.programs = newProgramCache(DefaultCacheSize, e.compile)
	return e, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return schema.LanguageCEL
}

// Evaluate runs the expression against the scope variables.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.ContextEval(ctx, buildActivation(data))
	if err != nil {
		return nil, evalError(schema.LanguageCEL, expression, err)
	}
	return out.Value(), nil
}

// Compile checks that the expression compiles without evaluating it.
func (e *CELEngine) Compile(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, compileError(schema.LanguageCEL, expression, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, compileError(schema.LanguageCEL, expression, err)
	}
	return prg, nil
}

// buildActivation fills missing variables so CEL never sees an unbound name.
func buildActivation(data map[string]any) map[string]any {
	activation := map[string]any{
		"steps":   map[string]any{},
		"trigger": map[string]any{},
		"result":  map[string]any{},
	}
	for key := range activation {
		if v, ok := data[key]; ok && v != nil {
			activation[key] = v
		}
	}
	return activation
}

var _ Engine = (*CELEngine)(nil)
