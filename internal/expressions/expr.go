package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/flowgate/pkg/schema"
)

// ExprEngine serves conditions written with language "expr" and transforms
// in "expr" mode.
type ExprEngine struct {
	programs *programCache[*vm.Program]
}

// NewExprEngine creates an expr engine with the default cache size.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newProgramCache(DefaultCacheSize, compileExpr)}
}

// Programs are compiled against an untyped map so one program serves every
// execution whatever the shapes of the step outputs.
func compileExpr(expression string) (*vm.Program, error) {
	prg, err := expr.Compile(expression, expr.Env(map[string]any{}), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, compileError(schema.LanguageExpr, expression, err)
	}
	return prg, nil
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return schema.LanguageExpr
}

// Evaluate runs the expression with the scope variables as its environment.
func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, evalError(schema.LanguageExpr, expression, err)
	}
	return out, nil
}

// Compile checks that the expression compiles without evaluating it.
func (e *ExprEngine) Compile(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

var _ Engine = (*ExprEngine)(nil)
