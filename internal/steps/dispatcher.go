// Package steps executes the non-suspending step variants of a workflow graph.
package steps

import (
	"context"
	"errors"

	"github.com/rendis/flowgate/internal/actions"
	"github.com/rendis/flowgate/internal/expressions"
	"github.com/rendis/flowgate/internal/graph"
	"github.com/rendis/flowgate/internal/secrets"
	"github.com/rendis/flowgate/pkg/schema"
)

// View is the read-only context a step executes against. Context maps step
// IDs to their outputs; Previous is the output of the step that enabled the
// current one. Executors never write to a View.
type View struct {
	Trigger  any
	Context  map[string]any
	Previous any
}

// ViewOf adapts an expression scope.
func ViewOf(s *expressions.Scope) View {
	return View{Trigger: s.Trigger, Context: s.Steps, Previous: s.Result}
}

func (v View) scope() *expressions.Scope {
	return &expressions.Scope{Steps: v.Context, Trigger: v.Trigger, Result: v.Previous}
}

// Outcome is what an executor reports back to the engine. Branch is set
// only by condition steps. Error is set when a continueOnError action
// failed: the step is recorded as an error but traversal continues.
type Outcome struct {
	Status schema.StepStatus
	Output any
	Branch string
	Error  *schema.ErrorDetail
}

// Dispatcher runs step nodes against their collaborators.
type Dispatcher struct {
	services *actions.Services
	engines  *expressions.Engines
	interp   *expressions.Interpolator
	secrets  *secrets.Resolver
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithVault lets http actions resolve ${{secrets.KEY}} references in their
// url, headers and body.
func WithVault(v secrets.Vault) Option {
	return func(d *Dispatcher) { d.secrets = secrets.NewResolver(v) }
}

// NewDispatcher creates a Dispatcher. services may be nil, in which case
// search and action steps fail with a transport error.
func NewDispatcher(services *actions.Services, engines *expressions.Engines, opts ...Option) *Dispatcher {
	if services == nil {
		services = &actions.Services{}
	}
	d := &Dispatcher{
		services: services,
		engines:  engines,
		interp:   expressions.NewInterpolator(),
		secrets:  secrets.NewResolver(nil),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Execute runs node. Approval nodes are refused: the engine suspends on
// them instead of executing. Any returned error carries STEP_FAILED (or
// INTERPOLATION_ERROR for unresolvable placeholders) tagged with the step.
func (d *Dispatcher) Execute(ctx context.Context, node graph.Node, view View) (Outcome, error) {
	var (
		out Outcome
		err error
	)

	switch n := node.(type) {
	case *graph.TriggerNode:
		out = success(view.Trigger)
	case *graph.SearchNode:
		out, err = d.search(ctx, n, view)
	case *graph.ActionNode:
		out, err = d.action(ctx, n, view)
	case *graph.ConditionNode:
		out, err = d.condition(ctx, n, view)
	case *graph.TransformNode:
		out, err = d.transform(ctx, n, view)
	case *graph.OutputNode:
		out, err = d.output(n, view)
	case *graph.ApprovalNode:
		return Outcome{}, schema.NewError(schema.ErrCodeInvalidTransition,
			"approval steps suspend the execution and cannot be dispatched").WithStep(n.ID())
	default:
		return Outcome{}, schema.NewErrorf(schema.ErrCodeValidation, "unsupported node %T", node)
	}

	if err != nil {
		return Outcome{}, stepErr(node, err)
	}
	return out, nil
}

// ApprovalMessage renders an approval step's message against view.
func (d *Dispatcher) ApprovalMessage(n *graph.ApprovalNode, view View) (string, error) {
	if n.Config.Message == "" {
		return "", nil
	}
	msg, err := d.interp.RenderText(n.Config.Message, view.scope())
	if err != nil {
		return "", stepErr(n, err)
	}
	return msg, nil
}

func (d *Dispatcher) condition(ctx context.Context, n *graph.ConditionNode, view View) (Outcome, error) {
	vars := view.scope().Vars()

	var (
		val any
		err error
	)
	switch n.Config.Language {
	case schema.LanguageExpr:
		val, err = d.engines.Expr.Evaluate(ctx, n.Config.Expression, vars)
	default:
		val, err = d.engines.CEL.Evaluate(ctx, n.Config.Expression, vars)
	}
	if err != nil {
		return Outcome{}, err
	}

	b, ok := val.(bool)
	if !ok {
		return Outcome{}, schema.NewErrorf(schema.ErrCodeStepFailed,
			"condition %q evaluated to %T, want bool", n.Config.Expression, val)
	}
	branch := schema.HandleFalse
	if b {
		branch = schema.HandleTrue
	}
	return Outcome{
		Status: schema.StepSuccess,
		Output: map[string]any{"result": b, "branch": branch},
		Branch: branch,
	}, nil
}

func (d *Dispatcher) transform(ctx context.Context, n *graph.TransformNode, view View) (Outcome, error) {
	scope := view.scope()
	var (
		val any
		err error
	)
	switch n.Config.Mode {
	case schema.TransformJQ:
		val, err = d.engines.JQ.Evaluate(ctx, n.Config.Expression, scope.Vars())
	case schema.TransformExpr:
		val, err = d.engines.Expr.Evaluate(ctx, n.Config.Expression, scope.Vars())
	default:
		val, err = d.interp.ResolveJSON(n.Config.Template, scope)
	}
	if err != nil {
		return Outcome{}, err
	}
	return success(val), nil
}

// output resolves the configured value, or passes the previous step's
// output through when none is configured.
func (d *Dispatcher) output(n *graph.OutputNode, view View) (Outcome, error) {
	if len(n.Config.Value) == 0 {
		return success(view.Previous), nil
	}
	val, err := d.interp.ResolveJSON(n.Config.Value, view.scope())
	if err != nil {
		return Outcome{}, err
	}
	return success(val), nil
}

func success(output any) Outcome {
	return Outcome{Status: schema.StepSuccess, Output: output}
}

// stepErr tags err with the step. Step failures and interpolation errors
// keep their code; anything else becomes the cause of a STEP_FAILED error.
func stepErr(node graph.Node, err error) *schema.FlowError {
	var fe *schema.FlowError
	if errors.As(err, &fe) && (fe.Code == schema.ErrCodeStepFailed || fe.Code == schema.ErrCodeInterpolation) {
		if fe.StepID == "" {
			fe.StepID = node.ID()
		}
		return fe
	}
	return schema.NewErrorf(schema.ErrCodeStepFailed, "%s step failed", node.Type()).
		WithStep(node.ID()).
		WithCause(err)
}
